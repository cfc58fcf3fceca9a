// Package sht21 provides a driver for the Sensirion SHT21 (HTU21D compatible)
// temperature/humidity sensor.
//
// Measurements use the "no hold master" commands: a trigger write, a wait for
// the conversion, then a 3-byte read (MSB, LSB, CRC).
//
// NOTE: I2C.Tx with r == nil MUST issue a write-only transaction, and with
// w == nil a read-only transaction.
package sht21

import (
	"errors"
	"time"

	"tinygo.org/x/drivers"
)

// I2C address.
const Address = 0x40

const (
	cmdTriggerTemp = 0xF3
	cmdTriggerRH   = 0xF5
	cmdSoftReset   = 0xFE

	statusMask = 0xFFFC
)

// Errors returned by the driver.
var (
	ErrCRC = errors.New("sht21: crc mismatch")
)

// Config controls non-hardware behaviour. All fields are optional.
type Config struct {
	// Address defaults to 0x40 if zero.
	Address uint16
	// TempWait is the conversion time for a 14-bit temperature. Default 85 ms.
	TempWait time.Duration
	// HumidityWait is the conversion time for a 12-bit humidity. Default 29 ms.
	HumidityWait time.Duration
	// Sleep performs the conversion waits. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// Device wraps an I2C connection to an SHT21 device.
type Device struct {
	bus     drivers.I2C
	Address uint16

	cfg Config
	buf [3]byte
}

// New creates a new SHT21 connection. The I2C bus must already be configured.
func New(bus drivers.I2C) Device {
	return Device{bus: bus, Address: Address}
}

// Configure applies cfg; it may be called with no cfg to use defaults.
func (d *Device) Configure(cfgs ...Config) {
	var c Config
	if len(cfgs) > 0 {
		c = cfgs[0]
	}
	if c.Address != 0 {
		d.Address = c.Address
	}
	if c.TempWait <= 0 {
		c.TempWait = 85 * time.Millisecond
	}
	if c.HumidityWait <= 0 {
		c.HumidityWait = 29 * time.Millisecond
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
	d.cfg = c
}

// Reset issues a soft reset. The device needs ~15 ms before the next command.
func (d *Device) Reset() error {
	return d.bus.Tx(d.Address, []byte{cmdSoftReset}, nil)
}

// ReadRawTemperature returns the 14-bit temperature word with status bits cleared.
func (d *Device) ReadRawTemperature() (uint16, error) {
	return d.measure(cmdTriggerTemp, d.cfg.TempWait)
}

// ReadRawHumidity returns the 12-bit humidity word with status bits cleared.
func (d *Device) ReadRawHumidity() (uint16, error) {
	return d.measure(cmdTriggerRH, d.cfg.HumidityWait)
}

// ReadTemperature returns the temperature in °C.
func (d *Device) ReadTemperature() (float32, error) {
	raw, err := d.ReadRawTemperature()
	if err != nil {
		return 0, err
	}
	return Celsius(raw), nil
}

// ReadHumidity returns the relative humidity in %RH.
func (d *Device) ReadHumidity() (float32, error) {
	raw, err := d.ReadRawHumidity()
	if err != nil {
		return 0, err
	}
	return RelHumidity(raw), nil
}

func (d *Device) measure(cmd byte, wait time.Duration) (uint16, error) {
	if d.cfg.Sleep == nil {
		d.Configure()
	}
	if err := d.bus.Tx(d.Address, []byte{cmd}, nil); err != nil {
		return 0, err
	}
	d.cfg.Sleep(wait)
	data := d.buf[:]
	if err := d.bus.Tx(d.Address, nil, data); err != nil {
		return 0, err
	}
	if CRC8(data[:2]) != data[2] {
		return 0, ErrCRC
	}
	return (uint16(data[0])<<8 | uint16(data[1])) & statusMask, nil
}

// Celsius converts a raw temperature word.
func Celsius(raw uint16) float32 {
	return -46.85 + 175.72*float32(raw&statusMask)/65536
}

// RelHumidity converts a raw humidity word.
func RelHumidity(raw uint16) float32 {
	return -6 + 125*float32(raw&statusMask)/65536
}

// CRC8 computes the SHT2x checksum (polynomial x^8+x^5+x^4+1, init 0).
func CRC8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
