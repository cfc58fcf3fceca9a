package platform

import (
	"bytes"
	"errors"
	"sync"

	"tinygo.org/x/drivers/ds18b20"
)

// 1-Wire ROM commands.
const (
	cmdSearchROM = 0xF0
	cmdSkipROM   = 0xCC
)

var (
	errNoPresence = errors.New("onewire: no devices on the bus")
	errNoDevice   = errors.New("onewire: rom id not present")
)

// ----------------------------- 1-Wire (host) ---------------------------------

type probe struct {
	rom         []uint8
	milliC      int32
	converted   int32
	conversions int
}

// FakeOneWire simulates a 1-Wire bus populated with DS18B20 probes. It speaks
// the byte-level protocol ds18b20.Device drives.
type FakeOneWire struct {
	mu       sync.Mutex
	probes   []*probe
	selected []*probe
	out      []uint8
	corrupt  bool
}

// AddProbe attaches a DS18B20 with the given family-0x28 ROM serial and
// temperature in °C/1000. A valid CRC byte is appended to the ROM.
func (w *FakeOneWire) AddProbe(serial [6]uint8, milliC int32) []uint8 {
	rom := append([]uint8{0x28}, serial[:]...)
	rom = append(rom, DallasCRC8(rom))
	w.mu.Lock()
	w.probes = append(w.probes, &probe{rom: rom, milliC: milliC})
	w.mu.Unlock()
	return append([]uint8(nil), rom...)
}

// SetTemperature changes the temperature a probe reports on its next conversion.
func (w *FakeOneWire) SetTemperature(rom []uint8, milliC int32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.probes {
		if bytes.Equal(p.rom, rom) {
			p.milliC = milliC
		}
	}
}

// Conversions reports how many CONVERT T commands the probe saw.
func (w *FakeOneWire) Conversions(rom []uint8) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.probes {
		if bytes.Equal(p.rom, rom) {
			return p.conversions
		}
	}
	return 0
}

// CorruptNextRead flips a scratchpad byte so the next read fails its CRC.
func (w *FakeOneWire) CorruptNextRead() {
	w.mu.Lock()
	w.corrupt = true
	w.mu.Unlock()
}

func (w *FakeOneWire) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.selected = nil
	w.out = nil
	if len(w.probes) == 0 {
		return errNoPresence
	}
	return nil
}

func (w *FakeOneWire) Search(cmd uint8) ([][]uint8, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cmd != cmdSearchROM {
		return nil, errors.New("onewire: unsupported search command")
	}
	if len(w.probes) == 0 {
		return nil, errNoPresence
	}
	roms := make([][]uint8, 0, len(w.probes))
	for _, p := range w.probes {
		roms = append(roms, append([]uint8(nil), p.rom...))
	}
	return roms, nil
}

// Select addresses one probe by ROM id; an empty id addresses every probe
// (SKIP ROM).
func (w *FakeOneWire) Select(rom []uint8) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.out = nil
	if len(rom) == 0 {
		w.selected = append([]*probe(nil), w.probes...)
		return nil
	}
	for _, p := range w.probes {
		if bytes.Equal(p.rom, rom) {
			w.selected = []*probe{p}
			return nil
		}
	}
	w.selected = nil
	return errNoDevice
}

func (w *FakeOneWire) Write(b uint8) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch b {
	case ds18b20.CONVERT_TEMPERATURE:
		for _, p := range w.selected {
			p.converted = p.milliC
			p.conversions++
		}
	case ds18b20.READ_SCRATCHPAD:
		if len(w.selected) != 1 {
			w.out = nil
			return
		}
		w.out = scratchpad(w.selected[0].converted)
		if w.corrupt {
			w.out[0] ^= 0x01
			w.corrupt = false
		}
	case cmdSkipROM:
		w.selected = append([]*probe(nil), w.probes...)
	}
}

// Read returns the next scratchpad byte; an idle bus reads 0xFF.
func (w *FakeOneWire) Read() uint8 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.out) == 0 {
		return 0xFF
	}
	b := w.out[0]
	w.out = w.out[1:]
	return b
}

func (w *FakeOneWire) Сrc8(buf []uint8) uint8 { return DallasCRC8(buf) }

// scratchpad lays out the 9-byte DS18B20 scratchpad for a 12-bit reading.
func scratchpad(milliC int32) []uint8 {
	raw := uint16(int16(milliC * 16 / 1000))
	sp := []uint8{uint8(raw), uint8(raw >> 8), 0x4B, 0x46, 0x7F, 0xFF, 0x0C, 0x10}
	return append(sp, DallasCRC8(sp))
}

// DallasCRC8 computes the Maxim/Dallas 1-Wire CRC (x^8+x^5+x^4+1, reflected).
// A buffer followed by its CRC checks to zero.
func DallasCRC8(buf []uint8) uint8 {
	var crc uint8
	for _, b := range buf {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x01 != 0 {
				crc = crc>>1 ^ 0x8C
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
