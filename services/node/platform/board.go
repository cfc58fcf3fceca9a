// Package platform provides host implementations of the hwcore interfaces:
// a fake board whose pins, analog inputs, 1-Wire bus, DHT sensors and supply
// voltage are driven by tests or the CLI simulator, plus clock-backed delay
// and suspend implementations (real and simulated).
package platform

import (
	"errors"
	"sync"

	"nodemanager-go/errcode"
	"nodemanager-go/services/node/hwcore"

	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/dht"
)

// ----------------------------- I²C (host) ------------------------------------

// HostI2C implements drivers.I2C; it records the last transaction and
// answers reads with zeros.
type HostI2C struct {
	mu     sync.Mutex
	LastTx struct {
		Addr uint16
		W    []byte
		Rn   int
	}
}

func (h *HostI2C) Tx(addr uint16, w, r []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.LastTx.Addr = addr
	h.LastTx.W = append([]byte(nil), w...)
	h.LastTx.Rn = len(r)
	for i := range r {
		r[i] = 0
	}
	return nil
}

// ----------------------------- DHT (host) ------------------------------------

var ErrDHTTimeout = errors.New("dht: no response")

// FakeDHT implements hwcore.DHTDevice.
type FakeDHT struct {
	mu    sync.Mutex
	Model dht.DeviceType
	temp  int16
	hum   uint16
	err   error
	reads int
}

// Set stores the next measurement in tenths of °C and tenths of %RH.
func (d *FakeDHT) Set(tempDeci int16, humDeci uint16) {
	d.mu.Lock()
	d.temp, d.hum, d.err = tempDeci, humDeci, nil
	d.mu.Unlock()
}

// Fail makes subsequent reads return err.
func (d *FakeDHT) Fail(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *FakeDHT) ReadMeasurements() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	return d.err
}

func (d *FakeDHT) Measurements() (int16, uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return 0, 0, d.err
	}
	return d.temp, d.hum, nil
}

// Reads reports how many bus transactions were performed.
func (d *FakeDHT) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// ----------------------------- Board -----------------------------------------

// HostBoard implements hwcore.Board with fakes. Resources are created on
// first use and stay stable per pin number, so tests may fetch them before or
// after the node claims them.
type HostBoard struct {
	mu      sync.Mutex
	maxPin  int
	pins    map[int]*FakePin
	analog  map[int]*FakeAnalog
	onewire map[int]*FakeOneWire
	dhts    map[int]*FakeDHT
	i2c     drivers.I2C
	vcc     float64
	vccErr  error
}

// NewHostBoard returns a board with pins 0..maxPin and a 3.3 V supply.
func NewHostBoard(maxPin int) *HostBoard {
	if maxPin <= 0 {
		maxPin = 31
	}
	return &HostBoard{
		maxPin:  maxPin,
		pins:    make(map[int]*FakePin),
		analog:  make(map[int]*FakeAnalog),
		onewire: make(map[int]*FakeOneWire),
		dhts:    make(map[int]*FakeDHT),
		i2c:     &HostI2C{},
		vcc:     3.3,
	}
}

func (b *HostBoard) check(n int) error {
	if n < 0 || n > b.maxPin {
		return errcode.Wrap(errcode.UnknownPin, "board", "", nil)
	}
	return nil
}

// FakePin returns the fake behind pin n, creating it when needed.
func (b *HostBoard) FakePin(n int) *FakePin {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pins[n]
	if !ok {
		p = &FakePin{number: n}
		b.pins[n] = p
	}
	return p
}

// FakeAnalog returns the fake behind analog input n.
func (b *HostBoard) FakeAnalog(n int) *FakeAnalog {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.analog[n]
	if !ok {
		a = &FakeAnalog{number: n}
		b.analog[n] = a
	}
	return a
}

// FakeOneWire returns the 1-Wire bus on pin n.
func (b *HostBoard) FakeOneWire(n int) *FakeOneWire {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.onewire[n]
	if !ok {
		w = &FakeOneWire{}
		b.onewire[n] = w
	}
	return w
}

// FakeDHT returns the DHT on pin n.
func (b *HostBoard) FakeDHT(n int) *FakeDHT {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.dhts[n]
	if !ok {
		d = &FakeDHT{}
		b.dhts[n] = d
	}
	return d
}

// Drive sets an input level as an external circuit would, firing any armed IRQ.
func (b *HostBoard) Drive(n int, level bool) { b.FakePin(n).Set(level) }

// SetSupplyVoltage sets the value returned by SupplyVoltage.
func (b *HostBoard) SetSupplyVoltage(v float64) {
	b.mu.Lock()
	b.vcc, b.vccErr = v, nil
	b.mu.Unlock()
}

// SetI2C replaces the I²C bus (e.g. with a tinygo tester bus).
func (b *HostBoard) SetI2C(bus drivers.I2C) {
	b.mu.Lock()
	b.i2c = bus
	b.mu.Unlock()
}

// ---- hwcore.Board ----

func (b *HostBoard) Pin(n int) (hwcore.GPIOPin, error) {
	if err := b.check(n); err != nil {
		return nil, err
	}
	return b.FakePin(n), nil
}

func (b *HostBoard) IRQ(n int) (hwcore.IRQPin, error) {
	if n != hwcore.InterruptPin1 && n != hwcore.InterruptPin2 {
		return nil, errcode.Wrap(errcode.InvalidInterrupt, "board", "pin is not interrupt capable", nil)
	}
	return b.FakePin(n), nil
}

func (b *HostBoard) Analog(n int) (hwcore.AnalogPin, error) {
	if err := b.check(n); err != nil {
		return nil, err
	}
	return b.FakeAnalog(n), nil
}

func (b *HostBoard) OneWire(n int) (hwcore.OneWireBus, error) {
	if err := b.check(n); err != nil {
		return nil, err
	}
	return b.FakeOneWire(n), nil
}

func (b *HostBoard) DHT(n int, model dht.DeviceType) (hwcore.DHTDevice, error) {
	if err := b.check(n); err != nil {
		return nil, err
	}
	d := b.FakeDHT(n)
	d.mu.Lock()
	d.Model = model
	d.mu.Unlock()
	return d, nil
}

func (b *HostBoard) I2C() (drivers.I2C, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.i2c == nil {
		return nil, errcode.Wrap(errcode.NotFound, "board", "no i2c bus", nil)
	}
	return b.i2c, nil
}

func (b *HostBoard) SupplyVoltage() (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.vcc, b.vccErr
}

var _ hwcore.Board = (*HostBoard)(nil)
