// Package hwcore holds the hardware-facing interfaces a node and its sensors
// are written against. Implementations live in platform (host/simulation) or
// in board-specific packages.
package hwcore

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/dht"
	"tinygo.org/x/drivers/ds18b20"
)

// ---- GPIO ----

type Pull uint8

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

func (p Pull) String() string {
	switch p {
	case PullUp:
		return "up"
	case PullDown:
		return "down"
	default:
		return "none"
	}
}

// ParsePull reads "up", "down" or "none"; an empty name gives def.
func ParsePull(s string, def Pull) (Pull, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, true
	case "up":
		return PullUp, true
	case "down":
		return PullDown, true
	case "none":
		return PullNone, true
	}
	return def, false
}

type GPIOPin interface {
	Number() int
	ConfigureInput(pull Pull) error
	ConfigureOutput(initial bool) error
	Set(level bool)
	Get() bool
}

// Edge selects what wakes an interrupt.
type Edge uint8

const (
	EdgeNone Edge = iota
	EdgeRising
	EdgeFalling
	EdgeChange
	EdgeLow // level-triggered while low
)

func (e Edge) String() string {
	switch e {
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	case EdgeChange:
		return "change"
	case EdgeLow:
		return "low"
	default:
		return "none"
	}
}

// ParseEdge reads "change", "rising", "falling" or "low"; an empty name
// gives def.
func ParseEdge(s string, def Edge) (Edge, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, true
	case "change":
		return EdgeChange, true
	case "rising":
		return EdgeRising, true
	case "falling":
		return EdgeFalling, true
	case "low":
		return EdgeLow, true
	}
	return EdgeNone, false
}

// IRQPin extends GPIOPin with interrupts. handler runs in interrupt context
// and must not block.
type IRQPin interface {
	GPIOPin
	SetIRQ(edge Edge, handler func()) error
	ClearIRQ() error
}

// Interrupt-capable pins on the reference board.
const (
	InterruptPin1 = 3
	InterruptPin2 = 2
)

// ---- Analog ----

type Reference uint8

const (
	RefDefault Reference = iota
	RefInternal
	RefExternal
)

// AnalogPin reads 10-bit conversions (0..1023).
type AnalogPin interface {
	Number() int
	Read() uint16
	SetReference(ref Reference) error
}

// AnalogMax is the full-scale analog reading.
const AnalogMax = 1023

// ---- Buses / drivers ----

// OneWireBus is the 1-Wire master used by DS18B20 probes; it matches
// tinygo.org/x/drivers/onewire.Device.
type OneWireBus interface {
	ds18b20.OneWireDevice
	Reset() error
	Search(cmd uint8) ([][]uint8, error)
}

// DHTDevice is the subset of tinygo.org/x/drivers/dht.DummyDevice used here.
// Temperature is in tenths of °C, humidity in tenths of %RH.
type DHTDevice interface {
	ReadMeasurements() error
	Measurements() (temperature int16, humidity uint16, err error)
}

// Board hands out hardware resources by pin number.
type Board interface {
	Pin(n int) (GPIOPin, error)
	IRQ(n int) (IRQPin, error)
	Analog(n int) (AnalogPin, error)
	OneWire(n int) (OneWireBus, error)
	DHT(n int, model dht.DeviceType) (DHTDevice, error)
	I2C() (drivers.I2C, error)
	// SupplyVoltage returns the measured Vcc in volts.
	SupplyVoltage() (float64, error)
}

// ---- Time ----

// Delayer performs the short blocking waits sensors need (settle time,
// sample spacing, debounce, pulse width).
type Delayer interface {
	Delay(d time.Duration)
}

// Wake describes why a suspension ended. Pin is -1 when the timer expired.
type Wake struct {
	Pin     int
	Elapsed time.Duration
}

// TimedOut reports whether the suspension ran its full duration.
func (w Wake) TimedOut() bool { return w.Pin < 0 }

// Suspender blocks the whole node for d, or until a pin number arrives on
// wake. deep selects a powered-down sleep rather than an idle wait.
type Suspender interface {
	Suspend(ctx context.Context, d time.Duration, deep bool, wake <-chan int) (Wake, error)
}

// Env bundles the collaborators a node and its sensors run against.
type Env struct {
	Board Board
	Clock clock.Clock
	Delay Delayer
	Sleep Suspender
}
