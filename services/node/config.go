package node

import (
	"fmt"
	"time"

	"nodemanager-go/errcode"
	"nodemanager-go/services/node/hwcore"
	"nodemanager-go/types"
	"nodemanager-go/x/timex"

	"go.uber.org/multierr"
)

// Features switch whole subsystems on or off.
type Features struct {
	SleepManager        bool
	PowerManager        bool
	BatteryManager      bool
	RemoteConfiguration bool
	Persist             bool
	ServiceMessages     bool
	// BatterySensor reports the voltage on BatteryChildID as well as the
	// internal battery level.
	BatterySensor bool
}

// SleepConfig: when InterruptPin >= 0 and a wake comes from that pin, the
// node stops sleeping (mode returns to Idle). Other wakes keep the schedule.
type SleepConfig struct {
	Mode         types.SleepMode
	Time         int
	Unit         types.TimeUnit
	InterruptPin int
}

// Duration is one full sleep period.
func (s SleepConfig) Duration() time.Duration {
	return timex.Span(s.Time, s.Unit)
}

type BatteryConfig struct {
	Min, Max float64
	// ReportCycles reports every N loops; 0 reports every loop.
	ReportCycles int
}

// InterruptConfig arms a wake interrupt at startup.
type InterruptConfig struct {
	Pin  int
	Mode hwcore.Edge
	Pull hwcore.Pull
}

// PowerPins switch the supply of every sensor on the node at once.
type PowerPins struct {
	Ground int
	Vcc    int
	Settle time.Duration
}

type Config struct {
	NodeID        uint8
	SketchName    string
	SketchVersion string

	Features   Features
	RebootPin  int
	Sleep      SleepConfig
	Battery    BatteryConfig
	Interrupts []InterruptConfig
	PowerPins  *PowerPins

	// LoopInterval bounds how long an idle node waits for inbound messages
	// between loops.
	LoopInterval time.Duration
}

// MaxSleepTime is the largest time value the persisted layout can hold.
const MaxSleepTime = 255*255 + 254

func DefaultConfig() Config {
	return Config{
		SketchName:    "NodeManager",
		SketchVersion: Version,
		Features: Features{
			SleepManager:        true,
			BatteryManager:      false,
			RemoteConfiguration: true,
			ServiceMessages:     true,
		},
		RebootPin:    -1,
		Sleep:        SleepConfig{Mode: types.Idle, Time: 0, Unit: types.Minutes, InterruptPin: -1},
		Battery:      BatteryConfig{Min: 2.6, Max: 3.3, ReportCycles: 10},
		LoopInterval: time.Second,
	}
}

func invalid(format string, a ...any) error {
	return errcode.Wrap(errcode.InvalidParams, "config", fmt.Sprintf(format, a...), nil)
}

func isInterruptPin(p int) bool { return p == hwcore.InterruptPin1 || p == hwcore.InterruptPin2 }

// Validate reports every problem at once.
func (c Config) Validate() error {
	var err error
	s := c.Sleep
	if s.Mode > types.Wait {
		err = multierr.Append(err, invalid("sleep mode %d", s.Mode))
	}
	if s.Unit > types.Days {
		err = multierr.Append(err, invalid("sleep unit %d", s.Unit))
	}
	if s.Time < 0 || s.Time > MaxSleepTime {
		err = multierr.Append(err, invalid("sleep time %d out of range", s.Time))
	}
	if s.Mode != types.Idle && s.Time == 0 {
		err = multierr.Append(err, invalid("sleep time must be > 0 in %s mode", s.Mode))
	}
	if s.InterruptPin >= 0 && !isInterruptPin(s.InterruptPin) {
		err = multierr.Append(err, errcode.Wrap(errcode.InvalidInterrupt, "config", fmt.Sprintf("sleep interrupt pin %d", s.InterruptPin), nil))
	}
	if c.Features.BatteryManager {
		if c.Battery.Min >= c.Battery.Max {
			err = multierr.Append(err, invalid("battery min %.2f must be below max %.2f", c.Battery.Min, c.Battery.Max))
		}
		if c.Battery.ReportCycles < 0 {
			err = multierr.Append(err, invalid("battery report cycles %d", c.Battery.ReportCycles))
		}
	}
	for _, ic := range c.Interrupts {
		if verr := validateInterrupt(ic.Pin, ic.Mode); verr != nil {
			err = multierr.Append(err, verr)
		}
	}
	if p := c.PowerPins; p != nil {
		if !c.Features.PowerManager {
			err = multierr.Append(err, errcode.Wrap(errcode.Unsupported, "config", "power pins need the power manager feature", nil))
		}
		if p.Ground < 0 && p.Vcc < 0 {
			err = multierr.Append(err, invalid("power pins need ground or vcc"))
		}
	}
	if c.LoopInterval < 0 {
		err = multierr.Append(err, invalid("loop interval %v", c.LoopInterval))
	}
	return err
}

func validateInterrupt(pin int, mode hwcore.Edge) error {
	if !isInterruptPin(pin) {
		return errcode.Wrap(errcode.InvalidInterrupt, "interrupt", fmt.Sprintf("pin %d is not interrupt capable", pin), nil)
	}
	switch mode {
	case hwcore.EdgeChange, hwcore.EdgeRising, hwcore.EdgeFalling, hwcore.EdgeLow:
		return nil
	}
	return errcode.Wrap(errcode.InvalidInterrupt, "interrupt", fmt.Sprintf("mode %s on pin %d", mode, pin), nil)
}
