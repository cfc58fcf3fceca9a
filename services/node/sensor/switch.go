package sensor

import (
	"context"
	"time"

	"nodemanager-go/errcode"
	"nodemanager-go/services/node/hwcore"
	"nodemanager-go/types"
	"nodemanager-go/x/timex"
)

func init() {
	RegisterBuilder(types.SensorSwitch, BuilderFunc(buildSwitch(types.SensorSwitch)))
	RegisterBuilder(types.SensorDoor, BuilderFunc(buildSwitch(types.SensorDoor)))
	RegisterBuilder(types.SensorMotion, BuilderFunc(buildSwitch(types.SensorMotion)))
}

// SwitchOptions: Initial is the idle level; a high idle level enables the
// pull-up. Debounce waits before the read, TriggerTime after it so the
// signal can settle before the node sleeps again.
type SwitchOptions struct {
	Mode        hwcore.Edge   `mapstructure:"-"`
	ModeName    string        `mapstructure:"mode"`
	Initial     bool          `mapstructure:"initial"`
	Debounce    time.Duration `mapstructure:"-"`
	DebounceMs  int           `mapstructure:"debounce_ms"`
	TriggerTime time.Duration `mapstructure:"-"`
	TriggerMs   int           `mapstructure:"trigger_time_ms"`
}

func DefaultSwitchOptions() SwitchOptions {
	return SwitchOptions{Mode: hwcore.EdgeChange, Initial: true}
}

// DefaultMotionOptions: PIR outputs idle low and go high on detection.
func DefaultMotionOptions() SwitchOptions {
	return SwitchOptions{Mode: hwcore.EdgeRising, Initial: false}
}

// Switch reports a digital level when its interrupt pin wakes the node.
type Switch struct {
	*Base
	Opts  SwitchOptions
	gpio  hwcore.GPIOPin
	woken bool
}

// NewSwitch requires an interrupt-capable pin.
func NewSwitch(env hwcore.Env, pin int, opts SwitchOptions) (*Switch, error) {
	if pin != hwcore.InterruptPin1 && pin != hwcore.InterruptPin2 {
		return nil, errcode.Wrap(errcode.InvalidInterrupt, "switch", "pin must be interrupt capable", nil)
	}
	switch opts.Mode {
	case hwcore.EdgeChange, hwcore.EdgeRising, hwcore.EdgeFalling:
	default:
		return nil, errcode.Wrap(errcode.InvalidInterrupt, "switch", "mode "+opts.Mode.String(), nil)
	}
	g, err := env.Board.Pin(pin)
	if err != nil {
		return nil, err
	}
	s := &Switch{Opts: opts, gpio: g}
	set := DefaultSettings()
	set.Type = types.VTripped
	s.Base = NewBase(env, pin, set, s)
	return s, nil
}

func NewDoor(env hwcore.Env, pin int, opts SwitchOptions) (*Switch, error) {
	s, err := NewSwitch(env, pin, opts)
	if err != nil {
		return nil, err
	}
	s.Settings.Presentation = types.SDoor
	return s, nil
}

func NewMotion(env hwcore.Env, pin int, opts SwitchOptions) (*Switch, error) {
	s, err := NewSwitch(env, pin, opts)
	if err != nil {
		return nil, err
	}
	s.Settings.Presentation = types.SMotion
	return s, nil
}

func (s *Switch) pull() hwcore.Pull {
	if s.Opts.Initial {
		return hwcore.PullUp
	}
	return hwcore.PullNone
}

func (s *Switch) Interrupt() (int, hwcore.Edge, hwcore.Pull) {
	return s.Pin(), s.Opts.Mode, s.pull()
}

// Woke records whether the last wake came from this sensor's pin.
func (s *Switch) Woke(pin int) { s.woken = pin == s.Pin() }

func (s *Switch) OnBefore(context.Context) error { return s.gpio.ConfigureInput(s.pull()) }

// OnLoop reads only after this pin woke the node (or on request). A level
// that does not match the edge mode is a bounce and is not reported.
func (s *Switch) OnLoop(context.Context) error {
	if s.Request() != nil {
		s.SetInt(boolInt(s.gpio.Get()))
		return nil
	}
	if !s.woken {
		return ErrNoReading
	}
	s.Delay(s.Opts.Debounce)
	v := s.gpio.Get()
	switch {
	case s.Opts.Mode == hwcore.EdgeRising && !v, s.Opts.Mode == hwcore.EdgeFalling && v:
		return ErrNoReading
	}
	s.SetInt(boolInt(v))
	s.Delay(s.Opts.TriggerTime)
	return nil
}

func buildSwitch(t types.SensorType) func(Input) ([]Sensor, error) {
	return func(in Input) ([]Sensor, error) {
		opts := DefaultSwitchOptions()
		if t == types.SensorMotion {
			opts = DefaultMotionOptions()
		}
		if err := decodeParams(in.Params, &opts); err != nil {
			return nil, err
		}
		mode, ok := hwcore.ParseEdge(opts.ModeName, opts.Mode)
		if !ok {
			return nil, errcode.Wrap(errcode.InvalidInterrupt, "switch", "mode "+opts.ModeName, nil)
		}
		opts.Mode = mode
		opts.Debounce = timex.Ms(opts.DebounceMs)
		opts.TriggerTime = timex.Ms(opts.TriggerMs)

		var s *Switch
		var err error
		switch t {
		case types.SensorDoor:
			s, err = NewDoor(in.Env, in.Pin, opts)
		case types.SensorMotion:
			s, err = NewMotion(in.Env, in.Pin, opts)
		default:
			s, err = NewSwitch(in.Env, in.Pin, opts)
		}
		if err != nil {
			return nil, err
		}
		return []Sensor{s}, nil
	}
}
