package sensor

import (
	"context"
	"time"

	"nodemanager-go/errcode"
	"nodemanager-go/services/node/hwcore"
	"nodemanager-go/types"
	"nodemanager-go/x/timex"

	"go.uber.org/zap"
)

func init() {
	RegisterBuilder(types.SensorDigitalInput, BuilderFunc(buildDigitalInput))
	RegisterBuilder(types.SensorDigitalOutput, BuilderFunc(buildOutput(types.SensorDigitalOutput)))
	RegisterBuilder(types.SensorRelay, BuilderFunc(buildOutput(types.SensorRelay)))
	RegisterBuilder(types.SensorLatchingRelay, BuilderFunc(buildOutput(types.SensorLatchingRelay)))
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// ---- Digital input ----

type DigitalInput struct {
	*Base
	Pull hwcore.Pull
	gpio hwcore.GPIOPin
}

func NewDigitalInput(env hwcore.Env, pin int, pull hwcore.Pull) (*DigitalInput, error) {
	g, err := env.Board.Pin(pin)
	if err != nil {
		return nil, err
	}
	s := &DigitalInput{Pull: pull, gpio: g}
	s.Base = NewBase(env, pin, DefaultSettings(), s)
	return s, nil
}

func (s *DigitalInput) OnBefore(context.Context) error { return s.gpio.ConfigureInput(s.Pull) }

func (s *DigitalInput) OnLoop(context.Context) error {
	s.SetInt(boolInt(s.gpio.Get()))
	return nil
}

func buildDigitalInput(in Input) ([]Sensor, error) {
	var p struct {
		Pull string `mapstructure:"pull"`
	}
	if err := decodeParams(in.Params, &p); err != nil {
		return nil, err
	}
	pull, ok := hwcore.ParsePull(p.Pull, hwcore.PullNone)
	if !ok {
		return nil, errcode.Wrap(errcode.InvalidParams, "digital_input", "pull "+p.Pull, nil)
	}
	s, err := NewDigitalInput(in.Env, in.Pin, pull)
	if err != nil {
		return nil, err
	}
	return []Sensor{s}, nil
}

// ---- Digital output / relays ----

// OutputOptions: OnValue is the level meaning "on" (false for active-low
// relay boards). PulseWidth > 0 reverts the output to its initial state
// after the pulse.
type OutputOptions struct {
	Initial    bool          `mapstructure:"initial"`
	OnValue    bool          `mapstructure:"on_value"`
	PulseWidth time.Duration `mapstructure:"-"`
	PulseMs    int           `mapstructure:"pulse_width_ms"`
}

func DefaultOutputOptions() OutputOptions { return OutputOptions{OnValue: true} }

// LatchingPulse actuates a latching relay coil.
const LatchingPulse = 50 * time.Millisecond

// DigitalOutput drives a pin from controller commands and reports its state
// when asked.
type DigitalOutput struct {
	*Base
	Opts  OutputOptions
	gpio  hwcore.GPIOPin
	state bool
}

func NewDigitalOutput(env hwcore.Env, pin int, opts OutputOptions) (*DigitalOutput, error) {
	g, err := env.Board.Pin(pin)
	if err != nil {
		return nil, err
	}
	s := &DigitalOutput{Opts: opts, gpio: g, state: opts.Initial}
	s.Base = NewBase(env, pin, DefaultSettings(), s)
	return s, nil
}

// NewRelay presents as a binary switch.
func NewRelay(env hwcore.Env, pin int, opts OutputOptions) (*DigitalOutput, error) {
	s, err := NewDigitalOutput(env, pin, opts)
	if err != nil {
		return nil, err
	}
	s.Settings.Presentation = types.SBinary
	s.Settings.Type = types.VStatus
	return s, nil
}

// NewLatchingRelay pulses the coil instead of holding a level.
func NewLatchingRelay(env hwcore.Env, pin int, opts OutputOptions) (*DigitalOutput, error) {
	if opts.PulseWidth <= 0 {
		opts.PulseWidth = LatchingPulse
	}
	return NewRelay(env, pin, opts)
}

// State reports the logical on/off state.
func (s *DigitalOutput) State() bool { return s.state }

func (s *DigitalOutput) OnBefore(context.Context) error {
	return s.gpio.ConfigureOutput(s.level(s.Opts.Initial))
}

// OnLoop reports only when the controller asked for the state.
func (s *DigitalOutput) OnLoop(context.Context) error {
	if s.Request() == nil {
		return ErrNoReading
	}
	s.SetInt(boolInt(s.state))
	return nil
}

// OnReceive sets the output from the payload and reports the new state.
func (s *DigitalOutput) OnReceive(ctx context.Context, tx Sender, msg types.Message) error {
	s.Set(msg.Bool())
	s.Report(ctx, tx, s.Settings.Type, IntValue(boolInt(s.state)))
	return nil
}

// Set switches the output. With a pulse width the pin is held for the pulse
// and then returned to its initial level; the logical state keeps the
// commanded value.
func (s *DigitalOutput) Set(on bool) {
	s.gpio.Set(s.level(on))
	s.state = on
	s.Log().Debug("output set", zap.Bool("on", on))
	if s.Opts.PulseWidth > 0 {
		s.Delay(s.Opts.PulseWidth)
		s.gpio.Set(s.level(s.Opts.Initial))
	}
}

func (s *DigitalOutput) level(on bool) bool {
	if s.Opts.OnValue {
		return on
	}
	return !on
}

func buildOutput(t types.SensorType) func(Input) ([]Sensor, error) {
	return func(in Input) ([]Sensor, error) {
		opts := DefaultOutputOptions()
		if err := decodeParams(in.Params, &opts); err != nil {
			return nil, err
		}
		opts.PulseWidth = timex.Ms(opts.PulseMs)
		var s *DigitalOutput
		var err error
		switch t {
		case types.SensorRelay:
			s, err = NewRelay(in.Env, in.Pin, opts)
		case types.SensorLatchingRelay:
			s, err = NewLatchingRelay(in.Env, in.Pin, opts)
		default:
			s, err = NewDigitalOutput(in.Env, in.Pin, opts)
		}
		if err != nil {
			return nil, err
		}
		return []Sensor{s}, nil
	}
}
