// Package sensor implements the per-child sampling pipeline shared by every
// sensor (power, sampling, averaging, report-on-change, retried sends) and the
// built-in variants that plug into it through hooks.
package sensor

import (
	"context"
	"errors"
	"time"

	"nodemanager-go/errcode"
	"nodemanager-go/services/node/hwcore"
	"nodemanager-go/services/node/power"
	"nodemanager-go/types"

	"go.uber.org/zap"
)

// ErrNoReading from OnLoop means "nothing to report this cycle"; it is not a
// failure.
var ErrNoReading = errors.New("sensor: no reading")

// Sender delivers one message to the controller network.
type Sender interface {
	Send(ctx context.Context, m types.Message) error
}

// Sensor is what the node registry holds. Variants get everything but Core
// by embedding *Base.
type Sensor interface {
	Core() *Base
	Before(ctx context.Context) error
	Present(ctx context.Context, tx Sender) error
	Loop(ctx context.Context, tx Sender, req *types.Message) error
	Receive(ctx context.Context, tx Sender, msg types.Message) error
}

// Hooks is the variant side of the pipeline. OnLoop must store exactly one
// reading with Set* or return ErrNoReading.
type Hooks interface {
	OnLoop(ctx context.Context) error
}

// BeforeHook is implemented by variants that initialise hardware.
type BeforeHook interface {
	OnBefore(ctx context.Context) error
}

// ReceiveHook is implemented by variants that act on C_SET messages.
type ReceiveHook interface {
	OnReceive(ctx context.Context, tx Sender, msg types.Message) error
}

// Interruptible sensors report on a pin edge. The node arms the interrupt
// and tells the sensor which pin woke it.
type Interruptible interface {
	Interrupt() (pin int, edge hwcore.Edge, pull hwcore.Pull)
	Woke(pin int)
}

// Observer receives per-report outcomes.
type Observer interface {
	Reported(child uint8, attempts int, err error)
	Suppressed(child uint8)
}

type nopObserver struct{}

func (nopObserver) Reported(uint8, int, error) {}
func (nopObserver) Suppressed(uint8)           {}

// ---- Settings ----

// Settings are the per-sensor knobs. ForceUpdate < 0 disables forced
// reports.
type Settings struct {
	Presentation    types.Presentation
	Type            types.ValueType
	Description     string
	Kind            types.ValueKind
	FloatPrecision  int
	Retries         int
	Samples         int
	SamplesInterval time.Duration
	TrackLastValue  bool
	ForceUpdate     int
	Ack             bool
}

// DefaultSettings returns the defaults every variant starts from.
func DefaultSettings() Settings {
	return Settings{
		Presentation:   types.SCustom,
		Type:           types.VCustom,
		Kind:           types.KindInteger,
		FloatPrecision: 2,
		Retries:        1,
		Samples:        1,
		ForceUpdate:    -1,
	}
}

// ---- Base ----

// Base carries identity, settings and report state for one child.
type Base struct {
	Settings Settings

	env   hwcore.Env
	hooks Hooks
	pin   int
	child uint8
	power power.Manager

	log *zap.Logger
	obs Observer

	samples []Value
	current Value
	has     bool
	req     *types.Message

	last    Value
	hasLast bool
	cycles  int
}

// NewBase binds a pin and hooks. Child id is assigned on registration.
func NewBase(env hwcore.Env, pin int, s Settings, hooks Hooks) *Base {
	return &Base{
		Settings: s,
		env:      env,
		hooks:    hooks,
		pin:      pin,
		log:      zap.NewNop(),
		obs:      nopObserver{},
	}
}

func (b *Base) Core() *Base      { return b }
func (b *Base) Pin() int         { return b.pin }
func (b *Base) ChildID() uint8   { return b.child }
func (b *Base) Env() hwcore.Env  { return b.env }
func (b *Base) Log() *zap.Logger { return b.log }

// SetChildID is called by the registry.
func (b *Base) SetChildID(id uint8) { b.child = id }

// Attach installs the logger and observer used for reporting.
func (b *Base) Attach(log *zap.Logger, obs Observer) {
	if log != nil {
		b.log = log.With(zap.Uint8("child", b.child))
	}
	if obs != nil {
		b.obs = obs
	}
}

// SetPowerPins switches this sensor's supply around every loop.
func (b *Base) SetPowerPins(ground, vcc int, settle time.Duration) error {
	return b.power.Configure(b.env.Board, ground, vcc, settle)
}

// Powered reports whether power pins are configured.
func (b *Base) Powered() bool { return b.power.Configured() }

// Last returns the last reported value.
func (b *Base) Last() (Value, bool) { return b.last, b.hasLast }

// Request returns the C_REQ that triggered the current loop, if any.
func (b *Base) Request() *types.Message { return b.req }

// ---- Hook-side setters ----

func (b *Base) SetInt(v int64)     { b.current, b.has = IntValue(v), true }
func (b *Base) SetFloat(v float64) { b.current, b.has = FloatValue(v), true }
func (b *Base) SetString(v string) { b.current, b.has = StringValue(v), true }

// ---- Lifecycle ----

func (b *Base) Before(ctx context.Context) error {
	if h, ok := b.hooks.(BeforeHook); ok {
		if err := h.OnBefore(ctx); err != nil {
			return errcode.Wrap(errcode.Of(err), "before", "", err)
		}
	}
	return nil
}

func (b *Base) Present(ctx context.Context, tx Sender) error {
	m := types.Present(b.child, b.Settings.Presentation, b.Settings.Description)
	m.Ack = b.Settings.Ack
	_, err := b.deliver(ctx, tx, m)
	return err
}

// Loop runs one sampling cycle. req is non-nil when the controller asked for
// the value; requested values always report and reply with the requested type.
func (b *Base) Loop(ctx context.Context, tx Sender, req *types.Message) error {
	if b.power.Configured() {
		b.power.PowerOn()
		b.delay(b.power.Settle())
		defer b.power.PowerOff()
	}

	b.req = req
	defer func() { b.req = nil }()

	n := b.Settings.Samples
	if n < 1 {
		n = 1
	}
	b.samples = b.samples[:0]
	for i := 0; i < n; i++ {
		b.has = false
		if err := b.hooks.OnLoop(ctx); err != nil {
			if errors.Is(err, ErrNoReading) {
				return nil
			}
			b.log.Warn("read failed", zap.Error(err))
			return err
		}
		if !b.has {
			return nil
		}
		b.samples = append(b.samples, b.current)
		if i < n-1 {
			b.delay(b.Settings.SamplesInterval)
		}
	}

	v := combine(b.samples, b.Settings.Kind, b.Settings.FloatPrecision)
	requested := req != nil && req.Command == types.CmdReq

	if !requested && b.Settings.TrackLastValue && b.hasLast &&
		v.Equal(b.last, b.Settings.FloatPrecision) &&
		(b.Settings.ForceUpdate < 0 || b.cycles < b.Settings.ForceUpdate) {
		b.cycles++
		b.obs.Suppressed(b.child)
		b.log.Debug("unchanged, not reporting", zap.String("value", v.Payload(b.Settings.FloatPrecision)), zap.Int("cycles", b.cycles))
		return nil
	}

	vt := b.Settings.Type
	if requested {
		vt = req.ValueType()
	}
	b.Report(ctx, tx, vt, v)
	return nil
}

// Report sends v now, bypassing change detection, and records it as the
// last reported value. Delivery failures are logged, not returned.
func (b *Base) Report(ctx context.Context, tx Sender, vt types.ValueType, v Value) {
	m := types.Set(b.child, vt, v.Payload(b.Settings.FloatPrecision))
	m.Ack = b.Settings.Ack
	attempts, err := b.deliver(ctx, tx, m)
	b.obs.Reported(b.child, attempts, err)
	b.last, b.hasLast, b.cycles = v, true, 0
}

// Receive answers C_REQ with a fresh loop and hands C_SET to the variant.
func (b *Base) Receive(ctx context.Context, tx Sender, msg types.Message) error {
	switch msg.Command {
	case types.CmdReq:
		return b.Loop(ctx, tx, &msg)
	case types.CmdSet:
		if h, ok := b.hooks.(ReceiveHook); ok {
			return h.OnReceive(ctx, tx, msg)
		}
	}
	return nil
}

// deliver tries up to Retries times, without backoff.
func (b *Base) deliver(ctx context.Context, tx Sender, m types.Message) (int, error) {
	tries := b.Settings.Retries
	if tries < 1 {
		tries = 1
	}
	var err error
	n := 0
	for n < tries {
		n++
		if err = tx.Send(ctx, m); err == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		b.log.Warn("send failed", zap.Stringer("cmd", m.Command), zap.Uint8("type", m.Type), zap.Int("attempts", n), zap.Error(err))
	} else {
		b.log.Debug("sent", zap.Stringer("cmd", m.Command), zap.Uint8("type", m.Type), zap.String("payload", m.Payload), zap.Int("attempts", n))
	}
	return n, err
}

func (b *Base) delay(d time.Duration) {
	if d > 0 && b.env.Delay != nil {
		b.env.Delay.Delay(d)
	}
}

// Delay blocks for d on the node's delayer.
func (b *Base) Delay(d time.Duration) { b.delay(d) }
