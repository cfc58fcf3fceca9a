// Package node is the NodeManager: it owns the sensor registry, runs the
// before/presentation/loop lifecycle over it, and applies the node-wide
// sleep, battery, power and remote configuration policies.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nodemanager-go/errcode"
	"nodemanager-go/services/node/hwcore"
	"nodemanager-go/services/node/power"
	"nodemanager-go/services/node/sensor"
	"nodemanager-go/services/node/store"
	"nodemanager-go/types"

	"go.uber.org/zap"
)

// Version is reported by the VERSION remote command.
const Version = "1.0.0"

// Capacity is the maximum number of registered sensors.
const Capacity = 255

// ErrRebootRequested is returned from Loop once a reboot has been asked for.
// The host is expected to restart the process.
var ErrRebootRequested = errors.New("node: reboot requested")

// Observer extends the per-report hooks with node-level events.
type Observer interface {
	sensor.Observer
	MessageSent(m types.Message, err error)
	Slept(requested time.Duration, w hwcore.Wake)
	Battery(volts, percent float64)
}

type nopObserver struct{}

func (nopObserver) Reported(uint8, int, error)       {}
func (nopObserver) Suppressed(uint8)                 {}
func (nopObserver) MessageSent(types.Message, error) {}
func (nopObserver) Slept(time.Duration, hwcore.Wake) {}
func (nopObserver) Battery(float64, float64)         {}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.obs = o
		}
	}
}

// WithStore sets where persisted settings live. Without it a Persist node
// keeps them in memory only.
func WithStore(s store.Store) Option {
	return func(m *Manager) { m.store = s }
}

// Manager is not safe for concurrent use except for the interrupt path,
// which only posts to the wake channel.
type Manager struct {
	env hwcore.Env
	tx  sensor.Sender
	cfg Config
	log *zap.Logger
	obs Observer

	store store.Store
	power power.Manager

	sensors []sensor.Sensor
	byChild map[uint8]sensor.Sensor

	wake     chan int
	lastWake int
	armed    map[int]hwcore.Edge

	batteryCycles int
	skipSleep     bool
	reboot        bool
	rebootPin     hwcore.GPIOPin
	started       time.Time

	mu sync.Mutex // guards cfg.Sleep against remote updates from Run
}

// New validates cfg, arms the configured interrupts and prepares node-level
// pins. tx receives every outbound message.
func New(env hwcore.Env, tx sensor.Sender, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		env:      env,
		cfg:      cfg,
		log:      zap.NewNop(),
		obs:      nopObserver{},
		byChild:  make(map[uint8]sensor.Sensor),
		wake:     make(chan int, 4),
		lastWake: -1,
		armed:    make(map[int]hwcore.Edge),
	}
	for _, o := range opts {
		o(m)
	}
	m.tx = &sender{m: m, tx: tx}
	if env.Clock != nil {
		m.started = env.Clock.Now()
	}
	if cfg.Features.Persist && m.store == nil {
		m.store = store.NewMemory(0)
	}

	for _, ic := range cfg.Interrupts {
		if err := m.SetInterrupt(ic.Pin, ic.Mode, ic.Pull); err != nil {
			return nil, err
		}
	}
	if p := cfg.Sleep.InterruptPin; p >= 0 {
		if _, ok := m.armed[p]; !ok {
			if err := m.SetInterrupt(p, hwcore.EdgeChange, hwcore.PullUp); err != nil {
				return nil, err
			}
		}
	}
	if cfg.RebootPin >= 0 {
		pin, err := env.Board.Pin(cfg.RebootPin)
		if err != nil {
			return nil, err
		}
		if err := pin.ConfigureOutput(true); err != nil {
			return nil, err
		}
		m.rebootPin = pin
	}
	if p := cfg.PowerPins; p != nil {
		if err := m.power.Configure(env.Board, p.Ground, p.Vcc, p.Settle); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Config returns a copy of the current configuration, including remote
// changes.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// sender stamps the node id and reports each attempt to the observer.
type sender struct {
	m  *Manager
	tx sensor.Sender
}

func (s *sender) Send(ctx context.Context, msg types.Message) error {
	msg.NodeID = s.m.cfg.NodeID
	err := s.tx.Send(ctx, msg)
	s.m.obs.MessageSent(msg, err)
	return err
}

// ---- Registry ----

func (m *Manager) reserved(id uint8) bool {
	switch id {
	case types.ConfigurationChildID:
		return m.cfg.Features.RemoteConfiguration
	case types.BatteryChildID:
		return m.cfg.Features.BatteryManager && m.cfg.Features.BatterySensor
	case types.NodeChildID:
		return true
	}
	return false
}

func (m *Manager) nextChildID() (uint8, bool) {
	for id := 0; id < types.NodeChildID; id++ {
		c := uint8(id)
		if _, used := m.byChild[c]; used || m.reserved(c) {
			continue
		}
		return c, true
	}
	return 0, false
}

// RegisterSensor builds a built-in variant on pin. childID < 0 picks the
// lowest free id. Variants that expose several children (DHT, SHT21,
// DS18B20) give the first child childID and every further child the lowest
// free id at that point. Either all children are registered or none. It
// returns the first child id.
func (m *Manager) RegisterSensor(typ types.SensorType, pin, childID int) (uint8, error) {
	return m.RegisterSensorParams(typ, pin, childID, nil)
}

// RegisterSensorParams is RegisterSensor with variant parameters.
func (m *Manager) RegisterSensorParams(typ types.SensorType, pin, childID int, params map[string]any) (uint8, error) {
	built, err := sensor.Build(sensor.Input{Env: m.env, Type: typ, Pin: pin, Params: params})
	if err != nil {
		return 0, err
	}
	if len(m.sensors)+len(built) > Capacity {
		return 0, errcode.Wrap(errcode.RegistryFull, "register", fmt.Sprintf("%d sensors", Capacity), nil)
	}
	first := uint8(0)
	start := len(m.sensors)
	for i, s := range built {
		id := -1
		if i == 0 {
			id = childID
		}
		got, err := m.Register(s, id)
		if err != nil {
			m.truncate(start)
			return 0, err
		}
		if i == 0 {
			first = got
		}
	}
	m.log.Debug("registered", zap.Stringer("type", typ), zap.Int("pin", pin), zap.Uint8("child", first), zap.Int("children", len(built)))
	return first, nil
}

// truncate drops every sensor registered from slot n on.
func (m *Manager) truncate(n int) {
	for _, s := range m.sensors[n:] {
		delete(m.byChild, s.Core().ChildID())
	}
	clear(m.sensors[n:])
	m.sensors = m.sensors[:n]
}

// Register adds a caller-built sensor. childID < 0 picks the next free id.
// Sensors with power pins need the PowerManager feature.
func (m *Manager) Register(s sensor.Sensor, childID int) (uint8, error) {
	if len(m.sensors) >= Capacity {
		return 0, errcode.Wrap(errcode.RegistryFull, "register", fmt.Sprintf("%d sensors", Capacity), nil)
	}
	if s.Core().Powered() && !m.cfg.Features.PowerManager {
		return 0, errcode.Wrap(errcode.Unsupported, "register", "sensor power pins need the power manager feature", nil)
	}
	var id uint8
	if childID < 0 {
		next, ok := m.nextChildID()
		if !ok {
			return 0, errcode.Wrap(errcode.RegistryFull, "register", "no free child id", nil)
		}
		id = next
	} else {
		if childID > 254 {
			return 0, errcode.Wrap(errcode.InvalidParams, "register", fmt.Sprintf("child id %d", childID), nil)
		}
		id = uint8(childID)
		if m.reserved(id) {
			return 0, errcode.Wrap(errcode.ReservedChildID, "register", fmt.Sprintf("child id %d", id), nil)
		}
		if _, used := m.byChild[id]; used {
			return 0, errcode.Wrap(errcode.DuplicateChildID, "register", fmt.Sprintf("child id %d", id), nil)
		}
	}

	if in, ok := s.(sensor.Interruptible); ok {
		pin, edge, pull := in.Interrupt()
		if err := m.SetInterrupt(pin, edge, pull); err != nil {
			return 0, err
		}
	}

	b := s.Core()
	b.SetChildID(id)
	b.Attach(m.log, m.obs)
	m.sensors = append(m.sensors, s)
	m.byChild[id] = s
	return id, nil
}

// Get returns the sensor in registration slot i.
func (m *Manager) Get(i int) (sensor.Sensor, bool) {
	if i < 0 || i >= len(m.sensors) {
		return nil, false
	}
	return m.sensors[i], true
}

// Sensor looks a sensor up by child id.
func (m *Manager) Sensor(child uint8) (sensor.Sensor, bool) {
	s, ok := m.byChild[child]
	return s, ok
}

func (m *Manager) Len() int { return len(m.sensors) }

// ---- Interrupts ----

// SetInterrupt arms a wake interrupt. Only the two interrupt-capable pins are
// accepted; arming a pin again replaces its mode.
func (m *Manager) SetInterrupt(pin int, mode hwcore.Edge, pull hwcore.Pull) error {
	if err := validateInterrupt(pin, mode); err != nil {
		return err
	}
	irq, err := m.env.Board.IRQ(pin)
	if err != nil {
		return errcode.Wrap(errcode.InvalidInterrupt, "interrupt", fmt.Sprintf("pin %d", pin), err)
	}
	if err := irq.ConfigureInput(pull); err != nil {
		return err
	}
	wake := m.wake
	if err := irq.SetIRQ(mode, func() {
		select {
		case wake <- pin:
		default:
		}
	}); err != nil {
		return errcode.Wrap(errcode.InvalidInterrupt, "interrupt", fmt.Sprintf("pin %d", pin), err)
	}
	m.armed[pin] = mode
	m.log.Debug("interrupt armed", zap.Int("pin", pin), zap.Stringer("mode", mode), zap.Stringer("pull", pull))
	return nil
}

// LastWake returns the pin that ended the last suspension, or -1.
func (m *Manager) LastWake() int { return m.lastWake }
