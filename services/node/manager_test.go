package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nodemanager-go/errcode"
	"nodemanager-go/services/node/hwcore"
	"nodemanager-go/services/node/platform"
	"nodemanager-go/services/node/sensor"
	"nodemanager-go/services/node/store"
	"nodemanager-go/types"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"
)

// wire records outbound messages and can signal each one.
type wire struct {
	mu   sync.Mutex
	msgs []types.Message
	sent chan types.Message
}

func (w *wire) Send(_ context.Context, m types.Message) error {
	w.mu.Lock()
	w.msgs = append(w.msgs, m)
	w.mu.Unlock()
	if w.sent != nil {
		w.sent <- m
	}
	return nil
}

func (w *wire) all() []types.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]types.Message(nil), w.msgs...)
}

func (w *wire) on(child uint8) []string {
	var out []string
	for _, m := range w.all() {
		if m.ChildID == child && m.Command == types.CmdSet {
			out = append(out, m.Payload)
		}
	}
	return out
}

func (w *wire) reset() {
	w.mu.Lock()
	w.msgs = nil
	w.mu.Unlock()
}

func count(ss []string, s string) int {
	n := 0
	for _, x := range ss {
		if x == s {
			n++
		}
	}
	return n
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.Features = Features{SleepManager: true}
	return cfg
}

func newNode(t *testing.T, sim *platform.Sim, cfg Config, opts ...Option) (*Manager, *wire) {
	t.Helper()
	w := &wire{}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	m, err := New(sim.Env, w, cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return m, w
}

func analog(t *testing.T, sim *platform.Sim, pin int) sensor.Sensor {
	t.Helper()
	opts := sensor.DefaultAnalogOptions()
	opts.OutputPercentage = false
	s, err := sensor.NewAnalogInput(sim.Env, pin, opts)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// ---- sleep ----

func TestSleepSuspendsForConfiguredDurationOnce(t *testing.T) {
	sim := platform.NewSim(13)
	cfg := DefaultConfig()
	cfg.Sleep = SleepConfig{Mode: types.Sleep, Time: 5, Unit: types.Seconds, InterruptPin: -1}
	m, w := newNode(t, sim, cfg)
	if _, err := m.RegisterSensor(types.SensorAnalogInput, 0, -1); err != nil {
		t.Fatal(err)
	}

	start := sim.Clock.Now()
	if err := m.Loop(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []platform.Suspension{{Requested: 5 * time.Second, Deep: true, Wake: hwcore.Wake{Pin: -1, Elapsed: 5 * time.Second}}}
	if diff := cmp.Diff(want, sim.Sleeper.Suspensions()); diff != "" {
		t.Fatalf("suspensions (-want +got):\n%s", diff)
	}
	if got := sim.Clock.Now().Sub(start); got != 5*time.Second {
		t.Fatalf("clock advanced %v", got)
	}
	service := w.on(types.ConfigurationChildID)
	if diff := cmp.Diff([]string{MsgSleeping, MsgAwake}, service); diff != "" {
		t.Fatalf("service messages (-want +got):\n%s", diff)
	}
	if m.LastWake() != -1 {
		t.Fatalf("timed wake reported pin %d", m.LastWake())
	}
}

func TestWaitModeIsNotDeep(t *testing.T) {
	sim := platform.NewSim(13)
	cfg := quietConfig()
	cfg.Sleep = SleepConfig{Mode: types.Wait, Time: 2, Unit: types.Minutes, InterruptPin: -1}
	m, w := newNode(t, sim, cfg)
	if err := m.Loop(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := sim.Sleeper.Suspensions()
	if len(s) != 1 || s[0].Deep || s[0].Requested != 2*time.Minute {
		t.Fatalf("suspensions = %+v", s)
	}
	if len(w.all()) != 0 {
		t.Fatalf("service messages sent while disabled: %+v", w.all())
	}
}

func TestIdleNeverSuspends(t *testing.T) {
	sim := platform.NewSim(13)
	m, _ := newNode(t, sim, quietConfig())
	for i := 0; i < 3; i++ {
		if err := m.Loop(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(sim.Sleeper.Suspensions()); n != 0 {
		t.Fatalf("%d suspensions in idle mode", n)
	}
}

func TestSleepInterruptPinReturnsToIdle(t *testing.T) {
	sim := platform.NewSim(13)
	cfg := quietConfig()
	cfg.Sleep = SleepConfig{Mode: types.Sleep, Time: 1, Unit: types.Minutes, InterruptPin: hwcore.InterruptPin1}
	m, _ := newNode(t, sim, cfg)

	sim.Sleeper.ScheduleEdge(10*time.Second, hwcore.InterruptPin1, false)
	if err := m.Loop(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := sim.Sleeper.Suspensions()
	if len(s) != 1 || s[0].Wake.Pin != hwcore.InterruptPin1 || s[0].Wake.Elapsed != 10*time.Second {
		t.Fatalf("suspensions = %+v", s)
	}
	if m.Config().Sleep.Mode != types.Idle {
		t.Fatal("wake on the sleep interrupt pin should return the node to idle")
	}
	if err := m.Loop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sim.Sleeper.Suspensions()) != 1 {
		t.Fatal("idle node suspended again")
	}
}

func TestOtherInterruptKeepsSchedule(t *testing.T) {
	sim := platform.NewSim(13)
	cfg := quietConfig()
	cfg.Sleep = SleepConfig{Mode: types.Sleep, Time: 1, Unit: types.Minutes, InterruptPin: hwcore.InterruptPin1}
	cfg.Interrupts = []InterruptConfig{{Pin: hwcore.InterruptPin2, Mode: hwcore.EdgeFalling, Pull: hwcore.PullUp}}
	m, _ := newNode(t, sim, cfg)

	sim.Sleeper.ScheduleEdge(3*time.Second, hwcore.InterruptPin2, false)
	if err := m.Loop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.LastWake() != hwcore.InterruptPin2 {
		t.Fatalf("last wake = %d", m.LastWake())
	}
	if m.Config().Sleep.Mode != types.Sleep {
		t.Fatal("a wake from another pin must not cancel sleeping")
	}
}

func TestSwitchReportsAfterItsWake(t *testing.T) {
	sim := platform.NewSim(13)
	cfg := quietConfig()
	cfg.Sleep = SleepConfig{Mode: types.Sleep, Time: 1, Unit: types.Minutes, InterruptPin: -1}
	m, w := newNode(t, sim, cfg)
	door, err := m.RegisterSensor(types.SensorDoor, hwcore.InterruptPin1, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Before(context.Background()); err != nil {
		t.Fatal(err)
	}

	sim.Sleeper.ScheduleEdge(10*time.Second, hwcore.InterruptPin1, false)
	if err := m.Loop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := w.on(door); len(got) != 0 {
		t.Fatalf("door reported before it woke the node: %v", got)
	}
	if err := m.Loop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"0"}, w.on(door)); diff != "" {
		t.Fatalf("door (-want +got):\n%s", diff)
	}
}

func TestWakeupSkipsOneSleep(t *testing.T) {
	sim := platform.NewSim(13)
	cfg := DefaultConfig()
	cfg.Sleep = SleepConfig{Mode: types.Sleep, Time: 5, Unit: types.Seconds, InterruptPin: -1}
	m, _ := newNode(t, sim, cfg)
	ctx := context.Background()

	if err := m.Receive(ctx, types.Set(types.ConfigurationChildID, types.VCustom, CmdWakeup)); err != nil {
		t.Fatal(err)
	}
	_ = m.Loop(ctx)
	_ = m.Loop(ctx)
	if n := len(sim.Sleeper.Suspensions()); n != 1 {
		t.Fatalf("%d suspensions, want 1", n)
	}
}

// ---- registry ----

func TestRegistryRejectsBeyondCapacity(t *testing.T) {
	sim := platform.NewSim(13)
	cfg := quietConfig()
	m, _ := newNode(t, sim, cfg)

	for i := 0; i < Capacity; i++ {
		if _, err := m.Register(analog(t, sim, 0), -1); err != nil {
			t.Fatalf("registration %d: %v", i, err)
		}
	}
	if m.Len() != Capacity {
		t.Fatalf("len = %d", m.Len())
	}
	if _, err := m.Register(analog(t, sim, 0), -1); errcode.Of(err) != errcode.RegistryFull {
		t.Fatalf("256th registration err = %v", err)
	}
	if _, err := m.RegisterSensor(types.SensorLDR, 1, -1); errcode.Of(err) != errcode.RegistryFull {
		t.Fatalf("built-in registration err = %v", err)
	}
	if m.Len() != Capacity {
		t.Fatal("rejected sensor was stored")
	}
}

func TestMultiChildSensorRegistersWhole(t *testing.T) {
	sim := platform.NewSim(13)
	cfg := DefaultConfig()
	m, _ := newNode(t, sim, cfg)

	// ids 0..254 less the configuration child leave one free id after 253
	// sensors, while the registry still has two slots.
	for i := 0; i < 253; i++ {
		if _, err := m.Register(analog(t, sim, 0), -1); err != nil {
			t.Fatalf("registration %d: %v", i, err)
		}
	}
	if _, err := m.RegisterSensor(types.SensorDHT11, 5, -1); errcode.Of(err) != errcode.RegistryFull {
		t.Fatalf("dht err = %v", err)
	}
	if m.Len() != 253 {
		t.Fatalf("len = %d, a partial dht stayed registered", m.Len())
	}
	id, err := m.Register(analog(t, sim, 0), -1)
	if err != nil {
		t.Fatalf("the last free id was not released: %v", err)
	}
	if _, ok := m.Sensor(id); !ok {
		t.Fatal("last analog not found by child id")
	}
}

func TestDHTChildIDsTakeLowestFree(t *testing.T) {
	sim := platform.NewSim(13)
	m, _ := newNode(t, sim, quietConfig())
	first, err := m.RegisterSensor(types.SensorDHT22, 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if first != 10 {
		t.Fatalf("first = %d", first)
	}
	if _, ok := m.Sensor(0); !ok {
		t.Fatal("humidity child should take id 0")
	}
}

func TestPowerPinsNeedPowerManager(t *testing.T) {
	cfg := quietConfig()
	cfg.PowerPins = &PowerPins{Ground: 6, Vcc: 7}
	if err := cfg.Validate(); errcode.Of(err) != errcode.Unsupported {
		t.Fatalf("node power pins err = %v", err)
	}

	sim := platform.NewSim(13)
	m, _ := newNode(t, sim, quietConfig())
	params := map[string]any{"power_pins": map[string]any{"ground": 6, "vcc": 7}}
	if _, err := m.RegisterSensorParams(types.SensorAnalogInput, 0, -1, params); errcode.Of(err) != errcode.Unsupported {
		t.Fatalf("sensor power pins err = %v", err)
	}
	if m.Len() != 0 {
		t.Fatal("sensor with power pins was registered")
	}
	_ = m.Loop(context.Background())
	for _, level := range sim.Board.FakePin(7).History() {
		if level {
			t.Fatal("vcc was switched on")
		}
	}
}

func TestChildIDs(t *testing.T) {
	sim := platform.NewSim(13)
	cfg := DefaultConfig()
	cfg.Features.BatteryManager = true
	cfg.Features.BatterySensor = true
	m, _ := newNode(t, sim, cfg)

	id, err := m.RegisterSensor(types.SensorAnalogInput, 0, 7)
	if err != nil || id != 7 {
		t.Fatalf("explicit id = %d, %v", id, err)
	}
	if _, err := m.RegisterSensor(types.SensorAnalogInput, 1, 7); errcode.Of(err) != errcode.DuplicateChildID {
		t.Fatalf("duplicate err = %v", err)
	}
	for _, reserved := range []int{types.ConfigurationChildID, types.BatteryChildID} {
		if _, err := m.RegisterSensor(types.SensorAnalogInput, 1, reserved); errcode.Of(err) != errcode.ReservedChildID {
			t.Fatalf("id %d err = %v", reserved, err)
		}
	}
	if _, err := m.RegisterSensor(types.SensorAnalogInput, 1, 300); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("id 300 err = %v", err)
	}

	// DHT takes two consecutive free ids, skipping the one already used.
	first, err := m.RegisterSensor(types.SensorDHT22, 5, 6)
	if err != nil {
		t.Fatal(err)
	}
	if first != 6 {
		t.Fatalf("first = %d", first)
	}
	if _, ok := m.Sensor(0); !ok {
		t.Fatal("second DHT child should take the lowest free id")
	}
	if s, ok := m.Get(0); !ok || s.Core().ChildID() != 7 {
		t.Fatal("slot 0 is the first registration")
	}
	if _, err := m.RegisterSensor(types.SensorType(99), 1, -1); errcode.Of(err) != errcode.UnknownSensorType {
		t.Fatalf("unknown type err = %v", err)
	}
}

func TestInterruptValidation(t *testing.T) {
	sim := platform.NewSim(13)
	m, _ := newNode(t, sim, quietConfig())
	if err := m.SetInterrupt(7, hwcore.EdgeChange, hwcore.PullUp); errcode.Of(err) != errcode.InvalidInterrupt {
		t.Fatalf("pin 7 err = %v", err)
	}
	if err := m.SetInterrupt(hwcore.InterruptPin1, hwcore.EdgeNone, hwcore.PullUp); errcode.Of(err) != errcode.InvalidInterrupt {
		t.Fatalf("no edge err = %v", err)
	}
	if err := m.SetInterrupt(hwcore.InterruptPin2, hwcore.EdgeRising, hwcore.PullDown); err != nil {
		t.Fatal(err)
	}

	cfg := quietConfig()
	cfg.Interrupts = []InterruptConfig{{Pin: 5, Mode: hwcore.EdgeChange}}
	if _, err := New(sim.Env, &wire{}, cfg); errcode.Of(err) != errcode.InvalidInterrupt {
		t.Fatalf("New err = %v", err)
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sleep = SleepConfig{Mode: types.Sleep, Time: 0, Unit: 9, InterruptPin: 4}
	cfg.Features.BatteryManager = true
	cfg.Battery.Min = 3.3
	err := cfg.Validate()
	if n := len(multierr.Errors(err)); n != 4 {
		t.Fatalf("got %d errors: %v", n, err)
	}
}

// ---- battery ----

func TestBatteryReportCycles(t *testing.T) {
	sim := platform.NewSim(13)
	sim.Board.SetSupplyVoltage(3.0)
	cfg := quietConfig()
	cfg.Features.BatteryManager = true
	cfg.Features.BatterySensor = true
	cfg.Battery = BatteryConfig{Min: 2.6, Max: 3.3, ReportCycles: 2}
	m, w := newNode(t, sim, cfg)

	for i := 0; i < 4; i++ {
		if err := m.Loop(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	want := []types.Message{
		types.InternalMsg(types.IBatteryLevel, "57"),
		types.Set(types.BatteryChildID, types.VVoltage, "3.00"),
		types.Set(types.BatteryChildID, types.VPercentage, "57"),
	}
	want = append(want, want...)
	if diff := cmp.Diff(want, w.all()); diff != "" {
		t.Fatalf("battery (-want +got):\n%s", diff)
	}
}

func TestBatteryClampsPercentage(t *testing.T) {
	sim := platform.NewSim(13)
	sim.Board.SetSupplyVoltage(4.2)
	cfg := quietConfig()
	cfg.Features.BatteryManager = true
	cfg.Battery.ReportCycles = 0
	m, w := newNode(t, sim, cfg)
	_ = m.Loop(context.Background())
	if diff := cmp.Diff([]types.Message{types.InternalMsg(types.IBatteryLevel, "100")}, w.all()); diff != "" {
		t.Fatal(diff)
	}
}

func TestBatteryPercentageRounds(t *testing.T) {
	sim := platform.NewSim(13)
	sim.Board.SetSupplyVoltage(2.996)
	cfg := quietConfig()
	cfg.Features.BatteryManager = true
	cfg.Features.BatterySensor = true
	cfg.Battery = BatteryConfig{Min: 2.0, Max: 3.0, ReportCycles: 0}
	m, w := newNode(t, sim, cfg)
	_ = m.Loop(context.Background())
	want := []types.Message{
		types.InternalMsg(types.IBatteryLevel, "100"),
		types.Set(types.BatteryChildID, types.VVoltage, "3.00"),
		types.Set(types.BatteryChildID, types.VPercentage, "100"),
	}
	if diff := cmp.Diff(want, w.all()); diff != "" {
		t.Fatal(diff)
	}
}

// ---- remote configuration ----

func TestRemoteSleepCode(t *testing.T) {
	sim := platform.NewSim(13)
	cfg := DefaultConfig()
	cfg.Sleep = SleepConfig{Mode: types.Sleep, Time: 5, Unit: types.Seconds, InterruptPin: -1}
	m, w := newNode(t, sim, cfg)
	ctx := context.Background()

	if err := m.Receive(ctx, types.Set(types.ConfigurationChildID, types.VCustom, "10300")); err != nil {
		t.Fatal(err)
	}
	if got := w.on(types.ConfigurationChildID); count(got, "10300") != 1 {
		t.Fatalf("reply = %v", got)
	}
	for i := 0; i < 2; i++ {
		if err := m.Loop(ctx); err != nil {
			t.Fatal(err)
		}
	}
	for _, s := range sim.Sleeper.Suspensions() {
		if s.Requested != 30*time.Second || s.Wake.Elapsed != 30*time.Second {
			t.Fatalf("suspension = %+v", s)
		}
	}
}

func TestRemoteFields(t *testing.T) {
	sim := platform.NewSim(13)
	cfg := DefaultConfig()
	cfg.Features.BatteryManager = true
	m, _ := newNode(t, sim, cfg)
	ctx := context.Background()

	for _, cmd := range []string{"sleep_time=45", "sleep_unit=hours", "sleep_mode=wait", "battery_min=2.8", "battery_report_cycles=0"} {
		if err := m.Receive(ctx, types.Message{ChildID: types.ConfigurationChildID, Command: types.CmdReq, Type: uint8(types.VCustom), Payload: cmd}); err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
	}
	got := m.Config()
	if got.Sleep.Mode != types.Wait || got.Sleep.Time != 45 || got.Sleep.Unit != types.Hours {
		t.Fatalf("sleep = %+v", got.Sleep)
	}
	if got.Battery.Min != 2.8 || got.Battery.ReportCycles != 0 {
		t.Fatalf("battery = %+v", got.Battery)
	}

	for _, bad := range []string{"bogus", "99999", "sleep_time=abc", "battery_min=9", "colour=blue", "sleep_interrupt_pin=6"} {
		err := m.Receive(ctx, types.Set(types.ConfigurationChildID, types.VCustom, bad))
		if c := errcode.Of(err); c != errcode.InvalidPayload && c != errcode.InvalidInterrupt {
			t.Fatalf("%q err = %v", bad, err)
		}
	}
	if m.Config().Sleep.Time != 45 {
		t.Fatal("rejected command changed settings")
	}
}

func TestRemoteVersionAndHello(t *testing.T) {
	sim := platform.NewSim(13)
	m, w := newNode(t, sim, DefaultConfig())
	ctx := context.Background()
	_ = m.Receive(ctx, types.Set(types.ConfigurationChildID, types.VCustom, CmdHello))
	_ = m.Receive(ctx, types.Set(types.ConfigurationChildID, types.VCustom, "version"))
	if diff := cmp.Diff([]string{CmdHello, Version}, w.on(types.ConfigurationChildID)); diff != "" {
		t.Fatal(diff)
	}
}

// ---- persistence ----

func TestPersistedSleepSurvivesRestart(t *testing.T) {
	sim := platform.NewSim(13)
	st := store.NewMemory(0)
	cfg := DefaultConfig()
	cfg.Features.Persist = true
	ctx := context.Background()

	m, _ := newNode(t, sim, cfg, WithStore(st))
	if err := m.Receive(ctx, types.Set(types.ConfigurationChildID, types.VCustom, "12001")); err != nil {
		t.Fatal(err)
	}
	if v, _ := st.Read(addrTimeMinor); v != 200 {
		t.Fatalf("time cell = %d", v)
	}

	again, _ := newNode(t, sim, cfg, WithStore(st))
	if err := again.Before(ctx); err != nil {
		t.Fatal(err)
	}
	want := SleepConfig{Mode: types.Sleep, Time: 200, Unit: types.Minutes, InterruptPin: -1}
	if diff := cmp.Diff(want, again.Config().Sleep); diff != "" {
		t.Fatalf("loaded (-want +got):\n%s", diff)
	}

	if err := again.Receive(ctx, types.Set(types.ConfigurationChildID, types.VCustom, CmdClear)); err != nil {
		t.Fatal(err)
	}
	fresh, _ := newNode(t, sim, cfg, WithStore(st))
	_ = fresh.Before(ctx)
	if fresh.Config().Sleep.Mode != types.Idle {
		t.Fatal("cleared store should leave defaults")
	}
}

// ---- routing, reboot, presentation ----

func TestPresentation(t *testing.T) {
	sim := platform.NewSim(13)
	cfg := DefaultConfig()
	cfg.NodeID = 12
	cfg.Features.BatteryManager = true
	cfg.Features.BatterySensor = true
	m, w := newNode(t, sim, cfg)
	if _, err := m.RegisterSensor(types.SensorRelay, 4, 1); err != nil {
		t.Fatal(err)
	}
	if err := m.Presentation(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []types.Message{
		{NodeID: 12, ChildID: types.NodeChildID, Command: types.CmdInternal, Type: uint8(types.ISketchName), Payload: "NodeManager"},
		{NodeID: 12, ChildID: types.NodeChildID, Command: types.CmdInternal, Type: uint8(types.ISketchVersion), Payload: Version},
		{NodeID: 12, ChildID: types.BatteryChildID, Command: types.CmdPresentation, Type: uint8(types.SMultimeter), Payload: "Battery"},
		{NodeID: 12, ChildID: types.ConfigurationChildID, Command: types.CmdPresentation, Type: uint8(types.SCustom), Payload: "NodeManager"},
		{NodeID: 12, ChildID: 1, Command: types.CmdPresentation, Type: uint8(types.SBinary)},
	}
	if diff := cmp.Diff(want, w.all()); diff != "" {
		t.Fatalf("presentation (-want +got):\n%s", diff)
	}
}

func TestReceiveRoutesByChild(t *testing.T) {
	sim := platform.NewSim(13)
	m, w := newNode(t, sim, quietConfig())
	relay, err := m.RegisterSensor(types.SensorRelay, 4, -1)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	_ = m.Before(ctx)
	if err := m.Receive(ctx, types.Set(relay, types.VStatus, "1")); err != nil {
		t.Fatal(err)
	}
	if !sim.Board.FakePin(4).Get() {
		t.Fatal("relay not switched on")
	}
	if diff := cmp.Diff([]string{"1"}, w.on(relay)); diff != "" {
		t.Fatal(diff)
	}
	if err := m.Receive(ctx, types.Set(42, types.VStatus, "1")); errcode.Of(err) != errcode.NotFound {
		t.Fatalf("unknown child err = %v", err)
	}
}

func TestRebootViaPin(t *testing.T) {
	sim := platform.NewSim(13)
	cfg := quietConfig()
	cfg.RebootPin = 8
	m, _ := newNode(t, sim, cfg)
	if err := m.Receive(context.Background(), types.InternalMsg(types.IReboot, "")); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]bool{true, false}, sim.Board.FakePin(8).History()); diff != "" {
		t.Fatalf("reboot pin (-want +got):\n%s", diff)
	}
	if err := m.Loop(context.Background()); !errors.Is(err, ErrRebootRequested) {
		t.Fatalf("loop err = %v", err)
	}
}

func TestHeartbeatReportsUptime(t *testing.T) {
	sim := platform.NewSim(13)
	m, w := newNode(t, sim, quietConfig())
	sim.Clock.Add(90 * time.Second)
	if err := m.Receive(context.Background(), types.InternalMsg(types.IHeartbeatRequest, "")); err != nil {
		t.Fatal(err)
	}
	want := []types.Message{types.InternalMsg(types.IHeartbeatResponse, "90")}
	if diff := cmp.Diff(want, w.all()); diff != "" {
		t.Fatal(diff)
	}
}

func TestNodePowerPinsWrapFanOut(t *testing.T) {
	sim := platform.NewSim(13)
	cfg := quietConfig()
	cfg.Features.PowerManager = true
	cfg.PowerPins = &PowerPins{Ground: -1, Vcc: 9, Settle: 15 * time.Millisecond}
	m, _ := newNode(t, sim, cfg)
	_ = m.Loop(context.Background())
	if diff := cmp.Diff([]bool{false, true, false}, sim.Board.FakePin(9).History()); diff != "" {
		t.Fatalf("vcc (-want +got):\n%s", diff)
	}
	if sim.Delayer.Total() != 15*time.Millisecond {
		t.Fatalf("settle = %v", sim.Delayer.Total())
	}
}

// ---- Run ----

func TestRunAnswersRequestsUntilCancelled(t *testing.T) {
	sim := platform.NewSim(13)
	cfg := quietConfig()
	cfg.LoopInterval = time.Hour
	w := &wire{sent: make(chan types.Message, 16)}
	m, err := New(sim.Env, w, cfg, WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	child, err := m.Register(analog(t, sim, 0), -1)
	if err != nil {
		t.Fatal(err)
	}
	sim.Board.FakeAnalog(0).Push(321)

	ctx, cancel := context.WithCancel(context.Background())
	inbound := make(chan types.Message, 1)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, inbound) }()

	waitFor := func(pred func(types.Message) bool) {
		t.Helper()
		for {
			select {
			case msg := <-w.sent:
				if pred(msg) {
					return
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for message")
			}
		}
	}
	// first cycle report
	waitFor(func(msg types.Message) bool { return msg.ChildID == child && msg.Command == types.CmdSet })

	inbound <- types.Message{ChildID: child, Command: types.CmdReq, Type: uint8(types.VLevel)}
	waitFor(func(msg types.Message) bool { return msg.ChildID == child && msg.Type == uint8(types.VLevel) })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRunStopsOnReboot(t *testing.T) {
	sim := platform.NewSim(13)
	m, _ := newNode(t, sim, quietConfig())
	inbound := make(chan types.Message, 1)
	inbound <- types.InternalMsg(types.IReboot, "")
	close(inbound)
	if err := m.Run(context.Background(), inbound); !errors.Is(err, ErrRebootRequested) {
		t.Fatalf("run err = %v", err)
	}
}
