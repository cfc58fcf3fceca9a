package sensor

import (
	"context"
	"math"
	"strconv"
	"testing"
	"time"

	"nodemanager-go/drivers/sht21"
	"nodemanager-go/errcode"
	"nodemanager-go/services/node/hwcore"
	"nodemanager-go/services/node/platform"
	"nodemanager-go/types"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"
	"tinygo.org/x/drivers/tester"
)

func build(t *testing.T, sim *platform.Sim, typ types.SensorType, pin int, params map[string]any) []Sensor {
	t.Helper()
	ss, err := Build(Input{Env: sim.Env, Type: typ, Pin: pin, Params: params})
	if err != nil {
		t.Fatalf("Build(%s): %v", typ, err)
	}
	for i, s := range ss {
		s.Core().SetChildID(uint8(i + 1))
		if err := s.Before(context.Background()); err != nil {
			t.Fatalf("Before: %v", err)
		}
	}
	return ss
}

func TestAllTypesRegistered(t *testing.T) {
	if n := len(Types()); n != 14 {
		t.Fatalf("registered types = %d, want 14", n)
	}
	if _, err := Build(Input{Type: types.SensorType(99)}); errcode.Of(err) != errcode.UnknownSensorType {
		t.Fatalf("err = %v", err)
	}
}

func TestDuplicateBuilderPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	RegisterBuilder(types.SensorRelay, BuilderFunc(func(Input) ([]Sensor, error) { return nil, nil }))
}

func TestInvalidCommonParams(t *testing.T) {
	sim := platform.NewSim(13)
	for _, p := range []map[string]any{
		{"samples": 0},
		{"retries": "0"},
		{"value_kind": "complex"},
		{"samples": "many"},
	} {
		if _, err := Build(Input{Env: sim.Env, Type: types.SensorAnalogInput, Pin: 0, Params: p}); errcode.Of(err) != errcode.InvalidParams {
			t.Errorf("params %v: err = %v", p, err)
		}
	}
}

// ---- analog ----

func TestAnalogPercentageMapping(t *testing.T) {
	cases := []struct {
		name    string
		reverse bool
		raw     uint16
		want    string
	}{
		{"min", false, 0, "0"},
		{"max", false, 1024, "100"},
		{"mid", false, 512, "50"},
		{"min reversed", true, 0, "100"},
		{"max reversed", true, 1024, "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sim := platform.NewSim(13)
			s := build(t, sim, types.SensorAnalogInput, 1, map[string]any{"reverse": tc.reverse})[0]
			sim.Board.FakeAnalog(1).Push(tc.raw)
			tx := &recorder{}
			loopN(t, s, tx, 1)
			if tx.msgs[0].Payload != tc.want {
				t.Fatalf("payload = %q, want %q", tx.msgs[0].Payload, tc.want)
			}
		})
	}
}

func TestAnalogCustomRangeAndReference(t *testing.T) {
	sim := platform.NewSim(13)
	s := build(t, sim, types.SensorAnalogInput, 2, map[string]any{
		"range_min": 200, "range_max": 600, "reference": int(hwcore.RefInternal),
	})[0]
	if sim.Board.FakeAnalog(2).Reference() != hwcore.RefInternal {
		t.Fatal("reference not applied in Before")
	}
	sim.Board.FakeAnalog(2).Push(100, 400, 900)
	tx := &recorder{}
	loopN(t, s, tx, 3)
	if diff := cmp.Diff([]string{"0", "50", "100"}, tx.payloads()); diff != "" {
		t.Fatal(diff)
	}
}

func TestLDRDefaults(t *testing.T) {
	sim := platform.NewSim(13)
	s := build(t, sim, types.SensorLDR, 3, nil)[0].(*AnalogInput)
	if !s.Opts.Reverse || !s.Opts.OutputPercentage {
		t.Fatalf("opts = %+v", s.Opts)
	}
	if s.Settings.Presentation != types.SLightLevel || s.Settings.Type != types.VLightLevel {
		t.Fatalf("settings = %+v", s.Settings)
	}
}

func TestLDRReadsHigherInLight(t *testing.T) {
	sim := platform.NewSim(13)
	s, err := NewLDR(sim.Env, 3, DefaultLDROptions())
	if err != nil {
		t.Fatal(err)
	}
	s.Attach(zaptest.NewLogger(t), nil)
	sim.Board.FakeAnalog(3).Push(0)
	tx := &recorder{}
	loopN(t, s, tx, 1)
	if len(tx.msgs) != 1 || tx.msgs[0].Payload != "100" {
		t.Fatalf("msgs = %+v", tx.msgs)
	}
}

func TestThermistorAtNominalResistance(t *testing.T) {
	for _, offset := range []float64{0, 1.5} {
		sim := platform.NewSim(13)
		s := build(t, sim, types.SensorThermistor, 0, map[string]any{"offset": offset})[0].(*Thermistor)
		got, err := s.Celsius(512)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(got-(25+offset)) > 1e-9 {
			t.Fatalf("offset %v: %v°C, want %v", offset, got, 25+offset)
		}
		sim.Board.FakeAnalog(0).Push(512)
		tx := &recorder{}
		loopN(t, s, tx, 1)
		want := strconv.FormatFloat(25+offset, 'f', 2, 64)
		if tx.msgs[0].Payload != want || tx.msgs[0].Type != uint8(types.VTemp) {
			t.Fatalf("msg = %+v, want payload %s", tx.msgs[0], want)
		}
	}
}

func TestThermistorColderWhenResistanceRises(t *testing.T) {
	sim := platform.NewSim(13)
	s := build(t, sim, types.SensorThermistor, 0, nil)[0].(*Thermistor)
	// The thermistor sits on the high side of the divider reading: a higher
	// count means more resistance.
	cold, _ := s.Celsius(700)
	hot, _ := s.Celsius(300)
	if !(cold < 25 && hot > 25) {
		t.Fatalf("cold=%v hot=%v", cold, hot)
	}
	if _, err := s.Celsius(0); err == nil {
		t.Fatal("reading at rail should fail")
	}
}

// ---- digital ----

func TestDigitalInput(t *testing.T) {
	sim := platform.NewSim(13)
	s := build(t, sim, types.SensorDigitalInput, 5, map[string]any{"pull": "up"})[0]
	if sim.Board.FakePin(5).Pull() != hwcore.PullUp {
		t.Fatal("pull not applied")
	}
	tx := &recorder{}
	loopN(t, s, tx, 1)
	sim.Board.Drive(5, false)
	loopN(t, s, tx, 1)
	if diff := cmp.Diff([]string{"1", "0"}, tx.payloads()); diff != "" {
		t.Fatal(diff)
	}
}

func TestDigitalInputRejectsUnknownPull(t *testing.T) {
	sim := platform.NewSim(13)
	_, err := Build(Input{Env: sim.Env, Type: types.SensorDigitalInput, Pin: 5, Params: map[string]any{"pull": "floating"}})
	if errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("err = %v", err)
	}
}

func TestRelayReceive(t *testing.T) {
	sim := platform.NewSim(13)
	s := build(t, sim, types.SensorRelay, 6, nil)[0].(*DigitalOutput)
	pin := sim.Board.FakePin(6)
	if !pin.IsOutput() || pin.Get() {
		t.Fatal("relay should start as a low output")
	}

	tx := &recorder{}
	loopN(t, s, tx, 2)
	if len(tx.msgs) != 0 {
		t.Fatal("an output reports only when asked")
	}

	on := types.Message{ChildID: 1, Command: types.CmdSet, Type: uint8(types.VStatus), Payload: "1"}
	if err := s.Receive(context.Background(), tx, on); err != nil {
		t.Fatal(err)
	}
	if !pin.Get() || !s.State() {
		t.Fatal("relay should be on")
	}
	req := types.Message{ChildID: 1, Command: types.CmdReq, Type: uint8(types.VStatus)}
	if err := s.Receive(context.Background(), tx, req); err != nil {
		t.Fatal(err)
	}
	want := []types.Message{
		{ChildID: 1, Command: types.CmdSet, Type: uint8(types.VStatus), Payload: "1"},
		{ChildID: 1, Command: types.CmdSet, Type: uint8(types.VStatus), Payload: "1"},
	}
	if diff := cmp.Diff(want, tx.msgs); diff != "" {
		t.Fatal(diff)
	}
}

func TestActiveLowOutput(t *testing.T) {
	sim := platform.NewSim(13)
	s := build(t, sim, types.SensorDigitalOutput, 6, map[string]any{"on_value": false})[0].(*DigitalOutput)
	if !sim.Board.FakePin(6).Get() {
		t.Fatal("active-low output should idle high")
	}
	s.Set(true)
	if sim.Board.FakePin(6).Get() {
		t.Fatal("active-low output should drive low when on")
	}
}

func TestLatchingRelayPulses(t *testing.T) {
	sim := platform.NewSim(13)
	s := build(t, sim, types.SensorLatchingRelay, 8, nil)[0].(*DigitalOutput)
	s.Set(true)
	if diff := cmp.Diff([]bool{false, true, false}, sim.Board.FakePin(8).History()); diff != "" {
		t.Fatalf("pin history (-want +got):\n%s", diff)
	}
	if d := sim.Delayer.Delays(); len(d) != 1 || d[0] != LatchingPulse {
		t.Fatalf("delays = %v", d)
	}
	if !s.State() {
		t.Fatal("logical state should stay on after the pulse")
	}
}

// ---- climate ----

func TestDHTTwoChildrenOneRead(t *testing.T) {
	sim := platform.NewSim(13)
	ss := build(t, sim, types.SensorDHT22, 4, map[string]any{"offset": -0.5})
	if len(ss) != 2 {
		t.Fatalf("children = %d", len(ss))
	}
	dev := sim.Board.FakeDHT(4)
	dev.Set(231, 456)

	tx := &recorder{}
	for _, s := range ss {
		loopN(t, s, tx, 1)
	}
	want := []types.Message{
		{ChildID: 1, Command: types.CmdSet, Type: uint8(types.VTemp), Payload: "22.60"},
		{ChildID: 2, Command: types.CmdSet, Type: uint8(types.VHum), Payload: "45.60"},
	}
	if diff := cmp.Diff(want, tx.msgs); diff != "" {
		t.Fatal(diff)
	}
	if dev.Reads() != 1 {
		t.Fatalf("device reads = %d, want 1", dev.Reads())
	}

	sim.Clock.Add(3 * time.Second)
	dev.Fail(platform.ErrDHTTimeout)
	if err := ss[0].Loop(context.Background(), tx, nil); err == nil {
		t.Fatal("read failure should surface")
	}
	if len(tx.msgs) != 2 {
		t.Fatal("failed read must not send")
	}
}

func TestSHT21Children(t *testing.T) {
	sim := platform.NewSim(13)
	bus := tester.NewI2CBus(t)
	dev := tester.NewI2CDeviceCmd(t, sht21.Address)
	reply := func(raw uint16) []byte {
		b := []byte{byte(raw >> 8), byte(raw)}
		return append(b, sht21.CRC8(b))
	}
	dev.Commands = map[uint8]*tester.Cmd{
		0xF3: {Command: []byte{0xF3}, Mask: []byte{0xFF}, Response: reply(26796)},
		0xF5: {Command: []byte{0xF5}, Mask: []byte{0xFF}, Response: reply(31872)},
	}
	bus.AddDevice(dev)
	sim.Board.SetI2C(bus)

	ss := build(t, sim, types.SensorSHT21, -1, nil)
	tx := &recorder{}
	for _, s := range ss {
		loopN(t, s, tx, 1)
	}
	if diff := cmp.Diff([]string{"25.00", "54.79"}, tx.payloads()); diff != "" {
		t.Fatal(diff)
	}
	if diff := cmp.Diff([]time.Duration{85 * time.Millisecond, 29 * time.Millisecond}, sim.Delayer.Delays()); diff != "" {
		t.Fatalf("conversion waits (-want +got):\n%s", diff)
	}
}

// ---- switches ----

func TestSwitchReportsOnlyOnOwnWake(t *testing.T) {
	sim := platform.NewSim(13)
	s := build(t, sim, types.SensorDoor, hwcore.InterruptPin1, map[string]any{"debounce_ms": 5, "trigger_time_ms": 100})[0].(*Switch)
	pin, edge, pull := s.Interrupt()
	if pin != hwcore.InterruptPin1 || edge != hwcore.EdgeChange || pull != hwcore.PullUp {
		t.Fatalf("interrupt = %d %v %v", pin, edge, pull)
	}
	if s.Settings.Presentation != types.SDoor || s.Settings.Type != types.VTripped {
		t.Fatalf("settings = %+v", s.Settings)
	}

	tx := &recorder{}
	s.Woke(-1)
	loopN(t, s, tx, 1)
	s.Woke(hwcore.InterruptPin2)
	loopN(t, s, tx, 1)
	if len(tx.msgs) != 0 {
		t.Fatal("switch must not report without its own wake")
	}

	sim.Board.Drive(hwcore.InterruptPin1, false)
	s.Woke(hwcore.InterruptPin1)
	loopN(t, s, tx, 1)
	if diff := cmp.Diff([]string{"0"}, tx.payloads()); diff != "" {
		t.Fatal(diff)
	}
	if diff := cmp.Diff([]time.Duration{5 * time.Millisecond, 100 * time.Millisecond}, sim.Delayer.Delays()); diff != "" {
		t.Fatalf("delays (-want +got):\n%s", diff)
	}
}

func TestMotionIgnoresFallingLevel(t *testing.T) {
	sim := platform.NewSim(13)
	s := build(t, sim, types.SensorMotion, hwcore.InterruptPin2, nil)[0].(*Switch)
	tx := &recorder{}
	s.Woke(hwcore.InterruptPin2)
	loopN(t, s, tx, 1) // pin idles low: not a rising level
	sim.Board.Drive(hwcore.InterruptPin2, true)
	loopN(t, s, tx, 1)
	if diff := cmp.Diff([]string{"1"}, tx.payloads()); diff != "" {
		t.Fatal(diff)
	}
}

func TestSwitchNeedsInterruptPin(t *testing.T) {
	sim := platform.NewSim(13)
	if _, err := Build(Input{Env: sim.Env, Type: types.SensorSwitch, Pin: 7}); errcode.Of(err) != errcode.InvalidInterrupt {
		t.Fatalf("err = %v", err)
	}
	if _, err := Build(Input{Env: sim.Env, Type: types.SensorSwitch, Pin: 3, Params: map[string]any{"mode": "sideways"}}); errcode.Of(err) != errcode.InvalidInterrupt {
		t.Fatalf("err = %v", err)
	}
}

// ---- DS18B20 ----

func TestDS18B20OneChildPerProbe(t *testing.T) {
	sim := platform.NewSim(13)
	w := sim.Board.FakeOneWire(9)
	r1 := w.AddProbe([6]uint8{1, 2, 3, 4, 5, 6}, 21500)
	w.AddProbe([6]uint8{6, 5, 4, 3, 2, 1}, -3250)

	ss := build(t, sim, types.SensorDS18B20, 9, nil)
	if len(ss) != 2 {
		t.Fatalf("children = %d", len(ss))
	}
	tx := &recorder{}
	for _, s := range ss {
		loopN(t, s, tx, 1)
	}
	if diff := cmp.Diff([]string{"21.50", "-3.25"}, tx.payloads()); diff != "" {
		t.Fatal(diff)
	}
	if diff := cmp.Diff([]time.Duration{750 * time.Millisecond, 750 * time.Millisecond}, sim.Delayer.Delays()); diff != "" {
		t.Fatal(diff)
	}
	if w.Conversions(r1) != 1 {
		t.Fatalf("conversions = %d", w.Conversions(r1))
	}

	w.CorruptNextRead()
	if err := ss[0].Loop(context.Background(), tx, nil); err == nil {
		t.Fatal("CRC failure should surface")
	}
}

func TestDS18B20EmptyBus(t *testing.T) {
	sim := platform.NewSim(13)
	if _, err := Build(Input{Env: sim.Env, Type: types.SensorDS18B20, Pin: 9}); errcode.Of(err) != errcode.NotFound {
		t.Fatalf("err = %v", err)
	}
	if got := conversionTime(9); got != 93750*time.Microsecond {
		t.Fatalf("9-bit conversion = %v", got)
	}
}
