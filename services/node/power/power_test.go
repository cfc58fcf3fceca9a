package power

import (
	"testing"
	"time"

	"nodemanager-go/errcode"
	"nodemanager-go/services/node/platform"
)

func TestUnconfiguredIsNoop(t *testing.T) {
	var m Manager
	m.PowerOn()
	m.PowerOff()
	if m.Configured() || m.Settle() != 0 {
		t.Fatal("zero Manager should be unconfigured")
	}
	var nilm *Manager
	if nilm.Configured() {
		t.Fatal("nil Manager should be unconfigured")
	}
}

func TestPowerCycle(t *testing.T) {
	b := platform.NewHostBoard(13)
	var m Manager
	if err := m.Configure(b, 4, 5, 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	g, v := b.FakePin(4), b.FakePin(5)
	if !g.IsOutput() || !v.IsOutput() || g.Get() || v.Get() {
		t.Fatal("pins should start as low outputs")
	}

	m.PowerOn()
	if !v.Get() || g.Get() {
		t.Fatalf("on: vcc=%v ground=%v", v.Get(), g.Get())
	}
	if m.Settle() != 50*time.Millisecond {
		t.Fatalf("settle = %v", m.Settle())
	}

	m.PowerOff()
	if v.Get() || g.Get() {
		t.Fatal("off: both rails should be low")
	}
}

func TestConfigureErrors(t *testing.T) {
	b := platform.NewHostBoard(13)
	var m Manager
	if err := m.Configure(b, -1, -1, 0); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("err = %v", err)
	}
	if err := m.Configure(b, 4, 99, 0); errcode.Of(err) != errcode.UnknownPin {
		t.Fatalf("err = %v", err)
	}
	if m.Configured() {
		t.Fatal("failed Configure must not leave rails configured")
	}
}

func TestVccOnly(t *testing.T) {
	b := platform.NewHostBoard(13)
	var m Manager
	if err := m.Configure(b, -1, 6, DefaultSettle); err != nil {
		t.Fatal(err)
	}
	m.PowerOn()
	if !b.FakePin(6).Get() {
		t.Fatal("vcc should be high")
	}
}
