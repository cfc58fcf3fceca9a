package node

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"nodemanager-go/errcode"
	"nodemanager-go/services/node/sensor"
	"nodemanager-go/types"
	"nodemanager-go/x/mathx"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Service message payloads sent on the configuration child around a sleep.
const (
	MsgSleeping = "SLEEPING"
	MsgAwake    = "AWAKE"
)

// Before loads persisted settings and runs every sensor's hardware setup.
// All sensors are tried; failures are returned together.
func (m *Manager) Before(ctx context.Context) error {
	var err error
	if m.cfg.Features.Persist {
		if lerr := m.loadSleep(); lerr != nil {
			m.log.Warn("load persisted settings", zap.Error(lerr))
			err = multierr.Append(err, lerr)
		}
	}
	for _, s := range m.sensors {
		if serr := s.Before(ctx); serr != nil {
			m.log.Warn("sensor setup failed", zap.Uint8("child", s.Core().ChildID()), zap.Error(serr))
			err = multierr.Append(err, fmt.Errorf("child %d: %w", s.Core().ChildID(), serr))
		}
	}
	return err
}

// Presentation announces the sketch and every child. Send failures are
// logged and do not stop the remaining presentations.
func (m *Manager) Presentation(ctx context.Context) error {
	send := func(msg types.Message) {
		if err := m.tx.Send(ctx, msg); err != nil {
			m.log.Warn("presentation failed", zap.Uint8("child", msg.ChildID), zap.Error(err))
		}
	}
	send(types.InternalMsg(types.ISketchName, m.cfg.SketchName))
	send(types.InternalMsg(types.ISketchVersion, m.cfg.SketchVersion))
	if m.batterySensor() {
		send(types.Present(types.BatteryChildID, types.SMultimeter, "Battery"))
	}
	if m.cfg.Features.RemoteConfiguration {
		send(types.Present(types.ConfigurationChildID, types.SCustom, "NodeManager"))
	}
	for _, s := range m.sensors {
		if err := s.Present(ctx, m.tx); err != nil {
			m.log.Warn("presentation failed", zap.Uint8("child", s.Core().ChildID()), zap.Error(err))
		}
	}
	return ctx.Err()
}

func (m *Manager) batterySensor() bool {
	return m.cfg.Features.BatteryManager && m.cfg.Features.BatterySensor
}

// Loop runs one node cycle: sensor fan-out, battery report and, unless the
// node is idle, a suspension.
func (m *Manager) Loop(ctx context.Context) error {
	if m.reboot {
		return ErrRebootRequested
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if m.power.Configured() {
		m.power.PowerOn()
		m.delay(m.power.Settle())
	}
	for _, s := range m.sensors {
		if in, ok := s.(sensor.Interruptible); ok {
			in.Woke(m.lastWake)
		}
	}
	for _, s := range m.sensors {
		if err := s.Loop(ctx, m.tx, nil); err != nil {
			m.log.Warn("sensor loop failed", zap.Uint8("child", s.Core().ChildID()), zap.Error(err))
		}
	}
	m.lastWake = -1
	if m.power.Configured() {
		m.power.PowerOff()
	}

	if m.cfg.Features.BatteryManager {
		m.batteryCycles++
		if rc := m.cfg.Battery.ReportCycles; rc == 0 || m.batteryCycles >= rc {
			m.batteryCycles = 0
			m.reportBattery(ctx)
		}
	}

	if m.reboot {
		return ErrRebootRequested
	}
	return m.sleepBetweenCycles(ctx)
}

// Idle reports whether the node stays awake between cycles.
func (m *Manager) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.cfg.Features.SleepManager || m.cfg.Sleep.Mode == types.Idle
}

func (m *Manager) sleepBetweenCycles(ctx context.Context) error {
	if !m.cfg.Features.SleepManager {
		return nil
	}
	m.mu.Lock()
	sc := m.cfg.Sleep
	skip := m.skipSleep
	m.skipSleep = false
	m.mu.Unlock()

	if sc.Mode == types.Idle {
		return nil
	}
	if skip {
		m.log.Debug("sleep skipped once")
		return nil
	}
	return m.suspend(ctx, sc)
}

func (m *Manager) suspend(ctx context.Context, sc SleepConfig) error {
	d := sc.Duration()
	m.service(ctx, MsgSleeping)
	m.log.Debug("sleeping", zap.Stringer("mode", sc.Mode), zap.Duration("for", d), zap.Int("interrupt_pin", sc.InterruptPin))

	w, err := m.env.Sleep.Suspend(ctx, d, sc.Mode == types.Sleep, m.wake)
	if err != nil {
		return err
	}
	m.obs.Slept(d, w)
	m.lastWake = w.Pin
	m.log.Debug("awake", zap.Int("pin", w.Pin), zap.Duration("elapsed", w.Elapsed))
	m.service(ctx, MsgAwake)

	if !w.TimedOut() && sc.InterruptPin >= 0 && w.Pin == sc.InterruptPin {
		m.mu.Lock()
		m.cfg.Sleep.Mode = types.Idle
		m.mu.Unlock()
		m.log.Info("woken by sleep interrupt, now idle", zap.Int("pin", w.Pin))
		if perr := m.persistSleep(); perr != nil {
			m.log.Warn("persist settings", zap.Error(perr))
		}
	}
	return nil
}

// service sends a service message when enabled; failures are only logged.
func (m *Manager) service(ctx context.Context, payload string) {
	if !m.cfg.Features.ServiceMessages {
		return
	}
	msg := types.Set(types.ConfigurationChildID, types.VCustom, payload)
	if err := m.tx.Send(ctx, msg); err != nil {
		m.log.Warn("service message failed", zap.String("payload", payload), zap.Error(err))
	}
}

// reportBattery samples the supply voltage and reports it as a percentage
// of [Min, Max], and as volts when the battery child is enabled.
func (m *Manager) reportBattery(ctx context.Context) {
	volts, err := m.env.Board.SupplyVoltage()
	if err != nil {
		m.log.Warn("battery read failed", zap.Error(err))
		return
	}
	m.mu.Lock()
	bc := m.cfg.Battery
	m.mu.Unlock()
	pct := mathx.Percent(volts, bc.Min, bc.Max)
	m.obs.Battery(volts, pct)
	m.log.Debug("battery", zap.Float64("volts", volts), zap.Float64("percent", pct))

	level := strconv.Itoa(int(math.Round(pct)))
	msgs := []types.Message{types.InternalMsg(types.IBatteryLevel, level)}
	if m.cfg.Features.BatterySensor {
		msgs = append(msgs,
			types.Set(types.BatteryChildID, types.VVoltage, strconv.FormatFloat(volts, 'f', 2, 64)),
			types.Set(types.BatteryChildID, types.VPercentage, level),
		)
	}
	for _, msg := range msgs {
		if err := m.tx.Send(ctx, msg); err != nil {
			m.log.Warn("battery report failed", zap.Uint8("type", msg.Type), zap.Error(err))
		}
	}
}

// Receive routes an inbound message: configuration child, node-level
// internals, then the addressed sensor.
func (m *Manager) Receive(ctx context.Context, msg types.Message) error {
	if m.cfg.Features.RemoteConfiguration && msg.ChildID == types.ConfigurationChildID &&
		(msg.Command == types.CmdReq || msg.Command == types.CmdSet) {
		return m.remote(ctx, msg)
	}
	if msg.Command == types.CmdInternal {
		switch types.Internal(msg.Type) {
		case types.IReboot:
			m.Reboot()
			return nil
		case types.IHeartbeatRequest:
			return m.heartbeat(ctx)
		}
		return nil
	}
	if m.batterySensor() && msg.ChildID == types.BatteryChildID && msg.Command == types.CmdReq {
		m.reportBattery(ctx)
		return nil
	}
	s, ok := m.byChild[msg.ChildID]
	if !ok {
		return errcode.Wrap(errcode.NotFound, "receive", fmt.Sprintf("child %d", msg.ChildID), nil)
	}
	return s.Receive(ctx, m.tx, msg)
}

// Reboot drives the reboot pin low, if configured, and makes the next Loop
// return ErrRebootRequested.
func (m *Manager) Reboot() {
	m.log.Info("reboot requested")
	if m.rebootPin != nil {
		m.rebootPin.Set(false)
	}
	m.reboot = true
}

// RebootRequested reports whether Reboot was called.
func (m *Manager) RebootRequested() bool { return m.reboot }

func (m *Manager) delay(d time.Duration) {
	if d > 0 && m.env.Delay != nil {
		m.env.Delay.Delay(d)
	}
}
