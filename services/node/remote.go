package node

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"nodemanager-go/errcode"
	"nodemanager-go/services/node/hwcore"
	"nodemanager-go/types"

	"go.uber.org/zap"
)

// Named remote commands accepted on the configuration child.
const (
	CmdHello   = "HELLO"
	CmdBattery = "BATTERY"
	CmdReboot  = "REBOOT"
	CmdClear   = "CLEAR"
	CmdVersion = "VERSION"
	CmdWakeup  = "WAKEUP"
	CmdIdle    = "IDLE"
)

// Persisted layout.
const (
	addrSaved uint16 = iota
	addrMode
	addrTimeMajor
	addrTimeMinor
	addrUnit
)

const savedMarker = 1

func badCommand(payload, why string) error {
	return errcode.Wrap(errcode.InvalidPayload, "remote", fmt.Sprintf("%q: %s", payload, why), nil)
}

// remote applies one configuration command and echoes it back on the
// configuration child.
func (m *Manager) remote(ctx context.Context, msg types.Message) error {
	cmd := strings.TrimSpace(msg.Payload)
	m.log.Debug("remote command", zap.String("payload", cmd))

	reply := cmd
	switch strings.ToUpper(cmd) {
	case CmdHello:
	case CmdBattery:
		if !m.cfg.Features.BatteryManager {
			return errcode.Wrap(errcode.Unsupported, "remote", "battery manager disabled", nil)
		}
		m.reportBattery(ctx)
	case CmdReboot:
		m.Reboot()
	case CmdClear:
		if m.store == nil {
			return errcode.Wrap(errcode.Unsupported, "remote", "persistence disabled", nil)
		}
		if err := m.store.Clear(); err != nil {
			return err
		}
	case CmdVersion:
		reply = Version
	case CmdWakeup:
		m.mu.Lock()
		m.skipSleep = true
		m.mu.Unlock()
	case CmdIdle:
		m.mu.Lock()
		m.cfg.Sleep.Mode = types.Idle
		m.mu.Unlock()
		if err := m.persistSleep(); err != nil {
			return err
		}
	default:
		var err error
		if strings.Contains(cmd, "=") {
			err = m.setField(cmd)
		} else {
			err = m.setSleepCode(cmd)
		}
		if err != nil {
			m.log.Warn("remote command rejected", zap.String("payload", cmd), zap.Error(err))
			return err
		}
	}
	if err := m.tx.Send(ctx, types.Set(types.ConfigurationChildID, types.VCustom, reply)); err != nil {
		m.log.Warn("remote reply failed", zap.String("payload", reply), zap.Error(err))
	}
	return nil
}

// setSleepCode applies the compact MTTTU form: mode digit, three time digits,
// unit digit. "10300" is SLEEP for 30 SECONDS.
func (m *Manager) setSleepCode(code string) error {
	if len(code) != 5 {
		return badCommand(code, "unknown command")
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return badCommand(code, "unknown command")
		}
	}
	mode := types.SleepMode(code[0] - '0')
	t, _ := strconv.Atoi(code[1:4])
	unit := types.TimeUnit(code[4] - '0')

	m.mu.Lock()
	next := m.cfg.Sleep
	next.Mode, next.Time, next.Unit = mode, t, unit
	m.mu.Unlock()
	return m.applySleep(next)
}

// setField applies one key=value update.
func (m *Manager) setField(kv string) error {
	key, val, _ := strings.Cut(kv, "=")
	key = strings.ToLower(strings.TrimSpace(key))
	val = strings.TrimSpace(val)

	m.mu.Lock()
	sc := m.cfg.Sleep
	bc := m.cfg.Battery
	m.mu.Unlock()

	atoi := func() (int, error) {
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, badCommand(kv, "not an integer")
		}
		return n, nil
	}
	atof := func() (float64, error) {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, badCommand(kv, "not a number")
		}
		return f, nil
	}

	switch key {
	case "sleep_mode":
		mode, ok := types.ParseSleepMode(val)
		if !ok {
			n, err := atoi()
			if err != nil {
				return err
			}
			mode = types.SleepMode(n)
		}
		sc.Mode = mode
		return m.applySleep(sc)
	case "sleep_time":
		n, err := atoi()
		if err != nil {
			return err
		}
		sc.Time = n
		return m.applySleep(sc)
	case "sleep_unit":
		u, ok := types.ParseTimeUnit(val)
		if !ok {
			n, err := atoi()
			if err != nil {
				return err
			}
			u = types.TimeUnit(n)
		}
		sc.Unit = u
		return m.applySleep(sc)
	case "sleep_interrupt_pin":
		n, err := atoi()
		if err != nil {
			return err
		}
		if n >= 0 {
			if _, armed := m.armed[n]; !armed {
				if err := m.SetInterrupt(n, hwcore.EdgeChange, hwcore.PullUp); err != nil {
					return err
				}
			}
		}
		sc.InterruptPin = n
		return m.applySleep(sc)
	case "battery_min", "battery_max":
		f, err := atof()
		if err != nil {
			return err
		}
		if key == "battery_min" {
			bc.Min = f
		} else {
			bc.Max = f
		}
		if bc.Min >= bc.Max {
			return badCommand(kv, "battery min must be below max")
		}
	case "battery_report_cycles":
		n, err := atoi()
		if err != nil {
			return err
		}
		if n < 0 {
			return badCommand(kv, "negative cycles")
		}
		bc.ReportCycles = n
	default:
		return badCommand(kv, "unknown field")
	}
	m.mu.Lock()
	m.cfg.Battery = bc
	m.mu.Unlock()
	return nil
}

// applySleep validates and installs new sleep settings, then persists them.
func (m *Manager) applySleep(sc SleepConfig) error {
	probe := m.Config()
	probe.Sleep = sc
	if err := probe.Validate(); err != nil {
		return errcode.Wrap(errcode.InvalidPayload, "remote", "sleep settings", err)
	}
	m.mu.Lock()
	m.cfg.Sleep = sc
	m.mu.Unlock()
	m.log.Info("sleep settings changed", zap.Stringer("mode", sc.Mode), zap.Int("time", sc.Time), zap.Stringer("unit", sc.Unit))
	return m.persistSleep()
}

// ---- Persistence ----

func (m *Manager) persistSleep() error {
	if !m.cfg.Features.Persist || m.store == nil {
		return nil
	}
	m.mu.Lock()
	sc := m.cfg.Sleep
	m.mu.Unlock()
	cells := []struct {
		addr uint16
		v    byte
	}{
		{addrMode, byte(sc.Mode)},
		{addrTimeMajor, byte(sc.Time / 255)},
		{addrTimeMinor, byte(sc.Time % 255)},
		{addrUnit, byte(sc.Unit)},
		{addrSaved, savedMarker},
	}
	for _, c := range cells {
		if err := m.store.Write(c.addr, c.v); err != nil {
			return err
		}
	}
	return nil
}

// loadSleep restores sleep settings written by persistSleep. A store that
// was never written, or holds values out of range, leaves the configured
// defaults in place.
func (m *Manager) loadSleep() error {
	if m.store == nil {
		return nil
	}
	read := func(a uint16) (byte, error) { return m.store.Read(a) }
	flag, err := read(addrSaved)
	if err != nil {
		return err
	}
	if flag != savedMarker {
		return nil
	}
	var cells [4]byte
	for i, a := range []uint16{addrMode, addrTimeMajor, addrTimeMinor, addrUnit} {
		if cells[i], err = read(a); err != nil {
			return err
		}
	}
	m.mu.Lock()
	sc := m.cfg.Sleep
	m.mu.Unlock()
	sc.Mode = types.SleepMode(cells[0])
	sc.Time = int(cells[1])*255 + int(cells[2])
	sc.Unit = types.TimeUnit(cells[3])

	probe := m.Config()
	probe.Sleep = sc
	if err := probe.Validate(); err != nil {
		m.log.Warn("ignoring persisted sleep settings", zap.Error(err))
		return nil
	}
	m.mu.Lock()
	m.cfg.Sleep = sc
	m.mu.Unlock()
	m.log.Debug("loaded sleep settings", zap.Stringer("mode", sc.Mode), zap.Int("time", sc.Time), zap.Stringer("unit", sc.Unit))
	return nil
}

// heartbeat answers I_HEARTBEAT_REQUEST with the uptime in seconds.
func (m *Manager) heartbeat(ctx context.Context) error {
	var up int64
	if m.env.Clock != nil && !m.started.IsZero() {
		up = int64(m.env.Clock.Now().Sub(m.started).Seconds())
	}
	return m.tx.Send(ctx, types.InternalMsg(types.IHeartbeatResponse, strconv.FormatInt(up, 10)))
}

// Heartbeat sends an unsolicited heartbeat.
func (m *Manager) Heartbeat(ctx context.Context) error { return m.heartbeat(ctx) }
