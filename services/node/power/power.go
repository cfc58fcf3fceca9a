// Package power switches a sensor's supply rails through two GPIO pins.
package power

import (
	"time"

	"nodemanager-go/errcode"
	"nodemanager-go/services/node/hwcore"
)

// Manager drives a ground/vcc pin pair. The zero value is unconfigured and
// PowerOn/PowerOff are no-ops (the sensor is always powered).
type Manager struct {
	ground hwcore.GPIOPin
	vcc    hwcore.GPIOPin
	settle time.Duration
}

// DefaultSettle is the wait after PowerOn before sampling.
const DefaultSettle = 10 * time.Millisecond

// Configure claims both pins from b as outputs driven low. A negative pin
// number leaves that rail unswitched.
func (m *Manager) Configure(b hwcore.Board, ground, vcc int, settle time.Duration) error {
	if ground < 0 && vcc < 0 {
		return errcode.Wrap(errcode.InvalidParams, "power", "no pins", nil)
	}
	var g, v hwcore.GPIOPin
	var err error
	if ground >= 0 {
		if g, err = b.Pin(ground); err != nil {
			return err
		}
		if err = g.ConfigureOutput(false); err != nil {
			return err
		}
	}
	if vcc >= 0 {
		if v, err = b.Pin(vcc); err != nil {
			return err
		}
		if err = v.ConfigureOutput(false); err != nil {
			return err
		}
	}
	if settle < 0 {
		settle = 0
	}
	m.ground, m.vcc, m.settle = g, v, settle
	return nil
}

// Configured reports whether any rail is switched.
func (m *Manager) Configured() bool { return m != nil && (m.ground != nil || m.vcc != nil) }

// Settle is the delay callers must honour between PowerOn and first use.
func (m *Manager) Settle() time.Duration {
	if !m.Configured() {
		return 0
	}
	return m.settle
}

// PowerOn drives vcc high and ground low.
func (m *Manager) PowerOn() {
	if !m.Configured() {
		return
	}
	if m.ground != nil {
		m.ground.Set(false)
	}
	if m.vcc != nil {
		m.vcc.Set(true)
	}
}

// PowerOff drives both rails low.
func (m *Manager) PowerOff() {
	if !m.Configured() {
		return
	}
	if m.vcc != nil {
		m.vcc.Set(false)
	}
	if m.ground != nil {
		m.ground.Set(false)
	}
}
