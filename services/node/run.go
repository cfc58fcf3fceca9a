package node

import (
	"context"
	"errors"

	"nodemanager-go/types"

	"go.uber.org/zap"
)

// Run drives the node until ctx ends or a reboot is requested: Before and
// Presentation once, then Loop forever. Messages from inbound are handled
// between cycles. A sleeping node suspends inside Loop; an idle node waits
// up to LoopInterval for a message or a wake interrupt.
//
// Run returns nil when ctx ends and ErrRebootRequested after a reboot.
func (m *Manager) Run(ctx context.Context, inbound <-chan types.Message) error {
	if err := m.Before(ctx); err != nil {
		m.log.Warn("setup finished with errors", zap.Error(err))
	}
	if err := m.Presentation(ctx); err != nil {
		return ignoreDone(err)
	}
	in := inbound
	for {
		in = m.drain(ctx, in)
		if err := m.Loop(ctx); err != nil {
			return ignoreDone(err)
		}
		if !m.Idle() {
			continue
		}
		in = m.wait(ctx, in)
	}
}

func ignoreDone(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// drain handles every queued message. It returns nil once inbound is closed.
func (m *Manager) drain(ctx context.Context, inbound <-chan types.Message) <-chan types.Message {
	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			m.handle(ctx, msg)
		default:
			return inbound
		}
	}
}

func (m *Manager) handle(ctx context.Context, msg types.Message) {
	if msg.NodeID != m.cfg.NodeID && msg.NodeID != types.NodeChildID {
		return
	}
	if err := m.Receive(ctx, msg); err != nil {
		m.log.Warn("inbound message rejected", zap.Uint8("child", msg.ChildID), zap.Stringer("cmd", msg.Command), zap.Error(err))
	}
}

// wait blocks an idle node until the next cycle is due.
func (m *Manager) wait(ctx context.Context, inbound <-chan types.Message) <-chan types.Message {
	d := m.cfg.LoopInterval
	if d <= 0 || m.env.Clock == nil {
		return inbound
	}
	t := m.env.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case msg, ok := <-inbound:
		if !ok {
			return nil
		}
		m.handle(ctx, msg)
	case pin := <-m.wake:
		m.lastWake = pin
		m.log.Debug("woken while idle", zap.Int("pin", pin))
	case <-t.C:
	}
	return inbound
}
