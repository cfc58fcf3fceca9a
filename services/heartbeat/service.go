// Package heartbeat asks the node for a heartbeat at a fixed interval. The
// request travels through the node's inbound stream so the answer is sent
// from the node's own loop.
package heartbeat

import (
	"context"
	"time"

	"nodemanager-go/bus"
	"nodemanager-go/types"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

var topicConfigHeartbeat = bus.Topic{"config", "heartbeat"}

type Service struct {
	Clock    clock.Clock
	Interval time.Duration
	Node     uint8
	Log      *zap.Logger
}

func (s *Service) request() types.Message {
	m := types.InternalMsg(types.IHeartbeatRequest, "")
	m.NodeID = s.Node
	return m
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection, out chan<- types.Message) {
	var cfg <-chan *bus.Message
	if conn != nil {
		sub := conn.Subscribe(topicConfigHeartbeat)
		defer conn.Unsubscribe(sub)
		cfg = sub.Channel()
	}

	tick := s.Clock.Ticker(s.Interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Log.Debug("heartbeat stopping")
			return
		case <-tick.C:
			select {
			case out <- s.request():
			case <-ctx.Done():
				return
			}
		case msg, ok := <-cfg:
			if !ok {
				cfg = nil
				continue
			}
			// {"interval": seconds}
			if m, ok := msg.Payload.(map[string]any); ok {
				if iv, ok := m["interval"].(float64); ok && iv > 0 {
					tick.Reset(time.Duration(iv * float64(time.Second)))
					s.Log.Info("heartbeat interval changed", zap.Float64("seconds", iv))
				}
			}
		}
	}
}

// Start sends heartbeat requests on out until ctx ends. conn may be nil;
// when set, {"config","heartbeat"} messages change the interval.
func (s *Service) Start(ctx context.Context, conn *bus.Connection, out chan<- types.Message) {
	if s.Clock == nil {
		s.Clock = clock.New()
	}
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	go s.serviceLoop(ctx, conn, out)
}
