// Package busport connects a node to the in-process bus. Outbound messages
// are published under {"mysensors","out",node,child}; the node listens on
// {"mysensors","in",node,"#"}. Payloads are types.Message values.
package busport

import (
	"context"
	"sync"

	"nodemanager-go/bus"
	"nodemanager-go/errcode"
	"nodemanager-go/services/transport"
	"nodemanager-go/types"

	"go.uber.org/zap"
)

const root = "mysensors"

// OutTopic is where a node's message for child is published.
func OutTopic(node, child uint8) bus.Topic { return bus.T(root, "out", int(node), int(child)) }

// OutFilter matches everything node publishes.
func OutFilter(node uint8) bus.Topic { return bus.T(root, "out", int(node), "#") }

// InTopic is where messages for node's child are expected.
func InTopic(node, child uint8) bus.Topic { return bus.T(root, "in", int(node), int(child)) }

type Port struct {
	conn *bus.Connection
	node uint8
	sub  *bus.Subscription
	in   chan types.Message
	log  *zap.Logger

	once sync.Once
	done chan struct{}
}

var _ transport.Transport = (*Port)(nil)

// New subscribes conn to the node's inbound topics.
func New(conn *bus.Connection, node uint8, log *zap.Logger) *Port {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Port{
		conn: conn,
		node: node,
		sub:  conn.Subscribe(bus.T(root, "in", int(node), "#")),
		in:   make(chan types.Message, transport.DefaultQueue),
		log:  log,
		done: make(chan struct{}),
	}
	go p.pump()
	return p
}

func (p *Port) pump() {
	defer close(p.in)
	for {
		select {
		case <-p.done:
			return
		case bm, ok := <-p.sub.Channel():
			if !ok {
				return
			}
			m, ok := bm.Payload.(types.Message)
			if !ok {
				p.log.Warn("dropping non-message payload", zap.Any("topic", bm.Topic))
				continue
			}
			m.NodeID = p.node
			select {
			case p.in <- m:
			case <-p.done:
				return
			}
		}
	}
}

func (p *Port) Send(ctx context.Context, m types.Message) error {
	select {
	case <-p.done:
		return errcode.Wrap(errcode.Error, "busport", "closed", nil)
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.conn.Publish(p.conn.NewMessage(OutTopic(m.NodeID, m.ChildID), m, false))
	return nil
}

func (p *Port) Inbound() <-chan types.Message { return p.in }

func (p *Port) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.sub.Unsubscribe()
	})
	return nil
}
