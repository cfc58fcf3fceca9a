// Package mqttport speaks the MySensors MQTT gateway topic layout:
// node messages go to <out>/node/child/cmd/ack/type and commands arrive on
// <in>/node/+/+/+/+.
package mqttport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nodemanager-go/errcode"
	"nodemanager-go/protocol"
	"nodemanager-go/services/transport"
	"nodemanager-go/types"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Client is the part of mqtt.Client the port uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

type Options struct {
	Broker    string
	Username  string
	Password  string
	ClientID  string
	OutPrefix string
	InPrefix  string
	QoS       byte
	Timeout   time.Duration
}

func DefaultOptions() Options {
	return Options{
		Broker:    "tcp://localhost:1883",
		OutPrefix: "mysensors-out",
		InPrefix:  "mysensors-in",
		QoS:       1,
		Timeout:   5 * time.Second,
	}
}

type Port struct {
	c    Client
	opts Options
	node uint8
	log  *zap.Logger
	in   chan types.Message

	mu     sync.Mutex
	closed bool
}

var _ transport.Transport = (*Port)(nil)

// Dial connects to the broker and subscribes to the node's inbound topics.
func Dial(ctx context.Context, o Options, node uint8, log *zap.Logger) (*Port, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if o.ClientID == "" {
		o.ClientID = "nodemanager-" + uuid.NewString()[:8]
	}
	co := mqtt.NewClientOptions()
	co.AddBroker(o.Broker)
	co.SetClientID(o.ClientID)
	co.SetUsername(o.Username)
	co.SetPassword(o.Password)
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectTimeout(o.Timeout)
	co.SetMaxReconnectInterval(5 * time.Second)
	co.SetKeepAlive(60 * time.Second)
	co.SetResumeSubs(true)
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	}
	co.OnReconnecting = func(mqtt.Client, *mqtt.ClientOptions) {
		log.Info("mqtt reconnecting", zap.String("broker", o.Broker))
	}

	c := mqtt.NewClient(co)
	if err := wait(ctx, c.Connect(), o.Timeout); err != nil {
		return nil, errors.Wrapf(err, "mqtt connect %s", o.Broker)
	}
	log.Info("mqtt connected", zap.String("broker", o.Broker), zap.String("client_id", o.ClientID))
	p, err := New(ctx, c, o, node, log)
	if err != nil {
		c.Disconnect(250)
		return nil, err
	}
	return p, nil
}

// New wraps an already connected client.
func New(ctx context.Context, c Client, o Options, node uint8, log *zap.Logger) (*Port, error) {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Port{c: c, opts: o, node: node, log: log, in: make(chan types.Message, transport.DefaultQueue)}
	filter := protocol.SubscribeTopic(o.InPrefix, node)
	if err := wait(ctx, c.Subscribe(filter, o.QoS, p.onMessage), o.Timeout); err != nil {
		return nil, errors.Wrapf(err, "mqtt subscribe %s", filter)
	}
	return p, nil
}

func (p *Port) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m, err := protocol.ParseTopic(p.opts.InPrefix, msg.Topic(), msg.Payload())
	if err != nil {
		p.log.Warn("dropping inbound mqtt message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.in <- m:
	default:
		p.log.Warn("inbound queue full, dropping", zap.String("topic", msg.Topic()))
	}
}

// Send publishes m and waits for the broker to accept it.
func (p *Port) Send(ctx context.Context, m types.Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.New("mqtt: port closed")
	}
	topic := protocol.Topic(p.opts.OutPrefix, m)
	if err := wait(ctx, p.c.Publish(topic, p.opts.QoS, false, m.Payload), p.opts.Timeout); err != nil {
		return errors.Wrapf(err, "mqtt publish %s", topic)
	}
	return nil
}

func (p *Port) Inbound() <-chan types.Message { return p.in }

func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.in)
	p.mu.Unlock()

	filter := protocol.SubscribeTopic(p.opts.InPrefix, p.node)
	t := p.c.Unsubscribe(filter)
	t.WaitTimeout(p.opts.Timeout)
	p.c.Disconnect(250)
	return t.Error()
}

// wait blocks until t completes, ctx ends or timeout passes.
func wait(ctx context.Context, t mqtt.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultOptions().Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errcode.Wrap(errcode.Timeout, "mqtt", fmt.Sprintf("no reply after %v", timeout), nil)
	}
}
