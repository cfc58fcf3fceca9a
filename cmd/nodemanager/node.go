package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"time"

	"nodemanager-go/bus"
	"nodemanager-go/errcode"
	"nodemanager-go/services/config"
	"nodemanager-go/services/heartbeat"
	"nodemanager-go/services/metrics"
	"nodemanager-go/services/node"
	"nodemanager-go/services/node/platform"
	"nodemanager-go/services/node/store"
	"nodemanager-go/services/transport"
	"nodemanager-go/services/transport/busport"
	"nodemanager-go/services/transport/lineport"
	"nodemanager-go/services/transport/mqttport"
	"nodemanager-go/types"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// run drives one node until ctx ends. A reboot request rebuilds the node on
// the same board, store and transport.
func run(ctx context.Context, f *config.File, in io.Reader, out io.Writer, log *zap.Logger) error {
	cfg, err := f.NodeConfig()
	if err != nil {
		return err
	}
	board := platform.NewHostBoard(f.Board.MaxPin)
	if err := seedBoard(board, f.Board); err != nil {
		return err
	}
	env := platform.NewHostEnv(board)

	b := bus.NewBus(16)
	config.Publish(b.NewConnection("config"), f)

	tr, err := openTransport(ctx, f, cfg.NodeID, b, in, out, log)
	if err != nil {
		return err
	}
	defer tr.Close()

	st, err := openStore(f.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	opts := []node.Option{node.WithLogger(log.Named("node")), node.WithStore(st)}
	if f.Metrics.Addr != "" {
		obs, shutdown, err := serveMetrics(f.Metrics.Addr, log)
		if err != nil {
			return err
		}
		defer shutdown()
		opts = append(opts, node.WithObserver(obs))
	}

	inbound := make(chan types.Message, transport.DefaultQueue)
	go forward(ctx, tr.Inbound(), inbound)
	if f.Node.HeartbeatS > 0 {
		hb := &heartbeat.Service{
			Clock:    env.Clock,
			Interval: time.Duration(f.Node.HeartbeatS) * time.Second,
			Node:     cfg.NodeID,
			Log:      log.Named("heartbeat"),
		}
		hb.Start(ctx, b.NewConnection("heartbeat"), inbound)
	}

	for {
		m, err := node.New(env, tr, cfg, opts...)
		if err != nil {
			return err
		}
		if err := f.RegisterSensors(m); err != nil {
			return err
		}
		log.Info("node started",
			zap.Uint8("node_id", cfg.NodeID),
			zap.Int("children", m.Len()),
			zap.String("transport", f.Transport.Kind))

		err = m.Run(ctx, inbound)
		if errors.Is(err, node.ErrRebootRequested) {
			log.Info("reboot requested, restarting node")
			continue
		}
		return err
	}
}

// forward copies src into dst until src closes or ctx ends. dst is shared
// with the heartbeat and is never closed here.
func forward(ctx context.Context, src <-chan types.Message, dst chan<- types.Message) {
	for m := range src {
		select {
		case dst <- m:
		case <-ctx.Done():
			return
		}
	}
}

func openTransport(ctx context.Context, f *config.File, id uint8, b *bus.Bus, in io.Reader, out io.Writer, log *zap.Logger) (transport.Transport, error) {
	switch f.Transport.Kind {
	case config.TransportMQTT:
		p, err := mqttport.Dial(ctx, f.MQTTOptions(), id, log.Named("mqtt"))
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.TransportBus:
		p := busport.New(b.NewConnection("node"), id, log.Named("bus"))
		conn := b.NewConnection("controller")
		sub := conn.Subscribe(busport.OutFilter(id))
		ctrl := lineport.New(in, out, log.Named("controller"))
		go controller(ctx, conn, sub, ctrl, id, log.Named("controller"))
		return p, nil
	default:
		return lineport.New(in, out, log.Named("serial")), nil
	}
}

// controller bridges the bus to a serial line: everything the node
// publishes is written out, and every line read is delivered to the node.
func controller(ctx context.Context, conn *bus.Connection, sub *bus.Subscription, ctrl *lineport.Port, id uint8, log *zap.Logger) {
	defer sub.Unsubscribe()
	defer ctrl.Close()

	lines := ctrl.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case bm := <-sub.Channel():
			m, ok := bm.Payload.(types.Message)
			if !ok {
				continue
			}
			if err := ctrl.Send(ctx, m); err != nil {
				log.Warn("controller write failed", zap.Error(err))
			}
		case m, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			conn.Publish(conn.NewMessage(busport.InTopic(id, m.ChildID), m, false))
		}
	}
}

type closingStore interface {
	store.Store
	Close() error
}

type memoryStore struct{ *store.Memory }

func (memoryStore) Close() error { return nil }

// openStore keeps settings in a file when a path is set. The in-memory store
// still outlives node restarts.
func openStore(s config.Store) (closingStore, error) {
	if s.Path == "" {
		return memoryStore{store.NewMemory(s.Size)}, nil
	}
	return store.OpenFile(s.Path, s.Size)
}

func serveMetrics(addr string, log *zap.Logger) (*metrics.Observer, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	obs, err := metrics.New(reg)
	if err != nil {
		return nil, nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "metrics: listen %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return obs, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// seedBoard loads the fake devices with the readings the file describes.
func seedBoard(b *platform.HostBoard, s config.Board) error {
	b.SetSupplyVoltage(s.Vcc)
	var err error
	pin := func(kind string, n int) bool {
		if n < 0 || n > s.MaxPin {
			err = multierr.Append(err, errcode.Wrap(errcode.UnknownPin, "board", fmt.Sprintf("%s pin %d", kind, n), nil))
			return false
		}
		return true
	}
	for _, a := range s.Analog {
		if !pin("analog", a.Pin) {
			continue
		}
		vals := make([]uint16, 0, len(a.Values))
		for _, v := range a.Values {
			if v < 0 || v > math.MaxUint16 {
				err = multierr.Append(err, errcode.Wrap(errcode.InvalidParams, "board", fmt.Sprintf("analog pin %d value %d", a.Pin, v), nil))
				continue
			}
			vals = append(vals, uint16(v))
		}
		b.FakeAnalog(a.Pin).Push(vals...)
	}
	for _, p := range s.Probes {
		if !pin("1-wire", p.Pin) {
			continue
		}
		w := b.FakeOneWire(p.Pin)
		for i, c := range p.Celsius {
			serial := [6]uint8{0x4e, 0x4d, uint8(p.Pin), uint8(i + 1)}
			w.AddProbe(serial, int32(math.Round(c*1000)))
		}
	}
	for _, d := range s.DHT {
		if !pin("dht", d.Pin) {
			continue
		}
		b.FakeDHT(d.Pin).Set(int16(math.Round(d.Celsius*10)), uint16(math.Round(d.Humidity*10)))
	}
	return err
}

type child struct {
	id           uint8
	pin          int
	presentation types.Presentation
	description  string
}

type discard struct{}

func (discard) Send(context.Context, types.Message) error { return nil }

// dryRun registers the file's sensors on a simulated board and reports
// which children they became.
func dryRun(f *config.File) ([]child, error) {
	cfg, err := f.NodeConfig()
	if err != nil {
		return nil, err
	}
	sim := platform.NewSim(f.Board.MaxPin)
	if err := seedBoard(sim.Board, f.Board); err != nil {
		return nil, err
	}
	m, err := node.New(sim.Env, discard{}, cfg)
	if err != nil {
		return nil, err
	}
	if err := f.RegisterSensors(m); err != nil {
		return nil, err
	}
	out := make([]child, 0, m.Len())
	for i := 0; i < m.Len(); i++ {
		s, _ := m.Get(i)
		c := s.Core()
		out = append(out, child{id: c.ChildID(), pin: c.Pin(), presentation: c.Settings.Presentation, description: c.Settings.Description})
	}
	return out, nil
}
