package config

import "nodemanager-go/bus"

const configPrefix = "config"

// Publish makes the effective configuration visible on the bus: each
// section is retained under {"config", <section>} so late subscribers
// (controllers, dashboards) see it.
func Publish(conn *bus.Connection, f *File) {
	sections := []struct {
		key string
		val any
	}{
		{"node", f.Node},
		{"sensors", f.Sensors},
		{"transport", f.Transport.Kind},
		{"metrics", f.Metrics},
		{"store", f.Store},
	}
	for _, s := range sections {
		conn.Publish(conn.NewMessage(bus.T(configPrefix, s.key), s.val, true))
	}
	if f.Node.HeartbeatS > 0 {
		conn.Publish(conn.NewMessage(bus.T(configPrefix, "heartbeat"),
			map[string]any{"interval": float64(f.Node.HeartbeatS)}, true))
	}
}
