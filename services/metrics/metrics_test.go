package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"nodemanager-go/services/node/hwcore"
	"nodemanager-go/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserverCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := New(reg)
	if err != nil {
		t.Fatal(err)
	}

	o.Reported(3, 2, nil)
	o.Reported(3, 3, errors.New("no ack"))
	o.Suppressed(3)
	o.MessageSent(types.Set(3, types.VTemp, "1"), nil)
	o.MessageSent(types.InternalMsg(types.IBatteryLevel, "50"), nil)
	o.MessageSent(types.Set(3, types.VTemp, "1"), errors.New("down"))
	o.Slept(time.Minute, hwcore.Wake{Pin: -1, Elapsed: time.Minute})
	o.Slept(time.Minute, hwcore.Wake{Pin: 3, Elapsed: 15 * time.Second})
	o.Battery(3.0, 57)

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"attempts", o.sendAttempts, 5},
		{"failures", o.sendFailures, 1},
		{"reports child 3", o.reports.WithLabelValues("3"), 1},
		{"suppressed", o.suppressed, 1},
		{"sent set", o.messagesSent.WithLabelValues(types.CmdSet.String()), 1},
		{"sent internal", o.messagesSent.WithLabelValues(types.CmdInternal.String()), 1},
		{"sleep seconds", o.sleepSeconds, 75},
		{"timer wakes", o.wakeups.WithLabelValues("timer"), 1},
		{"pin wakes", o.wakeups.WithLabelValues("pin3"), 1},
		{"volts", o.batteryVolts, 3.0},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}

	want := `
# HELP nodemanager_battery_percent Last computed battery level.
# TYPE nodemanager_battery_percent gauge
nodemanager_battery_percent 57
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "nodemanager_battery_percent"); err != nil {
		t.Fatal(err)
	}
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatal(err)
	}
	if _, err := New(reg); err == nil {
		t.Fatal("second registration on the same registry should fail")
	}
}
