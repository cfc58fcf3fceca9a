// Package metrics exports node activity as Prometheus metrics. Observer
// plugs into the node as its node.Observer.
package metrics

import (
	"strconv"
	"time"

	"nodemanager-go/services/node"
	"nodemanager-go/services/node/hwcore"
	"nodemanager-go/types"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nodemanager"

type Observer struct {
	messagesSent *prometheus.CounterVec
	sendFailures prometheus.Counter
	sendAttempts prometheus.Counter
	reports      *prometheus.CounterVec
	suppressed   prometheus.Counter
	sleepSeconds prometheus.Counter
	wakeups      *prometheus.CounterVec
	batteryVolts prometheus.Gauge
	batteryPct   prometheus.Gauge
}

var _ node.Observer = (*Observer)(nil)

// New creates the collectors and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Observer, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &Observer{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages handed to the transport, by command.",
		}, []string{"command"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Sensor reports that were not delivered after all retries.",
		}),
		sendAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "Delivery attempts made for sensor reports, retries included.",
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_reports_total",
			Help:      "Sensor values reported, by child id.",
		}, []string{"child"}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_reports_total",
			Help:      "Sensor values not reported because they were unchanged.",
		}),
		sleepSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sleep_seconds_total",
			Help:      "Time spent suspended between cycles.",
		}),
		wakeups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wakeups_total",
			Help:      "Suspensions ended, by source (timer or pin number).",
		}, []string{"source"}),
		batteryVolts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_volts",
			Help:      "Last measured supply voltage.",
		}),
		batteryPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_percent",
			Help:      "Last computed battery level.",
		}),
	}
	for _, c := range []prometheus.Collector{
		o.messagesSent, o.sendFailures, o.sendAttempts, o.reports, o.suppressed,
		o.sleepSeconds, o.wakeups, o.batteryVolts, o.batteryPct,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) Reported(child uint8, attempts int, err error) {
	o.sendAttempts.Add(float64(attempts))
	if err != nil {
		o.sendFailures.Inc()
		return
	}
	o.reports.WithLabelValues(strconv.Itoa(int(child))).Inc()
}

func (o *Observer) Suppressed(uint8) { o.suppressed.Inc() }

func (o *Observer) MessageSent(m types.Message, err error) {
	if err != nil {
		return
	}
	o.messagesSent.WithLabelValues(m.Command.String()).Inc()
}

func (o *Observer) Slept(_ time.Duration, w hwcore.Wake) {
	o.sleepSeconds.Add(w.Elapsed.Seconds())
	src := "timer"
	if !w.TimedOut() {
		src = "pin" + strconv.Itoa(w.Pin)
	}
	o.wakeups.WithLabelValues(src).Inc()
}

func (o *Observer) Battery(volts, percent float64) {
	o.batteryVolts.Set(volts)
	o.batteryPct.Set(percent)
}
