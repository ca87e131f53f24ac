package console

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// metrics are the per-session Prometheus collectors.
type metrics struct {
	state    prometheus.Gauge
	callers  prometheus.Gauge
	reconfig *prometheus.CounterVec
	tasks    *prometheus.HistogramVec
}

func newMetrics(vm string, reg prometheus.Registerer, log logrus.FieldLogger) *metrics {
	labels := prometheus.Labels{"vm": vm}
	m := &metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "vmconsole",
			Name:        "machine_state",
			Help:        "Current machine state as its numeric value.",
			ConstLabels: labels,
		}),
		callers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "vmconsole",
			Name:        "engine_callers",
			Help:        "Live references to the engine handle.",
			ConstLabels: labels,
		}),
		reconfig: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "vmconsole",
			Name:        "reconfigurations_total",
			Help:        "Runtime device reconfigurations by kind and result.",
			ConstLabels: labels,
		}, []string{"kind", "result"}),
		tasks: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "vmconsole",
			Name:        "power_task_duration_seconds",
			Help:        "Duration of power tasks.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"task", "result"}),
	}
	if reg == nil {
		return m
	}
	for _, c := range []prometheus.Collector{m.state, m.callers, m.reconfig, m.tasks} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				log.WithError(err).Warn("register metrics")
			}
		}
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *metrics) observeTask(task string, start time.Time, err error) {
	m.tasks.WithLabelValues(task, result(err)).Observe(time.Since(start).Seconds())
}
