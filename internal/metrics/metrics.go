// Package metrics exposes store and scheduler state to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"calarm/internal/alarm"
	"calarm/internal/store"
)

// StatsSource reports loaded appointment counts.
type StatsSource interface {
	Stats() store.Stats
}

// PendingSource reports scheduled alarms.
type PendingSource interface {
	Pending() []alarm.Pending
}

// Metrics holds the collectors of one process.
type Metrics struct {
	reg *prometheus.Registry

	fired   *prometheus.CounterVec
	reloads prometheus.Counter
}

// New registers gauges that read st and sched on every scrape.
func New(st StatsSource, sched PendingSource) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		fired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calarm",
			Name:      "alarms_fired_total",
			Help:      "Alarms fired, by state (pending or fired-late).",
		}, []string{"state"}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "calarm",
			Name:      "reloads_total",
			Help:      "Reloads caused by external calendar changes.",
		}),
	}
	reg.MustRegister(m.fired, m.reloads)

	for scope, get := range map[string]func(store.Stats) int{
		"main":    func(s store.Stats) int { return s.Main },
		"archive": func(s store.Stats) int { return s.Archive },
		"foreign": func(s store.Stats) int { return s.Foreign },
	} {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "calarm",
			Name:        "appointments",
			Help:        "Loaded appointments per calendar scope.",
			ConstLabels: prometheus.Labels{"scope": scope},
		}, func() float64 { return float64(get(st.Stats())) }))
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "calarm",
		Name:      "foreign_calendars",
		Help:      "Loaded foreign calendars.",
	}, func() float64 { return float64(st.Stats().ForeignSources) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "calarm",
		Name:      "alarms_pending",
		Help:      "Alarms waiting to fire.",
	}, func() float64 { return float64(len(sched.Pending())) }))

	return m
}

// AlarmFired counts one fired alarm. It matches alarm.Options.OnFire.
func (m *Metrics) AlarmFired(p alarm.Pending) {
	m.fired.WithLabelValues(p.State.String()).Inc()
}

// Reloaded counts one external-change reload.
func (m *Metrics) Reloaded() {
	m.reloads.Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
