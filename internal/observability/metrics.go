// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the Prometheus metrics for plugdir.
// All recording methods are safe to call on a nil *Metrics.
type Metrics struct {
	RawEventsTotal     *prometheus.CounterVec
	WatcherEventsTotal *prometheus.CounterVec
	WatcherPending     prometheus.Gauge
	WatcherFailures    prometheus.Counter
	WatcherRestarts    prometheus.Counter
	InstallsTotal      *prometheus.CounterVec
	Records            prometheus.Gauge
	ConflictedRecords  prometheus.Gauge
}

// NewMetrics creates and registers plugdir metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RawEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugdir_watcher_raw_events_total",
				Help: "Raw filesystem notifications by disposition",
			},
			[]string{"disposition"},
		),
		WatcherEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugdir_watcher_events_total",
				Help: "Settled watcher events delivered by kind",
			},
			[]string{"kind"},
		),
		WatcherPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plugdir_watcher_pending",
			Help: "Entries seen but not yet settled",
		}),
		WatcherFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plugdir_watcher_failures_total",
			Help: "Times the watcher lost its directory or notification source",
		}),
		WatcherRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plugdir_watcher_restarts_total",
			Help: "Successful watcher restarts after a failure",
		}),
		InstallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugdir_installs_total",
				Help: "Bundle install attempts by outcome",
			},
			[]string{"outcome"},
		),
		Records: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plugdir_records",
			Help: "Plugin records currently in the registry",
		}),
		ConflictedRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plugdir_conflicted_records",
			Help: "Plugin records flagged as identifier conflicts",
		}),
	}

	reg.MustRegister(
		m.RawEventsTotal,
		m.WatcherEventsTotal,
		m.WatcherPending,
		m.WatcherFailures,
		m.WatcherRestarts,
		m.InstallsTotal,
		m.Records,
		m.ConflictedRecords,
	)

	return m
}

// RawEvent counts a raw notification; disposition is "tracked" or "ignored".
func (m *Metrics) RawEvent(disposition string) {
	if m == nil {
		return
	}
	m.RawEventsTotal.WithLabelValues(disposition).Inc()
}

// WatcherEvent counts a delivered event of the given kind.
func (m *Metrics) WatcherEvent(kind string) {
	if m == nil {
		return
	}
	m.WatcherEventsTotal.WithLabelValues(kind).Inc()
}

// SetPending records the in-flight entry count.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.WatcherPending.Set(float64(n))
}

// WatcherFailed counts a watcher failure.
func (m *Metrics) WatcherFailed() {
	if m == nil {
		return
	}
	m.WatcherFailures.Inc()
}

// WatcherRestarted counts a successful restart.
func (m *Metrics) WatcherRestarted() {
	if m == nil {
		return
	}
	m.WatcherRestarts.Inc()
}

// Install counts an install attempt outcome.
func (m *Metrics) Install(outcome string) {
	if m == nil {
		return
	}
	m.InstallsTotal.WithLabelValues(outcome).Inc()
}

// SetRecords records the registry size and conflict count.
func (m *Metrics) SetRecords(total, conflicted int) {
	if m == nil {
		return
	}
	m.Records.Set(float64(total))
	m.ConflictedRecords.Set(float64(conflicted))
}
