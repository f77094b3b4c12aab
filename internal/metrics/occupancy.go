// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OccupancyCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spacegate_occupancy_current",
		Help: "Current number of occupants inside the space",
	})

	OccupancyMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spacegate_occupancy_max",
		Help: "Configured maximum capacity of the space",
	})

	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spacegate_scans_total",
		Help: "Total scan operations by outcome",
	}, []string{"outcome"})

	EvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spacegate_evictions_total",
		Help: "Total forced session closures by reason",
	}, []string{"reason"})

	SweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spacegate_sweep_runs_total",
		Help: "Total auto-exit sweeper passes",
	})

	SweepClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spacegate_sweep_closed_total",
		Help: "Total sessions closed by the auto-exit sweeper",
	})

	PersistenceErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spacegate_persistence_errors_total",
		Help: "Total persistence failures observed by the admission path",
	})
)

// SetOccupancy records the committed counter state.
func SetOccupancy(count, max int) {
	OccupancyCurrent.Set(float64(count))
	OccupancyMax.Set(float64(max))
}

// IncScan records a scan outcome. Outcome labels are lowercase for stable
// PromQL queries.
func IncScan(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	ScansTotal.WithLabelValues(outcome).Inc()
}

// IncEviction records a forced session closure.
func IncEviction(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	EvictionsTotal.WithLabelValues(reason).Inc()
}
