// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spacegate_hub_connections",
		Help: "Currently registered notification connections",
	})

	HubDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spacegate_hub_delivered_total",
		Help: "Total notifications enqueued to connections by topic",
	}, []string{"topic"})

	HubDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spacegate_hub_dropped_total",
		Help: "Total notification drops by topic and reason",
	}, []string{"topic", "reason"})
)

// IncHubDelivered records a successful per-connection enqueue.
func IncHubDelivered(topic string) {
	if topic == "" {
		topic = "unknown"
	}
	HubDeliveredTotal.WithLabelValues(topic).Inc()
}

// IncHubDrop records a dropped notification with a concrete reason.
func IncHubDrop(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	HubDroppedTotal.WithLabelValues(topic, reason).Inc()
}
