package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ForecastUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spacegate_forecast_updates_total",
		Help: "Total committed minute observations in the forecaster",
	})

	ForecastClippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spacegate_forecast_clipped_total",
		Help: "Total observations clipped by the 3-sigma outlier guard",
	})

	ForecastBeta = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spacegate_forecast_beta",
		Help: "Current exogenous regressor weight of the forecaster",
	})
)
