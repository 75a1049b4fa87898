package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "grinbox",
		Subsystem: "router",
		Name:      "sessions_active",
		Help:      "Number of currently connected WebSocket sessions.",
	})

	sessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grinbox",
		Subsystem: "router",
		Name:      "sessions_total",
		Help:      "Total number of WebSocket sessions accepted.",
	})

	upgradeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grinbox",
		Subsystem: "router",
		Name:      "upgrade_errors_total",
		Help:      "Total number of failed WebSocket upgrade attempts.",
	})

	sessionCapExceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grinbox",
		Subsystem: "router",
		Name:      "session_cap_exceeded_total",
		Help:      "Total number of upgrade attempts rejected because max_sessions was reached.",
	})
)
