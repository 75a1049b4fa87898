package challenge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "grinbox",
	Subsystem: "challenge",
	Name:      "rotations_total",
	Help:      "Total number of times the relay-wide auth challenge has rotated.",
})
