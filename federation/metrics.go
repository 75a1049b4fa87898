package federation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "grinbox",
		Subsystem: "federation",
		Name:      "publish_latency_seconds",
		Help:      "Time from Publish being called to the federated message landing on the broker.",
		Buckets:   prometheus.DefBuckets,
	})

	publishFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grinbox",
		Subsystem: "federation",
		Name:      "publish_failures_total",
		Help:      "Total number of Publish calls that gave up without landing on the broker, because federation_drop_after was exhausted or the caller's context was cancelled.",
	})
)
