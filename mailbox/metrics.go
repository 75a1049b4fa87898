package mailbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesPostedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grinbox",
		Subsystem: "mailbox",
		Name:      "messages_posted_total",
		Help:      "Total number of slates accepted by Post, whether delivered immediately or queued.",
	})

	messagesDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grinbox",
		Subsystem: "mailbox",
		Name:      "messages_delivered_total",
		Help:      "Total number of slates handed to a subscriber sink, from Post or from a Subscribe drain.",
	})

	messagesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grinbox",
		Subsystem: "mailbox",
		Name:      "messages_expired_total",
		Help:      "Total number of queued slates dropped by Expire past their TTL.",
	})

	queuedMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "grinbox",
		Subsystem: "mailbox",
		Name:      "queued_messages",
		Help:      "Current number of slates buffered across every address, awaiting a subscriber.",
	})
)
