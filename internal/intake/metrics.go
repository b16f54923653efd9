package intake

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "replygate"

var notificationsReceived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "intake",
		Name:      "notifications_total",
		Help:      "Inbound notifications by stream and intake decision",
	},
	[]string{"stream", "decision"},
)

func recordNotification(stream, decision string) {
	notificationsReceived.WithLabelValues(stream, decision).Inc()
}
