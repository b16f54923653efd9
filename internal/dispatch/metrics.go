package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "replygate"

var (
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Current number of items in the work queue",
		},
	)

	itemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "items_total",
			Help:      "Work items processed by stream and result",
		},
		[]string{"stream", "result"},
	)

	processDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "process_duration_seconds",
			Help:      "Time from claim to terminal decision per work item",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stream"},
	)
)

func recordQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

func recordItem(stream, result string) {
	itemsProcessed.WithLabelValues(stream, result).Inc()
}

func recordProcessDuration(stream string, d time.Duration) {
	processDuration.WithLabelValues(stream).Observe(d.Seconds())
}
