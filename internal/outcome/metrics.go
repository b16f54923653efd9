package outcome

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "replygate"

var correlations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outcome",
		Name:      "correlations_total",
		Help:      "Sent-stream correlation results",
	},
	[]string{"result"},
)

// recordCorrelation records one sent-stream correlation result.
func recordCorrelation(result string) {
	correlations.WithLabelValues(result).Inc()
}
