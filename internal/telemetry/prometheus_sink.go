package telemetry

import (
	"context"

	"github.com/joinflow/joinflow/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusSink struct {
	attempts *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewPrometheusSink registers the join metrics on reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	factory := promauto.With(reg)
	return &PrometheusSink{
		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "joinflow_join_attempts_total",
				Help: "Total number of processed queue entries by outcome",
			},
			[]string{"outcome", "success"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "joinflow_join_latency_seconds",
				Help:    "Time spent processing one queue entry",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
	}
}

func (p *PrometheusSink) Record(ctx context.Context, attempt types.Attempt) error {
	outcome := Outcome(attempt)
	success := "false"
	if attempt.Success() {
		success = "true"
	}
	p.attempts.WithLabelValues(outcome, success).Inc()
	p.latency.WithLabelValues(outcome).Observe(attempt.Latency.Seconds())
	return nil
}
