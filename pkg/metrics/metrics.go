// Package metrics exposes Prometheus metrics for dispatches, quota usage and
// the status server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

const namespace = "handoff"

// Recorder owns the dispatch metrics. It implements dispatch.Observer.
type Recorder struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchTokens   *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewRecorder creates the metrics and registers them with reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Total number of dispatches by outcome",
			},
			[]string{"service", "outcome"},
		),
		dispatchTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_tokens_total",
				Help:      "Estimated tokens sent to external services",
			},
			[]string{"service"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "External process duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"service"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of status server requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Status server request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"method", "path", "status"},
		),
	}

	reg.MustRegister(
		r.dispatchTotal,
		r.dispatchTokens,
		r.dispatchDuration,
		r.httpRequestsTotal,
		r.httpRequestDuration,
	)
	return r
}

// Outcome is the label value of a finished dispatch: "success", "quota_rejected"
// or the error kind of the failure
func Outcome(result *delegation.DispatchResult) string {
	switch {
	case result.Success:
		return "success"
	case result.State == delegation.StateQuotaRejected:
		return "quota_rejected"
	case result.ErrorKind != "":
		return string(result.ErrorKind)
	}
	return string(delegation.KindInternal)
}

// ObserveDispatch records a finished dispatch. Tokens and duration are only
// counted for dispatches that ran a process.
func (r *Recorder) ObserveDispatch(result *delegation.DispatchResult) {
	r.dispatchTotal.WithLabelValues(result.ServiceID, Outcome(result)).Inc()

	if !result.Success && result.DurationSeconds <= 0 {
		return
	}
	r.dispatchTokens.WithLabelValues(result.ServiceID).Add(float64(result.EstimatedTokens))
	r.dispatchDuration.WithLabelValues(result.ServiceID).Observe(result.DurationSeconds)
}
