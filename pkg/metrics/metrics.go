// Package metrics exposes verification measurements as Prometheus collectors.
package metrics

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/cgast/obsagent/pkg/verify"
)

// DefaultRegistry holds every obsagent collector; the inspector serves it.
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		EvaluationsTotal, EvaluationDuration, SemanticSamples,
		RunsTotal, HandlerErrorsTotal,
	)
}

// EvaluationsTotal counts final commitment results.
var EvaluationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "obsagent_evaluations_total",
		Help: "Commitment evaluations by final status.",
	},
	[]string{"commitment", "status"},
)

// EvaluationDuration is the time spent producing a commitment result.
var EvaluationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "obsagent_evaluation_duration_seconds",
		Help:    "Time spent evaluating a commitment.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"commitment"},
)

// SemanticSamples counts sampling decisions for semantic checks.
var SemanticSamples = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "obsagent_semantic_samples_total",
		Help: "Semantic check sampling decisions.",
	},
	[]string{"commitment", "decision"}, // sampled | skipped
)

// RunsTotal counts contract verifications by their worst status.
var RunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "obsagent_runs_total",
		Help: "Contract verifications by worst status.",
	},
	[]string{"contract", "worst"},
)

// HandlerErrorsTotal counts violation handlers that returned an error.
var HandlerErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "obsagent_handler_errors_total",
		Help: "Violation handler failures.",
	},
	[]string{"contract"},
)

// Recorder feeds engine measurements into the package collectors.
type Recorder struct{}

// NewRecorder returns a verify.Recorder backed by DefaultRegistry.
func NewRecorder() Recorder { return Recorder{} }

func (Recorder) Sampled(commitment string, sampled bool) {
	decision := "skipped"
	if sampled {
		decision = "sampled"
	}
	SemanticSamples.WithLabelValues(commitment, decision).Inc()
}

func (Recorder) Observe(result verify.VerificationResult, elapsed time.Duration) {
	EvaluationsTotal.WithLabelValues(result.CommitmentName, string(result.Status)).Inc()
	EvaluationDuration.WithLabelValues(result.CommitmentName).Observe(elapsed.Seconds())
}

// ObserveRun records a finished contract verification.
func ObserveRun(contract string, results []verify.VerificationResult, err error) {
	RunsTotal.WithLabelValues(contract, string(verify.Summarize(results).Worst())).Inc()
	if err != nil {
		HandlerErrorsTotal.WithLabelValues(contract).Inc()
	}
}

// WritePrometheus writes DefaultRegistry in the Prometheus text format.
func WritePrometheus(w io.Writer) error {
	families, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
