package verify

import (
	"context"
	"time"
)

// Observer receives per-commitment evaluations tagged to a trace span.
type Observer interface {
	// CaptureSpan binds the observer to the trace context carried by ctx.
	// It is called once per contract verification, before any commitment
	// is evaluated, so that concurrent evaluations agree on a single span.
	CaptureSpan(ctx context.Context)

	// SubmitEvaluation reports one commitment outcome.
	SubmitEvaluation(ctx context.Context, label string, value EvaluationValue, reasoning string) error
}

// Recorder receives engine measurements, e.g. for metrics.
type Recorder interface {
	// Sampled reports whether the semantic check of a commitment was sampled in.
	Sampled(commitment string, sampled bool)

	// Observe reports a finalized result and the time spent producing it.
	Observe(result VerificationResult, elapsed time.Duration)
}

// ViolationHandler is invoked for each failing result. Returned errors are
// propagated to the caller of Verify.
type ViolationHandler func(ctx context.Context, result VerificationResult) error

// Handlers combines several handlers into one that calls each in order and
// stops at the first error.
func Handlers(hs ...ViolationHandler) ViolationHandler {
	return func(ctx context.Context, result VerificationResult) error {
		for _, h := range hs {
			if h == nil {
				continue
			}
			if err := h(ctx, result); err != nil {
				return err
			}
		}
		return nil
	}
}
