package observability

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cgast/obsagent/pkg/verify"
)

// ErrNoSpan is returned when an evaluation has no span to attach to.
var ErrNoSpan = errors.New("no span to attach evaluation to")

// Assessment maps an evaluation value to the backend assessment:
// pass for pass, none for skip, fail otherwise.
func Assessment(v verify.EvaluationValue) string {
	switch v {
	case verify.EvaluationPass:
		return "pass"
	case verify.EvaluationSkip:
		return ""
	default:
		return "fail"
	}
}

// SpanObserver records each evaluation as an event on the captured span.
// When no span was captured it falls back to the span in the submission
// context, and then to a fresh span from its tracer.
type SpanObserver struct {
	mu     sync.Mutex
	span   trace.Span
	tracer trace.Tracer
}

// NewSpanObserver creates a SpanObserver. tracer may be nil, in which case
// evaluations without any span fail with ErrNoSpan.
func NewSpanObserver(tracer trace.Tracer) *SpanObserver {
	return &SpanObserver{tracer: tracer}
}

// CaptureSpan remembers the recording span carried by ctx.
func (o *SpanObserver) CaptureSpan(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	o.mu.Lock()
	defer o.mu.Unlock()
	if span.IsRecording() {
		o.span = span
	} else {
		o.span = nil
	}
}

// SubmitEvaluation adds an "evaluation" event to the target span.
func (o *SpanObserver) SubmitEvaluation(ctx context.Context, label string, value verify.EvaluationValue, reasoning string) error {
	attrs := []attribute.KeyValue{
		attribute.String("evaluation.label", label),
		attribute.String("evaluation.metric_type", "categorical"),
		attribute.String("evaluation.value", string(value)),
		attribute.String("evaluation.tags.type", "custom"),
		attribute.String("evaluation.reasoning", reasoning),
	}
	if a := Assessment(value); a != "" {
		attrs = append(attrs, attribute.String("evaluation.assessment", a))
	}

	o.mu.Lock()
	span := o.span
	o.mu.Unlock()

	if span == nil {
		if s := trace.SpanFromContext(ctx); s.IsRecording() {
			span = s
		}
	}
	if span == nil {
		if o.tracer == nil {
			return ErrNoSpan
		}
		_, s := o.tracer.Start(ctx, "obsagent.evaluation")
		defer s.End()
		span = s
	}

	span.AddEvent("evaluation", trace.WithAttributes(attrs...))
	return nil
}

// LogObserver writes evaluations to a structured logger.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a LogObserver. A nil logger uses slog.Default.
func NewLogObserver(l *slog.Logger) *LogObserver {
	if l == nil {
		l = slog.Default()
	}
	return &LogObserver{logger: l}
}

func (o *LogObserver) CaptureSpan(ctx context.Context) {}

func (o *LogObserver) SubmitEvaluation(ctx context.Context, label string, value verify.EvaluationValue, reasoning string) error {
	level := slog.LevelInfo
	if value == verify.EvaluationFail {
		level = slog.LevelWarn
	}
	o.logger.Log(ctx, level, "evaluation",
		"label", label,
		"value", string(value),
		"reasoning", reasoning,
	)
	return nil
}

// multiObserver fans out to several observers.
type multiObserver []verify.Observer

// Multi combines observers. Nil entries are dropped; every observer is
// called and their errors are joined.
func Multi(obs ...verify.Observer) verify.Observer {
	var m multiObserver
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

func (m multiObserver) CaptureSpan(ctx context.Context) {
	for _, o := range m {
		o.CaptureSpan(ctx)
	}
}

func (m multiObserver) SubmitEvaluation(ctx context.Context, label string, value verify.EvaluationValue, reasoning string) error {
	var errs []error
	for _, o := range m {
		if err := o.SubmitEvaluation(ctx, label, value, reasoning); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
