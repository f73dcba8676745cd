package events

import (
	"context"

	"github.com/cgast/obsagent/pkg/verify"
)

// PublishViolations publishes EventVerifyViolation for every failing result,
// in result order. It works from the finished results, so commitments whose
// own handlers shadow the contract handler are still reported.
func PublishViolations(bus EventBus, runID string, results []verify.VerificationResult) {
	for _, r := range results {
		if r.Status.Failing() {
			bus.Publish(Event{Type: EventVerifyViolation, RunID: runID, Data: r})
		}
	}
}

// Observer publishes every submitted evaluation as EventVerifyResult.
type Observer struct {
	Bus   EventBus
	RunID string
}

func (o Observer) CaptureSpan(ctx context.Context) {}

func (o Observer) SubmitEvaluation(ctx context.Context, label string, value verify.EvaluationValue, reasoning string) error {
	o.Bus.Publish(Event{
		Type:  EventVerifyResult,
		RunID: o.RunID,
		Data: map[string]string{
			"label":     label,
			"value":     string(value),
			"reasoning": reasoning,
		},
	})
	return nil
}

// PublishEnd publishes EventVerifyEnd for a finished verification.
func PublishEnd(bus EventBus, runID, contract string, results []verify.VerificationResult, err error) {
	summary := verify.Summarize(results)
	end := VerifyEnd{
		Contract: contract,
		Summary:  make(map[string]int, len(summary)),
		Worst:    string(summary.Worst()),
	}
	for st, n := range summary {
		end.Summary[string(st)] = n
	}
	if err != nil {
		end.Error = err.Error()
	}
	bus.Publish(Event{Type: EventVerifyEnd, RunID: runID, Data: end})
}
