package metrics

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgast/obsagent/pkg/execution"
	"github.com/cgast/obsagent/pkg/verify"
)

func TestRecorderCountsEvaluations(t *testing.T) {
	before := testutil.ToFloat64(EvaluationsTotal.WithLabelValues("naming", "violation"))
	sampledBefore := testutil.ToFloat64(SemanticSamples.WithLabelValues("tone", "skipped"))

	rec := NewRecorder()
	contract := verify.NewContract(verify.WithRecorder(rec))
	require.NoError(t, contract.AddCommitment(verify.MustCommitment("naming", "t",
		verify.WithDeterministic(verify.DeterministicFunc(func(ctx context.Context, exec *execution.Execution) (verify.IntermediateResult, error) {
			return verify.IntermediateResult{Status: verify.StatusViolation}, nil
		})))))
	require.NoError(t, contract.AddCommitment(verify.MustCommitment("tone", "t",
		verify.WithSemanticSamplingRate(0))))

	_, err := contract.Verify(context.Background(), &execution.Execution{}, nil)
	require.NoError(t, err)

	assert.Equal(t, before+1, testutil.ToFloat64(EvaluationsTotal.WithLabelValues("naming", "violation")))
	assert.Equal(t, sampledBefore+1, testutil.ToFloat64(SemanticSamples.WithLabelValues("tone", "skipped")))
}

func TestObserveRun(t *testing.T) {
	worstBefore := testutil.ToFloat64(RunsTotal.WithLabelValues("reports", "critical"))
	errBefore := testutil.ToFloat64(HandlerErrorsTotal.WithLabelValues("reports"))

	ObserveRun("reports", []verify.VerificationResult{
		{Status: verify.StatusPass}, {Status: verify.StatusCritical}, {Status: verify.StatusWarning},
	}, errors.New("handler failed"))

	assert.Equal(t, worstBefore+1, testutil.ToFloat64(RunsTotal.WithLabelValues("reports", "critical")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(HandlerErrorsTotal.WithLabelValues("reports")))
}

func TestWritePrometheus(t *testing.T) {
	NewRecorder().Observe(verify.VerificationResult{CommitmentName: "exported", Status: verify.StatusPass}, 20*time.Millisecond)

	var buf bytes.Buffer
	require.NoError(t, WritePrometheus(&buf))
	out := buf.String()
	assert.Contains(t, out, "obsagent_evaluations_total")
	assert.Contains(t, out, `commitment="exported"`)
	assert.Contains(t, out, "obsagent_evaluation_duration_seconds_bucket")
}
