package verify

import (
	"context"

	"github.com/cgast/obsagent/pkg/execution"
)

// RootVerifier binds one execution, one contract and an optional observer
// into a single verification run.
type RootVerifier struct {
	Execution *execution.Execution
	Contract  *Contract
	Observer  Observer
}

// NewRootVerifier creates a root verifier. obs may be nil.
func NewRootVerifier(exec *execution.Execution, contract *Contract, obs Observer) *RootVerifier {
	return &RootVerifier{Execution: exec, Contract: contract, Observer: obs}
}

// Verify delegates to the bound contract.
func (v *RootVerifier) Verify(ctx context.Context) ([]VerificationResult, error) {
	return v.Contract.Verify(ctx, v.Execution, v.Observer)
}
