package spec

import (
	"fmt"
	"strings"

	"github.com/cgast/obsagent/pkg/verify"
)

// Plan is a preview of how a contract will be evaluated, suitable for
// review before the contract is put in front of a judge.
type Plan struct {
	Contract   string     `json:"contract"`
	Steps      []PlanStep `json:"steps"`
	Summary    string     `json:"summary"`
	JudgeCalls float64    `json:"expected_judge_calls"`
	Handlers   []string   `json:"handlers,omitempty"`
}

// PlanStep describes the evaluation of one commitment.
type PlanStep struct {
	Commitment   string   `json:"commitment"`
	Mode         string   `json:"mode"` // "deterministic", "semantic" or "hardened:<policy>"
	SamplingRate float64  `json:"semantic_sampling_rate"`
	Severity     string   `json:"severity,omitempty"`
	Assertions   []string `json:"assertions,omitempty"`
	Handlers     []string `json:"handlers,omitempty"`
}

// GeneratePlan produces a Plan from a valid contract document.
func GeneratePlan(cs ContractSpec) (Plan, error) {
	if vr := ValidateContract(cs); !vr.Valid() {
		return Plan{}, fmt.Errorf("invalid contract: %s", vr.Error())
	}

	plan := Plan{Contract: cs.Meta.Name, Handlers: cs.OnViolation}
	var det, sem, hardened int
	for _, c := range cs.Commitments {
		step := PlanStep{
			Commitment:   c.Name,
			SamplingRate: c.samplingRate(cs.Defaults),
			Handlers:     c.OnViolation,
		}
		hardening, _ := verify.ParseHardening(c.hardening(cs.Defaults))
		switch {
		case len(c.Deterministic) == 0:
			step.Mode = "semantic"
			plan.JudgeCalls += step.SamplingRate
			sem++
		case hardening == verify.HardeningDeterministicOnly:
			step.Mode = "deterministic"
			det++
		default:
			step.Mode = "hardened:" + string(hardening)
			plan.JudgeCalls += step.SamplingRate
			hardened++
		}
		if len(c.Deterministic) > 0 {
			step.Severity = c.severity(cs.Defaults)
			if step.Severity == "" {
				step.Severity = string(verify.StatusViolation)
			}
			for _, a := range c.Deterministic {
				step.Assertions = append(step.Assertions, a.Type)
			}
		}
		plan.Steps = append(plan.Steps, step)
	}
	plan.Summary = fmt.Sprintf("%d deterministic, %d semantic, %d hardened with semantic sampling", det, sem, hardened)
	return plan, nil
}

// Terms returns the natural-language terms of every commitment, one per
// line, in declaration order.
func Terms(cs ContractSpec) string {
	lines := make([]string, len(cs.Commitments))
	for i, c := range cs.Commitments {
		lines[i] = c.Terms
	}
	return strings.Join(lines, "\n")
}
