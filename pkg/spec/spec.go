// Package spec loads declarative contract documents and builds them into
// verification contracts.
package spec

import "github.com/cgast/obsagent/pkg/checks"

const (
	APIVersion = "obsagent/v1"
	Kind       = "Contract"
)

// ContractSpec is a contract document: the commitments an agent run is
// held to, with their evaluation policy.
type ContractSpec struct {
	APIVersion  string           `yaml:"apiVersion" json:"apiVersion"`
	Kind        string           `yaml:"kind" json:"kind"`
	Meta        SpecMeta         `yaml:"meta" json:"meta"`
	Params      []ParamDef       `yaml:"params,omitempty" json:"params,omitempty"`
	Defaults    Defaults         `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	OnViolation []string         `yaml:"on_violation,omitempty" json:"on_violation,omitempty"`
	Commitments []CommitmentSpec `yaml:"commitments" json:"commitments"`
}

// SpecMeta contains metadata about the contract.
type SpecMeta struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Author      string   `yaml:"author,omitempty" json:"author,omitempty"`
	Created     string   `yaml:"created,omitempty" json:"created,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// ParamDef defines a parameter interpolated into the document as {{name}}.
type ParamDef struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type,omitempty" json:"type,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Defaults apply to every commitment that does not set its own value.
type Defaults struct {
	SemanticSamplingRate *float64 `yaml:"semantic_sampling_rate,omitempty" json:"semantic_sampling_rate,omitempty"`
	Hardening            string   `yaml:"hardening,omitempty" json:"hardening,omitempty"`
	Severity             string   `yaml:"severity,omitempty" json:"severity,omitempty"`
}

// CommitmentSpec declares one commitment. Deterministic assertions, when
// present, form the commitment's deterministic checker; otherwise the
// commitment is judged semantically from its terms.
type CommitmentSpec struct {
	Name                 string             `yaml:"name" json:"name"`
	Terms                string             `yaml:"terms" json:"terms"`
	SemanticSamplingRate *float64           `yaml:"semantic_sampling_rate,omitempty" json:"semantic_sampling_rate,omitempty"`
	Hardening            string             `yaml:"hardening,omitempty" json:"hardening,omitempty"`
	Severity             string             `yaml:"severity,omitempty" json:"severity,omitempty"`
	Deterministic        []checks.Assertion `yaml:"deterministic,omitempty" json:"deterministic,omitempty"`
	OnViolation          []string           `yaml:"on_violation,omitempty" json:"on_violation,omitempty"`
}

// samplingRate resolves the commitment's rate against the defaults.
func (c CommitmentSpec) samplingRate(d Defaults) float64 {
	switch {
	case c.SemanticSamplingRate != nil:
		return *c.SemanticSamplingRate
	case d.SemanticSamplingRate != nil:
		return *d.SemanticSamplingRate
	}
	return 1.0
}

func (c CommitmentSpec) hardening(d Defaults) string {
	if c.Hardening != "" {
		return c.Hardening
	}
	return d.Hardening
}

func (c CommitmentSpec) severity(d Defaults) string {
	if c.Severity != "" {
		return c.Severity
	}
	return d.Severity
}
