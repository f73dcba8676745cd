package spec

import (
	"fmt"
	"math"
	"strings"

	"github.com/cgast/obsagent/pkg/checks"
	"github.com/cgast/obsagent/pkg/verify"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult holds all validation errors for a contract document.
type ValidationResult struct {
	Errors []ValidationError
}

// Valid returns true if no validation errors were found.
func (r ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Error returns a combined error message from all validation errors.
func (r ValidationResult) Error() string {
	if r.Valid() {
		return ""
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

func (r *ValidationResult) add(field, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidateContract checks a contract document for required fields and
// structural correctness. Assertions are compiled, so malformed patterns,
// schemas and expressions are reported here rather than at verification time.
func ValidateContract(cs ContractSpec) ValidationResult {
	var result ValidationResult

	if cs.APIVersion == "" {
		result.add("apiVersion", "required")
	} else if cs.APIVersion != APIVersion {
		result.add("apiVersion", "unsupported version %q (expected %s)", cs.APIVersion, APIVersion)
	}
	if cs.Kind == "" {
		result.add("kind", "required")
	} else if cs.Kind != Kind {
		result.add("kind", "unsupported kind %q (expected %s)", cs.Kind, Kind)
	}
	if cs.Meta.Name == "" {
		result.add("meta.name", "required")
	}

	validateDefaults(&result, cs.Defaults)
	validateHandlerNames(&result, "on_violation", cs.OnViolation)

	if len(cs.Commitments) == 0 {
		result.add("commitments", "at least one commitment is required")
	}
	names := make(map[string]bool)
	for i, c := range cs.Commitments {
		field := fmt.Sprintf("commitments[%d]", i)
		switch {
		case strings.TrimSpace(c.Name) == "":
			result.add(field+".name", "required")
		case names[c.Name]:
			result.add(field+".name", "duplicate commitment name %q", c.Name)
		default:
			names[c.Name] = true
		}
		if strings.TrimSpace(c.Terms) == "" {
			result.add(field+".terms", "required")
		}
		if c.SemanticSamplingRate != nil {
			validateRate(&result, field+".semantic_sampling_rate", *c.SemanticSamplingRate)
		}
		if c.Hardening != "" {
			if _, err := verify.ParseHardening(c.Hardening); err != nil {
				result.add(field+".hardening", "%v", err)
			}
		}
		if c.Severity != "" {
			validateSeverity(&result, field+".severity", c.Severity)
		}
		for j, a := range c.Deterministic {
			if _, err := checks.Compile(a); err != nil {
				result.add(fmt.Sprintf("%s.deterministic[%d]", field, j), "%v", err)
			}
		}
		validateHandlerNames(&result, field+".on_violation", c.OnViolation)
	}

	paramNames := make(map[string]bool)
	for i, p := range cs.Params {
		field := fmt.Sprintf("params[%d].name", i)
		switch {
		case p.Name == "":
			result.add(field, "required")
		case paramNames[p.Name]:
			result.add(field, "duplicate param name %q", p.Name)
		default:
			paramNames[p.Name] = true
		}
	}

	return result
}

func validateDefaults(result *ValidationResult, d Defaults) {
	if d.SemanticSamplingRate != nil {
		validateRate(result, "defaults.semantic_sampling_rate", *d.SemanticSamplingRate)
	}
	if d.Hardening != "" {
		if _, err := verify.ParseHardening(d.Hardening); err != nil {
			result.add("defaults.hardening", "%v", err)
		}
	}
	if d.Severity != "" {
		validateSeverity(result, "defaults.severity", d.Severity)
	}
}

func validateRate(result *ValidationResult, field string, rate float64) {
	if math.IsNaN(rate) || rate < 0 || rate > 1 {
		result.add(field, "must be within [0, 1], got %v", rate)
	}
}

func validateSeverity(result *ValidationResult, field, s string) {
	switch verify.Status(s) {
	case verify.StatusWarning, verify.StatusViolation, verify.StatusCritical:
	default:
		result.add(field, "must be warning, violation or critical, got %q", s)
	}
}

func validateHandlerNames(result *ValidationResult, field string, names []string) {
	for i, n := range names {
		if strings.TrimSpace(n) == "" {
			result.add(fmt.Sprintf("%s[%d]", field, i), "empty handler name")
		}
	}
}
