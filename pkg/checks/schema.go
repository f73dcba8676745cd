package checks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cgast/obsagent/pkg/execution"
)

var schemaSeq atomic.Uint64

// compileSchema compiles the assertion's expected value, given either as a
// JSON document string or as an inline map, into a Draft 2020-12 schema.
func compileSchema(a Assertion) (*jsonschema.Schema, error) {
	var doc string
	switch v := a.Expected.(type) {
	case nil:
		return nil, invalid("expected schema is required")
	case string:
		doc = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, invalid("schema is not JSON-encodable: %v", err)
		}
		doc = string(b)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://obsagent.schemas.local/assertion/%d.schema.json", schemaSeq.Add(1))
	if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
		return nil, invalid("schema load failed: %v", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, invalid("schema compile failed: %v", err)
	}
	return s, nil
}

// decodeJSON returns v as a JSON value. Strings holding JSON documents are
// parsed; other strings are validated as-is.
func decodeJSON(v any) any {
	if s, ok := v.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			return parsed
		}
		return s
	}
	return execution.Normalize(v)
}

func schemaOutcome(a Assertion, err error, actual string) (Outcome, error) {
	if err == nil {
		return Outcome{Passed: true, Actual: truncate(actual, 200), Expected: "matches schema"}, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return Outcome{}, err
	}
	return Outcome{
		Passed:   false,
		Actual:   truncate(actual, 200),
		Expected: "matches schema",
		Message:  message(a, false, fmt.Sprintf("schema validation failed: %v", ve)),
	}, nil
}

func compileOutputSchema(a Assertion) (Check, error) {
	s, err := compileSchema(a)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, exec *execution.Execution) (Outcome, error) {
		var parsed any
		if err := json.Unmarshal([]byte(exec.Output), &parsed); err != nil {
			return Outcome{
				Passed:   false,
				Actual:   truncate(exec.Output, 200),
				Expected: "JSON output",
				Message:  message(a, false, fmt.Sprintf("output is not valid JSON: %v", err)),
			}, nil
		}
		return schemaOutcome(a, s.Validate(parsed), exec.Output)
	}, nil
}

// compileResponseSchema validates the response of every call to a.Tool.
func compileResponseSchema(a Assertion) (Check, error) {
	if err := requireTool(a); err != nil {
		return nil, err
	}
	s, err := compileSchema(a)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, exec *execution.Execution) (Outcome, error) {
		calls := exec.CallsTo(a.Tool)
		if len(calls) == 0 {
			return Outcome{Passed: true, Actual: fmt.Sprintf("no calls to %s", a.Tool), Expected: "matches schema"}, nil
		}
		var last string
		for _, c := range calls {
			last = c.ResponseString()
			if err := s.Validate(decodeJSON(c.Response)); err != nil {
				return schemaOutcome(a, err, last)
			}
		}
		return schemaOutcome(a, nil, last)
	}, nil
}
