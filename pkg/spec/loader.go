package spec

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadContract reads a YAML contract document. Template variables like
// {{date}} and {{param_name}} are interpolated using params, falling back to
// the document's param defaults.
func LoadContract(path string, params map[string]string) (ContractSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ContractSpec{}, fmt.Errorf("read contract %s: %w", path, err)
	}
	return ParseContract(data, params)
}

// ParseContract parses YAML data into a ContractSpec. Variables are
// substituted inside scalar values after parsing, so a parameter value can
// never alter the document structure. A value that is only a variable must
// be quoted ("{{name}}"), as YAML reads a bare {{name}} as a mapping.
func ParseContract(data []byte, params map[string]string) (ContractSpec, error) {
	doc, vars, err := parseDocument(data, params)
	if err != nil {
		return ContractSpec{}, err
	}
	var cs ContractSpec
	if doc.Kind == 0 {
		return cs, nil
	}
	walkScalars(doc, func(n *yaml.Node) {
		n.Value = interpolateVars(n.Value, vars)
	})
	if err := doc.Decode(&cs); err != nil {
		return ContractSpec{}, fmt.Errorf("decode contract: %w", err)
	}
	return cs, nil
}

// parseDocument parses data into a node tree and builds the variable map
// from its param defaults and the overrides in params.
func parseDocument(data []byte, params map[string]string) (*yaml.Node, map[string]string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse contract: %w", err)
	}
	var head struct {
		Params []ParamDef `yaml:"params"`
	}
	if doc.Kind != 0 {
		if err := doc.Decode(&head); err != nil {
			return nil, nil, fmt.Errorf("parse contract params: %w", err)
		}
	}
	return &doc, buildVarMap(head.Params, params), nil
}

func walkScalars(n *yaml.Node, fn func(*yaml.Node)) {
	if n.Kind == yaml.ScalarNode {
		fn(n)
		return
	}
	for _, c := range n.Content {
		walkScalars(c, fn)
	}
}

// Marshal renders a contract document as YAML.
func Marshal(cs ContractSpec) ([]byte, error) {
	return yaml.Marshal(cs)
}

// buildVarMap creates a variable map from built-ins, param defaults and
// runtime overrides, in increasing precedence.
func buildVarMap(paramDefs []ParamDef, overrides map[string]string) map[string]string {
	vars := make(map[string]string)

	now := time.Now()
	vars["date"] = now.Format("2006-01-02")
	vars["datetime"] = now.Format("2006-01-02T15:04:05")
	vars["year"] = now.Format("2006")

	for _, p := range paramDefs {
		if p.Default != nil {
			vars[p.Name] = fmt.Sprintf("%v", p.Default)
		}
	}
	for k, v := range overrides {
		vars[k] = v
	}
	return vars
}

var templatePattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// interpolateVars replaces {{var_name}} patterns. Unknown variables are left as-is.
func interpolateVars(s string, vars map[string]string) string {
	return templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "{{"), "}}")
		if val, ok := vars[name]; ok {
			return val
		}
		return match
	})
}

// Unresolved returns the template variables still present in data after
// interpolation with params, in document order.
func Unresolved(data []byte, params map[string]string) []string {
	doc, vars, err := parseDocument(data, params)
	if err != nil {
		return nil
	}
	var names []string
	walkScalars(doc, func(n *yaml.Node) {
		for _, m := range templatePattern.FindAllStringSubmatch(interpolateVars(n.Value, vars), -1) {
			if !slices.Contains(names, m[1]) {
				names = append(names, m[1])
			}
		}
	})
	return names
}
