package execution

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads an execution record from a JSON or YAML file.
// The format is chosen by file extension; .yaml and .yml are YAML, anything else JSON.
func Load(path string) (*Execution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read execution %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

// ParseJSON decodes an execution record from JSON.
func ParseJSON(data []byte) (*Execution, error) {
	var e Execution
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse execution: %w", err)
	}
	return &e, nil
}

// ParseYAML decodes an execution record from YAML.
func ParseYAML(data []byte) (*Execution, error) {
	var e Execution
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse execution: %w", err)
	}
	return &e, nil
}
