package jobspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a job spec from the given file path.
//
// YAML and JSON are both accepted. The raw document is validated against the
// embedded schema before decoding, so unknown fields are rejected.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job spec not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading job spec: %s", path)
		}
		return nil, fmt.Errorf("failed to read job spec: %w", err)
	}

	spec, err := LoadFromBytes(data, path)
	if err != nil {
		return nil, err
	}

	// Relative paths in a spec file resolve against the file's directory.
	base := filepath.Dir(path)
	spec.WorkDir = resolveRelative(base, spec.WorkDir)
	spec.Checkpoint.Dir = resolveRelative(base, spec.Checkpoint.Dir)
	spec.Allocation.Hostfile = resolveRelative(base, spec.Allocation.Hostfile)
	return spec, nil
}

// LoadFromReader reads and validates a job spec from r.
func LoadFromReader(r io.Reader, path string) (*Spec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read job spec: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes validates and decodes a job spec.
func LoadFromBytes(data []byte, path string) (*Spec, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("job spec is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	// YAML is a superset of JSON and decodes duration strings.
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("invalid job spec: %w", err)
	}

	spec.ApplyDefaults()
	if err := spec.Check(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func toJSON(data []byte, path string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in job spec: %w", err)
		}
		return data, nil
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in job spec: %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert job spec to JSON: %w", err)
	}
	return jsonData, nil
}

func resolveRelative(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
