package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultPlanDir points to the conventional location for plan definitions
// when loading from disk.
const DefaultPlanDir = "plans"

// ParseYAML decodes a plan definition from YAML bytes. JSON is accepted too
// since YAML is a superset.
func ParseYAML(data []byte) (*schema.PlanDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("loader: plan payload is empty")
	}
	var def schema.PlanDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("loader: decode plan: %w", err)
	}
	return &def, nil
}

// ParseJSON decodes a plan definition from JSON bytes.
func ParseJSON(data []byte) (*schema.PlanDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("loader: plan payload is empty")
	}
	var def schema.PlanDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("loader: decode plan: %w", err)
	}
	return &def, nil
}

// LoadReader reads a YAML plan definition from an io.Reader.
func LoadReader(r io.Reader) (*schema.PlanDefinition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("loader: read plan: %w", err)
	}
	return ParseYAML(content)
}

// LoadFile loads a plan definition from a file path. The decoder is picked by
// extension: .json uses the JSON decoder, everything else the YAML decoder.
func LoadFile(path string) (*schema.PlanDefinition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: read %s: %w", path, err)
	}

	var def *schema.PlanDefinition
	var parseErr error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		def, parseErr = ParseJSON(content)
	} else {
		def, parseErr = ParseYAML(content)
	}
	if parseErr != nil {
		return nil, fmt.Errorf("loader: %s: %w", path, parseErr)
	}
	return def, nil
}

// LoadDir loads every .yaml/.yml/.json plan definition in dir, sorted by
// file name. Subdirectories are not walked.
func LoadDir(dir string) ([]*schema.PlanDefinition, error) {
	if dir == "" {
		dir = DefaultPlanDir
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("loader: read dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	plans := make([]*schema.PlanDefinition, 0, len(names))
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		plans = append(plans, def)
	}
	return plans, nil
}
