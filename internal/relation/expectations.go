package relation

import (
	"fmt"
	"os"

	"github.com/ppiankov/patternlens/internal/model"
	"gopkg.in/yaml.v3"
)

type expectationKey struct {
	version string
	message string
	section string
}

// Expectations lists, per (version, message, section), the semantic reference
// names that the schema requires. An empty version applies to every version.
type Expectations struct {
	entries map[expectationKey][]string
}

// NewExpectations indexes expectation configs
func NewExpectations(configs []model.ExpectationConfig) *Expectations {
	e := &Expectations{entries: make(map[expectationKey][]string)}
	for _, c := range configs {
		key := expectationKey{version: c.Version, message: c.Message, section: c.Section}
		e.entries[key] = append(e.entries[key], c.References...)
	}
	return e
}

// LoadExpectations reads a YAML list of expectation entries
func LoadExpectations(path string) (*Expectations, error) {
	configs, err := ReadExpectationConfigs(path)
	if err != nil {
		return nil, err
	}
	return NewExpectations(configs), nil
}

// ReadExpectationConfigs parses a YAML list of expectation entries
func ReadExpectationConfigs(path string) ([]model.ExpectationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read expectations: %w", err)
	}

	var configs []model.ExpectationConfig
	if err := yaml.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("parse expectations %s: %w", path, err)
	}
	return configs, nil
}

// For returns the expected reference names of a section. Version-specific
// entries are combined with version-independent ones.
func (e *Expectations) For(version, message, section string) []string {
	if e == nil {
		return nil
	}
	names := append([]string(nil), e.entries[expectationKey{version: version, message: message, section: section}]...)
	if version != "" {
		names = append(names, e.entries[expectationKey{message: message, section: section}]...)
	}
	return names
}

// IsExpected reports whether a semantic reference name is configured for a section
func (e *Expectations) IsExpected(version, message, section, name string) bool {
	want := Normalize(name)
	if want == "" {
		return false
	}
	for _, n := range e.For(version, message, section) {
		if Normalize(n) == want {
			return true
		}
	}
	return false
}
