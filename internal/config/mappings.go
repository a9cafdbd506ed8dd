package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mappings is the optional extension-mapping document referenced by
// customMappings. It overrides per-side file extensions and test suffixes,
// e.g. to sync .tsx instead of .jsx sources.
type Mappings struct {
	A MappingSide `yaml:"a"`
	B MappingSide `yaml:"b"`
}

// MappingSide overrides one side's extension conventions. Empty fields keep
// the defaults.
type MappingSide struct {
	Ext        string `yaml:"ext"`
	TestSuffix string `yaml:"testSuffix"`
}

// LoadMappings reads and decodes an extension-mapping document.
func LoadMappings(path string) (*Mappings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading custom mappings %s: %w", path, err)
	}
	var m Mappings
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding custom mappings %s: %w", path, err)
	}
	return &m, nil
}

func (m *Mappings) apply(p *Pair) {
	if m.A.Ext != "" {
		p.A.Ext = m.A.Ext
	}
	if m.A.TestSuffix != "" {
		p.A.TestSuffix = m.A.TestSuffix
	}
	if m.B.Ext != "" {
		p.B.Ext = m.B.Ext
	}
	if m.B.TestSuffix != "" {
		p.B.TestSuffix = m.B.TestSuffix
	}
}
