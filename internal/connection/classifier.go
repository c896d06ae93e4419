package connection

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Close classes.
const (
	ClassNetworkDisconnection = "network-disconnection"
	ClassRecoverable          = "recoverable"
)

// CloseRule is the handling chosen for a transport close code.
type CloseRule struct {
	Class  string `yaml:"class"`
	Reason string `yaml:"reason"`
}

// CloseCodeTable classifies transport close codes.
type CloseCodeTable struct {
	Default CloseRule         `yaml:"default"`
	Codes   map[int]CloseRule `yaml:"codes"`
}

// DefaultCloseCodeTable maps 1006 to a network disconnection and every other
// code to a recoverable close with an empty logout reason.
func DefaultCloseCodeTable() *CloseCodeTable {
	return &CloseCodeTable{
		Default: CloseRule{Class: ClassRecoverable},
		Codes: map[int]CloseRule{
			1006: {Class: ClassNetworkDisconnection, Reason: "network-disconnection"},
		},
	}
}

// ParseCloseCodeTable decodes a YAML table. Missing classes default to
// recoverable.
func ParseCloseCodeTable(data []byte) (*CloseCodeTable, error) {
	var t CloseCodeTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse close code table: %w", err)
	}
	if err := t.normalize(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadCloseCodeTable reads a YAML table from path.
func LoadCloseCodeTable(path string) (*CloseCodeTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read close code table: %w", err)
	}
	return ParseCloseCodeTable(data)
}

func (t *CloseCodeTable) normalize() error {
	if t.Default.Class == "" {
		t.Default.Class = ClassRecoverable
	}
	if err := checkClass(t.Default.Class); err != nil {
		return fmt.Errorf("default: %w", err)
	}
	for code, rule := range t.Codes {
		if rule.Class == "" {
			rule.Class = ClassRecoverable
		}
		if err := checkClass(rule.Class); err != nil {
			return fmt.Errorf("code %d: %w", code, err)
		}
		t.Codes[code] = rule
	}
	return nil
}

func checkClass(class string) error {
	switch class {
	case ClassNetworkDisconnection, ClassRecoverable:
		return nil
	default:
		return fmt.Errorf("unknown close class %q", class)
	}
}

// Classify returns the rule for code.
func (t *CloseCodeTable) Classify(code int) CloseRule {
	if rule, ok := t.Codes[code]; ok {
		return rule
	}
	return t.Default
}
