package automation

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ModifierPolicy decides the add_modifiers flag. Runs use the default;
// rollbacks consult the per-rule overrides. The mapping is deployment
// configuration, never a hardcoded rule branch.
type ModifierPolicy struct {
	DefaultAddModifiers bool                `yaml:"default_add_modifiers" json:"default_add_modifiers"`
	Rules               []RuleModifierEntry `yaml:"rules" json:"rules"`

	byRule map[RuleNumber]bool
}

type RuleModifierEntry struct {
	RuleNumber   string `yaml:"rule_number" json:"rule_number"`
	AddModifiers bool   `yaml:"add_modifiers" json:"add_modifiers"`
}

func DefaultModifierPolicy() *ModifierPolicy {
	p := &ModifierPolicy{DefaultAddModifiers: true}
	p.index()
	return p
}

// LoadModifierPolicy reads a YAML policy file. An empty path yields the
// default policy.
func LoadModifierPolicy(path string) (*ModifierPolicy, error) {
	if path == "" {
		return DefaultModifierPolicy(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading modifier policy: %w", err)
	}
	return ParseModifierPolicy(content)
}

func ParseModifierPolicy(content []byte) (*ModifierPolicy, error) {
	p := &ModifierPolicy{DefaultAddModifiers: true}
	if err := yaml.Unmarshal(content, p); err != nil {
		return nil, fmt.Errorf("parsing modifier policy: %w", err)
	}
	for i, entry := range p.Rules {
		if ParseRuleNumber(entry.RuleNumber) == "" {
			return nil, fmt.Errorf("modifier policy entry %d has no rule_number", i)
		}
	}
	p.index()
	return p, nil
}

func (p *ModifierPolicy) index() {
	p.byRule = make(map[RuleNumber]bool, len(p.Rules))
	for _, entry := range p.Rules {
		p.byRule[ParseRuleNumber(entry.RuleNumber)] = entry.AddModifiers
	}
}

// ForRule returns the flag for a single rule.
func (p *ModifierPolicy) ForRule(rule RuleNumber) bool {
	if v, ok := p.byRule[rule]; ok {
		return v
	}
	return p.DefaultAddModifiers
}
