// Package rules provides a YAML-based rules engine for transaction
// categorization.
package rules

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
)

//go:embed rules.yaml
var embeddedRules []byte

// MatchType defines how patterns are matched against merchant strings.
type MatchType string

const (
	// MatchTypeExact requires the pattern to match the entire merchant exactly.
	MatchTypeExact MatchType = "exact"
	// MatchTypeContains requires the pattern to be a substring of the merchant.
	MatchTypeContains MatchType = "contains"
)

// Rule is a single categorization rule. Rules marked Transfer describe
// movements between the user's own accounts; the orchestrator neutralizes
// their flow so they never count as income or spending.
//
// Rules should be created via YAML loading (NewEngine, LoadEmbedded,
// LoadFromFile) or NewRule; direct struct construction bypasses validation.
type Rule struct {
	Name      string    `yaml:"name"`
	Pattern   string    `yaml:"pattern"`
	MatchType MatchType `yaml:"match_type"`
	Priority  int       `yaml:"priority"`
	Category  string    `yaml:"category"`
	Transfer  bool      `yaml:"transfer"`
}

func validateRule(rule Rule) error {
	if !domain.ValidateCategory(domain.Category(rule.Category)) {
		return fmt.Errorf("invalid category %q", rule.Category)
	}
	if rule.Priority < 0 || rule.Priority > 999 {
		return fmt.Errorf("priority must be in [0,999], got %d", rule.Priority)
	}
	if rule.MatchType != MatchTypeExact && rule.MatchType != MatchTypeContains {
		return fmt.Errorf("invalid match_type %q (must be 'exact' or 'contains')", rule.MatchType)
	}
	if strings.TrimSpace(rule.Pattern) == "" {
		return fmt.Errorf("pattern cannot be empty")
	}
	if rule.Transfer && rule.Category != string(domain.CategoryTransfer) {
		return fmt.Errorf("transfer=true requires category %q, got %q", domain.CategoryTransfer, rule.Category)
	}
	return nil
}

// NewRule creates a validated rule for programmatic construction. YAML
// loading via NewEngine performs equivalent validation automatically.
func NewRule(name, pattern string, matchType MatchType, priority int, category string, transfer bool) (*Rule, error) {
	rule := Rule{
		Name:      name,
		Pattern:   pattern,
		MatchType: matchType,
		Priority:  priority,
		Category:  category,
		Transfer:  transfer,
	}
	if err := validateRule(rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// RuleSet is the top-level YAML structure.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// Engine performs rule matching on merchant strings.
type Engine struct {
	rules []Rule // Sorted by priority (highest first)
}

// MatchResult is the outcome of applying a rule.
type MatchResult struct {
	Category domain.Category
	Transfer bool
	RuleName string // For debugging
}

// NewEngine creates a rules engine from YAML data.
func NewEngine(rulesData []byte) (*Engine, error) {
	var ruleSet RuleSet
	if err := yaml.Unmarshal(rulesData, &ruleSet); err != nil {
		return nil, fmt.Errorf("failed to parse YAML rules (check syntax, indentation, and field names): %w", err)
	}

	for i, rule := range ruleSet.Rules {
		if err := validateRule(rule); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Name, err)
		}
	}

	// Sort by priority, highest first. SliceStable preserves YAML file
	// order for equal priorities so matching stays deterministic.
	sortedRules := make([]Rule, len(ruleSet.Rules))
	copy(sortedRules, ruleSet.Rules)
	sort.SliceStable(sortedRules, func(i, j int) bool {
		return sortedRules[i].Priority > sortedRules[j].Priority
	})

	return &Engine{rules: sortedRules}, nil
}

// LoadEmbedded loads the embedded rules.yaml file.
func LoadEmbedded() (*Engine, error) {
	engine, err := NewEngine(embeddedRules)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded rules (possible binary corruption): %w", err)
	}
	return engine, nil
}

// LoadFromFile loads rules from a filesystem path.
func LoadFromFile(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	engine, err := NewEngine(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules from %q: %w", path, err)
	}
	return engine, nil
}

// Match applies rules to a merchant string and returns the first match.
// Rules are evaluated in priority order, highest first; equal priorities
// keep their YAML file order. Returns (nil, false) if no rules match.
func (e *Engine) Match(merchant string) (*MatchResult, bool) {
	normalized := strings.ToLower(strings.TrimSpace(merchant))

	for _, rule := range e.rules {
		pattern := strings.ToLower(strings.TrimSpace(rule.Pattern))

		matched := false
		switch rule.MatchType {
		case MatchTypeExact:
			matched = normalized == pattern
		case MatchTypeContains:
			matched = strings.Contains(normalized, pattern)
		}

		if matched {
			return &MatchResult{
				Category: domain.Category(rule.Category),
				Transfer: rule.Transfer,
				RuleName: rule.Name,
			}, true
		}
	}

	return nil, false
}

// GetRules returns a copy of the rules in priority order for inspection.
func (e *Engine) GetRules() []Rule {
	result := make([]Rule, len(e.rules))
	copy(result, e.rules)
	return result
}
