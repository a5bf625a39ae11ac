package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/droverlabs/drover/pkg/types"
)

// Rule maps one task attribute to a priority. Matchers are optional; a rule
// fires when every matcher it declares holds. Rules are evaluated in file
// order and the first hit wins.
type Rule struct {
	// Type matches the task type exactly (case-insensitive).
	Type string `yaml:"type,omitempty"`
	// FilePrefix matches any of the task's file paths by prefix.
	FilePrefix string `yaml:"file_prefix,omitempty"`
	// Keyword matches a case-insensitive substring of the prompt.
	Keyword  string `yaml:"keyword,omitempty"`
	Priority string `yaml:"priority"`
}

// PriorityRules is the classification policy loaded from the priority-rules
// YAML file: an ordered rule list plus optional weight ladder overrides.
type PriorityRules struct {
	Weights map[string]float64 `yaml:"weights,omitempty"`
	Rules   []Rule             `yaml:"rules,omitempty"`
}

// DefaultRules returns an empty policy: no classification rules, canonical
// weight ladder.
func DefaultRules() *PriorityRules {
	return &PriorityRules{}
}

// LoadRules reads and validates a priority-rules file.
func LoadRules(path string) (*PriorityRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var rules PriorityRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	if err := rules.validate(); err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", path, err)
	}
	return &rules, nil
}

func (r *PriorityRules) validate() error {
	for i, rule := range r.Rules {
		if rule.Type == "" && rule.FilePrefix == "" && rule.Keyword == "" {
			return fmt.Errorf("rule %d has no matcher", i)
		}
		if _, err := types.ParsePriority(rule.Priority); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	for name := range r.Weights {
		if _, err := types.ParsePriority(name); err != nil {
			return fmt.Errorf("weight override: %w", err)
		}
	}
	return nil
}

// Classify returns the priority for a task, or the fallback when no rule
// matches. Rules fire in order; the first match wins.
func (r *PriorityRules) Classify(task *types.Task, fallback types.Priority) types.Priority {
	for _, rule := range r.Rules {
		if rule.matches(task) {
			p, err := types.ParsePriority(rule.Priority)
			if err != nil {
				continue
			}
			return p
		}
	}
	return fallback
}

func (rule *Rule) matches(task *types.Task) bool {
	if rule.Type != "" && !strings.EqualFold(rule.Type, task.Type) {
		return false
	}
	if rule.FilePrefix != "" {
		hit := false
		for _, f := range task.Files() {
			if strings.HasPrefix(f, rule.FilePrefix) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if rule.Keyword != "" && !strings.Contains(strings.ToLower(task.Prompt), strings.ToLower(rule.Keyword)) {
		return false
	}
	return true
}

// WeightLadder returns the effective weight per priority: the canonical
// ladder overlaid with any file overrides.
func (r *PriorityRules) WeightLadder() map[types.Priority]float64 {
	ladder := types.DefaultWeights()
	for name, w := range r.Weights {
		p, err := types.ParsePriority(name)
		if err != nil {
			continue
		}
		ladder[p] = w
	}
	return ladder
}
