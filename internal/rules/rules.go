package rules

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

const (
	// HistoryPreClear marks rules that start from an empty conversation. Such
	// rules can be evaluated together in one combined prompt.
	HistoryPreClear = "pre_clear"

	// TypeCore is the rule type that may contribute to the overall score.
	TypeCore = "Core"

	StepTypeSystemInstruction = "System Instruction"
	StepTypePrompt            = "Prompt"

	// DefaultModel is used when neither the rule nor the configuration names a model.
	DefaultModel = "gemini-2.5-pro"
)

// Stages lists the evaluation stages in execution order.
var Stages = []int{1, 2, 3}

// ValueType describes the shape of a rule's evaluated value.
type ValueType string

const (
	ValueInteger ValueType = "Integer"
	ValueDecimal ValueType = "Decimal"
	ValueString  ValueType = "String"
	ValueList    ValueType = "List"
)

// Rule is a single named evaluation criterion.
type Rule struct {
	Name                 string
	Stage                int
	Order                int
	Description          string
	Specification        string
	Model                string
	HistoryHandling      []string
	DataDependency       []string
	Weight               float64
	ValueType            ValueType
	ContributesToOverall bool
	Type                 string
	SubType              string
}

// HasHistoryPolicy reports whether the rule carries the given history handling tag.
func (r Rule) HasHistoryPolicy(tag string) bool {
	return slices.Contains(r.HistoryHandling, tag)
}

// Batchable reports whether the rule can share a combined prompt with other rules.
func (r Rule) Batchable() bool {
	return r.HasHistoryPolicy(HistoryPreClear)
}

// Numeric reports whether the rule's value is expected to be a number.
func (r Rule) Numeric() bool {
	return r.ValueType == ValueInteger || r.ValueType == ValueDecimal
}

// Scored reports whether the rule participates in the overall weighted score.
func (r Rule) Scored() bool {
	return r.Type == TypeCore && r.ContributesToOverall && r.Numeric()
}

func (r Rule) clone() Rule {
	r.HistoryHandling = slices.Clone(r.HistoryHandling)
	r.DataDependency = slices.Clone(r.DataDependency)
	return r
}

// Step is a declarative prompt template keyed by type and stage.
type Step struct {
	Name        string
	Type        string
	Stage       int
	Instruction string
}

// Set is the immutable collection of rules and steps used for one run.
type Set struct {
	rules  map[string]Rule
	sorted []string
	steps  []Step
}

// NewSet validates the rules and steps and builds an immutable Set.
// Rules without a model get defaultModel.
func NewSet(rules []Rule, steps []Step, defaultModel string) (*Set, error) {
	defaultModel = strings.TrimSpace(defaultModel)
	if defaultModel == "" {
		defaultModel = DefaultModel
	}

	set := &Set{
		rules: make(map[string]Rule, len(rules)),
		steps: slices.Clone(steps),
	}

	for _, rule := range rules {
		rule.Name = strings.TrimSpace(rule.Name)
		if rule.Name == "" {
			return nil, &ConfigError{Reason: "rule name must not be empty"}
		}
		if _, exists := set.rules[rule.Name]; exists {
			return nil, &ConfigError{Field: rule.Name, Reason: "duplicate rule name"}
		}
		if !slices.Contains(Stages, rule.Stage) {
			return nil, &ConfigError{Field: rule.Name, Reason: fmt.Sprintf("stage %d is out of range %v", rule.Stage, Stages)}
		}
		if rule.Weight < 0 {
			return nil, &ConfigError{Field: rule.Name, Reason: "weight must be >= 0"}
		}
		if strings.TrimSpace(rule.Model) == "" {
			rule.Model = defaultModel
		}

		set.rules[rule.Name] = rule.clone()
		set.sorted = append(set.sorted, rule.Name)
	}

	// Ties on (stage, order) fall back to the rule name so the plan is the
	// same on every run regardless of the source map ordering.
	sort.SliceStable(set.sorted, func(i, j int) bool {
		a, b := set.rules[set.sorted[i]], set.rules[set.sorted[j]]
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.Name < b.Name
	})

	return set, nil
}

// Len returns the number of rules.
func (s *Set) Len() int {
	return len(s.sorted)
}

// Rule returns a copy of the named rule.
func (s *Set) Rule(name string) (Rule, bool) {
	rule, ok := s.rules[name]
	if !ok {
		return Rule{}, false
	}
	return rule.clone(), true
}

// Sorted returns copies of all rules ordered by stage and order.
func (s *Set) Sorted() []Rule {
	out := make([]Rule, 0, len(s.sorted))
	for _, name := range s.sorted {
		out = append(out, s.rules[name].clone())
	}
	return out
}

// Names returns the rule names in execution order.
func (s *Set) Names() []string {
	return slices.Clone(s.sorted)
}

// BaseInstruction returns the stage 0 system instruction.
func (s *Set) BaseInstruction() (string, error) {
	for _, step := range s.steps {
		if step.Type == StepTypeSystemInstruction && step.Stage == 0 {
			if instruction := strings.TrimSpace(step.Instruction); instruction != "" {
				return instruction, nil
			}
		}
	}
	return "", &ConfigError{Field: "steps", Reason: "system instructions not found in evaluation steps"}
}

// PromptStep returns the prompt template overriding the synthesized prompt
// for rules of the given type in the given stage. Only rules typed as
// prompts are overridden.
func (s *Set) PromptStep(stage int, ruleType string) (Step, bool) {
	if ruleType != StepTypePrompt {
		return Step{}, false
	}
	for _, step := range s.steps {
		if step.Type == StepTypePrompt && step.Stage == stage && strings.TrimSpace(step.Instruction) != "" {
			return step, true
		}
	}
	return Step{}, false
}
