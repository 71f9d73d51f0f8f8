package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSetSortedByStageAndOrder(t *testing.T) {
	set, err := NewSet([]Rule{
		{Name: "a", Stage: 2, Order: 1},
		{Name: "b", Stage: 1, Order: 2},
		{Name: "c", Stage: 1, Order: 1},
		{Name: "d", Stage: 3, Order: 1},
	}, nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := set.Names()
	want := []string{"c", "b", "a", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected order: %v", got)
		}
	}
}

func TestSetTieBreakIsStable(t *testing.T) {
	input := []Rule{
		{Name: "zeta", Stage: 1, Order: 1},
		{Name: "alpha", Stage: 1, Order: 1},
	}

	for range 5 {
		set, err := NewSet(input, nil, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if names := set.Names(); names[0] != "alpha" || names[1] != "zeta" {
			t.Fatalf("unexpected tie-break: %v", names)
		}
	}
}

func TestNewSetValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		rules []Rule
	}{
		{name: "duplicate", rules: []Rule{{Name: "x", Stage: 1}, {Name: "x", Stage: 2}}},
		{name: "empty name", rules: []Rule{{Name: "  ", Stage: 1}}},
		{name: "stage out of range", rules: []Rule{{Name: "x", Stage: 4}}},
		{name: "negative weight", rules: []Rule{{Name: "x", Stage: 1, Weight: -1}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewSet(tc.rules, nil, "")
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestSetAppliesDefaultModel(t *testing.T) {
	set, err := NewSet([]Rule{{Name: "x", Stage: 1}, {Name: "y", Stage: 1, Model: "custom"}}, nil, "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if r, _ := set.Rule("x"); r.Model != "m1" {
		t.Fatalf("expected default model, got %q", r.Model)
	}
	if r, _ := set.Rule("y"); r.Model != "custom" {
		t.Fatalf("expected rule model to be kept, got %q", r.Model)
	}
}

func TestSetReturnsCopies(t *testing.T) {
	set, err := NewSet([]Rule{{Name: "x", Stage: 1, DataDependency: []string{"a"}}}, nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r, _ := set.Rule("x")
	r.DataDependency[0] = "mutated"

	again, _ := set.Rule("x")
	if again.DataDependency[0] != "a" {
		t.Fatalf("rule set was mutated through a returned copy")
	}
}

func TestBaseInstruction(t *testing.T) {
	set, err := NewSet(nil, []Step{
		{Name: "p", Type: StepTypePrompt, Stage: 1, Instruction: "prompt"},
		{Name: "sys", Type: StepTypeSystemInstruction, Stage: 0, Instruction: "  be strict  "},
	}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := set.BaseInstruction()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "be strict" {
		t.Fatalf("unexpected instruction: %q", got)
	}

	empty, _ := NewSet(nil, nil, "")
	var cfgErr *ConfigError
	if _, err := empty.BaseInstruction(); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestPromptStepMatchesPromptRulesOnly(t *testing.T) {
	set, err := NewSet(nil, []Step{{Name: "p2", Type: StepTypePrompt, Stage: 2, Instruction: "stage two"}}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := set.PromptStep(2, TypeCore); ok {
		t.Fatalf("core rules must not be overridden by prompt steps")
	}
	if _, ok := set.PromptStep(1, StepTypePrompt); ok {
		t.Fatalf("step from another stage must not match")
	}
	step, ok := set.PromptStep(2, StepTypePrompt)
	if !ok || step.Instruction != "stage two" {
		t.Fatalf("expected stage two step, got %+v", step)
	}
}

func TestRulePredicates(t *testing.T) {
	r := Rule{Type: TypeCore, ContributesToOverall: true, ValueType: ValueDecimal, HistoryHandling: []string{"keep", HistoryPreClear}}
	if !r.Batchable() {
		t.Fatalf("expected rule to be batchable")
	}
	if !r.Scored() {
		t.Fatalf("expected rule to be scored")
	}

	r.ValueType = ValueList
	if r.Scored() {
		t.Fatalf("list rules must not be scored")
	}
}

func TestLoadJSONAndYAML(t *testing.T) {
	dir := t.TempDir()

	rulesJSON := `{
  "_meta": {"version": "1"},
  "years_experience": {
    "Stage": "1", "Order": "2", "Description": "Years of experience",
    "Model": ["gpt-4"], "Hist Handling": ["pre_clear"],
    "Weight": "2", "value_type": "Integer",
    "is_contribute_rating_overall": "True", "Type": "Core", "Sub_Type": "Experience"
  },
  "summary": {
    "Stage": 3, "Description": "Summary", "Data Dependency": ["years_experience"],
    "Type": "Summary"
  }
}`
	stepsYAML := `
base:
  Type: System Instruction
  Stage: 0
  Instruction: Evaluate the resume.
`
	rulesPath := filepath.Join(dir, "rules.json")
	stepsPath := filepath.Join(dir, "steps.yaml")
	if err := os.WriteFile(rulesPath, []byte(rulesJSON), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	if err := os.WriteFile(stepsPath, []byte(stepsYAML), 0o600); err != nil {
		t.Fatalf("write steps: %v", err)
	}

	set, err := Load(rulesPath, stepsPath, "default-model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if set.Len() != 2 {
		t.Fatalf("expected 2 rules, got %d", set.Len())
	}

	years, ok := set.Rule("years_experience")
	if !ok {
		t.Fatalf("years_experience not loaded")
	}
	if years.Stage != 1 || years.Order != 2 || years.Weight != 2 {
		t.Fatalf("unexpected numeric fields: %+v", years)
	}
	if !years.ContributesToOverall || years.Model != "gpt-4" || !years.Batchable() {
		t.Fatalf("unexpected rule: %+v", years)
	}

	summary, _ := set.Rule("summary")
	if summary.Order != 1 || summary.Model != "default-model" {
		t.Fatalf("expected defaults to apply, got %+v", summary)
	}
	if len(summary.DataDependency) != 1 || summary.DataDependency[0] != "years_experience" {
		t.Fatalf("unexpected data dependency: %v", summary.DataDependency)
	}

	if _, err := set.BaseInstruction(); err != nil {
		t.Fatalf("expected base instruction from yaml steps: %v", err)
	}
}

func TestLoadUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := Load(path, path, "")
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
