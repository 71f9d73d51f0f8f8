package evaluation

import (
	"fmt"
	"sync"

	"github.com/spigell/doc-evaluator/internal/rules"
)

type stageStore struct {
	mu      sync.Mutex
	results StageResults
	frozen  bool
}

// ResultStore collects per-stage results. Each stage has its own lock so
// concurrent batches apply their results atomically.
type ResultStore struct {
	stages map[int]*stageStore
}

func NewResultStore() *ResultStore {
	s := &ResultStore{stages: make(map[int]*stageStore, len(rules.Stages))}
	for _, stage := range rules.Stages {
		s.stages[stage] = &stageStore{results: StageResults{Results: make(map[string]RuleResult)}}
	}
	return s
}

func (s *ResultStore) stage(stage int) (*stageStore, error) {
	st, ok := s.stages[stage]
	if !ok {
		return nil, fmt.Errorf("unknown stage %d", stage)
	}
	return st, nil
}

// Apply stores all results of one unit of work in a single critical section.
func (s *ResultStore) Apply(stage int, results map[string]RuleResult) error {
	st, err := s.stage(stage)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.frozen {
		return fmt.Errorf("apply results to stage %d: %w", stage, ErrStageFrozen)
	}
	for name, result := range results {
		st.results.Results[name] = result
	}
	return nil
}

// MarkCannotEvaluate appends a ledger entry unless the rule already has an
// outcome in this stage.
func (s *ResultStore) MarkCannotEvaluate(stage int, rule rules.Rule, reason string) error {
	st, err := s.stage(stage)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.frozen {
		return fmt.Errorf("mark %s in stage %d: %w", rule.Name, stage, ErrStageFrozen)
	}
	if _, ok := st.results.Results[rule.Name]; ok {
		return nil
	}
	for _, entry := range st.results.CannotEvaluate {
		if entry.FieldName == rule.Name {
			return nil
		}
	}

	st.results.CannotEvaluate = append(st.results.CannotEvaluate, CannotEvaluateEntry{
		FieldName: rule.Name,
		Type:      valueOr(rule.Type, "Unknown"),
		SubType:   valueOr(rule.SubType, "Unknown"),
		Reason:    reason,
	})
	return nil
}

// Settled reports whether the rule has a result or a ledger entry.
func (s *ResultStore) Settled(stage int, name string) bool {
	st, err := s.stage(stage)
	if err != nil {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.results.Results[name]; ok {
		return true
	}
	for _, entry := range st.results.CannotEvaluate {
		if entry.FieldName == name {
			return true
		}
	}
	return false
}

// Freeze closes the stage for writes.
func (s *ResultStore) Freeze(stage int) {
	if st, err := s.stage(stage); err == nil {
		st.mu.Lock()
		st.frozen = true
		st.mu.Unlock()
	}
}

// Snapshot returns a copy of the stage results.
func (s *ResultStore) Snapshot(stage int) StageResults {
	st, err := s.stage(stage)
	if err != nil {
		return StageResults{Results: map[string]RuleResult{}}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.results.clone()
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
