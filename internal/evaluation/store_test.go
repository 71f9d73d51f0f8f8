package evaluation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestResultStoreConcurrentApply(t *testing.T) {
	store := NewResultStore()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch := map[string]RuleResult{
				fmt.Sprintf("rule-%d-a", i): {Value: i},
				fmt.Sprintf("rule-%d-b", i): {Value: i},
			}
			if err := store.Apply(1, batch); err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(store.Snapshot(1).Results); got != 40 {
		t.Fatalf("expected 40 results, got %d", got)
	}
}

func TestResultStoreFreeze(t *testing.T) {
	store := NewResultStore()
	store.Freeze(2)

	if err := store.Apply(2, map[string]RuleResult{"x": {}}); !errors.Is(err, ErrStageFrozen) {
		t.Fatalf("expected ErrStageFrozen, got %v", err)
	}
	if err := store.MarkCannotEvaluate(2, singleRule("x", 2, 1), "late"); !errors.Is(err, ErrStageFrozen) {
		t.Fatalf("expected ErrStageFrozen, got %v", err)
	}
	if err := store.Apply(4, nil); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
}

func TestResultStoreSingleOutcomePerRule(t *testing.T) {
	store := NewResultStore()
	rule := singleRule("x", 1, 1)

	if err := store.Apply(1, map[string]RuleResult{"x": {Value: 1}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := store.MarkCannotEvaluate(1, rule, "late failure"); err != nil {
		t.Fatalf("mark: %v", err)
	}

	other := singleRule("y", 1, 2)
	for range 2 {
		if err := store.MarkCannotEvaluate(1, other, "failed"); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}

	snapshot := store.Snapshot(1)
	if len(snapshot.CannotEvaluate) != 1 || snapshot.CannotEvaluate[0].FieldName != "y" {
		t.Fatalf("unexpected ledger: %+v", snapshot.CannotEvaluate)
	}
	if !store.Settled(1, "x") || !store.Settled(1, "y") || store.Settled(1, "z") {
		t.Fatalf("unexpected settled state")
	}
}

func TestStageResultsJSONLayout(t *testing.T) {
	stage := StageResults{
		Results:        map[string]RuleResult{"x": {Value: "v", Type: "Core"}},
		CannotEvaluate: []CannotEvaluateEntry{{FieldName: "y", Type: "Core", SubType: "None", Reason: "r"}},
	}

	data, err := json.Marshal(stage)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw[cannotEvaluateKey]; !ok {
		t.Fatalf("expected ledger under %s, got %s", cannotEvaluateKey, data)
	}

	var decoded StageResults
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Results["x"].Value != "v" || len(decoded.CannotEvaluate) != 1 {
		t.Fatalf("unexpected decoded stage: %+v", decoded)
	}
}
