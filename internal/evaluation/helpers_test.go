package evaluation

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spigell/doc-evaluator/internal/ai"
	"github.com/spigell/doc-evaluator/internal/document"
	"github.com/spigell/doc-evaluator/internal/rules"
)

// fakeClient answers every call with a JSON object holding one value per
// label. respond can override the reply for a given call.
type fakeClient struct {
	mu          sync.Mutex
	calls       []ai.Call
	values      map[string]any
	respond     func(call ai.Call, attempt int) (string, error)
	attempts    map[string]int
	delay       time.Duration
	inFlight    int
	maxInFlight int
}

func newFakeClient(values map[string]any) *fakeClient {
	return &fakeClient{values: values, attempts: make(map[string]int)}
}

func (f *fakeClient) Generate(ctx context.Context, call ai.Call) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.attempts[call.Label]++
	attempt := f.attempts[call.Label]
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	if f.respond != nil {
		if reply, err := f.respond(call, attempt); reply != "" || err != nil {
			return reply, err
		}
	}

	payload := make(map[string]any)
	for _, name := range strings.Split(call.Label, ",") {
		if v, ok := f.values[name]; ok {
			payload[name] = v
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return "Here is the evaluation:\n```json\n" + string(data) + "\n```", nil
}

func (f *fakeClient) labels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, call := range f.calls {
		out[i] = call.Label
	}
	return out
}

func (f *fakeClient) callsFor(label string) []ai.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ai.Call
	for _, call := range f.calls {
		if call.Label == label {
			out = append(out, call)
		}
	}
	return out
}

func baseStep() rules.Step {
	return rules.Step{Name: "base", Type: rules.StepTypeSystemInstruction, Stage: 0, Instruction: "Evaluate carefully."}
}

func newTestSet(t *testing.T, steps []rules.Step, ruleList ...rules.Rule) *rules.Set {
	t.Helper()
	set, err := rules.NewSet(ruleList, append([]rules.Step{baseStep()}, steps...), "model-a")
	if err != nil {
		t.Fatalf("build rule set: %v", err)
	}
	return set
}

func batchRule(name string, stage, order int) rules.Rule {
	return rules.Rule{
		Name:            name,
		Stage:           stage,
		Order:           order,
		Description:     "describe " + name,
		HistoryHandling: []string{rules.HistoryPreClear},
		Type:            rules.TypeCore,
	}
}

func singleRule(name string, stage, order int) rules.Rule {
	return rules.Rule{
		Name:        name,
		Stage:       stage,
		Order:       order,
		Description: "describe " + name,
		Type:        "Profile",
	}
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.BatchStagger = 0
	opts.RuleDelay = 0
	opts.StagePause = 0
	fast := RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxElapsed: time.Second}
	opts.BatchRetry = fast
	opts.BatchRetry.MaxAttempts = 3
	opts.RateLimitRetry = fast
	opts.RateLimitRetry.MaxAttempts = 3
	opts.RuleRetry = fast
	opts.RuleRetry.MaxAttempts = 5
	opts.Now = func() time.Time { return time.Date(2024, 5, 17, 10, 0, 0, 0, time.UTC) }
	return opts
}

func testDocument() document.Document {
	return document.Document{Path: "/tmp/jane.txt", Text: "Jane Doe\nGo engineer"}
}

func runEvaluation(t *testing.T, e *Evaluator, client ai.Client) (*Report, error) {
	t.Helper()
	session, err := e.NewSession(client, testDocument())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return e.Run(context.Background(), testDocument(), session)
}

// outcomes counts, per rule, how many results and ledger entries exist.
func outcomes(report *Report) map[string]int {
	counts := make(map[string]int)
	for _, stage := range rules.Stages {
		results := report.Stage(stage)
		for name := range results.Results {
			counts[name]++
		}
		for _, entry := range results.CannotEvaluate {
			counts[entry.FieldName]++
		}
	}
	return counts
}
