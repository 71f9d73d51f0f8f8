package evaluation

import (
	"encoding/json"
	"maps"
	"time"
)

// cannotEvaluateKey holds the cannot-evaluate ledger inside a serialized stage.
const cannotEvaluateKey = "_meta_cant_be_evaluated_df"

const (
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

const (
	RatingExceptional = "exceptional"
	RatingVeryHigh    = "very high"
	RatingHigh        = "high"
	RatingAverage     = "average"
	RatingPoor        = "poor"
)

// RuleResult is the evaluated outcome of one rule.
type RuleResult struct {
	Value        any      `json:"value" mapstructure:"value"`
	Type         string   `json:"type" mapstructure:"type"`
	SubType      string   `json:"sub_type" mapstructure:"sub_type"`
	Eval         string   `json:"eval" mapstructure:"eval"`
	Source       []string `json:"source" mapstructure:"source"`
	SourceDetail []string `json:"source_detail" mapstructure:"source_detail"`
}

// CannotEvaluateEntry records why a rule produced no result.
type CannotEvaluateEntry struct {
	FieldName string `json:"field_name"`
	Type      string `json:"type"`
	SubType   string `json:"sub_type"`
	Reason    string `json:"reason"`
}

// StageResults holds the results and failures of one stage.
type StageResults struct {
	Results        map[string]RuleResult
	CannotEvaluate []CannotEvaluateEntry
}

// MarshalJSON writes rule results keyed by name with the ledger under a
// reserved key, the layout downstream consumers of the reports expect.
func (s StageResults) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Results)+1)
	for name, result := range s.Results {
		out[name] = result
	}
	if len(s.CannotEvaluate) > 0 {
		out[cannotEvaluateKey] = s.CannotEvaluate
	}
	return json.Marshal(out)
}

func (s *StageResults) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Results = make(map[string]RuleResult, len(raw))
	s.CannotEvaluate = nil
	for key, value := range raw {
		if key == cannotEvaluateKey {
			if err := json.Unmarshal(value, &s.CannotEvaluate); err != nil {
				return err
			}
			continue
		}
		var result RuleResult
		if err := json.Unmarshal(value, &result); err != nil {
			return err
		}
		s.Results[key] = result
	}
	return nil
}

func (s StageResults) clone() StageResults {
	return StageResults{
		Results:        maps.Clone(s.Results),
		CannotEvaluate: append([]CannotEvaluateEntry(nil), s.CannotEvaluate...),
	}
}

// Metadata describes the evaluated document and the run.
type Metadata struct {
	RunID          string    `json:"run_id"`
	EvaluationDate time.Time `json:"evaluation_date"`
	SourceFile     string    `json:"source_file"`
	SourceText     string    `json:"source_txt"`
}

// Overall is the weighted score and its rating.
type Overall struct {
	Score  float64 `json:"score"`
	Rating string  `json:"rating"`
}

// Summary counts evaluated fields and lists failures across all stages.
type Summary struct {
	EvaluatedFields  int                   `json:"evaluated_fields"`
	UnableToEvaluate []CannotEvaluateEntry `json:"unable_to_evaluate"`
	// NotEvaluated lists rules never attempted because the run was aborted.
	NotEvaluated []string `json:"not_evaluated,omitempty"`
}

// Report is the combined outcome of one evaluation run.
type Report struct {
	Metadata Metadata              `json:"metadata"`
	Overall  Overall               `json:"overall_evaluation"`
	Content  map[string]RuleResult `json:"content"`
	Stage1   StageResults          `json:"stage_1"`
	Stage2   StageResults          `json:"stage_2"`
	Stage3   StageResults          `json:"stage_3"`
	Summary  Summary               `json:"summary"`
	Status   string                `json:"status"`
	Error    string                `json:"error,omitempty"`
}

// Stage returns the results of the given stage.
func (r *Report) Stage(stage int) StageResults {
	switch stage {
	case 1:
		return r.Stage1
	case 2:
		return r.Stage2
	case 3:
		return r.Stage3
	default:
		return StageResults{}
	}
}

// Aborted reports whether the run stopped before all stages finished.
func (r *Report) Aborted() bool {
	return r.Status == StatusAborted
}
