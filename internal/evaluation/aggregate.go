package evaluation

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/doc-evaluator/internal/rules"
)

// Score returns the weighted mean of the stage 1 values of scored rules.
// Values that are not numbers are skipped.
func Score(set *rules.Set, stage1 map[string]RuleResult, log *zap.Logger) (float64, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(stage1) == 0 {
		return 0, ErrNoStageResults
	}

	var weightedSum, totalWeight float64
	for _, rule := range set.Sorted() {
		if !rule.Scored() {
			continue
		}
		result, ok := stage1[rule.Name]
		if !ok {
			continue
		}

		value, ok := coerceFloat(result.Value)
		if !ok {
			log.Warn("skipping non-numeric value", zap.String("rule", rule.Name), zap.Any("value", result.Value))
			continue
		}

		weightedSum += rule.Weight * value
		totalWeight += rule.Weight
	}

	if totalWeight <= 0 {
		log.Warn("no valid weighted scores found")
		return 0, nil
	}

	return weightedSum / totalWeight, nil
}

// RatingFor maps a score to its narrative rating.
func RatingFor(score float64) string {
	switch {
	case score >= 9:
		return RatingExceptional
	case score >= 8:
		return RatingVeryHigh
	case score >= 7:
		return RatingHigh
	case score >= 6:
		return RatingAverage
	default:
		return RatingPoor
	}
}

// BuildReport combines the stage results into a report. A scoring failure
// degrades the score to 0.
func BuildReport(set *rules.Set, store *ResultStore, meta Metadata, log *zap.Logger) *Report {
	if log == nil {
		log = zap.NewNop()
	}

	report := &Report{
		Metadata: meta,
		Content:  make(map[string]RuleResult),
		Stage1:   store.Snapshot(1),
		Stage2:   store.Snapshot(2),
		Stage3:   store.Snapshot(3),
		Status:   StatusCompleted,
		Summary:  Summary{UnableToEvaluate: []CannotEvaluateEntry{}},
	}

	score, err := Score(set, report.Stage1.Results, log)
	if err != nil {
		log.Error("calculating overall score", zap.Error(err))
		score = 0
	}
	report.Overall = Overall{Score: math.Round(score*100) / 100, Rating: RatingFor(score)}

	for _, name := range set.Names() {
		for _, stage := range rules.Stages {
			if result, ok := report.Stage(stage).Results[name]; ok {
				report.Content[name] = result
				break
			}
		}
	}

	for _, stage := range rules.Stages {
		results := report.Stage(stage)
		report.Summary.EvaluatedFields += len(results.Results)
		report.Summary.UnableToEvaluate = append(report.Summary.UnableToEvaluate, results.CannotEvaluate...)
	}

	return report
}

func coerceFloat(v any) (float64, bool) {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case float32:
		f = float64(val)
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func newMetadata(runID, source, text string, now time.Time) Metadata {
	return Metadata{
		RunID:          runID,
		EvaluationDate: now,
		SourceFile:     source,
		SourceText:     text,
	}
}
