package export

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/doc-evaluator/internal/evaluation"
)

func sampleReport(runID string) *evaluation.Report {
	return &evaluation.Report{
		Metadata: evaluation.Metadata{
			RunID:          runID,
			EvaluationDate: time.Date(2024, 5, 17, 10, 0, 0, 0, time.UTC),
			SourceFile:     "/in/jane.txt",
			SourceText:     "Jane Doe",
		},
		Overall: evaluation.Overall{Score: 7.5, Rating: evaluation.RatingHigh},
		Content: map[string]evaluation.RuleResult{"years": {Value: float64(5), Type: "Core"}},
		Stage1: evaluation.StageResults{
			Results:        map[string]evaluation.RuleResult{"years": {Value: float64(5), Type: "Core"}},
			CannotEvaluate: []evaluation.CannotEvaluateEntry{{FieldName: "skills", Type: "Core", SubType: "None", Reason: "timeout"}},
		},
		Summary: evaluation.Summary{
			EvaluatedFields:  1,
			UnableToEvaluate: []evaluation.CannotEvaluateEntry{{FieldName: "skills", Type: "Core", SubType: "None", Reason: "timeout"}},
		},
		Status: evaluation.StatusCompleted,
	}
}

func TestJSONExporter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	exporter, err := NewJSON(dir)
	require.NoError(t, err)

	path, err := exporter.Export(context.Background(), sampleReport("r1"), "Jane_Doe")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Jane_Doe_evaluation.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, key := range []string{"metadata", "overall_evaluation", "content", "stage_1", "stage_2", "stage_3", "summary"} {
		assert.Contains(t, decoded, key)
	}

	overall := decoded["overall_evaluation"].(map[string]any)
	assert.Equal(t, 7.5, overall["score"])
	assert.Equal(t, "high", overall["rating"])

	stage1 := decoded["stage_1"].(map[string]any)
	assert.Contains(t, stage1, "_meta_cant_be_evaluated_df")
}

func TestReportName(t *testing.T) {
	report := sampleReport("r1")
	assert.Equal(t, "jane", ReportName(report, "jane"))

	report.Stage1.Results[PreferredNameRule] = evaluation.RuleResult{Value: "Jane Doe!"}
	assert.Equal(t, "Jane_Doe", ReportName(report, "jane"))

	assert.Equal(t, "fallback", ReportName(nil, "fallback"))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStore_SaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Export(ctx, sampleReport("run-123"), "Jane_Doe")
	require.NoError(t, err)
	assert.Equal(t, "run-123", id)

	got, err := s.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 7.5, got.Overall.Score)
	assert.Equal(t, "Jane Doe", got.Metadata.SourceText)
	assert.Equal(t, float64(5), got.Stage1.Results["years"].Value)
	require.Len(t, got.Stage1.CannotEvaluate, 1)

	ledger, err := s.UnableToEvaluate(ctx, id)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, "skills", ledger[0].FieldName)
	assert.Equal(t, "timeout", ledger[0].Reason)

	list, err := s.ListReports(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Jane_Doe", list[0].Name)
	assert.Equal(t, evaluation.RatingHigh, list[0].Rating)
}

func TestSQLiteStore_GeneratesIDWithoutRunID(t *testing.T) {
	s := newTestStore(t)

	id, err := s.SaveReport(context.Background(), sampleReport(""), "anon")
	require.NoError(t, err)
	assert.Len(t, id, 36)
}

func TestSQLiteStore_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetReport(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestNewSQLite_InvalidDSN(t *testing.T) {
	_, err := NewSQLite("/nonexistent/dir/subdir/test.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}
