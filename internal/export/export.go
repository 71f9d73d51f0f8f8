// Package export writes evaluation reports to their destinations.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spigell/doc-evaluator/internal/document"
	"github.com/spigell/doc-evaluator/internal/evaluation"
)

// PreferredNameRule is the stage 1 rule whose value names the exported report.
const PreferredNameRule = "preferred_name"

// Exporter stores a report under name and returns where it went.
type Exporter interface {
	Export(ctx context.Context, report *evaluation.Report, name string) (string, error)
}

// JSONExporter writes <name>_evaluation.json files into a directory.
type JSONExporter struct {
	dir string
}

func NewJSON(dir string) (*JSONExporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory %s: %w", dir, err)
	}
	return &JSONExporter{dir: dir}, nil
}

func (e *JSONExporter) Export(_ context.Context, report *evaluation.Report, name string) (string, error) {
	if report == nil {
		return "", fmt.Errorf("report is required")
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	path := filepath.Join(e.dir, name+"_evaluation.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report %s: %w", path, err)
	}
	return path, nil
}

// ReportName picks the file-safe base name for a report, falling back to the
// source file stem.
func ReportName(report *evaluation.Report, fallback string) string {
	var preferred string
	if report != nil {
		if res, ok := report.Stage1.Results[PreferredNameRule]; ok {
			if name, ok := res.Value.(string); ok {
				preferred = name
			}
		}
	}
	return document.PreferredName(preferred, fallback)
}
