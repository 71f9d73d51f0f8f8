package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ruleRecord mirrors the keys used in declarative rule files.
type ruleRecord struct {
	Stage          int      `mapstructure:"Stage"`
	Order          int      `mapstructure:"Order"`
	Description    string   `mapstructure:"Description"`
	Specification  string   `mapstructure:"Specification"`
	Model          []string `mapstructure:"Model"`
	HistHandling   []string `mapstructure:"Hist Handling"`
	DataDependency []string `mapstructure:"Data Dependency"`
	Weight         float64  `mapstructure:"Weight"`
	ValueType      string   `mapstructure:"value_type"`
	Contributes    bool     `mapstructure:"is_contribute_rating_overall"`
	Type           string   `mapstructure:"Type"`
	SubType        string   `mapstructure:"Sub_Type"`
}

type stepRecord struct {
	Type        string `mapstructure:"Type"`
	Stage       int    `mapstructure:"Stage"`
	Instruction string `mapstructure:"Instruction"`
}

// Load reads the rules and steps files and builds a Set.
func Load(rulesPath, stepsPath, defaultModel string) (*Set, error) {
	rawRules, err := readDocument(rulesPath)
	if err != nil {
		return nil, &ConfigError{Field: "rules", Reason: "reading " + rulesPath, Err: err}
	}

	rawSteps, err := readDocument(stepsPath)
	if err != nil {
		return nil, &ConfigError{Field: "steps", Reason: "reading " + stepsPath, Err: err}
	}

	ruleList, err := DecodeRules(rawRules)
	if err != nil {
		return nil, err
	}

	stepList, err := DecodeSteps(rawSteps)
	if err != nil {
		return nil, err
	}

	return NewSet(ruleList, stepList, defaultModel)
}

// DecodeRules converts untyped rule records keyed by rule name into rules.
// Keys starting with an underscore carry metadata and are skipped.
func DecodeRules(raw map[string]any) ([]Rule, error) {
	out := make([]Rule, 0, len(raw))
	for name, value := range raw {
		if strings.HasPrefix(name, "_") {
			continue
		}

		record := ruleRecord{Stage: 1, Order: 1}
		if err := decode(value, &record); err != nil {
			return nil, &ConfigError{Field: name, Reason: "decoding rule", Err: err}
		}

		rule := Rule{
			Name:                 name,
			Stage:                record.Stage,
			Order:                record.Order,
			Description:          strings.TrimSpace(record.Description),
			Specification:        strings.TrimSpace(record.Specification),
			HistoryHandling:      trimAll(record.HistHandling),
			DataDependency:       trimAll(record.DataDependency),
			Weight:               record.Weight,
			ValueType:            ValueType(strings.TrimSpace(record.ValueType)),
			ContributesToOverall: record.Contributes,
			Type:                 strings.TrimSpace(record.Type),
			SubType:              strings.TrimSpace(record.SubType),
		}
		if models := trimAll(record.Model); len(models) > 0 {
			rule.Model = models[0]
		}

		out = append(out, rule)
	}

	return out, nil
}

// DecodeSteps converts untyped step records keyed by step name into steps.
func DecodeSteps(raw map[string]any) ([]Step, error) {
	out := make([]Step, 0, len(raw))
	for name, value := range raw {
		if strings.HasPrefix(name, "_") {
			continue
		}

		var record stepRecord
		if err := decode(value, &record); err != nil {
			return nil, &ConfigError{Field: name, Reason: "decoding step", Err: err}
		}

		out = append(out, Step{
			Name:        name,
			Type:        strings.TrimSpace(record.Type),
			Stage:       record.Stage,
			Instruction: record.Instruction,
		})
	}

	return out, nil
}

func decode(input any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	raw := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".json":
		err = json.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("unsupported file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return raw, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
