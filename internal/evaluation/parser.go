package evaluation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/spigell/doc-evaluator/internal/rules"
)

const (
	defaultResultType    = rules.TypeCore
	defaultResultSubType = "None"
)

// ParseResponse extracts the JSON object from a model reply and returns one
// result per field. Bare values are wrapped using the matching rule's type.
// Only a reply without a JSON object is malformed: a field whose envelope
// cannot be decoded is kept as a bare value.
func ParseResponse(raw string, set *rules.Set) (map[string]RuleResult, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return nil, &MalformedResponseError{Raw: raw, Err: errors.New("no JSON object found")}
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &data); err != nil {
		return nil, &MalformedResponseError{Raw: raw, Err: err}
	}

	results := make(map[string]RuleResult, len(data))
	for field, value := range data {
		if obj, ok := value.(map[string]any); ok {
			if _, typed := obj["type"]; typed {
				if result, err := decodeResult(obj); err == nil {
					results[field] = result
					continue
				}
				if inner, ok := obj["value"]; ok {
					value = inner
				}
			}
		}

		results[field] = wrapValue(field, value, set)
	}

	return results, nil
}

func decodeResult(obj map[string]any) (RuleResult, error) {
	var result RuleResult
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook:       flattenToString,
		Result:           &result,
	})
	if err != nil {
		return RuleResult{}, err
	}
	if err := decoder.Decode(obj); err != nil {
		return RuleResult{}, err
	}
	return result, nil
}

// flattenToString lets text fields accept the lists and objects models tend
// to return for them. Lists of text are joined, anything else becomes JSON.
func flattenToString(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.String {
		return data, nil
	}

	switch v := data.(type) {
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			text, ok := item.(string)
			if !ok {
				return marshalText(data)
			}
			if text = strings.TrimSpace(text); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "; "), nil
	case map[string]any:
		return marshalText(data)
	}
	return data, nil
}

func marshalText(data any) (string, error) {
	out, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("flatten %T: %w", data, err)
	}
	return string(out), nil
}

func wrapValue(field string, value any, set *rules.Set) RuleResult {
	resultType, subType := defaultResultType, defaultResultSubType
	if set != nil {
		if rule, ok := set.Rule(field); ok {
			resultType = valueOr(rule.Type, defaultResultType)
			subType = valueOr(rule.SubType, defaultResultSubType)
		}
	}

	return RuleResult{
		Value:        value,
		Type:         resultType,
		SubType:      subType,
		Eval:         "Evaluated from " + field,
		Source:       []string{"resume"},
		SourceDetail: []string{"Document content"},
	}
}
