package evaluation

import (
	"strings"
	"time"

	"github.com/spigell/doc-evaluator/internal/rules"
)

// BuildSystemInstruction composes the instruction sent with every call of a
// run: the current date, the base instruction and the document text.
func BuildSystemInstruction(base, text string, now time.Time) string {
	var b strings.Builder
	b.WriteString("\nTODAY'S DATE: ")
	b.WriteString(now.Format(time.DateOnly))
	b.WriteString("\nBASE SYSTEM INSTRUCTIONS\n")
	b.WriteString(base)
	b.WriteString("\n\nRESUME TEXT\n")
	b.WriteString(text)
	b.WriteString("\n")
	return b.String()
}

// BuildBatchPrompt composes one prompt for all rules of a batch and returns
// the union of their data dependencies in first-seen order.
func BuildBatchPrompt(batch []rules.Rule) (string, []string) {
	var b strings.Builder
	b.WriteString("Please evaluate the following attributes together:\n\n")

	var history []string
	seen := make(map[string]struct{})
	for _, rule := range batch {
		b.WriteString("Attribute Name: " + rule.Name + "\n")
		b.WriteString("Description: " + rule.Description + "\n")
		if rule.Specification != "" {
			b.WriteString("Specification: " + rule.Specification + "\n")
		}
		b.WriteString("\n")

		for _, dep := range rule.DataDependency {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			history = append(history, dep)
		}
	}

	b.WriteString("\nPlease provide your evaluation in JSON format with results for each attribute.")
	return b.String(), history
}

// BuildRulePrompt composes the prompt for a single rule.
func BuildRulePrompt(rule rules.Rule) string {
	var b strings.Builder
	b.WriteString("Please evaluate the following attribute:\n\n")
	b.WriteString("Attribute Name: " + rule.Name + "\n")
	b.WriteString("Description: " + rule.Description + "\n")
	if rule.Specification != "" {
		b.WriteString("Specification for Attribute 'value' field : " + rule.Specification + "\n")
	}
	b.WriteString("\nPlease provide your evaluation in JSON format.")
	return b.String()
}
