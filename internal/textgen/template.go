// Package textgen provides text-generation collaborators behind the
// domain.TextGenerator interface: a deterministic template renderer for the
// Community tier and an HTTP adapter for hosted models.
package textgen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

// JSONDirective is the instruction callers append to a prompt when they
// expect a structured reply. The template renderer keys off it.
const JSONDirective = `Return ONLY a JSON object of the form {"reasoning": "..."}.`

// Template is a deterministic generator that renders replies from the
// structured findings embedded in the prompt. It never calls out and always
// produces the same output for the same prompt.
type Template struct{}

// NewTemplate returns a template generator.
func NewTemplate() *Template {
	return &Template{}
}

// Generate renders a reply. Prompts carrying the JSON directive get a JSON
// object with a "reasoning" field; everything else gets plain text.
func (t *Template) Generate(_ context.Context, prompt string, _ domain.GenerateOptions) (string, error) {
	summary := renderSummary(prompt)
	if !strings.Contains(prompt, JSONDirective) {
		return summary, nil
	}

	out, err := json.Marshal(map[string]string{"reasoning": summary})
	if err != nil {
		return "", fmt.Errorf("rendering reasoning payload: %w", err)
	}
	return string(out), nil
}

// renderSummary assembles a sentence from the labeled lines of the prompt.
// Lines it does not recognize are ignored.
func renderSummary(prompt string) string {
	fields := map[string]string{}
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		for _, label := range []string{"Composite Risk Score", "Recommended Status", "Patterns detected", "Patterns", "Current transaction", "Risk Factors"} {
			if rest, ok := strings.CutPrefix(line, label+":"); ok {
				if _, seen := fields[label]; !seen {
					fields[label] = strings.TrimSpace(rest)
				}
			}
		}
	}

	var parts []string
	if v, ok := fields["Composite Risk Score"]; ok {
		parts = append(parts, fmt.Sprintf("Composite risk score %s", v))
	}
	if v, ok := fields["Recommended Status"]; ok {
		parts = append(parts, fmt.Sprintf("recommended status %s", v))
	}
	if v, ok := fields["Patterns"]; ok {
		parts = append(parts, fmt.Sprintf("detected patterns: %s", v))
	} else if v, ok := fields["Patterns detected"]; ok {
		parts = append(parts, fmt.Sprintf("detected patterns: %s", v))
	}
	if v, ok := fields["Risk Factors"]; ok {
		parts = append(parts, fmt.Sprintf("biometric risk factors: %s", v))
	}

	if len(parts) == 0 {
		return "Automated assessment based on the structured findings above."
	}
	return strings.Join(parts, "; ") + "."
}
