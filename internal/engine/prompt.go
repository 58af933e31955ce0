package engine

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/oac-sh/oac/internal/task"
)

// promptTemplate is the deterministic per-attempt prompt. Target files are
// embedded in their original discovery order so identical inputs always
// render identical prompts.
const promptTemplate = `You are an autonomous coding agent completing one scoped task in this repository.

Task ID: {{.Task.ID}}
Title: {{.Task.Title}}
Source: {{.Task.Source}}
{{- if .Task.Description}}

Description:
{{.Task.Description}}
{{- end}}
{{- if .Task.TargetFiles}}

Target files:
{{- range .Task.TargetFiles}}
- {{.}}
{{- end}}
{{- end}}

Rules:
- Stay within a budget of {{.TokenBudget}} tokens.
- Only change files relevant to this task.
{{- if .AllowCommits}}
- Commit your changes with a clear message when done.
{{- else}}
- Do not create commits; leave changes in the working tree.
{{- end}}
`

var promptTmpl = template.Must(template.New("prompt").Parse(promptTemplate))

type promptData struct {
	Task         task.Task
	TokenBudget  int
	AllowCommits bool
}

// buildPrompt renders the execution prompt for one attempt.
func buildPrompt(t task.Task, tokenBudget int, allowCommits bool) (string, error) {
	var buf bytes.Buffer
	if err := promptTmpl.Execute(&buf, promptData{
		Task:         t,
		TokenBudget:  tokenBudget,
		AllowCommits: allowCommits,
	}); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}
