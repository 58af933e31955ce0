// Package task defines the task and execution-plan shapes consumed by the
// engine. Tasks come from the discovery and ranking layers; plans come from
// the budgeting layer. The engine never creates these itself.
package task

import "time"

// Complexity buckets a task by expected effort.
type Complexity string

const (
	ComplexityTrivial Complexity = "trivial"
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// ExecutionMode selects how a task's changes are handled after execution.
type ExecutionMode string

const (
	// ModeDryRun executes the agent but discards all changes.
	ModeDryRun ExecutionMode = "dry-run"
	// ModeBranch leaves changes on the sandbox branch for review.
	ModeBranch ExecutionMode = "branch"
	// ModePullRequest hands the branch to the hosting layer for a PR.
	ModePullRequest ExecutionMode = "pull-request"
)

// IssueRef links a task back to the issue it was discovered from.
type IssueRef struct {
	Provider string `json:"provider"`
	Number   int    `json:"number"`
	URL      string `json:"url,omitempty"`
}

// Task is one discovered unit of repository work.
type Task struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Description   string            `json:"description,omitempty"`
	Source        string            `json:"source"`
	Complexity    Complexity        `json:"complexity,omitempty"`
	TargetFiles   []string          `json:"target_files,omitempty"`
	ExecutionMode ExecutionMode     `json:"execution_mode,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	DiscoveredAt  time.Time         `json:"discovered_at"`
	Issue         *IssueRef         `json:"issue,omitempty"`
}

// Estimate is the budgeting layer's token forecast for a task.
type Estimate struct {
	ContextTokens        int     `json:"context_tokens"`
	PromptTokens         int     `json:"prompt_tokens"`
	ExpectedOutputTokens int     `json:"expected_output_tokens"`
	TotalEstimatedTokens int     `json:"total_estimated_tokens"`
	Confidence           float64 `json:"confidence"`
	Feasible             bool    `json:"feasible"`
}
