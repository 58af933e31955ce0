package agents

import "time"

// EventType tags the kind of event an agent execution emits.
type EventType string

const (
	// EventOutput is a line of agent output on stdout or stderr.
	EventOutput EventType = "output"
	// EventTokens reports the cumulative token usage so far.
	EventTokens EventType = "tokens"
	// EventFileEdit reports a file the agent created, modified, or deleted.
	EventFileEdit EventType = "file_edit"
	// EventToolUse reports a tool invocation by the agent.
	EventToolUse EventType = "tool_use"
	// EventError is an error surfaced by the agent mid-run.
	EventError EventType = "error"
)

// Event is one item in an execution's event stream. Only the fields for
// the given Type are meaningful.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Output fields.
	Stream string `json:"stream,omitempty"` // "stdout" or "stderr"
	Text   string `json:"text,omitempty"`

	// Tokens fields. CumulativeTokens is authoritative: it replaces, not
	// adds to, any previously reported total.
	CumulativeTokens int `json:"cumulative_tokens,omitempty"`

	// FileEdit fields.
	Path   string `json:"path,omitempty"`
	Action string `json:"action,omitempty"` // "create", "modify", "delete"

	// ToolUse fields.
	Tool string `json:"tool,omitempty"`

	// Error fields. A recoverable error does not by itself fail the run.
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}
