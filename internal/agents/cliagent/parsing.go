package cliagent

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/oac-sh/oac/internal/agents"
)

// wireEvent is one JSON line of the tool's stdout protocol.
type wireEvent struct {
	Type             string `json:"type"`
	Text             string `json:"text,omitempty"`
	CumulativeTokens int    `json:"cumulative_tokens,omitempty"`
	Path             string `json:"path,omitempty"`
	Action           string `json:"action,omitempty"`
	Tool             string `json:"tool,omitempty"`
	Message          string `json:"message,omitempty"`
	Recoverable      bool   `json:"recoverable,omitempty"`

	// Result fields, present on the terminal "result" line.
	Success      *bool    `json:"success,omitempty"`
	ExitCode     int      `json:"exit_code,omitempty"`
	TotalTokens  int      `json:"total_tokens,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// parseLine translates one stdout line into zero or more agent events.
// Non-JSON lines are forwarded verbatim as output; a "result" line is
// swallowed into the collector instead of becoming an event.
func parseLine(line string, collector *resultCollector) []agents.Event {
	if strings.TrimSpace(line) == "" {
		return nil
	}

	var wire wireEvent
	if err := json.Unmarshal([]byte(line), &wire); err != nil || wire.Type == "" {
		return []agents.Event{{
			Type:      agents.EventOutput,
			Timestamp: time.Now().UTC(),
			Stream:    "stdout",
			Text:      line,
		}}
	}

	now := time.Now().UTC()
	switch wire.Type {
	case "output", "assistant_message":
		return []agents.Event{{Type: agents.EventOutput, Timestamp: now, Stream: "stdout", Text: wire.Text}}
	case "tokens":
		collector.observeTokens(wire.CumulativeTokens)
		return []agents.Event{{Type: agents.EventTokens, Timestamp: now, CumulativeTokens: wire.CumulativeTokens}}
	case "file_edit":
		action := wire.Action
		if action == "" {
			action = "modify"
		}
		collector.observeFile(wire.Path)
		return []agents.Event{{Type: agents.EventFileEdit, Timestamp: now, Path: wire.Path, Action: action}}
	case "tool_use":
		return []agents.Event{{Type: agents.EventToolUse, Timestamp: now, Tool: wire.Tool}}
	case "error":
		collector.observeError(wire.Message)
		return []agents.Event{{Type: agents.EventError, Timestamp: now, Message: wire.Message, Recoverable: wire.Recoverable}}
	case "result":
		collector.observeResult(wire)
		return nil
	default:
		// Unknown event types pass through as output so nothing is lost.
		return []agents.Event{{Type: agents.EventOutput, Timestamp: now, Stream: "stdout", Text: line}}
	}
}

// resultCollector accumulates the terminal result across the run. The
// pipe-pump goroutine is the only writer while the process lives; the
// mutex covers the final read after Wait.
type resultCollector struct {
	mu      sync.Mutex
	result  *wireEvent
	tokens  int
	files   []string
	seen    map[string]bool
	lastErr string
}

func newResultCollector() *resultCollector {
	return &resultCollector{seen: make(map[string]bool)}
}

func (c *resultCollector) observeTokens(cumulative int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = cumulative
}

func (c *resultCollector) observeFile(path string) {
	if path == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.seen[path] {
		c.seen[path] = true
		c.files = append(c.files, path)
	}
}

func (c *resultCollector) observeError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = msg
}

func (c *resultCollector) observeResult(wire wireEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = &wire
}

func (c *resultCollector) lastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result != nil && c.result.Error != "" {
		return c.result.Error
	}
	return c.lastErr
}

// finish builds the final Result. A missing result line still succeeds:
// the process exited zero, so the observed events stand in for it.
func (c *resultCollector) finish(duration time.Duration) *agents.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := &agents.Result{
		Success:         true,
		TotalTokensUsed: c.tokens,
		FilesChanged:    append([]string(nil), c.files...),
		Duration:        duration,
	}
	if c.result == nil {
		return result
	}

	if c.result.Success != nil {
		result.Success = *c.result.Success
	}
	result.ExitCode = c.result.ExitCode
	result.Error = c.result.Error
	if c.result.TotalTokens > result.TotalTokensUsed {
		result.TotalTokensUsed = c.result.TotalTokens
	}
	for _, path := range c.result.FilesChanged {
		if path != "" && !c.seen[path] {
			c.seen[path] = true
			result.FilesChanged = append(result.FilesChanged, path)
		}
	}
	return result
}
