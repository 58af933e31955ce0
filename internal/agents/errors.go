package agents

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies agent failures for the engine's retry decision.
type ErrorKind string

const (
	KindTimeout         ErrorKind = "AGENT_TIMEOUT"
	KindOOM             ErrorKind = "AGENT_OOM"
	KindNetwork         ErrorKind = "NETWORK_ERROR"
	KindGitLock         ErrorKind = "GIT_LOCK_FAILED"
	KindRateLimited     ErrorKind = "AGENT_RATE_LIMITED"
	KindExecutionFailed ErrorKind = "AGENT_EXECUTION_FAILED"
	KindNotAvailable    ErrorKind = "AGENT_NOT_AVAILABLE"
	KindValidation      ErrorKind = "VALIDATION_FAILED"
)

// transientKinds are the kinds worth retrying.
var transientKinds = map[ErrorKind]bool{
	KindTimeout:     true,
	KindOOM:         true,
	KindNetwork:     true,
	KindGitLock:     true,
	KindRateLimited: true,
}

// kindPatterns classify plain errors by message when no kind is attached.
// Matching is case-insensitive substring, first hit wins.
var kindPatterns = []struct {
	substr string
	kind   ErrorKind
}{
	{"etimedout", KindTimeout},
	{"timed out", KindTimeout},
	{"timeout", KindTimeout},
	{"econnreset", KindNetwork},
	{"network", KindNetwork},
	{"unreachable", KindNetwork},
	{"connection refused", KindNetwork},
	{"service unavailable", KindNetwork},
	{"503", KindNetwork},
	{"rate limit", KindRateLimited},
	{"too many requests", KindRateLimited},
	{"429", KindRateLimited},
	{"out of memory", KindOOM},
	{"index.lock", KindGitLock},
}

// classifyMessage maps an error message onto a kind, defaulting to
// AGENT_EXECUTION_FAILED when nothing matches.
func classifyMessage(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	for _, p := range kindPatterns {
		if strings.Contains(lower, p.substr) {
			return p.kind
		}
	}
	return KindExecutionFailed
}

// AgentError is the normalized failure shape for one execution attempt.
// The worker attaches task and execution context exactly once; the
// original failure is preserved as the cause.
type AgentError struct {
	Kind        ErrorKind
	Message     string
	TaskID      string
	ExecutionID string
	Err         error
}

func (e *AgentError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.TaskID != "" {
		return fmt.Sprintf("%s: %s (task %s)", e.Kind, msg, e.TaskID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// NewError creates an AgentError of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *AgentError {
	return &AgentError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Normalize wraps err into an AgentError carrying task and execution
// context. An err that already is an AgentError keeps its kind and gains
// whichever context fields it is missing; anything else is classified by
// message and kept as the cause.
func Normalize(err error, taskID, executionID string) *AgentError {
	if err == nil {
		return nil
	}
	var ae *AgentError
	if errors.As(err, &ae) {
		if ae.TaskID == "" {
			ae.TaskID = taskID
		}
		if ae.ExecutionID == "" {
			ae.ExecutionID = executionID
		}
		return ae
	}
	return &AgentError{
		Kind:        classifyMessage(err.Error()),
		Message:     err.Error(),
		TaskID:      taskID,
		ExecutionID: executionID,
		Err:         err,
	}
}

// IsTransient reports whether err is worth retrying: either it carries a
// transient kind, or it is an unclassified failure whose message matches a
// known transient pattern. Validation failures are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ae *AgentError
	if errors.As(err, &ae) {
		if transientKinds[ae.Kind] {
			return true
		}
		if ae.Kind != KindExecutionFailed {
			return false
		}
		return transientKinds[classifyMessage(ae.Message)]
	}
	return transientKinds[classifyMessage(err.Error())]
}
