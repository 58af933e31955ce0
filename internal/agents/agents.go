// Package agents defines the uniform contract every coding-agent
// integration satisfies: availability checks, token estimation, streaming
// execution, and best-effort abort. The engine depends only on this
// contract, never on a specific tool's wire format.
package agents

import (
	"context"
	"sync"
	"time"

	"github.com/oac-sh/oac/internal/events"
)

// DefaultTimeout is the fallback per-execution timeout when a job supplies
// none. Long enough for multi-step coding tasks without hanging forever.
const DefaultTimeout = 30 * time.Minute

// Availability is the result of a provider health check.
type Availability struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ExecuteParams carries everything a provider needs for one execution.
type ExecuteParams struct {
	ExecutionID      string
	WorkingDirectory string
	Prompt           string
	TargetFiles      []string
	TokenBudget      int
	AllowCommits     bool
	Timeout          time.Duration
	Env              map[string]string
}

// EstimateParams is the input to token estimation.
type EstimateParams struct {
	Prompt      string
	TargetFiles []string
	ContextSize int
}

// TokenEstimate is a provider's forecast for an execution.
type TokenEstimate struct {
	ContextTokens        int     `json:"context_tokens"`
	PromptTokens         int     `json:"prompt_tokens"`
	ExpectedOutputTokens int     `json:"expected_output_tokens"`
	TotalEstimatedTokens int     `json:"total_estimated_tokens"`
	Confidence           float64 `json:"confidence"`
	Feasible             bool    `json:"feasible"`
}

// Result is the terminal outcome of one finished execution.
type Result struct {
	Success         bool          `json:"success"`
	ExitCode        int           `json:"exit_code"`
	TotalTokensUsed int           `json:"total_tokens_used"`
	FilesChanged    []string      `json:"files_changed,omitempty"`
	Duration        time.Duration `json:"duration"`
	Error           string        `json:"error,omitempty"`
}

// Execution is one in-flight agent run: an ordered, single-pass event
// stream plus a deferred outcome that settles exactly once.
type Execution struct {
	ID         string
	ProviderID string
	Events     *events.Stream[Event]
	Outcome    *Outcome
}

// Outcome is a deferred Result. It settles exactly once, to either a
// Result or an error; later settlements are ignored.
type Outcome struct {
	once   sync.Once
	done   chan struct{}
	result *Result
	err    error
}

// NewOutcome creates an unsettled outcome.
func NewOutcome() *Outcome {
	return &Outcome{done: make(chan struct{})}
}

// Resolve settles the outcome with a result. No-op if already settled.
func (o *Outcome) Resolve(result *Result) {
	o.once.Do(func() {
		o.result = result
		close(o.done)
	})
}

// Reject settles the outcome with an error. No-op if already settled.
func (o *Outcome) Reject(err error) {
	o.once.Do(func() {
		o.err = err
		close(o.done)
	})
}

// Wait blocks until the outcome settles or ctx is done.
func (o *Outcome) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-o.done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the outcome settles.
func (o *Outcome) Done() <-chan struct{} {
	return o.done
}

// Provider is the pluggable integration contract over one external
// coding-agent tool.
type Provider interface {
	// ID returns the stable provider identifier.
	ID() string

	// Name returns a human-readable provider name.
	Name() string

	// CheckAvailability probes whether the tool can run. It never returns
	// an error; problems are reported in the Availability itself.
	CheckAvailability(ctx context.Context) Availability

	// Execute starts one agent run and returns immediately with its event
	// stream and deferred outcome.
	Execute(ctx context.Context, params ExecuteParams) (*Execution, error)

	// EstimateTokens forecasts token usage for the given input. Feasible
	// is false once the total exceeds the provider's context ceiling.
	EstimateTokens(params EstimateParams) TokenEstimate

	// Abort asks a running execution to stop. Best-effort; unknown ids
	// are silently ignored.
	Abort(executionID string)
}

// Config holds construction-time settings for a provider.
type Config struct {
	Binary       string
	Model        string
	Args         []string
	PromptStdin  bool
	Timeout      time.Duration
	ContextLimit int
	SchemaPath   string
}

// Factory creates a Provider from a Config.
type Factory func(cfg Config) (Provider, error)

// Registry holds registered provider types and their factories. External
// code can register new integrations (e.g. a hosted-API agent).
var Registry = map[string]Factory{}

// RegisterProvider registers a provider type with its factory.
func RegisterProvider(providerType string, factory Factory) {
	Registry[providerType] = factory
}

// IsProviderRegistered returns true if the provider type is registered.
func IsProviderRegistered(providerType string) bool {
	_, ok := Registry[providerType]
	return ok
}

// RegisteredProviderTypes returns all registered provider type names.
func RegisteredProviderTypes() []string {
	types := make([]string, 0, len(Registry))
	for t := range Registry {
		types = append(types, t)
	}
	return types
}
