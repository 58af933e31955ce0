// Package cliagent integrates a JSON-lines coding-agent CLI as a
// provider. It is one concrete integration behind the agents contract:
// the subprocess protocol translated here never leaks into the engine.
//
// The tool is expected to read its prompt (stdin or argument), emit one
// JSON event object per stdout line, and finish with a result object.
// Anything that is not JSON is forwarded as plain output.
package cliagent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/oac-sh/oac/internal/agents"
	"github.com/oac-sh/oac/internal/events"
)

const (
	// maxScanTokenSize bounds a single JSON event line. Tool-use events
	// with large inputs need the headroom.
	maxScanTokenSize = 1024 * 1024
	// scanBufferSize is the scanner's initial buffer.
	scanBufferSize = 64 * 1024

	// defaultContextLimit is the assumed context ceiling when the config
	// does not set one.
	defaultContextLimit = 200_000
	// estimatedOutputTokens is the flat output forecast used by
	// EstimateTokens. Coding tasks rarely exceed it.
	estimatedOutputTokens = 8_000
	// bytesPerToken is the rough prompt-size heuristic.
	bytesPerToken = 4
)

func init() {
	agents.RegisterProvider("cli", func(cfg agents.Config) (agents.Provider, error) {
		return New(cfg)
	})
}

// Provider runs one external coding-agent binary.
type Provider struct {
	cfg       agents.Config
	validator *resultValidator

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a CLI provider. The binary must be set.
func New(cfg agents.Config) (*Provider, error) {
	if cfg.Binary == "" {
		return nil, errors.New("cliagent: binary is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = agents.DefaultTimeout
	}
	if cfg.ContextLimit == 0 {
		cfg.ContextLimit = defaultContextLimit
	}

	var validator *resultValidator
	if cfg.SchemaPath != "" {
		v, err := newResultValidator(cfg.SchemaPath)
		if err != nil {
			return nil, fmt.Errorf("cliagent: %w", err)
		}
		validator = v
	}

	return &Provider{
		cfg:       cfg,
		validator: validator,
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

// ID returns the provider identifier.
func (p *Provider) ID() string {
	return "cli:" + p.cfg.Binary
}

// Name returns a human-readable provider name.
func (p *Provider) Name() string {
	return p.cfg.Binary + " (cli)"
}

// CheckAvailability probes the binary with --version. It never returns an
// error; failures are reported in the Availability.
func (p *Provider) CheckAvailability(ctx context.Context) agents.Availability {
	path, err := exec.LookPath(p.cfg.Binary)
	if err != nil {
		return agents.Availability{Error: fmt.Sprintf("binary %q not found", p.cfg.Binary)}
	}
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return agents.Availability{Error: fmt.Sprintf("%s --version: %v", p.cfg.Binary, err)}
	}
	return agents.Availability{Available: true, Version: strings.TrimSpace(string(out))}
}

// EstimateTokens forecasts usage from prompt size and target-file sizes.
// Feasible is false once the total exceeds the context ceiling.
func (p *Provider) EstimateTokens(params agents.EstimateParams) agents.TokenEstimate {
	promptTokens := len(params.Prompt) / bytesPerToken

	contextTokens := params.ContextSize
	if contextTokens == 0 {
		for _, path := range params.TargetFiles {
			if info, err := os.Stat(path); err == nil {
				contextTokens += int(info.Size()) / bytesPerToken
			}
		}
	}

	total := contextTokens + promptTokens + estimatedOutputTokens
	confidence := 0.7
	if contextTokens == 0 {
		confidence = 0.4
	}
	return agents.TokenEstimate{
		ContextTokens:        contextTokens,
		PromptTokens:         promptTokens,
		ExpectedOutputTokens: estimatedOutputTokens,
		TotalEstimatedTokens: total,
		Confidence:           confidence,
		Feasible:             total <= p.cfg.ContextLimit,
	}
}

// Abort cancels a running execution. Unknown ids are silently ignored.
func (p *Provider) Abort(executionID string) {
	p.mu.Lock()
	cancel, ok := p.cancels[executionID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Execute starts the agent subprocess and returns its event stream and
// deferred outcome immediately. The stream closes and the outcome settles
// once the process exits.
func (p *Provider) Execute(ctx context.Context, params agents.ExecuteParams) (*agents.Execution, error) {
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = p.cfg.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)

	args := append([]string(nil), p.cfg.Args...)
	if p.cfg.Model != "" {
		args = append(args, "-m", p.cfg.Model)
	}
	if !p.cfg.PromptStdin {
		args = append(args, params.Prompt)
	}

	cmd := exec.CommandContext(runCtx, p.cfg.Binary, args...)
	cmd.Dir = params.WorkingDirectory
	if p.cfg.PromptStdin {
		cmd.Stdin = strings.NewReader(ensureTerminator(params.Prompt))
	}
	cmd.Env = os.Environ()
	for k, v := range params.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", p.cfg.Binary, err)
	}

	p.mu.Lock()
	p.cancels[params.ExecutionID] = cancel
	p.mu.Unlock()

	stream := events.NewStream[agents.Event]()
	outcome := agents.NewOutcome()
	started := time.Now()

	go p.pump(runCtx, cmd, stdout, stderr, stream, outcome, params, started, timeout, cancel)

	return &agents.Execution{
		ID:         params.ExecutionID,
		ProviderID: p.ID(),
		Events:     stream,
		Outcome:    outcome,
	}, nil
}

// pump drains the process's pipes into the event stream, waits for exit,
// and settles the outcome. Runs in its own goroutine per execution.
func (p *Provider) pump(
	ctx context.Context,
	cmd *exec.Cmd,
	stdout, stderr io.Reader,
	stream *events.Stream[agents.Event],
	outcome *agents.Outcome,
	params agents.ExecuteParams,
	started time.Time,
	timeout time.Duration,
	cancel context.CancelFunc,
) {
	defer func() {
		p.mu.Lock()
		delete(p.cancels, params.ExecutionID)
		p.mu.Unlock()
		cancel()
	}()

	collector := newResultCollector()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := newScanner(stdout)
		for scanner.Scan() {
			for _, event := range parseLine(scanner.Text(), collector) {
				stream.Push(event)
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := newScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			stream.Push(agents.Event{
				Type:      agents.EventOutput,
				Timestamp: time.Now().UTC(),
				Stream:    "stderr",
				Text:      line,
			})
		}
	}()

	wg.Wait()
	runErr := cmd.Wait()
	stream.Close()

	duration := time.Since(started)

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			outcome.Reject(agents.NewError(agents.KindTimeout,
				"%s timed out after %s", p.cfg.Binary, timeout))
			return
		}
		if ctx.Err() == context.Canceled {
			outcome.Reject(agents.NewError(agents.KindExecutionFailed,
				"%s aborted", p.cfg.Binary))
			return
		}
		outcome.Reject(p.classifyExit(runErr, collector))
		return
	}

	result := collector.finish(duration)
	if p.validator != nil {
		if err := p.validator.validate(result); err != nil {
			outcome.Reject(&agents.AgentError{
				Kind:    agents.KindValidation,
				Message: err.Error(),
				Err:     err,
			})
			return
		}
	}
	outcome.Resolve(result)
}

// classifyExit maps a non-zero exit into the shared error taxonomy using
// the exit code and anything the tool reported before dying.
func (p *Provider) classifyExit(runErr error, collector *resultCollector) *agents.AgentError {
	var exitErr *exec.ExitError
	exitCode := -1
	if errors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	msg := collector.lastError()
	if msg == "" {
		msg = runErr.Error()
	}

	// 137 is SIGKILL, which on a memory-capped host means the OOM killer.
	kind := agents.KindExecutionFailed
	if exitCode == 137 {
		kind = agents.KindOOM
	}

	return &agents.AgentError{
		Kind:    kind,
		Message: fmt.Sprintf("%s exited %d: %s", p.cfg.Binary, exitCode, msg),
		Err:     runErr,
	}
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scanBufferSize), maxScanTokenSize)
	return scanner
}

func ensureTerminator(prompt string) string {
	if strings.HasSuffix(prompt, "\n") {
		return prompt
	}
	return prompt + "\n"
}
