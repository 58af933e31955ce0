package engine

import (
	"context"
	"time"

	"github.com/oac-sh/oac/internal/agents"
	"github.com/oac-sh/oac/internal/events"
	"github.com/oac-sh/oac/internal/sandbox"
)

// execOptions are the per-attempt execution parameters handed to the
// worker by the engine.
type execOptions struct {
	ExecutionID  string
	TokenBudget  int
	Timeout      time.Duration
	AllowCommits bool
	Env          map[string]string
}

// executeTask drives one job attempt against one provider: it builds the
// prompt, starts the execution, consumes the event stream concurrently
// with waiting on the outcome, and accumulates token and file state.
// Failures come back normalized with task and execution context attached;
// the retry decision stays with the engine.
func executeTask(
	ctx context.Context,
	provider agents.Provider,
	job *Job,
	sb *sandbox.Context,
	bus *events.Bus,
	opts execOptions,
) (*agents.Result, error) {
	prompt, err := buildPrompt(job.Task, opts.TokenBudget, opts.AllowCommits)
	if err != nil {
		return nil, agents.Normalize(err, job.Task.ID, opts.ExecutionID)
	}

	exec, err := provider.Execute(ctx, agents.ExecuteParams{
		ExecutionID:      opts.ExecutionID,
		WorkingDirectory: sb.Path,
		Prompt:           prompt,
		TargetFiles:      job.Task.TargetFiles,
		TokenBudget:      opts.TokenBudget,
		AllowCommits:     opts.AllowCommits,
		Timeout:          opts.Timeout,
		Env:              opts.Env,
	})
	if err != nil {
		return nil, agents.Normalize(err, job.Task.ID, opts.ExecutionID)
	}

	acc := &attemptState{job: job, bus: bus}

	// Consume events as they arrive so progress is observable before the
	// outcome settles; the stream preserves production order.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			event, err := exec.Events.Next()
			if err != nil {
				return
			}
			acc.consume(event)
		}
	}()

	result, outcomeErr := exec.Outcome.Wait(ctx)
	<-drained

	if outcomeErr != nil {
		return nil, agents.Normalize(outcomeErr, job.Task.ID, opts.ExecutionID)
	}

	// Event-derived state is merged into the result: the last cumulative
	// token count wins over a stale result figure, and event-reported
	// paths come before any extras the result adds.
	if acc.tokensUsed > result.TotalTokensUsed {
		result.TotalTokensUsed = acc.tokensUsed
	}
	result.FilesChanged = acc.mergeFiles(result.FilesChanged)
	return result, nil
}

// attemptState accumulates the token counter and changed-file set for one
// attempt and republishes each event as a progress notification.
type attemptState struct {
	job        *Job
	bus        *events.Bus
	tokensUsed int
	files      []string
	seen       map[string]bool
}

func (s *attemptState) consume(event agents.Event) {
	var stage, message string

	switch event.Type {
	case agents.EventOutput:
		stage = event.Stream
		if stage == "" {
			stage = "stdout"
		}
		message = event.Text
	case agents.EventTokens:
		// Cumulative counts replace the running total.
		s.tokensUsed = event.CumulativeTokens
		stage = "tokens"
	case agents.EventFileEdit:
		s.addFile(event.Path)
		stage = "file:" + event.Action
		message = event.Path
	case agents.EventToolUse:
		stage = "tool:" + event.Tool
	case agents.EventError:
		if event.Recoverable {
			stage = "agent-warning"
		} else {
			stage = "agent-error"
		}
		message = event.Message
	default:
		return
	}

	s.bus.Publish(events.Notification{
		Type:       events.NotifyJobProgress,
		JobID:      s.job.ID,
		TaskID:     s.job.Task.ID,
		Stage:      stage,
		Message:    message,
		TokensUsed: s.tokensUsed,
	})
}

func (s *attemptState) addFile(path string) {
	if path == "" {
		return
	}
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if s.seen[path] {
		return
	}
	s.seen[path] = true
	s.files = append(s.files, path)
}

// mergeFiles unions event-derived paths (first) with result-reported
// extras, deduplicated, preserving order.
func (s *attemptState) mergeFiles(extra []string) []string {
	for _, path := range extra {
		s.addFile(path)
	}
	return s.files
}
