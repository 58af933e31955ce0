// Package engine schedules planned tasks onto coding-agent providers. It
// runs a bounded worker pool over a FIFO job queue, assigns providers
// round-robin, isolates every attempt in its own sandbox, retries
// transient failures with jittered backoff, and supports cooperative
// abort. Per-job failures are captured on the jobs themselves; Run only
// errors for construction-time invariant violations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/oac-sh/oac/internal/agents"
	"github.com/oac-sh/oac/internal/events"
	"github.com/oac-sh/oac/internal/resilience"
	"github.com/oac-sh/oac/internal/sandbox"
	"github.com/oac-sh/oac/internal/task"
)

const (
	// DefaultConcurrency is the worker pool size when none is configured.
	DefaultConcurrency = 2
	// DefaultMaxAttempts bounds executions per job, first attempt included.
	DefaultMaxAttempts = 2
	// DefaultBranchPrefix namespaces sandbox branches.
	DefaultBranchPrefix = "oac"
	// DefaultBaseBranch is the branch sandboxes are checked out from.
	DefaultBaseBranch = "main"
)

// ErrNoProviders rejects engine construction with an empty provider list.
var ErrNoProviders = errors.New("no agent providers configured")

// Config holds engine settings. Zero fields fall back to defaults.
type Config struct {
	Concurrency  int
	MaxAttempts  int
	BranchPrefix string
	BaseBranch   string
	TokenBudget  int
	Timeout      time.Duration
	AllowCommits bool
	Env          map[string]string
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if c.BaseBranch == "" {
		c.BaseBranch = DefaultBaseBranch
	}
	if c.Timeout <= 0 {
		c.Timeout = agents.DefaultTimeout
	}
	return c
}

// Engine turns an execution plan into jobs and drains them through a
// bounded worker pool.
type Engine struct {
	cfg       Config
	providers []agents.Provider
	breakers  map[string]*resilience.CircuitBreaker
	sandboxes *sandbox.Manager
	bus       *events.Bus
	logger    *log.Logger

	mu      sync.Mutex
	jobs    []*Job
	cursor  int
	aborted bool
	running map[string]runningExec // job id -> in-flight execution

	// Test seams.
	backoff func(int) time.Duration
	now     func() time.Time
}

type runningExec struct {
	provider    agents.Provider
	executionID string
}

// New creates an engine. It fails fast when no providers are supplied.
func New(cfg Config, providers []agents.Provider, sandboxes *sandbox.Manager, bus *events.Bus, logger *log.Logger) (*Engine, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w", ErrNoProviders)
	}
	if bus == nil {
		bus = events.NewBus()
	}
	if logger == nil {
		logger = log.Default()
	}
	breakers := make(map[string]*resilience.CircuitBreaker, len(providers))
	for _, p := range providers {
		breakers[p.ID()] = resilience.NewCircuitBreaker()
	}
	return &Engine{
		cfg:       cfg.withDefaults(),
		providers: providers,
		breakers:  breakers,
		sandboxes: sandboxes,
		bus:       bus,
		logger:    logger.With("component", "engine"),
		running:   make(map[string]runningExec),
		backoff:   resilience.Backoff,
		now:       time.Now,
	}, nil
}

// Bus returns the engine's notification bus.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Enqueue maps each selected plan entry to a queued job. It may be called
// multiple times before Run.
func (e *Engine) Enqueue(plan *task.ExecutionPlan) []*Job {
	e.mu.Lock()
	defer e.mu.Unlock()

	enqueued := make([]*Job, 0, len(plan.SelectedTasks))
	for _, entry := range plan.SelectedTasks {
		job := &Job{
			ID:          uuid.New().String(),
			Task:        entry.Task,
			Estimate:    entry.Estimate,
			Status:      StatusQueued,
			MaxAttempts: e.cfg.MaxAttempts,
			CreatedAt:   e.now().UTC(),
		}
		e.jobs = append(e.jobs, job)
		enqueued = append(enqueued, job)
	}
	return enqueued
}

// Run drains all enqueued jobs through the worker pool and returns once
// every job is terminal. Per-job failures land on the jobs; Run itself
// never fails mid-flight.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	e.mu.Lock()
	queue := make(chan *Job, len(e.jobs))
	for _, job := range e.jobs {
		queue <- job
	}
	close(queue)
	workers := e.cfg.Concurrency
	e.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				if e.isAborted() || ctx.Err() != nil {
					// Never started: no sandbox, no provider.
					e.finalize(job, StatusAborted, nil, nil)
					continue
				}
				e.runJob(ctx, job)
			}
		}()
	}
	wg.Wait()

	return e.collect(), nil
}

// Abort cooperatively stops the run: every in-flight execution gets a
// provider-level abort, and jobs still queued are marked aborted as the
// pool drains them. Run still returns normally.
func (e *Engine) Abort() {
	e.mu.Lock()
	e.aborted = true
	inflight := make([]runningExec, 0, len(e.running))
	for _, r := range e.running {
		inflight = append(inflight, r)
	}
	e.mu.Unlock()

	for _, r := range inflight {
		r.provider.Abort(r.executionID)
	}
	e.logger.Info("abort requested", "in_flight", len(inflight))
}

func (e *Engine) isAborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}

// nextProvider advances the shared round-robin cursor by exactly one and
// returns the pick. A provider whose breaker is open is skipped in favor
// of the next closed one; when every breaker is open the original pick
// stands, since the breaker is protection, not a scheduler.
func (e *Engine) nextProvider() agents.Provider {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.cursor
	e.cursor = (e.cursor + 1) % len(e.providers)

	for i := 0; i < len(e.providers); i++ {
		candidate := e.providers[(start+i)%len(e.providers)]
		if !e.breakers[candidate.ID()].IsOpen() {
			return candidate
		}
	}
	return e.providers[start]
}

// runJob drives one job through attempts until it reaches a terminal
// status.
func (e *Engine) runJob(ctx context.Context, job *Job) {
	job.Status = StatusRunning
	job.StartedAt = e.now().UTC()
	e.bus.Publish(events.Notification{
		Type:   events.NotifyJobStarted,
		JobID:  job.ID,
		TaskID: job.Task.ID,
		Status: string(StatusRunning),
	})

	for {
		job.Attempts++
		provider := e.nextProvider()
		job.WorkerID = provider.ID()

		result, err := e.attempt(ctx, job, provider)
		if err == nil {
			e.breakers[provider.ID()].RecordSuccess()
			e.finalize(job, StatusCompleted, result, nil)
			return
		}
		e.breakers[provider.ID()].RecordFailure()
		normalized := agents.Normalize(err, job.Task.ID, "")

		if e.isAborted() {
			e.finalize(job, StatusAborted, nil, normalized)
			return
		}

		if agents.IsTransient(normalized) && job.Attempts < job.MaxAttempts {
			wait := e.backoff(job.Attempts)
			e.logger.Warn("transient failure, retrying",
				"job", job.ID, "task", job.Task.ID,
				"kind", normalized.Kind, "attempt", job.Attempts, "wait", wait)
			if !sleepContext(ctx, wait) {
				e.finalize(job, StatusAborted, nil, normalized)
				return
			}
			// An abort that landed during the wait must not dispatch a
			// fresh attempt: it would be untracked when Abort ran and no
			// signal could ever reach it.
			if e.isAborted() {
				e.finalize(job, StatusAborted, nil, normalized)
				return
			}
			continue
		}

		e.finalize(job, StatusFailed, nil, normalized)
		return
	}
}

// attempt runs one sandbox-isolated execution. The sandbox is always
// released, whatever the outcome.
func (e *Engine) attempt(ctx context.Context, job *Job, provider agents.Provider) (*agents.Result, error) {
	branch := sandbox.BranchName(e.cfg.BranchPrefix, job.Task.ID, job.Task.Title, job.Attempts, e.now())
	sb, err := e.sandboxes.Create(ctx, branch, e.cfg.BaseBranch)
	if err != nil {
		if errors.Is(err, sandbox.ErrInvalidName) {
			return nil, &agents.AgentError{Kind: agents.KindValidation, Message: err.Error(), Err: err}
		}
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	// Cleanup must run even when ctx is already cancelled.
	defer func() {
		if cleanupErr := sb.Cleanup(context.WithoutCancel(ctx)); cleanupErr != nil {
			e.logger.Error("sandbox cleanup failed", "job", job.ID, "err", cleanupErr)
		}
	}()

	executionID := uuid.New().String()
	e.trackRunning(job.ID, provider, executionID)
	defer e.untrackRunning(job.ID)

	e.logger.Debug("dispatching attempt",
		"job", job.ID, "task", job.Task.ID, "provider", provider.ID(),
		"attempt", job.Attempts, "branch", branch)

	return executeTask(ctx, provider, job, sb, e.bus, execOptions{
		ExecutionID:  executionID,
		TokenBudget:  e.cfg.TokenBudget,
		Timeout:      e.cfg.Timeout,
		AllowCommits: e.cfg.AllowCommits,
		Env:          e.cfg.Env,
	})
}

func (e *Engine) trackRunning(jobID string, provider agents.Provider, executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[jobID] = runningExec{provider: provider, executionID: executionID}
}

func (e *Engine) untrackRunning(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, jobID)
}

// finalize sets a job's terminal status exactly once and publishes the
// terminal notification.
func (e *Engine) finalize(job *Job, status Status, result *agents.Result, jobErr *agents.AgentError) {
	e.mu.Lock()
	if job.terminal {
		e.mu.Unlock()
		return
	}
	job.terminal = true
	job.Status = status
	job.Result = result
	job.Err = jobErr
	job.CompletedAt = e.now().UTC()
	e.mu.Unlock()

	tokens := 0
	if result != nil {
		tokens = result.TotalTokensUsed
	}
	e.bus.Publish(events.Notification{
		Type:       events.NotifyJobTerminal,
		JobID:      job.ID,
		TaskID:     job.Task.ID,
		Status:     string(status),
		TokensUsed: tokens,
	})

	switch status {
	case StatusCompleted:
		e.logger.Info("job completed", "job", job.ID, "task", job.Task.ID, "tokens", tokens)
	case StatusFailed:
		e.logger.Error("job failed", "job", job.ID, "task", job.Task.ID, "err", jobErr)
	case StatusAborted:
		e.logger.Warn("job aborted", "job", job.ID, "task", job.Task.ID)
	}
}

// collect assembles the run result from terminal jobs.
func (e *Engine) collect() *RunResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := &RunResult{Jobs: e.jobs}
	for _, job := range e.jobs {
		switch job.Status {
		case StatusCompleted:
			result.Completed = append(result.Completed, job)
		case StatusFailed:
			result.Failed = append(result.Failed, job)
		case StatusAborted:
			result.Aborted = append(result.Aborted, job)
		}
	}
	return result
}

// sleepContext waits d, returning false if ctx is done first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
