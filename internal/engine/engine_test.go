package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oac-sh/oac/internal/agents"
	"github.com/oac-sh/oac/internal/events"
	"github.com/oac-sh/oac/internal/sandbox"
	"github.com/oac-sh/oac/internal/task"
)

// fakeGit satisfies sandbox.Runner and counts worktree operations.
type fakeGit struct {
	mu    sync.Mutex
	calls [][]string
}

func (g *fakeGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, args)
	return "", nil
}

func (g *fakeGit) worktreeAdds() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if len(c) >= 2 && c[0] == "worktree" && c[1] == "add" {
			n++
		}
	}
	return n
}

// fakeProvider scripts outcomes per Execute call: the nth call settles with
// script[n] (the last entry repeats). A nil script entry blocks until Abort.
type fakeProvider struct {
	id     string
	script []fakeAttempt

	mu      sync.Mutex
	calls   []agents.ExecuteParams
	blocked map[string]chan struct{} // execution id -> abort signal
	started chan string              // receives execution ids as runs begin
}

type fakeAttempt struct {
	events []agents.Event
	result *agents.Result
	err    error
	block  bool
}

func newFakeProvider(id string, script ...fakeAttempt) *fakeProvider {
	return &fakeProvider{
		id:      id,
		script:  script,
		blocked: make(map[string]chan struct{}),
		started: make(chan string, 16),
	}
}

func (f *fakeProvider) ID() string   { return f.id }
func (f *fakeProvider) Name() string { return f.id }

func (f *fakeProvider) CheckAvailability(ctx context.Context) agents.Availability {
	return agents.Availability{Available: true, Version: "test"}
}

func (f *fakeProvider) EstimateTokens(params agents.EstimateParams) agents.TokenEstimate {
	return agents.TokenEstimate{Feasible: true}
}

func (f *fakeProvider) Execute(ctx context.Context, params agents.ExecuteParams) (*agents.Execution, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, params)
	attempt := f.script[min(n, len(f.script)-1)]
	var abortCh chan struct{}
	if attempt.block {
		abortCh = make(chan struct{})
		f.blocked[params.ExecutionID] = abortCh
	}
	f.mu.Unlock()

	exec := &agents.Execution{
		ID:         params.ExecutionID,
		ProviderID: f.id,
		Events:     events.NewStream[agents.Event](),
		Outcome:    agents.NewOutcome(),
	}

	go func() {
		f.started <- params.ExecutionID
		for _, ev := range attempt.events {
			exec.Events.Push(ev)
		}
		if attempt.block {
			<-abortCh
			exec.Events.Close()
			exec.Outcome.Reject(agents.NewError(agents.KindExecutionFailed, "aborted"))
			return
		}
		exec.Events.Close()
		if attempt.err != nil {
			exec.Outcome.Reject(attempt.err)
			return
		}
		result := attempt.result
		if result == nil {
			result = &agents.Result{Success: true}
		}
		exec.Outcome.Resolve(result)
	}()

	return exec, nil
}

func (f *fakeProvider) Abort(executionID string) {
	f.mu.Lock()
	ch, ok := f.blocked[executionID]
	if ok {
		delete(f.blocked, executionID)
	}
	f.mu.Unlock()
	if ok {
		close(ch)
	}
}

func planOf(n int) *task.ExecutionPlan {
	plan := &task.ExecutionPlan{}
	for i := 0; i < n; i++ {
		plan.SelectedTasks = append(plan.SelectedTasks, task.PlanEntry{
			Task: task.Task{
				ID:     fmt.Sprintf("task-%d", i+1),
				Title:  fmt.Sprintf("Task number %d", i+1),
				Source: "todo",
			},
			Estimate: task.Estimate{TotalEstimatedTokens: 1000, Feasible: true},
		})
	}
	return plan
}

func newTestEngine(t *testing.T, cfg Config, providers ...agents.Provider) (*Engine, *fakeGit) {
	t.Helper()
	git := &fakeGit{}
	mgr := sandbox.NewManager(git, filepath.Join(t.TempDir(), "repo"))
	eng, err := New(cfg, providers, mgr, events.NewBus(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eng.backoff = func(int) time.Duration { return 0 }
	return eng, git
}

func TestNew_RequiresProviders(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil)
	if !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}
}

func TestRun_SequentialPoolCompletesAllJobs(t *testing.T) {
	provider := newFakeProvider("cli:one", fakeAttempt{
		result: &agents.Result{Success: true, TotalTokensUsed: 500},
	})
	eng, git := newTestEngine(t, Config{Concurrency: 1, MaxAttempts: 2}, provider)
	eng.Enqueue(planOf(3))

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Completed) != 3 || len(result.Failed) != 0 || len(result.Aborted) != 0 {
		t.Fatalf("completed=%d failed=%d aborted=%d",
			len(result.Completed), len(result.Failed), len(result.Aborted))
	}
	for _, job := range result.Jobs {
		if job.Attempts != 1 {
			t.Fatalf("job %s attempts = %d, want 1", job.ID, job.Attempts)
		}
		if !job.Terminal() {
			t.Fatalf("job %s not terminal", job.ID)
		}
		if job.Result == nil || job.Result.TotalTokensUsed != 500 {
			t.Fatalf("job %s result = %+v", job.ID, job.Result)
		}
	}

	// One sandbox per attempt, FIFO dispatch order.
	if git.worktreeAdds() != 3 {
		t.Fatalf("worktree adds = %d, want 3", git.worktreeAdds())
	}
	for i, params := range provider.calls {
		wantTask := fmt.Sprintf("task-%d", i+1)
		if !strings.Contains(params.Prompt, "Task ID: "+wantTask) {
			t.Fatalf("call %d prompt for wrong task: %q", i, params.Prompt)
		}
		if params.WorkingDirectory == "" {
			t.Fatalf("call %d missing working directory", i)
		}
	}
}

func TestRun_RoundRobinAcrossProviders(t *testing.T) {
	a := newFakeProvider("cli:a", fakeAttempt{})
	b := newFakeProvider("cli:b", fakeAttempt{})
	eng, _ := newTestEngine(t, Config{Concurrency: 1}, a, b)
	eng.Enqueue(planOf(3))

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var assigned []string
	for _, job := range result.Jobs {
		assigned = append(assigned, job.WorkerID)
	}
	want := []string{"cli:a", "cli:b", "cli:a"}
	if fmt.Sprint(assigned) != fmt.Sprint(want) {
		t.Fatalf("provider assignment = %v, want %v", assigned, want)
	}
}

func TestRun_PlainNetworkErrorNoRetryBudget(t *testing.T) {
	provider := newFakeProvider("cli:one", fakeAttempt{
		err: errors.New("network unreachable"),
	})
	eng, git := newTestEngine(t, Config{Concurrency: 1, MaxAttempts: 1}, provider)
	eng.Enqueue(planOf(1))

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Failed) != 1 {
		t.Fatalf("expected 1 failed job, got %+v", result)
	}
	job := result.Failed[0]
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}
	if job.Err == nil || job.Err.Kind != agents.KindNetwork {
		t.Fatalf("job error = %+v, want NETWORK_ERROR", job.Err)
	}
	if git.worktreeAdds() != 1 {
		t.Fatalf("worktree adds = %d, want 1", git.worktreeAdds())
	}
}

func TestRun_TransientFailureRetriesWithBackoff(t *testing.T) {
	provider := newFakeProvider("cli:one",
		fakeAttempt{err: agents.NewError(agents.KindTimeout, "slow")},
		fakeAttempt{err: agents.NewError(agents.KindRateLimited, "backoff")},
		fakeAttempt{result: &agents.Result{Success: true, TotalTokensUsed: 300}},
	)
	eng, git := newTestEngine(t, Config{Concurrency: 1, MaxAttempts: 3}, provider)

	var waits []int
	eng.backoff = func(attempt int) time.Duration {
		waits = append(waits, attempt)
		return 0
	}
	eng.Enqueue(planOf(1))

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Completed) != 1 {
		t.Fatalf("expected completion after retries, got %+v", result)
	}
	job := result.Completed[0]
	if job.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", job.Attempts)
	}
	if fmt.Sprint(waits) != fmt.Sprint([]int{1, 2}) {
		t.Fatalf("backoff attempts = %v, want [1 2]", waits)
	}
	// A fresh sandbox per attempt.
	if git.worktreeAdds() != 3 {
		t.Fatalf("worktree adds = %d, want 3", git.worktreeAdds())
	}
}

func TestRun_FatalErrorNeverRetries(t *testing.T) {
	provider := newFakeProvider("cli:one", fakeAttempt{
		err: agents.NewError(agents.KindExecutionFailed, "agent crashed"),
	})
	eng, _ := newTestEngine(t, Config{Concurrency: 1, MaxAttempts: 3}, provider)
	eng.Enqueue(planOf(1))

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Failed) != 1 || result.Failed[0].Attempts != 1 {
		t.Fatalf("expected single failed attempt, got %+v", result)
	}
}

func TestRun_AbortStopsInFlightAndQueued(t *testing.T) {
	provider := newFakeProvider("cli:one", fakeAttempt{block: true})
	eng, git := newTestEngine(t, Config{Concurrency: 1, MaxAttempts: 2}, provider)
	eng.Enqueue(planOf(2))

	done := make(chan *RunResult, 1)
	go func() {
		result, err := eng.Run(context.Background())
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- result
	}()

	// Wait until the first execution is actually running, then abort.
	select {
	case <-provider.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first execution never started")
	}
	eng.Abort()

	var result *RunResult
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after abort")
	}

	if len(result.Aborted) != 2 {
		t.Fatalf("aborted = %d, want 2 (result %+v)", len(result.Aborted), result)
	}
	// The queued job never got a sandbox.
	if git.worktreeAdds() != 1 {
		t.Fatalf("worktree adds = %d, want 1", git.worktreeAdds())
	}
}

func TestRun_AbortDuringBackoffSkipsRetry(t *testing.T) {
	// If the retry dispatched anyway, the second attempt would block with
	// nothing left to abort it and Run would never return.
	provider := newFakeProvider("cli:one",
		fakeAttempt{err: agents.NewError(agents.KindTimeout, "slow")},
		fakeAttempt{block: true},
	)
	eng, git := newTestEngine(t, Config{Concurrency: 1, MaxAttempts: 2}, provider)

	// The abort lands inside the backoff window, after the first attempt
	// has already been untracked.
	eng.backoff = func(int) time.Duration {
		eng.Abort()
		return time.Millisecond
	}
	eng.Enqueue(planOf(1))

	done := make(chan *RunResult, 1)
	go func() {
		result, err := eng.Run(context.Background())
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- result
	}()

	var result *RunResult
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after abort during backoff")
	}

	if len(result.Aborted) != 1 {
		t.Fatalf("aborted = %d, want 1 (result %+v)", len(result.Aborted), result)
	}
	if got := len(provider.calls); got != 1 {
		t.Fatalf("provider executions = %d, want 1 (no retry after abort)", got)
	}
	if result.Aborted[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", result.Aborted[0].Attempts)
	}
	if git.worktreeAdds() != 1 {
		t.Fatalf("worktree adds = %d, want 1", git.worktreeAdds())
	}
}

func TestRun_OpenBreakerSkipsProvider(t *testing.T) {
	a := newFakeProvider("cli:a", fakeAttempt{})
	b := newFakeProvider("cli:b", fakeAttempt{})
	eng, _ := newTestEngine(t, Config{Concurrency: 1}, a, b)

	for i := 0; i < 3; i++ {
		eng.breakers["cli:a"].RecordFailure()
	}
	eng.Enqueue(planOf(2))

	result, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, job := range result.Jobs {
		if job.WorkerID != "cli:b" {
			t.Fatalf("job dispatched to open provider: %s", job.WorkerID)
		}
	}
	if len(a.calls) != 0 {
		t.Fatalf("open provider still executed %d times", len(a.calls))
	}
}

func TestRun_TerminalNotificationsPublished(t *testing.T) {
	provider := newFakeProvider("cli:one", fakeAttempt{
		result: &agents.Result{Success: true, TotalTokensUsed: 42},
	})
	eng, _ := newTestEngine(t, Config{Concurrency: 1}, provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := eng.Bus().Subscribe(ctx)

	eng.Enqueue(planOf(1))
	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var types []events.NotificationType
	deadline := time.After(2 * time.Second)
	for len(types) < 2 {
		select {
		case n := <-ch:
			if n.Type == events.NotifyJobStarted || n.Type == events.NotifyJobTerminal {
				types = append(types, n.Type)
				if n.Type == events.NotifyJobTerminal && n.TokensUsed != 42 {
					t.Fatalf("terminal tokens = %d, want 42", n.TokensUsed)
				}
			}
		case <-deadline:
			t.Fatalf("missing notifications, saw %v", types)
		}
	}
	if types[0] != events.NotifyJobStarted || types[1] != events.NotifyJobTerminal {
		t.Fatalf("notification order = %v", types)
	}
}

func TestSleepContext(t *testing.T) {
	if !sleepContext(context.Background(), time.Millisecond) {
		t.Fatal("expected sleep to complete")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepContext(ctx, time.Hour) {
		t.Fatal("expected cancelled sleep to report false")
	}
}
