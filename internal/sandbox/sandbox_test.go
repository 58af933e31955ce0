package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

// fakeRunner records every git invocation and answers from a script.
type fakeRunner struct {
	calls  [][]string
	script map[string]error
}

func (f *fakeRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	if f.script != nil && len(args) > 1 {
		if err, ok := f.script[args[0]+" "+args[1]]; ok {
			return "", err
		}
	}
	return "", nil
}

func (f *fakeRunner) callStrings() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

func TestValidateName(t *testing.T) {
	valid := []string{
		"main",
		"oac/20250101/fix-login-a1b2c3d4-a1",
		"feature/deep/nested_branch-1.2",
	}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Fatalf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{
		"",
		"has space",
		"semi;colon",
		"dollar$sign",
		"back`tick",
		"branch;rm -rf /",
		"a..b",
		"../escape",
	}
	for _, name := range invalid {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("ValidateName(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestCreate_RejectsBeforeSideEffects(t *testing.T) {
	git := &fakeRunner{}
	m := NewManager(git, filepath.Join(t.TempDir(), "repo"))

	if _, err := m.Create(context.Background(), "bad name", "main"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	if _, err := m.Create(context.Background(), "ok-branch", "bad;base"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName for base, got %v", err)
	}
	if len(git.calls) != 0 {
		t.Fatalf("git was invoked despite invalid names: %v", git.callStrings())
	}
}

func TestCreate_WorktreeCommands(t *testing.T) {
	git := &fakeRunner{}
	repo := filepath.Join(t.TempDir(), "repo")
	m := NewManager(git, repo)

	sb, err := m.Create(context.Background(), "oac/20250101/fix-abc12345-a1", "main")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	wantPath := filepath.Join(filepath.Dir(repo), ".oac-worktrees", "oac/20250101/fix-abc12345-a1")
	if sb.Path != wantPath {
		t.Fatalf("worktree path = %q, want %q", sb.Path, wantPath)
	}
	if sb.BranchName != "oac/20250101/fix-abc12345-a1" {
		t.Fatalf("branch name = %q", sb.BranchName)
	}

	want := []string{
		"fetch origin main",
		"worktree add -b oac/20250101/fix-abc12345-a1 " + wantPath + " origin/main",
	}
	got := git.callStrings()
	if len(got) != len(want) {
		t.Fatalf("git calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("git call %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCleanup_Idempotent(t *testing.T) {
	git := &fakeRunner{}
	m := NewManager(git, filepath.Join(t.TempDir(), "repo"))

	sb, err := m.Create(context.Background(), "cleanup-branch", "main")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	createCalls := len(git.calls)

	if err := sb.Cleanup(context.Background()); err != nil {
		t.Fatalf("first Cleanup: %v", err)
	}
	if err := sb.Cleanup(context.Background()); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}

	// remove + prune exactly once.
	if got := len(git.calls) - createCalls; got != 2 {
		t.Fatalf("expected 2 cleanup git calls, got %d: %v", got, git.callStrings())
	}
}

func TestCleanup_PruneRunsAfterFailedRemove(t *testing.T) {
	removeErr := errors.New("worktree is locked")
	git := &fakeRunner{script: map[string]error{"worktree remove": removeErr}}
	m := NewManager(git, filepath.Join(t.TempDir(), "repo"))

	sb, err := m.Create(context.Background(), "stuck-branch", "main")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	err = sb.Cleanup(context.Background())
	if !errors.Is(err, removeErr) {
		t.Fatalf("expected remove failure surfaced, got %v", err)
	}

	last := git.calls[len(git.calls)-1]
	if strings.Join(last, " ") != "worktree prune" {
		t.Fatalf("prune did not run after failed remove; last call %v", last)
	}

	// The failed cleanup's error is sticky across repeat calls.
	if again := sb.Cleanup(context.Background()); !errors.Is(again, removeErr) {
		t.Fatalf("expected sticky error, got %v", again)
	}
}
