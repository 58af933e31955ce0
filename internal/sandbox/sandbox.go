// Package sandbox manages isolated git worktrees, one per job attempt.
// Every job mutates files only inside its own worktree; the repository's
// primary working copy is never touched.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// worktreesDirName is the sibling directory of the repository that holds
// all sandbox worktrees.
const worktreesDirName = ".oac-worktrees"

// ErrInvalidName rejects branch or base-branch names outside the allowed
// character set. Validation happens before any filesystem or git side
// effect.
var ErrInvalidName = errors.New("invalid git ref name")

// namePattern is the strict allow-list for ref names.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// Runner executes git commands. Implementations must not use a shell.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// Context is one live sandbox: an isolated worktree checked out on its own
// branch. Cleanup is idempotent.
type Context struct {
	Path       string
	BranchName string

	manager    *Manager
	once       sync.Once
	cleanupErr error
}

// Cleanup removes the worktree and prunes stale worktree metadata. The
// prune runs even when removal fails. A second call is a no-op returning
// the first call's error.
func (c *Context) Cleanup(ctx context.Context) error {
	c.once.Do(func() {
		c.cleanupErr = c.manager.release(ctx, c)
	})
	return c.cleanupErr
}

// Manager creates and destroys sandboxes for one repository.
type Manager struct {
	git      Runner
	repoPath string
}

// NewManager creates a sandbox manager over the repository at repoPath.
func NewManager(git Runner, repoPath string) *Manager {
	return &Manager{git: git, repoPath: repoPath}
}

// ValidateName checks a ref name against the allow-list and rejects
// path-traversal sequences.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q contains disallowed characters", ErrInvalidName, name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q contains a traversal sequence", ErrInvalidName, name)
	}
	return nil
}

// Create builds a new worktree for branchName checked out from
// origin/baseBranch. The worktree lives next to the repository under
// .oac-worktrees so concurrent jobs never share working-directory state.
func (m *Manager) Create(ctx context.Context, branchName, baseBranch string) (*Context, error) {
	if err := ValidateName(branchName); err != nil {
		return nil, fmt.Errorf("branch name: %w", err)
	}
	if err := ValidateName(baseBranch); err != nil {
		return nil, fmt.Errorf("base branch: %w", err)
	}

	worktreePath := filepath.Join(filepath.Dir(m.repoPath), worktreesDirName, branchName)
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0755); err != nil {
		return nil, fmt.Errorf("create worktree parent: %w", err)
	}

	if _, err := m.git.Run(ctx, m.repoPath, "fetch", "origin", baseBranch); err != nil {
		return nil, fmt.Errorf("fetch origin/%s: %w", baseBranch, err)
	}
	if _, err := m.git.Run(ctx, m.repoPath, "worktree", "add", "-b", branchName,
		worktreePath, "origin/"+baseBranch); err != nil {
		return nil, fmt.Errorf("add worktree %s: %w", branchName, err)
	}

	return &Context{Path: worktreePath, BranchName: branchName, manager: m}, nil
}

// release tears a sandbox down. Removal and prune failures are both
// reported, but a failed removal never skips the prune.
func (m *Manager) release(ctx context.Context, c *Context) error {
	_, removeErr := m.git.Run(ctx, m.repoPath, "worktree", "remove", "--force", c.Path)
	_, pruneErr := m.git.Run(ctx, m.repoPath, "worktree", "prune")

	if removeErr != nil {
		removeErr = fmt.Errorf("remove worktree %s: %w", c.Path, removeErr)
	}
	if pruneErr != nil {
		pruneErr = fmt.Errorf("prune worktrees: %w", pruneErr)
	}
	return errors.Join(removeErr, pruneErr)
}
