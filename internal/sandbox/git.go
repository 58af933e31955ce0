package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitRunner runs git via the git binary. It is the default Runner; tests
// substitute a fake.
type GitRunner struct{}

// NewGitRunner creates a GitRunner.
func NewGitRunner() *GitRunner {
	return &GitRunner{}
}

// Run executes `git -C dir args...` and returns trimmed stdout.
func (g *GitRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{"-C", dir}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err,
			strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}
