package workcell

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitMerger applies an accepted proof by merging its branch into the
// repository's current branch. It is the default patch applier wired by the
// CLI; tests substitute a fake.
type GitMerger struct {
	// RepoDir is the repository the winning branch is merged into.
	RepoDir string
}

// Apply merges the branch with --no-ff so every accepted dispatch leaves a
// merge commit naming its workcell branch.
func (g *GitMerger) Apply(ctx context.Context, branch string) error {
	if branch == "" {
		return fmt.Errorf("workcell: apply: empty branch")
	}
	out, err := g.git(ctx, "merge", "--no-ff", "--no-edit", branch)
	if err != nil {
		return fmt.Errorf("workcell: merge %s: %w\n%s", branch, err, out)
	}
	return nil
}

func (g *GitMerger) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.RepoDir

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	err := cmd.Run()
	return strings.TrimSpace(combined.String()), err
}
