// Package gitutil shells out to git for the small set of plumbing the run
// recorder and autofix orchestrator need: revision snapshots, disposable
// worktrees pinned to a recorded SHA, patch capture, and commits.
package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func run(dir string, args ...string) (string, string, error) {
	// Auto-maintenance spawns background helpers that would outlive a
	// worktree teardown; keep invocations self-contained.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := run(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(dir string) (string, error) {
	out, _, err := run(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func IsDirty(dir string) (bool, error) {
	out, _, err := run(dir, "status", "--porcelain=v1")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// StatusPorcelain returns `git status --porcelain=v1` output verbatim.
func StatusPorcelain(dir string) (string, error) {
	out, _, err := run(dir, "status", "--porcelain=v1")
	if err != nil {
		return "", err
	}
	return out, nil
}

// AddWorktreeAt creates worktreeDir on a fresh branch pinned at baseSHA, so
// a repair attempt is reproducible against the exact failing revision and
// never mutates the primary checkout.
func AddWorktreeAt(repoDir, worktreeDir, branch, baseSHA string) error {
	_, _, err := run(repoDir, "worktree", "add", "-b", branch, worktreeDir, baseSHA)
	return err
}

// RemoveWorktree force-removes a worktree checkout.
func RemoveWorktree(repoDir, worktreeDir string) error {
	_, _, err := run(repoDir, "worktree", "remove", "--force", worktreeDir)
	return err
}

// DeleteBranch removes a branch; a branch that is already gone is fine.
func DeleteBranch(repoDir, branch string) error {
	_, _, err := run(repoDir, "branch", "-D", branch)
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

// DiffPatch returns the full unstaged patch for the working tree.
func DiffPatch(dir string) (string, error) {
	out, _, err := run(dir, "diff", "--patch")
	if err != nil {
		return "", err
	}
	return out, nil
}

// DiffStat returns a one-line-per-file summary of the unstaged working tree
// changes.
func DiffStat(dir string) (string, error) {
	out, _, err := run(dir, "diff", "--stat", "--no-color")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func AddPaths(dir string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, paths...)
	_, _, err := run(dir, args...)
	return err
}

// Commit creates a commit of the staged changes. When the checkout has no
// committer identity it retries once with a fallback identity rather than
// mutating repo config.
func Commit(dir, message string) (string, error) {
	_, _, err := run(dir, "commit", "-m", message)
	if err != nil {
		if strings.Contains(err.Error(), "Author identity unknown") ||
			strings.Contains(err.Error(), "Please tell me who you are") ||
			strings.Contains(err.Error(), "unable to auto-detect email address") {
			_, _, err = run(
				dir,
				"-c", "user.name=llmcheck",
				"-c", "user.email=llmcheck@local",
				"commit", "-m", message,
			)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(dir)
}

// PushBranch pushes branch to remote with an upstream set. Best effort for
// callers: a push failure must not abort the surrounding autofix run.
func PushBranch(dir, remote, branch string) error {
	_, _, err := run(dir, "push", "-u", remote, branch)
	return err
}

// CurrentBranch returns the checked-out branch name.
func CurrentBranch(dir string) (string, error) {
	out, _, err := run(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	branch := strings.TrimSpace(out)
	if branch == "" {
		return "", fmt.Errorf("unable to determine current branch in %s", dir)
	}
	return branch, nil
}
