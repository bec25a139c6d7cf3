// Package gitcmd provides the git operations gitfleet needs, by shelling
// out to the git command.
package gitcmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Client provides git operations for store management.
type Client interface {
	// InitBare creates a bare repository at path with the given default
	// branch. Existing repositories are left untouched.
	InitBare(ctx context.Context, path, branch string) error
	// HasCommits reports whether the repository's HEAD resolves to a
	// commit.
	HasCommits(ctx context.Context, gitDir string) bool
	// MaterializeHead checks out HEAD of a bare repository into the
	// given work tree directory.
	MaterializeHead(ctx context.Context, gitDir, workTree string) error
	// CommitSeed creates an initial commit containing the given files on
	// the given branch of an empty bare repository.
	CommitSeed(ctx context.Context, gitDir, branch string, files map[string]string, message string) error
}

// ShellClient implements Client by shelling out to the git command.
type ShellClient struct{}

// NewShellClient creates a new git client that uses the git command.
func NewShellClient() *ShellClient {
	return &ShellClient{}
}

// InitBare creates a bare repository at path. Idempotent: an existing
// repository is not reinitialized.
func (c *ShellClient) InitBare(ctx context.Context, path, branch string) error {
	if _, err := os.Stat(filepath.Join(path, "HEAD")); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	cmd := exec.CommandContext(ctx, "git", "init", "--bare", "-b", branch, path)
	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("git init failed: %w", err)
	}
	return nil
}

// HasCommits reports whether HEAD resolves to a commit.
func (c *ShellClient) HasCommits(ctx context.Context, gitDir string) bool {
	cmd := exec.CommandContext(ctx, "git", "--git-dir", gitDir, "rev-parse", "--verify", "HEAD")
	return cmd.Run() == nil
}

// MaterializeHead checks out HEAD of a bare repository into workTree. The
// work tree is recreated from scratch so stale files from earlier runs
// never survive.
func (c *ShellClient) MaterializeHead(ctx context.Context, gitDir, workTree string) error {
	if err := os.RemoveAll(workTree); err != nil {
		return fmt.Errorf("failed to clear checkout directory: %w", err)
	}
	if err := os.MkdirAll(workTree, 0755); err != nil {
		return fmt.Errorf("failed to create checkout directory: %w", err)
	}
	cmd := exec.CommandContext(ctx, "git", "--git-dir", gitDir, "--work-tree", workTree, "checkout", "-f", "HEAD", "--", ".")
	cmd.Dir = workTree
	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("git checkout failed: %w", err)
	}
	return nil
}

// CommitSeed builds an initial commit in a throwaway work tree and pushes
// it into the bare repository.
func (c *ShellClient) CommitSeed(ctx context.Context, gitDir, branch string, files map[string]string, message string) error {
	tmp, err := os.MkdirTemp("", "gitfleet-seed-*")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.RemoveAll(tmp)
	}()

	for name, content := range files {
		path := filepath.Join(tmp, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return err
		}
	}

	for _, args := range [][]string{
		{"init", "-b", branch, "."},
		{"add", "-A"},
		{"-c", "user.name=gitfleet", "-c", "user.email=gitfleet@localhost", "commit", "-m", message},
		{"push", gitDir, "HEAD:refs/heads/" + branch},
	} {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = tmp
		if err := runCommand(cmd); err != nil {
			return fmt.Errorf("git %s failed: %w", args[0], err)
		}
	}
	return nil
}

// runCommand executes a command and returns an error with its output on
// failure.
func runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
