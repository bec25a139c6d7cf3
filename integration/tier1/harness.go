//go:build integration

package tier1

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Harness drives a real git binary against a throwaway fleet layout. Tests
// here cover the full lifecycle: bootstrap, push a config change to the
// admin repository, reconcile, verify the filesystem.
type Harness struct {
	t        *testing.T
	Store    string
	LinkRoot string
	Work     string // scratch dir for clones
}

func NewHarness(t *testing.T) *Harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	base := t.TempDir()
	return &Harness{
		t:        t,
		Store:    filepath.Join(base, "store"),
		LinkRoot: filepath.Join(base, "links"),
		Work:     filepath.Join(base, "work"),
	}
}

// Git runs a git command in dir and fails the test on error.
func (h *Harness) Git(dir string, args ...string) string {
	h.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=tier1", "GIT_AUTHOR_EMAIL=tier1@localhost",
		"GIT_COMMITTER_NAME=tier1", "GIT_COMMITTER_EMAIL=tier1@localhost",
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		h.t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

// CloneAdmin clones the admin repository into the scratch dir and returns
// the checkout path.
func (h *Harness) CloneAdmin() string {
	h.t.Helper()
	if err := os.MkdirAll(h.Work, 0755); err != nil {
		h.t.Fatal(err)
	}
	clone := filepath.Join(h.Work, "admin")
	if err := os.RemoveAll(clone); err != nil {
		h.t.Fatal(err)
	}
	h.Git(h.Work, "clone", filepath.Join(h.Store, "admin"), clone)
	return clone
}

// PushConfig overwrites config.xml in an admin clone, commits and pushes.
func (h *Harness) PushConfig(clone, config string) {
	h.t.Helper()
	if err := os.WriteFile(filepath.Join(clone, "config.xml"), []byte(config), 0644); err != nil {
		h.t.Fatal(err)
	}
	h.Git(clone, "add", "config.xml")
	h.Git(clone, "commit", "-m", "update fleet config")
	h.Git(clone, "push", "origin", "HEAD")
}
