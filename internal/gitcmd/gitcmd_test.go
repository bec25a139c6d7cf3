package gitcmd

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func TestInitBareIdempotent(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	client := NewShellClient()
	repo := filepath.Join(t.TempDir(), "store", "blog")

	if err := client.InitBare(ctx, repo, "main"); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "HEAD")); err != nil {
		t.Fatalf("expected bare repo layout: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "hooks")); err != nil {
		t.Fatalf("expected hooks directory: %v", err)
	}

	// Second init must be a no-op, not an error.
	if err := client.InitBare(ctx, repo, "main"); err != nil {
		t.Fatalf("second init: %v", err)
	}
}

func TestCommitSeedAndMaterialize(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	client := NewShellClient()
	repo := filepath.Join(t.TempDir(), "admin")

	if err := client.InitBare(ctx, repo, "main"); err != nil {
		t.Fatal(err)
	}
	if client.HasCommits(ctx, repo) {
		t.Fatal("fresh bare repo should have no commits")
	}

	files := map[string]string{
		"config.xml":      `<config store="/srv/store"/>`,
		"notes/readme.md": "seeded\n",
	}
	if err := client.CommitSeed(ctx, repo, "main", files, "initial config"); err != nil {
		t.Fatalf("CommitSeed: %v", err)
	}
	if !client.HasCommits(ctx, repo) {
		t.Fatal("expected a commit after seeding")
	}

	checkout := filepath.Join(t.TempDir(), "checkout")
	if err := client.MaterializeHead(ctx, repo, checkout); err != nil {
		t.Fatalf("MaterializeHead: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(checkout, "config.xml"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `<config store="/srv/store"/>` {
		t.Errorf("unexpected checkout content: %q", got)
	}
	if _, err := os.ReadFile(filepath.Join(checkout, "notes", "readme.md")); err != nil {
		t.Errorf("nested file missing from checkout: %v", err)
	}

	// Materializing again must not fail and must drop stale files.
	stale := filepath.Join(checkout, "stale.txt")
	if err := os.WriteFile(stale, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := client.MaterializeHead(ctx, repo, checkout); err != nil {
		t.Fatalf("second MaterializeHead: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale file should be removed by re-materialization")
	}
}
