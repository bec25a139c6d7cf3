// Package bootstrap establishes the server layout the reconciler depends
// on: the store, the link root, and the admin repository whose pushes
// drive the control loop.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/gitfleet/internal/gitcmd"
	"github.com/schaermu/gitfleet/internal/manifest"
	"github.com/schaermu/gitfleet/internal/reconcile"
)

// AdminRepo is the well-known id of the repository holding the config.
const AdminRepo = "admin"

// ConfigFile is the config file name inside the admin repository.
const ConfigFile = "config.xml"

// Options configures a server bootstrap.
type Options struct {
	Store    string
	LinkRoot string
	Branch   string
}

// Result reports the (possibly pre-existing) layout.
type Result struct {
	Store    string
	LinkRoot string
	Admin    string
	Created  bool // false when everything was already in place
}

// checkoutDir is where the admin repository's HEAD gets materialized so
// the parser can follow src= includes through real files. It lives under
// a dotted name so the scanner never mistakes it for a repository.
func checkoutDir(store string) string {
	return filepath.Join(store, ".gitfleet", "checkout")
}

// ResolveConfig materializes the admin repository's HEAD and loads the
// manifest from it. This is the default config source for reconciliation.
func ResolveConfig(ctx context.Context, git gitcmd.Client, store string) (*manifest.Manifest, error) {
	admin := filepath.Join(store, AdminRepo)
	if !git.HasCommits(ctx, admin) {
		return nil, fmt.Errorf("admin repository %s has no commits; run 'gitfleet init' first", admin)
	}
	checkout := checkoutDir(store)
	if err := git.MaterializeHead(ctx, admin, checkout); err != nil {
		return nil, fmt.Errorf("failed to materialize admin config: %w", err)
	}
	return manifest.Load(filepath.Join(checkout, ConfigFile))
}

// Init creates the store and link root, seeds the admin repository with a
// config declaring itself, and reconciles once so the admin hook and
// symlink exist. Idempotent: re-running on an initialized layout changes
// nothing and reports the current paths.
func Init(ctx context.Context, opts Options, git gitcmd.Client, logger *slog.Logger) (*Result, error) {
	store, err := filepath.Abs(opts.Store)
	if err != nil {
		return nil, err
	}
	linkRoot, err := filepath.Abs(opts.LinkRoot)
	if err != nil {
		return nil, err
	}
	branch := opts.Branch
	if branch == "" {
		branch = manifest.DefaultBranch
	}

	if err := os.MkdirAll(store, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := os.MkdirAll(linkRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create link root: %w", err)
	}

	admin := filepath.Join(store, AdminRepo)
	result := &Result{Store: store, LinkRoot: linkRoot, Admin: admin}

	if !git.HasCommits(ctx, admin) {
		logger.Info("seeding admin repository", "path", admin, "branch", branch)
		if err := git.InitBare(ctx, admin, branch); err != nil {
			return nil, fmt.Errorf("failed to create admin repository: %w", err)
		}
		seed := seedConfig(store, linkRoot, branch)
		files := map[string]string{ConfigFile: seed}
		if err := git.CommitSeed(ctx, admin, branch, files, "initial fleet configuration"); err != nil {
			return nil, fmt.Errorf("failed to seed admin config: %w", err)
		}
		result.Created = true
	} else {
		logger.Info("admin repository already initialized", "path", admin)
	}

	// One reconciliation pass installs the admin hook and symlink from
	// whatever config the admin repository actually holds.
	desired, err := ResolveConfig(ctx, git, store)
	if err != nil {
		return nil, err
	}
	engine := reconcile.NewEngine(git, logger, false)
	if _, err := engine.Run(ctx, desired); err != nil {
		return nil, fmt.Errorf("initial reconciliation failed: %w", err)
	}
	return result, nil
}

// seedConfig renders the initial admin config. The post-receive hook
// closes the control loop: every push to the admin repository reconciles
// the fleet against the pushed config.
func seedConfig(store, linkRoot, branch string) string {
	hook := fmt.Sprintf("#!/bin/sh\nexec gitfleet switch --store %q\n", store)
	return fmt.Sprintf(`<config store=%q root=%q branch=%q>
  <repo id=%q>
    <alias>%s</alias>
    <hook name="post-receive">%s</hook>
  </repo>
</config>
`, store, linkRoot, branch, AdminRepo, AdminRepo, hook)
}
