package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/gitfleet/internal/gitcmd"
	"github.com/schaermu/gitfleet/internal/manifest"
	"github.com/schaermu/gitfleet/internal/state"
)

// ErrNotConverged signals that at least one repository failed to reach its
// desired state. The report carries the details.
var ErrNotConverged = errors.New("reconciliation did not fully converge")

// Engine runs the scan -> plan -> apply loop.
type Engine struct {
	git    gitcmd.Client
	logger *slog.Logger
	dryRun bool
}

// NewEngine creates a reconciliation engine.
func NewEngine(git gitcmd.Client, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{git: git, logger: logger, dryRun: dryRun}
}

// Run reconciles the server against the desired manifest. Per-repository
// failures are collected in the report and do not stop work on sibling
// repositories; the returned error is ErrNotConverged when any occurred.
// Parse and scan failures abort before any mutation.
func (e *Engine) Run(ctx context.Context, desired *manifest.Manifest) (*Report, error) {
	e.logger.Info("starting reconciliation",
		"store", desired.Store,
		"link_root", desired.LinkRoot,
		"repos", len(desired.Repos),
		"dry_run", e.dryRun)

	if !e.dryRun {
		if err := os.MkdirAll(desired.Store, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store: %w", err)
		}
		if err := os.MkdirAll(desired.LinkRoot, 0755); err != nil {
			return nil, fmt.Errorf("failed to create link root: %w", err)
		}
	}

	observed, err := state.Scan(desired.Store, desired.LinkRoot)
	if err != nil {
		return nil, err
	}

	plan := BuildPlan(desired, observed)
	e.logger.Info("reconciliation plan",
		"create_repos", len(plan.CreateRepos),
		"hook_ops", len(plan.HookOps),
		"link_ops", len(plan.LinkOps),
		"orphans", len(plan.Orphans),
		"conflicts", len(plan.Conflicts))

	report := newReport(plan)
	report.DryRun = e.dryRun
	for _, orphan := range plan.Orphans {
		e.logger.Info("orphaned repository preserved", "repo", orphan)
	}
	for _, path := range plan.ForeignLinks {
		e.logger.Info("foreign symlink ignored", "path", path)
	}
	for _, ref := range plan.UnknownHooks {
		e.logger.Warn("unreadable entry left untouched", "path", ref)
	}
	for _, c := range plan.Conflicts {
		e.logger.Error("refusing conflicting mutation", "repo", c.Repo, "path", c.Path, "reason", c.Reason)
	}

	if e.dryRun {
		e.logPlanDetails(plan, report)
		e.logger.Info("dry-run complete, no changes applied")
		if !report.Converged() {
			return report, ErrNotConverged
		}
		return report, nil
	}

	e.apply(ctx, desired, plan, report)

	if !report.Converged() {
		return report, ErrNotConverged
	}
	e.logger.Info("reconciliation complete", "mutations", report.Mutations())
	return report, nil
}

// apply executes the plan repository by repository, dependencies first:
// the store entry must exist before its hooks and symlinks.
func (e *Engine) apply(ctx context.Context, desired *manifest.Manifest, plan *Plan, report *Report) {
	create := make(map[string]bool, len(plan.CreateRepos))
	for _, id := range plan.CreateRepos {
		create[id] = true
	}
	hooks := make(map[string][]HookOp)
	for _, op := range plan.HookOps {
		hooks[op.Repo] = append(hooks[op.Repo], op)
	}
	links := make(map[string][]LinkOp)
	for _, op := range plan.LinkOps {
		links[op.Repo] = append(links[op.Repo], op)
	}

	for _, id := range desired.IDs() {
		err := e.applyRepo(ctx, desired, id, create[id], hooks[id], links[id], report)
		if err != nil {
			e.logger.Error("repository failed to converge", "repo", id, "error", err)
			report.fail(id, err)
		}
	}
}

// applyRepo converges one repository. The first failure stops this repo's
// remaining steps but never its siblings.
func (e *Engine) applyRepo(ctx context.Context, desired *manifest.Manifest, id string, create bool, hooks []HookOp, links []LinkOp, report *Report) error {
	if create {
		path := state.RepoPath(desired.Store, id)
		e.logger.Info("creating repository", "repo", id, "path", path)
		if err := e.git.InitBare(ctx, path, desired.Branch); err != nil {
			return fmt.Errorf("failed to create repository: %w", err)
		}
		report.CreatedRepos = append(report.CreatedRepos, id)
	}

	for _, op := range hooks {
		path := state.HookPath(desired.Store, id, op.Event)
		if op.Write {
			e.logger.Info("writing hook", "repo", id, "hook", string(op.Event))
			if err := writeHook(path, op.Body); err != nil {
				return fmt.Errorf("failed to write %s hook: %w", op.Event, err)
			}
			report.HooksWritten = append(report.HooksWritten, hookRef(id, op.Event))
			continue
		}
		e.logger.Info("removing hook", "repo", id, "hook", string(op.Event))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s hook: %w", op.Event, err)
		}
		report.HooksRemoved = append(report.HooksRemoved, hookRef(id, op.Event))
	}

	for _, op := range links {
		path := filepath.Join(desired.LinkRoot, op.Path)
		target := state.RepoPath(desired.Store, id)
		switch op.Action {
		case LinkCreate, LinkRetarget:
			e.logger.Info("linking", "repo", id, "path", op.Path, "action", string(op.Action))
			if err := ensureLink(path, target); err != nil {
				return fmt.Errorf("failed to link %s: %w", op.Path, err)
			}
			if op.Action == LinkCreate {
				report.LinksCreated = append(report.LinksCreated, op.Path)
			} else {
				report.LinksRetargeted = append(report.LinksRetargeted, op.Path)
			}
		case LinkRemove:
			e.logger.Info("removing stale link", "repo", id, "path", op.Path)
			if err := removeLink(path); err != nil {
				return fmt.Errorf("failed to remove stale link %s: %w", op.Path, err)
			}
			report.LinksRemoved = append(report.LinksRemoved, op.Path)
		}
	}
	return nil
}

// writeHook replaces a hook script atomically: write to a temp file in the
// hooks directory, mark executable, rename over the target. The rename
// makes it safe to rewrite the post-receive hook of the very repository
// whose push invoked us — the running hook process was exec'd from the old
// content before the file changed and never sees a half-written script.
func writeHook(path, body string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".gitfleet-hook-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.WriteString(body); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0755); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// ensureLink points path at target, replacing an existing symlink via an
// atomic rename. Anything that is not a symlink stays untouched.
func ensureLink(path, target string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink == 0 {
		return fmt.Errorf("%s exists and is not a symlink", path)
	}
	tmp := filepath.Join(filepath.Dir(path), ".gitfleet-link-"+filepath.Base(path))
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// removeLink deletes a symlink, refusing to remove anything else.
func removeLink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return fmt.Errorf("%s is not a symlink", path)
	}
	return os.Remove(path)
}

// logPlanDetails logs every operation a dry run would perform and records
// it in the report.
func (e *Engine) logPlanDetails(plan *Plan, report *Report) {
	for _, id := range plan.CreateRepos {
		e.logger.Info("[dry-run] would create repository", "repo", id)
		report.CreatedRepos = append(report.CreatedRepos, id)
	}
	for _, op := range plan.HookOps {
		if op.Write {
			e.logger.Info("[dry-run] would write hook", "repo", op.Repo, "hook", string(op.Event))
			report.HooksWritten = append(report.HooksWritten, hookRef(op.Repo, op.Event))
		} else {
			e.logger.Info("[dry-run] would remove hook", "repo", op.Repo, "hook", string(op.Event))
			report.HooksRemoved = append(report.HooksRemoved, hookRef(op.Repo, op.Event))
		}
	}
	for _, op := range plan.LinkOps {
		e.logger.Info("[dry-run] would update link", "repo", op.Repo, "path", op.Path, "action", string(op.Action))
		switch op.Action {
		case LinkCreate:
			report.LinksCreated = append(report.LinksCreated, op.Path)
		case LinkRetarget:
			report.LinksRetargeted = append(report.LinksRetargeted, op.Path)
		case LinkRemove:
			report.LinksRemoved = append(report.LinksRemoved, op.Path)
		}
	}
}
