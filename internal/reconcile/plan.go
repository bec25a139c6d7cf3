// Package reconcile computes the difference between the desired manifest
// and the observed server state and applies the minimal set of mutations
// to converge. The diff is a pure function over the two values; all I/O
// lives in the engine.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/schaermu/gitfleet/internal/manifest"
	"github.com/schaermu/gitfleet/internal/state"
)

// LinkAction is the kind of symlink mutation.
type LinkAction string

const (
	LinkCreate   LinkAction = "create"
	LinkRetarget LinkAction = "retarget"
	LinkRemove   LinkAction = "remove"
)

// HookOp is one hook-script mutation for a repository.
type HookOp struct {
	Repo  string
	Event manifest.HookEvent
	Write bool   // false removes the script
	Body  string // desired content when writing
}

// LinkOp is one symlink mutation, attributed to the repository that owns
// (or owned) the link.
type LinkOp struct {
	Repo   string
	Path   string // link-root-relative
	Action LinkAction
}

// Conflict is a desired mutation the reconciler refuses to perform, such
// as an alias path occupied by a foreign symlink.
type Conflict struct {
	Repo   string
	Path   string
	Reason string
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s: %s: %s", c.Repo, c.Path, c.Reason)
}

// Plan is the full set of mutations and observations for one run.
type Plan struct {
	CreateRepos []string
	HookOps     []HookOp
	LinkOps     []LinkOp
	Conflicts   []Conflict

	// Informational: observed but deliberately untouched.
	Orphans      []string // repos in the store but not in config
	OrphanLinks  []string // links pointing at store entries not in config
	ForeignLinks []string // links pointing outside the store
	UnknownHooks []string // hook scripts the scanner could not read
}

// Mutations returns the number of state-changing operations in the plan.
func (p *Plan) Mutations() int {
	return len(p.CreateRepos) + len(p.HookOps) + len(p.LinkOps)
}

// BuildPlan diffs desired against observed state. It performs no I/O.
func BuildPlan(desired *manifest.Manifest, observed *state.Observed) *Plan {
	plan := &Plan{UnknownHooks: append([]string(nil), observed.Unreadable...)}

	for _, id := range desired.IDs() {
		repo := desired.Repos[id]
		obsRepo := observed.Repos[id]
		if obsRepo == nil {
			plan.CreateRepos = append(plan.CreateRepos, id)
		}
		planHooks(plan, repo, obsRepo)
		planDesiredLinks(plan, repo, observed)
	}

	for name := range observed.Repos {
		if _, ok := desired.Repos[name]; !ok {
			plan.Orphans = append(plan.Orphans, name)
		}
	}
	sort.Strings(plan.Orphans)

	planObservedLinks(plan, desired, observed)
	return plan
}

// planHooks diffs the three recognized hook scripts of one repository.
// Content equality decides, not mere presence.
func planHooks(plan *Plan, repo *manifest.Repo, obsRepo *state.Repo) {
	for _, event := range manifest.Events {
		var obs state.HookState
		if obsRepo != nil {
			obs = obsRepo.Hooks[event]
		}
		if obs.Unknown {
			// Scanner could not read it: do not touch, do not guess.
			plan.UnknownHooks = append(plan.UnknownHooks, repo.ID+"/"+string(event))
			continue
		}
		body, want := repo.Hooks[event]
		switch {
		case want && (!obs.Present || obs.Content != body):
			plan.HookOps = append(plan.HookOps, HookOp{Repo: repo.ID, Event: event, Write: true, Body: body})
		case !want && obs.Present:
			plan.HookOps = append(plan.HookOps, HookOp{Repo: repo.ID, Event: event})
		}
	}
}

// planDesiredLinks ensures every desired alias exists and points at its
// repository. Foreign symlinks are never overwritten; an occupied alias
// path becomes a conflict instead.
func planDesiredLinks(plan *Plan, repo *manifest.Repo, observed *state.Observed) {
	for _, alias := range repo.Aliases {
		obs, ok := observed.Links[alias]
		switch {
		case !ok:
			plan.LinkOps = append(plan.LinkOps, LinkOp{Repo: repo.ID, Path: alias, Action: LinkCreate})
		case obs.Foreign:
			plan.Conflicts = append(plan.Conflicts, Conflict{
				Repo:   repo.ID,
				Path:   alias,
				Reason: fmt.Sprintf("occupied by foreign symlink to %s", obs.Target),
			})
		case obs.Repo != repo.ID:
			plan.LinkOps = append(plan.LinkOps, LinkOp{Repo: repo.ID, Path: alias, Action: LinkRetarget})
		}
	}
}

// planObservedLinks sweeps links that point into the store: stale aliases
// of managed repositories are removed, links of orphaned repositories are
// preserved and reported. Paths some repository still desires are left to
// planDesiredLinks, which retargets them in place.
func planObservedLinks(plan *Plan, desired *manifest.Manifest, observed *state.Observed) {
	wanted := make(map[string]bool)
	for _, repo := range desired.Repos {
		for _, alias := range repo.Aliases {
			wanted[alias] = true
		}
	}

	paths := make([]string, 0, len(observed.Links))
	for path := range observed.Links {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		link := observed.Links[path]
		switch {
		case link.Foreign:
			plan.ForeignLinks = append(plan.ForeignLinks, path)
		case wanted[path]:
			// Desired by some repository; handled above.
		default:
			if _, managed := desired.Repos[link.Repo]; !managed {
				plan.OrphanLinks = append(plan.OrphanLinks, path)
				continue
			}
			plan.LinkOps = append(plan.LinkOps, LinkOp{Repo: link.Repo, Path: path, Action: LinkRemove})
		}
	}
}
