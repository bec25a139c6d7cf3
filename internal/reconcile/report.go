package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/schaermu/gitfleet/internal/manifest"
)

// Report is the machine-readable outcome of one reconciliation run. Every
// skipped-but-observed condition shows up here even when it is not an
// error.
type Report struct {
	DryRun bool `json:"dry_run,omitempty"`

	CreatedRepos    []string `json:"created_repos,omitempty"`
	HooksWritten    []string `json:"hooks_written,omitempty"`
	HooksRemoved    []string `json:"hooks_removed,omitempty"`
	LinksCreated    []string `json:"links_created,omitempty"`
	LinksRetargeted []string `json:"links_retargeted,omitempty"`
	LinksRemoved    []string `json:"links_removed,omitempty"`

	Orphans      []string `json:"orphans,omitempty"`
	OrphanLinks  []string `json:"orphan_links,omitempty"`
	ForeignLinks []string `json:"foreign_links,omitempty"`
	UnknownHooks []string `json:"unknown_hooks,omitempty"`

	Conflicts []string          `json:"conflicts,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"` // repo id -> failure
}

// newReport seeds a report with the plan's informational findings.
func newReport(plan *Plan) *Report {
	r := &Report{
		Orphans:      plan.Orphans,
		OrphanLinks:  plan.OrphanLinks,
		ForeignLinks: plan.ForeignLinks,
		UnknownHooks: plan.UnknownHooks,
	}
	for _, c := range plan.Conflicts {
		r.Conflicts = append(r.Conflicts, c.String())
	}
	return r
}

// Converged reports whether every repository reached its desired state.
// Conflicts count as failures: the operator asked for something the
// reconciler refused to do.
func (r *Report) Converged() bool {
	return len(r.Errors) == 0 && len(r.Conflicts) == 0
}

// Mutations returns the number of state changes performed (or, for a dry
// run, that would be performed).
func (r *Report) Mutations() int {
	return len(r.CreatedRepos) + len(r.HooksWritten) + len(r.HooksRemoved) +
		len(r.LinksCreated) + len(r.LinksRetargeted) + len(r.LinksRemoved)
}

func (r *Report) fail(repo string, err error) {
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	r.Errors[repo] = err.Error()
}

// JSON renders the report for scripting consumers.
func (r *Report) JSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	return string(data), nil
}

func hookRef(repo string, event manifest.HookEvent) string {
	return repo + "/" + string(event)
}
