// Package state observes the on-disk fleet: repositories in the store,
// their installed hook scripts, and the symlink tree. The result has the
// same shape as the desired-state manifest so the reconciler can diff the
// two as plain values.
package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/gitfleet/internal/manifest"
)

// HookState is the observed condition of one hook script.
type HookState struct {
	Present bool
	Content string
	// Unknown is set when the script exists but could not be read
	// (permissions). The reconciler must never touch an unknown hook.
	Unknown bool
}

// Repo is one repository found in the store.
type Repo struct {
	Name  string
	Hooks map[manifest.HookEvent]HookState
}

// Link is one symlink found under the link root.
type Link struct {
	Path   string // link-root-relative
	Target string // resolved absolute target
	Repo   string // repository id when the target is inside the store
	// Foreign marks links whose target is outside the store. They are
	// recorded for reporting but never modified.
	Foreign bool
}

// Observed is the scanned server state.
type Observed struct {
	Store    string
	LinkRoot string
	Repos    map[string]*Repo
	Links    map[string]Link // keyed by link-root-relative path
	// Unreadable lists paths the scanner could not descend into. Entries
	// under them are treated as unknown, not absent.
	Unreadable []string
}

// ScanError is a fatal failure to observe current state. Reconciliation
// must not proceed on top of it.
type ScanError struct {
	Path string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("failed to scan %s: %v", e.Path, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Scan reads the store and the symlink tree. An unreadable store or link
// root is fatal; unreadable individual entries degrade to unknown state.
func Scan(storePath, linkRoot string) (*Observed, error) {
	obs := &Observed{
		Store:    filepath.Clean(storePath),
		LinkRoot: filepath.Clean(linkRoot),
		Repos:    make(map[string]*Repo),
		Links:    make(map[string]Link),
	}

	entries, err := os.ReadDir(obs.Store)
	if err != nil {
		return nil, &ScanError{Path: obs.Store, Err: err}
	}
	for _, entry := range entries {
		// Dotted names (e.g. the scratch admin checkout) are not
		// repositories.
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		repo, err := scanRepo(obs, entry.Name())
		if err != nil {
			return nil, err
		}
		obs.Repos[entry.Name()] = repo
	}

	if err := scanLinks(obs); err != nil {
		return nil, err
	}
	return obs, nil
}

// scanRepo records the hook scripts of one repository. Contents are kept
// verbatim so the reconciler can compare by content, not just presence.
func scanRepo(obs *Observed, name string) (*Repo, error) {
	repo := &Repo{Name: name, Hooks: make(map[manifest.HookEvent]HookState)}
	hookDir := filepath.Join(obs.Store, name, "hooks")
	for _, event := range manifest.Events {
		path := filepath.Join(hookDir, string(event))
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			repo.Hooks[event] = HookState{Present: true, Content: string(data)}
		case os.IsNotExist(err):
			repo.Hooks[event] = HookState{}
		case os.IsPermission(err):
			repo.Hooks[event] = HookState{Present: true, Unknown: true}
			obs.Unreadable = append(obs.Unreadable, path)
		default:
			return nil, &ScanError{Path: path, Err: err}
		}
	}
	return repo, nil
}

// scanLinks walks the link root recursively, recording every symlink and
// whether its target points into the store.
func scanLinks(obs *Observed) error {
	root := obs.LinkRoot
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return &ScanError{Path: root, Err: err}
			}
			// Permission failure deeper in the tree: remember it and
			// keep going. Whatever is below stays untouched.
			obs.Unreadable = append(obs.Unreadable, path)
			return fs.SkipDir
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		target, err := os.Readlink(path)
		if err != nil {
			obs.Unreadable = append(obs.Unreadable, path)
			return nil
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		target = filepath.Clean(target)

		link := Link{Path: rel, Target: target}
		if repo, ok := repoForTarget(obs.Store, target); ok {
			link.Repo = repo
		} else {
			link.Foreign = true
		}
		obs.Links[rel] = link
		return nil
	})
	if walkErr != nil {
		if se, ok := walkErr.(*ScanError); ok {
			return se
		}
		return &ScanError{Path: root, Err: walkErr}
	}
	return nil
}

// repoForTarget reports the repository id a target path points at, if the
// target is the store entry itself. A link into a repository's interior
// (say store/blog/hooks) is deliberately classified foreign even though it
// sits under the store: the reconciler only manages links to whole
// repositories, and foreign means it will report the link but never
// retarget or remove it.
func repoForTarget(store, target string) (string, bool) {
	rel, err := filepath.Rel(store, target)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return "", false
	}
	if strings.ContainsRune(rel, filepath.Separator) {
		return "", false
	}
	return rel, true
}

// RepoPath returns the store entry a repository id maps to.
func RepoPath(store, id string) string {
	return filepath.Join(store, id)
}

// HookPath returns the hook script location for a repository and event.
func HookPath(store, id string, event manifest.HookEvent) string {
	return filepath.Join(store, id, "hooks", string(event))
}
