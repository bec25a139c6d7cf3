// Package manifest resolves gitfleet config files into the desired-state
// manifest. Resolution follows src= includes eagerly, depth-first and left
// to right, and rejects anything ambiguous (duplicate ids, duplicate hook
// events, duplicate aliases) instead of picking a winner.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schaermu/gitfleet/internal/markup"
)

// HookEvent is a recognized git server-side hook name.
type HookEvent string

const (
	HookPreReceive  HookEvent = "pre-receive"
	HookUpdate      HookEvent = "update"
	HookPostReceive HookEvent = "post-receive"
)

// Events lists the recognized hook events in a stable order.
var Events = []HookEvent{HookPreReceive, HookUpdate, HookPostReceive}

// Valid reports whether the event is one of the recognized hook names.
func (e HookEvent) Valid() bool {
	switch e {
	case HookPreReceive, HookUpdate, HookPostReceive:
		return true
	}
	return false
}

// DefaultBranch is used when the config does not set a branch attribute.
const DefaultBranch = "main"

// Repo is the desired state for a single repository. Immutable once
// resolved; rebuilt from config text on every run.
type Repo struct {
	ID      string
	Tags    []string // sorted, duplicates collapsed
	Aliases []string // link-root-relative paths, declaration order
	Hooks   map[HookEvent]string
}

// HasTag reports whether the repo carries the exact tag.
func (r *Repo) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Matches reports whether every search term is a substring of the repo id
// or of one of its tags.
func (r *Repo) Matches(terms []string) bool {
	for _, term := range terms {
		if strings.Contains(r.ID, term) {
			continue
		}
		found := false
		for _, t := range r.Tags {
			if strings.Contains(t, term) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Manifest is the fully resolved desired state.
type Manifest struct {
	Store    string // absolute path of the repository store
	LinkRoot string // absolute path of the symlink tree
	Branch   string // default branch for new repositories
	Repos    map[string]*Repo
}

// IDs returns all repository ids in sorted order.
func (m *Manifest) IDs() []string {
	ids := make([]string, 0, len(m.Repos))
	for id := range m.Repos {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FilterTag returns the sorted ids of repos carrying the exact tag.
func (m *Manifest) FilterTag(tag string) []string {
	var ids []string
	for id, r := range m.Repos {
		if r.HasTag(tag) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Search returns the sorted ids of repos matching all terms.
func (m *Manifest) Search(terms []string) []string {
	var ids []string
	for id, r := range m.Repos {
		if r.Matches(terms) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Load reads the root config file and resolves it, includes and all, into
// a Manifest. All errors carry the offending file and position.
func Load(path string) (*Manifest, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	l := &loader{aliasOwner: make(map[string]string)}
	return l.load(abs)
}

type loader struct {
	// chain holds the absolute paths currently being expanded, root
	// first. A file reappearing on its own chain is an include cycle.
	chain []string
	// aliasOwner maps each claimed alias path to its repository id so a
	// duplicate is rejected at the declaration that introduces it.
	aliasOwner map[string]string
}

func (l *loader) push(path string, at *markup.Element) error {
	for _, p := range l.chain {
		if p == path {
			cycle := append(append([]string{}, l.chain...), path)
			return at.Errorf("include cycle: %s", strings.Join(cycle, " -> "))
		}
	}
	l.chain = append(l.chain, path)
	return nil
}

func (l *loader) pop() {
	l.chain = l.chain[:len(l.chain)-1]
}

func (l *loader) load(path string) (*Manifest, error) {
	doc, err := markup.ParseFile(path)
	if err != nil {
		return nil, err
	}
	root, err := rootElement(path, doc)
	if err != nil {
		return nil, err
	}

	m := &Manifest{Branch: DefaultBranch, Repos: make(map[string]*Repo)}

	store, ok := root.Attr("store")
	if !ok || store == "" {
		return nil, root.Errorf("config element requires a non-empty 'store' attribute")
	}
	if !filepath.IsAbs(store) {
		return nil, root.Errorf("store must be an absolute path: %s", store)
	}
	m.Store = filepath.Clean(store)

	if linkRoot, ok := root.Attr("root"); ok {
		if !filepath.IsAbs(linkRoot) {
			return nil, root.Errorf("root must be an absolute path: %s", linkRoot)
		}
		m.LinkRoot = filepath.Clean(linkRoot)
	} else {
		// No symlink root configured: default to a 'links' directory
		// next to the store. Never inside it, or the scanner would
		// mistake it for a repository.
		m.LinkRoot = filepath.Join(filepath.Dir(m.Store), "links")
	}

	if branch, ok := root.Attr("branch"); ok {
		if branch == "" {
			return nil, root.Errorf("branch attribute must not be empty")
		}
		m.Branch = branch
	}

	if err := l.push(path, root); err != nil {
		return nil, err
	}
	defer l.pop()

	if err := l.resolveSeq(m, root.Elements(), filepath.Dir(path)); err != nil {
		return nil, err
	}
	return m, nil
}

// rootElement extracts the single top-level <config> element.
func rootElement(path string, doc []markup.Content) (*markup.Element, error) {
	var root *markup.Element
	for _, c := range doc {
		el, ok := c.(*markup.Element)
		if !ok {
			continue
		}
		if root != nil {
			return nil, el.Errorf("expected a single top-level 'config' element")
		}
		root = el
	}
	if root == nil {
		return nil, &markup.Error{
			Pos: markup.Pos{File: path, Line: 1, Col: 1},
			Msg: "expected a 'config' element",
		}
	}
	if root.Name != "config" {
		return nil, root.Errorf("expected 'config' element, got '%s'", root.Name)
	}
	return root, nil
}

// resolveSeq processes a sequence of <repo> and <div> elements, splicing
// included files in place.
func (l *loader) resolveSeq(m *Manifest, els []*markup.Element, baseDir string) error {
	for _, el := range els {
		switch el.Name {
		case "repo":
			if err := l.resolveRepo(m, el, baseDir); err != nil {
				return err
			}
		case "div":
			if err := l.resolveDiv(m, el, baseDir); err != nil {
				return err
			}
		default:
			return el.Errorf("expected 'repo' or 'div' element, got '%s'", el.Name)
		}
	}
	return nil
}

// resolveDiv splices the referenced file's repo sequence into the parent.
// A div has no identity of its own.
func (l *loader) resolveDiv(m *Manifest, el *markup.Element, baseDir string) error {
	src, ok := el.Attr("src")
	if !ok || src == "" {
		return el.Errorf("div element requires a 'src' attribute")
	}
	if len(el.Children) != 0 {
		return el.Errorf("div element must be empty; its content comes from 'src'")
	}
	path := includePath(baseDir, src)
	doc, err := markup.ParseFile(path)
	if err != nil {
		return includeError(el, path, err)
	}
	if err := l.push(path, el); err != nil {
		return err
	}
	defer l.pop()
	return l.resolveSeq(m, elementsOf(doc), filepath.Dir(path))
}

func (l *loader) resolveRepo(m *Manifest, el *markup.Element, baseDir string) error {
	id, ok := el.Attr("id")
	if !ok || id == "" {
		return el.Errorf("repo element requires a non-empty 'id' attribute")
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return el.Errorf("invalid repository id %q", id)
	}
	if _, exists := m.Repos[id]; exists {
		return el.Errorf("duplicate repository id %q", id)
	}

	repo := &Repo{ID: id, Hooks: make(map[HookEvent]string)}

	body := el.Elements()
	bodyDir := baseDir
	if src, ok := el.Attr("src"); ok {
		if len(el.Children) != 0 {
			return el.Errorf("repo with 'src' attribute must have no inline body")
		}
		path := includePath(baseDir, src)
		doc, err := markup.ParseFile(path)
		if err != nil {
			return includeError(el, path, err)
		}
		if err := l.push(path, el); err != nil {
			return err
		}
		defer l.pop()
		body = elementsOf(doc)
		bodyDir = filepath.Dir(path)
	}

	for _, child := range body {
		switch child.Name {
		case "tag":
			tag := child.Text()
			if tag == "" || strings.ContainsAny(tag, " \t\n") {
				return child.Errorf("tag must contain text without whitespace")
			}
			repo.Tags = append(repo.Tags, tag)
		case "alias":
			alias := child.Text()
			if alias == "" {
				return child.Errorf("alias must contain a path")
			}
			clean := filepath.Clean(alias)
			if filepath.IsAbs(alias) || !filepath.IsLocal(clean) {
				return child.Errorf("alias %q escapes the symlink root", alias)
			}
			if prev, taken := l.aliasOwner[clean]; taken {
				return child.Errorf("alias %q already claimed by repository %q", clean, prev)
			}
			l.aliasOwner[clean] = id
			repo.Aliases = append(repo.Aliases, clean)
		case "hook":
			if err := resolveHook(repo, child, bodyDir); err != nil {
				return err
			}
		default:
			return child.Errorf("expected 'tag', 'alias', or 'hook' element, got '%s'", child.Name)
		}
	}

	sort.Strings(repo.Tags)
	repo.Tags = dedup(repo.Tags)
	m.Repos[id] = repo
	return nil
}

// resolveHook reads one <hook name=...> element. The body comes either from
// inline text or from a src= file, never both. Bodies are normalized to end
// with a newline so written hook files compare equal on the next scan.
func resolveHook(repo *Repo, el *markup.Element, baseDir string) error {
	name, ok := el.Attr("name")
	if !ok {
		return el.Errorf("hook element requires a 'name' attribute")
	}
	event := HookEvent(name)
	if !event.Valid() {
		return el.Errorf("unknown hook name %q: expected 'pre-receive', 'update', or 'post-receive'", name)
	}
	if _, dup := repo.Hooks[event]; dup {
		return el.Errorf("duplicate %q hook for repository %q", event, repo.ID)
	}

	var body string
	src, hasSrc := el.Attr("src")
	switch {
	case hasSrc && len(el.Children) == 0:
		data, err := os.ReadFile(includePath(baseDir, src))
		if err != nil {
			return includeError(el, includePath(baseDir, src), err)
		}
		body = string(data)
	case !hasSrc && len(el.Children) > 0:
		body = el.Text()
	default:
		return el.Errorf("hook requires either inline script text or a 'src' attribute")
	}

	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	repo.Hooks[event] = body
	return nil
}

func includePath(baseDir, src string) string {
	if filepath.IsAbs(src) {
		return filepath.Clean(src)
	}
	return filepath.Clean(filepath.Join(baseDir, src))
}

// includeError wraps an I/O or parse failure from an included file with the
// position of the element that referenced it.
func includeError(el *markup.Element, path string, err error) error {
	if _, ok := err.(*markup.Error); ok {
		// Syntax errors already carry their own position.
		return err
	}
	return el.Errorf("failed to load %q: %v", path, err)
}

func elementsOf(doc []markup.Content) []*markup.Element {
	var els []*markup.Element
	for _, c := range doc {
		if el, ok := c.(*markup.Element); ok {
			els = append(els, el)
		}
	}
	return els
}

func dedup(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
