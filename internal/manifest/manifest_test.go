package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/schaermu/gitfleet/internal/markup"
)

// writeConfig writes a tree of config files into a temp dir and returns the
// path of the root file.
func writeConfig(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return filepath.Join(dir, "config.xml")
}

func TestLoadInlineRepo(t *testing.T) {
	root := writeConfig(t, map[string]string{
		"config.xml": `
<config store="/srv/store" root="/srv/links" branch="trunk">
  <repo id="blog">
    <tag>web</tag>
    <tag>public</tag>
    <tag>web</tag>
    <alias>sites/blog</alias>
    <hook name="post-receive">#!/bin/sh
echo received</hook>
  </repo>
</config>`,
	})

	m, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Store != "/srv/store" || m.LinkRoot != "/srv/links" || m.Branch != "trunk" {
		t.Errorf("unexpected header: store=%s root=%s branch=%s", m.Store, m.LinkRoot, m.Branch)
	}
	repo, ok := m.Repos["blog"]
	if !ok {
		t.Fatal("repo blog missing")
	}
	if !reflect.DeepEqual(repo.Tags, []string{"public", "web"}) {
		t.Errorf("expected sorted deduped tags, got %v", repo.Tags)
	}
	if !reflect.DeepEqual(repo.Aliases, []string{"sites/blog"}) {
		t.Errorf("unexpected aliases: %v", repo.Aliases)
	}
	body, ok := repo.Hooks[HookPostReceive]
	if !ok {
		t.Fatal("post-receive hook missing")
	}
	if !strings.HasSuffix(body, "\n") {
		t.Error("hook body must be newline-terminated")
	}
	if !strings.HasPrefix(body, "#!/bin/sh") {
		t.Errorf("unexpected hook body: %q", body)
	}
}

func TestLoadDefaults(t *testing.T) {
	root := writeConfig(t, map[string]string{
		"config.xml": `<config store="/srv/store"></config>`,
	})

	m, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if m.LinkRoot != "/srv/links" {
		t.Errorf("expected default link root /srv/links, got %s", m.LinkRoot)
	}
	if m.Branch != DefaultBranch {
		t.Errorf("expected default branch, got %s", m.Branch)
	}
}

func TestLoadDivInclude(t *testing.T) {
	root := writeConfig(t, map[string]string{
		"config.xml": `
<config store="/srv/store" root="/srv/links">
  <repo id="first"/>
  <div src="repos/extra.xml"/>
</config>`,
		"repos/extra.xml": `
<repo id="second"><tag>extra</tag></repo>
<div src="more.xml"/>`,
		"repos/more.xml": `<repo id="third"/>`,
	})

	m, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := []string{"first", "second", "third"}
	if got := m.IDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected repos %v, got %v", want, got)
	}
}

func TestLoadRepoBodyInclude(t *testing.T) {
	root := writeConfig(t, map[string]string{
		"config.xml": `
<config store="/srv/store" root="/srv/links">
  <repo id="blog" src="bodies/blog.xml"/>
</config>`,
		"bodies/blog.xml": `
<tag>web</tag>
<alias>sites/blog</alias>
<hook name="update" src="update.sh"/>`,
		"bodies/update.sh": "#!/bin/sh\nexit 0\n",
	})

	m, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	repo := m.Repos["blog"]
	if repo == nil {
		t.Fatal("repo blog missing")
	}
	if !repo.HasTag("web") {
		t.Error("tag from included body missing")
	}
	if got := repo.Hooks[HookUpdate]; got != "#!/bin/sh\nexit 0\n" {
		t.Errorf("hook src body mismatch: %q", got)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	root := writeConfig(t, map[string]string{
		"config.xml": `
<config store="/srv/store" root="/srv/links">
  <div src="a.xml"/>
</config>`,
		"a.xml": `<div src="b.xml"/>`,
		"b.xml": `<div src="a.xml"/>`,
	})

	_, err := Load(root)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "include cycle") {
		t.Fatalf("expected include cycle error, got: %v", err)
	}
	if !strings.Contains(msg, "a.xml") || !strings.Contains(msg, "b.xml") {
		t.Errorf("cycle error should name both files: %v", err)
	}
}

func TestLoadMissingInclude(t *testing.T) {
	root := writeConfig(t, map[string]string{
		"config.xml": `
<config store="/srv/store" root="/srv/links">
  <div src="nope.xml"/>
</config>`,
	})

	_, err := Load(root)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "config.xml:3") {
		t.Errorf("error should carry the referencing position, got: %v", err)
	}
	if !strings.Contains(err.Error(), "nope.xml") {
		t.Errorf("error should name the missing file, got: %v", err)
	}
}

func TestLoadRejections(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  string
		msg  string
	}{
		{
			name: "missing store",
			cfg:  `<config root="/srv/links"><repo id="a"/></config>`,
			msg:  "'store' attribute",
		},
		{
			name: "empty store",
			cfg:  `<config store=""><repo id="a"/></config>`,
			msg:  "'store' attribute",
		},
		{
			name: "relative store",
			cfg:  `<config store="srv/store"/>`,
			msg:  "absolute path",
		},
		{
			name: "duplicate id",
			cfg:  `<config store="/s" root="/l"><repo id="a"/><repo id="a"/></config>`,
			msg:  `duplicate repository id "a"`,
		},
		{
			name: "duplicate hook event",
			cfg: `<config store="/s" root="/l"><repo id="a">
				<hook name="update">one</hook>
				<hook name="update">two</hook>
			</repo></config>`,
			msg: `duplicate "update" hook`,
		},
		{
			name: "unknown hook event",
			cfg:  `<config store="/s" root="/l"><repo id="a"><hook name="post-update">x</hook></repo></config>`,
			msg:  "unknown hook name",
		},
		{
			name: "duplicate alias across repos",
			cfg: `<config store="/s" root="/l">
				<repo id="a"><alias>shared</alias></repo>
				<repo id="b"><alias>shared</alias></repo>
			</config>`,
			msg: `alias "shared" already claimed by repository "a"`,
		},
		{
			name: "alias escapes root",
			cfg:  `<config store="/s" root="/l"><repo id="a"><alias>../outside</alias></repo></config>`,
			msg:  "escapes the symlink root",
		},
		{
			name: "absolute alias",
			cfg:  `<config store="/s" root="/l"><repo id="a"><alias>/etc/passwd</alias></repo></config>`,
			msg:  "escapes the symlink root",
		},
		{
			name: "tag with whitespace",
			cfg:  `<config store="/s" root="/l"><repo id="a"><tag>two words</tag></repo></config>`,
			msg:  "without whitespace",
		},
		{
			name: "unknown body element",
			cfg:  `<config store="/s" root="/l"><repo id="a"><link>x</link></repo></config>`,
			msg:  "expected 'tag', 'alias', or 'hook'",
		},
		{
			name: "repo without id",
			cfg:  `<config store="/s" root="/l"><repo><tag>x</tag></repo></config>`,
			msg:  "'id' attribute",
		},
		{
			name: "id with slash",
			cfg:  `<config store="/s" root="/l"><repo id="a/b"/></config>`,
			msg:  "invalid repository id",
		},
		{
			name: "not a config root",
			cfg:  `<settings store="/s"/>`,
			msg:  "expected 'config' element",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			root := writeConfig(t, map[string]string{"config.xml": tc.cfg})
			_, err := Load(root)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.msg) {
				t.Errorf("expected error containing %q, got: %v", tc.msg, err)
			}
		})
	}
}

func TestLoadRejectionsCarryPositions(t *testing.T) {
	// Every config rejection is a positioned syntax-class error, so the
	// CLI can tell it apart from reconcile failures.
	for _, tc := range []struct {
		name string
		cfg  string
		line int
	}{
		{
			name: "duplicate alias names the second declaration",
			cfg: `<config store="/s" root="/l">
<repo id="a"><alias>shared</alias></repo>
<repo id="b"><alias>shared</alias></repo>
</config>`,
			line: 3,
		},
		{
			name: "document without config element",
			cfg:  `just some text`,
			line: 1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			root := writeConfig(t, map[string]string{"config.xml": tc.cfg})
			_, err := Load(root)
			if err == nil {
				t.Fatal("expected error")
			}
			var perr *markup.Error
			if !errors.As(err, &perr) {
				t.Fatalf("expected a positioned error, got %T: %v", err, err)
			}
			if filepath.Base(perr.Pos.File) != "config.xml" || perr.Pos.Line != tc.line {
				t.Errorf("error position = %s, want config.xml:%d", perr.Pos, tc.line)
			}
		})
	}
}

func TestLoadDeterministic(t *testing.T) {
	files := map[string]string{
		"config.xml": `
<config store="/srv/store" root="/srv/links">
  <repo id="b"><tag>two</tag></repo>
  <div src="extra.xml"/>
</config>`,
		"extra.xml": `<repo id="a"><tag>one</tag><alias>a</alias></repo>`,
	}
	root := writeConfig(t, files)

	m1, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(m1, m2) {
		t.Error("two loads of the same config differ")
	}
}

func TestSearchAndFilter(t *testing.T) {
	m := &Manifest{Repos: map[string]*Repo{
		"blog":  {ID: "blog", Tags: []string{"public", "web"}},
		"notes": {ID: "notes", Tags: []string{"private"}},
		"wiki":  {ID: "wiki", Tags: []string{"public"}},
	}}

	if got := m.FilterTag("public"); !reflect.DeepEqual(got, []string{"blog", "wiki"}) {
		t.Errorf("FilterTag: %v", got)
	}
	if got := m.Search([]string{"pub", "web"}); !reflect.DeepEqual(got, []string{"blog"}) {
		t.Errorf("Search: %v", got)
	}
	if got := m.Search([]string{"notes"}); !reflect.DeepEqual(got, []string{"notes"}) {
		t.Errorf("Search by id: %v", got)
	}
}
