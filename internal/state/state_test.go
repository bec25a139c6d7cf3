package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/schaermu/gitfleet/internal/manifest"
)

// makeStore builds a fake store with the given repos, each with a hooks dir.
func makeStore(t *testing.T, repos ...string) string {
	t.Helper()
	store := filepath.Join(t.TempDir(), "store")
	for _, name := range repos {
		if err := os.MkdirAll(filepath.Join(store, name, "hooks"), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if len(repos) == 0 {
		if err := os.MkdirAll(store, 0755); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func makeLinkRoot(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "links")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestScanEmpty(t *testing.T) {
	obs, err := Scan(makeStore(t), makeLinkRoot(t))
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(obs.Repos) != 0 || len(obs.Links) != 0 {
		t.Errorf("expected empty observation, got %d repos, %d links", len(obs.Repos), len(obs.Links))
	}
}

func TestScanMissingStoreIsFatal(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "nope"), makeLinkRoot(t))
	if err == nil {
		t.Fatal("expected error for missing store")
	}
	if _, ok := err.(*ScanError); !ok {
		t.Errorf("expected *ScanError, got %T", err)
	}
}

func TestScanReposAndHooks(t *testing.T) {
	store := makeStore(t, "admin", "blog")
	hook := filepath.Join(store, "admin", "hooks", "post-receive")
	if err := os.WriteFile(hook, []byte("#!/bin/sh\ngitfleet switch\n"), 0755); err != nil {
		t.Fatal(err)
	}

	obs, err := Scan(store, makeLinkRoot(t))
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	if len(obs.Repos) != 2 {
		t.Fatalf("expected 2 repos, got %d", len(obs.Repos))
	}
	admin := obs.Repos["admin"]
	hs := admin.Hooks[manifest.HookPostReceive]
	if !hs.Present || hs.Content != "#!/bin/sh\ngitfleet switch\n" {
		t.Errorf("unexpected post-receive state: %+v", hs)
	}
	if admin.Hooks[manifest.HookUpdate].Present {
		t.Error("update hook should be absent")
	}
	blog := obs.Repos["blog"]
	for _, ev := range manifest.Events {
		if blog.Hooks[ev].Present {
			t.Errorf("blog %s hook should be absent", ev)
		}
	}
}

func TestScanSkipsDottedEntries(t *testing.T) {
	store := makeStore(t, "blog")
	if err := os.MkdirAll(filepath.Join(store, ".gitfleet", "checkout"), 0755); err != nil {
		t.Fatal(err)
	}

	obs, err := Scan(store, makeLinkRoot(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := obs.Repos[".gitfleet"]; ok {
		t.Error("dotted entries must not be treated as repositories")
	}
	if len(obs.Repos) != 1 {
		t.Errorf("expected 1 repo, got %d", len(obs.Repos))
	}
}

func TestScanLinks(t *testing.T) {
	store := makeStore(t, "blog", "wiki")
	root := makeLinkRoot(t)

	// Managed link at the top level.
	if err := os.Symlink(filepath.Join(store, "wiki"), filepath.Join(root, "wiki")); err != nil {
		t.Fatal(err)
	}
	// Managed link nested one level down.
	if err := os.MkdirAll(filepath.Join(root, "sites"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(store, "blog"), filepath.Join(root, "sites", "blog")); err != nil {
		t.Fatal(err)
	}
	// Foreign link pointing outside the store.
	if err := os.Symlink("/etc/hosts", filepath.Join(root, "hosts")); err != nil {
		t.Fatal(err)
	}

	obs, err := Scan(store, root)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(obs.Links) != 3 {
		t.Fatalf("expected 3 links, got %d: %v", len(obs.Links), obs.Links)
	}

	wiki := obs.Links["wiki"]
	if wiki.Repo != "wiki" || wiki.Foreign {
		t.Errorf("wiki link: %+v", wiki)
	}
	blog := obs.Links[filepath.Join("sites", "blog")]
	if blog.Repo != "blog" || blog.Foreign {
		t.Errorf("nested blog link: %+v", blog)
	}
	hosts := obs.Links["hosts"]
	if !hosts.Foreign || hosts.Repo != "" {
		t.Errorf("foreign link not flagged: %+v", hosts)
	}
}

func TestScanRelativeLinkTarget(t *testing.T) {
	base := t.TempDir()
	store := filepath.Join(base, "store")
	root := filepath.Join(base, "links")
	if err := os.MkdirAll(filepath.Join(store, "blog", "hooks"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}
	// Relative target: ../store/blog from inside the link root.
	if err := os.Symlink(filepath.Join("..", "store", "blog"), filepath.Join(root, "blog")); err != nil {
		t.Fatal(err)
	}

	obs, err := Scan(store, root)
	if err != nil {
		t.Fatal(err)
	}
	link := obs.Links["blog"]
	if link.Repo != "blog" || link.Foreign {
		t.Errorf("relative target should resolve into the store: %+v", link)
	}
}

func TestRepoForTarget(t *testing.T) {
	for _, tc := range []struct {
		target string
		repo   string
		ok     bool
	}{
		{target: "/srv/store/blog", repo: "blog", ok: true},
		{target: "/srv/store/blog/hooks", ok: false},
		{target: "/srv/store", ok: false},
		{target: "/etc/hosts", ok: false},
		{target: "/srv/store-other/blog", ok: false},
	} {
		repo, ok := repoForTarget("/srv/store", tc.target)
		if ok != tc.ok || repo != tc.repo {
			t.Errorf("repoForTarget(%s) = %q,%v; want %q,%v", tc.target, repo, ok, tc.repo, tc.ok)
		}
	}
}
