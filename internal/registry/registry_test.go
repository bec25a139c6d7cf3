package registry

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	reg, err := Load(filepath.Join(t.TempDir(), "remotes.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reg.Remotes) != 0 {
		t.Errorf("expected empty registry, got %v", reg.Remotes)
	}
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "remotes.yaml")

	reg := &Registry{Remotes: make(map[string]Remote)}
	if err := reg.Add("home", "/srv/store/admin"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add("work", "ssh://git@work.example.com/srv/store/admin"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(loaded.Remotes, reg.Remotes) {
		t.Errorf("round trip mismatch: %v != %v", loaded.Remotes, reg.Remotes)
	}
	if got := loaded.Names(); !reflect.DeepEqual(got, []string{"home", "work"}) {
		t.Errorf("Names = %v", got)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("GITFLEET_TEST_STORE", "/srv/store")
	path := filepath.Join(t.TempDir(), "remotes.yaml")
	content := "remotes:\n  home:\n    url: $GITFLEET_TEST_STORE/admin\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	reg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	remote, err := reg.Lookup("home")
	if err != nil {
		t.Fatal(err)
	}
	if remote.URL != "/srv/store/admin" {
		t.Errorf("env not expanded: %s", remote.URL)
	}
}

func TestRemoveAndLookupUnknown(t *testing.T) {
	reg := &Registry{Remotes: make(map[string]Remote)}
	if err := reg.Add("home", "/srv/store/admin"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Remove("home"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Remove("home"); err == nil {
		t.Error("removing an unknown remote must fail")
	}
	if _, err := reg.Lookup("home"); err == nil {
		t.Error("lookup of removed remote must fail")
	}
}

func TestAddValidation(t *testing.T) {
	reg := &Registry{Remotes: make(map[string]Remote)}
	if err := reg.Add("", "/x"); err == nil {
		t.Error("empty name must be rejected")
	}
	if err := reg.Add("x", ""); err == nil {
		t.Error("empty url must be rejected")
	}
}
