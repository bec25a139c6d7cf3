// Package registry keeps the client-side list of named admin-repository
// locations. It only selects which config to resolve; it carries no fleet
// semantics of its own.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Remote is one named admin-repository location.
type Remote struct {
	// URL is a local path or a git URL of the admin repository.
	URL string `yaml:"url"`
}

// Registry is the full remotes file.
type Registry struct {
	Remotes map[string]Remote `yaml:"remotes"`
}

// DefaultPath returns the per-user registry location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "gitfleet", "remotes.yaml"), nil
}

// Load reads the registry file. A missing file is an empty registry, not
// an error.
func Load(path string) (*Registry, error) {
	path = os.ExpandEnv(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{Remotes: make(map[string]Remote)}, nil
		}
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse registry file: %w", err)
	}
	if reg.Remotes == nil {
		reg.Remotes = make(map[string]Remote)
	}
	for name, remote := range reg.Remotes {
		remote.URL = os.ExpandEnv(remote.URL)
		reg.Remotes[name] = remote
	}
	return &reg, nil
}

// Save writes the registry file, creating its directory if needed.
func (r *Registry) Save(path string) error {
	path = os.ExpandEnv(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Add registers a remote. Re-adding an existing name overwrites it.
func (r *Registry) Add(name, url string) error {
	if name == "" {
		return fmt.Errorf("remote name must not be empty")
	}
	if url == "" {
		return fmt.Errorf("remote url must not be empty")
	}
	r.Remotes[name] = Remote{URL: url}
	return nil
}

// Remove drops a remote by name.
func (r *Registry) Remove(name string) error {
	if _, ok := r.Remotes[name]; !ok {
		return fmt.Errorf("unknown remote %q", name)
	}
	delete(r.Remotes, name)
	return nil
}

// Lookup resolves a remote by name.
func (r *Registry) Lookup(name string) (Remote, error) {
	remote, ok := r.Remotes[name]
	if !ok {
		return Remote{}, fmt.Errorf("unknown remote %q", name)
	}
	return remote, nil
}

// Names returns the registered remote names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Remotes))
	for name := range r.Remotes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
