package identity

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Identity is one service account from the worker identity catalog.
// The catalog is loaded once at startup and never written by the worker.
type Identity struct {
	Name string `yaml:"username"`
	UID  *int   `yaml:"uid,omitempty"`
	GID  *int   `yaml:"gid,omitempty"`
}

// Registry is the immutable catalog of candidate identities.
type Registry struct {
	identities []Identity
}

// NewRegistry builds a registry, rejecting duplicate names.
func NewRegistry(identities []Identity) (*Registry, error) {
	if len(identities) == 0 {
		return nil, fmt.Errorf("identity catalog is empty")
	}

	seen := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		if id.Name == "" {
			return nil, fmt.Errorf("identity catalog entry is missing a username")
		}
		if _, dup := seen[id.Name]; dup {
			return nil, fmt.Errorf("duplicate identity %q in catalog", id.Name)
		}
		seen[id.Name] = struct{}{}
	}

	out := make([]Identity, len(identities))
	copy(out, identities)
	return &Registry{identities: out}, nil
}

// LoadRegistry reads the YAML identity catalog at path.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity catalog: %w", err)
	}

	var identities []Identity
	if err := yaml.Unmarshal(data, &identities); err != nil {
		return nil, fmt.Errorf("failed to parse identity catalog: %w", err)
	}

	return NewRegistry(identities)
}

// Len returns the catalog size.
func (r *Registry) Len() int {
	return len(r.identities)
}

// At returns the identity at catalog index i.
func (r *Registry) At(i int) Identity {
	return r.identities[i]
}

// Identities returns a copy of the catalog.
func (r *Registry) Identities() []Identity {
	out := make([]Identity, len(r.identities))
	copy(out, r.identities)
	return out
}
