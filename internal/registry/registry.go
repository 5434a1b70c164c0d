// File: internal/registry/registry.go
// Brief: Package records and the per-run registry.

// Package registry discovers the packages of a workspace and holds the
// per-run facts about them: kind, location, workspace membership, branches,
// and the packed artifact each library produces.
package registry

import (
	"fmt"
	"sort"
)

// Kind classifies a package.
type Kind string

const (
	KindWorkspaceRoot Kind = "workspace-root"
	KindService       Kind = "service"
	KindLibrary       Kind = "library"
)

// Package is one discovered package. It is immutable after discovery.
type Package struct {
	Name             string
	Version          string
	Path             string
	Kind             Kind
	WorkspaceRoot    string
	WorkspaceMembers []string
	DefaultBranch    string
	CurrentBranch    string
	Scripts          map[string]string
	Dependencies     map[string]string
	DevDependencies  map[string]string
}

// IsService reports whether the package is deployable.
func (p *Package) IsService() bool { return p.Kind == KindService }

// IsLibrary reports whether the package is packed for consumption by others.
func (p *Package) IsLibrary() bool { return p.Kind == KindLibrary }

// HasScript reports whether the manifest declares script name.
func (p *Package) HasScript(name string) bool {
	_, ok := p.Scripts[name]
	return ok
}

// Registry is the package snapshot for one run.
type Registry struct {
	Root      string
	packages  map[string]*Package
	artifacts *ArtifactStore
}

// New builds a registry from already resolved packages. Names must be unique
// and workspace references must resolve.
func New(root string, pkgs ...*Package) (*Registry, error) {
	r := &Registry{
		Root:      root,
		packages:  make(map[string]*Package, len(pkgs)),
		artifacts: NewArtifactStore(),
	}
	for _, p := range pkgs {
		if p == nil || p.Name == "" {
			return nil, fmt.Errorf("package without a name")
		}
		if _, dup := r.packages[p.Name]; dup {
			return nil, fmt.Errorf("duplicate package %s", p.Name)
		}
		r.packages[p.Name] = p
	}
	for _, p := range r.packages {
		if p.WorkspaceRoot != "" {
			if _, ok := r.packages[p.WorkspaceRoot]; !ok {
				return nil, fmt.Errorf("%s: workspace root %s is not a known package", p.Name, p.WorkspaceRoot)
			}
		}
		for _, member := range p.WorkspaceMembers {
			if _, ok := r.packages[member]; !ok {
				return nil, fmt.Errorf("%s: workspace member %s is not a known package", p.Name, member)
			}
		}
	}
	return r, nil
}

// Get returns the package named name.
func (r *Registry) Get(name string) (*Package, bool) {
	p, ok := r.packages[name]
	return p, ok
}

// Names returns all package names sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.packages))
	for name := range r.packages {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Services returns the names of deployable packages sorted.
func (r *Registry) Services() []string {
	var out []string
	for name, p := range r.packages {
		if p.IsService() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// KindOf returns the kind of name as a string, or "" when unknown.
func (r *Registry) KindOf(name string) string {
	if p, ok := r.packages[name]; ok {
		return string(p.Kind)
	}
	return ""
}

// WorkspaceRootOf returns the workspace root package of p, if any.
func (r *Registry) WorkspaceRootOf(p *Package) (*Package, bool) {
	if p == nil || p.WorkspaceRoot == "" {
		return nil, false
	}
	return r.Get(p.WorkspaceRoot)
}

// Artifacts returns the run's artifact store.
func (r *Registry) Artifacts() *ArtifactStore { return r.artifacts }
