// File: internal/registry/discover.go
// Brief: Filesystem discovery of package.json manifests.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/example/tierdeploy/internal/gitinfo"
	"github.com/go-logr/logr"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"golang.org/x/sync/errgroup"
)

const (
	manifestFileName = "package.json"
	// IgnoreFileName holds extra discovery ignore patterns at the workspace root.
	IgnoreFileName = ".tierdeployignore"
	// DefaultDeployDescriptor marks a directory as deployable.
	DefaultDeployDescriptor = "serverless.ts"
)

var alwaysIgnored = []string{"**/node_modules", "**/.git"}

// ResolveOptions tunes discovery.
type ResolveOptions struct {
	// Ignore holds extra patterns relative to the root, in .dockerignore syntax.
	Ignore []string
	// DeployDescriptor is the file whose presence marks a service.
	DeployDescriptor string
	// ReadBranches fills branch fields from git metadata.
	ReadBranches bool
	Log          logr.Logger
}

type manifest struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Workspaces      json.RawMessage   `json:"workspaces"`
}

func (m manifest) workspaceGlobs() []string {
	if len(m.Workspaces) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(m.Workspaces, &list); err == nil {
		return list
	}
	var obj struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(m.Workspaces, &obj); err == nil {
		return obj.Packages
	}
	return nil
}

// Resolve walks root for package manifests and builds the registry.
func Resolve(ctx context.Context, root string, opts ResolveOptions) (*Registry, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	descriptor := opts.DeployDescriptor
	if descriptor == "" {
		descriptor = DefaultDeployDescriptor
	}
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	patterns := append([]string(nil), alwaysIgnored...)
	patterns = append(patterns, opts.Ignore...)
	if raw, err := os.ReadFile(filepath.Join(absRoot, IgnoreFileName)); err == nil {
		extra, err := ignorefile.ReadAll(strings.NewReader(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", IgnoreFileName, err)
		}
		patterns = append(patterns, extra...)
	}
	matcher, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("ignore patterns: %w", err)
	}

	type found struct {
		dir      string
		manifest manifest
	}
	var manifests []found
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel != "." {
			if ignored, err := matcher.MatchesOrParentMatches(rel); err == nil && ignored {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
		}
		if d.IsDir() || d.Name() != manifestFileName {
			return nil
		}
		m, err := readManifest(path)
		if err != nil {
			return err
		}
		if strings.TrimSpace(m.Name) == "" {
			log.V(1).Info("skipping unnamed manifest", "path", path)
			return nil
		}
		manifests = append(manifests, found{dir: filepath.Dir(path), manifest: m})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover packages: %w", err)
	}

	byName := map[string]*Package{}
	byDir := map[string]*Package{}
	var ordered []*Package
	for _, f := range manifests {
		if prev, dup := byName[f.manifest.Name]; dup {
			log.Info("duplicate package name, keeping first", "name", f.manifest.Name, "kept", prev.Path, "ignored", f.dir)
			continue
		}
		p := &Package{
			Name:            f.manifest.Name,
			Version:         f.manifest.Version,
			Path:            f.dir,
			Kind:            KindLibrary,
			Scripts:         nonNil(f.manifest.Scripts),
			Dependencies:    nonNil(f.manifest.Dependencies),
			DevDependencies: nonNil(f.manifest.DevDependencies),
		}
		switch {
		case len(f.manifest.workspaceGlobs()) > 0:
			p.Kind = KindWorkspaceRoot
		case fileExists(filepath.Join(f.dir, descriptor)) || p.HasScript("deploy"):
			p.Kind = KindService
		}
		byName[p.Name] = p
		byDir[f.dir] = p
		ordered = append(ordered, p)
	}

	for _, f := range manifests {
		rootPkg := byName[f.manifest.Name]
		if rootPkg == nil || rootPkg.Path != f.dir || rootPkg.Kind != KindWorkspaceRoot {
			continue
		}
		for _, pattern := range f.manifest.workspaceGlobs() {
			matches, err := filepath.Glob(filepath.Join(f.dir, filepath.FromSlash(pattern)))
			if err != nil {
				return nil, fmt.Errorf("%s: workspace pattern %q: %w", rootPkg.Name, pattern, err)
			}
			sort.Strings(matches)
			for _, dir := range matches {
				member, ok := byDir[dir]
				if !ok || member == rootPkg {
					continue
				}
				if member.WorkspaceRoot != "" && member.WorkspaceRoot != rootPkg.Name {
					return nil, fmt.Errorf("%s belongs to workspaces %s and %s", member.Name, member.WorkspaceRoot, rootPkg.Name)
				}
				if member.WorkspaceRoot == "" {
					member.WorkspaceRoot = rootPkg.Name
					rootPkg.WorkspaceMembers = append(rootPkg.WorkspaceMembers, member.Name)
				}
			}
		}
	}

	if opts.ReadBranches {
		readBranches(ctx, ordered, log)
	}
	reg, err := New(absRoot, ordered...)
	if err != nil {
		return nil, err
	}
	log.V(1).Info("packages discovered", "root", absRoot, "count", len(ordered), "services", len(reg.Services()))
	return reg, nil
}

func readBranches(ctx context.Context, pkgs []*Package, log logr.Logger) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, p := range pkgs {
		p := p
		g.Go(func() error {
			b, err := gitinfo.Read(gctx, p.Path)
			if err != nil {
				log.V(1).Info("branch metadata unavailable", "package", p.Name, "error", err.Error())
				return nil
			}
			p.CurrentBranch = b.Current
			p.DefaultBranch = b.Default
			return nil
		})
	}
	_ = g.Wait()
}

func readManifest(path string) (manifest, error) {
	var m manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
