// File: internal/pipeline/steps.go
// Brief: Deploy step definitions.

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/example/tierdeploy/internal/ledger"
	"github.com/example/tierdeploy/internal/registry"
	"github.com/example/tierdeploy/internal/runner"
)

// DefaultArtifactPattern finds the archive written by the Pack step.
const DefaultArtifactPattern = "*.tgz"

// StepDef describes one pipeline step.
type StepDef struct {
	Name ledger.Step
	// Cached steps are skipped when the ledger already records them.
	Cached    bool
	Retryable bool
	// Enabled is evaluated once per package before the first attempt. Nil
	// means always enabled.
	Enabled func(sc *StepContext) bool
	Run     func(ctx context.Context, sc *StepContext) error
}

// StepContext is the per-package state handed to step bodies.
type StepContext struct {
	Package *registry.Package
	// Root is the workspace root package, or nil.
	Root *registry.Package
	// Deps are the package's dependencies from the tier data.
	Deps []string
	// Fresh is true when the ledger had nothing for the package at the
	// start of its pipeline.
	Fresh   bool
	Attempt Attempt

	exec  *Executor
	tier  int
	tiers int
	step  ledger.Step
}

// Ledger returns the run ledger.
func (sc *StepContext) Ledger() *ledger.Ledger { return sc.exec.opts.Ledger }

// Registry returns the run registry.
func (sc *StepContext) Registry() *registry.Registry { return sc.exec.opts.Registry }

// BuildDir is the workspace root directory when there is one, else the
// package directory.
func (sc *StepContext) BuildDir() string {
	if sc.Root != nil {
		return sc.Root.Path
	}
	return sc.Package.Path
}

// Shell renders the command template key and runs it in dir.
func (sc *StepContext) Shell(ctx context.Context, dir, key string, data CommandData) error {
	data.Package = sc.Package.Name
	if data.Path == "" {
		data.Path = dir
	}
	if data.DefaultBranch == "" {
		data.DefaultBranch = sc.Package.DefaultBranch
	}
	if data.CurrentBranch == "" {
		data.CurrentBranch = sc.Package.CurrentBranch
	}
	script, err := sc.exec.opts.Commands.Render(key, data)
	if err != nil {
		return &ConfigError{Package: sc.Package.Name, Msg: err.Error()}
	}
	return sc.exec.opts.Runner.Run(ctx, runner.Command{
		Script: script,
		Dir:    dir,
		Output: sc.output,
	})
}

func (sc *StepContext) output(line string) {
	sc.exec.emit(Event{
		Type:      StepLog,
		Tier:      sc.tier,
		TierCount: sc.tiers,
		Package:   sc.Package.Name,
		Step:      sc.step,
		Attempt:   int(sc.Attempt),
		Message:   line,
	})
}

// onceForRoot runs fn once per workspace root and step, or directly when the
// package has no workspace root.
func (sc *StepContext) onceForRoot(ctx context.Context, step ledger.Step, fn func() error) error {
	if sc.Root == nil {
		return fn()
	}
	_, err := sc.Ledger().OnceForWorkspace(ctx, sc.Root.Name, step, fn)
	return err
}

func (sc *StepContext) rootDone(step ledger.Step) bool {
	return sc.Root != nil && sc.Ledger().WorkspaceDone(sc.Root.Name, step)
}

// DeploySteps returns the build and deploy pipeline in execution order.
func DeploySteps() []StepDef {
	return []StepDef{
		{
			Name:      ledger.StepRebase,
			Retryable: true,
			Enabled: func(sc *StepContext) bool {
				return sc.Fresh && !sc.rootDone(ledger.StepRebase)
			},
			Run: runRebase,
		},
		{
			Name:      ledger.StepPush,
			Cached:    true,
			Retryable: true,
			Enabled: func(sc *StepContext) bool {
				p := sc.Package
				return p.CurrentBranch != "" && p.DefaultBranch != "" && p.CurrentBranch != p.DefaultBranch
			},
			Run: func(ctx context.Context, sc *StepContext) error {
				return sc.Shell(ctx, sc.Package.Path, CmdPush, CommandData{})
			},
		},
		{
			Name: ledger.StepClean,
			// Enabled until recorded. A fresh rebase resets the entry and
			// brings it back.
			Enabled: func(sc *StepContext) bool {
				return !sc.Ledger().HasSucceeded(sc.Package.Name, ledger.StepClean)
			},
			Run: runClean,
		},
		{
			Name:      ledger.StepWorkspaceInstall,
			Cached:    true,
			Retryable: true,
			Enabled:   func(sc *StepContext) bool { return sc.Root != nil },
			Run:       runWorkspaceInstall,
		},
		{
			Name:      ledger.StepInstall,
			Cached:    true,
			Retryable: true,
			Run:       runInstall,
		},
		{
			Name:      ledger.StepInstallDev,
			Cached:    true,
			Retryable: true,
			Run:       runInstallDev,
		},
		{
			Name:   ledger.StepBuild,
			Cached: true,
			Run: func(ctx context.Context, sc *StepContext) error {
				return sc.Shell(ctx, sc.BuildDir(), CmdBuild, CommandData{})
			},
		},
		{
			Name:      ledger.StepDeploy,
			Cached:    true,
			Retryable: true,
			Enabled:   func(sc *StepContext) bool { return sc.Package.IsService() },
			Run:       runDeploy,
		},
		{
			Name:    ledger.StepPack,
			Enabled: func(sc *StepContext) bool { return sc.Package.IsLibrary() },
			Run:     runPack,
		},
	}
}

func runRebase(ctx context.Context, sc *StepContext) error {
	dir := sc.BuildDir()
	err := sc.onceForRoot(ctx, ledger.StepRebase, func() error {
		return sc.Shell(ctx, dir, CmdRebase, CommandData{})
	})
	if err != nil {
		return err
	}
	return sc.Ledger().ResetPackage(sc.Package.Name)
}

// runClean scrubs the package directory only. Workspace siblings keep their
// build outputs and archives, matching what their entries record.
func runClean(ctx context.Context, sc *StepContext) error {
	if err := sc.Shell(ctx, sc.Package.Path, CmdClean, CommandData{}); err != nil {
		return err
	}
	return sc.Ledger().ResetPackage(sc.Package.Name)
}

func runWorkspaceInstall(ctx context.Context, sc *StepContext) error {
	key := CmdWorkspaceInstall
	if sc.Attempt.Retrying() {
		key = CmdWorkspaceInstallRetry
	}
	return sc.onceForRoot(ctx, ledger.StepWorkspaceInstall, func() error {
		return sc.Shell(ctx, sc.Root.Path, key, CommandData{})
	})
}

func runInstall(ctx context.Context, sc *StepContext) error {
	tarballs, err := localTarballs(sc)
	if err != nil {
		return err
	}
	args := append(tarballs, pinnedArgs(sc.Package.Dependencies, sc.exec.opts.Pinned)...)
	if sc.Attempt.Retrying() {
		if err := sc.Shell(ctx, sc.Package.Path, CmdInstallReset, CommandData{}); err != nil {
			return err
		}
	}
	return sc.Shell(ctx, sc.Package.Path, CmdInstall, CommandData{Args: args})
}

func runInstallDev(ctx context.Context, sc *StepContext) error {
	args := pinnedArgs(sc.Package.DevDependencies, sc.exec.opts.Pinned)
	if utils := sc.exec.opts.TestUtilsPackage; utils != "" && utils != sc.Package.Name {
		if path, ok := sc.Registry().Artifacts().Lookup(utils); ok {
			args = append(args, path)
		}
	}
	if len(args) == 0 {
		return nil
	}
	return sc.Shell(ctx, sc.Package.Path, CmdInstallDev, CommandData{Args: args})
}

func runDeploy(ctx context.Context, sc *StepContext) error {
	dir, err := deployDir(sc)
	if err != nil {
		return err
	}
	return sc.Shell(ctx, dir, CmdDeploy, CommandData{})
}

func runPack(ctx context.Context, sc *StepContext) error {
	if !sc.Ledger().HasSucceeded(sc.Package.Name, ledger.StepPack) {
		if err := sc.Shell(ctx, sc.Package.Path, CmdPack, CommandData{}); err != nil {
			return err
		}
	}
	path, err := findArtifact(sc.Package.Path, sc.exec.opts.ArtifactPattern)
	if err != nil {
		if !sc.exec.opts.DryRun {
			return &ConfigError{Package: sc.Package.Name, Msg: err.Error()}
		}
		path = filepath.Join(sc.Package.Path, packArchiveName(sc.Package))
	}
	return sc.Registry().Artifacts().Publish(sc.Package.Name, path)
}

// packArchiveName mirrors npm pack naming: @scope/name@1.0.0 becomes
// scope-name-1.0.0.tgz.
func packArchiveName(p *registry.Package) string {
	name := strings.ReplaceAll(strings.TrimPrefix(p.Name, "@"), "/", "-")
	version := p.Version
	if version == "" {
		version = "0.0.0"
	}
	return name + "-" + version + ".tgz"
}

// localTarballs returns the packed archive of every tier dependency.
func localTarballs(sc *StepContext) ([]string, error) {
	deps := append([]string(nil), sc.Deps...)
	sort.Strings(deps)
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		p, ok := sc.Registry().Get(dep)
		if !ok {
			return nil, configErrorf(sc.Package.Name, "dependency %s has no package record", dep)
		}
		if p.IsService() {
			return nil, configErrorf(sc.Package.Name, "dependency %s is a service", dep)
		}
		path, ok := sc.Registry().Artifacts().Lookup(dep)
		if !ok {
			return nil, configErrorf(sc.Package.Name, "dependency %s has no local artifact", dep)
		}
		out = append(out, path)
	}
	return out, nil
}

// pinnedArgs returns name@version for each declared dependency with a pin.
func pinnedArgs(declared, pinned map[string]string) []string {
	var out []string
	for name := range declared {
		if version, ok := pinned[name]; ok {
			out = append(out, name+"@"+version)
		}
	}
	sort.Strings(out)
	return out
}

func deployDir(sc *StepContext) (string, error) {
	descriptor := sc.exec.opts.DeployDescriptor
	if fileExists(filepath.Join(sc.Package.Path, descriptor)) {
		return sc.Package.Path, nil
	}
	if sc.Root != nil && fileExists(filepath.Join(sc.Root.Path, descriptor)) {
		return sc.Root.Path, nil
	}
	return "", configErrorf(sc.Package.Name, "no %s found in package or workspace root", descriptor)
}

// findArtifact returns the newest file in dir matching pattern.
func findArtifact(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("artifact pattern %q: %w", pattern, err)
	}
	var (
		best    string
		bestMod int64
	)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		mod := info.ModTime().UnixNano()
		if best == "" || mod > bestMod || (mod == bestMod && m > best) {
			best, bestMod = m, mod
		}
	}
	if best == "" {
		return "", fmt.Errorf("no archive matching %s in %s", pattern, dir)
	}
	return best, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
