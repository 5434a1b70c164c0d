// File: internal/ledger/ledger.go
// Brief: Durable record of which pipeline steps succeeded for which package.

// Package ledger persists per-package step completion so an interrupted run can
// resume without repeating work. The on-disk form is a single JSON object that
// maps package names to the list of steps that completed.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-logr/logr"
)

// Step names one stage of a package pipeline.
type Step string

const (
	StepRebase           Step = "Rebase"
	StepPush             Step = "Push"
	StepClean            Step = "Clean"
	StepWorkspaceInstall Step = "Workspace Install"
	StepInstall          Step = "Install"
	StepInstallDev       Step = "Install Dev"
	StepBuild            Step = "Build"
	StepDeploy           Step = "Deploy"
	StepPack             Step = "Pack"

	StepIntegrationTests Step = "Integration Tests"
	StepUnitTests        Step = "Unit Tests"
)

// DefaultFile is the ledger filename used when none is configured.
const DefaultFile = "successful-packages.json"

// DefaultTestFile is the ledger filename for the test pipeline.
const DefaultTestFile = "successful-package-tests.json"

// Ledger is safe for concurrent use. Every mutation is written to disk before
// the call returns.
type Ledger struct {
	path string
	log  logr.Logger

	mu        sync.Mutex
	entries   map[string]map[Step]struct{}
	workspace map[workspaceKey]*workspaceFlag
}

// Open loads the ledger at path. A missing or unreadable file yields an empty
// ledger; nothing is written until the first mutation.
func Open(path string, log logr.Logger) *Ledger {
	l := &Ledger{
		path:      path,
		log:       log,
		entries:   make(map[string]map[Step]struct{}),
		workspace: make(map[workspaceKey]*workspaceFlag),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Info("ledger unreadable, starting empty", "path", path, "error", err.Error())
		}
		return l
	}
	var raw map[string][]Step
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Info("ledger unparsable, starting empty", "path", path, "error", err.Error())
		return l
	}
	for pkg, steps := range raw {
		set := make(map[Step]struct{}, len(steps))
		for _, step := range steps {
			set[step] = struct{}{}
		}
		l.entries[pkg] = set
	}
	return l
}

// Path returns the backing file location.
func (l *Ledger) Path() string { return l.path }

// HasSeen reports whether pkg has any recorded step.
func (l *Ledger) HasSeen(pkg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries[pkg]) > 0
}

// HasSucceeded reports whether step is recorded for pkg.
func (l *Ledger) HasSucceeded(pkg string, step Step) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[pkg][step]
	return ok
}

// RecordSuccess adds step to pkg's entry and persists the ledger.
func (l *Ledger) RecordSuccess(pkg string, step Step) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.entries[pkg]
	if set == nil {
		set = make(map[Step]struct{})
		l.entries[pkg] = set
	}
	set[step] = struct{}{}
	return l.persistLocked()
}

// ResetPackage clears every recorded step for pkg and persists the ledger.
func (l *Ledger) ResetPackage(pkg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, pkg)
	return l.persistLocked()
}

// ResetAll clears the whole ledger.
func (l *Ledger) ResetAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]map[Step]struct{})
	return l.persistLocked()
}

// Snapshot returns a copy of the ledger with steps sorted by name.
func (l *Ledger) Snapshot() map[string][]Step {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Packages returns the names of packages with at least one recorded step.
func (l *Ledger) Packages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.entries))
	for pkg, set := range l.entries {
		if len(set) > 0 {
			out = append(out, pkg)
		}
	}
	sort.Strings(out)
	return out
}

func (l *Ledger) snapshotLocked() map[string][]Step {
	out := make(map[string][]Step, len(l.entries))
	for pkg, set := range l.entries {
		steps := make([]Step, 0, len(set))
		for step := range set {
			steps = append(steps, step)
		}
		sort.Slice(steps, func(i, j int) bool { return steps[i] < steps[j] })
		out[pkg] = steps
	}
	return out
}

// PersistError reports a failed ledger write.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string { return fmt.Sprintf("write ledger %s: %v", e.Path, e.Err) }

func (e *PersistError) Unwrap() error { return e.Err }

func (l *Ledger) persistLocked() error {
	data, err := json.MarshalIndent(l.snapshotLocked(), "", "  ")
	if err != nil {
		return &PersistError{Path: l.path, Err: err}
	}
	data = append(data, '\n')
	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return &PersistError{Path: l.path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &PersistError{Path: l.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &PersistError{Path: l.path, Err: err}
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		_ = os.Remove(tmpName)
		return &PersistError{Path: l.path, Err: err}
	}
	l.log.V(1).Info("ledger saved", "path", l.path, "packages", len(l.entries))
	return nil
}
