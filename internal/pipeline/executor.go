// File: internal/pipeline/executor.go
// Brief: Tiered execution of per-package step pipelines.

// Package pipeline drives packages through an ordered list of steps, tier by
// tier. Tiers run one after another; packages inside a tier run concurrently
// up to a limit; the steps of one package run strictly in order. Completed
// steps are recorded in the ledger so a later run skips them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/tierdeploy/internal/ledger"
	"github.com/example/tierdeploy/internal/registry"
	"github.com/example/tierdeploy/internal/runner"
	"github.com/example/tierdeploy/internal/tiers"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds how many packages of one tier run at once.
const DefaultConcurrency = 4

// Options configures an Executor.
type Options struct {
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Runner   runner.Runner
	Steps    []StepDef
	Commands *Commands

	Concurrency int
	// Pinned maps external dependency names to the version installed for them.
	Pinned map[string]string
	// DeployDescriptor is the file that marks a deployable directory.
	DeployDescriptor string
	// ArtifactPattern is the glob that finds a packed archive.
	ArtifactPattern string
	// TestUtilsPackage, when set and packed, is added to every dev install.
	TestUtilsPackage string
	// DryRun lets Pack publish the archive name npm would write when no
	// archive exists on disk.
	DryRun bool

	// Exclude lists packages that are skipped entirely.
	Exclude map[string]bool
	// AllowFailure lists packages whose failure is reported but does not
	// abort the run.
	AllowFailure map[string]bool

	RetryBackoff func(attempt int) time.Duration
	Observer     Observer
	Log          logr.Logger
}

// Summary describes a finished run.
type Summary struct {
	Tiers        int
	Packages     int
	StepsRun     int
	StepsSkipped int
	Retries      int
	// Tolerated holds failures of packages listed in AllowFailure.
	Tolerated []*RunError
}

// Executor runs step pipelines over tiers.
type Executor struct {
	opts Options

	emitMu sync.Mutex

	statsMu sync.Mutex
	summary Summary
}

// New validates opts and fills defaults.
func New(opts Options) (*Executor, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if len(opts.Steps) == 0 {
		return nil, fmt.Errorf("no steps configured")
	}
	if opts.Commands == nil {
		cmds, err := NewCommands(nil)
		if err != nil {
			return nil, err
		}
		opts.Commands = cmds
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.DeployDescriptor == "" {
		opts.DeployDescriptor = registry.DefaultDeployDescriptor
	}
	if opts.ArtifactPattern == "" {
		opts.ArtifactPattern = DefaultArtifactPattern
	}
	if opts.RetryBackoff == nil {
		opts.RetryBackoff = DefaultBackoff
	}
	if opts.Log.GetSink() == nil {
		opts.Log = logr.Discard()
	}
	return &Executor{opts: opts}, nil
}

// Run executes every tier in order and stops at the first unrecovered
// failure. Commands already started are allowed to finish.
func (e *Executor) Run(ctx context.Context, plan []tiers.Tier) (*Summary, error) {
	if err := e.preflight(plan); err != nil {
		return nil, err
	}
	e.summary = Summary{Tiers: len(plan)}
	start := time.Now()
	e.emit(Event{Type: RunStarted, TierCount: len(plan)})

	err := e.runTiers(ctx, plan)

	ev := Event{Type: RunCompleted, TierCount: len(plan), Duration: time.Since(start), Err: err}
	e.emit(ev)
	summary := e.snapshot()
	if err != nil {
		e.opts.Log.Error(err, "run failed", "elapsed", ev.Duration.Round(time.Millisecond).String())
		return &summary, err
	}
	e.opts.Log.Info("run finished", "tiers", summary.Tiers, "packages", summary.Packages, "steps", summary.StepsRun, "skipped", summary.StepsSkipped, "elapsed", ev.Duration.Round(time.Millisecond).String())
	return &summary, nil
}

func (e *Executor) preflight(plan []tiers.Tier) error {
	for _, tier := range plan {
		for _, name := range tier.Names() {
			if _, ok := e.opts.Registry.Get(name); !ok {
				return configErrorf(name, "no package record found")
			}
		}
	}
	return nil
}

func (e *Executor) runTiers(ctx context.Context, plan []tiers.Tier) error {
	for i, tier := range plan {
		if err := ctx.Err(); err != nil {
			return err
		}
		tierNum := i + 1
		names := tier.Names()
		e.emit(Event{Type: TierStarted, Tier: tierNum, TierCount: len(plan), Message: fmt.Sprintf("%d packages", len(names))})
		tierStart := time.Now()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.Concurrency)
		for _, name := range names {
			name := name
			deps := tier[name]
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				return e.runPackage(gctx, tierNum, len(plan), name, deps)
			})
		}
		err := g.Wait()
		e.emit(Event{Type: TierCompleted, Tier: tierNum, TierCount: len(plan), Duration: time.Since(tierStart), Err: err})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runPackage(ctx context.Context, tierNum, tierCount int, name string, deps []string) error {
	base := Event{Tier: tierNum, TierCount: tierCount, Package: name}
	if e.opts.Exclude[name] {
		ev := base
		ev.Type = PackageExcluded
		e.emit(ev)
		return nil
	}
	pkg, _ := e.opts.Registry.Get(name)
	root, _ := e.opts.Registry.WorkspaceRootOf(pkg)
	sc := &StepContext{
		Package: pkg,
		Root:    root,
		Deps:    append([]string(nil), deps...),
		Fresh:   !e.opts.Ledger.HasSeen(name),
		exec:    e,
		tier:    tierNum,
		tiers:   tierCount,
	}

	start := time.Now()
	ev := base
	ev.Type = PackageStarted
	e.emit(ev)
	e.count(func(s *Summary) { s.Packages++ })

	for _, def := range e.opts.Steps {
		if err := e.runStep(ctx, sc, def); err != nil {
			runErr := &RunError{Tier: tierNum, Package: name, Step: def.Name, Err: err}
			ev := base
			ev.Type = PackageFailed
			ev.Step = def.Name
			ev.Err = err
			ev.Duration = time.Since(start)
			e.emit(ev)
			if e.opts.AllowFailure[name] {
				e.opts.Log.Info("tolerating package failure", "package", name, "step", string(def.Name), "error", err.Error())
				e.count(func(s *Summary) { s.Tolerated = append(s.Tolerated, runErr) })
				return nil
			}
			return runErr
		}
	}
	ev = base
	ev.Type = PackageSucceeded
	ev.Duration = time.Since(start)
	e.emit(ev)
	return nil
}

func (e *Executor) runStep(ctx context.Context, sc *StepContext, def StepDef) error {
	name := sc.Package.Name
	enabled := def.Enabled == nil || def.Enabled(sc)
	for attempt := Attempt(1); ; attempt++ {
		decision, reason := Decide(GateInput{
			Enabled:   enabled,
			Cached:    def.Cached,
			Succeeded: e.opts.Ledger.HasSucceeded(name, def.Name),
			Attempt:   attempt,
		})
		base := Event{Tier: sc.tier, TierCount: sc.tiers, Package: name, Step: def.Name, Attempt: int(attempt), Decision: decision}
		if decision == DecisionSkip {
			ev := base
			ev.Type = StepSkipped
			ev.Message = reason
			e.emit(ev)
			e.count(func(s *Summary) { s.StepsSkipped++ })
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		sc.Attempt = attempt
		sc.step = def.Name
		ev := base
		ev.Type = StepRunning
		e.emit(ev)
		start := time.Now()
		err := def.Run(ctx, sc)
		if err == nil {
			if recErr := e.opts.Ledger.RecordSuccess(name, def.Name); recErr != nil {
				return recErr
			}
			ev := base
			ev.Type = StepSucceeded
			ev.Duration = time.Since(start)
			e.emit(ev)
			e.count(func(s *Summary) { s.StepsRun++ })
			return nil
		}

		ev = base
		ev.Type = StepFailed
		ev.Duration = time.Since(start)
		ev.Err = err
		e.emit(ev)
		if !retryable(def, attempt, err) || ctx.Err() != nil {
			return err
		}

		delay := e.opts.RetryBackoff(int(attempt) + 1)
		ev = base
		ev.Type = RetryScheduled
		ev.Attempt = int(attempt) + 1
		ev.Duration = delay
		ev.Err = err
		e.emit(ev)
		e.count(func(s *Summary) { s.Retries++ })
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return err
			case <-t.C:
			}
		}
	}
}

func retryable(def StepDef, attempt Attempt, err error) bool {
	if !def.Retryable || int(attempt) >= MaxAttempts || IsConfigError(err) {
		return false
	}
	var persistErr *ledger.PersistError
	return !errors.As(err, &persistErr)
}

func (e *Executor) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if e.opts.Observer == nil {
		return
	}
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.opts.Observer.ObserveEvent(ev)
}

func (e *Executor) count(fn func(*Summary)) {
	e.statsMu.Lock()
	fn(&e.summary)
	e.statsMu.Unlock()
}

func (e *Executor) snapshot() Summary {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	s := e.summary
	s.Tolerated = append([]*RunError(nil), e.summary.Tolerated...)
	return s
}
