// File: cmd/tierdeploy/deploy.go
// Brief: CLI command wiring and implementation for 'deploy' and 'test'.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/tierdeploy/internal/config"
	"github.com/example/tierdeploy/internal/console"
	"github.com/example/tierdeploy/internal/history"
	"github.com/example/tierdeploy/internal/ledger"
	"github.com/example/tierdeploy/internal/pipeline"
	"github.com/example/tierdeploy/internal/runner"
	"github.com/example/tierdeploy/internal/tiers"
	"github.com/example/tierdeploy/internal/ui"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

type pipelineKind string

const (
	kindDeploy pipelineKind = "deploy"
	kindTest   pipelineKind = "test"
)

func newDeployCommand(a *app) *cobra.Command {
	var planOnly bool
	cmd := &cobra.Command{
		Use:   "deploy [TARGET...]",
		Short: "Build, pack and deploy packages tier by tier",
		Long: `Run the deploy pipeline for the given targets and every package they depend on.
Without targets every tier is deployed. Steps recorded in the ledger are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPipeline(cmd, kindDeploy, args, planOnly)
		},
	}
	cmd.Flags().BoolVar(&planOnly, "plan-only", false, "Print the resolved tiers and exit")
	return cmd
}

func newTestCommand(a *app) *cobra.Command {
	var planOnly bool
	cmd := &cobra.Command{
		Use:   "test [TARGET...]",
		Short: "Run package test suites tier by tier",
		Long: `Run integration and unit test scripts for the given targets and their dependencies.
Progress is kept in a separate test ledger.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPipeline(cmd, kindTest, args, planOnly)
		},
	}
	cmd.Flags().BoolVar(&planOnly, "plan-only", false, "Print the resolved tiers and exit")
	return cmd
}

func (a *app) runPipeline(cmd *cobra.Command, kind pipelineKind, targets []string, planOnly bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	log, err := a.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	ws, err := a.loadWorkspace(ctx, log, kind == kindDeploy)
	if err != nil {
		return err
	}
	plan := ws.resolvePlan(log, targets)
	if planOnly {
		if err := tiers.PrintTable(out, plan, ws.registry.KindOf); err != nil {
			return err
		}
		fmt.Fprintf(out, "%d package(s) in %d tier(s)\n", len(tiers.Packages(plan)), len(plan))
		return nil
	}
	if pins := a.opts.PinnedList(); kind == kindDeploy && len(pins) > 0 {
		fmt.Fprintf(out, "Pinned versions: %s\n", strings.Join(pins, ", "))
	}

	led, cleanup, err := a.openLedger(kind, log)
	if err != nil {
		return err
	}
	defer cleanup()

	run, err := a.newRunner(out, log)
	if err != nil {
		return err
	}
	cmds, err := pipeline.NewCommands(a.opts.Commands)
	if err != nil {
		return err
	}

	width, _ := ui.TerminalWidth(out)
	observers := pipeline.Observers{console.New(out, string(kind), console.Options{
		Verbose: a.opts.Verbose,
		Width:   width,
		Color:   ui.ColorEnabled(out, a.opts.NoColor),
	})}

	var finish func(error)
	if a.opts.History && !a.opts.DryRun {
		recorder, done, err := a.startHistory(cmd, kind, targets, log)
		if err != nil {
			log.Info("run history disabled", "error", err.Error())
		} else {
			observers = append(observers, recorder)
			finish = done
		}
	}

	execOpts := pipeline.Options{
		Registry:         ws.registry,
		Ledger:           led,
		Runner:           run,
		Commands:         cmds,
		Concurrency:      a.opts.Concurrency,
		Pinned:           a.opts.Pinned,
		DeployDescriptor: a.opts.DeployDescriptor,
		ArtifactPattern:  a.opts.ArtifactPattern,
		TestUtilsPackage: a.opts.TestUtilsPackage,
		DryRun:           a.opts.DryRun,
		Observer:         observers,
		Log:              log,
	}
	if !a.opts.RetryBackoff {
		execOpts.RetryBackoff = pipeline.NoBackoff
	}
	switch kind {
	case kindTest:
		execOpts.Steps = pipeline.TestSteps()
		execOpts.Exclude = config.Set(a.opts.TestExclude)
		execOpts.AllowFailure = config.Set(a.opts.TestAllowFailure)
	default:
		execOpts.Steps = pipeline.DeploySteps()
	}
	exec, err := pipeline.New(execOpts)
	if err != nil {
		return err
	}
	summary, runErr := exec.Run(ctx, plan)
	if finish != nil {
		finish(runErr)
	}
	if kind == kindDeploy {
		printPublished(out, ws.registry.Artifacts().Published())
	}
	if summary != nil {
		printTolerated(out, summary)
		log.V(1).Info("run finished", "tiers", summary.Tiers, "packages", summary.Packages,
			"stepsRun", summary.StepsRun, "stepsSkipped", summary.StepsSkipped, "retries", summary.Retries)
	}
	return runErr
}

// openLedger returns the ledger for kind. Dry runs work on a scratch copy so
// the real ledger never records commands that did not run.
func (a *app) openLedger(kind pipelineKind, log logr.Logger) (*ledger.Ledger, func(), error) {
	path := a.opts.LedgerFile
	if kind == kindTest {
		path = a.opts.TestLedgerFile
	}
	if !a.opts.DryRun {
		return ledger.Open(path, log), func() {}, nil
	}
	dir, err := os.MkdirTemp("", "tierdeploy-dry-run-")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	scratch := filepath.Join(dir, filepath.Base(path))
	if data, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(scratch, data, 0o644); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	log.V(1).Info("dry run uses a scratch ledger", "path", scratch)
	return ledger.Open(scratch, log), cleanup, nil
}

func (a *app) newRunner(out io.Writer, log logr.Logger) (runner.Runner, error) {
	if a.opts.DryRun {
		return runner.DryRun{Log: log.V(1), Out: out}, nil
	}
	return runner.NewShell(a.opts.Shell, log)
}

// startHistory opens the history store and registers a run. The returned
// function marks the run finished and closes the store.
func (a *app) startHistory(cmd *cobra.Command, kind pipelineKind, targets []string, log logr.Logger) (pipeline.Observer, func(error), error) {
	store, err := history.Open(filepath.Join(a.opts.StateDir, history.DefaultRelPath), false)
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	runID := history.NewRunID(now)
	rec := history.RunRecord{
		ID:          runID,
		Command:     string(kind),
		Root:        a.opts.Root,
		Targets:     targets,
		Concurrency: a.opts.Concurrency,
		CreatedAt:   now,
	}
	if err := store.CreateRun(cmd.Context(), rec); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	log.V(1).Info("recording run", "id", runID, "db", store.Path())
	finish := func(runErr error) {
		// The command context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.FinishRun(ctx, runID, runErr); err != nil {
			log.Info("history update failed", "run", runID, "error", err.Error())
		}
		_ = store.Close()
	}
	return history.NewRecorder(store, runID, log), finish, nil
}

func printPublished(w io.Writer, names []string) {
	if len(names) == 0 {
		return
	}
	fmt.Fprintf(w, "Packed archives: %s\n", strings.Join(names, ", "))
}

func printTolerated(w io.Writer, summary *pipeline.Summary) {
	if len(summary.Tolerated) == 0 {
		return
	}
	fmt.Fprintf(w, "%d tolerated failure(s):\n", len(summary.Tolerated))
	for _, re := range summary.Tolerated {
		fmt.Fprintf(w, "  %s\n", re.Error())
	}
}
