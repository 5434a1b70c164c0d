// File: cmd/tierdeploy/app.go
// Brief: Shared state and workspace loading for tierdeploy commands.

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/example/tierdeploy/internal/config"
	"github.com/example/tierdeploy/internal/logging"
	"github.com/example/tierdeploy/internal/registry"
	"github.com/example/tierdeploy/internal/tiers"
	"github.com/go-logr/logr"
)

type app struct {
	opts     *config.Options
	logLevel string
}

func newApp() *app {
	return &app{opts: config.NewOptions(), logLevel: "info"}
}

// workspace is the loaded tier layout and package registry.
type workspace struct {
	tiers    []tiers.Tier
	registry *registry.Registry
}

func (a *app) logger(w io.Writer) (logr.Logger, error) {
	return logging.New(a.logLevel, w)
}

// loadTiers reads and validates the tier file.
func (a *app) loadTiers() ([]tiers.Tier, error) {
	all, err := tiers.Load(a.opts.TiersFile)
	if err != nil {
		return nil, err
	}
	if err := tiers.Validate(all); err != nil {
		return nil, fmt.Errorf("%s: %w", a.opts.TiersFile, err)
	}
	return all, nil
}

// loadRegistry discovers package manifests under the root.
func (a *app) loadRegistry(ctx context.Context, log logr.Logger, readBranches bool) (*registry.Registry, error) {
	return registry.Resolve(ctx, a.opts.Root, registry.ResolveOptions{
		Ignore:           a.opts.Ignore,
		DeployDescriptor: a.opts.DeployDescriptor,
		ReadBranches:     readBranches,
		Log:              log,
	})
}

func (a *app) loadWorkspace(ctx context.Context, log logr.Logger, readBranches bool) (*workspace, error) {
	all, err := a.loadTiers()
	if err != nil {
		return nil, err
	}
	reg, err := a.loadRegistry(ctx, log, readBranches)
	if err != nil {
		return nil, err
	}
	return &workspace{tiers: all, registry: reg}, nil
}

// resolvePlan narrows the tiers to targets and logs targets no tier names.
func (ws *workspace) resolvePlan(log logr.Logger, targets []string) []tiers.Tier {
	for _, t := range targets {
		if tiers.Index(ws.tiers, t) < 0 {
			log.Info("target is not in any tier; ignoring", "target", t)
		}
	}
	return tiers.Resolve(targets, ws.tiers)
}
