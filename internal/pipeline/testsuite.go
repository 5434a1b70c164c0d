package pipeline

import (
	"context"

	"github.com/example/tierdeploy/internal/ledger"
)

// Package scripts consulted by the test pipeline.
const (
	ScriptIntegration      = "test:integration"
	ScriptIntegrationLocal = "test:integrationlocal"
	ScriptUnit             = "test:local"
)

// TestSteps returns the test pipeline: integration tests, then unit tests.
// It is meant to run against its own ledger.
func TestSteps() []StepDef {
	return []StepDef{
		{
			Name:    ledger.StepIntegrationTests,
			Cached:  true,
			Enabled: func(sc *StepContext) bool { return sc.Package.HasScript(ScriptIntegration) },
			Run: func(ctx context.Context, sc *StepContext) error {
				script := ScriptIntegration
				if sc.Package.HasScript(ScriptIntegrationLocal) {
					script = ScriptIntegrationLocal
				}
				return sc.Shell(ctx, sc.Package.Path, CmdTest, CommandData{Script: script})
			},
		},
		{
			Name:    ledger.StepUnitTests,
			Cached:  true,
			Enabled: func(sc *StepContext) bool { return sc.Package.HasScript(ScriptUnit) },
			Run: func(ctx context.Context, sc *StepContext) error {
				return sc.Shell(ctx, sc.Package.Path, CmdTest, CommandData{Script: ScriptUnit})
			},
		},
	}
}
