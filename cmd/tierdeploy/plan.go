// File: cmd/tierdeploy/plan.go
// Brief: CLI command wiring and implementation for 'plan'.

package main

import (
	"fmt"

	"github.com/example/tierdeploy/internal/tiers"
	"github.com/spf13/cobra"
)

func newPlanCommand(a *app) *cobra.Command {
	var (
		output string
		diff   bool
	)
	cmd := &cobra.Command{
		Use:   "plan [TARGET...]",
		Short: "Show the tiers a deploy of the targets would run",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := validateOutput(output)
			if err != nil {
				return err
			}
			log, err := a.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ws, err := a.loadWorkspace(cmd.Context(), log, false)
			if err != nil {
				return err
			}
			plan := ws.resolvePlan(log, args)
			out := cmd.OutOrStdout()
			if diff {
				text, err := tiers.Diff(ws.tiers, plan)
				if err != nil {
					return err
				}
				if text == "" {
					fmt.Fprintln(out, "selection covers every tier")
				} else {
					fmt.Fprint(out, text)
				}
				return nil
			}
			if format == outputTable {
				return tiers.PrintTable(out, plan, ws.registry.KindOf)
			}
			return writeStructured(out, format, tiers.NewDocument(plan, ws.registry.KindOf))
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format: table, json, or yaml")
	cmd.Flags().BoolVar(&diff, "diff", false, "Show a unified diff between all tiers and the selection")
	return cmd
}
