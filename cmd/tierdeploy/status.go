// File: cmd/tierdeploy/status.go
// Brief: CLI command wiring and implementation for 'status'.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/example/tierdeploy/internal/history"
	"github.com/example/tierdeploy/internal/pipeline"
	"github.com/spf13/cobra"
)

func newStatusCommand(a *app) *cobra.Command {
	var (
		list int
		all  bool
	)
	cmd := &cobra.Command{
		Use:   "status [RUN_ID]",
		Short: "Show recorded deploy and test runs",
		Long:  "Show the latest run, or the named one, with its step transitions. Use --list to see recent runs.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			path := filepath.Join(a.opts.StateDir, history.DefaultRelPath)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(out, "no runs recorded")
				return nil
			}
			store, err := history.Open(path, true)
			if err != nil {
				return err
			}
			defer store.Close()

			if list > 0 {
				runs, err := store.ListRuns(ctx, list)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tCOMMAND\tSTATUS\tSTARTED\tTARGETS")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Command, r.Status, r.CreatedAt.Format(time.RFC3339), targetsLabel(r.Targets))
				}
				return tw.Flush()
			}

			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			run, err := store.GetRun(ctx, id)
			if errors.Is(err, history.ErrNoRuns) {
				fmt.Fprintln(out, "no runs recorded")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "run %s: %s %s (%s)\n", run.ID, run.Command, targetsLabel(run.Targets), run.Status)
			fmt.Fprintf(out, "started %s, updated %s\n", run.CreatedAt.Format(time.RFC3339), run.UpdatedAt.Format(time.RFC3339))
			if run.Error != "" {
				fmt.Fprintf(out, "error: %s\n", run.Error)
			}
			events, err := store.Events(ctx, run.ID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIER\tPACKAGE\tSTEP\tEVENT\tATTEMPT\tDURATION\tDETAIL")
			for _, ev := range events {
				if ev.Step == "" {
					continue
				}
				if !all && ev.Type == string(pipeline.StepSkipped) {
					continue
				}
				detail := ev.Message
				if ev.Error != "" {
					detail = ev.Error
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n", ev.Tier, ev.Package, ev.Step, ev.Type, ev.Attempt, ev.Duration.Round(time.Millisecond), dash(detail))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&list, "list", 0, "List the N most recent runs instead")
	cmd.Flags().BoolVar(&all, "all", false, "Include skipped steps")
	return cmd
}

func targetsLabel(targets []string) string {
	if len(targets) == 0 {
		return "(all)"
	}
	return fmt.Sprint(targets)
}
