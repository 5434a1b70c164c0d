// File: cmd/tierdeploy/ledger.go
// Brief: CLI command wiring and implementation for 'ledger show' and 'ledger reset'.

package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/example/tierdeploy/internal/ledger"
	"github.com/example/tierdeploy/internal/ui"
	"github.com/spf13/cobra"
)

type ledgerRow struct {
	Package string        `json:"package" yaml:"package"`
	Steps   []ledger.Step `json:"steps" yaml:"steps"`
}

func newLedgerCommand(a *app) *cobra.Command {
	var tests bool
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or clear recorded step successes",
	}
	cmd.PersistentFlags().BoolVar(&tests, "tests", false, "Operate on the test ledger instead of the deploy ledger")
	open := func(cmd *cobra.Command) (*ledger.Ledger, error) {
		log, err := a.logger(cmd.ErrOrStderr())
		if err != nil {
			return nil, err
		}
		path := a.opts.LedgerFile
		if tests {
			path = a.opts.TestLedgerFile
		}
		return ledger.Open(path, log), nil
	}
	cmd.AddCommand(newLedgerShowCommand(open), newLedgerResetCommand(open))
	return cmd
}

func newLedgerShowCommand(open func(*cobra.Command) (*ledger.Ledger, error)) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "show [PACKAGE...]",
		Short: "Print recorded steps per package",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := validateOutput(output)
			if err != nil {
				return err
			}
			led, err := open(cmd)
			if err != nil {
				return err
			}
			snap := led.Snapshot()
			names := args
			if len(names) == 0 {
				names = led.Packages()
			}
			rows := make([]ledgerRow, 0, len(names))
			for _, name := range names {
				rows = append(rows, ledgerRow{Package: name, Steps: snap[name]})
			}
			out := cmd.OutOrStdout()
			if format != outputTable {
				return writeStructured(out, format, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintf(out, "%s records no packages\n", led.Path())
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PACKAGE\tSTEPS")
			for _, r := range rows {
				steps := make([]string, 0, len(r.Steps))
				for _, s := range r.Steps {
					steps = append(steps, string(s))
				}
				fmt.Fprintf(tw, "%s\t%s\n", r.Package, dash(strings.Join(steps, ", ")))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format: table, json, or yaml")
	return cmd
}

func newLedgerResetCommand(open func(*cobra.Command) (*ledger.Ledger, error)) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset [PACKAGE...]",
		Short: "Forget recorded steps so they run again",
		Long:  "Forget recorded steps for the named packages, or for every package when none is named.",
		RunE: func(cmd *cobra.Command, args []string) error {
			led, err := open(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) > 0 {
				for _, name := range args {
					if err := led.ResetPackage(name); err != nil {
						return err
					}
				}
				fmt.Fprintf(out, "reset %s\n", strings.Join(args, ", "))
				return nil
			}
			dec := approval{Approved: yes, InteractiveTTY: ui.IsTerminal(os.Stdin) && ui.IsTerminal(out)}
			prompt := fmt.Sprintf("Reset all %d packages in %s?", len(led.Packages()), led.Path())
			if err := confirmAction(cmd.Context(), cmd.InOrStdin(), out, dec, prompt); err != nil {
				return err
			}
			if err := led.ResetAll(); err != nil {
				return err
			}
			fmt.Fprintln(out, "ledger cleared")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}
