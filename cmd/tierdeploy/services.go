// File: cmd/tierdeploy/services.go
// Brief: CLI command wiring and implementation for 'services'.

package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type serviceRow struct {
	Name      string `json:"name" yaml:"name"`
	Version   string `json:"version,omitempty" yaml:"version,omitempty"`
	Path      string `json:"path" yaml:"path"`
	Workspace string `json:"workspace,omitempty" yaml:"workspace,omitempty"`
}

func newServicesCommand(a *app) *cobra.Command {
	var (
		output    string
		namesOnly bool
	)
	cmd := &cobra.Command{
		Use:   "services",
		Short: "List deployable packages in the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := validateOutput(output)
			if err != nil {
				return err
			}
			log, err := a.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			reg, err := a.loadRegistry(cmd.Context(), log, false)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var rows []serviceRow
			for _, name := range reg.Services() {
				p, _ := reg.Get(name)
				rel, err := filepath.Rel(reg.Root, p.Path)
				if err != nil {
					rel = p.Path
				}
				rows = append(rows, serviceRow{Name: p.Name, Version: p.Version, Path: rel, Workspace: p.WorkspaceRoot})
			}
			if namesOnly {
				for _, r := range rows {
					fmt.Fprintln(out, r.Name)
				}
				return nil
			}
			if format != outputTable {
				if rows == nil {
					rows = []serviceRow{}
				}
				return writeStructured(out, format, rows)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tPATH\tWORKSPACE")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, dash(r.Version), r.Path, dash(r.Workspace))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format: table, json, or yaml")
	cmd.Flags().BoolVarP(&namesOnly, "quiet", "q", false, "Print only service names")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
