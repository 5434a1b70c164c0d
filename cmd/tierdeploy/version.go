package main

import (
	"fmt"

	"github.com/example/tierdeploy/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		// Skip workspace configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := validateOutput(output)
			if err != nil {
				return err
			}
			info := version.Get()
			if format == outputTable {
				fmt.Fprintln(cmd.OutOrStdout(), info.String())
				return nil
			}
			return writeStructured(cmd.OutOrStdout(), format, info)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format: table, json, or yaml")
	return cmd
}
