package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cap-harness/internal/scenario"
)

func newPresetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List the preset scenarios",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tWORKERS\tITERATIONS\tFAULT\tDESCRIPTION")
			for _, name := range scenario.ListPresets() {
				c, _ := scenario.GetPreset(name)
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%v\t%s\n",
					c.Name, c.Kind, c.Workers, c.Iterations, c.Fault != nil, c.Description)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "\nExample: cap-harness run --preset quick --backend memory")
			return nil
		},
	}
}
