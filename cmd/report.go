package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"site-backup/internal/display"
	"site-backup/internal/report"
)

func newReportCommand() *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:   "report <file>",
		Short: "Print the summary of a previous run from its report file",
		Long: `Print the stage summary stored in a run report written to report.dir.

Example:
  site-backup report backup/reports/run-20260314_092653-<run id>.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := report.Read(args[0])
			if err != nil {
				return fmt.Errorf("failed to read report: %w", err)
			}

			out := cmd.OutOrStdout()
			if r.Host != "" {
				fmt.Fprintf(out, "site-backup %s on %s\n", r.Version, r.Host)
			}
			display.NewPrinter(out, display.Options{Color: !noColor}).Summary(r.Outcome)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable color output")
	return cmd
}
