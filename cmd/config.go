package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"site-backup/internal/config"
)

func newConfigCommand(v *viper.Viper) *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print a sample configuration file or check the current one",
		Long: `Print a commented configuration template with every available option.
Redirect the output to a file and adjust it for your site.

With --check the configuration that a run would use (config file, environment
and defaults) is loaded and validated instead, and every problem is listed.

Examples:
  # Generate a config file
  site-backup config > backup.yaml

  # Validate it
  site-backup --config backup.yaml config --check`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !check {
				fmt.Fprint(out, config.SampleConfig)
				return nil
			}

			if _, err := config.Load(v); err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					fmt.Fprintln(out, "Configuration has errors:")
					for _, e := range verrs {
						fmt.Fprintf(out, "  - %s: %s\n", e.Field, e.Message)
					}
				}
				return err
			}

			source := v.ConfigFileUsed()
			if source == "" {
				source = "environment and defaults"
			}
			fmt.Fprintf(out, "Configuration is valid (%s)\n", source)
			return nil
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "validate the configuration instead of printing a sample")
	return cmd
}
