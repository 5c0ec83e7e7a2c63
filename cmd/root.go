package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"site-backup/internal/application"
	"site-backup/internal/config"
	apperrors "site-backup/internal/errors"
)

// rootOptions holds the flags that are not bound to configuration keys
type rootOptions struct {
	cfgFile      string
	verbose      bool
	skipDatabase bool
	skipPublish  bool
}

// flagKeys maps root flags onto configuration keys
var flagKeys = map[string]string{
	"staging-dir": "staging_dir",
	"timeout":     "timeout",
	"quiet":       "display.quiet",
	"no-color":    "display.no_color",
	"log-file":    "logging.file",
	"log-format":  "logging.format",
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		printError(rootCmd.ErrOrStderr(), err)
		os.Exit(1)
	}
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %s\n", apperrors.FormatUserError(err))
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "site-backup",
		Short: "Back up a website over ssh and ftp, with an optional MySQL dump and git archive",
		Long: `site-backup creates a compressed archive of a website on its host over ssh,
downloads it with ftp or sftp, optionally dumps a MySQL database, encrypts and
uploads the files offsite, and commits them into a git repository.

Each run prints one numbered line per stage and exits non-zero unless every
enabled stage succeeded.

Examples:
  # Run with a configuration file
  site-backup --config backup.yaml

  # Archive and download only
  site-backup --config backup.yaml --skip-database --skip-publish

  # Generate a commented configuration file
  site-backup config > backup.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v, opts.cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd, v, opts)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is ./.site-backup.yaml or $HOME/.site-backup.yaml)")

	flags := rootCmd.Flags()
	flags.String("staging-dir", "", "local directory receiving the backup files (default \"backup\")")
	flags.Duration("timeout", 0, "upper bound for the whole run (default 2h)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolP("quiet", "q", false, "suppress non-error output")
	flags.String("log-file", "", "also write logs to this file")
	flags.String("log-format", "", "log format: text or json")
	flags.Bool("no-color", false, "disable color output")
	flags.BoolVar(&opts.skipDatabase, "skip-database", false, "skip the database dump for this run")
	flags.BoolVar(&opts.skipPublish, "skip-publish", false, "skip publishing to the git repository for this run")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	for flag, key := range flagKeys {
		cobra.CheckErr(v.BindPFlag(key, flags.Lookup(flag)))
	}

	rootCmd.AddCommand(
		newConfigCommand(v),
		newVersionCommand(),
		newDecryptCommand(v),
		newReportCommand(),
	)
	return rootCmd
}

// initConfig reads in the config file and environment variables
func initConfig(v *viper.Viper, cfgFile string) error {
	config.ConfigureEnv(v)
	if err := config.RegisterDefaults(v); err != nil {
		return err
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
		return nil
	}

	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	v.SetConfigName(config.ConfigName)
	v.SetConfigType("yaml")

	var notFound viper.ConfigFileNotFoundError
	if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// loadConfig applies the run-only flags and loads the validated configuration
func loadConfig(v *viper.Viper, opts *rootOptions) (*config.Config, error) {
	if opts.verbose {
		v.Set("logging.level", "verbose")
	}
	if opts.skipDatabase {
		v.Set("database.enabled", false)
	}
	if opts.skipPublish {
		v.Set("publish.enabled", false)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

// runBackup is the main execution function for the CLI
func runBackup(cmd *cobra.Command, v *viper.Viper, opts *rootOptions) error {
	cfg, err := loadConfig(v, opts)
	if err != nil {
		return err
	}

	app, err := application.NewApplication(cfg, version,
		application.WithOutput(cmd.OutOrStdout(), cmd.ErrOrStderr()))
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Shutdown()

	if file := v.ConfigFileUsed(); file != "" {
		app.GetLogger().WithField("file", file).Debug("Using config file")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	_, err = app.Run(ctx)
	return err
}

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "site-backup version %s\n", version)
			fmt.Fprintf(out, "Built: %s\n", buildTime)
			fmt.Fprintf(out, "Commit: %s\n", gitCommit)
		},
	}
}

