package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"site-backup/internal/config"
	"site-backup/internal/crypt"
	"site-backup/internal/dbdump"
	"site-backup/internal/display"
	apperrors "site-backup/internal/errors"
	"site-backup/internal/lock"
	"site-backup/internal/logging"
	"site-backup/internal/notify"
	"site-backup/internal/offsite"
	"site-backup/internal/pipeline"
	"site-backup/internal/publish"
	"site-backup/internal/remote"
	"site-backup/internal/report"
	"site-backup/internal/retention"
	"site-backup/internal/runner"
	"site-backup/internal/transfer"
)

// Application runs one backup from a loaded configuration
type Application struct {
	cfg             *config.Config
	version         string
	host            string
	logger          *logging.Logger
	out             io.Writer
	errOut          io.Writer
	printer         *display.Printer
	runner          runner.CommandRunner
	shutdownHandler *apperrors.GracefulShutdownHandler
	overrides       []func(*pipeline.Stages)
	ownsLogger      bool
}

// Option configures an Application
type Option func(*Application)

// WithOutput sets where progress and diagnostics are printed
func WithOutput(out, errOut io.Writer) Option {
	return func(a *Application) {
		a.out = out
		a.errOut = errOut
	}
}

// WithLogger replaces the logger built from the logging configuration
func WithLogger(logger *logging.Logger) Option {
	return func(a *Application) { a.logger = logger }
}

// WithRunner replaces the runner used for mysqldump and git
func WithRunner(r runner.CommandRunner) Option {
	return func(a *Application) { a.runner = r }
}

// WithStageOverride lets the caller replace stages after they are built from the configuration
func WithStageOverride(fn func(*pipeline.Stages)) Option {
	return func(a *Application) { a.overrides = append(a.overrides, fn) }
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, version string, opts ...Option) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	app := &Application{
		cfg:             cfg,
		version:         version,
		host:            host,
		out:             os.Stdout,
		errOut:          os.Stderr,
		shutdownHandler: apperrors.NewGracefulShutdownHandler(),
	}
	for _, opt := range opts {
		opt(app)
	}

	if app.logger == nil {
		logger, err := logging.NewLogger(logging.Config{
			Level:   logLevel(cfg),
			Output:  app.errOut,
			Format:  cfg.Logging.Format,
			LogFile: cfg.Logging.File,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		app.logger = logger
		app.ownsLogger = true
	}
	if app.runner == nil {
		app.runner = runner.NewExecRunner()
	}

	app.printer = display.NewPrinter(app.out, display.Options{
		Color: !cfg.Display.NoColor,
		Quiet: cfg.Display.Quiet,
	})
	return app, nil
}

func logLevel(cfg *config.Config) logging.LogLevel {
	if cfg.Display.Quiet {
		return logging.LogLevelQuiet
	}
	switch level := logging.LogLevel(cfg.Logging.Level); level {
	case logging.LogLevelQuiet, logging.LogLevelVerbose, logging.LogLevelDebug:
		return level
	default:
		return logging.LogLevelNormal
	}
}

// Run executes the pipeline once. The returned error is non-nil unless every
// enabled stage succeeded.
func (app *Application) Run(ctx context.Context) (pipeline.PipelineOutcome, error) {
	runID := uuid.NewString()

	runLock, err := lock.Acquire(app.cfg.StagingDir, runID)
	if err != nil {
		return pipeline.PipelineOutcome{}, apperrors.WrapError(err, "cannot lock staging directory "+app.cfg.StagingDir)
	}

	ctx = app.shutdownHandler.Start(ctx)
	app.shutdownHandler.RegisterShutdownFunc(runLock.Release)
	defer func() {
		if err := app.shutdownHandler.Stop(); err != nil {
			app.logger.WithField("error", err.Error()).Warn("Cleanup after run failed")
		}
	}()

	stages, err := app.buildStages(runID)
	if err != nil {
		return pipeline.PipelineOutcome{}, fmt.Errorf("failed to set up stages: %w", err)
	}

	orchestrator, err := pipeline.NewOrchestrator(stages, pipeline.Options{
		RunID:                            runID,
		Retry:                            app.cfg.Retry,
		Timeout:                          app.cfg.Timeout,
		SkipDatabaseAfterTransferFailure: !app.cfg.Database.RunWithoutTransfer,
		RequireEncryption:                app.cfg.Encryption.Required,
	}, app.logger, app.printer)
	if err != nil {
		return pipeline.PipelineOutcome{}, err
	}

	app.logger.WithFields(map[string]interface{}{
		"run_id":    runID,
		"host":      app.cfg.Remote.Host,
		"staging":   app.cfg.StagingDir,
		"log_level": app.logger.GetLevel(),
	}).Info("Backup starting")
	app.printer.Banner(app.version, app.cfg.Remote.Host)

	outcome := orchestrator.Run(logging.ContextWithRunID(ctx, runID))
	app.printer.Summary(outcome)

	app.writeReport(outcome)
	app.sendNotifications(outcome)

	if outcome.Status == pipeline.RunStatusCompleted {
		app.applyRetention()
		app.logger.WithField("run_id", runID).Info("Backup completed")
		return outcome, nil
	}

	app.handleFailures(outcome)
	if err := outcome.Err(); err != nil {
		return outcome, fmt.Errorf("backup %s: %w", outcome.Status, err)
	}
	return outcome, fmt.Errorf("backup %s", outcome.Status)
}

// buildStages creates the stage implementations; disabled optional stages stay nil
func (app *Application) buildStages(runID string) (pipeline.Stages, error) {
	cfg := app.cfg
	stages := pipeline.Stages{
		Archiver: remote.NewArchiver(cfg.Remote, app.logger),
	}

	fetcher, err := transfer.NewFetcher(cfg.Transfer, cfg.StagingDir, app.logger)
	if err != nil {
		return stages, err
	}
	stages.Transferer = fetcher

	if cfg.Database.Enabled {
		dumper, err := dbdump.NewDumper(cfg.Database, cfg.StagingDir, app.runner, app.logger)
		if err != nil {
			return stages, err
		}
		stages.Dumper = dumper
	}

	if cfg.Encryption.Enabled {
		stages.Encrypter = crypt.NewEncrypter(cfg.Encryption, app.logger)
	}

	if cfg.Offsite.Enabled {
		stages.Uploader = offsite.NewUploader(cfg.Offsite, app.logger)
	}

	if cfg.Publish.Enabled {
		publisher, err := publish.NewPublisher(cfg.Publish, cfg.StagingDir, runID, app.runner, app.logger)
		if err != nil {
			return stages, err
		}
		stages.Publisher = publisher
	}

	for _, override := range app.overrides {
		override(&stages)
	}
	return stages, nil
}

// writeReport persists the outcome; a failure is logged and does not change the result
func (app *Application) writeReport(outcome pipeline.PipelineOutcome) {
	if !app.cfg.Report.Enabled {
		return
	}
	path, err := report.NewWriter(app.cfg.Report, app.version, app.host).Write(outcome)
	if err != nil {
		app.logger.WithField("error", err.Error()).Warn("Failed to write run report")
		return
	}
	app.logger.WithField("path", path).Info("Run report written")
}

// applyRetention prunes old reports and local offsite runs. Failures are logged only.
func (app *Application) applyRetention() {
	policy := app.cfg.Retention
	if !policy.Enabled() {
		return
	}

	now := time.Now()
	if app.cfg.Report.Enabled {
		if _, err := retention.Prune(app.cfg.Report.Dir, report.ParseFileName, policy, now, app.logger); err != nil {
			app.logger.WithField("error", err.Error()).Warn("Failed to prune run reports")
		}
	}
	if dir, ok := offsite.LocalRunsDir(app.cfg.Offsite); ok && app.cfg.Offsite.Enabled {
		if _, err := retention.Prune(dir, offsite.ParseRunDir, policy, now, app.logger); err != nil {
			app.logger.WithField("error", err.Error()).Warn("Failed to prune offsite runs")
		}
	}
}

// sendNotifications runs with its own timeout so an interrupted run is still reported
func (app *Application) sendNotifications(outcome pipeline.PipelineOutcome) {
	notifier := notify.NewNotifier(app.cfg.Notifications, app.host, app.logger)
	if !notifier.ShouldNotify(outcome) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.Notifications.Timeout+time.Second)
	defer cancel()
	if err := notifier.Notify(ctx, outcome); err != nil {
		app.logger.WithField("error", err.Error()).Warn("Some notifications could not be delivered")
	}
}

// handleFailures logs every failed stage and prints troubleshooting hints
func (app *Application) handleFailures(outcome pipeline.PipelineOutcome) {
	seen := make(map[pipeline.ErrorKind]bool)
	for _, r := range outcome.Failures() {
		if r.Error == nil {
			continue
		}
		app.logger.WithFields(map[string]interface{}{
			"stage":       string(r.Stage),
			"error_type":  string(r.Error.Kind),
			"error_class": string(apperrors.GetErrorType(r.Error)),
			"recoverable": apperrors.IsRecoverableError(r.Error),
			"attempts":    r.Attempts,
			"context":     r.Error.Context,
		}).Error(r.Error.Detail)

		if seen[r.Error.Kind] || app.cfg.Display.Quiet {
			continue
		}
		seen[r.Error.Kind] = true
		app.provideTroubleshootingHints(r.Error.Kind)
	}
}

// provideTroubleshootingHints provides helpful troubleshooting information
func (app *Application) provideTroubleshootingHints(kind pipeline.ErrorKind) {
	hints := TroubleshootingHints(kind)
	if len(hints) == 0 {
		return
	}
	fmt.Fprintf(app.errOut, "\nTroubleshooting hints (%s):\n", kind)
	for _, h := range hints {
		fmt.Fprintf(app.errOut, "- %s\n", h)
	}
}

// TroubleshootingHints returns the hints printed for a failed stage
func TroubleshootingHints(kind pipeline.ErrorKind) []string {
	switch kind {
	case pipeline.ErrorKindRemoteExecution:
		return []string{
			"Check that the ssh host, port and credentials are correct",
			"Verify the host key is present in the known_hosts file",
			"Ensure source_path exists and backup_path is writable on the remote host",
		}
	case pipeline.ErrorKindTransfer:
		return []string{
			"Verify the transfer protocol, port and credentials",
			"Check that remote_dir points at the remote backup directory",
			"Ensure the local staging directory is writable",
		}
	case pipeline.ErrorKindDatabaseUnreachable:
		return []string{
			"Check that the database server is running",
			"Verify the host and port are correct",
			"Ensure the user can connect from this host",
		}
	case pipeline.ErrorKindDumpUtilityMissing:
		return []string{
			"Install the MySQL client tools or set database.dump_command",
		}
	case pipeline.ErrorKindDumpExecution:
		return []string{
			"Check that the user has SELECT and LOCK TABLES privileges",
			"Review the mysqldump output above",
		}
	case pipeline.ErrorKindEncryption:
		return []string{
			"Check that the configured key source is set and valid",
			"A raw key must be 32 bytes (64 hex characters)",
		}
	case pipeline.ErrorKindUpload:
		return []string{
			"Verify the storage credentials and that the bucket or container exists",
			"Artifacts that were not uploaded remain in the staging directory",
		}
	case pipeline.ErrorKindPublish:
		return []string{
			"Check that the repository URL and token are correct",
			"Unpublished artifacts stay in the run directory of the kept clone under the staging directory",
		}
	}
	return nil
}

// GetLogger returns the application logger
func (app *Application) GetLogger() *logging.Logger {
	return app.logger
}

// Shutdown releases resources held by the application
func (app *Application) Shutdown() error {
	if !app.ownsLogger {
		return nil
	}
	return app.logger.Close()
}
