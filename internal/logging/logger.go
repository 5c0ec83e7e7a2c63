package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel string

const (
	// LogLevelQuiet suppresses all output except critical errors
	LogLevelQuiet LogLevel = "quiet"
	// LogLevelNormal shows standard operational messages
	LogLevelNormal LogLevel = "normal"
	// LogLevelVerbose shows detailed operational information
	LogLevelVerbose LogLevel = "verbose"
	// LogLevelDebug shows all debug information
	LogLevelDebug LogLevel = "debug"
)

type contextKey string

const runIDKey contextKey = "run_id"

// Logger provides structured logging capabilities
type Logger struct {
	logger *logrus.Logger
	level  LogLevel
	file   *os.File
}

// Config holds logger configuration
type Config struct {
	Level      LogLevel
	Output     io.Writer
	Format     string // "text" or "json"
	ShowCaller bool
	LogFile    string
}

// NewLogger creates a new logger with the specified configuration
func NewLogger(config Config) (*Logger, error) {
	logger := logrus.New()

	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	logger.SetOutput(output)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	logger.SetLevel(toLogrusLevel(config.Level))

	if config.ShowCaller {
		logger.SetReportCaller(true)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				filename := filepath.Base(f.File)
				return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%s:%d", filename, f.Line)
			},
		})
	}

	l := &Logger{
		logger: logger,
		level:  config.Level,
	}

	if config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", config.LogFile, err)
		}
		logger.SetOutput(io.MultiWriter(output, file))
		l.file = file
	}

	return l, nil
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() *Logger {
	logger, _ := NewLogger(Config{Level: LogLevelQuiet, Output: io.Discard})
	return logger
}

func toLogrusLevel(level LogLevel) logrus.Level {
	switch level {
	case LogLevelQuiet:
		return logrus.ErrorLevel
	case LogLevelVerbose:
		return logrus.DebugLevel
	case LogLevelDebug:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

// Close releases the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// WithContext returns a logger entry carrying the run ID stored in ctx
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.logger.WithContext(ctx)
	if runID := RunIDFromContext(ctx); runID != "" {
		entry = entry.WithField("run_id", runID)
	}
	return entry
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.logger.WithFields(fields)
}

// WithField returns a logger with a single additional field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.logger.WithField(key, value)
}

// Pipeline logging methods

// LogConnection logs an attempt to open a session with a remote endpoint
func (l *Logger) LogConnection(kind, host string, success bool, duration time.Duration, err error) {
	fields := logrus.Fields{
		"operation": "connect",
		"kind":      kind,
		"host":      host,
		"duration":  duration.String(),
		"success":   success,
	}

	if success {
		l.logger.WithFields(fields).Debug("Connection established")
		return
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.logger.WithFields(fields).Error("Connection failed")
}

// LogRemoteCommand logs a command executed over ssh or as a subprocess
func (l *Logger) LogRemoteCommand(host, command string, exitStatus int, stderr string, duration time.Duration) {
	fields := logrus.Fields{
		"operation":   "command",
		"host":        host,
		"command":     SanitizeCommand(command),
		"exit_status": exitStatus,
		"duration":    duration.String(),
	}

	if stderr != "" {
		if len(stderr) > 500 {
			fields["stderr"] = stderr[:500] + "..."
		} else {
			fields["stderr"] = stderr
		}
	}

	if exitStatus != 0 || stderr != "" {
		l.logger.WithFields(fields).Warn("Command reported errors")
		return
	}
	l.logger.WithFields(fields).Debug("Command finished")
}

// LogRetry logs that a stage is about to be attempted again
func (l *Logger) LogRetry(stage string, attempt int, delay time.Duration, err error) {
	fields := logrus.Fields{
		"operation": "retry",
		"stage":     stage,
		"attempt":   attempt,
		"delay":     delay.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.logger.WithFields(fields).Warn("Retrying stage after recoverable error")
}

// LogStageStart logs the start of a pipeline stage and returns a function to log completion
func (l *Logger) LogStageStart(stage string, fields map[string]interface{}) func(error) {
	stageFields := map[string]interface{}{"stage": stage}
	for k, v := range fields {
		stageFields[k] = v
	}
	return l.LogOperationStart("stage", stageFields)
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	return l.level
}

// LogOperationStart logs the start of an operation and returns a function to log completion
func (l *Logger) LogOperationStart(operation string, fields map[string]interface{}) func(error) {
	startTime := time.Now()

	logFields := logrus.Fields{
		"operation": operation,
		"status":    "started",
	}
	for k, v := range fields {
		logFields[k] = v
	}

	l.logger.WithFields(logFields).Debug("Operation started")

	return func(err error) {
		logFields["status"] = "completed"
		logFields["duration"] = time.Since(startTime).String()

		if err != nil {
			logFields["error"] = err.Error()
			logFields["success"] = false
			l.logger.WithFields(logFields).Error("Operation failed")
		} else {
			logFields["success"] = true
			l.logger.WithFields(logFields).Info("Operation completed")
		}
	}
}

// ContextWithRunID stores the run ID for later log entries
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext extracts the run ID from context
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

var (
	shortPasswordFlag = regexp.MustCompile(`(^|\s)(['"]?)-p[^\s'"]+(['"]?)`)
	longPasswordFlag  = regexp.MustCompile(`(--password=)(\S+)`)
	passwordAssign    = regexp.MustCompile(`(?i)(password=)('[^']*'|"[^"]*"|\S+)`)
	urlCredentials    = regexp.MustCompile(`(://[^:/@\s]+:)[^@\s]+@`)
)

// SanitizeArgs masks secrets in an argument vector one element at a time, so a
// password containing quotes or spaces is masked whole. Prefer it over
// SanitizeCommand whenever the vector is still available.
func SanitizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		switch {
		case len(arg) > 2 && strings.HasPrefix(arg, "-p"):
			out[i] = "-p***"
		case strings.HasPrefix(arg, "--password="):
			out[i] = "--password=***"
		default:
			out[i] = SanitizeCommand(arg)
		}
	}
	return out
}

// SanitizeCommand masks secrets in a command line before it is logged: the mysql
// style -p<password> flag, --password=, password= assignments and URL userinfo.
func SanitizeCommand(command string) string {
	command = shortPasswordFlag.ReplaceAllString(command, "$1$2-p***$3")
	command = longPasswordFlag.ReplaceAllString(command, "$1***")
	command = passwordAssign.ReplaceAllString(command, "$1***")
	command = urlCredentials.ReplaceAllString(command, "$1***@")
	return command
}
