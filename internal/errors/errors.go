package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"golang.org/x/crypto/ssh"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeConnection represents network or session establishment errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeAuthentication represents rejected credentials
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeRemote represents failures reported by the remote side (ssh exit codes, FTP replies)
	ErrorTypeRemote ErrorType = "remote"
	// ErrorTypeDatabase represents MySQL server errors
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypePermission represents permission/access errors
	ErrorTypePermission ErrorType = "permission"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInterruption represents user interruption
	ErrorTypeInterruption ErrorType = "interruption"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
	UserMessage string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// IsRecoverable returns whether the error is recoverable
func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: false,
	}
}

// NewRecoverableError creates a new recoverable error
func NewRecoverableError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: true,
	}
}

// ErrorClassifier decides which failures are transient and worth another attempt
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	// Check if it's already an AppError
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	// Context errors first: a cancelled run must never be retried
	if ctxErr := ec.classifyContextError(err); ctxErr != nil {
		return ctxErr
	}

	if sshErr := ec.classifySSHError(err); sshErr != nil {
		return sshErr
	}

	if ftpErr := ec.classifyFTPError(err); ftpErr != nil {
		return ftpErr
	}

	if mysqlErr := ec.classifyMySQLError(err); mysqlErr != nil {
		return mysqlErr
	}

	if netErr := ec.classifyNetworkError(err); netErr != nil {
		return netErr
	}

	if fsErr := ec.classifyFileSystemError(err); fsErr != nil {
		return fsErr
	}

	// Default to unknown error
	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

// classifySSHError classifies errors surfaced by golang.org/x/crypto/ssh
func (ec *ErrorClassifier) classifySSHError(err error) *AppError {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return NewAppError(ErrorTypeRemote,
			fmt.Sprintf("Remote command exited with status %d", exitErr.ExitStatus()), err).
			WithContext("exit_status", exitErr.ExitStatus())
	}

	var missingErr *ssh.ExitMissingError
	if errors.As(err, &missingErr) {
		return NewRecoverableError(ErrorTypeConnection,
			"Remote session closed without an exit status", err)
	}

	var keyErr *ssh.PassphraseMissingError
	if errors.As(err, &keyErr) {
		return NewAppError(ErrorTypeAuthentication, "Private key is passphrase protected", err)
	}

	return nil
}

// classifyFTPError classifies FTP server replies
func (ec *ErrorClassifier) classifyFTPError(err error) *AppError {
	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return nil
	}

	switch {
	case tpErr.Code == 421, tpErr.Code == 425, tpErr.Code == 426, tpErr.Code == 450:
		return NewRecoverableError(ErrorTypeConnection,
			"FTP server reported a transient failure", err).
			WithContext("ftp_code", tpErr.Code)
	case tpErr.Code == 530:
		return NewAppError(ErrorTypeAuthentication,
			"FTP login rejected - check username and password", err).
			WithContext("ftp_code", tpErr.Code)
	case tpErr.Code == 550:
		return NewAppError(ErrorTypeRemote,
			"FTP file or directory unavailable", err).
			WithContext("ftp_code", tpErr.Code)
	default:
		return NewAppError(ErrorTypeRemote,
			fmt.Sprintf("FTP error: %s", tpErr.Msg), err).
			WithContext("ftp_code", tpErr.Code)
	}
}

// classifyMySQLError classifies MySQL-specific errors
func (ec *ErrorClassifier) classifyMySQLError(err error) *AppError {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1045: // Access denied
			return NewAppError(ErrorTypePermission,
				"Database access denied - check username and password", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1049: // Unknown database
			return NewAppError(ErrorTypeValidation,
				"Database does not exist", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 2003: // Can't connect to MySQL server
			return NewRecoverableError(ErrorTypeConnection,
				"Cannot connect to MySQL server - server may be down or unreachable", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 2006: // MySQL server has gone away
			return NewRecoverableError(ErrorTypeConnection,
				"MySQL server connection lost", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		default:
			return NewAppError(ErrorTypeDatabase,
				fmt.Sprintf("MySQL error: %s", mysqlErr.Message), err).
				WithContext("mysql_error_code", mysqlErr.Number)
		}
	}

	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return NewRecoverableError(ErrorTypeConnection, "Database connection is closed", err)
	}

	return nil
}

// classifyNetworkError classifies network-related errors
func (ec *ErrorClassifier) classifyNetworkError(err error) *AppError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewRecoverableError(ErrorTypeTimeout,
			"Network operation timed out", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTemporary || dnsErr.IsTimeout {
			return NewRecoverableError(ErrorTypeConnection, "Temporary DNS failure", err)
		}
		return NewAppError(ErrorTypeConnection,
			fmt.Sprintf("Host %s could not be resolved", dnsErr.Name), err)
	}

	// Check for specific network error types
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return NewRecoverableError(ErrorTypeConnection,
				"Failed to establish network connection", err)
		case "read", "write":
			return NewRecoverableError(ErrorTypeConnection,
				"Network I/O error", err)
		}
	}

	// A connection dropped mid-stream
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return NewRecoverableError(ErrorTypeConnection, "Connection closed unexpectedly", err)
	}

	return nil
}

// classifyContextError classifies context-related errors
func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeInterruption,
			"Operation was canceled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewAppError(ErrorTypeTimeout,
			"Operation deadline exceeded", err)
	}

	return nil
}

// classifyFileSystemError classifies file system errors
func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		switch pathErr.Err {
		case syscall.ENOENT:
			return NewAppError(ErrorTypeValidation,
				fmt.Sprintf("File or directory not found: %s", pathErr.Path), err)
		case syscall.EACCES:
			return NewAppError(ErrorTypePermission,
				fmt.Sprintf("Permission denied: %s", pathErr.Path), err)
		case syscall.ENOSPC:
			return NewAppError(ErrorTypeValidation,
				"No space left on device", err)
		}
	}

	return nil
}

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier  float64       `mapstructure:"multiplier" yaml:"multiplier"`
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// Validate checks the retry bounds
func (rc RetryConfig) Validate() error {
	if rc.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", rc.MaxAttempts)
	}
	if rc.BaseDelay < 0 || rc.MaxDelay < 0 {
		return fmt.Errorf("retry delays cannot be negative")
	}
	if rc.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1, got %v", rc.Multiplier)
	}
	return nil
}

// RetryHandler provides retry functionality for operations
type RetryHandler struct {
	config     RetryConfig
	classifier *ErrorClassifier
	onRetry    func(attempt int, err error, delay time.Duration)
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewRetryHandler creates a new retry handler
func NewRetryHandler(config RetryConfig) *RetryHandler {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &RetryHandler{
		config:     config,
		classifier: NewErrorClassifier(),
		sleep:      sleepContext,
	}
}

// OnRetry registers a callback invoked before each repeated attempt
func (rh *RetryHandler) OnRetry(fn func(attempt int, err error, delay time.Duration)) {
	rh.onRetry = fn
}

// Config returns the retry configuration
func (rh *RetryHandler) Config() RetryConfig {
	return rh.config
}

// Retry executes operation until it succeeds, fails with a non-recoverable error, or
// runs out of attempts. The error of the last attempt is returned unchanged.
func (rh *RetryHandler) Retry(ctx context.Context, operation func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= rh.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return NewAppError(ErrorTypeInterruption, "Operation canceled", err)
		}

		err := operation(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !rh.classifier.ClassifyError(err).IsRecoverable() {
			return err
		}

		// Don't wait after the last attempt
		if attempt == rh.config.MaxAttempts {
			break
		}

		delay := rh.calculateDelay(attempt)
		if rh.onRetry != nil {
			rh.onRetry(attempt+1, err, delay)
		}

		if err := rh.sleep(ctx, delay); err != nil {
			return lastErr
		}
	}

	return lastErr
}

// calculateDelay calculates the delay for a given attempt using exponential backoff
func (rh *RetryHandler) calculateDelay(attempt int) time.Duration {
	// attempt 1 waits BaseDelay, attempt 2 BaseDelay*Multiplier, and so on
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= rh.config.Multiplier
	}

	delay := time.Duration(float64(rh.config.BaseDelay) * multiplier)

	if rh.config.MaxDelay > 0 && delay > rh.config.MaxDelay {
		delay = rh.config.MaxDelay
	}

	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// GracefulShutdownHandler cancels the run context on SIGINT/SIGTERM and runs
// registered cleanup functions in reverse order.
type GracefulShutdownHandler struct {
	mu            sync.Mutex
	shutdownFuncs []func() error
	signalChan    chan os.Signal
	cancel        context.CancelFunc
	once          sync.Once
	stopped       chan struct{}
}

// NewGracefulShutdownHandler creates a new graceful shutdown handler
func NewGracefulShutdownHandler() *GracefulShutdownHandler {
	return &GracefulShutdownHandler{
		shutdownFuncs: make([]func() error, 0),
		signalChan:    make(chan os.Signal, 1),
		stopped:       make(chan struct{}),
	}
}

// RegisterShutdownFunc registers a function to be called during shutdown
func (gsh *GracefulShutdownHandler) RegisterShutdownFunc(fn func() error) {
	gsh.mu.Lock()
	defer gsh.mu.Unlock()
	gsh.shutdownFuncs = append(gsh.shutdownFuncs, fn)
}

// Start returns a context that is canceled when an interrupt signal arrives
func (gsh *GracefulShutdownHandler) Start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	gsh.cancel = cancel
	signal.Notify(gsh.signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-gsh.signalChan:
			cancel()
		case <-gsh.stopped:
		}
	}()

	return ctx
}

// Stop stops listening for signals and runs the registered shutdown functions
func (gsh *GracefulShutdownHandler) Stop() error {
	var errs []error
	gsh.once.Do(func() {
		signal.Stop(gsh.signalChan)
		close(gsh.stopped)
		if gsh.cancel != nil {
			gsh.cancel()
		}

		gsh.mu.Lock()
		defer gsh.mu.Unlock()
		for i := len(gsh.shutdownFuncs) - 1; i >= 0; i-- {
			if err := gsh.shutdownFuncs[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// IsRecoverableError checks if an error is recoverable
func IsRecoverableError(err error) bool {
	if err == nil {
		return false
	}
	return NewErrorClassifier().ClassifyError(err).IsRecoverable()
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	return NewErrorClassifier().ClassifyError(err).Type
}

// FormatUserError formats an error for display to users. Without an explicit user
// message the cause is appended to the message.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.UserMessage == "" && appErr.Cause != nil {
			return appErr.Message + ": " + appErr.Cause.Error()
		}
		return appErr.GetUserMessage()
	}

	return err.Error()
}

// WrapError wraps an existing error with additional context
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return NewAppError(appErr.Type, message, err)
	}

	classifiedErr := NewErrorClassifier().ClassifyError(err)
	return &AppError{
		Type:        classifiedErr.Type,
		Message:     message,
		Cause:       err,
		Context:     classifiedErr.Context,
		Recoverable: classifiedErr.Recoverable,
	}
}
