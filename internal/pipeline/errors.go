package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies stage failures
type ErrorKind string

const (
	ErrorKindRemoteExecution     ErrorKind = "RemoteExecutionError"
	ErrorKindTransfer            ErrorKind = "TransferError"
	ErrorKindDatabaseUnreachable ErrorKind = "DatabaseUnreachable"
	ErrorKindDumpUtilityMissing  ErrorKind = "DumpUtilityMissing"
	ErrorKindDumpExecution       ErrorKind = "DumpExecutionError"
	ErrorKindPublish             ErrorKind = "PublishError"
	ErrorKindEncryption          ErrorKind = "EncryptionError"
	ErrorKindUpload              ErrorKind = "UploadError"
)

// StageError is the failure value produced by a pipeline stage. Detail carries the
// diagnostic text captured from the underlying channel (stderr, server reply, driver error).
type StageError struct {
	Kind    ErrorKind              `json:"kind" yaml:"kind"`
	Detail  string                 `json:"detail" yaml:"detail"`
	Cause   error                  `json:"-" yaml:"-"`
	Context map[string]interface{} `json:"context,omitempty" yaml:"context,omitempty"`
}

// Error implements the error interface
func (e *StageError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Detail {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap returns the underlying cause error
func (e *StageError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a StageError of the same kind, so callers can match
// on a sentinel such as &StageError{Kind: ErrorKindTransfer}.
func (e *StageError) Is(target error) bool {
	t, ok := target.(*StageError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Detail == "" || t.Detail == e.Detail)
}

// WithContext adds context information to the error
func (e *StageError) WithContext(key string, value interface{}) *StageError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewStageError creates a new StageError
func NewStageError(kind ErrorKind, detail string, cause error) *StageError {
	if detail == "" && cause != nil {
		detail = cause.Error()
	}
	return &StageError{
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

func NewRemoteExecutionError(detail string, cause error) *StageError {
	return NewStageError(ErrorKindRemoteExecution, detail, cause)
}

func NewTransferError(detail string, cause error) *StageError {
	return NewStageError(ErrorKindTransfer, detail, cause)
}

func NewDatabaseUnreachableError(detail string, cause error) *StageError {
	return NewStageError(ErrorKindDatabaseUnreachable, detail, cause)
}

func NewDumpUtilityMissingError(detail string, cause error) *StageError {
	return NewStageError(ErrorKindDumpUtilityMissing, detail, cause)
}

func NewDumpExecutionError(detail string, cause error) *StageError {
	return NewStageError(ErrorKindDumpExecution, detail, cause)
}

func NewPublishError(detail string, cause error) *StageError {
	return NewStageError(ErrorKindPublish, detail, cause)
}

func NewEncryptionError(detail string, cause error) *StageError {
	return NewStageError(ErrorKindEncryption, detail, cause)
}

func NewUploadError(detail string, cause error) *StageError {
	return NewStageError(ErrorKindUpload, detail, cause)
}

// defaultErrorKind is used when a stage returns an error that is not a StageError
func defaultErrorKind(stage Stage) ErrorKind {
	switch stage {
	case StageArchive:
		return ErrorKindRemoteExecution
	case StageTransfer:
		return ErrorKindTransfer
	case StageDatabase:
		return ErrorKindDumpExecution
	case StageEncrypt:
		return ErrorKindEncryption
	case StageUpload:
		return ErrorKindUpload
	default:
		return ErrorKindPublish
	}
}

// AsStageError returns err as a *StageError, wrapping it with the stage's default kind
// when it is some other error type.
func AsStageError(stage Stage, err error) *StageError {
	if err == nil {
		return nil
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr
	}
	return NewStageError(defaultErrorKind(stage), err.Error(), err)
}

// KindOf returns the ErrorKind of err, or "" when err carries no StageError
func KindOf(err error) ErrorKind {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind
	}
	return ""
}
