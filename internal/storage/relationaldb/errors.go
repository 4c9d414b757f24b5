package relationaldb

import (
	"errors"
	"fmt"
	"strings"
)

// Config.Validate errors.
var (
	ErrMissingHost           = errors.New("database host is required")
	ErrMissingDatabase       = errors.New("database name is required")
	ErrMissingUsername       = errors.New("database username is required")
	ErrInvalidPort           = errors.New("invalid database port")
	ErrInvalidDriver         = errors.New("invalid database driver")
	ErrInvalidMaxOpenConns   = errors.New("max open connections must be >= 0")
	ErrInvalidMaxIdleConns   = errors.New("max idle connections must be >= 0")
	ErrMaxIdleExceedsMaxOpen = errors.New("max idle connections cannot exceed max open connections")
	ErrInvalidTimeout        = errors.New("timeout must be positive")
)

// ErrDatabaseClosed is returned by a closed CheckpointRepository.
var ErrDatabaseClosed = errors.New("checkpoint repository is closed")

// ErrorType classifies a DatabaseError.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeConfiguration
	ErrorTypeConnection
	ErrorTypeQuery
	ErrorTypeSchema
	ErrorTypeData
)

var errorTypeNames = [...]string{
	ErrorTypeUnknown:       "unknown",
	ErrorTypeConfiguration: "configuration",
	ErrorTypeConnection:    "connection",
	ErrorTypeQuery:         "query",
	ErrorTypeSchema:        "schema",
	ErrorTypeData:          "data",
}

func (t ErrorType) String() string {
	if t < 0 || int(t) >= len(errorTypeNames) {
		return errorTypeNames[ErrorTypeUnknown]
	}
	return errorTypeNames[t]
}

// DatabaseError is a failed checkpoint repository operation.
type DatabaseError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	// Retryable is set for connection failures and for lock or timeout
	// failures of a query.
	Retryable bool
}

func (e *DatabaseError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s %s: %s", e.Type, e.Operation, e.Message)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
}

func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// NewDatabaseError creates a DatabaseError of type t.
func NewDatabaseError(t ErrorType, operation, message string, cause error) *DatabaseError {
	retryable := t == ErrorTypeConnection ||
		(t == ErrorTypeQuery && cause != nil && transientMessage(cause.Error()))
	return &DatabaseError{
		Type:      t,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: retryable,
	}
}

func NewConfigurationError(operation, message string, cause error) *DatabaseError {
	return NewDatabaseError(ErrorTypeConfiguration, operation, message, cause)
}

func NewConnectionError(operation, message string, cause error) *DatabaseError {
	return NewDatabaseError(ErrorTypeConnection, operation, message, cause)
}

func NewQueryError(operation, message string, cause error) *DatabaseError {
	return NewDatabaseError(ErrorTypeQuery, operation, message, cause)
}

func NewSchemaError(operation, message string, cause error) *DatabaseError {
	return NewDatabaseError(ErrorTypeSchema, operation, message, cause)
}

func NewDataError(operation, message string, cause error) *DatabaseError {
	return NewDatabaseError(ErrorTypeData, operation, message, cause)
}

// transientMessage matches driver messages of failures that may pass on retry:
// postgres deadlocks and serialization failures, sqlite busy and locked files,
// dropped connections.
func transientMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"database is locked",
		"sqlite_busy",
		"deadlock",
		"could not serialize",
		"timeout",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err may succeed when retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var dbErr *DatabaseError
	if errors.As(err, &dbErr) {
		return dbErr.Retryable
	}
	return transientMessage(err.Error())
}

// IsConfigurationError reports whether err comes from an invalid Config.
func IsConfigurationError(err error) bool {
	var dbErr *DatabaseError
	return errors.As(err, &dbErr) && dbErr.Type == ErrorTypeConfiguration
}
