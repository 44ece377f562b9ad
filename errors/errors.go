// Package errors provides the error taxonomy for conflict detection and resolution.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeCleanupFailure    ErrorCode = "CLEANUP_FAILURE"
)

// Kind classifies an error by how callers are expected to react to it.
type Kind string

const (
	KindOther               Kind = ""
	// KindRecoverableFetch marks a single alternate revision that could not be
	// fetched. Detection logs it and continues.
	KindRecoverableFetch    Kind = "recoverable_fetch"
	// KindStoreUnavailable aborts the whole detect/resolve call.
	KindStoreUnavailable    Kind = "store_unavailable"
	// KindConfiguration is a caller mistake, e.g. user_decides without a choice.
	KindConfiguration       Kind = "configuration"
	// KindUnsupportedStrategy is an unrecognized strategy tag.
	KindUnsupportedStrategy Kind = "unsupported_strategy"
	// KindCleanup is a failed destroy of a losing revision. Never fatal.
	KindCleanup             Kind = "cleanup"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal"
)

// Operation represents the operation during which an error occurred
type Operation string

const (
	OpDetect  Operation = "detect"
	OpResolve Operation = "resolve"
	OpPersist Operation = "persist"
	OpCleanup Operation = "cleanup"
	OpScan    Operation = "scan"
	OpSweep   Operation = "sweep"
	OpStore   Operation = "store"
	OpLoad    Operation = "load"
	OpLock    Operation = "lock"
	OpConfig  Operation = "config"
	OpClose   Operation = "close"
	OpOpen    Operation = "open"
)

// Sentinel errors shared by store adapters and the engine.
var (
	ErrNotFound            = errors.New("document not found")
	ErrConflict            = errors.New("document update conflict")
	ErrStoreClosed         = errors.New("store is closed")
	ErrMissingChoice       = errors.New("user_decides strategy requires a choice of local or remote")
	ErrUnsupportedStrategy = errors.New("unsupported resolution strategy")
)

// Error represents an error that occurred while detecting or resolving conflicts
type Error struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "engine", "sqlite-store")
	Component string

	// Kind classifies the error (see the Kind constants)
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *Error) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithMetadata sets a metadata entry and returns the error for chaining.
func (e *Error) WithMetadata(key string, value interface{}) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// E builds an *Error from its arguments. Accepted argument types are
// Operation, Component, Kind, ErrorCode, error and string (a message that
// becomes the underlying error when no error is given).
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("call to errors.E with no arguments")
	}
	e := &Error{}
	var msg string
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case *Error:
			cp := *a
			e.Err = &cp
		case error:
			e.Err = a
		case string:
			msg = a
		default:
			return fmt.Errorf("unknown type %T, value %v in error call", arg, arg)
		}
	}
	switch {
	case e.Err == nil && msg != "":
		e.Err = errors.New(msg)
	case e.Err != nil && msg != "":
		e.Err = fmt.Errorf("%s: %w", msg, e.Err)
	}
	if e.Kind == KindOther {
		e.Kind = KindOf(e.Err)
	}
	return e
}

// Component names the part of the system an error came from.
type Component string

// Op converts a string into an Operation for use with E.
func Op(s string) Operation { return Operation(s) }

// NewStorageError creates a new store-unavailable error
func NewStorageError(op Operation, cause error) *Error {
	return &Error{
		Code:      ErrCodeStorageFailure,
		Kind:      KindStoreUnavailable,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: true,
	}
}

// Unavailable marks an adapter failure as a retryable store outage. A nil
// err stays nil.
func Unavailable(op Operation, component Component, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:      ErrCodeStorageFailure,
		Kind:      KindStoreUnavailable,
		Op:        op,
		Component: string(component),
		Err:       err,
		Retryable: true,
	}
}

// NewFetchError creates a recoverable error for one unreachable alternate revision
func NewFetchError(op Operation, cause error) *Error {
	return &Error{
		Code:      ErrCodeStorageFailure,
		Kind:      KindRecoverableFetch,
		Op:        op,
		Component: "detector",
		Err:       cause,
		Retryable: true,
	}
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(op Operation, cause error) *Error {
	return &Error{
		Code:      ErrCodeValidationFailure,
		Kind:      KindConfiguration,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewUnsupportedStrategyError reports an unrecognized strategy tag
func NewUnsupportedStrategyError(op Operation, tag string) *Error {
	return &Error{
		Code:      ErrCodeValidationFailure,
		Kind:      KindUnsupportedStrategy,
		Op:        op,
		Err:       fmt.Errorf("%w: %q", ErrUnsupportedStrategy, tag),
		Retryable: false,
	}
}

// NewCleanupError creates a new error for a failed losing-revision destroy
func NewCleanupError(cause error) *Error {
	return &Error{
		Code:      ErrCodeCleanupFailure,
		Kind:      KindCleanup,
		Op:        OpCleanup,
		Component: "engine",
		Err:       cause,
		Retryable: true,
	}
}

// NewConflictError creates a new conflict-related error
func NewConflictError(op Operation, cause error) *Error {
	return &Error{
		Code:      ErrCodeConflictFailure,
		Op:        op,
		Component: "engine",
		Err:       cause,
		Retryable: false,
	}
}

// New creates a new Error
func New(op Operation, err error) *Error {
	return &Error{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new Error with component information
func NewWithComponent(op Operation, component string, err error) *Error {
	return &Error{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// NewRetryable creates a new retryable Error
func NewRetryable(op Operation, err error) *Error {
	return &Error{
		Op:        op,
		Err:       err,
		Retryable: true,
	}
}

// IsRetryable checks if an error is a retryable Error
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// KindOf returns the outermost non-empty Kind found in the error chain.
func KindOf(err error) Kind {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		if e.Kind != KindOther {
			return e.Kind
		}
		err = e.Err
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindOther
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Is and As forward to the standard library so callers need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
