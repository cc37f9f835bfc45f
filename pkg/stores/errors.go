package stores

import (
	"errors"
	"fmt"
)

// ErrorClass classifies store failures for callers deciding how to react.
type ErrorClass string

const (
	// ErrorClassConnection means the backing file could not be opened or
	// its table could not be created. Fatal at construction.
	ErrorClassConnection ErrorClass = "connection"

	// ErrorClassQuery means a statement was malformed, had the wrong number
	// of arguments, or was rejected by the database. Never retried.
	ErrorClassQuery ErrorClass = "query"

	// ErrorClassContract means an entity or its configuration broke the
	// store contract (missing hook, bad table name, undecodable row).
	ErrorClassContract ErrorClass = "contract"

	// ErrorClassClosed means the store was used after Stop.
	ErrorClassClosed ErrorClass = "closed"
)

var (
	// ErrClosed is wrapped by every use-after-stop error.
	ErrClosed = errors.New("store is stopped")

	// ErrNotOpen is returned by a connection that was never opened.
	ErrNotOpen = errors.New("store is not open")

	// ErrInvalidTable is returned for table names that are not plain identifiers.
	ErrInvalidTable = errors.New("invalid table name")

	// ErrMissingHook is returned when an entity, its create-table hook or its
	// row factory is nil.
	ErrMissingHook = errors.New("missing entity hook")
)

// Error is a classified store error.
type Error struct {
	// Class is the error classification.
	Class ErrorClass

	// Op is the operation that failed (open, execute, fetch_one, insert, ...).
	Op string

	// Table is the store's table, if known.
	Table string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("[%s] %s %s: %v", e.Class, e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Class, e.Op, e.Err)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same class.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewConnectionError creates a connection-class error.
func NewConnectionError(op, table string, err error) *Error {
	return &Error{Class: ErrorClassConnection, Op: op, Table: table, Err: err}
}

// NewQueryError creates a query-class error.
func NewQueryError(op, table string, err error) *Error {
	return &Error{Class: ErrorClassQuery, Op: op, Table: table, Err: err}
}

// NewContractError creates a contract-class error.
func NewContractError(op, table string, err error) *Error {
	return &Error{Class: ErrorClassContract, Op: op, Table: table, Err: err}
}

// NewClosedError creates a closed-class error wrapping ErrClosed.
func NewClosedError(op, table string) *Error {
	return &Error{Class: ErrorClassClosed, Op: op, Table: table, Err: ErrClosed}
}

func isClass(err error, class ErrorClass) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsConnectionError returns true if the error is classified as a connection error.
func IsConnectionError(err error) bool {
	return isClass(err, ErrorClassConnection)
}

// IsQueryError returns true if the error is classified as a query error.
func IsQueryError(err error) bool {
	return isClass(err, ErrorClassQuery)
}

// IsContractViolation returns true if the error is classified as a contract violation.
func IsContractViolation(err error) bool {
	return isClass(err, ErrorClassContract)
}

// IsClosed returns true if the error comes from using a stopped store.
func IsClosed(err error) bool {
	return isClass(err, ErrorClassClosed)
}

// classOf returns the class label used for metrics, or "unknown".
func classOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return string(e.Class)
	}
	return "unknown"
}
