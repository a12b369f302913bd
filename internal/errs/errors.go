// Package errs defines the error taxonomy shared by the trigger, transaction,
// engine and store packages.
//
// Three families exist:
//   - Usage errors: the caller broke a contract (ended a transaction that was
//     never begun, subscribed inside an open transaction). They fail fast at
//     the offending call.
//   - Store errors: the relational engine rejected a statement. They carry
//     the statement text for diagnosis.
//   - Mapper errors: a row-to-value conversion produced no value, or a query
//     expected to yield exactly one row yielded more.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies the error category.
type Code string

const (
	// ErrCodeNotInTransaction indicates End was called with no open scope.
	ErrCodeNotInTransaction Code = "NOT_IN_TRANSACTION"

	// ErrCodeScopeMismatch indicates a scope was ended twice or out of order.
	ErrCodeScopeMismatch Code = "SCOPE_MISMATCH"

	// ErrCodeObserveInTransaction indicates a subscription was activated while
	// the calling context had an open transaction.
	ErrCodeObserveInTransaction Code = "OBSERVE_IN_TRANSACTION"

	// ErrCodeInvalidDemand indicates Request was called with n <= 0.
	ErrCodeInvalidDemand Code = "INVALID_DEMAND"

	// ErrCodeStore indicates the underlying store failed a statement.
	ErrCodeStore Code = "STORE"

	// ErrCodeNoValue indicates a row mapper produced no value.
	ErrCodeNoValue Code = "NO_VALUE"

	// ErrCodeTooManyRows indicates more than one row where exactly one was expected.
	ErrCodeTooManyRows Code = "TOO_MANY_ROWS"
)

// Error is the structured error returned by livequery packages.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Statement is the SQL that produced the error, if any.
	Statement string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Statement != "" {
		msg = fmt.Sprintf("%s (statement=%q)", msg, e.Statement)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Usage creates a usage error.
func Usage(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Store wraps a failure from the relational engine, tagged with the statement.
func Store(statement string, err error) *Error {
	return &Error{
		Code:      ErrCodeStore,
		Message:   "statement failed",
		Statement: statement,
		Err:       err,
	}
}

// Mapper creates a mapper error for the given statement.
func Mapper(code Code, statement, message string) *Error {
	return &Error{Code: code, Message: message, Statement: statement}
}

// IsUsageError reports whether err is a contract violation by the caller.
func IsUsageError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case ErrCodeNotInTransaction, ErrCodeScopeMismatch, ErrCodeObserveInTransaction, ErrCodeInvalidDemand:
		return true
	}
	return false
}

// IsStoreError reports whether err came from the relational engine.
func IsStoreError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == ErrCodeStore
}

// IsMapperError reports whether err came from a row mapper.
func IsMapperError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == ErrCodeNoValue || e.Code == ErrCodeTooManyRows
}

// HasCode reports whether err is an *Error with the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
