package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/livequery/internal/errs"
)

// ErrNoValue is returned by a RowMapper that could not produce a value for
// the current row. Mappers surface it as a NO_VALUE mapper error.
var ErrNoValue = errors.New("mapper produced no value")

// toStoreError tags a run failure with the statement that produced it.
// Errors that are already classified pass through unchanged.
func toStoreError(statement string, err error) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	return errs.Store(statement, err)
}

// guard runs fn and converts a panic into an error.
func guard(what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", what, r)
		}
	}()
	return fn()
}
