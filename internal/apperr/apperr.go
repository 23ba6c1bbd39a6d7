// Package apperr holds the error kinds shared across the engine.
//
// Persistence failures live in the storage package (storage.PersistenceError);
// a duplicate completion is not an error at all (ledger.AlreadyRecorded).
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError rejects bad input before any state is mutated.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ExternalServiceError wraps failures of collaborators we do not own
// (chat platform, object storage).
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// External wraps err unless it is nil or already an ExternalServiceError.
func External(service, op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *ExternalServiceError
	if errors.As(err, &ee) {
		return err
	}
	return &ExternalServiceError{Service: service, Op: op, Err: err}
}

func IsExternal(err error) bool {
	var ee *ExternalServiceError
	return errors.As(err, &ee)
}
