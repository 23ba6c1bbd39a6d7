package storage

import (
	"errors"
	"fmt"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures the SQLite database file.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// PersistenceError reports a storage I/O failure. Callers must not assume
// partial success of the operation named by Op.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err) }

func (e *PersistenceError) Unwrap() error { return e.Err }

// Wrap tags err as a PersistenceError for op. It keeps nil and already wrapped errors as-is.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// Timestamp layout for TEXT columns.
const TimeLayout = time.RFC3339Nano
