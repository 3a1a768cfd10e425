package database

import (
	"errors"
	"fmt"
)

// ErrLocked is returned when another process holds an edition's lock.
var ErrLocked = errors.New("database: edition is locked")

// ErrLockLost is returned when renewing a lease the caller no longer holds.
var ErrLockLost = errors.New("database: edition lock lost")

// WriteFailure reports that the ledger rejected a write.
type WriteFailure struct {
	Op  string
	Err error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("ledger write failed (%s): %v", e.Op, e.Err)
}

func (e *WriteFailure) Unwrap() error {
	return e.Err
}

func writeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &WriteFailure{Op: op, Err: err}
}

// IsWriteFailure reports whether err came from a failed ledger write.
func IsWriteFailure(err error) bool {
	var wf *WriteFailure
	return errors.As(err, &wf)
}
