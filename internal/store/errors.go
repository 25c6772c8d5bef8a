package store

import (
	"errors"
	"fmt"
)

var (
	// ErrRowNotFound is returned by reads and patches addressing a row that
	// is absent (or stored empty, which is the same state).
	ErrRowNotFound = errors.New("row not found")

	// ErrRowExists is returned by inserts colliding with a stored row.
	ErrRowExists = errors.New("row already exists")

	// ErrNoCells is returned by inserts carrying no non-empty cells. An
	// all-empty row is the same state as an absent one, so storing it would
	// create a row that no read can see yet no insert can replace.
	ErrNoCells = errors.New("row has no cells")
)

// VersionConflictError is the routine outcome of benign contention: the
// caller's expected version no longer matches. It carries the current
// version so the caller can re-read and retry.
type VersionConflictError struct {
	CurrentVersion int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version mismatch, current version is %d", e.CurrentVersion)
}

// LogWriteError reports a mutation whose row write succeeded but whose audit
// append did not. An unaudited state change violates the append-only history
// invariant, so the mutation as a whole is reported failed.
type LogWriteError struct {
	Err error
}

func (e *LogWriteError) Error() string {
	return fmt.Sprintf("change log write failed: %v", e.Err)
}

func (e *LogWriteError) Unwrap() error {
	return e.Err
}

// AsVersionConflict unwraps err into a VersionConflictError when it is one.
func AsVersionConflict(err error) (*VersionConflictError, bool) {
	var conflict *VersionConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}
