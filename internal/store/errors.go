package store

import "errors"

// Sentinel errors surfaced by conditional store operations. Callers map these
// to 404/409 at the API boundary.
var (
	// ErrNotFound means the target row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional update matched zero rows because the
	// current state no longer satisfies the precondition.
	ErrConflict = errors.New("conflict")
)
