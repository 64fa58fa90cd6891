package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrVersionConflict is returned when a compare-and-swap update finds
	// the stored version differs from the caller's expected version. The
	// caller must re-read and retry; nothing was written.
	ErrVersionConflict = errors.New("storage: version conflict")

	// ErrInvalidTransition is returned when a state-machine update is
	// attempted from a state that does not admit it (e.g. completing an
	// already-terminal command).
	ErrInvalidTransition = errors.New("storage: invalid state transition")

	// ErrExpired is returned when a command aged out before its report
	// arrived. The work was never acknowledged; the issuer decides whether
	// to re-enqueue.
	ErrExpired = errors.New("storage: command expired")
)
