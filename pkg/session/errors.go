package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no persisted log exists for the session id.
	ErrNotFound = errors.New("session not found")

	// ErrConflict indicates the session already has an attached handle.
	ErrConflict = errors.New("session already attached")

	// ErrInvalidConfig indicates invalid session setup (unknown provider,
	// empty model, malformed id). Surfaced immediately, never retried.
	ErrInvalidConfig = errors.New("invalid session config")

	// ErrIO indicates a durable append failed. Fatal to the current turn.
	ErrIO = errors.New("session io failure")

	// ErrCorrupt indicates the log violates sequence contiguity. A corrupt
	// session cannot be resumed.
	ErrCorrupt = errors.New("session log corrupt")
)

// CorruptError reports the exact point where replay or export detected a
// broken log. Matches ErrCorrupt under errors.Is.
type CorruptError struct {
	Path     string
	Expected uint64
	Got      uint64
	Reason   string
}

func (e *CorruptError) Error() string {
	switch e.Reason {
	case "":
		if e.Got > e.Expected {
			return fmt.Sprintf("corrupt log %s: gap at seq %d (next record has seq %d)", e.Path, e.Expected, e.Got)
		}
		return fmt.Sprintf("corrupt log %s: duplicate seq %d (expected %d)", e.Path, e.Got, e.Expected)
	default:
		return fmt.Sprintf("corrupt log %s: %s at seq %d", e.Path, e.Reason, e.Expected)
	}
}

func (e *CorruptError) Unwrap() error { return ErrCorrupt }
