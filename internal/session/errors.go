package session

import "errors"

var (
	// ErrHostUnavailable means the session host binary is missing or failed
	// its version check. Recoverable: callers fall back to a direct spawn.
	ErrHostUnavailable = errors.New("session host unavailable")

	// ErrSessionNotFound means a host session vanished between discovery and
	// attach, or exists under our name without our ownership tag.
	// Recoverable: callers treat it exactly like a fresh create.
	ErrSessionNotFound = errors.New("host session not found")

	// ErrSpawnFailed is an OS-level failure to start a process. Surfaced to
	// the caller, never retried automatically.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrNotDetachable is returned when Detach is called on a direct-backed
	// session. Fatal to the call, not to the process.
	ErrNotDetachable = errors.New("direct session cannot be detached")

	// ErrShutdownTimeout means at least one session failed to detach or die
	// within the shutdown deadline. The application exits regardless.
	ErrShutdownTimeout = errors.New("shutdown deadline exceeded")
)
