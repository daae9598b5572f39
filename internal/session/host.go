package session

import "time"

// HostSession is one session as reported by the host's list operation.
type HostSession struct {
	Name      string
	CreatedAt time.Time
}

// Host is the external session host boundary (tmux in production). The
// host's namespace is shared with the user, so implementations and callers
// must tolerate its view changing behind their back: host state is a cache,
// never truth owned by the registry.
type Host interface {
	// Available reports the probe result, cached for the process lifetime.
	Available() bool
	// Reprobe re-runs capability detection, on explicit user request only.
	Reprobe() bool

	// NewSession creates a detached host session running shell in cwd with
	// the given initial dimensions, tagged as ours.
	NewSession(name, cwd, shell string, cols, rows uint16) error
	// Attach opens an I/O channel to an existing host session.
	Attach(name string, cols, rows uint16) (handle, error)
	// Detach disconnects all clients from the named session, leaving the
	// process running.
	Detach(name string) error
	// Kill destroys the named session. Killing a session that is already
	// gone is not an error.
	Kill(name string) error

	// Has reports whether the named session currently exists.
	Has(name string) bool
	// Tagged reports whether the named session carries our ownership tag.
	// A session squatting on one of our names without the tag was created
	// by an unrelated process and is treated as not found.
	Tagged(name string) bool
	// List returns all sessions under our naming prefix. It fails closed on
	// unparseable host output.
	List() ([]HostSession, error)

	// Capture returns the named session's current pane contents, escape
	// sequences included, for scrollback backfill. Nil on failure.
	Capture(name string) []byte
	// ResizeWindow resizes the host-side window of the named session.
	ResizeWindow(name string, cols, rows uint16) error
}
