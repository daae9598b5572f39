package session

// State is the lifecycle state of a session record.
//
// Unborn → Starting → Attached → Detached → Orphaned → Dead
//
// Attached means we currently own an open I/O channel to the session.
// Detached means the session is known to still be running on the host but we
// hold no channel. Orphaned is a detached session discovered on the host
// with no matching terminal in persisted workspace state. Dead is terminal;
// a dead record is removed from the registry, never reused.
type State string

const (
	StateUnborn   State = "unborn"
	StateStarting State = "starting"
	StateAttached State = "attached"
	StateDetached State = "detached"
	StateOrphaned State = "orphaned"
	StateDead     State = "dead"
)

// Backing says how the underlying process is supervised.
type Backing string

const (
	// BackingDirect is a plain child process with no persistence beyond our
	// own lifetime.
	BackingDirect Backing = "direct"
	// BackingHost is a process living inside the session host; it can be
	// detached and reattached across restarts.
	BackingHost Backing = "host"
)
