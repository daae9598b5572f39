package session

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is the registry's view of one supervised terminal session. Exactly
// one record exists per terminal id at any time; lifecycle mutations go
// through the driver under the registry's per-id lock, so fields other than
// the live handle are read-mostly.
type Record struct {
	mu sync.Mutex

	ID    uuid.UUID
	Name  string // derived host session name, see HostName
	Cwd   string
	Shell string

	backing    Backing
	persist    bool
	state      State
	createdAt  time.Time
	lastSeenAt time.Time

	// live process handle, owned by the driver while attached
	proc handle

	// scrollback replayed to new subscribers
	scrollback *RingBuffer

	subMu       sync.Mutex
	subscribers map[chan []byte]struct{}

	// closed when the current attachment's process is reaped
	done chan struct{}

	lastCols, lastRows uint16
}

// Info is the read-only projection of a record served to the UI.
type Info struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Backing    Backing `json:"backing"`
	Persist    bool    `json:"persist"`
	Cwd        string  `json:"cwd"`
	Shell      string  `json:"shell"`
	State      State   `json:"state"`
	CreatedAt  string  `json:"createdAt"`
	LastSeenAt string  `json:"lastSeenAt"`
}

func newRecord(id uuid.UUID, cwd, shell string, persist bool) *Record {
	// no live handle yet, so the done channel starts closed
	done := make(chan struct{})
	close(done)

	now := time.Now()
	return &Record{
		ID:          id,
		Name:        HostName(id),
		Cwd:         cwd,
		Shell:       shell,
		persist:     persist,
		state:       StateUnborn,
		createdAt:   now,
		lastSeenAt:  now,
		scrollback:  NewRingBuffer(defaultRingSize),
		subscribers: make(map[chan []byte]struct{}),
		done:        done,
	}
}

func (rec *Record) Info() Info {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return Info{
		ID:         rec.ID.String(),
		Name:       rec.Name,
		Backing:    rec.backing,
		Persist:    rec.persist,
		Cwd:        rec.Cwd,
		Shell:      rec.Shell,
		State:      rec.state,
		CreatedAt:  rec.createdAt.UTC().Format(time.RFC3339),
		LastSeenAt: rec.lastSeenAt.UTC().Format(time.RFC3339),
	}
}

func (rec *Record) State() State {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state
}

// Backing reports how the record's process is supervised.
func (rec *Record) Backing() Backing {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.backing
}

// Persist reports whether the session is meant to outlive this process.
func (rec *Record) Persist() bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.persist
}

// setBacking records the supervision mode settled at create or attach time.
// Info may be serving a concurrent list request, so this goes through the
// same lock.
func (rec *Record) setBacking(b Backing, persist bool) {
	rec.mu.Lock()
	rec.backing = b
	rec.persist = persist
	rec.mu.Unlock()
}

func (rec *Record) CreatedAt() time.Time {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.createdAt
}

// Age is the time since the record's last transition. Used by the health
// monitor to age detached sessions.
func (rec *Record) Age(now time.Time) time.Duration {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return now.Sub(rec.lastSeenAt)
}

func (rec *Record) setState(st State) {
	rec.mu.Lock()
	rec.state = st
	rec.lastSeenAt = time.Now()
	rec.mu.Unlock()
}

// adopt installs a freshly spawned handle and opens a new done channel for
// its lifetime. Returns the channel so the reaper closes the one matching
// its own handle, never a successor's.
func (rec *Record) adopt(h handle) chan struct{} {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.proc = h
	rec.done = make(chan struct{})
	return rec.done
}

// release clears the handle if it is still the adopted one.
func (rec *Record) release(h handle) {
	rec.mu.Lock()
	if rec.proc == h {
		rec.proc = nil
	}
	rec.mu.Unlock()
}

func (rec *Record) hasProc() bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.proc != nil
}

// Done is closed once the current attachment's process has been reaped.
func (rec *Record) Done() <-chan struct{} {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.done
}

// Write sends terminal input to the live process.
func (rec *Record) Write(p []byte) (int, error) {
	rec.mu.Lock()
	proc := rec.proc
	rec.mu.Unlock()
	if proc == nil {
		return 0, os.ErrClosed
	}
	return proc.Write(p)
}

func (rec *Record) closeProc() {
	rec.mu.Lock()
	proc := rec.proc
	rec.mu.Unlock()
	if proc != nil {
		_ = proc.Close()
	}
}

// terminate asks the process to stop and escalates after the grace period
// if it has not been reaped by then.
func (rec *Record) terminate(grace time.Duration) {
	rec.mu.Lock()
	proc := rec.proc
	done := rec.done
	rec.mu.Unlock()
	if proc == nil {
		return
	}
	_ = proc.Terminate()
	go func() {
		select {
		case <-done:
		case <-time.After(grace):
			_ = proc.Kill()
		}
	}()
}

func (rec *Record) dims() (cols, rows uint16) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.lastCols == 0 || rec.lastRows == 0 {
		return defaultCols, defaultRows
	}
	return rec.lastCols, rec.lastRows
}

func (rec *Record) setDims(cols, rows uint16) {
	rec.mu.Lock()
	rec.lastCols = cols
	rec.lastRows = rows
	rec.mu.Unlock()
}

func (rec *Record) needResize(cols, rows uint16) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return cols != rec.lastCols || rows != rec.lastRows
}

func (rec *Record) resizeProc(cols, rows uint16) error {
	rec.mu.Lock()
	proc := rec.proc
	rec.mu.Unlock()
	if proc == nil {
		return os.ErrClosed
	}
	return proc.Resize(cols, rows)
}

// Subscribe registers an output channel and returns it together with the
// scrollback accumulated so far.
func (rec *Record) Subscribe() (chan []byte, []byte) {
	ch := make(chan []byte, 256)
	rec.subMu.Lock()
	rec.subscribers[ch] = struct{}{}
	scrollback := rec.scrollback.Bytes()
	rec.subMu.Unlock()
	return ch, scrollback
}

func (rec *Record) Unsubscribe(ch chan []byte) {
	rec.subMu.Lock()
	delete(rec.subscribers, ch)
	rec.subMu.Unlock()
	close(ch)
}

// emit records output in the scrollback and fans it out to subscribers.
// Slow consumers are dropped rather than blocking the read loop.
func (rec *Record) emit(data []byte) {
	rec.scrollback.Write(data)
	rec.subMu.Lock()
	defer rec.subMu.Unlock()
	for ch := range rec.subscribers {
		select {
		case ch <- data:
		default:
		}
	}
}

// backfill seeds the scrollback with host-captured pane contents on attach.
func (rec *Record) backfill(data []byte) {
	if len(data) > 0 {
		rec.scrollback.Write(data)
	}
}
