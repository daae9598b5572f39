package session

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/moor-sh/moor/internal/workspace"
)

// fakeHandle stands in for a pty. Read blocks until exit makes it EOF, so
// the driver's read loop behaves like it does against a real terminal.
type fakeHandle struct {
	mu     sync.Mutex
	wrote  []byte
	cols   uint16
	rows   uint16
	out    chan []byte
	exited chan struct{}
	once   sync.Once

	terminated bool
	killed     bool
	closed     bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		out:    make(chan []byte, 16),
		exited: make(chan struct{}),
	}
}

func (h *fakeHandle) exit() {
	h.once.Do(func() { close(h.exited) })
}

func (h *fakeHandle) Read(p []byte) (int, error) {
	select {
	case data := <-h.out:
		return copy(p, data), nil
	case <-h.exited:
		return 0, io.EOF
	}
}

func (h *fakeHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, errors.New("write on closed handle")
	}
	h.wrote = append(h.wrote, p...)
	return len(p), nil
}

func (h *fakeHandle) Resize(cols, rows uint16) error {
	h.mu.Lock()
	h.cols, h.rows = cols, rows
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	h.terminated = true
	h.mu.Unlock()
	h.exit()
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.exit()
	return nil
}

func (h *fakeHandle) Wait() error {
	<-h.exited
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.exit()
	return nil
}

type fakeHostSession struct {
	createdAt time.Time
	tagged    bool
}

// fakeHost is an in-memory Host. Tests mutate its session map directly to
// simulate the user creating and killing sessions behind our back.
type fakeHost struct {
	mu        sync.Mutex
	available bool
	sessions  map[string]*fakeHostSession
	handles   map[string]*fakeHandle
	capture   map[string][]byte

	newCalls    int
	attachCalls int
	killCalls   int

	newErr    error
	attachErr error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		available: true,
		sessions:  make(map[string]*fakeHostSession),
		handles:   make(map[string]*fakeHandle),
		capture:   make(map[string][]byte),
	}
}

func (f *fakeHost) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeHost) Reprobe() bool { return f.Available() }

func (f *fakeHost) setAvailable(v bool) {
	f.mu.Lock()
	f.available = v
	f.mu.Unlock()
}

// addSession plants a session as if a previous run, or a stranger, created it.
func (f *fakeHost) addSession(name string, createdAt time.Time, tagged bool) {
	f.mu.Lock()
	f.sessions[name] = &fakeHostSession{createdAt: createdAt, tagged: tagged}
	f.mu.Unlock()
}

// dropSession simulates an external kill-session.
func (f *fakeHost) dropSession(name string) {
	f.mu.Lock()
	delete(f.sessions, name)
	f.mu.Unlock()
}

func (f *fakeHost) setAttachErr(err error) {
	f.mu.Lock()
	f.attachErr = err
	f.mu.Unlock()
}

func (f *fakeHost) lastHandle(name string) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[name]
}

func (f *fakeHost) NewSession(name, cwd, shell string, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newCalls++
	if f.newErr != nil {
		return f.newErr
	}
	if _, exists := f.sessions[name]; exists {
		return errors.New("duplicate session: " + name)
	}
	f.sessions[name] = &fakeHostSession{createdAt: time.Now(), tagged: true}
	return nil
}

func (f *fakeHost) Attach(name string, cols, rows uint16) (handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachCalls++
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	if _, exists := f.sessions[name]; !exists {
		return nil, errors.New("no such session: " + name)
	}
	h := newFakeHandle()
	h.cols, h.rows = cols, rows
	f.handles[name] = h
	return h, nil
}

func (f *fakeHost) Detach(name string) error {
	if h := f.lastHandle(name); h != nil {
		h.exit()
	}
	return nil
}

func (f *fakeHost) Kill(name string) error {
	f.mu.Lock()
	f.killCalls++
	delete(f.sessions, name)
	h := f.handles[name]
	delete(f.handles, name)
	f.mu.Unlock()
	if h != nil {
		h.exit()
	}
	return nil
}

func (f *fakeHost) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok
}

func (f *fakeHost) Tagged(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	return ok && s.tagged
}

func (f *fakeHost) List() ([]HostSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []HostSession
	for name, s := range f.sessions {
		if _, ours := TerminalID(name); !ours {
			continue
		}
		out = append(out, HostSession{Name: name, CreatedAt: s.createdAt})
	}
	return out, nil
}

func (f *fakeHost) Capture(name string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capture[name]
}

func (f *fakeHost) ResizeWindow(name string, cols, rows uint16) error { return nil }

// fakeStore is an in-memory WorkspaceStore.
type fakeStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]workspace.Terminal
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[uuid.UUID]workspace.Terminal)}
}

func (s *fakeStore) KnownIDs() (map[uuid.UUID]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[uuid.UUID]bool, len(s.rows))
	for id := range s.rows {
		ids[id] = true
	}
	return ids, nil
}

func (s *fakeStore) List() ([]workspace.Terminal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]workspace.Terminal, 0, len(s.rows))
	for _, t := range s.rows {
		out = append(out, t)
	}
	return out, nil
}

func (s *fakeStore) Put(t workspace.Terminal) error {
	s.mu.Lock()
	s.rows[t.ID] = t
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Delete(id uuid.UUID) error {
	s.mu.Lock()
	delete(s.rows, id)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) has(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[id]
	return ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager wires a manager against the fakes with direct spawns
// replaced by fake handles.
func newTestManager(t *testing.T) (*Manager, *fakeHost, *fakeStore) {
	t.Helper()
	host := newFakeHost()
	store := newFakeStore()
	m := NewManager(host, store, testLogger())
	m.driver.spawnDirectFn = func(cwd, shell string, cols, rows uint16) (handle, error) {
		return newFakeHandle(), nil
	}
	return m, host, store
}
