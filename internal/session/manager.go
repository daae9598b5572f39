package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moor-sh/moor/internal/workspace"
)

// WorkspaceStore is the persisted tab/terminal state this core consumes. It
// supplies the set of known terminal ids for orphan classification and the
// cwd/shell to restore terminals with.
type WorkspaceStore interface {
	KnownIDs() (map[uuid.UUID]bool, error)
	List() ([]workspace.Terminal, error)
	Put(t workspace.Terminal) error
	Delete(id uuid.UUID) error
}

// Event is emitted on every state transition for the UI channel.
type Event struct {
	SessionID uuid.UUID `json:"sessionId"`
	Name      string    `json:"name"`
	State     State     `json:"state"`
	At        time.Time `json:"at"`
}

// Manager composes the registry, driver and reconciler behind the one
// surface the rest of the application talks to. It owns all registry state;
// nothing here is ambient or static, and ShutdownAll tears it down.
type Manager struct {
	registry   *Registry
	driver     *Driver
	reconciler *Reconciler
	host       Host
	store      WorkspaceStore
	logger     *slog.Logger

	subMu       sync.Mutex
	subscribers map[chan Event]struct{}
}

func NewManager(host Host, store WorkspaceStore, logger *slog.Logger) *Manager {
	registry := NewRegistry()
	m := &Manager{
		registry:    registry,
		driver:      NewDriver(host, logger),
		host:        host,
		store:       store,
		logger:      logger,
		subscribers: make(map[chan Event]struct{}),
	}
	m.reconciler = NewReconciler(host, registry, store, logger)
	m.driver.lock = registry.Lock
	m.driver.onTransition = m.publish
	m.driver.onExit = m.reap
	return m
}

// Bootstrap registers persisted terminals whose host sessions survived a
// previous run as Detached records, so startup load reattaches them instead
// of blindly re-creating. Called once at startup when auto-restore is on.
func (m *Manager) Bootstrap() error {
	if !m.host.Available() {
		return nil
	}
	terminals, err := m.store.List()
	if err != nil {
		return fmt.Errorf("load persisted terminals: %w", err)
	}
	restored := 0
	for _, t := range terminals {
		if !t.Persist {
			continue
		}
		name := HostName(t.ID)
		if !m.host.Has(name) || !m.host.Tagged(name) {
			continue
		}
		unlock := m.registry.Lock(t.ID)
		rec := m.registry.Ensure(t.ID, t.Cwd, t.Shell, true)
		if rec.State() == StateUnborn {
			rec.setBacking(BackingHost, true)
			m.driver.transition(rec, StateDetached)
			restored++
		}
		unlock()
	}
	if restored > 0 {
		m.logger.Info("restored host sessions from previous run", "count", restored)
	}
	return nil
}

// EnsureTerminal returns an attached record for id, creating or reattaching
// as needed. Calling it twice with no intervening kill returns the same
// record and performs no new spawn. Concurrent calls for the same id
// serialize on the per-id slot; calls for different ids proceed in parallel.
func (m *Manager) EnsureTerminal(id uuid.UUID, cwd, shell string, persist bool) (*Record, error) {
	unlock := m.registry.Lock(id)
	defer unlock()

	rec := m.registry.Ensure(id, cwd, shell, persist)
	switch rec.State() {
	case StateAttached, StateStarting:
		return rec, nil

	case StateDetached, StateOrphaned:
		err := m.driver.Attach(rec)
		if errors.Is(err, ErrSessionNotFound) {
			// killed externally since discovery; same as a fresh create
			m.logger.Info("host session vanished, recreating", "id", id)
			err = m.create(rec, persist)
		}
		if err != nil {
			// dead records never stay registered; detached ones do
			if rec.State() == StateDead {
				m.registry.Remove(id)
			}
			return nil, err
		}
		m.touchStore(rec)
		return rec, nil

	default: // Unborn
		if err := m.create(rec, persist); err != nil {
			m.registry.Remove(id)
			return nil, err
		}
		m.touchStore(rec)
		return rec, nil
	}
}

// create runs the driver's Create with the fallback policy: a persistent
// request against an unavailable host degrades to a direct spawn instead of
// surfacing an error.
func (m *Manager) create(rec *Record, persist bool) error {
	err := m.driver.Create(rec, persist)
	if persist && errors.Is(err, ErrHostUnavailable) {
		m.logger.Warn("session host unavailable, falling back to direct spawn", "id", rec.ID)
		err = m.driver.Create(rec, false)
	}
	return err
}

// CloseTerminal is the user-initiated close: always a kill, persistent or
// not, and the terminal is dropped from workspace state.
func (m *Manager) CloseTerminal(id uuid.UUID) error {
	unlock := m.registry.Lock(id)
	defer unlock()

	rec, ok := m.registry.Get(id)
	if !ok {
		// it may still live on the host from a previous run
		name := HostName(id)
		if m.host.Available() && m.host.Has(name) {
			if err := m.host.Kill(name); err != nil {
				return err
			}
		}
		return m.store.Delete(id)
	}

	if err := m.driver.Kill(rec); err != nil {
		return err
	}
	m.registry.Remove(id)
	if err := m.store.Delete(id); err != nil {
		m.logger.Warn("failed to drop terminal from workspace state", "id", id, "err", err)
	}
	m.logger.Info("session closed by user", "id", id)
	return nil
}

// ShutdownAll detaches every persistent host-backed session and kills the
// rest. It must finish, or give up, before process exit so no direct child
// leaks; a session that does not settle within ctx's deadline is abandoned
// with a warning and ErrShutdownTimeout is returned.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	records := m.registry.ListAll()
	for _, rec := range records {
		unlock := m.registry.Lock(rec.ID)
		var err error
		if rec.Persist() && rec.Backing() == BackingHost {
			err = m.driver.Detach(rec)
		} else {
			err = m.driver.Kill(rec)
		}
		unlock()
		if err != nil && !errors.Is(err, ErrNotDetachable) {
			m.logger.Warn("shutdown transition failed", "id", rec.ID, "err", err)
		}
	}

	var timedOut bool
	for _, rec := range records {
		select {
		case <-rec.Done():
		case <-ctx.Done():
			m.logger.Warn("session did not settle before shutdown deadline", "id", rec.ID)
			timedOut = true
		}
	}
	if timedOut {
		return ErrShutdownTimeout
	}
	return nil
}

// ListOrphans delegates to the reconciler.
func (m *Manager) ListOrphans() ([]Orphan, error) {
	return m.reconciler.Discover()
}

// RestoreOrphan reattaches a discovered orphan and re-registers it in
// workspace state so it stops being an orphan. name must be a well-formed
// session name of ours.
func (m *Manager) RestoreOrphan(name string) (*Record, error) {
	id, ok := TerminalID(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q does not match our naming prefix", ErrSessionNotFound, name)
	}

	unlock := m.registry.Lock(id)
	defer unlock()

	rec := m.registry.Ensure(id, "", "", true)
	if rec.State() == StateAttached {
		return rec, nil
	}
	created := rec.State() == StateUnborn
	if created {
		rec.setBacking(BackingHost, true)
		m.driver.transition(rec, StateOrphaned)
	}
	if err := m.driver.Attach(rec); err != nil {
		// drop only the placeholder this call registered; a record the
		// attach left Detached still owns a live host session
		if created && rec.State() != StateDetached {
			m.registry.Remove(id)
		}
		return nil, err
	}
	m.touchStore(rec)
	m.logger.Info("orphan restored", "id", id)
	return rec, nil
}

// Get returns the record for id, if any.
func (m *Manager) Get(id uuid.UUID) (*Record, bool) {
	return m.registry.Get(id)
}

// List returns all supervised records, oldest first.
func (m *Manager) List() []*Record {
	return m.registry.ListAll()
}

// Resize forwards terminal dimensions; errors are logged, never surfaced.
func (m *Manager) Resize(id uuid.UUID, cols, rows uint16) {
	rec, ok := m.registry.Get(id)
	if !ok {
		return
	}
	m.driver.Resize(rec, cols, rows)
}

// HostAvailable reports the cached capability probe.
func (m *Manager) HostAvailable() bool { return m.host.Available() }

// ReprobeHost re-runs capability detection on explicit user request.
func (m *Manager) ReprobeHost() bool { return m.host.Reprobe() }

// Events subscribes to state transitions. The returned cancel func must be
// called to release the subscription.
func (m *Manager) Events() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()
	return ch, func() {
		m.subMu.Lock()
		delete(m.subscribers, ch)
		m.subMu.Unlock()
		close(ch)
	}
}

func (m *Manager) publish(rec *Record, st State) {
	ev := Event{SessionID: rec.ID, Name: rec.Name, State: st, At: time.Now()}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			// slow consumer, drop
		}
	}
}

// reap removes records whose process has died for good.
func (m *Manager) reap(rec *Record) {
	if rec.State() == StateDead {
		m.registry.Remove(rec.ID)
	}
}

// touchStore upserts the terminal's row so the reconciler knows it is owned.
func (m *Manager) touchStore(rec *Record) {
	info := rec.Info()
	err := m.store.Put(workspace.Terminal{
		ID:        rec.ID,
		Cwd:       info.Cwd,
		Shell:     info.Shell,
		Persist:   info.Persist,
		CreatedAt: rec.CreatedAt(),
	})
	if err != nil {
		m.logger.Warn("failed to persist terminal", "id", rec.ID, "err", err)
	}
}

// killForCleanup is the monitor's kill path for registered records. It
// re-checks state under the per-id lock: if a user attached between the
// monitor's scan and now, the record is left alone.
func (m *Manager) killForCleanup(id uuid.UUID) error {
	unlock := m.registry.Lock(id)
	defer unlock()

	rec, ok := m.registry.Get(id)
	if !ok {
		return nil
	}
	if st := rec.State(); st != StateDetached && st != StateOrphaned {
		return nil
	}
	if err := m.driver.Kill(rec); err != nil {
		return err
	}
	m.registry.Remove(id)
	if err := m.store.Delete(id); err != nil {
		m.logger.Warn("failed to drop terminal from workspace state", "id", id, "err", err)
	}
	return nil
}

// killOrphan destroys a host session with no registry entry. If the orphan
// was restored while the monitor was deciding, the per-id lock serializes
// the two and the restore's attached record wins.
func (m *Manager) killOrphan(o Orphan) error {
	unlock := m.registry.Lock(o.TerminalID)
	defer unlock()

	if rec, ok := m.registry.Get(o.TerminalID); ok {
		if st := rec.State(); st != StateDetached && st != StateOrphaned {
			return nil
		}
		if err := m.driver.Kill(rec); err != nil {
			return err
		}
		m.registry.Remove(o.TerminalID)
		return nil
	}
	// the name may have been reused by a foreign session since discovery
	if !m.host.Tagged(o.Name) {
		return nil
	}
	return m.host.Kill(o.Name)
}
