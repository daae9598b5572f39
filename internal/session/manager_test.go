package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/moor-sh/moor/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureTerminal_CreatesHostSession(t *testing.T) {
	m, host, store := newTestManager(t)
	id := uuid.New()

	rec, err := m.EnsureTerminal(id, "/tmp", "", true)
	require.NoError(t, err)

	assert.Equal(t, StateAttached, rec.State())
	assert.Equal(t, BackingHost, rec.Backing())
	assert.True(t, rec.Persist())
	assert.True(t, host.Has(HostName(id)))
	assert.True(t, host.Tagged(HostName(id)))
	assert.True(t, store.has(id), "terminal should be registered in workspace state")
}

func TestEnsureTerminal_Idempotent(t *testing.T) {
	m, host, _ := newTestManager(t)
	id := uuid.New()

	first, err := m.EnsureTerminal(id, "/tmp", "", true)
	require.NoError(t, err)
	second, err := m.EnsureTerminal(id, "/tmp", "", true)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, host.newCalls, "second ensure must not spawn")
}

func TestEnsureTerminal_ConcurrentSameID(t *testing.T) {
	m, host, _ := newTestManager(t)
	id := uuid.New()

	var wg sync.WaitGroup
	recs := make([]*Record, 8)
	errs := make([]error, 8)
	for i := range recs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i], errs[i] = m.EnsureTerminal(id, "/tmp", "", true)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, host.newCalls, "concurrent ensures must coalesce to one spawn")
	assert.Equal(t, 1, m.registry.Len())
	for _, rec := range recs {
		assert.Same(t, recs[0], rec)
	}
}

func TestEnsureTerminal_FallsBackToDirectSpawn(t *testing.T) {
	m, host, _ := newTestManager(t)
	host.setAvailable(false)
	id := uuid.New()

	rec, err := m.EnsureTerminal(id, "/tmp", "", true)
	require.NoError(t, err)

	assert.Equal(t, StateAttached, rec.State())
	assert.Equal(t, BackingDirect, rec.Backing())
	assert.False(t, rec.Persist())
}

func TestEnsureTerminal_ReattachesDetached(t *testing.T) {
	m, host, _ := newTestManager(t)
	id := uuid.New()

	rec, err := m.EnsureTerminal(id, "/tmp", "", true)
	require.NoError(t, err)

	unlock := m.registry.Lock(id)
	require.NoError(t, m.driver.Detach(rec))
	unlock()
	require.Equal(t, StateDetached, rec.State())

	again, err := m.EnsureTerminal(id, "/tmp", "", true)
	require.NoError(t, err)
	assert.Same(t, rec, again)
	assert.Equal(t, StateAttached, again.State())
	assert.Equal(t, 1, host.newCalls, "reattach must not create a new host session")
}

func TestEnsureTerminal_RecreatesAfterExternalKill(t *testing.T) {
	m, host, _ := newTestManager(t)
	id := uuid.New()

	rec, err := m.EnsureTerminal(id, "/tmp", "", true)
	require.NoError(t, err)

	unlock := m.registry.Lock(id)
	require.NoError(t, m.driver.Detach(rec))
	unlock()

	// user kills the session on the host while we hold it as Detached
	host.dropSession(HostName(id))

	again, err := m.EnsureTerminal(id, "/tmp", "", true)
	require.NoError(t, err)
	assert.Equal(t, StateAttached, again.State())
	assert.Equal(t, 2, host.newCalls, "a vanished session is recreated")
}

func TestEnsureTerminal_RefusesUntaggedSquatter(t *testing.T) {
	m, host, _ := newTestManager(t)
	id := uuid.New()
	// a stranger already holds our name without the ownership tag
	host.addSession(HostName(id), time.Now(), false)

	_, err := m.EnsureTerminal(id, "/tmp", "", true)
	require.ErrorIs(t, err, ErrSpawnFailed)
	_, ok := m.registry.Get(id)
	assert.False(t, ok, "failed create must not leave a record behind")
}

func TestEnsureTerminal_AttachBeatsCreate(t *testing.T) {
	m, host, _ := newTestManager(t)
	id := uuid.New()
	// the session already exists, tagged, from a previous run
	host.addSession(HostName(id), time.Now().Add(-time.Hour), true)

	rec, err := m.EnsureTerminal(id, "/tmp", "", true)
	require.NoError(t, err)
	assert.Equal(t, StateAttached, rec.State())
	assert.Equal(t, 0, host.newCalls, "existing session wins over a fresh create")
}

func TestCloseTerminal_KillsAndForgets(t *testing.T) {
	m, host, store := newTestManager(t)
	id := uuid.New()

	_, err := m.EnsureTerminal(id, "/tmp", "", true)
	require.NoError(t, err)

	require.NoError(t, m.CloseTerminal(id))
	_, ok := m.registry.Get(id)
	assert.False(t, ok)
	assert.False(t, host.Has(HostName(id)))
	assert.False(t, store.has(id))
}

func TestCloseTerminal_LeftoverHostSession(t *testing.T) {
	m, host, store := newTestManager(t)
	id := uuid.New()
	host.addSession(HostName(id), time.Now(), true)
	require.NoError(t, store.Put(testTerminal(id)))

	require.NoError(t, m.CloseTerminal(id))
	assert.False(t, host.Has(HostName(id)))
	assert.False(t, store.has(id))
}

func TestShutdownAll_DetachesPersistentKillsDirect(t *testing.T) {
	m, host, _ := newTestManager(t)
	persistID := uuid.New()
	directID := uuid.New()

	persistRec, err := m.EnsureTerminal(persistID, "/tmp", "", true)
	require.NoError(t, err)
	directRec, err := m.EnsureTerminal(directID, "/tmp", "", false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.ShutdownAll(ctx))

	assert.Equal(t, StateDetached, persistRec.State())
	assert.True(t, host.Has(HostName(persistID)), "persistent session survives shutdown")
	assert.Equal(t, StateDead, directRec.State())
}

func TestShutdownAll_TimesOut(t *testing.T) {
	m, _, _ := newTestManager(t)
	id := uuid.New()

	stuck := newFakeHandle()
	m.driver.spawnDirectFn = func(cwd, shell string, cols, rows uint16) (handle, error) {
		return stuck, nil
	}
	rec, err := m.EnsureTerminal(id, "/tmp", "", false)
	require.NoError(t, err)

	// swap the handle out from under the record so the kill cannot reach
	// the process and the reaper never fires
	rec.mu.Lock()
	rec.proc = newFakeHandle()
	rec.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = m.ShutdownAll(ctx)
	require.ErrorIs(t, err, ErrShutdownTimeout)
	stuck.exit()
}

func TestProcessExit_DirectSessionReaped(t *testing.T) {
	m, _, _ := newTestManager(t)
	id := uuid.New()

	h := newFakeHandle()
	m.driver.spawnDirectFn = func(cwd, shell string, cols, rows uint16) (handle, error) {
		return h, nil
	}
	rec, err := m.EnsureTerminal(id, "/tmp", "", false)
	require.NoError(t, err)

	h.exit()
	require.Eventually(t, func() bool {
		_, ok := m.registry.Get(id)
		return rec.State() == StateDead && !ok
	}, time.Second, 5*time.Millisecond, "exited direct session should be reaped")
}

func TestClientExit_HostSessionDetaches(t *testing.T) {
	m, host, _ := newTestManager(t)
	id := uuid.New()

	rec, err := m.EnsureTerminal(id, "/tmp", "", true)
	require.NoError(t, err)

	// only the attach client dies; the host still runs the session
	host.lastHandle(HostName(id)).exit()
	require.Eventually(t, func() bool {
		return rec.State() == StateDetached
	}, time.Second, 5*time.Millisecond)

	_, ok := m.registry.Get(id)
	assert.True(t, ok, "detached record stays registered")
}

func TestBootstrap_RestoresSurvivors(t *testing.T) {
	m, host, store := newTestManager(t)
	survivor := uuid.New()
	gone := uuid.New()

	require.NoError(t, store.Put(testTerminal(survivor)))
	require.NoError(t, store.Put(testTerminal(gone)))
	host.addSession(HostName(survivor), time.Now().Add(-time.Hour), true)

	require.NoError(t, m.Bootstrap())

	rec, ok := m.registry.Get(survivor)
	require.True(t, ok)
	assert.Equal(t, StateDetached, rec.State())
	_, ok = m.registry.Get(gone)
	assert.False(t, ok, "terminals without a surviving host session stay unborn")

	// the restored record reattaches without a new spawn
	again, err := m.EnsureTerminal(survivor, "/tmp", "", true)
	require.NoError(t, err)
	assert.Same(t, rec, again)
	assert.Equal(t, StateAttached, again.State())
	assert.Equal(t, 0, host.newCalls)
}

func TestRestoreOrphan(t *testing.T) {
	m, host, store := newTestManager(t)
	id := uuid.New()
	name := HostName(id)
	host.addSession(name, time.Now().Add(-time.Hour), true)

	orphans, err := m.ListOrphans()
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, name, orphans[0].Name)

	rec, err := m.RestoreOrphan(name)
	require.NoError(t, err)
	assert.Equal(t, StateAttached, rec.State())
	assert.True(t, store.has(id), "restored orphan rejoins workspace state")

	orphans, err = m.ListOrphans()
	require.NoError(t, err)
	assert.Empty(t, orphans, "a restored session is no longer an orphan")
}

func TestRestoreOrphan_AttachFailureKeepsDetached(t *testing.T) {
	m, host, _ := newTestManager(t)
	id := uuid.New()
	name := HostName(id)
	host.addSession(name, time.Now().Add(-time.Hour), true)
	host.setAttachErr(errors.New("pty allocation failed"))

	_, err := m.RestoreOrphan(name)
	require.ErrorIs(t, err, ErrSpawnFailed)

	rec, ok := m.registry.Get(id)
	require.True(t, ok, "the record still owns a live host session")
	assert.Equal(t, StateDetached, rec.State())
}

func TestRestoreOrphan_HostUnavailableLeavesNoRecord(t *testing.T) {
	m, host, _ := newTestManager(t)
	id := uuid.New()
	name := HostName(id)
	host.addSession(name, time.Now().Add(-time.Hour), true)
	host.setAvailable(false)

	_, err := m.RestoreOrphan(name)
	require.ErrorIs(t, err, ErrHostUnavailable)
	_, ok := m.registry.Get(id)
	assert.False(t, ok, "a failed restore must not register a placeholder")
}

func TestRestoreOrphan_FailureKeepsPreexistingRecord(t *testing.T) {
	m, host, _ := newTestManager(t)
	id := uuid.New()

	rec, err := m.EnsureTerminal(id, "/tmp", "", true)
	require.NoError(t, err)
	unlock := m.registry.Lock(id)
	require.NoError(t, m.driver.Detach(rec))
	unlock()

	host.setAttachErr(errors.New("pty allocation failed"))
	_, err = m.RestoreOrphan(HostName(id))
	require.Error(t, err)

	got, ok := m.registry.Get(id)
	require.True(t, ok, "a record that predates the restore call survives its failure")
	assert.Same(t, rec, got)
	assert.Equal(t, StateDetached, got.State())
}

func TestKillOrphan_NameReusedByForeignSession(t *testing.T) {
	m, host, _ := newTestManager(t)
	id := uuid.New()
	name := HostName(id)
	// discovery saw our session, but a stranger took the name before the
	// kill ran
	host.addSession(name, time.Now(), false)

	require.NoError(t, m.killOrphan(Orphan{Name: name, TerminalID: id}))
	assert.True(t, host.Has(name))
	assert.Equal(t, 0, host.killCalls)
}

func TestInfo_ConcurrentWithCreate(t *testing.T) {
	m, _, _ := newTestManager(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, rec := range m.List() {
				_ = rec.Info()
			}
		}
	}()

	// records are listable from the moment Ensure registers them, so every
	// create races a reader here
	for range 25 {
		_, err := m.EnsureTerminal(uuid.New(), "/tmp", "", true)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

func TestRestoreOrphan_ForeignName(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.RestoreOrphan("someone-elses-session")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEvents_PublishesTransitions(t *testing.T) {
	m, _, _ := newTestManager(t)
	id := uuid.New()

	events, unsubscribe := m.Events()
	defer unsubscribe()

	_, err := m.EnsureTerminal(id, "/tmp", "", true)
	require.NoError(t, err)

	var states []State
	timeout := time.After(time.Second)
	for len(states) < 2 {
		select {
		case ev := <-events:
			require.Equal(t, id, ev.SessionID)
			states = append(states, ev.State)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", states)
		}
	}
	assert.Equal(t, []State{StateStarting, StateAttached}, states)
}

func testTerminal(id uuid.UUID) workspace.Terminal {
	return workspace.Terminal{
		ID:        id,
		Cwd:       "/tmp",
		Persist:   true,
		CreatedAt: time.Now().Add(-time.Hour),
	}
}
