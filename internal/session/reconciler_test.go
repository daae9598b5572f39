package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscover_ClassifiesOrphans(t *testing.T) {
	m, host, store := newTestManager(t)

	orphanOld := uuid.New()
	orphanNew := uuid.New()
	owned := uuid.New()
	live := uuid.New()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	host.addSession(HostName(orphanOld), base, true)
	host.addSession(HostName(orphanNew), base.Add(time.Hour), true)
	host.addSession(HostName(owned), base, true)
	host.addSession("not-ours", base, false)

	require.NoError(t, store.Put(testTerminal(owned)))
	_, err := m.EnsureTerminal(live, "/tmp", "", true)
	require.NoError(t, err)

	orphans, err := m.ListOrphans()
	require.NoError(t, err)
	require.Len(t, orphans, 2)

	// oldest first, and the owned, live and foreign sessions are excluded
	assert.Equal(t, HostName(orphanOld), orphans[0].Name)
	assert.Equal(t, orphanOld, orphans[0].TerminalID)
	assert.Equal(t, HostName(orphanNew), orphans[1].Name)
}

func TestDiscover_ExcludesUntaggedSquatters(t *testing.T) {
	m, host, _ := newTestManager(t)
	ours := uuid.New()
	foreign := uuid.New()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	host.addSession(HostName(ours), base, true)
	host.addSession(HostName(foreign), base, false)

	orphans, err := m.ListOrphans()
	require.NoError(t, err)
	require.Len(t, orphans, 1, "an untagged session under our prefix is foreign, not an orphan")
	assert.Equal(t, HostName(ours), orphans[0].Name)
}

func TestDiscover_Deterministic(t *testing.T) {
	m, host, _ := newTestManager(t)

	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for range 5 {
		host.addSession(HostName(uuid.New()), created, true)
	}

	first, err := m.ListOrphans()
	require.NoError(t, err)
	second, err := m.ListOrphans()
	require.NoError(t, err)
	assert.Equal(t, first, second, "repeated scans with no host changes must match")
}

func TestDiscover_HostUnavailable(t *testing.T) {
	m, host, _ := newTestManager(t)
	host.addSession(HostName(uuid.New()), time.Now(), true)
	host.setAvailable(false)

	orphans, err := m.ListOrphans()
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestOrphanAge(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	o := Orphan{CreatedAt: now.Add(-90 * time.Minute)}
	assert.Equal(t, 90*time.Minute, o.Age(now))
}
