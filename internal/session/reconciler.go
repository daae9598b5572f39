package session

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Orphan describes a host session that outlived a previous run and has no
// owner in current workspace state. It is a read-only projection for the
// restore dialog: no process handle, no registry entry.
type Orphan struct {
	Name       string    `json:"name"`
	TerminalID uuid.UUID `json:"terminalId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Age reports how long the orphan has been alive, judged from the host's
// own creation timestamp.
func (o Orphan) Age(now time.Time) time.Duration {
	return now.Sub(o.CreatedAt)
}

// KnownIDs supplies the terminal ids referenced by persisted workspace
// state. The workspace store implements it.
type KnownIDs interface {
	KnownIDs() (map[uuid.UUID]bool, error)
}

// Reconciler classifies host sessions left over from previous runs. It is a
// pure read: it never mutates the host or the registry.
type Reconciler struct {
	host     Host
	registry *Registry
	known    KnownIDs
	logger   *slog.Logger
}

func NewReconciler(host Host, registry *Registry, known KnownIDs, logger *slog.Logger) *Reconciler {
	return &Reconciler{host: host, registry: registry, known: known, logger: logger}
}

// Discover lists host sessions under our prefix carrying our ownership tag
// and returns those with no matching terminal in the registry or persisted
// workspace state. Two calls
// with no intervening host changes yield identical snapshots, sorted oldest
// first then by name.
func (rc *Reconciler) Discover() ([]Orphan, error) {
	if !rc.host.Available() {
		return nil, nil
	}
	sessions, err := rc.host.List()
	if err != nil {
		return nil, err
	}
	known, err := rc.known.KnownIDs()
	if err != nil {
		return nil, fmt.Errorf("load workspace state: %w", err)
	}

	var orphans []Orphan
	for _, hs := range sessions {
		id, ok := TerminalID(hs.Name)
		if !ok {
			continue
		}
		// a session squatting under our prefix without our tag is foreign:
		// not listable, not restorable, not ours to clean up
		if !rc.host.Tagged(hs.Name) {
			continue
		}
		if known[id] {
			continue
		}
		if _, live := rc.registry.Get(id); live {
			continue
		}
		orphans = append(orphans, Orphan{
			Name:       hs.Name,
			TerminalID: id,
			CreatedAt:  hs.CreatedAt,
		})
	}

	sort.Slice(orphans, func(i, j int) bool {
		if !orphans[i].CreatedAt.Equal(orphans[j].CreatedAt) {
			return orphans[i].CreatedAt.Before(orphans[j].CreatedAt)
		}
		return orphans[i].Name < orphans[j].Name
	})
	return orphans, nil
}
