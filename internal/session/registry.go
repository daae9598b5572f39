package session

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry is the single source of truth for what is running under our
// supervision. Map access is atomic; lifecycle transitions additionally
// serialize on a per-id lock so two transitions can never race on the same
// record while operations on different ids proceed in parallel.
type Registry struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
	locks   map[uuid.UUID]*sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		records: make(map[uuid.UUID]*Record),
		locks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

// Lock acquires the lifecycle slot for one terminal id and returns its
// release function. Concurrent callers for the same id block here; whoever
// acquires first performs the transition, the rest observe the result.
func (r *Registry) Lock(id uuid.UUID) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Ensure returns the record for id, creating an Unborn placeholder when
// none exists. It is idempotent and never spawns anything; deciding whether
// a spawn or attach is warranted is the manager's job, based on the state
// of the returned record.
func (r *Registry) Ensure(id uuid.UUID, cwd, shell string, persist bool) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		return rec
	}
	rec := newRecord(id, cwd, shell, persist)
	r.records[id] = rec
	return rec
}

func (r *Registry) Get(id uuid.UUID) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Remove drops the record. The id's lock stays behind so a holder blocked
// on it cannot race a fresh lock created for the same id.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()
}

// ListAll returns a stable snapshot of all records, oldest first.
func (r *Registry) ListAll() []*Record {
	r.mu.Lock()
	list := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		list = append(list, rec)
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		ci, cj := list[i].CreatedAt(), list[j].CreatedAt()
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return list[i].Name < list[j].Name
	})
	return list
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
