package session

import (
	"strings"

	"github.com/google/uuid"
)

// namePrefix marks host sessions as ours. Anything on the host not matching
// it is never touched by this system.
const namePrefix = "moor_"

// HostName derives the host session name for a terminal id. The mapping is
// a pure function of the id, so identity survives restarts without a lookup
// table.
func HostName(id uuid.UUID) string {
	return namePrefix + id.String()
}

// TerminalID recovers the terminal id from a host session name. ok is false
// for names that do not belong to us.
func TerminalID(name string) (uuid.UUID, bool) {
	rest, found := strings.CutPrefix(name, namePrefix)
	if !found {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
