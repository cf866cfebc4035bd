package call

import (
	"sync"
	"time"
)

type connEntry struct {
	roomId       string
	userId       string
	lastActivity time.Time
}

// ConnTracker maps transport-level connection identifiers to (room, user)
// pairs. It is keyed independently of room locks because a connection
// identifier must be resolvable to a room before the room lock is known.
// The tracker never acquires room locks, so it is safe to call into it while
// holding one.
type ConnTracker struct {
	mu    sync.RWMutex
	conns map[string]connEntry
}

func NewConnTracker() *ConnTracker {
	return &ConnTracker{
		conns: make(map[string]connEntry),
	}
}

// Bind inserts a mapping for connId. An existing mapping for the same
// connection identifier is replaced, which protects against duplicate binds
// from retried join requests.
func (ct *ConnTracker) Bind(connId, roomId, userId string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.conns[connId] = connEntry{
		roomId:       roomId,
		userId:       userId,
		lastActivity: time.Now(),
	}
}

func (ct *ConnTracker) Unbind(connId string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	delete(ct.conns, connId)
}

// Lookup resolves a connection identifier to its room and user. It is used
// when the transport signals an abrupt disconnect and supplies only the
// connection identifier.
func (ct *ConnTracker) Lookup(connId string) (roomId, userId string, ok bool) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	entry, ok := ct.conns[connId]
	return entry.roomId, entry.userId, ok
}

// RebindUser atomically removes any existing mapping for (roomId, userId) and
// installs newConnId, so a dangling entry for the user's old connection never
// coexists with the new one.
func (ct *ConnTracker) RebindUser(roomId, userId, newConnId string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	for connId, entry := range ct.conns {
		if entry.roomId == roomId && entry.userId == userId {
			delete(ct.conns, connId)
		}
	}

	ct.conns[newConnId] = connEntry{
		roomId:       roomId,
		userId:       userId,
		lastActivity: time.Now(),
	}
}

// Touch refreshes the last-activity timestamp for connId. Called on every
// inbound frame and on transport keepalives.
func (ct *ConnTracker) Touch(connId string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if entry, ok := ct.conns[connId]; ok {
		entry.lastActivity = time.Now()
		ct.conns[connId] = entry
	}
}

// Stale returns the connection identifiers whose last activity is older than
// maxAge. Used by the reaper as a defensive cleanup against transports that
// fail to signal disconnects.
func (ct *ConnTracker) Stale(maxAge time.Duration) []string {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	cutoff := time.Now().Add(-maxAge)
	var stale []string
	for connId, entry := range ct.conns {
		if entry.lastActivity.Before(cutoff) {
			stale = append(stale, connId)
		}
	}
	return stale
}

func (ct *ConnTracker) Len() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	return len(ct.conns)
}
