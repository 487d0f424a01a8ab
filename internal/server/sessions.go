package server

import (
	"sync"

	"github.com/Tyrowin/nexushub/internal/identity"
)

// sessionTable maps connection ids to the identity bound at upgrade time.
type sessionTable struct {
	mu     sync.RWMutex
	byConn map[string]identity.Identity
}

func newSessionTable() *sessionTable {
	return &sessionTable{byConn: make(map[string]identity.Identity)}
}

func (t *sessionTable) bind(connID string, id identity.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byConn[connID] = id
}

func (t *sessionTable) unbind(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byConn, connID)
}

func (t *sessionTable) lookup(connID string) (identity.Identity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byConn[connID]
	return id, ok
}
