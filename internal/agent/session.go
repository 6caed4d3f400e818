package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the per-connection state a successful Authenticate allocates
// (spec.md §4.9). It carries no mutable backup-phase state of its own —
// that lives in internal/driver, on the caller's side of the wire.
type Session struct {
	ID        string
	CreatedAt time.Time
}

// DefaultSessionTTL bounds how long an authenticated session stays
// valid, counted from its creation, before lookup starts rejecting it as
// expired (spec.md §4.9: "rejects unknown or expired sessions"). Later
// requests on the session do not extend it.
const DefaultSessionTTL = 24 * time.Hour

// sessionTable is guarded by an async read/write lock; reads dominate
// (every RPC after Authenticate reads it once), matching the teacher's
// internal/server/handler.go session map. now is overridden by tests to
// make expiry deterministic; it defaults to time.Now.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: map[string]*Session{}, ttl: DefaultSessionTTL, now: time.Now}
}

func (t *sessionTable) create() *Session {
	s := &Session{ID: uuid.NewString(), CreatedAt: t.now()}
	t.mu.Lock()
	t.sessions[s.ID] = s
	t.mu.Unlock()
	return s
}

// lookup returns id's session, evicting and reporting it as absent if
// its age exceeds ttl.
func (t *sessionTable) lookup(id string) (*Session, bool) {
	t.mu.RLock()
	s, ok := t.sessions[id]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if t.now().Sub(s.CreatedAt) > t.ttl {
		t.invalidate(id)
		return nil, false
	}
	return s, true
}

// invalidate removes id. A missing id is not an error (CloseBackup is
// idempotent per spec.md §4.9).
func (t *sessionTable) invalidate(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}
