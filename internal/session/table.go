package session

import (
	"sync"

	"github.com/courtcast/relay/internal/domain"
)

// Key identifies a session by the remote's role and identity, so cleanup
// logic is total over the table instead of scattered across callbacks.
type Key struct {
	Role   domain.Role
	Remote domain.ParticipantID
}

// Table is a threadsafe session registry. Replacing an entry closes the old
// session; all other entries stay untouched.
type Table struct {
	mu sync.RWMutex
	m  map[Key]*Session
}

func NewTable() *Table {
	return &Table{m: make(map[Key]*Session)}
}

func (t *Table) Put(k Key, s *Session) {
	t.mu.Lock()
	old := t.m[k]
	t.m[k] = s
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (t *Table) Get(k Key) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.m[k]
	return s, ok
}

// Delete removes and closes one session.
func (t *Table) Delete(k Key) {
	t.mu.Lock()
	s := t.m[k]
	delete(t.m, k)
	t.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Remove removes one session without closing it, for callers that hand the
// peer off elsewhere.
func (t *Table) Remove(k Key) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.m[k]
	delete(t.m, k)
	return s, ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// Range calls fn for each session over a snapshot of the table.
func (t *Table) Range(fn func(k Key, s *Session)) {
	t.mu.RLock()
	snap := make(map[Key]*Session, len(t.m))
	for k, s := range t.m {
		snap[k] = s
	}
	t.mu.RUnlock()
	for k, s := range snap {
		fn(k, s)
	}
}

// CloseAll closes and drops every session.
func (t *Table) CloseAll() {
	t.mu.Lock()
	snap := t.m
	t.m = make(map[Key]*Session)
	t.mu.Unlock()
	for _, s := range snap {
		s.Close()
	}
}
