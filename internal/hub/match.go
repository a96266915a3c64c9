package hub

import (
	"sync"

	"github.com/courtcast/relay/internal/domain"
	"github.com/courtcast/relay/internal/signal"
)

// Sender is the outbound half of one participant's connection. Owned by the
// transport adapter; the hub only enqueues.
type Sender interface {
	TrySend(env signal.Envelope) error
	Close()
}

// Participant is one registered endpoint of a match.
type Participant struct {
	ID    domain.ParticipantID
	Role  domain.Role
	Slot  domain.Slot
	Label string

	conn Sender
}

// match holds the membership of one match. All mutation goes through its
// mutex; claim persistence is delegated to the hub's ClaimStore.
type match struct {
	id domain.MatchID

	mu           sync.RWMutex
	participants map[domain.ParticipantID]*Participant
	sources      map[domain.Slot]domain.ParticipantID
	compositor   domain.ParticipantID
	epoch        uint64
	lastState    *signal.MatchState
}

func newMatch(id domain.MatchID) *match {
	return &match{
		id:           id,
		participants: make(map[domain.ParticipantID]*Participant),
		sources:      make(map[domain.Slot]domain.ParticipantID),
	}
}

func (m *match) get(id domain.ParticipantID) (*Participant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[id]
	return p, ok
}

func (m *match) compositorParticipant() (*Participant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.compositor == "" {
		return nil, false
	}
	p, ok := m.participants[m.compositor]
	return p, ok
}

func (m *match) snapshotParticipants() []*Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Participant, 0, len(m.participants))
	for _, p := range m.participants {
		out = append(out, p)
	}
	return out
}

func (m *match) empty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.participants) == 0
}

// MatchInfo is a read-only snapshot for the REST surface.
type MatchInfo struct {
	ID            domain.MatchID `json:"id"`
	Sources       []domain.Slot  `json:"sources"`
	HasCompositor bool           `json:"hasCompositor"`
	Viewers       int            `json:"viewers"`
}

func (m *match) info() MatchInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := MatchInfo{ID: m.id, HasCompositor: m.compositor != ""}
	for slot := range m.sources {
		info.Sources = append(info.Sources, slot)
	}
	for _, p := range m.participants {
		if p.Role == domain.RoleViewer {
			info.Viewers++
		}
	}
	return info
}
