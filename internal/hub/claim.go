// Package hub implements the signaling relay: per-match membership, the
// singleton compositor claim, and ordered envelope routing between
// participants.
package hub

import (
	"context"
	"sync"

	"github.com/courtcast/relay/internal/domain"
)

// Claim is the singleton compositor token for one match. Epoch grows
// monotonically; a newer claim invalidates the previous holder.
type Claim struct {
	Holder domain.ParticipantID
	Epoch  uint64
}

// ClaimStore persists claims across hub restarts. The hub serializes claim
// mutation per match, so stores only need durability, not coordination.
type ClaimStore interface {
	Load(ctx context.Context, match domain.MatchID) (Claim, bool, error)
	Save(ctx context.Context, match domain.MatchID, c Claim) error
	// Clear removes the claim only while holder still owns it.
	Clear(ctx context.Context, match domain.MatchID, holder domain.ParticipantID) error
}

type memoryClaimStore struct {
	mu     sync.Mutex
	claims map[domain.MatchID]Claim
}

func NewMemoryClaimStore() ClaimStore {
	return &memoryClaimStore{claims: make(map[domain.MatchID]Claim)}
}

func (s *memoryClaimStore) Load(_ context.Context, match domain.MatchID) (Claim, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[match]
	return c, ok, nil
}

func (s *memoryClaimStore) Save(_ context.Context, match domain.MatchID, c Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[match] = c
	return nil
}

func (s *memoryClaimStore) Clear(_ context.Context, match domain.MatchID, holder domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.claims[match]; ok && c.Holder == holder {
		delete(s.claims, match)
	}
	return nil
}
