package signal

import (
	"context"
	"errors"

	"github.com/courtcast/relay/internal/domain"
)

var (
	ErrNotJoined    = errors.New("transport not joined")
	ErrBackpressure = errors.New("signal send buffer full")
	ErrClosed       = errors.New("transport closed")
)

// Transport is the hub contract consumed identically by every role.
// Messages between the same ordered pair of participants arrive in send
// order; nothing is guaranteed across reconnects, a missed message is
// recovered by RequestState.
type Transport interface {
	// Join registers the caller on the hub for one match. The hub replies
	// with a state snapshot (all roles) and a compositor_join_result when
	// role is compositor.
	Join(ctx context.Context, match domain.MatchID, role domain.Role, slot domain.Slot, label string) error
	Leave() error

	SendOffer(to domain.ParticipantID, sdp string) error
	SendAnswer(to domain.ParticipantID, sdp string) error
	SendCandidate(to domain.ParticipantID, c Candidate) error
	SendOfferRequest(to domain.ParticipantID) error

	// SendState and SendSwitch are compositor-only broadcasts; the hub fans
	// them out to every participant of the match.
	SendState(st MatchState) error
	SendSwitch(slot domain.Slot) error

	RequestState() error

	// ID is the local participant identity registered on Join.
	ID() domain.ParticipantID

	// Events delivers inbound envelopes in hub order. The channel closes
	// when the transport closes.
	Events() <-chan Envelope

	Close() error
}
