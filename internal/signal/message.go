// Package signal defines the envelope types exchanged through the hub and
// the transport contract every role consumes. The hub never interprets
// negotiation payloads, it only routes them by target identity.
package signal

import "github.com/courtcast/relay/internal/domain"

type Type string

const (
	TypeJoin         Type = "join"
	TypeLeave        Type = "leave"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeCandidate    Type = "candidate"
	TypeOfferRequest Type = "offer_request"

	TypeState        Type = "state"
	TypeSwitch       Type = "switch"
	TypeRequestState Type = "request_state"

	TypeCompositorJoinResult Type = "compositor_join_result"
	TypeCompositorSuperseded Type = "compositor_superseded"

	TypeNewSource       Type = "new_source"
	TypeSourceLeft      Type = "source_left"
	TypeParticipantLeft Type = "participant_left"

	TypePing  Type = "ping"
	TypePong  Type = "pong"
	TypeError Type = "error"
)

// Candidate mirrors the fields of an ICE candidate line; it is relayed
// verbatim between peers.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// MatchState is the coarse match snapshot. The compositor is its sole author;
// the hub injects ICEServers and synthesizes a minimal snapshot when no
// compositor is present.
type MatchState struct {
	Match         domain.MatchID      `json:"matchId"`
	Cameras       []domain.CameraInfo `json:"cameras"`
	ActiveSlot    domain.Slot         `json:"activeSlot"`
	HasCompositor bool                `json:"hasCompositor"`
	ICEServers    []string            `json:"iceServers"`
}

// Envelope is the single wire frame. Fields are populated per Type; absent
// fields are omitted on the wire.
type Envelope struct {
	Type  Type                 `json:"type"`
	Match domain.MatchID       `json:"matchId,omitempty"`
	From  domain.ParticipantID `json:"from,omitempty"`
	To    domain.ParticipantID `json:"to,omitempty"`

	Role  domain.Role `json:"role,omitempty"`
	Slot  domain.Slot `json:"slot,omitempty"`
	Label string      `json:"label,omitempty"`

	SDP       string      `json:"sdp,omitempty"`
	Candidate *Candidate  `json:"candidate,omitempty"`
	State     *MatchState `json:"state,omitempty"`

	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}
