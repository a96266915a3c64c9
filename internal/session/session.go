// Package session holds the per-peer negotiation state every role keeps: the
// remote description applied at most once, and the queue of candidates that
// arrived before it existed.
package session

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/courtcast/relay/internal/domain"
)

// Peer is the negotiated transport a session manages. *rtc.PeerConn satisfies
// it; tests use fakes.
type Peer interface {
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(ci webrtc.ICECandidateInit) error
	Close()
}

// Session is one negotiated pairing with a remote participant. Exactly one
// remote description is ever applied; candidates received before it are
// buffered and flushed in arrival order.
type Session struct {
	Remote domain.ParticipantID
	Peer   Peer

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func New(remote domain.ParticipantID, peer Peer) *Session {
	return &Session{Remote: remote, Peer: peer}
}

// ApplyRemoteDescription applies the remote description once and flushes the
// pending candidate queue. A duplicate description is a no-op: briefly
// coexisting compositors during handover may answer twice, and re-applying
// would corrupt the connection.
func (s *Session) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.remoteSet {
		s.mu.Unlock()
		log.Debug().Str("module", "session").Str("remote", string(s.Remote)).Msg("duplicate remote description ignored")
		return nil
	}
	if err := s.Peer.SetRemoteDescription(desc); err != nil {
		s.mu.Unlock()
		return err
	}
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, ci := range pending {
		if err := s.Peer.AddICECandidate(ci); err != nil {
			log.Error().Err(err).Str("module", "session").Str("remote", string(s.Remote)).Msg("flush candidate failed")
		}
	}
	return nil
}

// AddCandidate applies a connectivity hint, or buffers it while the remote
// description is still absent.
func (s *Session) AddCandidate(ci webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if !s.remoteSet {
		s.pending = append(s.pending, ci)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.Peer.AddICECandidate(ci)
}

// HasRemote reports whether the remote description has been applied.
func (s *Session) HasRemote() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSet
}

func (s *Session) Close() {
	s.Peer.Close()
}
