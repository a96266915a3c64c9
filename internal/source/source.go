// Package source implements the camera role: it captures a local stream and
// publishes it toward the compositor.
package source

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/courtcast/relay/internal/domain"
	"github.com/courtcast/relay/internal/media"
	"github.com/courtcast/relay/internal/rtc"
	"github.com/courtcast/relay/internal/session"
	"github.com/courtcast/relay/internal/signal"
)

type State string

const (
	StateIdle        State = "idle"
	StateCapturing   State = "capturing"
	StateNegotiating State = "negotiating"
	StateLive        State = "live"
	StateError       State = "error"
)

var ErrNotCapturing = errors.New("source is not capturing")

// Peer is the negotiation surface the source needs from a connection.
// *rtc.PeerConn satisfies it.
type Peer interface {
	Start(ctx context.Context) error
	CreateOffer() (*webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(ci webrtc.ICECandidateInit) error
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	ReplaceVideoTrack(track webrtc.TrackLocal) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnStateChange(fn func(webrtc.ICEConnectionState))
	Close()
}

// PeerFactory builds a peer from the cached connectivity parameters.
type PeerFactory func(iceServers []string, pid domain.ParticipantID) (Peer, error)

func defaultPeerFactory(iceServers []string, pid domain.ParticipantID) (Peer, error) {
	return rtc.New(rtc.Config(iceServers), pid)
}

// Source is one camera slot's publishing state machine.
type Source struct {
	transport signal.Transport
	device    media.Device
	newPeer   PeerFactory
	log       zerolog.Logger

	match domain.MatchID
	slot  domain.Slot
	label string

	mu         sync.Mutex
	state      State
	origin     *media.Origin
	sessions   *session.Table
	peers      map[domain.ParticipantID]Peer
	iceServers []string

	onState func(State)

	runCtx context.Context
	cancel context.CancelFunc
}

type Option func(*Source)

// WithPeerFactory overrides peer construction, used by tests.
func WithPeerFactory(f PeerFactory) Option {
	return func(s *Source) { s.newPeer = f }
}

// WithStateFunc registers a callback for state transitions, consumed by UI
// layers.
func WithStateFunc(fn func(State)) Option {
	return func(s *Source) { s.onState = fn }
}

func New(transport signal.Transport, device media.Device, match domain.MatchID, slot domain.Slot, label string, opts ...Option) *Source {
	s := &Source{
		transport: transport,
		device:    device,
		newPeer:   defaultPeerFactory,
		match:     match,
		slot:      slot,
		label:     label,
		state:     StateIdle,
		sessions:  session.NewTable(),
		peers:     make(map[domain.ParticipantID]Peer),
	}
	s.log = log.With().Str("module", "source").Str("slot", string(slot)).Logger()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Source) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	fn := s.onState
	s.mu.Unlock()
	if changed {
		s.log.Info().Str("state", string(st)).Msg("state")
		if fn != nil {
			fn(st)
		}
	}
}

// StartCapture acquires a local origin and announces presence for the slot.
// Capture failures surface as ErrPermissionDenied / ErrDeviceUnavailable with
// the source left in the error state for a manual retry.
func (s *Source) StartCapture(ctx context.Context, kind domain.CaptureKind, q domain.Quality) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return errors.New("capture already started")
	}
	s.mu.Unlock()

	origin, err := media.NewOrigin(ctx, s.device, kind, q, "slot-"+string(s.slot))
	if err != nil {
		s.setState(StateError)
		return err
	}

	s.mu.Lock()
	s.origin = origin
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.setState(StateCapturing)

	if err := s.transport.Join(ctx, s.match, domain.RoleSource, s.slot, s.label); err != nil {
		s.mu.Lock()
		s.origin = nil
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		origin.Close()
		s.setState(StateError)
		return err
	}

	go s.loop(s.runCtx)
	return nil
}

// Retry resets an errored source back to idle so capture can be attempted
// again.
func (s *Source) Retry() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateError {
		return errors.New("retry only valid in error state")
	}
	if s.origin != nil {
		s.origin.Close()
		s.origin = nil
	}
	s.state = StateIdle
	return nil
}

func (s *Source) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-s.transport.Events():
			if !ok {
				return
			}
			s.handle(ctx, env)
		}
	}
}

func (s *Source) handle(ctx context.Context, env signal.Envelope) {
	switch env.Type {
	case signal.TypeState:
		if env.State != nil && len(env.State.ICEServers) > 0 {
			s.mu.Lock()
			s.iceServers = env.State.ICEServers
			s.mu.Unlock()
		}
	case signal.TypeOfferRequest:
		s.beginNegotiation(ctx, env.From)
	case signal.TypeAnswer:
		s.handleAnswer(env)
	case signal.TypeCandidate:
		s.handleCandidate(env)
	}
}

// beginNegotiation creates the slot's session toward the compositor, attaches
// every current origin track and sends the offer. A request arriving before
// connectivity parameters are cached is refused with a state re-request
// instead of a doomed negotiation.
func (s *Source) beginNegotiation(ctx context.Context, compositor domain.ParticipantID) {
	s.mu.Lock()
	origin := s.origin
	iceServers := s.iceServers
	s.mu.Unlock()

	if origin == nil {
		s.log.Warn().Msg("offer request before capture")
		return
	}
	if len(iceServers) == 0 {
		s.log.Warn().Msg("offer request before ICE servers cached, re-requesting state")
		_ = s.transport.RequestState()
		return
	}

	peer, err := s.newPeer(iceServers, compositor)
	if err != nil {
		s.log.Error().Err(err).Msg("peer create")
		s.setState(StateError)
		return
	}

	peer.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		_ = s.transport.SendCandidate(compositor, signal.CandidateFromICE(ci))
	})
	peer.OnStateChange(func(st webrtc.ICEConnectionState) {
		s.onICEState(compositor, st)
	})

	if err := peer.Start(ctx); err != nil {
		s.log.Error().Err(err).Msg("peer start")
		peer.Close()
		s.setState(StateError)
		return
	}

	if _, err := peer.AddLocalTrack(origin.VideoTrack()); err != nil {
		s.log.Error().Err(err).Msg("attach video")
		peer.Close()
		s.setState(StateError)
		return
	}
	if _, err := peer.AddLocalTrack(origin.AudioTrack()); err != nil {
		s.log.Error().Err(err).Msg("attach audio")
		peer.Close()
		s.setState(StateError)
		return
	}

	offer, err := peer.CreateOffer()
	if err != nil {
		s.log.Error().Err(err).Msg("create offer")
		peer.Close()
		s.setState(StateError)
		return
	}

	key := session.Key{Role: domain.RoleCompositor, Remote: compositor}
	s.sessions.Put(key, session.New(compositor, peer))
	s.mu.Lock()
	s.peers[compositor] = peer
	s.mu.Unlock()

	if err := s.transport.SendOffer(compositor, offer.SDP); err != nil {
		s.log.Error().Err(err).Msg("send offer")
	}
	s.setState(StateNegotiating)
}

func (s *Source) handleAnswer(env signal.Envelope) {
	key := session.Key{Role: domain.RoleCompositor, Remote: env.From}
	sess, ok := s.sessions.Get(key)
	if !ok {
		// Answer with no matching session: log and drop, never crash.
		s.log.Warn().Str("from", string(env.From)).Msg("answer with no session")
		return
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.SDP}
	if err := sess.ApplyRemoteDescription(desc); err != nil {
		s.log.Error().Err(err).Msg("apply answer")
	}
}

func (s *Source) handleCandidate(env signal.Envelope) {
	if env.Candidate == nil {
		return
	}
	key := session.Key{Role: domain.RoleCompositor, Remote: env.From}
	sess, ok := s.sessions.Get(key)
	if !ok {
		s.log.Debug().Str("from", string(env.From)).Msg("candidate with no session")
		return
	}
	if err := sess.AddCandidate(env.Candidate.ICE()); err != nil {
		s.log.Error().Err(err).Msg("add candidate")
	}
}

func (s *Source) onICEState(compositor domain.ParticipantID, st webrtc.ICEConnectionState) {
	switch st {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.setState(StateLive)
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
		s.setState(StateError)
	case webrtc.ICEConnectionStateClosed:
		s.dropPeer(compositor)
		s.setState(StateIdle)
	}
}

func (s *Source) dropPeer(compositor domain.ParticipantID) {
	s.sessions.Delete(session.Key{Role: domain.RoleCompositor, Remote: compositor})
	s.mu.Lock()
	delete(s.peers, compositor)
	s.mu.Unlock()
}

// SwitchCaptureKind replaces the outgoing video in place on every live
// session: no new offer, no visible cut. Audio persists.
func (s *Source) SwitchCaptureKind(ctx context.Context, kind domain.CaptureKind) error {
	s.mu.Lock()
	origin := s.origin
	s.mu.Unlock()
	if origin == nil {
		return ErrNotCapturing
	}

	track, err := origin.SwitchKind(ctx, kind)
	if err != nil {
		return err
	}

	s.mu.Lock()
	peers := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.ReplaceVideoTrack(track); err != nil {
			s.log.Error().Err(err).Msg("replace video track")
		}
	}
	return nil
}

// ToggleMute flips the outgoing audio locally; no session is touched.
func (s *Source) ToggleMute() error {
	s.mu.Lock()
	origin := s.origin
	s.mu.Unlock()
	if origin == nil {
		return ErrNotCapturing
	}
	origin.SetAudioEnabled(!origin.AudioEnabled())
	return nil
}

// Muted reports whether outgoing audio is disabled.
func (s *Source) Muted() bool {
	s.mu.Lock()
	origin := s.origin
	s.mu.Unlock()
	if origin == nil {
		return false
	}
	return !origin.AudioEnabled()
}

// Stop closes every owned session and releases the origin; partial cleanup is
// a defect, so both always happen.
func (s *Source) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	origin := s.origin
	s.origin = nil
	s.peers = make(map[domain.ParticipantID]Peer)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.sessions.CloseAll()
	if origin != nil {
		origin.Close()
	}
	_ = s.transport.Leave()
	s.setState(StateIdle)
}
