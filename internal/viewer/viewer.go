// Package viewer implements the watch role: a single receive-only session
// fed by the compositor's program output.
package viewer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/rtp"
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
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateConnected  State = "connected"
	StateNoSignal   State = "no_signal"
	StateError      State = "error"
)

// Peer is the negotiation surface the viewer needs from a connection.
// *rtc.PeerConn satisfies it.
type Peer interface {
	Start(ctx context.Context) error
	CreateAnswer() (*webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(ci webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnStateChange(fn func(webrtc.ICEConnectionState))
	Close()
}

type PeerFactory func(iceServers []string, pid domain.ParticipantID) (Peer, error)

func defaultPeerFactory(iceServers []string, pid domain.ParticipantID) (Peer, error) {
	return rtc.New(rtc.Config(iceServers), pid)
}

// FrameFunc receives every program packet; the render layer decides what to
// do with it.
type FrameFunc func(kind webrtc.RTPCodecType, pkt *rtp.Packet)

// Viewer is one watcher's state machine. The compositor initiates the offer;
// program switches arrive as in-place track content changes and need no
// action here.
type Viewer struct {
	transport signal.Transport
	newPeer   PeerFactory
	log       zerolog.Logger
	match     domain.MatchID

	watchdogWindow time.Duration

	mu         sync.Mutex
	state      State
	iceServers []string
	activeSlot domain.Slot
	peer       Peer
	sess       *session.Session
	lastPacket time.Time
	watchdog   *time.Timer

	onFrame FrameFunc
	onState func(State)

	cancel context.CancelFunc
}

type Option func(*Viewer)

func WithPeerFactory(f PeerFactory) Option {
	return func(v *Viewer) { v.newPeer = f }
}

func WithFrameFunc(fn FrameFunc) Option {
	return func(v *Viewer) { v.onFrame = fn }
}

func WithStateFunc(fn func(State)) Option {
	return func(v *Viewer) { v.onState = fn }
}

// WithWatchdogWindow sets how long after a switch hint the viewer waits for
// fresh media before re-requesting state.
func WithWatchdogWindow(d time.Duration) Option {
	return func(v *Viewer) { v.watchdogWindow = d }
}

func New(transport signal.Transport, match domain.MatchID, opts ...Option) *Viewer {
	v := &Viewer{
		transport:      transport,
		newPeer:        defaultPeerFactory,
		match:          match,
		state:          StateIdle,
		watchdogWindow: 5 * time.Second,
	}
	v.log = log.With().Str("module", "viewer").Str("match", string(match)).Logger()
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Viewer) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// ActiveSlot is the last slot announced on air, for UI display only.
func (v *Viewer) ActiveSlot() domain.Slot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.activeSlot
}

func (v *Viewer) setState(st State) {
	v.mu.Lock()
	changed := v.state != st
	v.state = st
	fn := v.onState
	v.mu.Unlock()
	if changed {
		v.log.Info().Str("state", string(st)).Msg("state")
		if fn != nil {
			fn(st)
		}
	}
}

// Watch joins the match and processes events until the context ends. The
// compositor drives negotiation; the viewer only answers.
func (v *Viewer) Watch(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	v.mu.Lock()
	if v.state != StateIdle {
		v.mu.Unlock()
		cancel()
		return errors.New("watch already started")
	}
	v.cancel = cancel
	v.mu.Unlock()

	if err := v.transport.Join(ctx, v.match, domain.RoleViewer, domain.SlotNone, ""); err != nil {
		cancel()
		return err
	}
	v.setState(StateRequesting)

	go v.loop(ctx)
	return nil
}

func (v *Viewer) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-v.transport.Events():
			if !ok {
				return
			}
			v.handle(ctx, env)
		}
	}
}

func (v *Viewer) handle(ctx context.Context, env signal.Envelope) {
	switch env.Type {
	case signal.TypeState:
		v.handleState(env)
	case signal.TypeOffer:
		v.handleOffer(ctx, env)
	case signal.TypeCandidate:
		v.handleCandidate(env)
	case signal.TypeSwitch:
		v.handleSwitch(env)
	}
}

func (v *Viewer) handleState(env signal.Envelope) {
	if env.State == nil {
		return
	}
	v.mu.Lock()
	if len(env.State.ICEServers) > 0 {
		v.iceServers = env.State.ICEServers
	}
	v.activeSlot = env.State.ActiveSlot
	hasSession := v.sess != nil
	v.mu.Unlock()

	// No compositor means no program to watch; show "no signal" rather than
	// an error and wait for the next state broadcast.
	if !env.State.HasCompositor && !hasSession {
		v.setState(StateNoSignal)
	}
}

// handleOffer builds the program session. A second offer replaces the
// session outright; routine program switches never reach this path.
func (v *Viewer) handleOffer(ctx context.Context, env signal.Envelope) {
	from := env.From
	v.mu.Lock()
	iceServers := v.iceServers
	old := v.peer
	v.peer = nil
	v.sess = nil
	v.mu.Unlock()
	if old != nil {
		old.Close()
	}

	peer, err := v.newPeer(iceServers, from)
	if err != nil {
		v.log.Error().Err(err).Msg("peer create")
		v.setState(StateError)
		return
	}

	peer.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		_ = v.transport.SendCandidate(from, signal.CandidateFromICE(ci))
	})
	peer.OnStateChange(v.onICEState)
	peer.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go v.consume(trackCtx, track)
	})

	if err := peer.Start(ctx); err != nil {
		v.log.Error().Err(err).Msg("peer start")
		peer.Close()
		v.setState(StateError)
		return
	}

	sess := session.New(from, peer)
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: env.SDP}
	if err := sess.ApplyRemoteDescription(offer); err != nil {
		v.log.Error().Err(err).Msg("apply offer")
		peer.Close()
		v.setState(StateError)
		return
	}
	answer, err := peer.CreateAnswer()
	if err != nil {
		v.log.Error().Err(err).Msg("create answer")
		peer.Close()
		v.setState(StateError)
		return
	}

	v.mu.Lock()
	v.peer = peer
	v.sess = sess
	v.mu.Unlock()

	if err := v.transport.SendAnswer(from, answer.SDP); err != nil {
		v.log.Error().Err(err).Msg("send answer")
	}
}

func (v *Viewer) handleCandidate(env signal.Envelope) {
	if env.Candidate == nil {
		return
	}
	v.mu.Lock()
	sess := v.sess
	v.mu.Unlock()
	if sess == nil {
		v.log.Debug().Msg("candidate with no session")
		return
	}
	if err := sess.AddCandidate(env.Candidate.ICE()); err != nil {
		v.log.Error().Err(err).Msg("add candidate")
	}
}

// handleSwitch is a hint, not an instruction: the cut happens inside the
// already-flowing tracks. It only arms the watchdog so a silent program
// after a switch triggers a state re-request.
func (v *Viewer) handleSwitch(env signal.Envelope) {
	v.mu.Lock()
	v.activeSlot = env.Slot
	if v.watchdog != nil {
		v.watchdog.Stop()
	}
	armed := time.Now()
	window := v.watchdogWindow
	v.watchdog = time.AfterFunc(window, func() { v.watchdogFired(armed) })
	v.mu.Unlock()
	v.log.Info().Str("slot", string(env.Slot)).Msg("program switch announced")
}

func (v *Viewer) watchdogFired(armed time.Time) {
	v.mu.Lock()
	last := v.lastPacket
	v.mu.Unlock()
	if last.After(armed) {
		return
	}
	v.log.Warn().Msg("no media after switch, re-requesting state")
	if err := v.transport.RequestState(); err != nil {
		v.log.Error().Err(err).Msg("request state")
	}
}

// consume drains one program track, stamping liveness and handing packets to
// the render layer. Track content changes mid-stream when the program
// switches; the read loop never notices.
func (v *Viewer) consume(ctx context.Context, track *webrtc.TrackRemote) {
	reader := media.RemoteTrackReader(track)
	kind := track.Kind()
	v.log.Info().Str("kind", kind.String()).Msg("program track")
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, err := reader.ReadRTP()
		if err != nil {
			if ctx.Err() == nil {
				v.log.Warn().Err(err).Str("kind", kind.String()).Msg("program track ended")
			}
			return
		}
		v.mu.Lock()
		v.lastPacket = time.Now()
		fn := v.onFrame
		v.mu.Unlock()
		if fn != nil {
			fn(kind, pkt)
		}
	}
}

func (v *Viewer) onICEState(st webrtc.ICEConnectionState) {
	switch st {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		v.setState(StateConnected)
	case webrtc.ICEConnectionStateDisconnected:
		v.setState(StateNoSignal)
	case webrtc.ICEConnectionStateFailed:
		v.setState(StateError)
	case webrtc.ICEConnectionStateClosed:
		v.mu.Lock()
		v.peer = nil
		v.sess = nil
		v.mu.Unlock()
		v.setState(StateIdle)
	}
}

// Stop leaves the match and closes the session.
func (v *Viewer) Stop() {
	v.mu.Lock()
	cancel := v.cancel
	peer := v.peer
	v.peer = nil
	v.sess = nil
	if v.watchdog != nil {
		v.watchdog.Stop()
		v.watchdog = nil
	}
	v.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if peer != nil {
		peer.Close()
	}
	_ = v.transport.Leave()
	v.setState(StateIdle)
}
