// Package compositor implements the singleton production role: it claims
// authority for a match, negotiates one session per source, selects the slot
// on air and republishes it to every viewer.
package compositor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/courtcast/relay/internal/config"
	"github.com/courtcast/relay/internal/domain"
	"github.com/courtcast/relay/internal/media"
	"github.com/courtcast/relay/internal/rtc"
	"github.com/courtcast/relay/internal/session"
	"github.com/courtcast/relay/internal/signal"
)

var (
	// ErrSuperseded ends this instance for good: a newer compositor holds
	// the claim. Only an explicit restart may claim again.
	ErrSuperseded = errors.New("compositor superseded")

	ErrTransportClosed = errors.New("signal transport closed")
)

// Tunables gathers the timing knobs; none of them is a correctness contract.
type Tunables struct {
	ClaimGrace          time.Duration
	ClaimRetry          time.Duration
	ProgramWaitRetries  int
	ProgramWaitInterval time.Duration
}

func TunablesFromConfig(cfg *config.Config) Tunables {
	return Tunables{
		ClaimGrace:          cfg.ClaimGrace,
		ClaimRetry:          cfg.ClaimRetry,
		ProgramWaitRetries:  cfg.ProgramWaitRetries,
		ProgramWaitInterval: cfg.ProgramWaitInterval,
	}
}

func (t *Tunables) fill() {
	if t.ClaimGrace <= 0 {
		t.ClaimGrace = 500 * time.Millisecond
	}
	if t.ClaimRetry <= 0 {
		t.ClaimRetry = 2 * time.Second
	}
	if t.ProgramWaitRetries <= 0 {
		t.ProgramWaitRetries = 10
	}
	if t.ProgramWaitInterval <= 0 {
		t.ProgramWaitInterval = 200 * time.Millisecond
	}
}

// Peer is the negotiation surface the compositor needs from a connection.
// *rtc.PeerConn satisfies it.
type Peer interface {
	Start(ctx context.Context) error
	CreateOffer() (*webrtc.SessionDescription, error)
	CreateAnswer() (*webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(ci webrtc.ICECandidateInit) error
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnStateChange(fn func(webrtc.ICEConnectionState))
	WritePLI(ssrc uint32) error
	Close()
}

type PeerFactory func(iceServers []string, pid domain.ParticipantID) (Peer, error)

func defaultPeerFactory(iceServers []string, pid domain.ParticipantID) (Peer, error) {
	return rtc.New(rtc.Config(iceServers), pid)
}

type sourceRec struct {
	pid       domain.ParticipantID
	peer      Peer
	videoSSRC uint32
}

// Compositor is the per-match singleton. One instance per Run; after
// supersession it never claims again.
type Compositor struct {
	transport signal.Transport
	tun       Tunables
	newPeer   PeerFactory
	log       zerolog.Logger
	match     domain.MatchID

	mu            sync.Mutex
	iceServers    []string
	claimed       bool
	superseded    bool
	cameras       map[domain.Slot]domain.CameraInfo
	sourcesBySlot map[domain.Slot]*sourceRec
	slotByPID     map[domain.ParticipantID]domain.Slot
	pendingOffers []domain.ParticipantID
	active        domain.Slot

	sessions *session.Table
	program  *Program

	cancel context.CancelFunc
}

type Option func(*Compositor)

func WithPeerFactory(f PeerFactory) Option {
	return func(c *Compositor) { c.newPeer = f }
}

func New(transport signal.Transport, match domain.MatchID, tun Tunables, opts ...Option) *Compositor {
	tun.fill()
	c := &Compositor{
		transport:     transport,
		tun:           tun,
		newPeer:       defaultPeerFactory,
		match:         match,
		cameras:       make(map[domain.Slot]domain.CameraInfo),
		sourcesBySlot: make(map[domain.Slot]*sourceRec),
		slotByPID:     make(map[domain.ParticipantID]domain.Slot),
		sessions:      session.NewTable(),
		program:       NewProgram(),
	}
	c.log = log.With().Str("module", "compositor").Str("match", string(match)).Logger()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run claims authority and processes hub events until the context ends or
// this instance is superseded. A failed claim is retried on a fixed interval;
// supersession is fatal and returns ErrSuperseded.
func (c *Compositor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	// Release whatever stale claim a previous incarnation might still hold,
	// give its teardown a moment, then claim. Covers rapid reloads racing a
	// dying instance.
	_ = c.transport.Leave()
	select {
	case <-time.After(c.tun.ClaimGrace):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.transport.Join(ctx, c.match, domain.RoleCompositor, domain.SlotNone, ""); err != nil {
		return err
	}

	var retryC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			c.cleanup()
			return ctx.Err()
		case <-retryC:
			retryC = nil
			if err := c.transport.Join(ctx, c.match, domain.RoleCompositor, domain.SlotNone, ""); err != nil {
				return err
			}
		case env, ok := <-c.transport.Events():
			if !ok {
				c.cleanup()
				return ErrTransportClosed
			}
			if env.Type == signal.TypeCompositorJoinResult && !env.Success {
				c.log.Warn().Str("error", env.Error).Msg("claim denied, retrying")
				retryC = time.After(c.tun.ClaimRetry)
				continue
			}
			c.handle(ctx, env)
			if c.isSuperseded() {
				return ErrSuperseded
			}
		}
	}
}

func (c *Compositor) isSuperseded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.superseded
}

func (c *Compositor) handle(ctx context.Context, env signal.Envelope) {
	switch env.Type {
	case signal.TypeCompositorJoinResult:
		c.mu.Lock()
		c.claimed = true
		c.mu.Unlock()
		c.log.Info().Msg("claim acquired")
		c.broadcastState()
	case signal.TypeCompositorSuperseded:
		c.log.Warn().Msg("superseded by a newer compositor")
		c.cleanup()
		c.mu.Lock()
		c.superseded = true
		c.mu.Unlock()
	case signal.TypeState:
		c.handleState(env)
	case signal.TypeNewSource:
		c.handleNewSource(env)
	case signal.TypeSourceLeft:
		c.removeSource(env.Slot)
	case signal.TypeOffer:
		c.handleSourceOffer(ctx, env)
	case signal.TypeAnswer:
		c.handleViewerAnswer(env)
	case signal.TypeCandidate:
		c.handleCandidate(env)
	case signal.TypeJoin:
		if env.Role == domain.RoleViewer {
			// Independent per-viewer attach; a slow program wait must not
			// stall the event loop or sibling sessions.
			go c.attachViewer(ctx, env.From)
		}
	case signal.TypeParticipantLeft:
		c.removeViewer(env.From)
	case signal.TypeRequestState:
		c.broadcastState()
	}
}

func (c *Compositor) handleState(env signal.Envelope) {
	if env.State == nil || len(env.State.ICEServers) == 0 {
		return
	}
	c.mu.Lock()
	c.iceServers = env.State.ICEServers
	pending := c.pendingOffers
	c.pendingOffers = nil
	c.mu.Unlock()

	// Sources seen before connectivity parameters arrived get their offer
	// request now.
	for _, pid := range pending {
		if err := c.transport.SendOfferRequest(pid); err != nil {
			c.log.Error().Err(err).Str("pid", string(pid)).Msg("deferred offer request")
		}
	}
}

func (c *Compositor) handleNewSource(env signal.Envelope) {
	c.mu.Lock()
	c.cameras[env.Slot] = domain.CameraInfo{
		Slot:   env.Slot,
		Label:  env.Label,
		Status: domain.CameraConnecting,
	}
	c.slotByPID[env.From] = env.Slot
	haveICE := len(c.iceServers) > 0
	if !haveICE {
		c.pendingOffers = append(c.pendingOffers, env.From)
	}
	c.mu.Unlock()

	c.log.Info().Str("slot", string(env.Slot)).Str("pid", string(env.From)).Msg("source announced")

	if haveICE {
		if err := c.transport.SendOfferRequest(env.From); err != nil {
			c.log.Error().Err(err).Msg("offer request")
		}
	}
	c.broadcastState()
}

// handleSourceOffer creates or replaces the slot's session, answers it and
// wires its tracks into the program.
func (c *Compositor) handleSourceOffer(ctx context.Context, env signal.Envelope) {
	from := env.From
	c.mu.Lock()
	slot, known := c.slotByPID[from]
	iceServers := c.iceServers
	c.mu.Unlock()
	if !known {
		c.log.Warn().Str("pid", string(from)).Msg("offer from unknown source dropped")
		return
	}

	peer, err := c.newPeer(iceServers, from)
	if err != nil {
		c.log.Error().Err(err).Msg("peer create")
		return
	}

	peer.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		_ = c.transport.SendCandidate(from, signal.CandidateFromICE(ci))
	})
	peer.OnStateChange(func(st webrtc.ICEConnectionState) {
		c.onSourceICE(slot, from, st)
	})
	peer.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			c.mu.Lock()
			if rec, ok := c.sourcesBySlot[slot]; ok {
				rec.videoSSRC = uint32(track.SSRC())
			}
			c.mu.Unlock()
		}
		c.program.AddSlotTrack(trackCtx, slot, track.Kind(), media.RemoteTrackReader(track))
	})

	if err := peer.Start(ctx); err != nil {
		c.log.Error().Err(err).Msg("peer start")
		peer.Close()
		return
	}

	sess := session.New(from, peer)
	c.sessions.Put(session.Key{Role: domain.RoleSource, Remote: from}, sess)
	c.mu.Lock()
	if old, ok := c.sourcesBySlot[slot]; ok && old.pid != from {
		delete(c.slotByPID, old.pid)
	}
	c.sourcesBySlot[slot] = &sourceRec{pid: from, peer: peer}
	c.mu.Unlock()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: env.SDP}
	if err := sess.ApplyRemoteDescription(offer); err != nil {
		c.log.Error().Err(err).Msg("apply offer")
		c.dropSourceSession(slot, from, domain.CameraError)
		return
	}
	answer, err := peer.CreateAnswer()
	if err != nil {
		c.log.Error().Err(err).Msg("create answer")
		c.dropSourceSession(slot, from, domain.CameraError)
		return
	}
	if err := c.transport.SendAnswer(from, answer.SDP); err != nil {
		c.log.Error().Err(err).Msg("send answer")
	}
}

func (c *Compositor) handleViewerAnswer(env signal.Envelope) {
	sess, ok := c.sessions.Get(session.Key{Role: domain.RoleViewer, Remote: env.From})
	if !ok {
		c.log.Warn().Str("pid", string(env.From)).Msg("answer with no session")
		return
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.SDP}
	if err := sess.ApplyRemoteDescription(desc); err != nil {
		c.log.Error().Err(err).Msg("apply viewer answer")
	}
}

func (c *Compositor) handleCandidate(env signal.Envelope) {
	if env.Candidate == nil {
		return
	}
	for _, role := range []domain.Role{domain.RoleSource, domain.RoleViewer} {
		if sess, ok := c.sessions.Get(session.Key{Role: role, Remote: env.From}); ok {
			if err := sess.AddCandidate(env.Candidate.ICE()); err != nil {
				c.log.Error().Err(err).Msg("add candidate")
			}
			return
		}
	}
	c.log.Debug().Str("pid", string(env.From)).Msg("candidate with no session")
}

// onSourceICE tracks one slot's connectivity. Disconnected only downgrades
// the reported status; the stream entry is dropped at failed or closed.
func (c *Compositor) onSourceICE(slot domain.Slot, pid domain.ParticipantID, st webrtc.ICEConnectionState) {
	status := session.StatusFromICE(st)
	c.mu.Lock()
	if info, ok := c.cameras[slot]; ok {
		info.Status = status
		c.cameras[slot] = info
	}
	c.mu.Unlock()

	if session.Fatal(st) {
		c.dropSourceSession(slot, pid, status)
	}
	c.broadcastState()
}

// dropSourceSession removes one slot's stream without touching any other
// slot or viewer.
func (c *Compositor) dropSourceSession(slot domain.Slot, pid domain.ParticipantID, status domain.CameraStatus) {
	c.program.RemoveSlot(slot)
	c.sessions.Delete(session.Key{Role: domain.RoleSource, Remote: pid})
	c.mu.Lock()
	if rec, ok := c.sourcesBySlot[slot]; ok && rec.pid == pid {
		delete(c.sourcesBySlot, slot)
	}
	if info, ok := c.cameras[slot]; ok {
		info.Status = status
		c.cameras[slot] = info
	}
	c.mu.Unlock()
}

// removeSource handles a source leaving the match entirely: the slot is free
// again.
func (c *Compositor) removeSource(slot domain.Slot) {
	c.mu.Lock()
	rec, ok := c.sourcesBySlot[slot]
	c.mu.Unlock()
	if ok {
		c.dropSourceSession(slot, rec.pid, domain.CameraOffline)
		c.mu.Lock()
		delete(c.slotByPID, rec.pid)
		c.mu.Unlock()
	}
	c.mu.Lock()
	delete(c.cameras, slot)
	c.mu.Unlock()
	c.log.Info().Str("slot", string(slot)).Msg("source left")
	c.broadcastState()
}

// attachViewer opens the dedicated program session for one viewer: wait
// (bounded) for the program to carry a live track, then offer.
func (c *Compositor) attachViewer(ctx context.Context, pid domain.ParticipantID) {
	for i := 0; i < c.tun.ProgramWaitRetries; i++ {
		if c.program.HasLiveTracks() || c.program.Active() == domain.SlotNone {
			break
		}
		if i == c.tun.ProgramWaitRetries/2 {
			// Halfway through, nudge every known source to (re)offer.
			c.refreshSources()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.tun.ProgramWaitInterval):
		}
	}
	if c.program.Active() != domain.SlotNone && !c.program.HasLiveTracks() {
		c.log.Warn().Str("pid", string(pid)).Msg("program still without live tracks, offering anyway")
	}

	video, audio, err := c.program.AddViewer(pid)
	if err != nil {
		c.log.Error().Err(err).Msg("program tracks")
		return
	}

	c.mu.Lock()
	iceServers := c.iceServers
	c.mu.Unlock()
	peer, err := c.newPeer(iceServers, pid)
	if err != nil {
		c.log.Error().Err(err).Msg("peer create")
		c.program.RemoveViewer(pid)
		return
	}

	peer.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		_ = c.transport.SendCandidate(pid, signal.CandidateFromICE(ci))
	})
	peer.OnStateChange(func(st webrtc.ICEConnectionState) {
		if session.Fatal(st) {
			c.removeViewer(pid)
		}
	})

	if err := peer.Start(ctx); err != nil {
		c.log.Error().Err(err).Msg("peer start")
		peer.Close()
		c.program.RemoveViewer(pid)
		return
	}
	if _, err := peer.AddLocalTrack(video); err != nil {
		c.log.Error().Err(err).Msg("attach program video")
		peer.Close()
		c.program.RemoveViewer(pid)
		return
	}
	if _, err := peer.AddLocalTrack(audio); err != nil {
		c.log.Error().Err(err).Msg("attach program audio")
		peer.Close()
		c.program.RemoveViewer(pid)
		return
	}

	offer, err := peer.CreateOffer()
	if err != nil {
		c.log.Error().Err(err).Msg("create viewer offer")
		peer.Close()
		c.program.RemoveViewer(pid)
		return
	}

	c.sessions.Put(session.Key{Role: domain.RoleViewer, Remote: pid}, session.New(pid, peer))

	if err := c.transport.SendOffer(pid, offer.SDP); err != nil {
		c.log.Error().Err(err).Msg("send viewer offer")
	}
	c.log.Info().Str("pid", string(pid)).Msg("viewer session offered")
	c.requestKeyframe()
}

func (c *Compositor) removeViewer(pid domain.ParticipantID) {
	c.program.RemoveViewer(pid)
	c.sessions.Delete(session.Key{Role: domain.RoleViewer, Remote: pid})
	c.log.Info().Str("pid", string(pid)).Msg("viewer removed")
}

func (c *Compositor) refreshSources() {
	c.mu.Lock()
	pids := make([]domain.ParticipantID, 0, len(c.slotByPID))
	for pid := range c.slotByPID {
		pids = append(pids, pid)
	}
	c.mu.Unlock()
	for _, pid := range pids {
		_ = c.transport.SendOfferRequest(pid)
	}
}

// SetActiveSlot puts a slot on air. Pure track rewiring on the program plus
// a keyframe request toward the new source; no session is renegotiated.
func (c *Compositor) SetActiveSlot(slot domain.Slot) error {
	if slot != domain.SlotNone {
		if _, err := domain.ParseSlot(string(slot)); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.active = slot
	c.mu.Unlock()
	c.program.SetActive(slot)
	c.requestKeyframe()

	if err := c.transport.SendSwitch(slot); err != nil {
		c.log.Error().Err(err).Msg("send switch")
	}
	c.broadcastState()
	c.log.Info().Str("slot", string(slot)).Msg("active slot changed")
	return nil
}

// ActiveSlot returns the slot currently on air.
func (c *Compositor) ActiveSlot() domain.Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// requestKeyframe asks the on-air source for an immediate keyframe so
// viewers cut without waiting for the next natural one.
func (c *Compositor) requestKeyframe() {
	c.mu.Lock()
	rec, ok := c.sourcesBySlot[c.active]
	c.mu.Unlock()
	if !ok || rec.videoSSRC == 0 {
		return
	}
	if err := rec.peer.WritePLI(rec.videoSSRC); err != nil {
		c.log.Debug().Err(err).Msg("PLI write")
	}
}

// Cameras returns the UI view of every known slot.
func (c *Compositor) Cameras() []domain.CameraInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.CameraInfo, 0, len(c.cameras))
	for _, info := range c.cameras {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

func (c *Compositor) broadcastState() {
	c.mu.Lock()
	claimed := c.claimed && !c.superseded
	active := c.active
	c.mu.Unlock()
	if !claimed {
		return
	}
	st := signal.MatchState{
		Match:         c.match,
		Cameras:       c.Cameras(),
		ActiveSlot:    active,
		HasCompositor: true,
	}
	if err := c.transport.SendState(st); err != nil {
		c.log.Error().Err(err).Msg("send state")
	}
}

// cleanup closes every owned session and stops the program. Used both for
// supersession and for orderly shutdown.
func (c *Compositor) cleanup() {
	c.sessions.CloseAll()
	c.program.Stop()
	c.mu.Lock()
	c.claimed = false
	c.sourcesBySlot = make(map[domain.Slot]*sourceRec)
	c.mu.Unlock()
}

// Stop ends the instance and releases the claim.
func (c *Compositor) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.cleanup()
	_ = c.transport.Leave()
}
