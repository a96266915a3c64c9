package compositor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtcast/relay/internal/config"
	"github.com/courtcast/relay/internal/domain"
	"github.com/courtcast/relay/internal/signal"
)

type sentMsg struct {
	typ  signal.Type
	to   domain.ParticipantID
	sdp  string
	slot domain.Slot
}

type fakeTransport struct {
	mu     sync.Mutex
	joins  int
	leaves int
	sent   []sentMsg
	states []signal.MatchState
	events chan signal.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan signal.Envelope, 64)}
}

func (f *fakeTransport) Join(_ context.Context, _ domain.MatchID, _ domain.Role, _ domain.Slot, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins++
	return nil
}

func (f *fakeTransport) Leave() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakeTransport) record(m sentMsg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransport) SendOffer(to domain.ParticipantID, sdp string) error {
	return f.record(sentMsg{typ: signal.TypeOffer, to: to, sdp: sdp})
}

func (f *fakeTransport) SendAnswer(to domain.ParticipantID, sdp string) error {
	return f.record(sentMsg{typ: signal.TypeAnswer, to: to, sdp: sdp})
}

func (f *fakeTransport) SendCandidate(to domain.ParticipantID, _ signal.Candidate) error {
	return f.record(sentMsg{typ: signal.TypeCandidate, to: to})
}

func (f *fakeTransport) SendOfferRequest(to domain.ParticipantID) error {
	return f.record(sentMsg{typ: signal.TypeOfferRequest, to: to})
}

func (f *fakeTransport) SendState(st signal.MatchState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, st)
	return nil
}

func (f *fakeTransport) SendSwitch(slot domain.Slot) error {
	return f.record(sentMsg{typ: signal.TypeSwitch, slot: slot})
}

func (f *fakeTransport) RequestState() error {
	return f.record(sentMsg{typ: signal.TypeRequestState})
}

func (f *fakeTransport) ID() domain.ParticipantID { return "comp-test" }

func (f *fakeTransport) Events() <-chan signal.Envelope { return f.events }

func (f *fakeTransport) Close() error { close(f.events); return nil }

func (f *fakeTransport) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins
}

func (f *fakeTransport) byType(t signal.Type) []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMsg
	for _, m := range f.sent {
		if m.typ == t {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) lastState() (signal.MatchState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return signal.MatchState{}, false
	}
	return f.states[len(f.states)-1], true
}

type fakeCompPeer struct {
	mu          sync.Mutex
	offers      int
	answers     int
	remoteDescs []webrtc.SessionDescription
	plis        []uint32
	closed      bool
}

func (p *fakeCompPeer) Start(context.Context) error { return nil }

func (p *fakeCompPeer) CreateOffer() (*webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (p *fakeCompPeer) CreateAnswer() (*webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (p *fakeCompPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDescs = append(p.remoteDescs, desc)
	return nil
}

func (p *fakeCompPeer) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (p *fakeCompPeer) AddLocalTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return nil, nil
}

func (p *fakeCompPeer) OnICECandidate(func(webrtc.ICECandidateInit)) {}
func (p *fakeCompPeer) OnTrack(func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {
}
func (p *fakeCompPeer) OnStateChange(func(webrtc.ICEConnectionState)) {}

func (p *fakeCompPeer) WritePLI(ssrc uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plis = append(p.plis, ssrc)
	return nil
}

func (p *fakeCompPeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakeCompPeer) offerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func fastTunables() Tunables {
	return Tunables{
		ClaimGrace:          time.Millisecond,
		ClaimRetry:          10 * time.Millisecond,
		ProgramWaitRetries:  2,
		ProgramWaitInterval: time.Millisecond,
	}
}

func startCompositor(t *testing.T, tr *fakeTransport, peers *sync.Map) (*Compositor, context.CancelFunc, chan error) {
	t.Helper()
	c := New(tr, "m1", fastTunables(), WithPeerFactory(func(_ []string, pid domain.ParticipantID) (Peer, error) {
		p := &fakeCompPeer{}
		peers.Store(pid, p)
		return p, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)
	go func() { errC <- c.Run(ctx) }()

	waitFor(t, func() bool { return tr.joinCount() >= 1 }, "compositor should join")
	return c, cancel, errC
}

func claimAccepted() signal.Envelope {
	return signal.Envelope{Type: signal.TypeCompositorJoinResult, Match: "m1", Success: true}
}

func stateWithICE() signal.Envelope {
	return signal.Envelope{Type: signal.TypeState, Match: "m1", State: &signal.MatchState{
		Match: "m1", ICEServers: []string{"stun:stun.example:3478"}, HasCompositor: true,
	}}
}

func TestTunablesFromConfig(t *testing.T) {
	cfg := &config.Config{
		ClaimGrace:          250 * time.Millisecond,
		ClaimRetry:          3 * time.Second,
		ProgramWaitRetries:  7,
		ProgramWaitInterval: 150 * time.Millisecond,
	}

	tun := TunablesFromConfig(cfg)
	assert.Equal(t, cfg.ClaimGrace, tun.ClaimGrace)
	assert.Equal(t, cfg.ClaimRetry, tun.ClaimRetry)
	assert.Equal(t, cfg.ProgramWaitRetries, tun.ProgramWaitRetries)
	assert.Equal(t, cfg.ProgramWaitInterval, tun.ProgramWaitInterval)
}

func TestClaimDeniedIsRetried(t *testing.T) {
	tr := newFakeTransport()
	var peers sync.Map
	_, cancel, errC := startCompositor(t, tr, &peers)
	defer cancel()

	tr.events <- signal.Envelope{Type: signal.TypeCompositorJoinResult, Match: "m1", Success: false, Error: "claim_denied"}

	waitFor(t, func() bool { return tr.joinCount() >= 2 }, "denied claim should be retried")

	cancel()
	require.Error(t, <-errC)
}

func TestSupersessionIsTerminal(t *testing.T) {
	tr := newFakeTransport()
	var peers sync.Map
	_, cancel, errC := startCompositor(t, tr, &peers)
	defer cancel()

	tr.events <- claimAccepted()
	tr.events <- signal.Envelope{Type: signal.TypeCompositorSuperseded, Match: "m1"}

	select {
	case err := <-errC:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("Run should return after supersession")
	}

	before := tr.joinCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, tr.joinCount(), "a superseded instance must never claim again")
}

func TestOfferRequestDeferredUntilICEServersKnown(t *testing.T) {
	tr := newFakeTransport()
	var peers sync.Map
	_, cancel, _ := startCompositor(t, tr, &peers)
	defer cancel()

	tr.events <- claimAccepted()
	tr.events <- signal.Envelope{Type: signal.TypeNewSource, Match: "m1", From: "cam-a", Slot: domain.SlotCam1, Label: "north"}

	// No connectivity parameters yet: the request must wait.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tr.byType(signal.TypeOfferRequest))

	tr.events <- stateWithICE()
	waitFor(t, func() bool { return len(tr.byType(signal.TypeOfferRequest)) == 1 }, "deferred offer request should flush on state")
	reqs := tr.byType(signal.TypeOfferRequest)
	assert.Equal(t, domain.ParticipantID("cam-a"), reqs[0].to)
}

func TestSourceOfferIsAnswered(t *testing.T) {
	tr := newFakeTransport()
	var peers sync.Map
	_, cancel, _ := startCompositor(t, tr, &peers)
	defer cancel()

	tr.events <- claimAccepted()
	tr.events <- stateWithICE()
	tr.events <- signal.Envelope{Type: signal.TypeNewSource, Match: "m1", From: "cam-a", Slot: domain.SlotCam1}
	tr.events <- signal.Envelope{Type: signal.TypeOffer, Match: "m1", From: "cam-a", SDP: "v=0 source"}

	waitFor(t, func() bool { return len(tr.byType(signal.TypeAnswer)) == 1 }, "source offer should be answered")
	answers := tr.byType(signal.TypeAnswer)
	assert.Equal(t, domain.ParticipantID("cam-a"), answers[0].to)
	assert.Equal(t, "answer-sdp", answers[0].sdp)

	v, ok := peers.Load(domain.ParticipantID("cam-a"))
	require.True(t, ok)
	peer := v.(*fakeCompPeer)
	peer.mu.Lock()
	defer peer.mu.Unlock()
	require.Len(t, peer.remoteDescs, 1)
	assert.Equal(t, "v=0 source", peer.remoteDescs[0].SDP)
}

func TestOfferFromUnknownSourceDropped(t *testing.T) {
	tr := newFakeTransport()
	var peers sync.Map
	_, cancel, _ := startCompositor(t, tr, &peers)
	defer cancel()

	tr.events <- claimAccepted()
	tr.events <- stateWithICE()
	tr.events <- signal.Envelope{Type: signal.TypeOffer, Match: "m1", From: "stranger", SDP: "v=0"}

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tr.byType(signal.TypeAnswer))
	_, ok := peers.Load(domain.ParticipantID("stranger"))
	assert.False(t, ok)
}

func TestViewerJoinGetsDedicatedOffer(t *testing.T) {
	tr := newFakeTransport()
	var peers sync.Map
	_, cancel, _ := startCompositor(t, tr, &peers)
	defer cancel()

	tr.events <- claimAccepted()
	tr.events <- stateWithICE()
	tr.events <- signal.Envelope{Type: signal.TypeJoin, Match: "m1", From: "viewer-1", Role: domain.RoleViewer}

	waitFor(t, func() bool { return len(tr.byType(signal.TypeOffer)) == 1 }, "viewer should get an offer")
	offers := tr.byType(signal.TypeOffer)
	assert.Equal(t, domain.ParticipantID("viewer-1"), offers[0].to)
	assert.Equal(t, "offer-sdp", offers[0].sdp)

	// The viewer's answer completes the session.
	tr.events <- signal.Envelope{Type: signal.TypeAnswer, Match: "m1", From: "viewer-1", SDP: "v=0 viewer"}
	waitFor(t, func() bool {
		v, ok := peers.Load(domain.ParticipantID("viewer-1"))
		if !ok {
			return false
		}
		p := v.(*fakeCompPeer)
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.remoteDescs) == 1
	}, "viewer answer should be applied")
}

func TestSwitchNeverRenegotiates(t *testing.T) {
	tr := newFakeTransport()
	var peers sync.Map
	c, cancel, _ := startCompositor(t, tr, &peers)
	defer cancel()

	tr.events <- claimAccepted()
	tr.events <- stateWithICE()
	tr.events <- signal.Envelope{Type: signal.TypeJoin, Match: "m1", From: "viewer-1", Role: domain.RoleViewer}
	waitFor(t, func() bool { return len(tr.byType(signal.TypeOffer)) == 1 }, "viewer should get an offer")

	offersBefore := len(tr.byType(signal.TypeOffer))
	require.NoError(t, c.SetActiveSlot(domain.SlotCam2))
	require.NoError(t, c.SetActiveSlot(domain.SlotCam1))

	switches := tr.byType(signal.TypeSwitch)
	require.Len(t, switches, 2)
	assert.Equal(t, domain.SlotCam2, switches[0].slot)
	assert.Equal(t, domain.SlotCam1, switches[1].slot)

	assert.Len(t, tr.byType(signal.TypeOffer), offersBefore, "a program switch must not produce offers")
	v, _ := peers.Load(domain.ParticipantID("viewer-1"))
	assert.Equal(t, 1, v.(*fakeCompPeer).offerCount())
	assert.Equal(t, domain.SlotCam1, c.ActiveSlot())
}

func TestSetActiveSlotRejectsUnknownSlot(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, "m1", fastTunables())
	assert.ErrorIs(t, c.SetActiveSlot(domain.Slot("cam9")), domain.ErrUnknownSlot)
}

func TestSourceLeftFreesSlotAndUpdatesState(t *testing.T) {
	tr := newFakeTransport()
	var peers sync.Map
	_, cancel, _ := startCompositor(t, tr, &peers)
	defer cancel()

	tr.events <- claimAccepted()
	tr.events <- stateWithICE()
	tr.events <- signal.Envelope{Type: signal.TypeNewSource, Match: "m1", From: "cam-a", Slot: domain.SlotCam1, Label: "north"}
	waitFor(t, func() bool {
		st, ok := tr.lastState()
		return ok && len(st.Cameras) == 1
	}, "state should list the new camera")

	tr.events <- signal.Envelope{Type: signal.TypeSourceLeft, Match: "m1", From: "cam-a", Slot: domain.SlotCam1}
	waitFor(t, func() bool {
		st, ok := tr.lastState()
		return ok && len(st.Cameras) == 0
	}, "state should drop the departed camera")
}

func TestRequestStateTriggersBroadcast(t *testing.T) {
	tr := newFakeTransport()
	var peers sync.Map
	_, cancel, _ := startCompositor(t, tr, &peers)
	defer cancel()

	tr.events <- claimAccepted()
	waitFor(t, func() bool { _, ok := tr.lastState(); return ok }, "claim should publish a first snapshot")

	tr.mu.Lock()
	before := len(tr.states)
	tr.mu.Unlock()

	tr.events <- signal.Envelope{Type: signal.TypeRequestState, Match: "m1", From: "viewer-1"}
	waitFor(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.states) > before
	}, "request_state should produce a fresh snapshot")
}
