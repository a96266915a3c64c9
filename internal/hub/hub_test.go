package hub

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtcast/relay/internal/domain"
	"github.com/courtcast/relay/internal/signal"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []signal.Envelope
	closed bool
}

func (c *fakeConn) TrySend(env signal.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) envelopes() []signal.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signal.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) byType(t signal.Type) []signal.Envelope {
	var out []signal.Envelope
	for _, env := range c.envelopes() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type failingClaimStore struct{ err error }

func (s failingClaimStore) Load(context.Context, domain.MatchID) (Claim, bool, error) {
	return Claim{}, false, s.err
}
func (s failingClaimStore) Save(context.Context, domain.MatchID, Claim) error { return s.err }
func (s failingClaimStore) Clear(context.Context, domain.MatchID, domain.ParticipantID) error {
	return s.err
}

func joinEnv(match domain.MatchID, pid domain.ParticipantID, role domain.Role, slot domain.Slot, label string) signal.Envelope {
	return signal.Envelope{Type: signal.TypeJoin, Match: match, From: pid, Role: role, Slot: slot, Label: label}
}

func TestCompositorClaimIsSingleton(t *testing.T) {
	h := NewHub(NewMemoryClaimStore(), []string{"stun:stun.example:3478"})
	ctx := context.Background()

	first := &fakeConn{}
	h.Join(ctx, joinEnv("m1", "comp-1", domain.RoleCompositor, domain.SlotNone, ""), first)

	results := first.byType(signal.TypeCompositorJoinResult)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)

	second := &fakeConn{}
	h.Join(ctx, joinEnv("m1", "comp-2", domain.RoleCompositor, domain.SlotNone, ""), second)

	// The newer claim wins; the first holder is told, not silently dropped.
	assert.Len(t, first.byType(signal.TypeCompositorSuperseded), 1)
	results = second.byType(signal.TypeCompositorJoinResult)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
}

func TestClaimStoreFailureDeniesClaim(t *testing.T) {
	h := NewHub(failingClaimStore{err: errors.New("store down")}, nil)

	conn := &fakeConn{}
	h.Join(context.Background(), joinEnv("m1", "comp-1", domain.RoleCompositor, domain.SlotNone, ""), conn)

	results := conn.byType(signal.TypeCompositorJoinResult)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "claim_denied", results[0].Error)
}

func TestClaimEpochGrowsAcrossHandovers(t *testing.T) {
	store := NewMemoryClaimStore()
	h := NewHub(store, nil)
	ctx := context.Background()

	h.Join(ctx, joinEnv("m1", "comp-1", domain.RoleCompositor, domain.SlotNone, ""), &fakeConn{})
	c1, held, err := store.Load(ctx, "m1")
	require.NoError(t, err)
	require.True(t, held)

	h.Join(ctx, joinEnv("m1", "comp-2", domain.RoleCompositor, domain.SlotNone, ""), &fakeConn{})
	c2, held, err := store.Load(ctx, "m1")
	require.NoError(t, err)
	require.True(t, held)

	assert.Equal(t, domain.ParticipantID("comp-2"), c2.Holder)
	assert.Greater(t, c2.Epoch, c1.Epoch)
}

func TestSourceJoinNotifiesCompositorAndReplacesSlotHolder(t *testing.T) {
	h := NewHub(NewMemoryClaimStore(), []string{"stun:s"})
	ctx := context.Background()

	comp := &fakeConn{}
	h.Join(ctx, joinEnv("m1", "comp", domain.RoleCompositor, domain.SlotNone, ""), comp)

	cam1 := &fakeConn{}
	h.Join(ctx, joinEnv("m1", "cam-a", domain.RoleSource, domain.SlotCam1, "north"), cam1)

	news := comp.byType(signal.TypeNewSource)
	require.Len(t, news, 1)
	assert.Equal(t, domain.SlotCam1, news[0].Slot)
	assert.Equal(t, "north", news[0].Label)

	// Same slot again: previous holder is evicted, compositor told it left.
	cam2 := &fakeConn{}
	h.Join(ctx, joinEnv("m1", "cam-b", domain.RoleSource, domain.SlotCam1, "north-2"), cam2)

	assert.True(t, cam1.isClosed())
	assert.Len(t, comp.byType(signal.TypeSourceLeft), 1)
	assert.Len(t, comp.byType(signal.TypeNewSource), 2)
}

func TestSourceJoinRejectsInvalidSlot(t *testing.T) {
	h := NewHub(NewMemoryClaimStore(), nil)

	conn := &fakeConn{}
	h.Join(context.Background(), joinEnv("m1", "cam", domain.RoleSource, domain.Slot("cam9"), ""), conn)

	errs := conn.byType(signal.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "invalid slot", errs[0].Error)
}

func TestStateAlwaysCarriesICEServers(t *testing.T) {
	ice := []string{"stun:stun.example:3478", "turn:turn.example:3478"}
	h := NewHub(NewMemoryClaimStore(), ice)
	ctx := context.Background()

	// No compositor yet: a joining source still gets a synthesized snapshot
	// with connectivity parameters.
	cam := &fakeConn{}
	h.Join(ctx, joinEnv("m1", "cam", domain.RoleSource, domain.SlotCam2, "far end"), cam)

	states := cam.byType(signal.TypeState)
	require.Len(t, states, 1)
	require.NotNil(t, states[0].State)
	assert.Equal(t, ice, states[0].State.ICEServers)
	assert.False(t, states[0].State.HasCompositor)

	// Compositor-authored snapshots get the hub fields injected on the way
	// through.
	comp := &fakeConn{}
	h.Join(ctx, joinEnv("m1", "comp", domain.RoleCompositor, domain.SlotNone, ""), comp)
	h.HandleState(signal.Envelope{
		Type: signal.TypeState, Match: "m1", From: "comp",
		State: &signal.MatchState{ActiveSlot: domain.SlotCam2},
	})

	states = cam.byType(signal.TypeState)
	require.NotEmpty(t, states)
	last := states[len(states)-1]
	assert.Equal(t, ice, last.State.ICEServers)
	assert.True(t, last.State.HasCompositor)
	assert.Equal(t, domain.SlotCam2, last.State.ActiveSlot)
}

func TestStateFromNonCompositorDropped(t *testing.T) {
	h := NewHub(NewMemoryClaimStore(), nil)
	ctx := context.Background()

	comp := &fakeConn{}
	viewer := &fakeConn{}
	h.Join(ctx, joinEnv("m1", "comp", domain.RoleCompositor, domain.SlotNone, ""), comp)
	h.Join(ctx, joinEnv("m1", "v1", domain.RoleViewer, domain.SlotNone, ""), viewer)

	before := len(viewer.byType(signal.TypeState))
	h.HandleState(signal.Envelope{
		Type: signal.TypeState, Match: "m1", From: "v1",
		State: &signal.MatchState{ActiveSlot: domain.SlotCam1},
	})
	assert.Len(t, viewer.byType(signal.TypeState), before, "a non-holder snapshot must not propagate")
}

func TestSwitchOnlyFromClaimHolder(t *testing.T) {
	h := NewHub(NewMemoryClaimStore(), nil)
	ctx := context.Background()

	comp := &fakeConn{}
	viewer := &fakeConn{}
	h.Join(ctx, joinEnv("m1", "comp", domain.RoleCompositor, domain.SlotNone, ""), comp)
	h.Join(ctx, joinEnv("m1", "v1", domain.RoleViewer, domain.SlotNone, ""), viewer)

	h.HandleSwitch(signal.Envelope{Type: signal.TypeSwitch, Match: "m1", From: "v1", Slot: domain.SlotCam3})
	assert.Empty(t, viewer.byType(signal.TypeSwitch))

	h.HandleSwitch(signal.Envelope{Type: signal.TypeSwitch, Match: "m1", From: "comp", Slot: domain.SlotCam3})
	switches := viewer.byType(signal.TypeSwitch)
	require.Len(t, switches, 1)
	assert.Equal(t, domain.SlotCam3, switches[0].Slot)
}

func TestViewerJoinForwardedToCompositor(t *testing.T) {
	h := NewHub(NewMemoryClaimStore(), nil)
	ctx := context.Background()

	comp := &fakeConn{}
	h.Join(ctx, joinEnv("m1", "comp", domain.RoleCompositor, domain.SlotNone, ""), comp)

	viewer := &fakeConn{}
	h.Join(ctx, joinEnv("m1", "v1", domain.RoleViewer, domain.SlotNone, ""), viewer)

	joins := comp.byType(signal.TypeJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, domain.ParticipantID("v1"), joins[0].From)
	assert.Equal(t, domain.RoleViewer, joins[0].Role)
}

func TestCompositorCatchUpListsExistingSources(t *testing.T) {
	h := NewHub(NewMemoryClaimStore(), nil)
	ctx := context.Background()

	h.Join(ctx, joinEnv("m1", "cam-b", domain.RoleSource, domain.SlotCam2, "b"), &fakeConn{})
	h.Join(ctx, joinEnv("m1", "cam-a", domain.RoleSource, domain.SlotCam1, "a"), &fakeConn{})

	comp := &fakeConn{}
	h.Join(ctx, joinEnv("m1", "comp", domain.RoleCompositor, domain.SlotNone, ""), comp)

	news := comp.byType(signal.TypeNewSource)
	require.Len(t, news, 2)
	assert.Equal(t, domain.SlotCam1, news[0].Slot, "catch-up runs in slot order")
	assert.Equal(t, domain.SlotCam2, news[1].Slot)
}

func TestRelayIsPointToPoint(t *testing.T) {
	h := NewHub(NewMemoryClaimStore(), nil)
	ctx := context.Background()

	comp := &fakeConn{}
	cam := &fakeConn{}
	other := &fakeConn{}
	h.Join(ctx, joinEnv("m1", "comp", domain.RoleCompositor, domain.SlotNone, ""), comp)
	h.Join(ctx, joinEnv("m1", "cam", domain.RoleSource, domain.SlotCam1, ""), cam)
	h.Join(ctx, joinEnv("m1", "other", domain.RoleSource, domain.SlotCam2, ""), other)

	h.Relay(signal.Envelope{Type: signal.TypeOffer, Match: "m1", From: "cam", To: "comp", SDP: "v=0"})

	offers := comp.byType(signal.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "v=0", offers[0].SDP)
	assert.Empty(t, other.byType(signal.TypeOffer))

	// A vanished target only drops this message.
	h.Relay(signal.Envelope{Type: signal.TypeOffer, Match: "m1", From: "cam", To: "ghost"})
}

func TestCompositorLeaveClearsClaimAndBroadcastsState(t *testing.T) {
	store := NewMemoryClaimStore()
	h := NewHub(store, []string{"stun:s"})
	ctx := context.Background()

	comp := &fakeConn{}
	viewer := &fakeConn{}
	h.Join(ctx, joinEnv("m1", "comp", domain.RoleCompositor, domain.SlotNone, ""), comp)
	h.Join(ctx, joinEnv("m1", "v1", domain.RoleViewer, domain.SlotNone, ""), viewer)

	h.HandleState(signal.Envelope{
		Type: signal.TypeState, Match: "m1", From: "comp",
		State: &signal.MatchState{ActiveSlot: domain.SlotCam1},
	})

	h.Leave(ctx, "m1", "comp")

	_, held, err := store.Load(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, held, "claim must be released on leave")

	states := viewer.byType(signal.TypeState)
	require.NotEmpty(t, states)
	last := states[len(states)-1]
	assert.False(t, last.State.HasCompositor)
	assert.Equal(t, domain.SlotNone, last.State.ActiveSlot, "cached snapshot must not outlive its author")
}

func TestSourceLeaveNotifiesCompositorOnly(t *testing.T) {
	h := NewHub(NewMemoryClaimStore(), nil)
	ctx := context.Background()

	comp := &fakeConn{}
	h.Join(ctx, joinEnv("m1", "comp", domain.RoleCompositor, domain.SlotNone, ""), comp)
	h.Join(ctx, joinEnv("m1", "cam", domain.RoleSource, domain.SlotCam1, ""), &fakeConn{})

	h.Leave(ctx, "m1", "cam")

	lefts := comp.byType(signal.TypeSourceLeft)
	require.Len(t, lefts, 1)
	assert.Equal(t, domain.SlotCam1, lefts[0].Slot)

	// Slot is free again.
	cam2 := &fakeConn{}
	h.Join(ctx, joinEnv("m1", "cam2", domain.RoleSource, domain.SlotCam1, ""), cam2)
	assert.Len(t, comp.byType(signal.TypeSourceLeft), 1, "no eviction on a freed slot")
}

func TestEmptyMatchIsDeleted(t *testing.T) {
	h := NewHub(NewMemoryClaimStore(), nil)
	ctx := context.Background()

	h.Join(ctx, joinEnv("m1", "v1", domain.RoleViewer, domain.SlotNone, ""), &fakeConn{})
	_, ok := h.Match("m1")
	require.True(t, ok)

	h.Leave(ctx, "m1", "v1")
	_, ok = h.Match("m1")
	assert.False(t, ok)
}

func TestRequestStateAnswersAndNudgesCompositor(t *testing.T) {
	h := NewHub(NewMemoryClaimStore(), []string{"stun:s"})
	ctx := context.Background()

	comp := &fakeConn{}
	viewer := &fakeConn{}
	h.Join(ctx, joinEnv("m1", "comp", domain.RoleCompositor, domain.SlotNone, ""), comp)
	h.Join(ctx, joinEnv("m1", "v1", domain.RoleViewer, domain.SlotNone, ""), viewer)

	before := len(viewer.byType(signal.TypeState))
	h.HandleRequestState(signal.Envelope{Type: signal.TypeRequestState, Match: "m1", From: "v1"})

	assert.Len(t, viewer.byType(signal.TypeState), before+1)
	nudges := comp.byType(signal.TypeRequestState)
	require.Len(t, nudges, 1)
	assert.Equal(t, domain.ParticipantID("v1"), nudges[0].From)
}

func TestMatchInfoSnapshot(t *testing.T) {
	h := NewHub(NewMemoryClaimStore(), nil)
	ctx := context.Background()

	h.Join(ctx, joinEnv("m1", "comp", domain.RoleCompositor, domain.SlotNone, ""), &fakeConn{})
	h.Join(ctx, joinEnv("m1", "cam", domain.RoleSource, domain.SlotCam1, ""), &fakeConn{})
	h.Join(ctx, joinEnv("m1", "v1", domain.RoleViewer, domain.SlotNone, ""), &fakeConn{})
	h.Join(ctx, joinEnv("m2", "v2", domain.RoleViewer, domain.SlotNone, ""), &fakeConn{})

	infos := h.Matches()
	require.Len(t, infos, 2)
	assert.Equal(t, domain.MatchID("m1"), infos[0].ID)
	assert.True(t, infos[0].HasCompositor)
	assert.Equal(t, []domain.Slot{domain.SlotCam1}, infos[0].Sources)
	assert.Equal(t, 1, infos[0].Viewers)
	assert.False(t, infos[1].HasCompositor)
}
