package hub

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/courtcast/relay/internal/domain"
	"github.com/courtcast/relay/internal/signal"
)

// Hub routes envelopes between the participants of each match and owns the
// compositor claim. It never inspects SDP or candidate payloads.
type Hub struct {
	claims     ClaimStore
	iceServers []string

	mu      sync.RWMutex
	matches map[domain.MatchID]*match
}

func NewHub(claims ClaimStore, iceServers []string) *Hub {
	return &Hub{
		claims:     claims,
		iceServers: iceServers,
		matches:    make(map[domain.MatchID]*match),
	}
}

func (h *Hub) getOrCreate(id domain.MatchID) *match {
	h.mu.RLock()
	m, ok := h.matches[id]
	h.mu.RUnlock()
	if ok {
		return m
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok = h.matches[id]; !ok {
		m = newMatch(id)
		h.matches[id] = m
		log.Info().Str("module", "hub").Str("match", string(id)).Msg("match created")
	}
	return m
}

func (h *Hub) lookup(id domain.MatchID) (*match, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.matches[id]
	return m, ok
}

// Join registers a participant. Source slots are exclusive while occupied: a
// rejoin on a taken slot replaces the previous holder. A compositor join
// always wins the claim; the prior holder is notified of supersession.
func (h *Hub) Join(ctx context.Context, env signal.Envelope, conn Sender) {
	m := h.getOrCreate(env.Match)
	p := &Participant{ID: env.From, Role: env.Role, Slot: env.Slot, Label: env.Label, conn: conn}

	if !p.Role.Valid() {
		_ = conn.TrySend(signal.Envelope{Type: signal.TypeError, Match: m.id, Error: "unknown role"})
		return
	}

	switch p.Role {
	case domain.RoleCompositor:
		h.joinCompositor(ctx, m, p)
	case domain.RoleSource:
		h.joinSource(m, p)
	case domain.RoleViewer:
		h.joinViewer(m, p)
	}
}

func (h *Hub) joinCompositor(ctx context.Context, m *match, p *Participant) {
	m.mu.Lock()
	cur, held, err := h.claims.Load(ctx, m.id)
	if err != nil {
		m.mu.Unlock()
		log.Error().Err(err).Str("module", "hub").Str("match", string(m.id)).Msg("claim load failed")
		_ = p.conn.TrySend(signal.Envelope{
			Type: signal.TypeCompositorJoinResult, Match: m.id, Success: false, Error: "claim_denied",
		})
		return
	}

	epoch := m.epoch
	if held && cur.Epoch > epoch {
		epoch = cur.Epoch
	}
	epoch++

	if err := h.claims.Save(ctx, m.id, Claim{Holder: p.ID, Epoch: epoch}); err != nil {
		m.mu.Unlock()
		log.Error().Err(err).Str("module", "hub").Str("match", string(m.id)).Msg("claim save failed")
		_ = p.conn.TrySend(signal.Envelope{
			Type: signal.TypeCompositorJoinResult, Match: m.id, Success: false, Error: "claim_denied",
		})
		return
	}

	var ousted *Participant
	if held && cur.Holder != p.ID {
		ousted = m.participants[cur.Holder]
	}
	m.compositor = p.ID
	m.epoch = epoch
	m.participants[p.ID] = p
	sources := make([]*Participant, 0, len(m.sources))
	for _, sid := range m.sources {
		if sp, ok := m.participants[sid]; ok {
			sources = append(sources, sp)
		}
	}
	m.mu.Unlock()

	if ousted != nil {
		_ = ousted.conn.TrySend(signal.Envelope{Type: signal.TypeCompositorSuperseded, Match: m.id})
	}

	log.Info().Str("module", "hub").Str("match", string(m.id)).
		Str("pid", string(p.ID)).Uint64("epoch", epoch).Msg("compositor claim accepted")

	_ = p.conn.TrySend(signal.Envelope{Type: signal.TypeCompositorJoinResult, Match: m.id, Success: true})
	st := h.stateFor(m)
	_ = p.conn.TrySend(signal.Envelope{Type: signal.TypeState, Match: m.id, State: &st})

	// Catch the new compositor up on every occupied slot.
	sort.Slice(sources, func(i, j int) bool { return sources[i].Slot < sources[j].Slot })
	for _, sp := range sources {
		_ = p.conn.TrySend(signal.Envelope{
			Type: signal.TypeNewSource, Match: m.id, From: sp.ID, Slot: sp.Slot, Label: sp.Label,
		})
	}
}

func (h *Hub) joinSource(m *match, p *Participant) {
	if _, err := domain.ParseSlot(string(p.Slot)); err != nil || p.Slot == domain.SlotNone {
		_ = p.conn.TrySend(signal.Envelope{Type: signal.TypeError, Match: m.id, Error: "invalid slot"})
		return
	}

	m.mu.Lock()
	var replaced *Participant
	if old, ok := m.sources[p.Slot]; ok && old != p.ID {
		replaced = m.participants[old]
		delete(m.participants, old)
	}
	m.sources[p.Slot] = p.ID
	m.participants[p.ID] = p
	m.mu.Unlock()

	if replaced != nil {
		replaced.conn.Close()
		h.notifyCompositor(m, signal.Envelope{
			Type: signal.TypeSourceLeft, Match: m.id, From: replaced.ID, Slot: p.Slot,
		})
	}

	log.Info().Str("module", "hub").Str("match", string(m.id)).
		Str("pid", string(p.ID)).Str("slot", string(p.Slot)).Msg("source joined")

	st := h.stateFor(m)
	_ = p.conn.TrySend(signal.Envelope{Type: signal.TypeState, Match: m.id, State: &st})

	h.notifyCompositor(m, signal.Envelope{
		Type: signal.TypeNewSource, Match: m.id, From: p.ID, Slot: p.Slot, Label: p.Label,
	})
}

func (h *Hub) joinViewer(m *match, p *Participant) {
	m.mu.Lock()
	m.participants[p.ID] = p
	m.mu.Unlock()

	log.Info().Str("module", "hub").Str("match", string(m.id)).Str("pid", string(p.ID)).Msg("viewer joined")

	st := h.stateFor(m)
	_ = p.conn.TrySend(signal.Envelope{Type: signal.TypeState, Match: m.id, State: &st})

	// The compositor opens a dedicated program session per viewer.
	h.notifyCompositor(m, signal.Envelope{
		Type: signal.TypeJoin, Match: m.id, From: p.ID, Role: domain.RoleViewer, Label: p.Label,
	})
}

// Leave removes a participant, notifying whoever depended on it.
func (h *Hub) Leave(ctx context.Context, matchID domain.MatchID, pid domain.ParticipantID) {
	m, ok := h.lookup(matchID)
	if !ok {
		return
	}

	m.mu.Lock()
	p, ok := m.participants[pid]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.participants, pid)
	wasCompositor := m.compositor == pid
	if wasCompositor {
		m.compositor = ""
	}
	if p.Role == domain.RoleSource && m.sources[p.Slot] == pid {
		delete(m.sources, p.Slot)
	}
	m.mu.Unlock()

	log.Info().Str("module", "hub").Str("match", string(matchID)).
		Str("pid", string(pid)).Str("role", string(p.Role)).Msg("participant left")

	switch {
	case wasCompositor:
		if err := h.claims.Clear(ctx, matchID, pid); err != nil {
			log.Error().Err(err).Str("module", "hub").Str("match", string(matchID)).Msg("claim clear failed")
		}
		m.mu.Lock()
		m.lastState = nil
		m.mu.Unlock()
		st := h.stateFor(m)
		h.broadcast(m, signal.Envelope{Type: signal.TypeState, Match: matchID, State: &st}, pid)
	case p.Role == domain.RoleSource:
		h.notifyCompositor(m, signal.Envelope{
			Type: signal.TypeSourceLeft, Match: matchID, From: pid, Slot: p.Slot,
		})
	default:
		h.notifyCompositor(m, signal.Envelope{
			Type: signal.TypeParticipantLeft, Match: matchID, From: pid,
		})
	}

	if m.empty() {
		h.mu.Lock()
		if m.empty() {
			delete(h.matches, matchID)
		}
		h.mu.Unlock()
	}
}

// Relay forwards a negotiation envelope to its target. Fire and forget: a
// missing target or a full buffer only drops this message, never the caller.
func (h *Hub) Relay(env signal.Envelope) {
	m, ok := h.lookup(env.Match)
	if !ok {
		return
	}
	target, ok := m.get(env.To)
	if !ok {
		log.Debug().Str("module", "hub").Str("match", string(env.Match)).
			Str("to", string(env.To)).Str("type", string(env.Type)).Msg("relay target gone")
		return
	}
	if err := target.conn.TrySend(env); err != nil {
		log.Warn().Err(err).Str("module", "hub").Str("to", string(env.To)).Msg("relay dropped")
	}
}

// HandleState accepts a compositor-authored snapshot. Envelopes from a
// superseded compositor are dropped so a stale instance cannot keep
// forwarding state.
func (h *Hub) HandleState(env signal.Envelope) {
	m, ok := h.lookup(env.Match)
	if !ok || env.State == nil {
		return
	}
	m.mu.Lock()
	if m.compositor != env.From {
		m.mu.Unlock()
		log.Warn().Str("module", "hub").Str("match", string(env.Match)).
			Str("pid", string(env.From)).Msg("state from non-compositor dropped")
		return
	}
	st := *env.State
	st.Match = m.id
	st.HasCompositor = true
	st.ICEServers = h.iceServers
	m.lastState = &st
	m.mu.Unlock()

	h.broadcast(m, signal.Envelope{Type: signal.TypeState, Match: m.id, State: &st}, env.From)
}

// HandleSwitch fans a compositor switch notification out to every other
// participant. Viewers treat it as a coarse hint only.
func (h *Hub) HandleSwitch(env signal.Envelope) {
	m, ok := h.lookup(env.Match)
	if !ok {
		return
	}
	m.mu.RLock()
	authorized := m.compositor == env.From
	m.mu.RUnlock()
	if !authorized {
		return
	}
	h.broadcast(m, signal.Envelope{Type: signal.TypeSwitch, Match: m.id, Slot: env.Slot}, env.From)
}

// HandleRequestState answers from the cached snapshot and nudges the
// compositor for a fresh one.
func (h *Hub) HandleRequestState(env signal.Envelope) {
	m, ok := h.lookup(env.Match)
	if !ok {
		return
	}
	if p, ok := m.get(env.From); ok {
		st := h.stateFor(m)
		_ = p.conn.TrySend(signal.Envelope{Type: signal.TypeState, Match: m.id, State: &st})
	}
	if comp, ok := m.compositorParticipant(); ok && comp.ID != env.From {
		_ = comp.conn.TrySend(signal.Envelope{Type: signal.TypeRequestState, Match: m.id, From: env.From})
	}
}

// stateFor returns the last compositor-authored snapshot with hub-owned
// fields injected, or a minimal synthesized one so roles can cache ICE
// servers before any compositor exists.
func (h *Hub) stateFor(m *match) signal.MatchState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastState != nil {
		st := *m.lastState
		st.HasCompositor = m.compositor != ""
		st.ICEServers = h.iceServers
		return st
	}
	st := signal.MatchState{
		Match:         m.id,
		ActiveSlot:    domain.SlotNone,
		HasCompositor: m.compositor != "",
		ICEServers:    h.iceServers,
	}
	for slot, pid := range m.sources {
		label := ""
		if p, ok := m.participants[pid]; ok {
			label = p.Label
		}
		st.Cameras = append(st.Cameras, domain.CameraInfo{
			Slot: slot, Label: label, Status: domain.CameraOffline,
		})
	}
	sort.Slice(st.Cameras, func(i, j int) bool { return st.Cameras[i].Slot < st.Cameras[j].Slot })
	return st
}

func (h *Hub) notifyCompositor(m *match, env signal.Envelope) {
	comp, ok := m.compositorParticipant()
	if !ok {
		return
	}
	env.To = comp.ID
	if err := comp.conn.TrySend(env); err != nil {
		log.Warn().Err(err).Str("module", "hub").Str("match", string(m.id)).Msg("compositor notify dropped")
	}
}

func (h *Hub) broadcast(m *match, env signal.Envelope, except domain.ParticipantID) {
	for _, p := range m.snapshotParticipants() {
		if p.ID == except {
			continue
		}
		if err := p.conn.TrySend(env); err != nil {
			log.Warn().Err(err).Str("module", "hub").Str("to", string(p.ID)).Msg("broadcast dropped")
		}
	}
}

// Matches lists snapshots for the REST surface.
func (h *Hub) Matches() []MatchInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]MatchInfo, 0, len(h.matches))
	for _, m := range h.matches {
		out = append(out, m.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Match returns one match snapshot.
func (h *Hub) Match(id domain.MatchID) (MatchInfo, bool) {
	m, ok := h.lookup(id)
	if !ok {
		return MatchInfo{}, false
	}
	return m.info(), true
}
