package compositor

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/courtcast/relay/internal/domain"
	"github.com/courtcast/relay/internal/media"
)

// slotFeed holds the fan-out relays for one slot's inbound tracks. Inactive
// slots keep draining (decoder stays fed) but forward nothing.
type slotFeed struct {
	video *media.Relay
	audio *media.Relay
}

// viewerOut is one viewer's pair of program tracks. The tracks survive every
// slot switch; only which relay feeds them changes.
type viewerOut struct {
	videoTrack *webrtc.TrackLocalStaticRTP
	audioTrack *webrtc.TrackLocalStaticRTP
	video      *media.OutTrack
	audio      *media.OutTrack
}

// Program is the single shared origin all viewer sessions are fed from.
// Switching the active slot moves every viewer's out tracks to the new slot's
// relays in one pass; sessions are never renegotiated.
type Program struct {
	mu      sync.Mutex
	feeds   map[domain.Slot]*slotFeed
	viewers map[domain.ParticipantID]*viewerOut
	active  domain.Slot
}

func NewProgram() *Program {
	return &Program{
		feeds:   make(map[domain.Slot]*slotFeed),
		viewers: make(map[domain.ParticipantID]*viewerOut),
	}
}

// AddSlotTrack starts a relay for one inbound track. When the slot is already
// on air the relay picks up every existing viewer immediately.
func (p *Program) AddSlotTrack(ctx context.Context, slot domain.Slot, kind webrtc.RTPCodecType, src media.RTPReader) {
	relayCtx, cancel := context.WithCancel(ctx)
	relay := media.NewRelay(src, cancel)

	p.mu.Lock()
	feed, ok := p.feeds[slot]
	if !ok {
		feed = &slotFeed{}
		p.feeds[slot] = feed
	}
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		if feed.video != nil {
			feed.video.Stop()
		}
		feed.video = relay
	default:
		if feed.audio != nil {
			feed.audio.Stop()
		}
		feed.audio = relay
	}
	if slot == p.active {
		for pid, vo := range p.viewers {
			if kind == webrtc.RTPCodecTypeVideo {
				relay.AddOut(pid, vo.video)
			} else {
				relay.AddOut(pid, vo.audio)
			}
		}
		relay.SetEnabled(true)
	}
	p.mu.Unlock()

	logger := log.With().Str("module", "compositor.program").
		Str("slot", string(slot)).Str("kind", kind.String()).Logger()
	go relay.Run(relayCtx, &logger)
}

// RemoveSlot stops a slot's relays. Viewer tracks stay open and simply go
// silent if the slot was on air.
func (p *Program) RemoveSlot(slot domain.Slot) {
	p.mu.Lock()
	feed, ok := p.feeds[slot]
	delete(p.feeds, slot)
	p.mu.Unlock()
	if !ok {
		return
	}
	if feed.video != nil {
		feed.video.Stop()
	}
	if feed.audio != nil {
		feed.audio.Stop()
	}
}

// SetActive moves the program to another slot: one out-track reattach per
// viewer per kind, zero negotiation. SlotNone clears the air.
func (p *Program) SetActive(slot domain.Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot == p.active {
		return
	}

	if old, ok := p.feeds[p.active]; ok {
		disableFeed(old)
	}
	p.active = slot
	if slot == domain.SlotNone {
		return
	}
	if feed, ok := p.feeds[slot]; ok {
		p.attachViewersLocked(feed)
	}
}

func disableFeed(feed *slotFeed) {
	if feed.video != nil {
		feed.video.SetEnabled(false)
		feed.video.ClearOuts()
	}
	if feed.audio != nil {
		feed.audio.SetEnabled(false)
		feed.audio.ClearOuts()
	}
}

func (p *Program) attachViewersLocked(feed *slotFeed) {
	for pid, vo := range p.viewers {
		if feed.video != nil {
			feed.video.AddOut(pid, vo.video)
		}
		if feed.audio != nil {
			feed.audio.AddOut(pid, vo.audio)
		}
	}
	if feed.video != nil {
		feed.video.SetEnabled(true)
	}
	if feed.audio != nil {
		feed.audio.SetEnabled(true)
	}
}

func (p *Program) Active() domain.Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// HasLiveTracks reports whether the on-air slot currently has at least one
// running relay. Viewer offers wait on this.
func (p *Program) HasLiveTracks() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == domain.SlotNone {
		return false
	}
	feed, ok := p.feeds[p.active]
	return ok && (feed.video != nil || feed.audio != nil)
}

// AddViewer creates the viewer's program track pair and hooks it to the
// on-air feed. The returned tracks are attached to the viewer's session by
// the caller.
func (p *Program) AddViewer(pid domain.ParticipantID) (video, audio *webrtc.TrackLocalStaticRTP, err error) {
	video, err = webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", "program",
	)
	if err != nil {
		return nil, nil, err
	}
	audio, err = webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "program",
	)
	if err != nil {
		return nil, nil, err
	}

	vo := &viewerOut{
		videoTrack: video,
		audioTrack: audio,
		video:      media.NewOutTrack(video),
		audio:      media.NewOutTrack(audio),
	}

	p.mu.Lock()
	p.viewers[pid] = vo
	if feed, ok := p.feeds[p.active]; ok && p.active != domain.SlotNone {
		if feed.video != nil {
			feed.video.AddOut(pid, vo.video)
		}
		if feed.audio != nil {
			feed.audio.AddOut(pid, vo.audio)
		}
	}
	p.mu.Unlock()
	return video, audio, nil
}

// RemoveViewer drops one viewer's out tracks; every other viewer is
// untouched.
func (p *Program) RemoveViewer(pid domain.ParticipantID) {
	p.mu.Lock()
	vo, ok := p.viewers[pid]
	delete(p.viewers, pid)
	feeds := make([]*slotFeed, 0, len(p.feeds))
	for _, f := range p.feeds {
		feeds = append(feeds, f)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	vo.video.MarkDelete()
	vo.audio.MarkDelete()
	for _, f := range feeds {
		if f.video != nil {
			f.video.RemoveOut(pid)
		}
		if f.audio != nil {
			f.audio.RemoveOut(pid)
		}
	}
}

func (p *Program) ViewerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.viewers)
}

// Stop tears the whole program down.
func (p *Program) Stop() {
	p.mu.Lock()
	feeds := p.feeds
	p.feeds = make(map[domain.Slot]*slotFeed)
	p.viewers = make(map[domain.ParticipantID]*viewerOut)
	p.active = domain.SlotNone
	p.mu.Unlock()
	for _, f := range feeds {
		if f.video != nil {
			f.video.Stop()
		}
		if f.audio != nil {
			f.audio.Stop()
		}
	}
}
