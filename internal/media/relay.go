package media

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/courtcast/relay/internal/domain"
)

// RTPReader is the inbound half of a remote track.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, error)
}

// RemoteTrackReader adapts a pion remote track to RTPReader.
func RemoteTrackReader(t *webrtc.TrackRemote) RTPReader {
	return remoteTrack{t: t}
}

type remoteTrack struct {
	t *webrtc.TrackRemote
}

func (r remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.t.ReadRTP()
	return pkt, err
}

// Relay drains one inbound track and fans packets out to subscribers. A
// disabled relay keeps draining so the decoder stays fed, but forwards
// nothing; flipping enablement is a pure local flag and never renegotiates.
type Relay struct {
	src     RTPReader
	enabled atomic.Bool

	mu   sync.RWMutex
	outs map[domain.ParticipantID]*OutTrack

	cancel context.CancelFunc
}

func NewRelay(src RTPReader, cancel context.CancelFunc) *Relay {
	return &Relay{
		src:    src,
		outs:   make(map[domain.ParticipantID]*OutTrack),
		cancel: cancel,
	}
}

func (r *Relay) SetEnabled(enabled bool) {
	r.enabled.Store(enabled)
}

func (r *Relay) Enabled() bool {
	return r.enabled.Load()
}

// Run reads RTP from the source until the context ends or the source fails.
func (r *Relay) Run(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			r.markAllDelete()
			return
		default:
		}
		pkt, err := r.src.ReadRTP()
		if err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("relay read RTP, stopping")
			}
			r.markAllDelete()
			return
		}
		if !r.enabled.Load() {
			continue
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[domain.ParticipantID]*OutTrack, len(r.outs))
	maps.Copy(snapshot, r.outs)
	r.mu.RUnlock()

	dirty := make([]domain.ParticipantID, 0, len(snapshot))
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("dst", string(dst)).Msg("relay write RTP, dropping subscriber")
				ot.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dst := range dirty {
		delete(r.outs, dst)
	}
}

func (r *Relay) markAllDelete() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ot := range r.outs {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOut(dst domain.ParticipantID, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs[dst] = ot
}

func (r *Relay) RemoveOut(dst domain.ParticipantID) {
	r.mu.Lock()
	ot, ok := r.outs[dst]
	delete(r.outs, dst)
	r.mu.Unlock()
	if ok {
		ot.MarkDelete()
	}
}

// ClearOuts detaches every subscriber without marking them deleted, for
// reattachment to another relay.
func (r *Relay) ClearOuts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs = make(map[domain.ParticipantID]*OutTrack)
}

func (r *Relay) OutCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outs)
}

func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.markAllDelete()
}
