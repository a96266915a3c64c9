package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/courtcast/relay/internal/domain"
)

var ErrOriginClosed = errors.New("origin closed")

// Origin is a live set of locally produced tracks. It is exclusively owned by
// the role that created it until Close.
type Origin struct {
	device   Device
	streamID string
	quality  domain.Quality

	mu          sync.Mutex
	kind        domain.CaptureKind
	video       *webrtc.TrackLocalStaticRTP
	audio       *webrtc.TrackLocalStaticRTP
	videoCancel context.CancelFunc
	audioCancel context.CancelFunc
	closed      bool

	audioMuted atomic.Bool
}

// NewOrigin acquires video and audio producers from the device and starts
// pumping them into local tracks.
func NewOrigin(ctx context.Context, device Device, kind domain.CaptureKind, q domain.Quality, streamID string) (*Origin, error) {
	o := &Origin{
		device:   device,
		streamID: streamID,
		quality:  q,
		kind:     kind,
	}

	videoProd, err := device.OpenVideo(kind, q)
	if err != nil {
		return nil, err
	}
	audioProd, err := device.OpenAudio()
	if err != nil {
		_ = videoProd.Close()
		return nil, err
	}

	o.video, err = webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", streamID,
	)
	if err != nil {
		_ = videoProd.Close()
		_ = audioProd.Close()
		return nil, err
	}
	o.audio, err = webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		_ = videoProd.Close()
		_ = audioProd.Close()
		return nil, err
	}

	videoCtx, videoCancel := context.WithCancel(ctx)
	audioCtx, audioCancel := context.WithCancel(ctx)
	o.videoCancel = videoCancel
	o.audioCancel = audioCancel

	go pump(videoCtx, videoProd, o.video, nil)
	go pump(audioCtx, audioProd, o.audio, &o.audioMuted)
	return o, nil
}

// pump copies RTP from a producer to a local track until the producer ends or
// the context is canceled. A set mute flag drops packets without stopping the
// producer.
func pump(ctx context.Context, prod Producer, track RTPWriter, muted *atomic.Bool) {
	defer func() { _ = prod.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, err := prod.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Error().Err(err).Str("module", "media").Msg("producer read")
			}
			return
		}
		if muted != nil && muted.Load() {
			continue
		}
		if err := track.WriteRTP(pkt); err != nil {
			log.Error().Err(err).Str("module", "media").Msg("track write")
			return
		}
	}
}

func (o *Origin) VideoTrack() *webrtc.TrackLocalStaticRTP {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.video
}

func (o *Origin) AudioTrack() *webrtc.TrackLocalStaticRTP {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.audio
}

func (o *Origin) Kind() domain.CaptureKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.kind
}

// SwitchKind stops only the video pump, acquires a new producer of the given
// kind and returns a fresh video track. Audio keeps running. The caller
// replaces the outgoing track on its live sessions; no renegotiation happens
// here.
func (o *Origin) SwitchKind(ctx context.Context, kind domain.CaptureKind) (*webrtc.TrackLocalStaticRTP, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrOriginClosed
	}
	if kind == o.kind {
		return o.video, nil
	}

	prod, err := o.device.OpenVideo(kind, o.quality)
	if err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", o.streamID,
	)
	if err != nil {
		_ = prod.Close()
		return nil, err
	}

	o.videoCancel()
	videoCtx, cancel := context.WithCancel(ctx)
	o.videoCancel = cancel
	o.video = track
	o.kind = kind
	go pump(videoCtx, prod, track, nil)

	log.Info().Str("module", "media").Str("stream", o.streamID).Str("kind", string(kind)).Msg("capture kind switched")
	return track, nil
}

// SetAudioEnabled toggles the outgoing audio without touching any session.
func (o *Origin) SetAudioEnabled(enabled bool) {
	o.audioMuted.Store(!enabled)
}

func (o *Origin) AudioEnabled() bool {
	return !o.audioMuted.Load()
}

func (o *Origin) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.videoCancel()
	o.audioCancel()
}
