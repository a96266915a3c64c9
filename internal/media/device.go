// Package media models live track production: capture devices, locally owned
// origins, and the RTP fan-out that feeds program subscribers.
package media

import (
	"errors"

	"github.com/pion/rtp"

	"github.com/courtcast/relay/internal/domain"
)

var (
	ErrPermissionDenied  = errors.New("capture permission denied")
	ErrDeviceUnavailable = errors.New("capture device unavailable")
)

// Producer supplies encoded RTP for one track until Close.
type Producer interface {
	ReadRTP() (*rtp.Packet, error)
	Close() error
}

// Device opens producers for local capture hardware. Implementations map
// platform failures onto ErrPermissionDenied / ErrDeviceUnavailable.
type Device interface {
	OpenVideo(kind domain.CaptureKind, q domain.Quality) (Producer, error)
	OpenAudio() (Producer, error)
}

// RTPWriter is the outgoing half of a local track.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}
