package media

import (
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/courtcast/relay/internal/domain"
)

// TestPatternDevice produces synthetic RTP at a fixed rate. It stands in for
// real capture hardware in development setups and tests.
type TestPatternDevice struct {
	Interval time.Duration

	// Fail, when set, is returned by every Open call to simulate capture
	// failures (ErrPermissionDenied, ErrDeviceUnavailable).
	Fail error
}

func (d *TestPatternDevice) interval() time.Duration {
	if d.Interval <= 0 {
		return 33 * time.Millisecond
	}
	return d.Interval
}

func (d *TestPatternDevice) OpenVideo(_ domain.CaptureKind, _ domain.Quality) (Producer, error) {
	if d.Fail != nil {
		return nil, d.Fail
	}
	return newPatternProducer(d.interval(), 96, 3000), nil
}

func (d *TestPatternDevice) OpenAudio() (Producer, error) {
	if d.Fail != nil {
		return nil, d.Fail
	}
	return newPatternProducer(20*time.Millisecond, 111, 960), nil
}

type patternProducer struct {
	ticker      *time.Ticker
	payloadType uint8
	tsStep      uint32

	mu     sync.Mutex
	seq    uint16
	ts     uint32
	closed chan struct{}
	once   sync.Once
}

func newPatternProducer(interval time.Duration, pt uint8, tsStep uint32) *patternProducer {
	return &patternProducer{
		ticker:      time.NewTicker(interval),
		payloadType: pt,
		tsStep:      tsStep,
		closed:      make(chan struct{}),
	}
}

func (p *patternProducer) ReadRTP() (*rtp.Packet, error) {
	select {
	case <-p.closed:
		return nil, ErrDeviceUnavailable
	case <-p.ticker.C:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.ts += p.tsStep
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    p.payloadType,
			SequenceNumber: p.seq,
			Timestamp:      p.ts,
		},
		Payload: []byte{0},
	}, nil
}

func (p *patternProducer) Close() error {
	p.once.Do(func() {
		p.ticker.Stop()
		close(p.closed)
	})
	return nil
}
