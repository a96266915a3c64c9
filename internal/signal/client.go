package signal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/courtcast/relay/internal/domain"
)

const (
	sendBuffer   = 32
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
)

// Client is the websocket implementation of Transport. One Client carries one
// participant identity for the lifetime of the connection.
type Client struct {
	conn *websocket.Conn
	log  zerolog.Logger

	id    domain.ParticipantID
	match domain.MatchID

	mu     sync.RWMutex
	joined bool

	send   chan Envelope
	events chan Envelope
	done   chan struct{}
	once   sync.Once
}

// Dial connects to the hub signal endpoint (ws://host/api/ws/signal) and
// starts the read/write pumps. Join must be called before any send.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:   conn,
		id:     domain.ParticipantID(uuid.NewString()),
		send:   make(chan Envelope, sendBuffer),
		events: make(chan Envelope, eventBuffer),
		done:   make(chan struct{}),
	}
	c.log = log.With().Str("module", "signal.client").Str("pid", string(c.id)).Logger()

	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *Client) ID() domain.ParticipantID { return c.id }

func (c *Client) Events() <-chan Envelope { return c.events }

func (c *Client) Join(ctx context.Context, match domain.MatchID, role domain.Role, slot domain.Slot, label string) error {
	c.mu.Lock()
	c.match = match
	c.joined = true
	c.mu.Unlock()

	return c.trySend(Envelope{
		Type:  TypeJoin,
		Match: match,
		From:  c.id,
		Role:  role,
		Slot:  slot,
		Label: label,
	})
}

func (c *Client) Leave() error {
	c.mu.Lock()
	match := c.match
	c.joined = false
	c.mu.Unlock()
	return c.trySend(Envelope{Type: TypeLeave, Match: match, From: c.id})
}

func (c *Client) SendOffer(to domain.ParticipantID, sdp string) error {
	return c.relay(Envelope{Type: TypeOffer, To: to, SDP: sdp})
}

func (c *Client) SendAnswer(to domain.ParticipantID, sdp string) error {
	return c.relay(Envelope{Type: TypeAnswer, To: to, SDP: sdp})
}

func (c *Client) SendCandidate(to domain.ParticipantID, cand Candidate) error {
	return c.relay(Envelope{Type: TypeCandidate, To: to, Candidate: &cand})
}

func (c *Client) SendOfferRequest(to domain.ParticipantID) error {
	return c.relay(Envelope{Type: TypeOfferRequest, To: to})
}

func (c *Client) SendState(st MatchState) error {
	return c.relay(Envelope{Type: TypeState, State: &st})
}

func (c *Client) SendSwitch(slot domain.Slot) error {
	return c.relay(Envelope{Type: TypeSwitch, Slot: slot})
}

func (c *Client) RequestState() error {
	return c.relay(Envelope{Type: TypeRequestState})
}

func (c *Client) relay(env Envelope) error {
	c.mu.RLock()
	joined := c.joined
	env.Match = c.match
	c.mu.RUnlock()
	if !joined {
		return ErrNotJoined
	}
	env.From = c.id
	return c.trySend(env)
}

func (c *Client) trySend(env Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.log.Error().Err(err).Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Error().Err(err).Msg("writePump write")
				c.Close()
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
		close(c.events)
	}()

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
			default:
				c.log.Error().Err(err).Msg("readPump read")
			}
			return
		}
		if env.Type == TypePing {
			_ = c.trySend(Envelope{Type: TypePong})
			continue
		}
		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}
