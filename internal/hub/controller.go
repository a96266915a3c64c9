package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/courtcast/relay/internal/config"
	"github.com/courtcast/relay/internal/domain"
	"github.com/courtcast/relay/internal/signal"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsConn struct {
	conn *websocket.Conn
	send chan signal.Envelope
	done chan struct{}
	once sync.Once
}

func (c *wsConn) TrySend(env signal.Envelope) error {
	select {
	case <-c.done:
		return signal.ErrClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		return signal.ErrBackpressure
	}
}

func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Controller bridges one websocket to the hub. One connection carries one
// participant; identity is taken from the join envelope.
type Controller struct {
	Hub *Hub
	Cfg *config.Config
}

func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := c.GetString("client_token")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "hub.ws").Msg("upgrade failed")
		return
	}
	if ctl.Cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Cfg.ReadLimit)
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan signal.Envelope, 32),
		done: make(chan struct{}),
	}

	log.Info().Str("module", "hub.ws").Str("sid", sid).Msg("signal connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	pingPeriod := ctl.Cfg.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case env := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				c.Close()
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				log.Debug().Err(err).Str("module", "hub.ws").Msg("writePump write")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	var (
		pid     domain.ParticipantID
		matchID domain.MatchID
	)
	defer func() {
		if pid != "" {
			ctl.Hub.Leave(context.Background(), matchID, pid)
		}
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var env signal.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case signal.TypeJoin:
			if env.From == "" || env.Match == "" {
				_ = c.TrySend(signal.Envelope{Type: signal.TypeError, Error: "join requires identity and match"})
				continue
			}
			// One connection, one identity. A rebind would orphan the
			// first registration until the socket dies.
			if pid != "" && env.From != pid {
				_ = c.TrySend(signal.Envelope{Type: signal.TypeError, Error: "connection already bound to another identity"})
				continue
			}
			pid = env.From
			matchID = env.Match
			ctl.Hub.Join(ctx, env, c)
		case signal.TypeLeave:
			if pid != "" {
				ctl.Hub.Leave(ctx, matchID, pid)
				pid = ""
			}
		case signal.TypeOffer, signal.TypeAnswer, signal.TypeCandidate, signal.TypeOfferRequest:
			if pid == "" {
				continue
			}
			env.From = pid
			env.Match = matchID
			ctl.Hub.Relay(env)
		case signal.TypeState:
			if pid == "" {
				continue
			}
			env.From = pid
			env.Match = matchID
			ctl.Hub.HandleState(env)
		case signal.TypeSwitch:
			if pid == "" {
				continue
			}
			env.From = pid
			env.Match = matchID
			ctl.Hub.HandleSwitch(env)
		case signal.TypeRequestState:
			if pid == "" {
				continue
			}
			env.From = pid
			env.Match = matchID
			ctl.Hub.HandleRequestState(env)
		case signal.TypePing:
			_ = c.TrySend(signal.Envelope{Type: signal.TypePong})
		case signal.TypePong:
		default:
			log.Debug().Str("module", "hub.ws").Str("type", string(env.Type)).Msg("unknown signal")
		}
	}
}
