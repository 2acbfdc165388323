package hub

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spk364/procomp/internal/auth"
	"github.com/spk364/procomp/internal/protocol"
)

// ConnRole is the effective connection role after the accept-time downgrade.
type ConnRole string

const (
	RoleReferee ConnRole = "referee"
	RoleViewer  ConnRole = "viewer"
)

const maxInboundFrameBytes = 32 * 1024

// Conn is one live WebSocket. A receive goroutine (readPump) and a send
// goroutine (writePump, owner of the bounded queue) run per connection;
// everything is torn down when either exits.
type Conn struct {
	id           uint64
	hub          *Hub
	ws           *websocket.Conn
	claims       *auth.Claims
	role         ConnRole
	channel      string
	matchID      string
	tournamentID string

	send chan []byte
	done chan struct{}
	once sync.Once

	log *zap.Logger
}

func (c *Conn) SubjectID() string    { return c.claims.SubjectID }
func (c *Conn) Roles() []auth.Role   { return c.claims.Roles }
func (c *Conn) Role() ConnRole       { return c.role }
func (c *Conn) MatchID() string      { return c.matchID }
func (c *Conn) TournamentID() string { return c.tournamentID }

// SendFrame queues an encoded frame for this connection only.
func (c *Conn) SendFrame(f protocol.Frame) {
	payload, err := f.Encode()
	if err != nil {
		c.log.Error("failed to encode frame", zap.Error(err))
		return
	}
	c.enqueue(payload)
}

// enqueue places a payload on the bounded send queue without ever blocking
// the caller. A full queue means the client stopped draining: it is evicted
// with 1013 so one slow consumer cannot stall the dispatcher or its peers.
func (c *Conn) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.log.Warn("send queue full, evicting slow consumer")
		go c.hub.evict(c, protocol.CloseTryAgainLater, "slow_consumer")
		return false
	}
}

// readPump applies the heartbeat policy: the read deadline is pushed out by
// any client frame or pong, and a connection silent past IdleTimeout is
// evicted with 4000/"idle".
func (c *Conn) readPump() {
	c.ws.SetReadLimit(maxInboundFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.opts.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.opts.IdleTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.log.Info("idle timeout, evicting")
				c.closeWith(protocol.CloseIdle, "idle")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.opts.IdleTimeout))
		c.hub.commander.HandleCommand(c.hub.requestCtx(), c, raw)
	}
}

// writePump owns all writes to the socket: queued frames and protocol pings
// every PingInterval. Each write carries a SendTimeout deadline.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.opts.SendTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.opts.SendTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

// closeWith sends a close frame with the given code before tearing down.
func (c *Conn) closeWith(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	c.shutdown()
}

// shutdown releases the socket and unblocks both pumps. Safe to call from
// any goroutine, any number of times.
func (c *Conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
