// Package hub owns the per-process WebSocket connection registry, the
// refcounted channel subscription index, heartbeat and eviction policy, the
// per-match timer ticker and the bus-to-local broadcast dispatcher.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spk364/procomp/internal/auth"
	"github.com/spk364/procomp/internal/bus"
	"github.com/spk364/procomp/internal/match"
	"github.com/spk364/procomp/internal/metrics"
	"github.com/spk364/procomp/internal/protocol"
	"github.com/spk364/procomp/internal/store"
)

// Commander is the slice of the command router the hub needs: inbound frame
// handling for connections and durable timer writes for the ticker.
type Commander interface {
	HandleCommand(ctx context.Context, c *Conn, raw []byte)
	SyncTimer(ctx context.Context, matchID string, remaining uint32) (*match.Match, error)
	ExpireTimer(ctx context.Context, matchID string) (*match.Match, error)
	Snapshot(ctx context.Context, matchID string, sinceVersion uint64) (protocol.Frame, error)
}

// Options are the tunables from configuration.
type Options struct {
	PingInterval  time.Duration
	IdleTimeout   time.Duration
	SendTimeout   time.Duration
	SendQueueSize int
}

// Hub is the per-process connection registry and subscription index.
type Hub struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	bus     bus.Bus
	leaser  bus.Leaser
	store   store.Store
	opts    Options

	// instanceID identifies this process as a lease holder.
	instanceID string

	commander Commander

	mu       sync.RWMutex
	channels map[string]*channelState
	closed   bool

	nextConnID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	upgrader websocket.Upgrader
}

// channelState is the refcounted per-channel fan-out state. The bus
// subscription is opened by the first local subscriber and closed by the
// last.
type channelState struct {
	name   string
	conns  map[uint64]*Conn
	sub    bus.Subscription
	ticker *matchTicker
}

func New(log *zap.Logger, m *metrics.Metrics, b bus.Bus, l bus.Leaser, s store.Store, opts Options) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		log:        log.With(zap.String("module", "hub")),
		metrics:    m,
		bus:        b,
		leaser:     l,
		store:      s,
		opts:       opts,
		instanceID: uuid.NewString(),
		channels:   make(map[string]*channelState),
		ctx:        ctx,
		cancel:     cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// SetCommander wires the command router in after construction.
func (h *Hub) SetCommander(c Commander) { h.commander = c }

// MatchChannel and TournamentChannel build canonical channel names.
func MatchChannel(matchID string) string           { return "match:" + matchID }
func TournamentChannel(tournamentID string) string { return "tournament:" + tournamentID }

// ServeMatch upgrades and runs one match-channel connection.
func (h *Hub) ServeMatch(w http.ResponseWriter, r *http.Request, verifier *auth.Verifier, matchID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	claims, ok := h.authenticate(ws, r, verifier)
	if !ok {
		return
	}

	role := RoleViewer
	if r.URL.Query().Get("role") == "referee" && auth.CanMutate(claims.Roles) {
		role = RoleReferee
	}

	var sinceVersion uint64
	if raw := r.URL.Query().Get("sinceVersion"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			sinceVersion = v
		}
	}

	// Register before building the snapshot so that events accepted while
	// the snapshot loads reach the live stream. Duplicates between the two
	// are reconciled by version; a gap cannot be.
	c := h.newConn(ws, claims, role, MatchChannel(matchID), matchID, "")
	if c == nil {
		return
	}

	snapshot, err := h.commander.Snapshot(h.requestCtx(), matchID, sinceVersion)
	if err != nil {
		// The write pump is not running yet, so the socket is still ours.
		if errors.Is(err, store.ErrNotFound) {
			if payload, encErr := protocol.ErrorFrame(protocol.KindNotFound, "match not found", "").Encode(); encErr == nil {
				_ = ws.WriteMessage(websocket.TextMessage, payload)
			}
			c.closeWith(protocol.ClosePolicyViolation, "match not found")
		} else {
			c.closeWith(protocol.CloseServerError, "snapshot failed")
		}
		h.removeConn(c)
		return
	}
	c.SendFrame(snapshot)
	h.broadcastStatus(MatchChannel(matchID))
	h.runConn(c)
}

// ServeTournament upgrades and runs one tournament-channel connection.
// Tournament feeds are read-only; every subscriber is a viewer.
func (h *Hub) ServeTournament(w http.ResponseWriter, r *http.Request, verifier *auth.Verifier, tournamentID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	claims, ok := h.authenticate(ws, r, verifier)
	if !ok {
		return
	}
	c := h.newConn(ws, claims, RoleViewer, TournamentChannel(tournamentID), "", tournamentID)
	if c == nil {
		return
	}
	h.runConn(c)
}

// authenticate verifies the bearer token post-upgrade so the client receives
// a proper close code rather than a failed HTTP handshake.
func (h *Hub) authenticate(ws *websocket.Conn, r *http.Request, verifier *auth.Verifier) (*auth.Claims, bool) {
	token := auth.BearerFromRequest(r)
	if token == "" {
		h.refuse(ws, protocol.CloseUnauthenticated, "missing token")
		return nil, false
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		h.log.Info("rejected connection", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		h.refuse(ws, protocol.CloseUnauthenticated, "invalid token")
		return nil, false
	}
	return claims, true
}

func (h *Hub) refuse(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}

// newConn registers a connection on its channel, opening the bus
// subscription and the ticker on the first subscriber.
func (h *Hub) newConn(ws *websocket.Conn, claims *auth.Claims, role ConnRole, channel, matchID, tournamentID string) *Conn {
	c := &Conn{
		id:           h.nextConnID.Add(1),
		hub:          h,
		ws:           ws,
		claims:       claims,
		role:         role,
		channel:      channel,
		matchID:      matchID,
		tournamentID: tournamentID,
		send:         make(chan []byte, h.opts.SendQueueSize),
		done:         make(chan struct{}),
	}
	c.log = h.log.With(
		zap.Uint64("conn_id", c.id),
		zap.String("subject_id", claims.SubjectID),
		zap.String("channel", channel),
		zap.String("role", string(role)),
	)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.refuse(ws, protocol.CloseServerError, "shutting down")
		return nil
	}
	cs, ok := h.channels[channel]
	if !ok {
		sub, err := h.bus.Subscribe(h.ctx, channel)
		if err != nil {
			h.mu.Unlock()
			h.log.Error("bus subscribe failed", zap.String("channel", channel), zap.Error(err))
			h.refuse(ws, protocol.CloseServerError, "subscription failed")
			return nil
		}
		cs = &channelState{name: channel, conns: make(map[uint64]*Conn), sub: sub}
		if matchID != "" {
			cs.ticker = newMatchTicker(h, matchID, channel)
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				cs.ticker.run(h.ctx)
			}()
		}
		h.channels[channel] = cs
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.dispatch(cs)
		}()
	}
	cs.conns[c.id] = c
	h.mu.Unlock()

	h.metrics.WSConnections.Inc()
	c.log.Info("connection established")
	return c
}

// runConn blocks on the read pump until the connection dies, then cleans up.
func (h *Hub) runConn(c *Conn) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	c.readPump()
	h.removeConn(c)
}

// removeConn drops the connection from the index; the last subscriber of a
// channel closes the bus subscription and stops the ticker.
func (h *Hub) removeConn(c *Conn) {
	h.mu.Lock()
	cs, ok := h.channels[c.channel]
	if ok {
		if _, present := cs.conns[c.id]; !present {
			ok = false
		}
		delete(cs.conns, c.id)
		if len(cs.conns) == 0 {
			delete(h.channels, c.channel)
			_ = cs.sub.Close()
			if cs.ticker != nil {
				cs.ticker.stop()
			}
			h.metrics.PubSubBacklog.DeleteLabelValues(c.channel)
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	h.metrics.WSConnections.Dec()
	c.shutdown()
	c.log.Info("connection closed")
	if c.matchID != "" {
		h.broadcastStatus(c.channel)
	}
}

// evict closes a connection with a close code and removes it.
func (h *Hub) evict(c *Conn, code int, reason string) {
	c.closeWith(code, reason)
	h.removeConn(c)
}

// Stats returns the local subscriber breakdown of a channel.
func (h *Hub) Stats(channel string) (referees, viewers int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cs, ok := h.channels[channel]
	if !ok {
		return 0, 0
	}
	for _, c := range cs.conns {
		if c.role == RoleReferee {
			referees++
		} else {
			viewers++
		}
	}
	return referees, viewers
}

// ChannelStats is the subscriber breakdown of one channel.
type ChannelStats struct {
	Referees int `json:"referees"`
	Viewers  int `json:"viewers"`
}

// ChannelsSnapshot returns the subscriber breakdown of every open channel
// on this instance.
func (h *Hub) ChannelsSnapshot() map[string]ChannelStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]ChannelStats, len(h.channels))
	for name, cs := range h.channels {
		var st ChannelStats
		for _, c := range cs.conns {
			if c.role == RoleReferee {
				st.Referees++
			} else {
				st.Viewers++
			}
		}
		out[name] = st
	}
	return out
}

// ConnectionCount is the number of open connections on this instance.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, cs := range h.channels {
		n += len(cs.conns)
	}
	return n
}

// broadcastStatus tells local subscribers of a match channel who is in the
// room. Counts are instance-local.
func (h *Hub) broadcastStatus(channel string) {
	referees, viewers := h.Stats(channel)
	frame, err := protocol.NewFrame(protocol.TypeConnectionStatus, protocol.ConnectionStatusData{
		Connected:    true,
		ClientCount:  referees + viewers,
		RefereeCount: referees,
		ViewerCount:  viewers,
	})
	if err != nil {
		return
	}
	payload, err := frame.Encode()
	if err != nil {
		return
	}
	h.mu.RLock()
	cs, ok := h.channels[channel]
	var conns []*Conn
	if ok {
		conns = make([]*Conn, 0, len(cs.conns))
		for _, c := range cs.conns {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.enqueue(payload)
	}
}

// publishFrame encodes and publishes a frame to the bus.
func (h *Hub) publishFrame(ctx context.Context, channel string, f protocol.Frame) error {
	payload, err := f.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := h.bus.Publish(ctx, channel, payload); err != nil {
		return err
	}
	h.metrics.MessagesPublished.Inc()
	return nil
}

func (h *Hub) requestCtx() context.Context {
	return h.ctx
}

// Shutdown closes every connection and stops dispatchers and tickers.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	var conns []*Conn
	for _, cs := range h.channels {
		for _, c := range cs.conns {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.evict(c, protocol.CloseNormal, "server shutdown")
	}
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
