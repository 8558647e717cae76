// Package signal is the WebSocket face of the orchestrator: it parses
// inbound signaling messages, calls orchestrator operations, and fans
// outbound events to per-user connection sets.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avask/parley/internal/app/orch"
	"github.com/avask/parley/internal/core"
	"github.com/avask/parley/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Orch    *orch.Orchestrator
	Limiter *RateLimiter

	ReadLimit  int64
	PingPeriod time.Duration

	mu    sync.RWMutex
	conns map[domain.UserID]map[*Conn]struct{}
	seq   atomic.Int64
}

func NewController(o *orch.Orchestrator, readLimit int64, pingPeriod time.Duration) *Controller {
	ctl := &Controller{
		Orch:       o,
		Limiter:    NewRateLimiter(10, 10*time.Second),
		ReadLimit:  readLimit,
		PingPeriod: pingPeriod,
		conns:      make(map[domain.UserID]map[*Conn]struct{}),
	}
	o.Sink = ctl
	return ctl
}

// Conn is one signal socket. A user with several tabs holds several.
type Conn struct {
	uid  domain.UserID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the socket, registers it under the caller's
// identity, pushes the full voice snapshot, and starts the pumps.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	uid := domain.UserID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("user", string(uid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &Conn{
		uid:  uid,
		conn: ws,
		send: make(chan core.Frame, 64),
	}
	ctl.register(conn)
	ctl.Orch.Sync(uid)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}

func (ctl *Controller) register(c *Conn) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	set, ok := ctl.conns[c.uid]
	if !ok {
		set = make(map[*Conn]struct{})
		ctl.conns[c.uid] = set
	}
	set[c] = struct{}{}
}

// unregister reports whether this was the user's last connection; only
// then does the disconnect teardown run.
func (ctl *Controller) unregister(c *Conn) bool {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	set, ok := ctl.conns[c.uid]
	if !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(ctl.conns, c.uid)
		return true
	}
	return false
}

func (ctl *Controller) connsOf(uid domain.UserID) []*Conn {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	set := ctl.conns[uid]
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
