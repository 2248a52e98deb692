// Package gateway accepts client websocket connections and hands their
// binary frames to the lifecycle manager.
package gateway

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/playermesh/internal/lifecycle"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrSendBufferFull = errors.New("gateway: send buffer full")
	ErrClosed         = errors.New("gateway: connection closed")
)

type Config struct {
	// ReadLimit caps a single inbound websocket message.
	ReadLimit    int64
	WriteTimeout time.Duration
	PingInterval time.Duration
	// PongWait is how long a connection may stay silent, pongs included.
	PongWait   time.Duration
	SendBuffer int
	// AllowedOrigins lists scheme://host origins; empty allows any.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		ReadLimit:    64 * 1024,
		WriteTimeout: 5 * time.Second,
		PingInterval: 20 * time.Second,
		PongWait:     50 * time.Second,
		SendBuffer:   256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 5 / 2
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	return c
}

// Opener starts the lifecycle of one transport connection.
type Opener interface {
	Open(conn lifecycle.Conn) *lifecycle.Connection
}

// Handler upgrades HTTP requests to websocket client connections.
type Handler struct {
	cfg      Config
	opener   Opener
	upgrader websocket.Upgrader
}

func NewHandler(cfg Config, opener Opener) *Handler {
	cfg = cfg.withDefaults()
	return &Handler{
		cfg:    cfg,
		opener: opener,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Str("remote", r.RemoteAddr).Err(err).Msg("gateway upgrade failed")
		return
	}
	conn := newConn(ws, h.cfg)
	lc := h.opener.Open(conn)
	go conn.writeLoop()
	conn.readLoop(lc)
}

// Conn adapts a websocket to lifecycle.Conn. Writes go through a buffered
// queue drained by one writer goroutine.
type Conn struct {
	ws     *websocket.Conn
	cfg    Config
	remote string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	closeReason string
}

var _ lifecycle.Conn = (*Conn)(nil)

func newConn(ws *websocket.Conn, cfg Config) *Conn {
	return &Conn{
		ws:     ws,
		cfg:    cfg,
		remote: ws.RemoteAddr().String(),
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Conn) RemoteAddr() string {
	return c.remote
}

// Send queues one binary message. It never blocks; a full queue is an error
// and the lifecycle closes the connection.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close flushes queued messages, sends a close frame and drops the socket.
func (c *Conn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *Conn) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *Conn) readLoop(lc *lifecycle.Connection) {
	c.ws.SetReadLimit(c.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	reason := "client closed"
	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				reason = "read timeout"
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				reason = "read error"
				log.Debug().Str("remote", c.remote).Err(err).Msg("gateway read failed")
			}
			break
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		if kind != websocket.BinaryMessage {
			// Text frames still reach the decoder and count as decode errors.
			log.Debug().Str("remote", c.remote).Int("type", kind).Msg("gateway non-binary message")
		}
		if !lc.Receive(payload) {
			reason = "connection closed"
			break
		}
	}
	lc.Closed(reason)
	_ = c.Close(reason)
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				log.Debug().Str("remote", c.remote).Err(err).Msg("gateway write failed")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				log.Debug().Str("remote", c.remote).Err(err).Msg("gateway ping failed")
				return
			}
		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncateReason(c.reason()))
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(msg []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, msg)
}

// truncateReason keeps a close reason inside the 123 byte control payload.
func truncateReason(reason string) string {
	const limit = 123
	if len(reason) <= limit {
		return reason
	}
	return reason[:limit]
}
