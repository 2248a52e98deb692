package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/playermesh/internal/mailbox"
	"github.com/danmuck/playermesh/internal/observability"
	"github.com/danmuck/playermesh/internal/protocol/envelope"
	"github.com/danmuck/playermesh/internal/registry"
	"github.com/danmuck/playermesh/internal/router"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Connection is one client connection. It implements registry.Handle.
type Connection struct {
	id    uint64
	m     *Manager
	conn  Conn
	box   *mailbox.Mailbox
	state atomic.Int32

	// Owned by the mailbox goroutine.
	session      *registry.Session
	playerID     string
	decodeErrors int
	lastActivity time.Time
	outboundID   uint64
	limiter      *rate.Limiter
	idle         *time.Timer
}

var _ registry.Handle = (*Connection)(nil)

func newConnection(m *Manager, id uint64, conn Conn) *Connection {
	c := &Connection{
		id:           id,
		m:            m,
		conn:         conn,
		box:          mailbox.New(),
		lastActivity: m.now(),
	}
	c.state.Store(int32(registry.StateConnecting))
	if m.cfg.MaxFramesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(m.cfg.MaxFramesPerSecond), m.cfg.FrameBurst)
	}
	go c.box.Run()
	if m.cfg.IdleTimeout > 0 {
		c.idle = time.AfterFunc(m.cfg.IdleTimeout, c.idleFired)
	}
	return c
}

func (c *Connection) ID() uint64 {
	return c.id
}

func (c *Connection) State() registry.State {
	return registry.State(c.state.Load())
}

// Done is closed once the connection reached Closed and its mailbox drained.
func (c *Connection) Done() <-chan struct{} {
	return c.box.Done()
}

func (c *Connection) transition(to registry.State) error {
	from := c.State()
	if !canTransition(from, to) {
		return transitionError(from, to)
	}
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return transitionError(c.State(), to)
	}
	return nil
}

// Receive queues one raw frame from the transport. It reports false when the
// connection is already closed and the frame was dropped.
func (c *Connection) Receive(raw []byte) bool {
	if c.box.Post(func() { c.handleFrame(raw) }) {
		return true
	}
	log.Error().
		Uint64("connection_id", c.id).
		Str("state", c.State().String()).
		Int("bytes", len(raw)).
		Msg("lifecycle frame received on closed connection")
	return false
}

// Closed reports that the transport went away.
func (c *Connection) Closed(reason string) {
	c.box.Post(func() { c.teardown(reason, false) })
}

// Shutdown closes the connection from the server side.
func (c *Connection) Shutdown(reason string) {
	c.box.Post(func() { c.teardown(reason, true) })
}

// Deliver queues a notification for the client.
func (c *Connection) Deliver(n envelope.ReceiveNotification) error {
	if c.State() != registry.StateActive {
		return registry.ErrHandleClosed
	}
	ok := c.box.Post(func() {
		if c.State() != registry.StateActive {
			return
		}
		c.send(0, n)
	})
	if !ok {
		return registry.ErrHandleClosed
	}
	return nil
}

// Evict sends a SessionEvicted notice, closes the connection and waits for
// teardown to finish or ctx to end.
func (c *Connection) Evict(ctx context.Context, reason string) error {
	c.box.Post(func() {
		if st := c.State(); st == registry.StateClosing || st == registry.StateClosed {
			return
		}
		c.sendError(0, envelope.Errorf(envelope.CodeSessionEvicted, "%s", reason))
		c.teardown("evicted: "+reason, true)
	})
	select {
	case <-c.box.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) idleFired() {
	c.box.Post(c.checkIdle)
}

func (c *Connection) checkIdle() {
	if st := c.State(); st == registry.StateClosing || st == registry.StateClosed {
		return
	}
	idleFor := c.m.now().Sub(c.lastActivity)
	if idleFor >= c.m.cfg.IdleTimeout {
		c.teardown("idle timeout", true)
		return
	}
	c.idle.Reset(c.m.cfg.IdleTimeout - idleFor)
}

func (c *Connection) handleFrame(raw []byte) {
	if st := c.State(); st == registry.StateClosing || st == registry.StateClosed {
		log.Error().
			Uint64("connection_id", c.id).
			Str("state", st.String()).
			Msg("lifecycle frame dropped after close")
		return
	}
	now := c.m.now()
	c.lastActivity = now
	if c.session != nil {
		c.session.Touch(now)
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.sendError(0, envelope.Errorf(envelope.CodeRateLimited, "frame rate limit exceeded"))
		return
	}

	env, err := envelope.DecodeLimited(raw, c.m.cfg.Limits)
	if err != nil {
		c.decodeErrors++
		detail := err.Error()
		var de *envelope.DecodeError
		if errors.As(err, &de) {
			detail = de.Reason
		}
		log.Debug().Uint64("connection_id", c.id).Err(err).Msg("lifecycle decode failed")
		c.sendError(0, envelope.Errorf(envelope.CodeDecodeError, "%s", detail))
		if limit := c.m.cfg.MaxDecodeErrors; limit > 0 && c.decodeErrors >= limit {
			c.teardown("too many decode errors", true)
		}
		return
	}
	c.decodeErrors = 0

	switch body := env.Body.(type) {
	case envelope.Login:
		c.handleLogin(env.MessageID, body)
	case envelope.SendMessage:
		c.handleSend(env.MessageID, body)
	default:
		c.violation(env.MessageID, "%s is not accepted from clients", env.Kind())
	}
}

func (c *Connection) handleLogin(reqID uint64, login envelope.Login) {
	if c.State() != registry.StateConnecting {
		c.violation(reqID, "already logged in")
		return
	}
	playerID := strings.TrimSpace(login.Username)
	if playerID == "" {
		c.send(reqID, envelope.LoginResult{
			Success:   false,
			Message:   "username required",
			Timestamp: c.m.now().UnixMilli(),
		})
		return
	}
	if err := c.transition(registry.StateAuthenticated); err != nil {
		log.Error().Uint64("connection_id", c.id).Err(err).Msg("lifecycle login transition failed")
		return
	}

	s := registry.NewSession(playerID, c.m.cfg.NodeID, c, c.m.now())
	prior, err := c.m.reg.Put(c.m.ctx, s)
	if err != nil {
		log.Warn().Uint64("connection_id", c.id).Str("player_id", playerID).Err(err).Msg("lifecycle registry put failed")
		c.failLogin(reqID, err)
		return
	}
	c.session = s
	c.playerID = playerID

	// Still Authenticated: the owner must confirm that every other session
	// for this player is gone before this one may become Active.
	if err := c.m.router.Acquire(c.m.ctx, s); err != nil {
		log.Warn().Uint64("connection_id", c.id).Str("player_id", playerID).Err(err).Msg("lifecycle session claim failed")
		c.failLogin(reqID, err)
		return
	}
	if err := c.transition(registry.StateActive); err != nil {
		log.Error().Uint64("connection_id", c.id).Err(err).Msg("lifecycle activate transition failed")
		c.teardown("activation failed", true)
		return
	}

	observability.RecordLogin(c.m.cfg.NodeID, prior != nil)
	observability.SetSessionsActive(c.m.cfg.NodeID, c.m.reg.Len())
	log.Info().
		Uint64("connection_id", c.id).
		Str("player_id", playerID).
		Str("session_id", s.ID).
		Bool("replaced", prior != nil).
		Msg("lifecycle session active")
	c.send(reqID, envelope.LoginResult{
		Success:   true,
		Message:   "welcome",
		UserID:    playerID,
		Timestamp: c.m.now().UnixMilli(),
	})
}

// failLogin answers a login that could not take over the player and closes
// the connection.
func (c *Connection) failLogin(reqID uint64, err error) {
	msg := "login failed"
	switch {
	case errors.Is(err, registry.ErrEvictFailed):
		msg = "previous session is still closing"
	case errors.Is(err, router.ErrClaimFailed):
		msg = "player could not be claimed"
	}
	c.send(reqID, envelope.LoginResult{Success: false, Message: msg, Timestamp: c.m.now().UnixMilli()})
	c.teardown("login failed", true)
}

func (c *Connection) handleSend(reqID uint64, msg envelope.SendMessage) {
	if c.State() != registry.StateActive {
		c.violation(reqID, "login required")
		return
	}
	from := strings.TrimSpace(msg.From)
	switch {
	case from == "":
		msg.From = c.playerID
	case from != c.playerID:
		c.violation(reqID, "from %q does not match session", from)
		return
	}
	msg.To = strings.TrimSpace(msg.To)
	if msg.To == "" {
		c.violation(reqID, "recipient required")
		return
	}
	c.m.router.Route(c.m.ctx, msg, func(e envelope.Error) {
		c.box.Post(func() {
			if c.State() == registry.StateActive {
				c.sendError(reqID, e)
			}
		})
	})
}

func (c *Connection) violation(reqID uint64, format string, args ...any) {
	c.sendError(reqID, envelope.Errorf(envelope.CodeProtocolViolation, format, args...))
}

func (c *Connection) sendError(reqID uint64, e envelope.Error) {
	observability.RecordClientError(c.m.cfg.NodeID, string(e.Code))
	c.send(reqID, e)
}

// send writes body to the client. Replies echo the request's message id;
// server-initiated envelopes take the next outbound id.
func (c *Connection) send(reqID uint64, body envelope.Body) {
	id := reqID
	if id == 0 {
		c.outboundID++
		id = c.outboundID
	}
	raw, err := envelope.EncodeLimited(envelope.Envelope{MessageID: id, Body: body}, c.m.cfg.Limits)
	if err != nil {
		log.Warn().Uint64("connection_id", c.id).Str("kind", body.Kind().String()).Err(err).Msg("lifecycle encode failed")
		return
	}
	if err := c.conn.Send(raw); err != nil {
		log.Debug().Uint64("connection_id", c.id).Err(err).Msg("lifecycle send failed")
		c.teardown("send failed", true)
	}
}

// teardown moves the connection through Closing to Closed and releases its
// session. closeConn also closes the transport.
func (c *Connection) teardown(reason string, closeConn bool) {
	if err := c.transition(registry.StateClosing); err != nil {
		return
	}
	if c.idle != nil {
		c.idle.Stop()
	}
	if c.session != nil {
		if c.m.reg.Remove(c.playerID, c.session) {
			c.m.router.CancelPlayer(c.playerID)
			c.m.router.SessionClosed(c.session)
		}
	}
	if closeConn {
		if err := c.conn.Close(reason); err != nil {
			log.Debug().Uint64("connection_id", c.id).Err(err).Msg("lifecycle transport close failed")
		}
	}
	if err := c.transition(registry.StateClosed); err != nil {
		log.Error().Uint64("connection_id", c.id).Err(err).Msg("lifecycle close transition failed")
	}
	c.m.forget(c)
	c.box.Close()
	observability.RecordClose(c.m.cfg.NodeID, closeLabel(reason))
	log.Info().
		Uint64("connection_id", c.id).
		Str("player_id", c.playerID).
		Str("reason", reason).
		Msg("lifecycle connection closed")
}

// closeLabel keeps the close reason metric label set small.
func closeLabel(reason string) string {
	switch {
	case strings.HasPrefix(reason, "evicted"):
		return "evicted"
	case reason == "idle timeout", reason == "too many decode errors", reason == "send failed":
		return strings.ReplaceAll(reason, " ", "_")
	default:
		return "other"
	}
}
