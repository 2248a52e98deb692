// Package lifecycle runs the per-connection session state machine:
// Connecting -> Authenticated -> Active -> Closing -> Closed.
//
// Every connection owns a mailbox. Inbound frames, router replies, local
// deliveries, idle checks and eviction all run inside it, so a connection's
// state is only ever touched by one goroutine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/playermesh/internal/observability"
	"github.com/danmuck/playermesh/internal/protocol/envelope"
	"github.com/danmuck/playermesh/internal/protocol/frame"
	"github.com/danmuck/playermesh/internal/registry"
	"github.com/danmuck/playermesh/internal/router"
	"github.com/rs/zerolog/log"
)

var (
	ErrLifecycleOrder = errors.New("lifecycle: invalid state transition")
	ErrConnClosed     = errors.New("lifecycle: connection closed")
)

// Conn is the transport side of one client connection.
type Conn interface {
	// Send writes one encoded envelope to the client.
	Send(frame []byte) error
	Close(reason string) error
	RemoteAddr() string
}

// Router is what a connection needs from the message router.
type Router interface {
	Route(ctx context.Context, msg envelope.SendMessage, reply router.Reply)
	CancelPlayer(playerID string) int
	// Acquire returns once no other session for the player is active in
	// the cluster.
	Acquire(ctx context.Context, s *registry.Session) error
	SessionClosed(s *registry.Session)
}

type Config struct {
	NodeID string
	// IdleTimeout closes connections with no inbound frames; zero disables.
	IdleTimeout time.Duration
	// MaxFramesPerSecond limits inbound frames per connection; zero disables.
	MaxFramesPerSecond float64
	FrameBurst         int
	// MaxDecodeErrors closes a connection after that many consecutive
	// undecodable frames; zero disables.
	MaxDecodeErrors int
	Limits          frame.Limits
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:        60 * time.Second,
		MaxFramesPerSecond: 50,
		FrameBurst:         100,
		MaxDecodeErrors:    8,
		Limits:             envelope.DefaultLimits(),
	}
}

// Manager opens connections and tracks the live ones.
type Manager struct {
	cfg    Config
	reg    *registry.Registry
	router Router
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	nextID atomic.Uint64
	mu     sync.Mutex
	conns  map[uint64]*Connection
}

func NewManager(cfg Config, reg *registry.Registry, r Router) *Manager {
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = envelope.DefaultLimits()
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		reg:    reg,
		router: r,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[uint64]*Connection),
	}
}

// Open accepts a transport connection in Connecting state.
func (m *Manager) Open(conn Conn) *Connection {
	c := newConnection(m, m.nextID.Add(1), conn)
	m.mu.Lock()
	m.conns[c.id] = c
	n := len(m.conns)
	m.mu.Unlock()
	observability.SetConnectionsOpen(m.cfg.NodeID, n)
	log.Debug().
		Uint64("connection_id", c.id).
		Str("remote", conn.RemoteAddr()).
		Msg("lifecycle connection opened")
	return c
}

func (m *Manager) forget(c *Connection) {
	m.mu.Lock()
	delete(m.conns, c.id)
	n := len(m.conns)
	m.mu.Unlock()
	observability.SetConnectionsOpen(m.cfg.NodeID, n)
	observability.SetSessionsActive(m.cfg.NodeID, m.reg.Len())
}

// Len reports open connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Shutdown closes every connection and waits for them to finish or ctx to
// end.
func (m *Manager) Shutdown(ctx context.Context, reason string) error {
	m.cancel()
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Shutdown(reason)
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// allowed lists the legal state transitions.
var allowed = map[registry.State][]registry.State{
	registry.StateConnecting:    {registry.StateAuthenticated, registry.StateClosing},
	registry.StateAuthenticated: {registry.StateActive, registry.StateClosing},
	registry.StateActive:        {registry.StateClosing},
	registry.StateClosing:       {registry.StateClosed},
}

func canTransition(from, to registry.State) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

func transitionError(from, to registry.State) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}
