// Package registry is the per-node table of live player sessions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/danmuck/playermesh/internal/protocol/envelope"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const stripeCount = 64

var (
	ErrInvalidSession = errors.New("registry: invalid session")
	ErrHandleClosed   = errors.New("registry: session handle closed")
	ErrEvictFailed    = errors.New("registry: previous session did not close")
)

// State is the connection lifecycle phase.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handle is the registry's non-owning reference to a connection.
type Handle interface {
	ID() uint64
	State() State
	// Deliver queues a notification for the connection's client.
	Deliver(n envelope.ReceiveNotification) error
	// Evict asks the connection to close and blocks until it has left
	// Active or ctx ends.
	Evict(ctx context.Context, reason string) error
}

// Session is one live player session owned by this node. ID is unique across
// the cluster and names this session in presence claims and kicks.
type Session struct {
	ID        string
	PlayerID  string
	NodeID    string
	CreatedAt time.Time
	Handle    Handle

	lastActive atomic.Int64
}

func NewSession(playerID, nodeID string, h Handle, now time.Time) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		PlayerID:  playerID,
		NodeID:    nodeID,
		CreatedAt: now,
		Handle:    h,
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

func (s *Session) Touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

func (s *Session) LastActiveAt() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Info is a read-only session view for admin endpoints.
type Info struct {
	SessionID    string    `json:"session_id"`
	PlayerID     string    `json:"player_id"`
	NodeID       string    `json:"node_id"`
	ConnectionID uint64    `json:"connection_id"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

func (s *Session) Info() Info {
	info := Info{
		SessionID:    s.ID,
		PlayerID:     s.PlayerID,
		NodeID:       s.NodeID,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt(),
	}
	if s.Handle != nil {
		info.ConnectionID = s.Handle.ID()
		info.State = s.Handle.State().String()
	}
	return info
}

// Registry maps PlayerId to the single live Session on this node.
//
// Reads take only the map lock. Put is serialized per player by a striped
// lock so that eviction of the previous session finishes before the new one
// is visible. Remove takes only the map lock, which lets an evicted
// connection tear itself down while its successor's Put is waiting.
type Registry struct {
	evictTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	stripes [stripeCount]sync.Mutex
}

func New(evictTimeout time.Duration) *Registry {
	if evictTimeout <= 0 {
		evictTimeout = 2 * time.Second
	}
	return &Registry{
		evictTimeout: evictTimeout,
		sessions:     make(map[string]*Session),
	}
}

func (r *Registry) stripe(playerID string) *sync.Mutex {
	return &r.stripes[xxhash.Sum64String(playerID)%stripeCount]
}

// Put installs s as the live session for s.PlayerID. A previous session for
// the same player is evicted first and returned. If that eviction does not
// finish within the evict timeout, s is not installed and the error wraps
// ErrEvictFailed.
func (r *Registry) Put(ctx context.Context, s *Session) (*Session, error) {
	if s == nil || strings.TrimSpace(s.PlayerID) == "" || s.Handle == nil {
		return nil, ErrInvalidSession
	}
	lock := r.stripe(s.PlayerID)
	lock.Lock()
	defer lock.Unlock()

	prior, _ := r.Get(s.PlayerID)
	if prior != nil && prior != s {
		evictCtx, cancel := context.WithTimeout(ctx, r.evictTimeout)
		err := prior.Handle.Evict(evictCtx, "replaced by newer login")
		cancel()
		if err != nil {
			log.Warn().
				Str("player_id", s.PlayerID).
				Uint64("prior_connection", prior.Handle.ID()).
				Err(err).
				Msg("registry.Put eviction did not complete")
			return prior, fmt.Errorf("%w: %v", ErrEvictFailed, err)
		}
	}

	r.mu.Lock()
	r.sessions[s.PlayerID] = s
	r.mu.Unlock()
	return prior, nil
}

func (r *Registry) Get(playerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[playerID]
	return s, ok
}

// Remove deletes the entry for playerID only if it is still s.
func (r *Registry) Remove(playerID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[playerID]
	if !ok || cur != s {
		return false
	}
	delete(r.sessions, playerID)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ForEachLocal calls fn for a point-in-time copy of the sessions, in player
// id order, until fn returns false.
func (r *Registry) ForEachLocal(fn func(*Session) bool) {
	for _, s := range r.list() {
		if !fn(s) {
			return
		}
	}
}

// Snapshot returns session views sorted by player id.
func (r *Registry) Snapshot() []Info {
	list := r.list()
	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	return out
}

func (r *Registry) list() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}
