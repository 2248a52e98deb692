package cluster

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/playermesh/internal/membership"
	"github.com/danmuck/playermesh/internal/protocol/frame"
	"github.com/danmuck/playermesh/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// TransportConfig configures the dialing side of peer links.
type TransportConfig struct {
	NodeID  string
	Session session.Config
	Limits  frame.Limits
}

// Transport is the TCP PeerClient. Links are dialed lazily on first use and
// re-dialed after they fail.
type Transport struct {
	client
	cfg TransportConfig

	mu      sync.Mutex
	addrs   map[string]string
	version uint64
	slots   map[string]*slot
	closed  bool
}

type slot struct {
	mu   sync.Mutex
	link *link
}

var _ PeerClient = (*Transport)(nil)

func NewTransport(cfg TransportConfig) (*Transport, error) {
	cfg.NodeID = strings.TrimSpace(cfg.NodeID)
	if cfg.NodeID == "" {
		return nil, ErrNodeIDRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if err := cfg.Session.ValidateDialer(); err != nil {
		return nil, err
	}
	t := &Transport{
		cfg:   cfg,
		addrs: make(map[string]string),
		slots: make(map[string]*slot),
	}
	t.client = client{self: cfg.NodeID, rt: t}
	return t, nil
}

// SetMembers installs the peer address book from snap. Links to nodes that
// left, or whose address changed, are closed.
func (t *Transport) SetMembers(snap membership.Snapshot) {
	next := make(map[string]string, len(snap.Members))
	for _, m := range snap.Members {
		if m.ID != t.cfg.NodeID {
			next[m.ID] = m.PeerAddr
		}
	}

	t.mu.Lock()
	stale := make([]*slot, 0)
	for id, s := range t.slots {
		if addr, ok := next[id]; !ok || addr != t.addrs[id] {
			stale = append(stale, s)
			delete(t.slots, id)
		}
	}
	t.addrs = next
	t.version = snap.Version
	t.mu.Unlock()

	for _, s := range stale {
		s.mu.Lock()
		if s.link != nil {
			s.link.close(ErrPeerRemoved)
		}
		s.mu.Unlock()
	}
}

// Close shuts every link. Later calls fail with ErrTransportClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	slots := make([]*slot, 0, len(t.slots))
	for id, s := range t.slots {
		slots = append(slots, s)
		delete(t.slots, id)
	}
	t.mu.Unlock()
	for _, s := range slots {
		s.mu.Lock()
		if s.link != nil {
			s.link.close(ErrTransportClosed)
		}
		s.mu.Unlock()
	}
	return nil
}

func (t *Transport) roundTrip(
	ctx context.Context,
	node string,
	build func(messageID uint64) ([]byte, error),
) (session.Reply, error) {
	l, err := t.link(ctx, node)
	if err != nil {
		return session.Reply{}, err
	}
	return l.call(ctx, build, t.cfg.Session.WriteTimeout)
}

func (t *Transport) link(ctx context.Context, node string) (*link, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	addr, ok := t.addrs[node]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, node)
	}
	s := t.slots[node]
	if s == nil {
		s = &slot{}
		t.slots[node] = s
	}
	version := t.version
	t.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != nil && !s.link.isClosed() {
		return s.link, nil
	}
	l, err := t.dial(ctx, node, addr, version)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPeerDown, node, err)
	}

	t.mu.Lock()
	current := !t.closed && t.slots[node] == s
	t.mu.Unlock()
	if !current {
		l.close(ErrPeerRemoved)
		return nil, ErrPeerRemoved
	}
	s.link = l
	return l, nil
}

func (t *Transport) dial(ctx context.Context, node, addr string, version uint64) (*link, error) {
	dialer := net.Dialer{Timeout: t.cfg.Session.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := t.cfg.Session.DialerTLSConfig(addr)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if tlsCfg != nil {
		tlsConn := tls.Client(conn, tlsCfg)
		hctx, cancel := context.WithTimeout(ctx, t.cfg.Session.HandshakeTimeout)
		err := tlsConn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	_ = conn.SetDeadline(time.Now().Add(t.cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	hello := session.Hello{NodeID: t.cfg.NodeID, MembershipVersion: version}
	if err := session.WriteHello(conn, hello); err != nil {
		_ = conn.Close()
		return nil, err
	}
	ack, err := session.ReadHelloAck(reader)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if ack.Status != session.AckStatusAccepted {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: code=%d message=%q", ErrHelloRejected, ack.Code, ack.Message)
	}
	if ack.NodeID != node {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: dialed %q answered %q", ErrPeerIdentity, node, ack.NodeID)
	}
	_ = conn.SetDeadline(time.Time{})

	l := newLink(node, conn, reader, t.cfg.Limits)
	go l.readLoop()
	log.Info().
		Str("node", t.cfg.NodeID).
		Str("peer", node).
		Str("addr", addr).
		Bool("tls", tlsCfg != nil).
		Msg("cluster link established")
	return l, nil
}
