package cluster

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/playermesh/internal/observability"
	"github.com/danmuck/playermesh/internal/protocol/frame"
	"github.com/danmuck/playermesh/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const maxInflightPerLink = 64

// Hello rejection codes.
const (
	CodeInvalidHello     uint32 = 1001
	CodeIdentityMismatch uint32 = 1002
	CodeSelfDial         uint32 = 1003
)

// ServerConfig configures the accepting side of peer links.
type ServerConfig struct {
	NodeID     string
	ListenAddr string
	// RequireIdentityBinding rejects a hello whose node id differs from the
	// peer certificate identity.
	RequireIdentityBinding bool
	Session                session.Config
	Limits                 frame.Limits
}

type peerAuth struct {
	PeerIdentity  string
	Authenticated bool
}

// Server accepts peer links and serves their requests.
type Server struct {
	cfg     ServerConfig
	handler Handler

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	active  atomic.Int64
	wg      sync.WaitGroup
}

func NewServer(cfg ServerConfig, h Handler) (*Server, error) {
	cfg.NodeID = strings.TrimSpace(cfg.NodeID)
	if cfg.NodeID == "" {
		return nil, ErrNodeIDRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	if err := cfg.Session.ValidateListener(); err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		handler: h,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Listen opens the peer listener, TLS when configured.
func (s *Server) Listen() (net.Listener, error) {
	tlsCfg, err := s.cfg.Session.ListenerTLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts peer links on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// ActiveLinks reports the number of accepted peer links.
func (s *Server) ActiveLinks() int {
	return int(s.active.Load())
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()

	auth, err := s.authenticateConn(conn)
	if err != nil {
		log.Warn().Str("remote", remote).Err(err).Msg("cluster.Server transport auth failed")
		return
	}
	reader := bufio.NewReader(conn)
	hello, ack := s.handshake(conn, reader, auth)
	if err := session.WriteHelloAck(conn, ack); err != nil {
		log.Warn().Str("remote", remote).Err(err).Msg("cluster.Server write hello ack failed")
		return
	}
	if ack.Status != session.AckStatusAccepted {
		return
	}
	_ = conn.SetDeadline(time.Time{})

	active := s.active.Add(1)
	log.Info().
		Str("node", s.cfg.NodeID).
		Str("peer", hello.NodeID).
		Str("remote", remote).
		Int64("active_links", active).
		Msg("cluster.Server peer connected")
	defer func() {
		remaining := s.active.Add(-1)
		log.Info().
			Str("peer", hello.NodeID).
			Int64("active_links", remaining).
			Msg("cluster.Server peer disconnected")
	}()

	var writeMu sync.Mutex
	var inflight sync.WaitGroup
	defer inflight.Wait()
	sem := semaphore.NewWeighted(maxInflightPerLink)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Session.IdleTimeout))
		fr, err := frame.ReadFrame(reader, s.cfg.Limits)
		if err != nil {
			return
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer sem.Release(1)
			s.serveRequest(ctx, conn, &writeMu, hello.NodeID, fr)
		}()
	}
}

func (s *Server) serveRequest(ctx context.Context, conn net.Conn, writeMu *sync.Mutex, peer string, fr frame.Frame) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.Session.RequestTimeout)
	defer cancel()
	kind, rep := dispatch(rctx, s.handler, fr)
	var err error
	if !rep.Acked() {
		err = fmt.Errorf("%w: %s", ErrPeerNack, rep.Reason)
	}
	observability.RecordPeerRequest(s.cfg.NodeID, "inbound", kind, err)

	payload, err := session.EncodeReplyFrame(fr.Header.MessageID, rep)
	if err != nil {
		log.Warn().Str("peer", peer).Err(err).Msg("cluster.Server encode reply failed")
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
	if _, err := conn.Write(payload); err != nil {
		log.Debug().Str("peer", peer).Err(err).Msg("cluster.Server write reply failed")
		_ = conn.Close()
	}
}

func (s *Server) handshake(conn net.Conn, reader *bufio.Reader, auth peerAuth) (session.Hello, session.HelloAck) {
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	now := uint64(time.Now().UnixMilli())
	reject := func(code uint32, msg string) session.HelloAck {
		return session.HelloAck{
			Status:      session.AckStatusRejected,
			Code:        code,
			Message:     msg,
			NodeID:      s.cfg.NodeID,
			TimestampMS: now,
		}
	}

	hello, err := session.ReadHello(reader)
	if err != nil {
		log.Warn().Err(err).Msg("cluster.Server read hello failed")
		return session.Hello{}, reject(CodeInvalidHello, "invalid hello payload")
	}
	if hello.NodeID == s.cfg.NodeID {
		return hello, reject(CodeSelfDial, "node dialed itself")
	}
	if s.cfg.RequireIdentityBinding && auth.Authenticated && auth.PeerIdentity != hello.NodeID {
		log.Warn().
			Str("node_id", hello.NodeID).
			Str("peer_identity", auth.PeerIdentity).
			Msg("cluster.Server tls identity mismatch")
		return hello, reject(CodeIdentityMismatch, "identity binding failure")
	}
	return hello, session.HelloAck{
		Status:      session.AckStatusAccepted,
		Message:     "linked",
		NodeID:      s.cfg.NodeID,
		TimestampMS: now,
	}
}

// authenticateConn completes the TLS handshake and extracts the peer
// identity when the link is encrypted.
func (s *Server) authenticateConn(conn net.Conn) (peerAuth, error) {
	mode := session.NormalizeSecurityMode(s.cfg.Session.SecurityMode)
	if !s.cfg.Session.TLS.Enabled {
		if mode == session.SecurityModeProduction {
			return peerAuth{}, session.ErrTLSRequired
		}
		return peerAuth{}, nil
	}
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return peerAuth{}, fmt.Errorf("cluster: expected tls connection")
	}
	_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return peerAuth{}, err
	}
	state := tlsConn.ConnectionState()
	needPeer := s.cfg.Session.TLS.Mutual || mode == session.SecurityModeProduction
	if !needPeer && len(state.PeerCertificates) == 0 {
		return peerAuth{}, nil
	}
	if len(state.PeerCertificates) == 0 {
		return peerAuth{}, session.ErrMTLSRequired
	}
	id := session.PeerIdentityFromCert(state.PeerCertificates[0])
	if id == "" {
		return peerAuth{}, fmt.Errorf("cluster: empty peer identity from certificate")
	}
	return peerAuth{PeerIdentity: id, Authenticated: true}, nil
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
