// Package node composes one playermesh process: directory, registry,
// router, lifecycle manager, peer link server and the HTTP surface that
// serves /ws and the admin endpoints.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/playermesh/internal/cluster"
	"github.com/danmuck/playermesh/internal/config"
	"github.com/danmuck/playermesh/internal/directory"
	"github.com/danmuck/playermesh/internal/gateway"
	"github.com/danmuck/playermesh/internal/lifecycle"
	"github.com/danmuck/playermesh/internal/membership"
	"github.com/danmuck/playermesh/internal/observability"
	"github.com/danmuck/playermesh/internal/registry"
	"github.com/danmuck/playermesh/internal/router"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Node is the HTTP-facing identity of a running process.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
}

// Option adjusts a Service before it is assembled.
type Option func(*options)

type options struct {
	peers    router.Peers
	register func(cluster.Handler)
}

// WithPeers replaces the TCP peer transport and peer listener, typically
// with an in-process cluster.Network client. register, when set, receives
// the router so the fabric can deliver to it.
func WithPeers(p router.Peers, register func(cluster.Handler)) Option {
	return func(o *options) {
		o.peers = p
		o.register = register
	}
}

// Service is one running node.
type Service struct {
	cfg      config.Config
	appeared time.Time

	feed      *membership.Feed
	dir       *directory.Directory
	reg       *registry.Registry
	router    *router.Router
	lifecycle *lifecycle.Manager
	gateway   *gateway.Handler

	transport *cluster.Transport
	server    *cluster.Server
	engine    *gin.Engine

	mu     sync.Mutex
	httpLn net.Listener
	peerLn net.Listener
}

var _ Node = (*Service)(nil)

func New(cfg config.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	snap, err := cfg.Members()
	if err != nil {
		return nil, err
	}
	observability.RegisterMetrics()

	s := &Service{
		cfg:      cfg,
		appeared: time.Now(),
		feed:     membership.NewFeed(snap),
		dir:      directory.New(cfg.Node.ID, cfg.Cluster.VirtualNodes),
		reg:      registry.New(cfg.Session.EvictTimeout),
	}

	peers := o.peers
	if peers == nil {
		t, err := cluster.NewTransport(cfg.TransportConfig())
		if err != nil {
			return nil, fmt.Errorf("peer transport: %w", err)
		}
		s.transport = t
		peers = t
	}
	s.router = router.New(cfg.RouterConfig(), s.dir, s.reg, peers)
	if o.peers == nil {
		srv, err := cluster.NewServer(cfg.ServerConfig(), s.router)
		if err != nil {
			_ = s.transport.Close()
			s.router.Close()
			return nil, fmt.Errorf("peer server: %w", err)
		}
		s.server = srv
	} else if o.register != nil {
		o.register(s.router)
	}

	s.lifecycle = lifecycle.NewManager(cfg.LifecycleConfig(), s.reg, s.router)
	s.gateway = gateway.NewHandler(cfg.GatewayConfig(), s.lifecycle)
	s.engine = s.newEngine()
	s.applyMembership(context.Background(), snap)
	return s, nil
}

func (s *Service) NodeID() string {
	return s.cfg.Node.ID
}

func (s *Service) Kind() string {
	return "playermesh"
}

func (s *Service) HTTPRouter() *gin.Engine {
	return s.engine
}

func (s *Service) Router() *router.Router {
	return s.router
}

func (s *Service) Registry() *registry.Registry {
	return s.reg
}

func (s *Service) Directory() *directory.Directory {
	return s.dir
}

// Membership is the feed PUT /membership publishes to.
func (s *Service) Membership() *membership.Feed {
	return s.feed
}

// Listen binds the HTTP and peer listeners. Run calls it when needed;
// calling it first lets a caller learn the bound addresses.
func (s *Service) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		ln, err := net.Listen("tcp", s.cfg.Node.HTTPAddr)
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		s.httpLn = ln
	}
	if s.server != nil && s.peerLn == nil {
		ln, err := s.server.Listen()
		if err != nil {
			return fmt.Errorf("peer listen: %w", err)
		}
		s.peerLn = ln
	}
	return nil
}

// HTTPAddr is the bound HTTP address, empty before Listen.
func (s *Service) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// PeerAddr is the bound peer link address, empty before Listen or when peers
// are injected.
func (s *Service) PeerAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerLn == nil {
		return ""
	}
	return s.peerLn.Addr().String()
}

// Run serves until ctx ends, then closes client connections and peer links.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	httpLn, peerLn := s.httpLn, s.peerLn
	s.mu.Unlock()

	log.Info().
		Str("node", s.cfg.Node.ID).
		Str("http_addr", httpLn.Addr().String()).
		Str("peer_addr", s.PeerAddr()).
		Msg("node.Service.Run listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.watchMembership(gctx)
		return nil
	})
	if peerLn != nil {
		g.Go(func() error {
			return s.server.Serve(gctx, peerLn)
		})
	}
	httpSrv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(httpSrv)
	})
	return g.Wait()
}

func (s *Service) shutdown(httpSrv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info().Str("node", s.cfg.Node.ID).Msg("node.Service shutting down")

	var errs []error
	if err := s.lifecycle.Shutdown(ctx, "node shutting down"); err != nil {
		errs = append(errs, fmt.Errorf("close connections: %w", err))
	}
	// Hijacked websocket connections are not tracked by http.Server, so they
	// are closed through the lifecycle manager first.
	if err := httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.router.Close()
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
