package config

import (
	"github.com/danmuck/playermesh/internal/cluster"
	"github.com/danmuck/playermesh/internal/gateway"
	"github.com/danmuck/playermesh/internal/lifecycle"
	"github.com/danmuck/playermesh/internal/protocol/frame"
	"github.com/danmuck/playermesh/internal/protocol/session"
	"github.com/danmuck/playermesh/internal/router"
)

func (c Config) Backoff() session.BackoffConfig {
	return session.BackoffConfig{
		InitialDelay: c.Router.BackoffInitial,
		Multiplier:   c.Router.BackoffMultiplier,
		MaxDelay:     c.Router.BackoffMax,
		Jitter:       c.Router.BackoffJitter,
	}
}

// PeerSession is the link configuration shared by the peer server and
// transport.
func (c Config) PeerSession() session.Config {
	t := c.Cluster.TLS
	return session.Config{
		DialTimeout:      c.Cluster.DialTimeout,
		HandshakeTimeout: c.Cluster.HandshakeTimeout,
		RequestTimeout:   c.Cluster.RequestTimeout,
		WriteTimeout:     c.Cluster.WriteTimeout,
		IdleTimeout:      c.Cluster.IdleTimeout,
		Backoff:          c.Backoff(),
		SecurityMode:     session.NormalizeSecurityMode(session.SecurityMode(c.Cluster.SecurityMode)),
		TLS: session.TLSConfig{
			Enabled:            t.Enabled,
			Mutual:             t.Mutual,
			CertFile:           t.CertFile,
			KeyFile:            t.KeyFile,
			CAFile:             t.CAFile,
			ServerName:         t.ServerName,
			InsecureSkipVerify: t.InsecureSkipVerify,
		},
	}.WithDefaults()
}

func (c Config) ServerConfig() cluster.ServerConfig {
	return cluster.ServerConfig{
		NodeID:                 c.Node.ID,
		ListenAddr:             c.Node.PeerListenAddr,
		RequireIdentityBinding: c.Cluster.RequireIdentityBinding,
		Session:                c.PeerSession(),
	}
}

func (c Config) TransportConfig() cluster.TransportConfig {
	return cluster.TransportConfig{
		NodeID:  c.Node.ID,
		Session: c.PeerSession(),
	}
}

func (c Config) RouterConfig() router.Config {
	return router.Config{
		AckTimeout:         c.Router.AckTimeout,
		MaxAttempts:        c.Router.MaxAttempts,
		MaxHops:            c.Router.MaxHops,
		PeerTimeout:        c.Router.PeerTimeout,
		Backoff:            c.Backoff(),
		ReclaimConcurrency: c.Router.ReclaimConcurrency,
	}
}

func (c Config) LifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		NodeID:             c.Node.ID,
		IdleTimeout:        c.Session.IdleTimeout,
		MaxFramesPerSecond: c.Session.MaxFramesPerSecond,
		FrameBurst:         c.Session.FrameBurst,
		MaxDecodeErrors:    c.Session.MaxDecodeErrors,
		Limits:             frame.Limits{MaxPayloadBytes: c.Session.MaxFrameBytes},
	}
}

func (c Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		ReadLimit:      int64(c.Session.MaxFrameBytes) + int64(frame.FixedHeaderLen),
		WriteTimeout:   c.Websocket.WriteTimeout,
		PingInterval:   c.Websocket.PingInterval,
		SendBuffer:     c.Websocket.SendBuffer,
		AllowedOrigins: c.Node.CorsOrigins,
	}
}
