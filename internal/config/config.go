// Package config loads node configuration: defaults, then an optional TOML
// file, then PLAYERMESH_* environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/playermesh/internal/membership"
	"github.com/danmuck/playermesh/internal/protocol/session"
)

const EnvPrefix = "PLAYERMESH_"

var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	Node      NodeConfig      `envPrefix:"NODE_"`
	Cluster   ClusterConfig   `envPrefix:"CLUSTER_"`
	Router    RouterConfig    `envPrefix:"ROUTER_"`
	Session   SessionConfig   `envPrefix:"SESSION_"`
	Websocket WebsocketConfig `envPrefix:"WS_"`
}

type NodeConfig struct {
	ID string `env:"ID"`
	// HTTPAddr serves /ws and the admin endpoints.
	HTTPAddr string `env:"HTTP_ADDR"`
	// PeerListenAddr accepts node-to-node links.
	PeerListenAddr string   `env:"PEER_LISTEN_ADDR"`
	CorsOrigins    []string `env:"CORS_ORIGINS" envSeparator:","`
	// AdminToken guards admin writes such as PUT /membership. Empty leaves
	// them open.
	AdminToken string `env:"ADMIN_TOKEN"`
}

type ClusterConfig struct {
	// Members are "id@peer_addr" entries, this node included.
	Members                []string      `env:"MEMBERS" envSeparator:","`
	MembershipVersion      uint64        `env:"MEMBERSHIP_VERSION"`
	VirtualNodes           int           `env:"VIRTUAL_NODES"`
	DialTimeout            time.Duration `env:"DIAL_TIMEOUT"`
	HandshakeTimeout       time.Duration `env:"HANDSHAKE_TIMEOUT"`
	RequestTimeout         time.Duration `env:"REQUEST_TIMEOUT"`
	WriteTimeout           time.Duration `env:"WRITE_TIMEOUT"`
	IdleTimeout            time.Duration `env:"IDLE_TIMEOUT"`
	SecurityMode           string        `env:"SECURITY_MODE"`
	RequireIdentityBinding bool          `env:"REQUIRE_IDENTITY_BINDING"`
	TLS                    TLSConfig     `envPrefix:"TLS_"`
}

type TLSConfig struct {
	Enabled            bool   `env:"ENABLED"`
	Mutual             bool   `env:"MUTUAL"`
	CertFile           string `env:"CERT_FILE"`
	KeyFile            string `env:"KEY_FILE"`
	CAFile             string `env:"CA_FILE"`
	ServerName         string `env:"SERVER_NAME"`
	InsecureSkipVerify bool   `env:"INSECURE_SKIP_VERIFY"`
}

type RouterConfig struct {
	AckTimeout         time.Duration `env:"ACK_TIMEOUT"`
	MaxAttempts        int           `env:"MAX_ATTEMPTS"`
	MaxHops            uint32        `env:"MAX_HOPS"`
	PeerTimeout        time.Duration `env:"PEER_TIMEOUT"`
	BackoffInitial     time.Duration `env:"BACKOFF_INITIAL"`
	BackoffMax         time.Duration `env:"BACKOFF_MAX"`
	BackoffMultiplier  float64       `env:"BACKOFF_MULTIPLIER"`
	BackoffJitter      bool          `env:"BACKOFF_JITTER"`
	ReclaimConcurrency int           `env:"RECLAIM_CONCURRENCY"`
}

type SessionConfig struct {
	IdleTimeout        time.Duration `env:"IDLE_TIMEOUT"`
	EvictTimeout       time.Duration `env:"EVICT_TIMEOUT"`
	MaxFramesPerSecond float64       `env:"MAX_FRAMES_PER_SECOND"`
	FrameBurst         int           `env:"FRAME_BURST"`
	MaxDecodeErrors    int           `env:"MAX_DECODE_ERRORS"`
	MaxFrameBytes      uint64        `env:"MAX_FRAME_BYTES"`
}

type WebsocketConfig struct {
	PingInterval time.Duration `env:"PING_INTERVAL"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT"`
	SendBuffer   int           `env:"SEND_BUFFER"`
}

func Default() Config {
	peer := session.DefaultConfig()
	return Config{
		Node: NodeConfig{
			ID:             "node-1",
			HTTPAddr:       ":8080",
			PeerListenAddr: ":7946",
		},
		Cluster: ClusterConfig{
			Members:           []string{"node-1@127.0.0.1:7946"},
			MembershipVersion: 1,
			VirtualNodes:      128,
			DialTimeout:       peer.DialTimeout,
			HandshakeTimeout:  peer.HandshakeTimeout,
			RequestTimeout:    peer.RequestTimeout,
			WriteTimeout:      peer.WriteTimeout,
			IdleTimeout:       peer.IdleTimeout,
			SecurityMode:      string(session.SecurityModeDevelopment),
		},
		Router: RouterConfig{
			AckTimeout:         500 * time.Millisecond,
			MaxAttempts:        3,
			MaxHops:            2,
			PeerTimeout:        2 * time.Second,
			BackoffInitial:     50 * time.Millisecond,
			BackoffMax:         time.Second,
			BackoffMultiplier:  2,
			BackoffJitter:      true,
			ReclaimConcurrency: 8,
		},
		Session: SessionConfig{
			IdleTimeout:        60 * time.Second,
			EvictTimeout:       2 * time.Second,
			MaxFramesPerSecond: 50,
			FrameBurst:         100,
			MaxDecodeErrors:    8,
			MaxFrameBytes:      64 * 1024,
		},
		Websocket: WebsocketConfig{
			PingInterval: 20 * time.Second,
			WriteTimeout: 5 * time.Second,
			SendBuffer:   256,
		},
	}
}

// Load resolves the node configuration. An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays PLAYERMESH_* variables; unset variables leave cfg alone.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Members parses Cluster.Members into a membership snapshot.
func (c Config) Members() (membership.Snapshot, error) {
	members := make([]membership.Member, 0, len(c.Cluster.Members))
	for i, raw := range c.Cluster.Members {
		m, err := ParseMember(raw)
		if err != nil {
			return membership.Snapshot{}, fmt.Errorf("members[%d]: %w", i, err)
		}
		members = append(members, m)
	}
	return membership.NewSnapshot(c.Cluster.MembershipVersion, members...)
}

// ParseMember reads one "id@peer_addr" entry.
func ParseMember(raw string) (membership.Member, error) {
	id, addr, ok := strings.Cut(strings.TrimSpace(raw), "@")
	id = strings.TrimSpace(id)
	addr = strings.TrimSpace(addr)
	if !ok || id == "" || addr == "" {
		return membership.Member{}, fmt.Errorf("%w: member %q must be id@addr", ErrInvalidConfig, raw)
	}
	return membership.Member{ID: id, PeerAddr: addr}, nil
}

func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if strings.TrimSpace(c.Node.ID) == "" {
		fail("node.id is required")
	}
	if strings.TrimSpace(c.Node.HTTPAddr) == "" {
		fail("node.http_addr is required")
	}
	if strings.TrimSpace(c.Node.PeerListenAddr) == "" {
		fail("node.peer_listen_addr is required")
	}
	if snap, err := c.Members(); err != nil {
		errs = append(errs, err)
	} else if len(snap.Members) > 0 && !snap.Contains(c.Node.ID) {
		fail("cluster.members does not list node %q", c.Node.ID)
	}
	if c.Cluster.MembershipVersion == 0 {
		fail("cluster.membership_version must be at least 1")
	}
	if c.Cluster.VirtualNodes <= 0 {
		fail("cluster.virtual_nodes must be positive")
	}
	switch session.NormalizeSecurityMode(session.SecurityMode(c.Cluster.SecurityMode)) {
	case session.SecurityModeDevelopment, session.SecurityModeProduction:
	default:
		fail("cluster.security_mode %q is not development or production", c.Cluster.SecurityMode)
	}
	if c.Router.AckTimeout <= 0 {
		fail("router.ack_timeout must be positive")
	}
	if c.Router.MaxAttempts <= 0 {
		fail("router.max_attempts must be positive")
	}
	if c.Router.MaxHops == 0 {
		fail("router.max_hops must be positive")
	}
	if c.Router.BackoffMultiplier < 1 {
		fail("router.backoff_multiplier must be at least 1")
	}
	if c.Session.EvictTimeout <= 0 {
		fail("session.evict_timeout must be positive")
	}
	if c.Session.IdleTimeout < 0 || c.Session.MaxFramesPerSecond < 0 || c.Session.MaxDecodeErrors < 0 {
		fail("session limits must not be negative")
	}
	if c.Session.MaxFrameBytes == 0 {
		fail("session.max_frame_bytes must be positive")
	}
	return errors.Join(errs...)
}

// fileConfig mirrors the TOML layout. Durations are strings so a file can
// say "500ms".
type fileConfig struct {
	Node struct {
		ID             string   `toml:"id"`
		HTTPAddr       string   `toml:"http_addr"`
		PeerListenAddr string   `toml:"peer_listen_addr"`
		CorsOrigins    []string `toml:"cors_origins"`
		AdminToken     string   `toml:"admin_token"`
	} `toml:"node"`
	Cluster struct {
		Members                []string `toml:"members"`
		MembershipVersion      uint64   `toml:"membership_version"`
		VirtualNodes           int      `toml:"virtual_nodes"`
		DialTimeout            string   `toml:"dial_timeout"`
		HandshakeTimeout       string   `toml:"handshake_timeout"`
		RequestTimeout         string   `toml:"request_timeout"`
		WriteTimeout           string   `toml:"write_timeout"`
		IdleTimeout            string   `toml:"idle_timeout"`
		SecurityMode           string   `toml:"security_mode"`
		RequireIdentityBinding bool     `toml:"require_identity_binding"`
		TLS                    struct {
			Enabled            bool   `toml:"enabled"`
			Mutual             bool   `toml:"mutual"`
			CertFile           string `toml:"cert_file"`
			KeyFile            string `toml:"key_file"`
			CAFile             string `toml:"ca_file"`
			ServerName         string `toml:"server_name"`
			InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
		} `toml:"tls"`
	} `toml:"cluster"`
	Router struct {
		AckTimeout         string  `toml:"ack_timeout"`
		MaxAttempts        int     `toml:"max_attempts"`
		MaxHops            uint32  `toml:"max_hops"`
		PeerTimeout        string  `toml:"peer_timeout"`
		BackoffInitial     string  `toml:"backoff_initial"`
		BackoffMax         string  `toml:"backoff_max"`
		BackoffMultiplier  float64 `toml:"backoff_multiplier"`
		BackoffJitter      bool    `toml:"backoff_jitter"`
		ReclaimConcurrency int     `toml:"reclaim_concurrency"`
	} `toml:"router"`
	Session struct {
		IdleTimeout        string  `toml:"idle_timeout"`
		EvictTimeout       string  `toml:"evict_timeout"`
		MaxFramesPerSecond float64 `toml:"max_frames_per_second"`
		FrameBurst         int     `toml:"frame_burst"`
		MaxDecodeErrors    int     `toml:"max_decode_errors"`
		MaxFrameBytes      uint64  `toml:"max_frame_bytes"`
	} `toml:"session"`
	Websocket struct {
		PingInterval string `toml:"ping_interval"`
		WriteTimeout string `toml:"write_timeout"`
		SendBuffer   int    `toml:"send_buffer"`
	} `toml:"websocket"`
}

func loadFile(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}

	o := overlay{meta: meta}
	o.str(&cfg.Node.ID, raw.Node.ID, "node", "id")
	o.str(&cfg.Node.HTTPAddr, raw.Node.HTTPAddr, "node", "http_addr")
	o.str(&cfg.Node.PeerListenAddr, raw.Node.PeerListenAddr, "node", "peer_listen_addr")
	o.list(&cfg.Node.CorsOrigins, raw.Node.CorsOrigins, "node", "cors_origins")
	o.str(&cfg.Node.AdminToken, raw.Node.AdminToken, "node", "admin_token")

	o.list(&cfg.Cluster.Members, raw.Cluster.Members, "cluster", "members")
	set(o, &cfg.Cluster.MembershipVersion, raw.Cluster.MembershipVersion, "cluster", "membership_version")
	set(o, &cfg.Cluster.VirtualNodes, raw.Cluster.VirtualNodes, "cluster", "virtual_nodes")
	o.dur(&cfg.Cluster.DialTimeout, raw.Cluster.DialTimeout, "cluster", "dial_timeout")
	o.dur(&cfg.Cluster.HandshakeTimeout, raw.Cluster.HandshakeTimeout, "cluster", "handshake_timeout")
	o.dur(&cfg.Cluster.RequestTimeout, raw.Cluster.RequestTimeout, "cluster", "request_timeout")
	o.dur(&cfg.Cluster.WriteTimeout, raw.Cluster.WriteTimeout, "cluster", "write_timeout")
	o.dur(&cfg.Cluster.IdleTimeout, raw.Cluster.IdleTimeout, "cluster", "idle_timeout")
	o.str(&cfg.Cluster.SecurityMode, raw.Cluster.SecurityMode, "cluster", "security_mode")
	set(o, &cfg.Cluster.RequireIdentityBinding, raw.Cluster.RequireIdentityBinding, "cluster", "require_identity_binding")
	tls := raw.Cluster.TLS
	set(o, &cfg.Cluster.TLS.Enabled, tls.Enabled, "cluster", "tls", "enabled")
	set(o, &cfg.Cluster.TLS.Mutual, tls.Mutual, "cluster", "tls", "mutual")
	o.str(&cfg.Cluster.TLS.CertFile, tls.CertFile, "cluster", "tls", "cert_file")
	o.str(&cfg.Cluster.TLS.KeyFile, tls.KeyFile, "cluster", "tls", "key_file")
	o.str(&cfg.Cluster.TLS.CAFile, tls.CAFile, "cluster", "tls", "ca_file")
	o.str(&cfg.Cluster.TLS.ServerName, tls.ServerName, "cluster", "tls", "server_name")
	set(o, &cfg.Cluster.TLS.InsecureSkipVerify, tls.InsecureSkipVerify, "cluster", "tls", "insecure_skip_verify")

	o.dur(&cfg.Router.AckTimeout, raw.Router.AckTimeout, "router", "ack_timeout")
	set(o, &cfg.Router.MaxAttempts, raw.Router.MaxAttempts, "router", "max_attempts")
	set(o, &cfg.Router.MaxHops, raw.Router.MaxHops, "router", "max_hops")
	o.dur(&cfg.Router.PeerTimeout, raw.Router.PeerTimeout, "router", "peer_timeout")
	o.dur(&cfg.Router.BackoffInitial, raw.Router.BackoffInitial, "router", "backoff_initial")
	o.dur(&cfg.Router.BackoffMax, raw.Router.BackoffMax, "router", "backoff_max")
	set(o, &cfg.Router.BackoffMultiplier, raw.Router.BackoffMultiplier, "router", "backoff_multiplier")
	set(o, &cfg.Router.BackoffJitter, raw.Router.BackoffJitter, "router", "backoff_jitter")
	set(o, &cfg.Router.ReclaimConcurrency, raw.Router.ReclaimConcurrency, "router", "reclaim_concurrency")

	o.dur(&cfg.Session.IdleTimeout, raw.Session.IdleTimeout, "session", "idle_timeout")
	o.dur(&cfg.Session.EvictTimeout, raw.Session.EvictTimeout, "session", "evict_timeout")
	set(o, &cfg.Session.MaxFramesPerSecond, raw.Session.MaxFramesPerSecond, "session", "max_frames_per_second")
	set(o, &cfg.Session.FrameBurst, raw.Session.FrameBurst, "session", "frame_burst")
	set(o, &cfg.Session.MaxDecodeErrors, raw.Session.MaxDecodeErrors, "session", "max_decode_errors")
	set(o, &cfg.Session.MaxFrameBytes, raw.Session.MaxFrameBytes, "session", "max_frame_bytes")

	o.dur(&cfg.Websocket.PingInterval, raw.Websocket.PingInterval, "websocket", "ping_interval")
	o.dur(&cfg.Websocket.WriteTimeout, raw.Websocket.WriteTimeout, "websocket", "write_timeout")
	set(o, &cfg.Websocket.SendBuffer, raw.Websocket.SendBuffer, "websocket", "send_buffer")

	if len(o.errs) > 0 {
		return fmt.Errorf("load config %s: %w", path, errors.Join(o.errs...))
	}
	return nil
}

// overlay copies keys present in the file onto the defaults.
type overlay struct {
	meta toml.MetaData
	errs []error
}

func set[T any](o overlay, dst *T, v T, key ...string) {
	if o.meta.IsDefined(key...) {
		*dst = v
	}
}

func (o *overlay) str(dst *string, v string, key ...string) {
	if o.meta.IsDefined(key...) {
		*dst = strings.TrimSpace(v)
	}
}

func (o *overlay) list(dst *[]string, v []string, key ...string) {
	if !o.meta.IsDefined(key...) {
		return
	}
	out := make([]string, 0, len(v))
	for _, s := range v {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func (o *overlay) dur(dst *time.Duration, v string, key ...string) {
	if !o.meta.IsDefined(key...) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("parse %s: %w", strings.Join(key, "."), err))
		return
	}
	*dst = d
}
