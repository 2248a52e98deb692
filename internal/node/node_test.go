package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/playermesh/internal/cluster"
	"github.com/danmuck/playermesh/internal/config"
	"github.com/danmuck/playermesh/internal/membership"
	"github.com/danmuck/playermesh/internal/protocol/envelope"
	"github.com/danmuck/playermesh/internal/router"
	"github.com/danmuck/playermesh/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(id string) config.Config {
	cfg := config.Default()
	cfg.Node.ID = id
	cfg.Node.HTTPAddr = "127.0.0.1:0"
	cfg.Node.PeerListenAddr = "127.0.0.1:0"
	cfg.Cluster.Members = []string{id + "@127.0.0.1:0"}
	cfg.Router.AckTimeout = 200 * time.Millisecond
	cfg.Router.BackoffInitial = 5 * time.Millisecond
	cfg.Router.BackoffMax = 20 * time.Millisecond
	cfg.Session.IdleTimeout = 0
	return cfg
}

func inProcessService(t *testing.T, net *cluster.Network, id string) *Service {
	t.Helper()
	svc, err := New(testConfig(id), WithPeers(net.Client(id), func(h cluster.Handler) {
		net.Register(id, h)
	}))
	if err != nil {
		t.Fatalf("new %s: %v", id, err)
	}
	return svc
}

func tcpService(t *testing.T, id string) *Service {
	t.Helper()
	svc, err := New(testConfig(id))
	if err != nil {
		t.Fatalf("new %s: %v", id, err)
	}
	if err := svc.Listen(); err != nil {
		t.Fatalf("listen %s: %v", id, err)
	}
	return svc
}

func run(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run %s: %v", svc.NodeID(), err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("run %s did not stop", svc.NodeID())
		}
	})
	waitFor(t, "http listener", func() bool { return svc.HTTPAddr() != "" })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func do(t *testing.T, svc *Service, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	svc.HTTPRouter().ServeHTTP(rr, req)
	return rr
}

func publish(t *testing.T, version uint64, svcs ...*Service) {
	t.Helper()
	members := make([]membership.Member, 0, len(svcs))
	for _, s := range svcs {
		addr := s.PeerAddr()
		if addr == "" {
			addr = "inproc"
		}
		members = append(members, membership.Member{ID: s.NodeID(), PeerAddr: addr})
	}
	snap := membership.Snapshot{Version: version, Members: members}
	for _, s := range svcs {
		if rr := do(t, s, http.MethodPut, "/membership", snap); rr.Code != http.StatusAccepted {
			t.Fatalf("publish to %s: %d %s", s.NodeID(), rr.Code, rr.Body.String())
		}
	}
	for _, s := range svcs {
		waitFor(t, s.NodeID()+" ring update", func() bool {
			return s.Directory().Ring().Version() == version
		})
	}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	next uint64
}

func dialLogin(t *testing.T, svc *Service, name string) *client {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+svc.HTTPAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial %s: %v", svc.NodeID(), err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	c := &client{t: t, conn: conn}
	c.send(envelope.Login{Username: name})
	env := c.read()
	if res, ok := env.Body.(envelope.LoginResult); !ok || !res.Success {
		t.Fatalf("login %s on %s failed: %+v", name, svc.NodeID(), env.Body)
	}
	return c
}

func (c *client) send(body envelope.Body) {
	c.t.Helper()
	c.next++
	raw, err := envelope.Encode(envelope.Envelope{MessageID: c.next, Body: body})
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) read() envelope.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	env, err := envelope.Decode(payload)
	if err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	return env
}

func online(svc *Service, playerID string) func() bool {
	return func() bool {
		loc, err := svc.Router().Locate(context.Background(), playerID)
		return err == nil && loc.Online
	}
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	svc := inProcessService(t, cluster.NewNetwork(), "node-a")
	t.Cleanup(svc.Router().Close)

	if rr := do(t, svc, http.MethodGet, "/health", nil); rr.Code != http.StatusOK {
		t.Fatalf("health: %d", rr.Code)
	}
	if rr := do(t, svc, http.MethodGet, "/ready", nil); rr.Code != http.StatusOK {
		t.Fatalf("ready: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, svc, http.MethodGet, "/metrics", nil); rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}

	rr := do(t, svc, http.MethodGet, "/players/alice", nil)
	var loc router.Location
	if err := json.Unmarshal(rr.Body.Bytes(), &loc); err != nil {
		t.Fatalf("decode location: %v", err)
	}
	if rr.Code != http.StatusOK || loc.Owner != "node-a" || loc.Online {
		t.Fatalf("unexpected location %d %+v", rr.Code, loc)
	}

	stale := membership.Snapshot{Version: 1, Members: []membership.Member{{ID: "node-a", PeerAddr: "x"}}}
	if rr := do(t, svc, http.MethodPut, "/membership", stale); rr.Code != http.StatusConflict {
		t.Fatalf("stale membership: expected 409, got %d", rr.Code)
	}
	dup := membership.Snapshot{Version: 2, Members: []membership.Member{{ID: "a"}, {ID: "a"}}}
	if rr := do(t, svc, http.MethodPut, "/membership", dup); rr.Code != http.StatusBadRequest {
		t.Fatalf("duplicate members: expected 400, got %d", rr.Code)
	}
	next := membership.Snapshot{Version: 2, Members: []membership.Member{{ID: "node-a", PeerAddr: "x"}, {ID: "node-b", PeerAddr: "y"}}}
	if rr := do(t, svc, http.MethodPut, "/membership", next); rr.Code != http.StatusAccepted {
		t.Fatalf("membership publish: %d %s", rr.Code, rr.Body.String())
	}
	if got := svc.Membership().Current().Version; got != 2 {
		t.Fatalf("feed version: %d", got)
	}

	rr = do(t, svc, http.MethodGet, "/sessions", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("sessions: %d", rr.Code)
	}
}

func TestMembershipWriteRequiresAdminToken(t *testing.T) {
	testlog.Start(t)
	net := cluster.NewNetwork()
	cfg := testConfig("node-a")
	cfg.Node.AdminToken = "s3cret"
	svc, err := New(cfg, WithPeers(net.Client("node-a"), func(h cluster.Handler) {
		net.Register("node-a", h)
	}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(svc.Router().Close)

	next := membership.Snapshot{Version: 2, Members: []membership.Member{{ID: "node-a", PeerAddr: "inproc"}}}
	if rr := do(t, svc, http.MethodPut, "/membership", next); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if got := svc.Membership().Current().Version; got != 1 {
		t.Fatalf("unauthorized publish changed feed to %d", got)
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(next); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPut, "/membership", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer s3cret")
	rr := httptest.NewRecorder()
	svc.HTTPRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with token, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig("node-a")
	cfg.Cluster.Members = []string{"node-b@127.0.0.1:1"}
	if _, err := New(cfg); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestInProcessClusterDelivery(t *testing.T) {
	testlog.Start(t)
	net := cluster.NewNetwork()
	a := inProcessService(t, net, "node-a")
	b := inProcessService(t, net, "node-b")
	run(t, a)
	run(t, b)
	publish(t, 2, a, b)

	alice := dialLogin(t, a, "alice")
	bob := dialLogin(t, b, "bob")
	waitFor(t, "bob visible from node-a", online(a, "bob"))

	alice.send(envelope.SendMessage{To: "bob", Content: "hello from a"})
	env := bob.read()
	note, ok := env.Body.(envelope.ReceiveNotification)
	if !ok || note.From != "alice" || note.Content != "hello from a" {
		t.Fatalf("unexpected delivery: %+v", env.Body)
	}
}

func TestTCPClusterDeliveryAndTakeover(t *testing.T) {
	testlog.Start(t)
	a := tcpService(t, "node-a")
	b := tcpService(t, "node-b")
	run(t, a)
	run(t, b)
	publish(t, 2, a, b)

	bob := dialLogin(t, b, "bob")
	alice := dialLogin(t, a, "alice")
	waitFor(t, "bob visible from node-a", online(a, "bob"))
	waitFor(t, "alice visible from node-b", online(b, "alice"))

	bob.send(envelope.SendMessage{To: "alice", Content: "over tcp"})
	env := alice.read()
	if note, ok := env.Body.(envelope.ReceiveNotification); !ok || note.Content != "over tcp" {
		t.Fatalf("unexpected delivery: %+v", env.Body)
	}

	// alice reconnects through node-b; the session on node-a is evicted.
	alice2 := dialLogin(t, b, "alice")
	env = alice.read()
	if e, ok := env.Body.(envelope.Error); !ok || e.Code != envelope.CodeSessionEvicted {
		t.Fatalf("expected SessionEvicted on old connection, got %+v", env.Body)
	}
	waitFor(t, "alice gone from node-a", func() bool {
		_, ok := a.Registry().Get("alice")
		return !ok
	})

	bob.send(envelope.SendMessage{To: "alice", Content: "after move"})
	env = alice2.read()
	if note, ok := env.Body.(envelope.ReceiveNotification); !ok || note.Content != "after move" {
		t.Fatalf("unexpected delivery after move: %+v", env.Body)
	}
}
