package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/playermesh/internal/cluster"
	"github.com/danmuck/playermesh/internal/directory"
	"github.com/danmuck/playermesh/internal/membership"
	"github.com/danmuck/playermesh/internal/protocol/envelope"
	"github.com/danmuck/playermesh/internal/protocol/session"
	"github.com/danmuck/playermesh/internal/registry"
	"github.com/danmuck/playermesh/internal/router"
	"github.com/danmuck/playermesh/internal/testutil/testlog"
)

type fakeConn struct {
	out chan envelope.Envelope

	mu          sync.Mutex
	closed      bool
	closeReason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{out: make(chan envelope.Envelope, 64)}
}

func (f *fakeConn) Send(raw []byte) error {
	env, err := envelope.Decode(raw)
	if err != nil {
		return err
	}
	f.out <- env
	return nil
}

func (f *fakeConn) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeReason = reason
	return nil
}

func (f *fakeConn) RemoteAddr() string { return "test" }

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) next(t *testing.T) envelope.Envelope {
	t.Helper()
	select {
	case env := <-f.out:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for envelope")
	}
	return envelope.Envelope{}
}

func (f *fakeConn) expectError(t *testing.T, code envelope.ErrorCode) envelope.Envelope {
	t.Helper()
	env := f.next(t)
	e, ok := env.Body.(envelope.Error)
	if !ok {
		t.Fatalf("expected error %s, got %s", code, env.Kind())
	}
	if e.Code != code {
		t.Fatalf("expected %s, got %s (%s)", code, e.Code, e.Detail)
	}
	return env
}

func (f *fakeConn) expectNone(t *testing.T) {
	t.Helper()
	select {
	case env := <-f.out:
		t.Fatalf("unexpected envelope %s", env.Kind())
	case <-time.After(50 * time.Millisecond):
	}
}

type testNode struct {
	id     string
	dir    *directory.Directory
	reg    *registry.Registry
	router *router.Router
	mgr    *Manager
}

func snapshot(t *testing.T, version uint64, ids ...string) membership.Snapshot {
	t.Helper()
	members := make([]membership.Member, 0, len(ids))
	for _, id := range ids {
		members = append(members, membership.Member{ID: id, PeerAddr: id + ":7000"})
	}
	snap, err := membership.NewSnapshot(version, members...)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 0
	cfg.MaxFramesPerSecond = 0
	return cfg
}

func newTestNode(t *testing.T, net *cluster.Network, id string, snap membership.Snapshot, cfg Config) *testNode {
	t.Helper()
	dir := directory.New(id, 32)
	dir.OnMembershipChange(snap)
	reg := registry.New(time.Second)
	r := router.New(router.Config{
		AckTimeout:  100 * time.Millisecond,
		MaxAttempts: 3,
		MaxHops:     2,
		PeerTimeout: 200 * time.Millisecond,
		Backoff: session.BackoffConfig{
			InitialDelay: time.Millisecond,
			Multiplier:   2,
			MaxDelay:     5 * time.Millisecond,
		},
	}, dir, reg, net.Client(id))
	net.Register(id, r)
	cfg.NodeID = id
	mgr := NewManager(cfg, reg, r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx, "test done")
		r.Close()
	})
	return &testNode{id: id, dir: dir, reg: reg, router: r, mgr: mgr}
}

func singleNode(t *testing.T, cfg Config) *testNode {
	t.Helper()
	return newTestNode(t, cluster.NewNetwork(), "node-a", snapshot(t, 1, "node-a"), cfg)
}

func encode(t *testing.T, id uint64, body envelope.Body) []byte {
	t.Helper()
	raw, err := envelope.Encode(envelope.Envelope{MessageID: id, Body: body})
	if err != nil {
		t.Fatalf("encode %s: %v", body.Kind(), err)
	}
	return raw
}

func login(t *testing.T, n *testNode, name string) (*Connection, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	c := n.mgr.Open(fc)
	if !c.Receive(encode(t, 1, envelope.Login{Username: name})) {
		t.Fatalf("login frame dropped")
	}
	env := fc.next(t)
	res, ok := env.Body.(envelope.LoginResult)
	if !ok || !res.Success {
		t.Fatalf("login %s failed: %+v", name, env.Body)
	}
	if env.MessageID != 1 || res.UserID != name {
		t.Fatalf("unexpected login result: id=%d %+v", env.MessageID, res)
	}
	if c.State() != registry.StateActive {
		t.Fatalf("expected active, got %s", c.State())
	}
	return c, fc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ownedBy returns a player id with the given prefix that n owns.
func ownedBy(t *testing.T, n *testNode, prefix string) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		if owner, _ := n.dir.Resolve(id); owner == n.id {
			return id
		}
	}
	t.Fatalf("no player owned by %s", n.id)
	return ""
}

// slowPeer delays the claims and kicks a node serves.
type slowPeer struct {
	*router.Router
	claimDelay time.Duration
	kickDelay  time.Duration
}

func (p slowPeer) HandleClaim(ctx context.Context, c session.Claim) session.Reply {
	time.Sleep(p.claimDelay)
	return p.Router.HandleClaim(ctx, c)
}

func (p slowPeer) HandleKick(ctx context.Context, k session.Kick) session.Reply {
	time.Sleep(p.kickDelay)
	return p.Router.HandleKick(ctx, k)
}

// loginAsync sends a Login and returns the connection without waiting for
// its result.
func loginAsync(t *testing.T, n *testNode, name string) (*Connection, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	c := n.mgr.Open(fc)
	if !c.Receive(encode(t, 1, envelope.Login{Username: name})) {
		t.Fatalf("login frame dropped")
	}
	return c, fc
}

func waitDone(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %d did not finish", c.ID())
	}
}

func TestLocalDeliveryExactlyOnce(t *testing.T) {
	testlog.Start(t)
	n := singleNode(t, testConfig())
	alice, aliceConn := login(t, n, "alice")
	_, bobConn := login(t, n, "bob")

	alice.Receive(encode(t, 7, envelope.SendMessage{To: "bob", Content: "hi"}))

	env := bobConn.next(t)
	note, ok := env.Body.(envelope.ReceiveNotification)
	if !ok {
		t.Fatalf("expected notification, got %s", env.Kind())
	}
	if note.From != "alice" || note.To != "bob" || note.Content != "hi" {
		t.Fatalf("unexpected notification: %+v", note)
	}
	if note.MessageID == "" || note.Timestamp == 0 {
		t.Fatalf("notification missing id or timestamp: %+v", note)
	}
	bobConn.expectNone(t)
	aliceConn.expectNone(t)
}

func TestSendToUnknownRecipient(t *testing.T) {
	testlog.Start(t)
	n := singleNode(t, testConfig())
	alice, aliceConn := login(t, n, "alice")

	alice.Receive(encode(t, 9, envelope.SendMessage{From: "alice", To: "nobody", Content: "hi"}))
	env := aliceConn.expectError(t, envelope.CodeUnknownRecipient)
	if env.MessageID != 9 {
		t.Fatalf("error should echo request id 9, got %d", env.MessageID)
	}
}

func TestSendBeforeLoginIsViolation(t *testing.T) {
	testlog.Start(t)
	n := singleNode(t, testConfig())
	fc := newFakeConn()
	c := n.mgr.Open(fc)

	c.Receive(encode(t, 3, envelope.SendMessage{To: "bob", Content: "hi"}))
	env := fc.expectError(t, envelope.CodeProtocolViolation)
	if env.MessageID != 3 {
		t.Fatalf("expected echoed id 3, got %d", env.MessageID)
	}
	if c.State() != registry.StateConnecting {
		t.Fatalf("expected connecting, got %s", c.State())
	}
}

func TestSecondLoginIsViolation(t *testing.T) {
	testlog.Start(t)
	n := singleNode(t, testConfig())
	alice, aliceConn := login(t, n, "alice")

	alice.Receive(encode(t, 2, envelope.Login{Username: "mallory"}))
	aliceConn.expectError(t, envelope.CodeProtocolViolation)
	s, ok := n.reg.Get("alice")
	if !ok || s.Handle != registry.Handle(alice) {
		t.Fatalf("alice session should be unchanged")
	}
	if _, ok := n.reg.Get("mallory"); ok {
		t.Fatalf("second login must not register a session")
	}
}

func TestSenderMismatchIsViolation(t *testing.T) {
	testlog.Start(t)
	n := singleNode(t, testConfig())
	alice, aliceConn := login(t, n, "alice")
	_, bobConn := login(t, n, "bob")

	alice.Receive(encode(t, 4, envelope.SendMessage{From: "bob", To: "bob", Content: "spoof"}))
	aliceConn.expectError(t, envelope.CodeProtocolViolation)
	bobConn.expectNone(t)

	alice.Receive(encode(t, 5, envelope.SendMessage{To: "  ", Content: "x"}))
	aliceConn.expectError(t, envelope.CodeProtocolViolation)
}

func TestServerOnlyKindIsViolation(t *testing.T) {
	testlog.Start(t)
	n := singleNode(t, testConfig())
	alice, aliceConn := login(t, n, "alice")

	alice.Receive(encode(t, 6, envelope.ReceiveNotification{From: "x", To: "alice", Content: "c", MessageID: "m", Timestamp: 1}))
	aliceConn.expectError(t, envelope.CodeProtocolViolation)
	if alice.State() != registry.StateActive {
		t.Fatalf("violation should not close the session, got %s", alice.State())
	}
}

func TestEmptyUsernameRejected(t *testing.T) {
	testlog.Start(t)
	n := singleNode(t, testConfig())
	fc := newFakeConn()
	c := n.mgr.Open(fc)

	c.Receive(encode(t, 1, envelope.Login{Username: "   "}))
	env := fc.next(t)
	res, ok := env.Body.(envelope.LoginResult)
	if !ok || res.Success {
		t.Fatalf("expected failed login result, got %+v", env.Body)
	}
	if c.State() != registry.StateConnecting {
		t.Fatalf("expected connecting, got %s", c.State())
	}
	if n.reg.Len() != 0 {
		t.Fatalf("no session should be registered")
	}
}

func TestReconnectEvictsPreviousSession(t *testing.T) {
	testlog.Start(t)
	n := singleNode(t, testConfig())
	first, firstConn := login(t, n, "alice")
	second, _ := login(t, n, "alice")

	firstConn.expectError(t, envelope.CodeSessionEvicted)
	waitDone(t, first)
	if !firstConn.isClosed() {
		t.Fatalf("evicted transport should be closed")
	}
	if first.State() != registry.StateClosed {
		t.Fatalf("expected closed, got %s", first.State())
	}
	s, ok := n.reg.Get("alice")
	if !ok || s.Handle != registry.Handle(second) {
		t.Fatalf("registry should point at the newer connection")
	}
	if err := first.Deliver(envelope.ReceiveNotification{To: "alice"}); !errors.Is(err, registry.ErrHandleClosed) {
		t.Fatalf("expected ErrHandleClosed, got %v", err)
	}
}

func TestReconnectRoutesToNewSession(t *testing.T) {
	testlog.Start(t)
	n := singleNode(t, testConfig())
	_, oldConn := login(t, n, "alice")
	_, newConn := login(t, n, "alice")
	oldConn.expectError(t, envelope.CodeSessionEvicted)
	bob, _ := login(t, n, "bob")

	bob.Receive(encode(t, 2, envelope.SendMessage{To: "alice", Content: "again"}))
	env := newConn.next(t)
	if note, ok := env.Body.(envelope.ReceiveNotification); !ok || note.Content != "again" {
		t.Fatalf("expected notification on new connection, got %+v", env.Body)
	}
	oldConn.expectNone(t)
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.IdleTimeout = 150 * time.Millisecond
	n := singleNode(t, cfg)
	c, fc := login(t, n, "alice")

	waitDone(t, c)
	if !fc.isClosed() {
		t.Fatalf("idle connection should be closed")
	}
	if _, ok := n.reg.Get("alice"); ok {
		t.Fatalf("idle session should be removed")
	}
}

func TestReceiveAfterCloseIsDropped(t *testing.T) {
	testlog.Start(t)
	n := singleNode(t, testConfig())
	c, _ := login(t, n, "alice")

	c.Shutdown("test")
	waitDone(t, c)
	if c.Receive(encode(t, 2, envelope.SendMessage{To: "alice", Content: "late"})) {
		t.Fatalf("receive on closed connection should report false")
	}
}

func TestDecodeErrorLimit(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.MaxDecodeErrors = 2
	n := singleNode(t, cfg)
	fc := newFakeConn()
	c := n.mgr.Open(fc)

	c.Receive([]byte{0x01, 0x02, 0x03})
	fc.expectError(t, envelope.CodeDecodeError)
	if c.State() != registry.StateConnecting {
		t.Fatalf("one decode error should not close, got %s", c.State())
	}
	c.Receive([]byte("not a frame at all"))
	fc.expectError(t, envelope.CodeDecodeError)
	waitDone(t, c)
	if !fc.isClosed() {
		t.Fatalf("connection should close after repeated decode errors")
	}
}

func TestFrameRateLimit(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.MaxFramesPerSecond = 1
	cfg.FrameBurst = 1
	n := singleNode(t, cfg)
	c, fc := login(t, n, "alice")

	c.Receive(encode(t, 2, envelope.SendMessage{To: "alice", Content: "fast"}))
	fc.expectError(t, envelope.CodeRateLimited)
	if c.State() != registry.StateActive {
		t.Fatalf("rate limiting should not close, got %s", c.State())
	}
}

func TestTransportCloseReleasesSession(t *testing.T) {
	testlog.Start(t)
	n := singleNode(t, testConfig())
	c, fc := login(t, n, "alice")

	c.Closed("eof")
	waitDone(t, c)
	if fc.isClosed() {
		t.Fatalf("transport-initiated close should not close the transport again")
	}
	if _, ok := n.reg.Get("alice"); ok {
		t.Fatalf("session should be removed")
	}
	if n.mgr.Len() != 0 {
		t.Fatalf("manager should forget the connection, has %d", n.mgr.Len())
	}
}

func TestManagerShutdownClosesAll(t *testing.T) {
	testlog.Start(t)
	n := singleNode(t, testConfig())
	a, aConn := login(t, n, "alice")
	b, bConn := login(t, n, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := n.mgr.Shutdown(ctx, "node stopping"); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	waitDone(t, a)
	waitDone(t, b)
	if !aConn.isClosed() || !bConn.isClosed() {
		t.Fatalf("all transports should be closed")
	}
	if n.reg.Len() != 0 || n.mgr.Len() != 0 {
		t.Fatalf("expected empty registry and manager, got %d/%d", n.reg.Len(), n.mgr.Len())
	}
}

func TestCrossNodeDelivery(t *testing.T) {
	testlog.Start(t)
	net := cluster.NewNetwork()
	snap := snapshot(t, 1, "node-a", "node-b")
	a := newTestNode(t, net, "node-a", snap, testConfig())
	b := newTestNode(t, net, "node-b", snap, testConfig())

	// bob is owned by node-a but connects to node-b, so node-a learns where
	// he is from a presence claim.
	bobID := ownedBy(t, a, "bob")

	_, bobConn := login(t, b, bobID)
	waitFor(t, "presence claim", func() bool {
		holder, ok := a.router.Presence().Holder(bobID)
		return ok && holder == "node-b"
	})

	alice, aliceConn := login(t, a, "alice")
	alice.Receive(encode(t, 2, envelope.SendMessage{To: bobID, Content: "across"}))

	env := bobConn.next(t)
	note, ok := env.Body.(envelope.ReceiveNotification)
	if !ok || note.From != "alice" || note.Content != "across" {
		t.Fatalf("unexpected delivery: %+v", env.Body)
	}
	aliceConn.expectNone(t)
}

func TestTransitionOrder(t *testing.T) {
	testlog.Start(t)
	n := singleNode(t, testConfig())
	c := n.mgr.Open(newFakeConn())

	err := c.transition(registry.StateActive)
	if !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("connecting -> active should fail with ErrLifecycleOrder, got %v", err)
	}
	cases := []struct {
		from, to registry.State
		ok       bool
	}{
		{registry.StateConnecting, registry.StateAuthenticated, true},
		{registry.StateAuthenticated, registry.StateActive, true},
		{registry.StateActive, registry.StateClosing, true},
		{registry.StateClosing, registry.StateClosed, true},
		{registry.StateActive, registry.StateConnecting, false},
		{registry.StateClosed, registry.StateClosing, false},
		{registry.StateClosing, registry.StateActive, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestCrossNodeTakeoverWaitsForOwner(t *testing.T) {
	testlog.Start(t)
	net := cluster.NewNetwork()
	snap := snapshot(t, 1, "node-a", "node-b", "node-c")
	a := newTestNode(t, net, "node-a", snap, testConfig())
	b := newTestNode(t, net, "node-b", snap, testConfig())
	cn := newTestNode(t, net, "node-c", snap, testConfig())
	net.Register("node-a", slowPeer{Router: a.router, claimDelay: 100 * time.Millisecond})
	player := ownedBy(t, a, "dave")

	first, firstConn := login(t, b, player)

	second, secondConn := loginAsync(t, cn, player)
	env := secondConn.next(t)
	res, ok := env.Body.(envelope.LoginResult)
	if !ok || !res.Success {
		t.Fatalf("second login failed: %+v", env.Body)
	}
	if st := first.State(); st == registry.StateActive {
		t.Fatalf("first session still %s when the second login completed", st)
	}
	if second.State() != registry.StateActive {
		t.Fatalf("expected second session active, got %s", second.State())
	}
	firstConn.expectError(t, envelope.CodeSessionEvicted)
	waitDone(t, first)

	entry, ok := a.router.Presence().Get(player)
	if !ok || entry.Holder != "node-c" {
		t.Fatalf("owner should record node-c, got %+v %v", entry, ok)
	}
	if s, ok := cn.reg.Get(player); !ok || entry.Session != s.ID {
		t.Fatalf("owner recorded the wrong session")
	}
}

func TestOwnerLoginWaitsForRemoteKick(t *testing.T) {
	testlog.Start(t)
	net := cluster.NewNetwork()
	snap := snapshot(t, 1, "node-a", "node-b")
	a := newTestNode(t, net, "node-a", snap, testConfig())
	b := newTestNode(t, net, "node-b", snap, testConfig())
	net.Register("node-b", slowPeer{Router: b.router, kickDelay: 100 * time.Millisecond})
	player := ownedBy(t, a, "erin")

	first, firstConn := login(t, b, player)
	start := time.Now()
	login(t, a, player)
	if time.Since(start) < 100*time.Millisecond {
		t.Fatalf("owner-local login did not wait for the remote kick")
	}
	if first.State() == registry.StateActive {
		t.Fatalf("remote session still active after owner-local login")
	}
	firstConn.expectError(t, envelope.CodeSessionEvicted)
	if _, ok := a.router.Presence().Get(player); ok {
		t.Fatalf("owner-local login must clear presence")
	}
}

func TestLoginFailsWhenOwnerUnreachable(t *testing.T) {
	testlog.Start(t)
	net := cluster.NewNetwork()
	snap := snapshot(t, 1, "node-a", "node-b")
	a := newTestNode(t, net, "node-a", snap, testConfig())
	b := newTestNode(t, net, "node-b", snap, testConfig())
	player := ownedBy(t, a, "frank")
	net.SetDown("node-a", true)

	c, fc := loginAsync(t, b, player)
	env := fc.next(t)
	res, ok := env.Body.(envelope.LoginResult)
	if !ok || res.Success {
		t.Fatalf("expected failed login result, got %+v", env.Body)
	}
	waitDone(t, c)
	if !fc.isClosed() {
		t.Fatalf("failed login should close the transport")
	}
	if _, ok := b.reg.Get(player); ok {
		t.Fatalf("failed login left a registry entry")
	}
}

func TestLoginFailsWhenPriorSessionStuck(t *testing.T) {
	testlog.Start(t)
	dir := directory.New("node-a", 32)
	dir.OnMembershipChange(snapshot(t, 1, "node-a"))
	reg := registry.New(30 * time.Millisecond)
	r := router.New(router.DefaultConfig(), dir, reg, cluster.NewNetwork().Client("node-a"))
	cfg := testConfig()
	cfg.NodeID = "node-a"
	n := &testNode{id: "node-a", dir: dir, reg: reg, router: r, mgr: NewManager(cfg, reg, r)}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = n.mgr.Shutdown(ctx, "test done")
		r.Close()
	})

	stuck := &stuckHandle{release: make(chan struct{})}
	defer close(stuck.release)
	if _, err := n.reg.Put(context.Background(), registry.NewSession("gina", "node-a", stuck, time.Now())); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	c, fc := loginAsync(t, n, "gina")
	env := fc.next(t)
	res, ok := env.Body.(envelope.LoginResult)
	if !ok || res.Success {
		t.Fatalf("expected failed login result, got %+v", env.Body)
	}
	waitDone(t, c)
	if c.State() == registry.StateActive {
		t.Fatalf("login went active beside a stuck session")
	}
	if s, _ := n.reg.Get("gina"); s.Handle != registry.Handle(stuck) {
		t.Fatalf("stuck session replaced")
	}
}

// stuckHandle is an active session whose eviction never completes until
// release is closed.
type stuckHandle struct {
	release chan struct{}
}

func (h *stuckHandle) ID() uint64            { return 999 }
func (h *stuckHandle) State() registry.State { return registry.StateActive }

func (h *stuckHandle) Deliver(envelope.ReceiveNotification) error { return nil }

func (h *stuckHandle) Evict(ctx context.Context, _ string) error {
	select {
	case <-h.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
