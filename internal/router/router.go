// Package router delivers notifications to the session that holds the
// recipient, on this node or on a peer.
//
// Local recipients are served from the session registry. Remote recipients
// are forwarded asynchronously with a per-attempt ack timeout and bounded,
// backed-off retries; the owner is re-resolved before every retry. The owner
// node also keeps soft presence for its players that are connected elsewhere
// so that messages reach them in one extra hop.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/danmuck/playermesh/internal/directory"
	"github.com/danmuck/playermesh/internal/mailbox"
	"github.com/danmuck/playermesh/internal/observability"
	"github.com/danmuck/playermesh/internal/protocol/envelope"
	"github.com/danmuck/playermesh/internal/protocol/session"
	"github.com/danmuck/playermesh/internal/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const presenceLanes = 16

var (
	ErrClosed     = errors.New("router: closed")
	ErrAckTimeout = errors.New("router: ack timeout")
	ErrNack       = errors.New("router: peer nack")

	// ErrClaimFailed means the owner could not confirm that every other
	// session for the player is gone.
	ErrClaimFailed = errors.New("router: claim failed")
)

// Peers is the node-to-node client the router forwards through.
type Peers interface {
	Deliver(ctx context.Context, node string, d session.Deliver) (session.Reply, error)
	ResolveLocalSession(ctx context.Context, node, playerID string) (bool, error)
	Claim(ctx context.Context, node string, c session.Claim) (session.Reply, error)
	Release(ctx context.Context, node string, r session.Release) error
	Kick(ctx context.Context, node string, k session.Kick) error
}

// Reply receives the delivery failure for a routed message. It may be
// called from a router goroutine after Route has returned.
type Reply func(envelope.Error)

type Config struct {
	AckTimeout         time.Duration
	MaxAttempts        int
	MaxHops            uint32
	PeerTimeout        time.Duration
	Backoff            session.BackoffConfig
	ReclaimConcurrency int
}

func DefaultConfig() Config {
	return Config{
		AckTimeout:         500 * time.Millisecond,
		MaxAttempts:        3,
		MaxHops:            2,
		PeerTimeout:        2 * time.Second,
		Backoff:            session.DefaultConfig().Backoff,
		ReclaimConcurrency: 8,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.MaxHops == 0 {
		c.MaxHops = def.MaxHops
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = def.PeerTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	if c.ReclaimConcurrency <= 0 {
		c.ReclaimConcurrency = def.ReclaimConcurrency
	}
	return c
}

type placement int

const (
	placeNone placement = iota
	placeLocal
	placeRemote
)

type Router struct {
	self     string
	cfg      Config
	dir      *directory.Directory
	reg      *registry.Registry
	peers    Peers
	presence *Presence
	attempts *Attempts
	now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	// lanes order releases per player.
	lanes [presenceLanes]*mailbox.Mailbox

	// claims serializes claim handling per player on the owner.
	claims [presenceLanes]sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeMu   sync.Mutex
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(cfg Config, dir *directory.Directory, reg *registry.Registry, peers Peers) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		self:     dir.Self(),
		cfg:      cfg.withDefaults(),
		dir:      dir,
		reg:      reg,
		peers:    peers,
		presence: NewPresence(),
		attempts: NewAttempts(),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := range r.lanes {
		r.lanes[i] = mailbox.New()
		go r.lanes[i].Run()
	}
	return r
}

func (r *Router) Self() string {
	return r.self
}

func (r *Router) Presence() *Presence {
	return r.presence
}

func (r *Router) Attempts() *Attempts {
	return r.attempts
}

// Close cancels outstanding forwards and waits for router goroutines.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.closeMu.Lock()
		r.closed = true
		r.closeMu.Unlock()
		r.cancel()
		for _, lane := range r.lanes {
			lane.Close()
		}
		for _, lane := range r.lanes {
			<-lane.Done()
		}
		r.wg.Wait()
	})
}

func (r *Router) goAsync(fn func(ctx context.Context)) bool {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.closeMu.Unlock()
	go func() {
		defer r.wg.Done()
		fn(r.ctx)
	}()
	return true
}

// Route delivers msg to its recipient. Failures are reported through reply;
// success is silent.
func (r *Router) Route(ctx context.Context, msg envelope.SendMessage, reply Reply) {
	if ctx.Err() != nil {
		return
	}
	n := envelope.ReceiveNotification{
		From:      msg.From,
		To:        msg.To,
		Content:   msg.Content,
		MessageID: uuid.NewString(),
		Timestamp: r.now().UnixMilli(),
	}
	node, place := r.locate(msg.To)
	switch place {
	case placeLocal:
		if r.deliverLocal(n) {
			observability.RecordDelivery(r.self, observability.PathLocal, observability.OutcomeDelivered)
			return
		}
		observability.RecordDelivery(r.self, observability.PathLocal, observability.OutcomeUnknownRecipient)
		reply(envelope.Errorf(envelope.CodeUnknownRecipient, "player %q is not connected", msg.To))
	case placeNone:
		observability.RecordDelivery(r.self, observability.PathLocal, observability.OutcomeUnknownRecipient)
		reply(envelope.Errorf(envelope.CodeUnknownRecipient, "player %q is not connected", msg.To))
	case placeRemote:
		r.startForward(msg.From, n, node, reply)
	}
}

// locate picks the node that should receive a notification for playerID.
func (r *Router) locate(playerID string) (string, placement) {
	if _, ok := r.reg.Get(playerID); ok {
		return r.self, placeLocal
	}
	owner, ok := r.dir.Resolve(playerID)
	if !ok {
		return "", placeNone
	}
	if owner != r.self {
		return owner, placeRemote
	}
	if holder, ok := r.presence.Holder(playerID); ok && holder != r.self {
		return holder, placeRemote
	}
	return "", placeNone
}

func (r *Router) deliverLocal(n envelope.ReceiveNotification) bool {
	s, ok := r.reg.Get(n.To)
	if !ok {
		return false
	}
	if err := s.Handle.Deliver(n); err != nil {
		log.Debug().
			Str("player_id", n.To).
			Str("message_id", n.MessageID).
			Err(err).
			Msg("router local delivery refused")
		return false
	}
	return true
}

func (r *Router) startForward(sender string, n envelope.ReceiveNotification, node string, reply Reply) {
	ctx, cancel := context.WithCancel(r.ctx)
	r.attempts.Add(&Attempt{
		MessageID: n.MessageID,
		Sender:    sender,
		Target:    n.To,
		Node:      node,
		QueuedAt:  r.now(),
		cancel:    cancel,
		reply:     reply,
	})
	observability.SetPendingAttempts(r.self, r.attempts.Len())
	started := r.goAsync(func(context.Context) {
		defer cancel()
		r.forward(ctx, n, node, reply)
	})
	if !started {
		cancel()
		r.settle(n.MessageID, reply, envelope.Errorf(envelope.CodeDeliveryFailed, "node is shutting down"))
	}
}

func (r *Router) finish(messageID string) bool {
	ok := r.attempts.Remove(messageID)
	observability.SetPendingAttempts(r.self, r.attempts.Len())
	return ok
}

// settle answers the sender unless CancelPlayer already took the attempt.
func (r *Router) settle(messageID string, reply Reply, e envelope.Error) {
	if r.finish(messageID) {
		reply(e)
	}
}

func (r *Router) forward(ctx context.Context, n envelope.ReceiveNotification, node string, reply Reply) {
	defer r.finish(n.MessageID)
	start := r.now()
	for attempt := 1; ; attempt++ {
		sentAt := r.now()
		r.attempts.MarkAttempt(n.MessageID, node, sentAt, sentAt.Add(r.cfg.AckTimeout))
		rep, err := r.sendOnce(ctx, node, n)
		observability.RecordForwardAttempt(r.self, err)
		if ctx.Err() != nil {
			observability.RecordDelivery(r.self, observability.PathRemote, observability.OutcomeCancelled)
			log.Debug().Str("message_id", n.MessageID).Msg("router forward cancelled")
			return
		}
		if err == nil {
			switch {
			case rep.Acked():
				observability.ObserveForwardLatency(r.self, r.now().Sub(start))
				observability.RecordDelivery(r.self, observability.PathRemote, observability.OutcomeDelivered)
				return
			case rep.Reason == session.ReasonUnknownRecipient:
				observability.RecordDelivery(r.self, observability.PathRemote, observability.OutcomeUnknownRecipient)
				r.settle(n.MessageID, reply, envelope.Errorf(envelope.CodeUnknownRecipient, "player %q is not connected", n.To))
				return
			case rep.Reason == session.ReasonBadRequest:
				observability.RecordDelivery(r.self, observability.PathRemote, observability.OutcomeFailed)
				r.settle(n.MessageID, reply, envelope.Errorf(envelope.CodeDeliveryFailed, "node %s rejected message", node))
				return
			}
			err = fmt.Errorf("%w: %s from %s", ErrNack, rep.Reason, node)
		}
		r.attempts.MarkError(n.MessageID, err.Error())
		log.Debug().
			Str("message_id", n.MessageID).
			Str("node", node).
			Int("attempt", attempt).
			Err(err).
			Msg("router forward attempt failed")

		if attempt >= r.cfg.MaxAttempts {
			observability.RecordDelivery(r.self, observability.PathRemote, observability.OutcomeFailed)
			log.Warn().
				Str("message_id", n.MessageID).
				Str("to", n.To).
				Int("attempts", attempt).
				Err(err).
				Msg("router forward exhausted retries")
			r.settle(n.MessageID, reply, envelope.Errorf(envelope.CodeDeliveryFailed, "no ack after %d attempts", attempt))
			return
		}
		if !sleepCtx(ctx, r.backoff(attempt)) {
			observability.RecordDelivery(r.self, observability.PathRemote, observability.OutcomeCancelled)
			return
		}

		next, place := r.locate(n.To)
		switch place {
		case placeLocal:
			if r.deliverLocal(n) {
				observability.RecordDelivery(r.self, observability.PathLocal, observability.OutcomeDelivered)
				return
			}
			fallthrough
		case placeNone:
			observability.RecordDelivery(r.self, observability.PathRemote, observability.OutcomeFailed)
			r.settle(n.MessageID, reply, envelope.Errorf(envelope.CodeDeliveryFailed, "player %q is no longer reachable", n.To))
			return
		}
		if next != node {
			log.Debug().
				Str("message_id", n.MessageID).
				Str("from_node", node).
				Str("to_node", next).
				Msg("router forward re-resolved")
		}
		node = next
	}
}

func (r *Router) sendOnce(ctx context.Context, node string, n envelope.ReceiveNotification) (session.Reply, error) {
	actx, cancel := context.WithTimeout(ctx, r.cfg.AckTimeout)
	defer cancel()
	rep, err := r.peers.Deliver(actx, node, session.Deliver{Target: n.To, Hops: 1, Notification: n})
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ErrAckTimeout, err)
	}
	return rep, err
}

func (r *Router) backoff(attempt int) time.Duration {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return session.NextBackoffDelay(r.cfg.Backoff, attempt, r.rng)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// CancelPlayer cancels every outstanding forward sent by or addressed to
// playerID. Senders of messages addressed to playerID get DeliveryFailed.
func (r *Router) CancelPlayer(playerID string) int {
	cancelled := r.attempts.CancelPlayer(playerID)
	if len(cancelled) == 0 {
		return 0
	}
	for _, a := range cancelled {
		if a.Sender != playerID && a.reply != nil {
			a.reply(envelope.Errorf(envelope.CodeDeliveryFailed, "player %q disconnected", a.Target))
		}
	}
	observability.SetPendingAttempts(r.self, r.attempts.Len())
	log.Debug().Str("player_id", playerID).Int("cancelled", len(cancelled)).Msg("router cancelled attempts")
	return len(cancelled)
}

// HandleDeliver serves a Deliver received from a peer.
func (r *Router) HandleDeliver(ctx context.Context, d session.Deliver) session.Reply {
	if err := d.Validate(); err != nil {
		return session.Nack(session.ReasonBadRequest)
	}
	if r.deliverLocal(d.Notification) {
		observability.RecordDelivery(r.self, observability.PathInbound, observability.OutcomeDelivered)
		return session.Ack()
	}
	if d.Hops >= r.cfg.MaxHops {
		observability.RecordDelivery(r.self, observability.PathInbound, observability.OutcomeUnknownRecipient)
		return session.Nack(session.ReasonUnknownRecipient)
	}
	next, place := r.locate(d.Target)
	if place != placeRemote || next == r.self {
		observability.RecordDelivery(r.self, observability.PathInbound, observability.OutcomeUnknownRecipient)
		return session.Nack(session.ReasonUnknownRecipient)
	}

	fctx, cancel := context.WithTimeout(ctx, r.cfg.AckTimeout)
	defer cancel()
	rep, err := r.peers.Deliver(fctx, next, session.Deliver{
		Target:       d.Target,
		Hops:         d.Hops + 1,
		Notification: d.Notification,
	})
	if err != nil {
		log.Debug().
			Str("message_id", d.Notification.MessageID).
			Str("node", next).
			Err(err).
			Msg("router hop forward failed")
		return session.Nack(session.ReasonForwardFailed)
	}
	observability.RecordDelivery(r.self, observability.PathInbound, observability.OutcomeForwarded)
	return rep
}

// ResolveLocalSession reports whether playerID has an active session on
// this node.
func (r *Router) ResolveLocalSession(playerID string) bool {
	s, ok := r.reg.Get(playerID)
	return ok && s.Handle.State() == registry.StateActive
}

// Location is the admin view of where a player is served.
type Location struct {
	PlayerID string `json:"player_id"`
	Owner    string `json:"owner"`
	Holder   string `json:"holder,omitempty"`
	Online   bool   `json:"online"`
}

// Locate reports the owner of playerID and, when it can be found, the node
// holding its session.
func (r *Router) Locate(ctx context.Context, playerID string) (Location, error) {
	loc := Location{PlayerID: playerID}
	loc.Owner, _ = r.dir.Resolve(playerID)
	if r.ResolveLocalSession(playerID) {
		loc.Holder = r.self
		loc.Online = true
		return loc, nil
	}
	node, place := r.locate(playerID)
	if place != placeRemote {
		return loc, nil
	}
	cctx, cancel := context.WithTimeout(ctx, r.cfg.PeerTimeout)
	defer cancel()
	ok, err := r.peers.ResolveLocalSession(cctx, node, playerID)
	if err != nil {
		return loc, err
	}
	if ok {
		loc.Holder = node
		loc.Online = true
	}
	return loc, nil
}

// Acquire registers s, a local session that has just logged in, with the
// player's owner. It returns once the owner has evicted every other session
// it knew of for the player; s must not become active before that.
func (r *Router) Acquire(ctx context.Context, s *registry.Session) error {
	owner, ok := r.dir.Resolve(s.PlayerID)
	if !ok {
		return nil
	}
	if owner == r.self {
		return r.acquireLocal(ctx, s)
	}
	// The owner kicks the previous holder before it answers.
	cctx, cancel := context.WithTimeout(ctx, 2*r.cfg.PeerTimeout)
	defer cancel()
	rep, err := r.peers.Claim(cctx, owner, session.Claim{PlayerID: s.PlayerID, Holder: r.self, Session: s.ID})
	if err == nil && !rep.Acked() {
		err = fmt.Errorf("%w: %s", ErrNack, rep.Reason)
	}
	observability.RecordPeerRequest(r.self, "outbound", "claim", err)
	if err != nil {
		log.Warn().Str("player_id", s.PlayerID).Str("owner", owner).Err(err).Msg("router claim failed")
		return fmt.Errorf("%w: %s on %s: %v", ErrClaimFailed, s.PlayerID, owner, err)
	}
	log.Debug().
		Str("player_id", s.PlayerID).
		Str("owner", owner).
		Str("previous", rep.Holder).
		Msg("router session acquired")
	return nil
}

func (r *Router) acquireLocal(ctx context.Context, s *registry.Session) error {
	lock := r.claimLock(s.PlayerID)
	lock.Lock()
	defer lock.Unlock()
	prev, ok := r.presence.Get(s.PlayerID)
	if !ok {
		return nil
	}
	if err := r.kick(ctx, prev, r.self); err != nil {
		return fmt.Errorf("%w: %s held by %s: %v", ErrClaimFailed, s.PlayerID, prev.Holder, err)
	}
	r.presence.Clear(prev.PlayerID, prev.Holder, prev.Session)
	return nil
}

// SessionClosed withdraws the claim made for s.
func (r *Router) SessionClosed(s *registry.Session) {
	owner, ok := r.dir.Resolve(s.PlayerID)
	if !ok || owner == r.self {
		return
	}
	rel := session.Release{PlayerID: s.PlayerID, Holder: r.self, Session: s.ID}
	r.lane(s.PlayerID).Post(func() {
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.PeerTimeout)
		defer cancel()
		err := r.peers.Release(ctx, owner, rel)
		observability.RecordPeerRequest(r.self, "outbound", "release", err)
		if err != nil {
			log.Debug().Str("player_id", rel.PlayerID).Str("owner", owner).Err(err).Msg("router release failed")
		}
	})
}

func (r *Router) lane(playerID string) *mailbox.Mailbox {
	return r.lanes[xxhash.Sum64String(playerID)%presenceLanes]
}

func (r *Router) claimLock(playerID string) *sync.Mutex {
	return &r.claims[xxhash.Sum64String(playerID)%presenceLanes]
}

// kick evicts the session named by e on its holder and waits for the ack.
// A holder that left the ring has nothing left to evict.
func (r *Router) kick(ctx context.Context, e PresenceEntry, newHolder string) error {
	if e.Holder == r.self || !r.dir.Ring().Contains(e.Holder) {
		return nil
	}
	kctx, cancel := context.WithTimeout(ctx, r.cfg.PeerTimeout)
	defer cancel()
	err := r.peers.Kick(kctx, e.Holder, session.Kick{PlayerID: e.PlayerID, Session: e.Session, Holder: newHolder})
	observability.RecordPeerRequest(r.self, "outbound", "kick", err)
	if err != nil {
		log.Warn().
			Str("player_id", e.PlayerID).
			Str("node", e.Holder).
			Str("session_id", e.Session).
			Err(err).
			Msg("router kick failed")
	}
	return err
}

// HandleClaim records c.Holder as the node serving c.PlayerID. Any other
// session for the player that this owner knows of is evicted before the
// claim is acked, and claims for one player are handled one at a time.
func (r *Router) HandleClaim(ctx context.Context, c session.Claim) session.Reply {
	if err := c.Validate(); err != nil {
		return session.Nack(session.ReasonBadRequest)
	}
	if c.Holder == r.self {
		return session.Ack()
	}
	lock := r.claimLock(c.PlayerID)
	lock.Lock()
	defer lock.Unlock()

	prev, had := r.presence.Get(c.PlayerID)
	if c.Refresh {
		return r.refresh(c, prev, had)
	}
	// A previous session on the claiming node was already replaced there.
	if had && prev.Holder != c.Holder && prev.Session != c.Session {
		if err := r.kick(ctx, prev, c.Holder); err != nil {
			return session.Nack(session.ReasonKickFailed)
		}
	}
	if s, ok := r.reg.Get(c.PlayerID); ok && s.Handle.State() == registry.StateActive {
		ectx, cancel := context.WithTimeout(ctx, r.cfg.PeerTimeout)
		err := s.Handle.Evict(ectx, "session claimed by "+c.Holder)
		cancel()
		if err != nil {
			log.Warn().Str("player_id", c.PlayerID).Err(err).Msg("router local eviction failed")
			return session.Nack(session.ReasonKickFailed)
		}
	}
	r.presence.Set(c.PlayerID, c.Holder, c.Session)
	log.Debug().
		Str("player_id", c.PlayerID).
		Str("holder", c.Holder).
		Str("session_id", c.Session).
		Str("previous", prev.Holder).
		Msg("router presence claimed")
	rep := session.Ack()
	rep.Holder = prev.Holder
	return rep
}

// refresh re-registers a session that moved here with a membership change.
// Anything already recorded for the player came from a later login.
func (r *Router) refresh(c session.Claim, prev PresenceEntry, had bool) session.Reply {
	if had && prev.Session != c.Session {
		return session.Nack(session.ReasonSuperseded)
	}
	if s, ok := r.reg.Get(c.PlayerID); ok && s.Handle.State() == registry.StateActive {
		return session.Nack(session.ReasonSuperseded)
	}
	r.presence.Set(c.PlayerID, c.Holder, c.Session)
	return session.Ack()
}

func (r *Router) HandleRelease(_ context.Context, rel session.Release) session.Reply {
	if strings.TrimSpace(rel.PlayerID) == "" || strings.TrimSpace(rel.Holder) == "" {
		return session.Nack(session.ReasonBadRequest)
	}
	r.presence.Clear(rel.PlayerID, rel.Holder, rel.Session)
	return session.Ack()
}

// HandleKick evicts the local session named by k. A different session for
// the same player logged in after the claim and is left alone.
func (r *Router) HandleKick(ctx context.Context, k session.Kick) session.Reply {
	if err := k.Validate(); err != nil {
		return session.Nack(session.ReasonBadRequest)
	}
	s, ok := r.reg.Get(k.PlayerID)
	if !ok || s.ID != k.Session {
		log.Debug().Str("player_id", k.PlayerID).Str("session_id", k.Session).Msg("router kick found no matching session")
		return session.Ack()
	}
	by := k.Holder
	if by == "" {
		by = "another node"
	}
	ectx, cancel := context.WithTimeout(ctx, r.cfg.PeerTimeout)
	defer cancel()
	if err := s.Handle.Evict(ectx, "session claimed by "+by); err != nil {
		log.Warn().Str("player_id", k.PlayerID).Err(err).Msg("router kick eviction failed")
		return session.Nack(session.ReasonKickFailed)
	}
	return session.Ack()
}

// Reclaim repairs presence after the ring changed from prev to next. Entries
// for departed holders or players this node no longer owns are dropped, and
// every local session whose owner moved is claimed on its new owner.
func (r *Router) Reclaim(ctx context.Context, prev, next *directory.Ring) error {
	pruned := r.presence.Prune(func(playerID, holder string) bool {
		if !next.Contains(holder) {
			return false
		}
		owner, ok := next.Resolve(playerID)
		return ok && owner == r.self
	})

	local := make(map[string]*registry.Session, r.reg.Len())
	ids := make([]string, 0, r.reg.Len())
	r.reg.ForEachLocal(func(s *registry.Session) bool {
		local[s.PlayerID] = s
		ids = append(ids, s.PlayerID)
		return true
	})
	moved := directory.Moved(prev, next, ids)

	var mu sync.Mutex
	var errs []error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ReclaimConcurrency)
	claims := 0
	for _, playerID := range moved {
		owner, ok := next.Resolve(playerID)
		if !ok || owner == r.self {
			continue
		}
		s := local[playerID]
		claims++
		g.Go(func() error {
			if err := r.refreshClaim(gctx, owner, s); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("claim %s on %s: %w", playerID, owner, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	log.Info().
		Uint64("version", next.Version()).
		Int("pruned", pruned).
		Int("moved", len(moved)).
		Int("claims", claims).
		Int("failed", len(errs)).
		Msg("router reclaim complete")
	return errors.Join(errs...)
}

// refreshClaim re-registers s with its new owner. When the owner already
// knows a newer session for the player, s is evicted.
func (r *Router) refreshClaim(ctx context.Context, owner string, s *registry.Session) error {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.PeerTimeout)
	defer cancel()
	rep, err := r.peers.Claim(cctx, owner, session.Claim{
		PlayerID: s.PlayerID,
		Holder:   r.self,
		Session:  s.ID,
		Refresh:  true,
	})
	if err == nil && !rep.Acked() {
		err = fmt.Errorf("%w: %s", ErrNack, rep.Reason)
	}
	observability.RecordPeerRequest(r.self, "outbound", "claim", err)
	if rep.Reason == session.ReasonSuperseded {
		log.Info().Str("player_id", s.PlayerID).Str("owner", owner).Msg("router session superseded on new owner")
		if cur, ok := r.reg.Get(s.PlayerID); !ok || cur != s {
			return nil
		}
		ectx, ecancel := context.WithTimeout(ctx, r.cfg.PeerTimeout)
		defer ecancel()
		return s.Handle.Evict(ectx, "session superseded on "+owner)
	}
	if err != nil {
		log.Warn().Str("player_id", s.PlayerID).Str("owner", owner).Err(err).Msg("router claim failed")
	}
	return err
}
