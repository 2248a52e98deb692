// Package cluster carries node-to-node requests: notification delivery,
// session lookups and presence claims.
//
// Transport keeps one persistent TCP (optionally TLS) link per peer and
// multiplexes requests over it by message id. Server accepts links from
// peers and dispatches each request to a Handler. Network is an in-process
// fabric with the same wire encoding, used by tests.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/danmuck/playermesh/internal/observability"
	"github.com/danmuck/playermesh/internal/protocol/frame"
	"github.com/danmuck/playermesh/internal/protocol/schema"
	"github.com/danmuck/playermesh/internal/protocol/session"
)

var (
	ErrNodeIDRequired  = errors.New("cluster: node id required")
	ErrUnknownPeer     = errors.New("cluster: unknown peer")
	ErrPeerDown        = errors.New("cluster: peer unreachable")
	ErrPeerRemoved     = errors.New("cluster: peer removed from membership")
	ErrPeerNack        = errors.New("cluster: peer nack")
	ErrHelloRejected   = errors.New("cluster: hello rejected")
	ErrPeerIdentity    = errors.New("cluster: peer identity mismatch")
	ErrLinkClosed      = errors.New("cluster: link closed")
	ErrTransportClosed = errors.New("cluster: transport closed")
	ErrUnexpectedFrame = errors.New("cluster: unexpected frame")
)

// PeerClient is the outbound side of the node-to-node protocol.
type PeerClient interface {
	Deliver(ctx context.Context, node string, d session.Deliver) (session.Reply, error)
	ResolveLocalSession(ctx context.Context, node, playerID string) (bool, error)
	Claim(ctx context.Context, node string, c session.Claim) (session.Reply, error)
	Release(ctx context.Context, node string, r session.Release) error
	Kick(ctx context.Context, node string, k session.Kick) error
}

// Handler serves requests arriving from peers.
type Handler interface {
	HandleDeliver(ctx context.Context, d session.Deliver) session.Reply
	ResolveLocalSession(playerID string) bool
	HandleClaim(ctx context.Context, c session.Claim) session.Reply
	HandleRelease(ctx context.Context, r session.Release) session.Reply
	HandleKick(ctx context.Context, k session.Kick) session.Reply
}

// roundTripper sends one encoded request to node and returns its reply.
type roundTripper interface {
	roundTrip(ctx context.Context, node string, build func(messageID uint64) ([]byte, error)) (session.Reply, error)
}

// client implements PeerClient on top of a roundTripper.
type client struct {
	self string
	rt   roundTripper
}

func (c client) Deliver(ctx context.Context, node string, d session.Deliver) (session.Reply, error) {
	rep, err := c.rt.roundTrip(ctx, node, func(id uint64) ([]byte, error) {
		return session.EncodeDeliverFrame(id, d)
	})
	observability.RecordPeerRequest(c.self, "outbound", "deliver", err)
	return rep, err
}

func (c client) ResolveLocalSession(ctx context.Context, node, playerID string) (bool, error) {
	rep, err := c.rt.roundTrip(ctx, node, func(id uint64) ([]byte, error) {
		return session.EncodeResolveFrame(id, session.Resolve{PlayerID: playerID})
	})
	observability.RecordPeerRequest(c.self, "outbound", "resolve", err)
	if err != nil {
		return false, err
	}
	if !rep.Acked() {
		return false, fmt.Errorf("%w: %s", ErrPeerNack, rep.Reason)
	}
	return rep.Present, nil
}

func (c client) Claim(ctx context.Context, node string, cl session.Claim) (session.Reply, error) {
	rep, err := c.rt.roundTrip(ctx, node, func(id uint64) ([]byte, error) {
		return session.EncodeClaimFrame(id, cl)
	})
	if err == nil && !rep.Acked() {
		err = fmt.Errorf("%w: %s", ErrPeerNack, rep.Reason)
	}
	return rep, err
}

func (c client) Release(ctx context.Context, node string, r session.Release) error {
	rep, err := c.rt.roundTrip(ctx, node, func(id uint64) ([]byte, error) {
		return session.EncodeReleaseFrame(id, r)
	})
	if err == nil && !rep.Acked() {
		err = fmt.Errorf("%w: %s", ErrPeerNack, rep.Reason)
	}
	return err
}

func (c client) Kick(ctx context.Context, node string, k session.Kick) error {
	rep, err := c.rt.roundTrip(ctx, node, func(id uint64) ([]byte, error) {
		return session.EncodeKickFrame(id, k)
	})
	if err == nil && !rep.Acked() {
		err = fmt.Errorf("%w: %s", ErrPeerNack, rep.Reason)
	}
	return err
}

// dispatch decodes one request frame and runs it against h. It returns a
// short label for the request type alongside the reply.
func dispatch(ctx context.Context, h Handler, fr frame.Frame) (string, session.Reply) {
	switch fr.Header.MessageType {
	case schema.MsgPeerDeliver:
		d, err := session.DecodeDeliver(fr)
		if err != nil {
			return "deliver", session.Nack(session.ReasonBadRequest)
		}
		return "deliver", h.HandleDeliver(ctx, d)
	case schema.MsgPeerResolve:
		r, err := session.DecodeResolve(fr)
		if err != nil {
			return "resolve", session.Nack(session.ReasonBadRequest)
		}
		rep := session.Ack()
		rep.Present = h.ResolveLocalSession(r.PlayerID)
		return "resolve", rep
	case schema.MsgPeerClaim:
		c, err := session.DecodeClaim(fr)
		if err != nil {
			return "claim", session.Nack(session.ReasonBadRequest)
		}
		return "claim", h.HandleClaim(ctx, c)
	case schema.MsgPeerRelease:
		r, err := session.DecodeRelease(fr)
		if err != nil {
			return "release", session.Nack(session.ReasonBadRequest)
		}
		return "release", h.HandleRelease(ctx, r)
	case schema.MsgPeerKick:
		k, err := session.DecodeKick(fr)
		if err != nil {
			return "kick", session.Nack(session.ReasonBadRequest)
		}
		return "kick", h.HandleKick(ctx, k)
	default:
		return "unknown", session.Nack(session.ReasonBadRequest)
	}
}

// messageIDs hands out request ids; zero is never used.
type messageIDs struct {
	next atomic.Uint64
}

func (m *messageIDs) Next() uint64 {
	return m.next.Add(1)
}
