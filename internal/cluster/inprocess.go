package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/playermesh/internal/protocol/frame"
	"github.com/danmuck/playermesh/internal/protocol/session"
)

// Network connects handlers registered in one process. Requests and replies
// still pass through the wire encoding.
type Network struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	down     map[string]bool
	ids      messageIDs
}

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]Handler),
		down:     make(map[string]bool),
	}
}

func (n *Network) Register(node string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[node] = h
}

func (n *Network) Unregister(node string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, node)
}

// SetDown makes node unreachable without removing its handler.
func (n *Network) SetDown(node string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[node] = down
}

// Client returns a PeerClient that sends as self.
func (n *Network) Client(self string) *InProcess {
	p := &InProcess{network: n}
	p.client = client{self: self, rt: p}
	return p
}

// InProcess is a PeerClient over a Network.
type InProcess struct {
	client
	network *Network
}

var _ PeerClient = (*InProcess)(nil)

func (p *InProcess) roundTrip(
	ctx context.Context,
	node string,
	build func(messageID uint64) ([]byte, error),
) (session.Reply, error) {
	n := p.network
	n.mu.RLock()
	h, ok := n.handlers[node]
	down := n.down[node]
	n.mu.RUnlock()
	if !ok {
		return session.Reply{}, fmt.Errorf("%w: %s", ErrUnknownPeer, node)
	}
	if down {
		return session.Reply{}, fmt.Errorf("%w: %s", ErrPeerDown, node)
	}
	if err := ctx.Err(); err != nil {
		return session.Reply{}, err
	}

	id := n.ids.Next()
	raw, err := build(id)
	if err != nil {
		return session.Reply{}, err
	}
	req, err := frame.Unmarshal(raw, frame.DefaultLimits())
	if err != nil {
		return session.Reply{}, err
	}
	_, rep := dispatch(ctx, h, req)
	raw, err = session.EncodeReplyFrame(id, rep)
	if err != nil {
		return session.Reply{}, err
	}
	back, err := frame.Unmarshal(raw, frame.DefaultLimits())
	if err != nil {
		return session.Reply{}, err
	}
	if err := ctx.Err(); err != nil {
		return session.Reply{}, err
	}
	return session.DecodeReply(back)
}
