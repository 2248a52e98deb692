// Package directory maps player ids to the node responsible for them.
//
// Ownership is a pure function of (player id, membership snapshot). The
// current ring is swapped atomically on membership change; lookups that
// already loaded a ring finish against it.
package directory

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/playermesh/internal/membership"
	"github.com/rs/zerolog/log"
)

type Directory struct {
	self   string
	vnodes int

	// swapMu orders OnMembershipChange calls; readers never take it.
	swapMu sync.Mutex
	ring   atomic.Pointer[Ring]
}

func New(self string, vnodesPerNode int) *Directory {
	if vnodesPerNode <= 0 {
		vnodesPerNode = DefaultVirtualNodes
	}
	d := &Directory{
		self:   strings.TrimSpace(self),
		vnodes: vnodesPerNode,
	}
	d.ring.Store(BuildRing(membership.Snapshot{}, vnodesPerNode))
	return d
}

func (d *Directory) Self() string {
	return d.self
}

// Ring returns the current ring snapshot.
func (d *Directory) Ring() *Ring {
	return d.ring.Load()
}

// Resolve returns the owner of playerID under the current membership.
// It reports false only when the membership is empty.
func (d *Directory) Resolve(playerID string) (string, bool) {
	return d.ring.Load().Resolve(playerID)
}

// IsOwner reports whether this node owns playerID.
func (d *Directory) IsOwner(playerID string) bool {
	owner, ok := d.Resolve(playerID)
	return ok && owner == d.self
}

// OnMembershipChange rebuilds the ring from snap. Snapshots whose version is
// not newer than the installed one are ignored; the return value reports
// whether snap was installed.
func (d *Directory) OnMembershipChange(snap membership.Snapshot) bool {
	d.swapMu.Lock()
	defer d.swapMu.Unlock()

	prev := d.ring.Load()
	if snap.Version <= prev.Version() {
		log.Debug().
			Uint64("version", snap.Version).
			Uint64("current", prev.Version()).
			Msg("directory.OnMembershipChange ignored stale snapshot")
		return false
	}
	next := BuildRing(snap, d.vnodes)
	d.ring.Store(next)
	log.Info().
		Uint64("version", next.Version()).
		Strs("nodes", next.Nodes()).
		Bool("self_member", next.Contains(d.self)).
		Msg("directory.OnMembershipChange installed ring")
	return true
}

// Moved returns the keys whose owner differs between prev and next.
func Moved(prev, next *Ring, keys []string) []string {
	out := make([]string, 0)
	for _, k := range keys {
		a, okA := prev.Resolve(k)
		b, okB := next.Resolve(k)
		if a != b || okA != okB {
			out = append(out, k)
		}
	}
	return out
}
