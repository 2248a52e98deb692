package directory

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/danmuck/playermesh/internal/membership"
)

// DefaultVirtualNodes is the number of ring points per member.
const DefaultVirtualNodes = 128

// VNode is one point on the ring.
type VNode struct {
	Hash   uint64
	NodeID string
	Index  int
}

// Ring is an immutable consistent-hash ring built from one membership snapshot.
type Ring struct {
	version uint64
	vnodes  []VNode
	nodes   []string
}

// BuildRing places vnodesPerNode points for every member. Points are ordered
// by hash, ties broken by node id and index, so the layout depends only on
// the member ids.
func BuildRing(snap membership.Snapshot, vnodesPerNode int) *Ring {
	if vnodesPerNode <= 0 {
		vnodesPerNode = DefaultVirtualNodes
	}
	r := &Ring{
		version: snap.Version,
		vnodes:  make([]VNode, 0, len(snap.Members)*vnodesPerNode),
		nodes:   snap.IDs(),
	}
	for _, id := range r.nodes {
		for i := 0; i < vnodesPerNode; i++ {
			r.vnodes = append(r.vnodes, VNode{
				Hash:   pointHash(id, i),
				NodeID: id,
				Index:  i,
			})
		}
	}
	sort.Slice(r.vnodes, func(i, j int) bool {
		a, b := r.vnodes[i], r.vnodes[j]
		if a.Hash != b.Hash {
			return a.Hash < b.Hash
		}
		if a.NodeID != b.NodeID {
			return a.NodeID < b.NodeID
		}
		return a.Index < b.Index
	})
	return r
}

// Resolve returns the owner of key: the first point clockwise from the
// key's hash, wrapping past the top of the hash space.
func (r *Ring) Resolve(key string) (string, bool) {
	if r == nil || len(r.vnodes) == 0 {
		return "", false
	}
	h := KeyHash(key)
	i := sort.Search(len(r.vnodes), func(i int) bool { return r.vnodes[i].Hash >= h })
	if i == len(r.vnodes) {
		i = 0
	}
	return r.vnodes[i].NodeID, true
}

func (r *Ring) Version() uint64 {
	if r == nil {
		return 0
	}
	return r.version
}

// Nodes returns member ids in sorted order.
func (r *Ring) Nodes() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.nodes))
	copy(out, r.nodes)
	return out
}

func (r *Ring) Contains(nodeID string) bool {
	if r == nil {
		return false
	}
	i := sort.SearchStrings(r.nodes, nodeID)
	return i < len(r.nodes) && r.nodes[i] == nodeID
}

func (r *Ring) Size() int {
	if r == nil {
		return 0
	}
	return len(r.vnodes)
}

// KeyHash is the ring position of a player id.
func KeyHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

func pointHash(nodeID string, index int) uint64 {
	return xxhash.Sum64String(nodeID + "#" + strconv.Itoa(index))
}
