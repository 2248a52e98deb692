// Package membership models the live node set handed to a node by an
// external membership service. Failure detection and agreement happen
// elsewhere; this package only carries versioned snapshots to subscribers.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrStaleSnapshot   = errors.New("membership: stale snapshot version")
	ErrInvalidMember   = errors.New("membership: invalid member")
	ErrDuplicateMember = errors.New("membership: duplicate member id")
)

// Member is one live node.
type Member struct {
	ID       string `json:"id"`
	PeerAddr string `json:"peer_addr"`
}

// Snapshot is an immutable, versioned view of the live node set.
type Snapshot struct {
	Version uint64   `json:"version"`
	Members []Member `json:"members"`
}

// NewSnapshot validates members and returns them sorted by ID.
func NewSnapshot(version uint64, members ...Member) (Snapshot, error) {
	out := make([]Member, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for i, m := range members {
		m.ID = strings.TrimSpace(m.ID)
		m.PeerAddr = strings.TrimSpace(m.PeerAddr)
		if m.ID == "" {
			return Snapshot{}, fmt.Errorf("%w: members[%d] missing id", ErrInvalidMember, i)
		}
		if _, dup := seen[m.ID]; dup {
			return Snapshot{}, fmt.Errorf("%w: %q", ErrDuplicateMember, m.ID)
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return Snapshot{Version: version, Members: out}, nil
}

// IDs returns member ids in sorted order.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.Members))
	for _, m := range s.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

func (s Snapshot) Lookup(id string) (Member, bool) {
	i := sort.Search(len(s.Members), func(i int) bool { return s.Members[i].ID >= id })
	if i < len(s.Members) && s.Members[i].ID == id {
		return s.Members[i], true
	}
	return Member{}, false
}

func (s Snapshot) Contains(id string) bool {
	_, ok := s.Lookup(id)
	return ok
}

// Source delivers membership snapshots. Subscribe returns a channel that
// first yields the current snapshot and then each newer one; it is closed
// when ctx ends. Slow subscribers only ever see the latest snapshot.
type Source interface {
	Subscribe(ctx context.Context) <-chan Snapshot
}

// Static is a Source with a fixed snapshot, typically built from config.
type Static struct {
	snap Snapshot
}

func NewStatic(snap Snapshot) *Static {
	return &Static{snap: snap}
}

func (s *Static) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	ch <- s.snap
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

// Feed is a push-based Source. Publish fans a newer snapshot out to every
// subscriber.
type Feed struct {
	mu      sync.Mutex
	current Snapshot
	subs    map[chan Snapshot]struct{}
}

func NewFeed(initial Snapshot) *Feed {
	return &Feed{
		current: initial,
		subs:    make(map[chan Snapshot]struct{}),
	}
}

func (f *Feed) Current() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Publish installs snap if its version is newer than the current one.
func (f *Feed) Publish(snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if snap.Version <= f.current.Version {
		return fmt.Errorf("%w: got %d, have %d", ErrStaleSnapshot, snap.Version, f.current.Version)
	}
	f.current = snap
	for ch := range f.subs {
		offerLatest(ch, snap)
	}
	return nil
}

func (f *Feed) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	f.mu.Lock()
	ch <- f.current
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

// offerLatest replaces a pending undelivered snapshot with snap.
// Callers hold f.mu, so nobody else sends on ch concurrently.
func offerLatest(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
