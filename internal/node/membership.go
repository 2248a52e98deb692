package node

import (
	"context"

	"github.com/danmuck/playermesh/internal/membership"
	"github.com/danmuck/playermesh/internal/observability"
	"github.com/rs/zerolog/log"
)

// watchMembership applies every snapshot the feed yields until ctx ends.
func (s *Service) watchMembership(ctx context.Context) {
	for snap := range s.feed.Subscribe(ctx) {
		s.applyMembership(ctx, snap)
	}
}

// applyMembership swaps the ring, refreshes the peer address book and
// re-claims presence for local sessions whose owner moved. Stale snapshots
// are ignored.
func (s *Service) applyMembership(ctx context.Context, snap membership.Snapshot) bool {
	prev := s.dir.Ring()
	if !s.dir.OnMembershipChange(snap) {
		log.Debug().
			Str("node", s.cfg.Node.ID).
			Uint64("version", snap.Version).
			Uint64("current", prev.Version()).
			Msg("node membership snapshot ignored")
		return false
	}
	if s.transport != nil {
		s.transport.SetMembers(snap)
	}
	observability.SetMembership(s.cfg.Node.ID, snap.Version, len(snap.Members))

	event := log.Info()
	if !snap.Contains(s.cfg.Node.ID) {
		event = log.Warn()
	}
	event.
		Str("node", s.cfg.Node.ID).
		Uint64("version", snap.Version).
		Strs("members", snap.IDs()).
		Bool("self_listed", snap.Contains(s.cfg.Node.ID)).
		Msg("node membership applied")

	if err := s.router.Reclaim(ctx, prev, s.dir.Ring()); err != nil {
		log.Warn().Str("node", s.cfg.Node.ID).Err(err).Msg("node presence reclaim incomplete")
	}
	return true
}
