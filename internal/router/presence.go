package router

import (
	"sort"
	"sync"
)

// PresenceEntry records which node holds a player's session when that node
// is not the player's owner.
type PresenceEntry struct {
	PlayerID string `json:"player_id"`
	Holder   string `json:"holder"`
	Session  string `json:"session_id"`
}

// Presence is the owner-side table of remote holders. It is soft state:
// rebuilt by claims after membership changes and never persisted.
type Presence struct {
	mu      sync.RWMutex
	holders map[string]PresenceEntry
}

func NewPresence() *Presence {
	return &Presence{holders: make(map[string]PresenceEntry)}
}

// Set records session on holder for playerID and returns the previous entry.
func (p *Presence) Set(playerID, holder, session string) (PresenceEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.holders[playerID]
	p.holders[playerID] = PresenceEntry{PlayerID: playerID, Holder: holder, Session: session}
	return prev, ok
}

// Clear removes the entry only if it still names holder and session.
func (p *Presence) Clear(playerID, holder, session string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.holders[playerID]
	if !ok || cur.Holder != holder || cur.Session != session {
		return false
	}
	delete(p.holders, playerID)
	return true
}

func (p *Presence) Get(playerID string) (PresenceEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.holders[playerID]
	return e, ok
}

func (p *Presence) Holder(playerID string) (string, bool) {
	e, ok := p.Get(playerID)
	return e.Holder, ok
}

// Prune drops entries for which keep returns false.
func (p *Presence) Prune(keep func(playerID, holder string) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for player, e := range p.holders {
		if !keep(player, e.Holder) {
			delete(p.holders, player)
			n++
		}
	}
	return n
}

func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.holders)
}

func (p *Presence) List() []PresenceEntry {
	p.mu.RLock()
	out := make([]PresenceEntry, 0, len(p.holders))
	for _, e := range p.holders {
		out = append(out, e)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}
