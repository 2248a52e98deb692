package router

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Attempt tracks one remote forward awaiting an ack.
type Attempt struct {
	MessageID     string
	Sender        string
	Target        string
	Node          string
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	DeadlineAt    time.Time
	LastError     string

	cancel context.CancelFunc
	reply  Reply
}

// Attempts stores outstanding forwards by message id.
type Attempts struct {
	mu    sync.RWMutex
	items map[string]*Attempt
}

func NewAttempts() *Attempts {
	return &Attempts{
		items: make(map[string]*Attempt),
	}
}

func (a *Attempts) Add(item *Attempt) bool {
	key := strings.TrimSpace(item.MessageID)
	if key == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.items[key]; exists {
		return false
	}
	a.items[key] = item
	return true
}

// MarkAttempt records a send to node and returns a copy of the entry.
func (a *Attempts) MarkAttempt(messageID, node string, at, deadline time.Time) (Attempt, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	item, ok := a.items[messageID]
	if !ok {
		return Attempt{}, false
	}
	item.Attempts++
	item.Node = node
	item.LastAttemptAt = at
	item.DeadlineAt = deadline
	return *item, true
}

func (a *Attempts) MarkError(messageID, lastErr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if item, ok := a.items[messageID]; ok {
		item.LastError = strings.TrimSpace(lastErr)
	}
}

// Remove drops the attempt and reports whether it was still pending. Only
// the caller that removes an attempt may answer its sender.
func (a *Attempts) Remove(messageID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.items[messageID]; !ok {
		return false
	}
	delete(a.items, messageID)
	return true
}

func (a *Attempts) Get(messageID string) (Attempt, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	item, ok := a.items[messageID]
	if !ok {
		return Attempt{}, false
	}
	return *item, true
}

func (a *Attempts) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.items)
}

func (a *Attempts) List() []Attempt {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Attempt, 0, len(a.items))
	for _, item := range a.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

// CancelPlayer cancels and drops every attempt sent by or addressed to
// playerID and returns them.
func (a *Attempts) CancelPlayer(playerID string) []*Attempt {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*Attempt
	for key, item := range a.items {
		if item.Sender != playerID && item.Target != playerID {
			continue
		}
		if item.cancel != nil {
			item.cancel()
		}
		delete(a.items, key)
		out = append(out, item)
	}
	return out
}
