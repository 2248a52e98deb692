// Package mailbox runs closures for one owner strictly in arrival order on
// a single goroutine.
package mailbox

import (
	"sync"

	"github.com/eapache/queue"
)

// Mailbox is an unbounded FIFO of work items drained by Run.
type Mailbox struct {
	mu     sync.Mutex
	q      *queue.Queue
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func New() *Mailbox {
	return &Mailbox{
		q:      queue.New(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post enqueues fn. It returns false once the mailbox is closed.
func (m *Mailbox) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.q.Add(fn)
	m.mu.Unlock()
	m.wake()
	return true
}

// Close stops accepting work. Items already queued still run.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.Length()
}

// Done is closed when Run has returned.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

// Run drains the mailbox until it is closed and empty.
func (m *Mailbox) Run() {
	defer close(m.done)
	for {
		fn, ok, closed := m.next()
		if ok {
			fn()
			continue
		}
		if closed {
			return
		}
		<-m.notify
	}
}

func (m *Mailbox) next() (func(), bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.q.Length() == 0 {
		return nil, false, m.closed
	}
	return m.q.Remove().(func()), true, m.closed
}

func (m *Mailbox) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
