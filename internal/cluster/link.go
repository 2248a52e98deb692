package cluster

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/playermesh/internal/protocol/frame"
	"github.com/danmuck/playermesh/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// link is one established connection to a peer. Requests are written under
// writeMu; replies are matched to callers by message id in readLoop.
type link struct {
	node   string
	conn   net.Conn
	reader *bufio.Reader
	limits frame.Limits
	ids    messageIDs

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan frame.Frame
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

func newLink(node string, conn net.Conn, reader *bufio.Reader, limits frame.Limits) *link {
	l := &link{
		node:    node,
		conn:    conn,
		reader:  reader,
		limits:  limits,
		pending: make(map[uint64]chan frame.Frame),
		done:    make(chan struct{}),
	}
	l.ids.next.Store(uint64(time.Now().UnixNano()))
	return l
}

func (l *link) call(
	ctx context.Context,
	build func(messageID uint64) ([]byte, error),
	writeTimeout time.Duration,
) (session.Reply, error) {
	id := l.ids.Next()
	payload, err := build(id)
	if err != nil {
		return session.Reply{}, err
	}
	ch := make(chan frame.Frame, 1)
	if !l.register(id, ch) {
		return session.Reply{}, l.closeErr()
	}
	defer l.unregister(id)

	l.writeMu.Lock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = l.conn.SetWriteDeadline(deadline)
	_, err = l.conn.Write(payload)
	l.writeMu.Unlock()
	if err != nil {
		// A partial write leaves the stream unusable.
		l.close(err)
		return session.Reply{}, err
	}

	select {
	case fr := <-ch:
		return session.DecodeReply(fr)
	case <-ctx.Done():
		return session.Reply{}, ctx.Err()
	case <-l.done:
		return session.Reply{}, l.closeErr()
	}
}

func (l *link) register(id uint64, ch chan frame.Frame) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false
	}
	l.pending[id] = ch
	return true
}

func (l *link) unregister(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, id)
}

func (l *link) readLoop() {
	for {
		fr, err := frame.ReadFrame(l.reader, l.limits)
		if err != nil {
			l.close(err)
			return
		}
		if fr.Header.Flags&frame.FlagIsResponse == 0 {
			log.Warn().
				Str("node", l.node).
				Uint32("message_type", fr.Header.MessageType).
				Msg("cluster link received non-response frame")
			l.close(ErrUnexpectedFrame)
			return
		}
		l.mu.Lock()
		ch, ok := l.pending[fr.Header.MessageID]
		delete(l.pending, fr.Header.MessageID)
		l.mu.Unlock()
		if ok {
			ch <- fr
		}
	}
}

func (l *link) close(cause error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		if cause == nil {
			cause = ErrLinkClosed
		}
		l.err = cause
		l.mu.Unlock()
		close(l.done)
		_ = l.conn.Close()
		log.Debug().Str("node", l.node).Err(cause).Msg("cluster link closed")
	})
}

func (l *link) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *link) closeErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		return ErrLinkClosed
	}
	return fmt.Errorf("%w: %v", ErrLinkClosed, l.err)
}
