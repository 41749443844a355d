package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by substrates after Close.
var ErrClosed = errors.New("cluster: substrate closed")

type mailKey struct {
	src, tag int
}

// mailbox queues inbound messages per (source, tag).
type mailbox struct {
	mu     sync.Mutex
	queues map[mailKey][][]byte
	wake   chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{queues: make(map[mailKey][][]byte), wake: make(chan struct{})}
}

func (m *mailbox) put(src, tag int, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	k := mailKey{src, tag}
	m.queues[k] = append(m.queues[k], data)
	close(m.wake)
	m.wake = make(chan struct{})
}

// head waits for the first message of (src, tag); with take it is removed.
func (m *mailbox) head(ctx context.Context, src, tag int, take bool) ([]byte, error) {
	k := mailKey{src, tag}
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		if q := m.queues[k]; len(q) > 0 {
			msg := q[0]
			if take {
				if len(q) == 1 {
					delete(m.queues, k)
				} else {
					m.queues[k] = q[1:]
				}
			}
			m.mu.Unlock()
			return msg, nil
		}
		wake := m.wake
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

func (m *mailbox) probe(ctx context.Context, src, tag int) (int, error) {
	msg, err := m.head(ctx, src, tag, false)
	if err != nil {
		return 0, err
	}
	return len(msg), nil
}

func (m *mailbox) recv(ctx context.Context, buf []byte, src, tag int) error {
	msg, err := m.head(ctx, src, tag, false)
	if err != nil {
		return err
	}
	if len(buf) < len(msg) {
		return fmt.Errorf("receive buffer of %d bytes for %d byte message from rank %d", len(buf), len(msg), src)
	}
	if _, err := m.head(ctx, src, tag, true); err != nil {
		return err
	}
	copy(buf, msg)
	return nil
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.queues = nil
	close(m.wake)
}
