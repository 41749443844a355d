package cluster

import (
	"context"
	"fmt"
	"sync"
)

// LocalGroup connects n in-process substrates through shared mailboxes and
// a generation barrier. Used for single-host runs and tests.
type LocalGroup struct {
	boxes []*mailbox

	mu      sync.Mutex
	arrived int
	release chan struct{}
}

// NewLocalGroup returns a group of n ranks.
func NewLocalGroup(n int) *LocalGroup {
	g := &LocalGroup{boxes: make([]*mailbox, n), release: make(chan struct{})}
	for i := range g.boxes {
		g.boxes[i] = newMailbox()
	}
	return g
}

// Size returns the number of ranks.
func (g *LocalGroup) Size() int {
	return len(g.boxes)
}

// Substrate returns the endpoint of rank.
func (g *LocalGroup) Substrate(rank int) Substrate {
	return &localSubstrate{group: g, rank: rank}
}

// Close wakes every blocked receiver with ErrClosed.
func (g *LocalGroup) Close() {
	for _, b := range g.boxes {
		b.close()
	}
}

func (g *LocalGroup) barrier(ctx context.Context) error {
	g.mu.Lock()
	g.arrived++
	release := g.release
	if g.arrived == len(g.boxes) {
		g.arrived = 0
		g.release = make(chan struct{})
		close(release)
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type localSubstrate struct {
	group *LocalGroup
	rank  int
}

func (s *localSubstrate) Barrier(ctx context.Context) error {
	return s.group.barrier(ctx)
}

func (s *localSubstrate) Send(ctx context.Context, data []byte, dest, tag int) error {
	if dest < 0 || dest >= len(s.group.boxes) {
		return fmt.Errorf("destination rank %d outside group of %d", dest, len(s.group.boxes))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.group.boxes[dest].put(s.rank, tag, append([]byte(nil), data...))
	return nil
}

func (s *localSubstrate) ProbeSize(ctx context.Context, source, tag int) (int, error) {
	return s.group.boxes[s.rank].probe(ctx, source, tag)
}

func (s *localSubstrate) Recv(ctx context.Context, buf []byte, source, tag int) error {
	return s.group.boxes[s.rank].recv(ctx, buf, source, tag)
}
