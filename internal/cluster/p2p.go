package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio"
	"github.com/sony/gobreaker"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nmxmxh/simplane/internal/utils"
)

// ProtocolID is the libp2p protocol reductions speak.
const ProtocolID = protocol.ID("/simplane/reduce/1.0.0")

const barrierTag = 1 << 24

// P2POptions tunes the libp2p substrate.
type P2POptions struct {
	// MaxMessageSize caps one inbound frame. Default 64 MiB.
	MaxMessageSize int
	// BreakerFailures consecutive send failures open a peer's breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long an open breaker rejects sends.
	BreakerTimeout time.Duration
	Logger         *utils.Logger
}

func (o P2POptions) withDefaults() P2POptions {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 20
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = utils.DefaultLogger("p2p")
	}
	return o
}

// P2PSubstrate carries reduction traffic over libp2p streams. Each frame
// is a varint length-prefixed envelope naming source rank and tag. The
// barrier is coordinated by rank 0.
type P2PSubstrate struct {
	host   host.Host
	rank   int
	peers  []peer.AddrInfo
	ranks  map[peer.ID]int
	box    *mailbox
	opts   P2POptions
	logger *utils.Logger

	breakers   []*gobreaker.CircuitBreaker
	outbound   []*outbound
	generation atomic.Uint64
}

type outbound struct {
	mu     sync.Mutex
	stream network.Stream
	w      msgio.WriteCloser
}

// NewP2PSubstrate binds rank to h. peers lists every rank's address in
// rank order; peers[rank] must be h itself.
func NewP2PSubstrate(h host.Host, rank int, peers []peer.AddrInfo, opts P2POptions) (*P2PSubstrate, error) {
	opts = opts.withDefaults()
	if rank < 0 || rank >= len(peers) {
		return nil, utils.Fatal(utils.CodeInvalidArgument, fmt.Sprintf("rank %d outside %d peers", rank, len(peers)))
	}
	if peers[rank].ID != h.ID() {
		return nil, utils.Fatal(utils.CodeInvalidArgument, "peer list does not place this host at its rank").
			WithContext("rank", rank).WithContext("host", h.ID().String())
	}

	s := &P2PSubstrate{
		host:     h,
		rank:     rank,
		peers:    peers,
		ranks:    make(map[peer.ID]int, len(peers)),
		box:      newMailbox(),
		opts:     opts,
		logger:   opts.Logger.With(utils.Int("rank", rank)),
		breakers: make([]*gobreaker.CircuitBreaker, len(peers)),
		outbound: make([]*outbound, len(peers)),
	}
	for i, p := range peers {
		if _, dup := s.ranks[p.ID]; dup {
			return nil, utils.Fatal(utils.CodeInvalidArgument, "peer listed twice").WithContext("peer", p.ID.String())
		}
		s.ranks[p.ID] = i
		s.outbound[i] = &outbound{}
		if i != rank {
			h.Peerstore().AddAddrs(p.ID, p.Addrs, peerstore.PermanentAddrTTL)
		}
		s.breakers[i] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        fmt.Sprintf("rank-%d", i),
			MaxRequests: 1,
			Timeout:     opts.BreakerTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= opts.BreakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				s.logger.Warn("Peer breaker changed state",
					utils.String("peer", name),
					utils.String("from", from.String()),
					utils.String("to", to.String()),
				)
			},
		})
	}

	h.SetStreamHandler(ProtocolID, s.handle)
	return s, nil
}

// Size is the number of ranks.
func (s *P2PSubstrate) Size() int {
	return len(s.peers)
}

func (s *P2PSubstrate) handle(st network.Stream) {
	defer st.Close()

	remote := st.Conn().RemotePeer()
	src, ok := s.ranks[remote]
	if !ok {
		s.logger.Warn("Stream from unknown peer", utils.String("peer", remote.String()))
		_ = st.Reset()
		return
	}

	r := msgio.NewVarintReaderSize(st, s.opts.MaxMessageSize)
	defer r.Close()
	for {
		msg, err := r.ReadMsg()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("Stream ended", utils.Int("from", src), utils.Err(err))
			}
			return
		}
		env, err := unmarshalEnvelope(msg)
		r.ReleaseMsg(msg)
		if err != nil {
			s.logger.Warn("Dropping stream with bad frame", utils.Int("from", src), utils.Err(err))
			_ = st.Reset()
			return
		}
		if env.Source != src {
			s.logger.Warn("Frame source does not match peer",
				utils.Int("claimed", env.Source), utils.Int("peer_rank", src))
			_ = st.Reset()
			return
		}
		s.box.put(env.Source, env.Tag, env.Payload)
	}
}

func (s *P2PSubstrate) Send(ctx context.Context, data []byte, dest, tag int) error {
	if dest < 0 || dest >= len(s.peers) {
		return fmt.Errorf("destination rank %d outside %d peers", dest, len(s.peers))
	}
	if dest == s.rank {
		s.box.put(s.rank, tag, append([]byte(nil), data...))
		return nil
	}

	frame := envelope{Source: s.rank, Tag: tag, Payload: data}.marshal()
	backoff := 20 * time.Millisecond
	for {
		_, err := s.breakers[dest].Execute(func() (interface{}, error) {
			return nil, s.write(ctx, dest, frame)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("send to rank %d: %w", dest, ctx.Err())
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("rank %d unreachable: %w", dest, err)
		}
		s.logger.Debug("Send failed, retrying", utils.Int("dest", dest), utils.Err(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("send to rank %d: %w", dest, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, time.Second)
	}
}

func (s *P2PSubstrate) write(ctx context.Context, dest int, frame []byte) error {
	o := s.outbound[dest]
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stream == nil {
		st, err := s.host.NewStream(ctx, s.peers[dest].ID, ProtocolID)
		if err != nil {
			return err
		}
		o.stream = st
		o.w = msgio.NewVarintWriter(st)
	}

	deadline, _ := ctx.Deadline()
	_ = o.stream.SetWriteDeadline(deadline)
	if err := o.w.WriteMsg(frame); err != nil {
		_ = o.stream.Reset()
		o.stream, o.w = nil, nil
		return err
	}
	return nil
}

func (s *P2PSubstrate) ProbeSize(ctx context.Context, source, tag int) (int, error) {
	return s.box.probe(ctx, source, tag)
}

func (s *P2PSubstrate) Recv(ctx context.Context, buf []byte, source, tag int) error {
	return s.box.recv(ctx, buf, source, tag)
}

// Barrier gathers an arrival from every rank at rank 0, which then
// releases them all. Frames carry a generation so a late arrival from an
// earlier barrier is detected instead of satisfying this one.
func (s *P2PSubstrate) Barrier(ctx context.Context) error {
	if len(s.peers) == 1 {
		return nil
	}
	gen := s.generation.Add(1)
	token := protowire.AppendVarint(nil, gen)

	if s.rank != 0 {
		if err := s.Send(ctx, token, 0, barrierTag); err != nil {
			return err
		}
		return s.awaitGeneration(ctx, 0, gen)
	}

	for r := 1; r < len(s.peers); r++ {
		if err := s.awaitGeneration(ctx, r, gen); err != nil {
			return err
		}
	}
	for r := 1; r < len(s.peers); r++ {
		if err := s.Send(ctx, token, r, barrierTag); err != nil {
			return err
		}
	}
	return nil
}

func (s *P2PSubstrate) awaitGeneration(ctx context.Context, source int, gen uint64) error {
	msg, err := s.box.head(ctx, source, barrierTag, true)
	if err != nil {
		return fmt.Errorf("barrier %d waiting for rank %d: %w", gen, source, err)
	}
	got, n := protowire.ConsumeVarint(msg)
	if n < 0 || got != gen {
		return fmt.Errorf("barrier %d: rank %d sent generation %d", gen, source, got)
	}
	return nil
}

// Close stops accepting frames and resets outbound streams.
func (s *P2PSubstrate) Close() error {
	s.host.RemoveStreamHandler(ProtocolID)
	var errs []error
	for _, o := range s.outbound {
		o.mu.Lock()
		if o.stream != nil {
			errs = append(errs, o.stream.Close())
			o.stream, o.w = nil, nil
		}
		o.mu.Unlock()
	}
	s.box.close()
	return errors.Join(errs...)
}
