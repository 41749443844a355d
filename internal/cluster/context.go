// Package cluster folds per-node simulation results into one total with a
// binary fan-in over a message-passing substrate.
package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/nmxmxh/simplane/internal/utils"
)

// DefaultRoundTimeout bounds one fan-in round, barrier included.
const DefaultRoundTimeout = 30 * time.Second

// Substrate is the message-passing layer a reduction runs on. Messages
// between one source and destination with one tag arrive in send order.
type Substrate interface {
	// Barrier returns once every rank has entered it.
	Barrier(ctx context.Context) error
	Send(ctx context.Context, data []byte, dest, tag int) error
	// ProbeSize blocks until a message from source with tag is queued and
	// returns its length without consuming it.
	ProbeSize(ctx context.Context, source, tag int) (int, error)
	// Recv consumes the next message from source with tag into buf, which
	// must be at least as long as the message.
	Recv(ctx context.Context, buf []byte, source, tag int) error
}

// ClusterContext is this node's view of the cluster, built once at startup
// and passed to whatever needs topology.
type ClusterContext struct {
	Rank         int
	Size         int
	Substrate    Substrate
	RoundTimeout time.Duration
	Logger       *utils.Logger
}

// NewClusterContext validates the topology and fills defaults.
func NewClusterContext(rank, size int, substrate Substrate, roundTimeout time.Duration, logger *utils.Logger) (*ClusterContext, error) {
	if size <= 0 || rank < 0 || rank >= size {
		return nil, utils.Fatal(utils.CodeInvalidArgument, fmt.Sprintf("rank %d outside cluster of %d", rank, size))
	}
	if substrate == nil {
		return nil, utils.Fatal(utils.CodeInvalidArgument, "cluster needs a substrate")
	}
	if roundTimeout <= 0 {
		roundTimeout = DefaultRoundTimeout
	}
	if logger == nil {
		logger = utils.DefaultLogger("cluster")
	}
	return &ClusterContext{
		Rank:         rank,
		Size:         size,
		Substrate:    substrate,
		RoundTimeout: roundTimeout,
		Logger:       logger.With(utils.Int("rank", rank)),
	}, nil
}

// Root reports whether this node receives the total.
func (cc *ClusterContext) Root() bool {
	return cc.Rank == 0
}

// Rounds is the number of fan-in rounds for the cluster size.
func (cc *ClusterContext) Rounds() int {
	rounds := 0
	for 1<<rounds < cc.Size {
		rounds++
	}
	return rounds
}
