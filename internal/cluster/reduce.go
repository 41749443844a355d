package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nmxmxh/simplane/internal/simstate"
	"github.com/nmxmxh/simplane/internal/utils"
)

// Tags used by reductions. Round k uses base + k.
const (
	reduceTag       = 100
	redistributeTag = 200
)

// Reduce folds every rank's local state into one total on rank 0 over
// ceil(log2(size)) rounds. In round k a rank whose low k+1 bits are zero
// receives from rank+2^k, if that rank exists, and the sender drops out.
// Every rank enters the barrier of every round.
//
// The root gets the total; other ranks get nil. Any round that fails or
// outlives RoundTimeout aborts the whole reduction and no total is
// returned. local is not modified.
func Reduce(ctx context.Context, cc *ClusterContext, local *simstate.State) (*simstate.State, error) {
	if local == nil {
		return nil, utils.Fatal(utils.CodeInvalidArgument, "nothing to reduce")
	}
	acc := local.Clone()
	active := true
	started := time.Now()

	for k := 0; k < cc.Rounds(); k++ {
		step := 1 << k
		err := cc.round(ctx, k, func(rctx context.Context) error {
			if !active {
				return nil
			}
			switch cc.Rank % (2 * step) {
			case 0:
				partner := cc.Rank + step
				if partner >= cc.Size {
					return nil
				}
				other, err := receiveState(rctx, cc, partner, reduceTag+k)
				if err != nil {
					return err
				}
				if err := acc.Merge(other); err != nil {
					return utils.WrapFatal(utils.CodeReductionFailed, err, "merge partial result").
						WithContext("from", partner)
				}
				cc.Logger.Debug("Merged partial result", utils.Int("round", k), utils.Int("from", partner))
			case step:
				if err := sendState(rctx, cc, acc, cc.Rank-step, reduceTag+k); err != nil {
					return err
				}
				active = false
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if !cc.Root() {
		return nil, nil
	}
	cc.Logger.Info("Reduction complete",
		utils.Int("nodes", cc.Size),
		utils.Uint64("desorbed", acc.Counters.Desorbed),
		utils.Duration("elapsed", time.Since(started)),
	)
	return acc, nil
}

// Redistribute sends the root's total back down the fan-in tree so every
// rank ends with a copy. Non-root ranks pass nil.
func Redistribute(ctx context.Context, cc *ClusterContext, total *simstate.State) (*simstate.State, error) {
	if cc.Root() {
		if total == nil {
			return nil, utils.Fatal(utils.CodeInvalidArgument, "root has no total to redistribute")
		}
		total = total.Clone()
	} else {
		total = nil
	}

	for k := cc.Rounds() - 1; k >= 0; k-- {
		step := 1 << k
		err := cc.round(ctx, k, func(rctx context.Context) error {
			switch cc.Rank % (2 * step) {
			case 0:
				if total == nil || cc.Rank+step >= cc.Size {
					return nil
				}
				return sendState(rctx, cc, total, cc.Rank+step, redistributeTag+k)
			case step:
				got, err := receiveState(rctx, cc, cc.Rank-step, redistributeTag+k)
				if err != nil {
					return err
				}
				total = got
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if total == nil {
		return nil, utils.Fatal(utils.CodeReductionFailed, "no total received")
	}
	return total, nil
}

// round runs the barrier and fn under one RoundTimeout.
func (cc *ClusterContext) round(ctx context.Context, k int, fn func(context.Context) error) error {
	rctx, cancel := context.WithTimeout(ctx, cc.RoundTimeout)
	defer cancel()

	err := cc.Substrate.Barrier(rctx)
	if err == nil {
		err = fn(rctx)
	}
	if err == nil {
		return nil
	}

	var coded *utils.Error
	switch {
	case errors.As(err, &coded):
		return coded.WithContext("round", k).WithContext("rank", cc.Rank)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		cc.Logger.Error("Reduction round timed out", utils.Int("round", k), utils.Duration("timeout", cc.RoundTimeout))
		return utils.WrapFatal(utils.CodeReductionTimeout, err, fmt.Sprintf("round %d exceeded %v", k, cc.RoundTimeout)).
			WithContext("rank", cc.Rank)
	default:
		cc.Logger.Error("Reduction round failed", utils.Int("round", k), utils.Err(err))
		return utils.WrapFatal(utils.CodeReductionFailed, err, fmt.Sprintf("round %d", k)).
			WithContext("rank", cc.Rank)
	}
}

func sendState(ctx context.Context, cc *ClusterContext, s *simstate.State, dest, tag int) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return utils.WrapFatal(utils.CodeReductionFailed, err, "encode partial result")
	}
	return cc.Substrate.Send(ctx, data, dest, tag)
}

func receiveState(ctx context.Context, cc *ClusterContext, source, tag int) (*simstate.State, error) {
	n, err := cc.Substrate.ProbeSize(ctx, source, tag)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := cc.Substrate.Recv(ctx, buf, source, tag); err != nil {
		return nil, err
	}
	var s simstate.State
	if err := s.UnmarshalBinary(buf); err != nil {
		return nil, utils.WrapFatal(utils.CodeReductionFailed, err, "decode partial result").WithContext("from", source)
	}
	return &s, nil
}
