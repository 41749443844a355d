package stepping

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/simplane/internal/simstate"
	"github.com/nmxmxh/simplane/internal/utils"
)

const maxIdleSteps = 1000

// thread is one stepping thread's persistent record. It survives pause and
// resume; only the goroutine running it touches pending, local and stepper.
type thread struct {
	id        int
	budget    uint64
	unlimited bool
	stepper   Stepper
	local     *simstate.State
	pending   uint64
	lastMerge time.Time
	idle      int

	consumed     atomic.Uint64
	batch        atomic.Uint64
	merges       atomic.Uint64
	failedMerges atomic.Uint64
	maxGap       atomic.Int64
}

func (th *thread) remaining() uint64 {
	if th.unlimited {
		return ^uint64(0) - th.pending
	}
	used := th.consumed.Load() + th.pending
	if used >= th.budget {
		return 0
	}
	return th.budget - used
}

func (th *thread) exhausted() bool {
	return !th.unlimited && th.consumed.Load() >= th.budget
}

func (th *thread) reset() {
	th.local.Reset()
	th.pending = 0
	th.idle = 0
	th.consumed.Store(0)
	th.merges.Store(0)
	th.failedMerges.Store(0)
	th.maxGap.Store(0)
}

// run steps until the budget, the time limit or a stop request ends the
// loop, then makes one last merge with the long timeout.
func (p *Pool) run(ctx context.Context, th *thread) error {
	log := p.logger.With(utils.Int("thread", th.id))
	th.lastMerge = time.Now()

	loopErr := p.stepLoop(ctx, th)
	if loopErr != nil {
		log.Error("Stepping failed", utils.Err(loopErr))
	}
	if p.abandon.Load() {
		p.ring.Remove(th.id)
		return loopErr
	}

	mergeErr := p.finalMerge(th)
	p.ring.Remove(th.id)
	if mergeErr != nil {
		log.Error("Final merge failed", utils.Uint64("pending", th.pending), utils.Err(mergeErr))
	}
	return errors.Join(loopErr, mergeErr)
}

func (p *Pool) stepLoop(ctx context.Context, th *thread) error {
	for {
		if p.stop.Load() || ctx.Err() != nil || p.timeUp() {
			return nil
		}
		remaining := th.remaining()
		if remaining == 0 {
			return nil
		}

		tun := p.Tunables()
		n := th.batch.Load()
		if n > remaining {
			n = remaining
		}

		start := time.Now()
		completed, err := p.safeStep(ctx, th, n)
		elapsed := time.Since(start)
		if completed > n {
			return utils.Fatal(utils.CodeStepFailed, fmt.Sprintf("stepper completed %d of %d requested", completed, n))
		}
		th.pending += completed
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return utils.WrapFatal(utils.CodeStepFailed, err, "step").WithContext("thread", th.id)
		}

		if completed == 0 {
			th.idle++
			if th.idle >= maxIdleSteps {
				return utils.Fatal(utils.CodeStepFailed, "stepper makes no progress").WithContext("thread", th.id)
			}
		} else {
			th.idle = 0
		}
		p.adjustBatch(th, completed, elapsed, tun.MergeInterval)

		if th.pending > 0 && (p.ring.IsTurn(th.id) || time.Since(th.lastMerge) >= tun.FairnessTimeout) {
			if err := p.tryMerge(th, tun.MergeTimeout); err != nil {
				return err
			}
		}
	}
}

func (p *Pool) safeStep(ctx context.Context, th *thread, n uint64) (completed uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			completed = 0
			err = fmt.Errorf("stepper panic: %v", r)
		}
	}()
	return th.stepper.Step(ctx, n, th.local)
}

// adjustBatch sizes the next batch so a step takes about one merge
// interval, growing at most twofold per step.
func (p *Pool) adjustBatch(th *thread, completed uint64, elapsed, interval time.Duration) {
	cur := th.batch.Load()
	next := cur * 2
	if elapsed > 0 && completed > 0 && interval > 0 {
		rate := float64(completed) / elapsed.Seconds()
		if target := uint64(rate * interval.Seconds()); target < next {
			next = target
		}
	}
	if next < p.cfg.MinBatch {
		next = p.cfg.MinBatch
	}
	if next > p.cfg.MaxBatch {
		next = p.cfg.MaxBatch
	}
	th.batch.Store(next)
}

// tryMerge attempts one merge. Budget is consumed only when it succeeds; a
// busy lock keeps the local counters for the next attempt.
func (p *Pool) tryMerge(th *thread, timeout time.Duration) error {
	err := p.sink.Merge(th.local, timeout)
	if err != nil {
		th.failedMerges.Add(1)
		if utils.IsRetryable(err) {
			return nil
		}
		return err
	}
	p.commit(th)
	p.ring.Advance(th.id)
	return nil
}

func (p *Pool) commit(th *thread) {
	now := time.Now()
	if gap := now.Sub(th.lastMerge); int64(gap) > th.maxGap.Load() {
		th.maxGap.Store(int64(gap))
	}
	th.lastMerge = now
	th.consumed.Add(th.pending)
	th.pending = 0
	th.local.Reset()
	th.merges.Add(1)
}

func (p *Pool) finalMerge(th *thread) error {
	if th.pending == 0 && th.local.Empty() {
		return nil
	}
	timeout := p.Tunables().FinalMergeTimeout
	if err := p.sink.Merge(th.local, timeout); err != nil {
		th.failedMerges.Add(1)
		return utils.WrapFatal(utils.CodeMergeFailed, err, "final merge").
			WithContext("thread", th.id).
			WithContext("pending", th.pending)
	}
	p.commit(th)
	return nil
}
