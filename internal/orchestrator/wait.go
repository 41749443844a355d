package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nmxmxh/simplane/internal/control"
	"github.com/nmxmxh/simplane/internal/utils"
)

// Outcome is how a wait ended.
type Outcome int

const (
	Converged Outcome = iota
	TimedOut
	ErrorObserved
)

func (o Outcome) String() string {
	switch o {
	case Converged:
		return "converged"
	case TimedOut:
		return "timed out"
	case ErrorObserved:
		return "error observed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// WaitResult is the table as last observed by a wait.
type WaitResult struct {
	Outcome Outcome
	Slots   []control.StatusSlot
	// Failed lists ordinals in error, crashed, or still lagging at timeout.
	Failed []int
}

// WorkerFailure describes one worker that kept a wait from converging.
type WorkerFailure struct {
	Ordinal int
	Pid     int
	Code    string
	State   control.WorkerState
	Status  string
}

// RunError aggregates every worker failure seen by one wait.
type RunError struct {
	Outcome  Outcome
	Failures []WorkerFailure
}

func (e *RunError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("worker %d %s (%s: %s)", f.Ordinal, strings.ToLower(f.Code), f.State, f.Status)
	}
	return fmt.Sprintf("%s: %s", e.Outcome, strings.Join(parts, "; "))
}

// Unwrap exposes each failure as a coded error so utils.HasCode can match
// any of them.
func (e *RunError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = utils.Fatal(f.Code, f.Status).WithContext("ordinal", f.Ordinal)
	}
	return errs
}

// Ordinals returns the failing workers in ascending order.
func (e *RunError) Ordinals() []int {
	out := make([]int, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Ordinal
	}
	slices.Sort(out)
	return out
}

// WaitFor polls until every worker has acknowledged its last command and
// reports state, a worker fails, or timeout passes. A zero timeout waits
// until ctx ends.
func (o *Orchestrator) WaitFor(ctx context.Context, state control.WorkerState, timeout time.Duration) (WaitResult, error) {
	return o.WaitForAny(ctx, timeout, state)
}

// WaitForAny is WaitFor with a set of acceptable states.
func (o *Orchestrator) WaitForAny(ctx context.Context, timeout time.Duration, states ...control.WorkerState) (WaitResult, error) {
	settled := func(_ int, s control.StatusSlot) bool {
		return acked(s) && slices.Contains(states, s.State)
	}
	return o.poll(ctx, timeout, settled, true)
}

// waitAcked waits until every worker has consumed its last command,
// whatever state it ended in.
func (o *Orchestrator) waitAcked(ctx context.Context, timeout time.Duration) (WaitResult, error) {
	return o.poll(ctx, timeout, func(_ int, s control.StatusSlot) bool {
		return acked(s) && s.State != control.StateComputingAccel
	}, true)
}

func acked(s control.StatusSlot) bool {
	return s.AckSeq == s.Seq
}

// poll samples the table every PollInterval. With failFast it returns as
// soon as a worker is seen in error, crashed or hung; otherwise crashed and
// hung workers count as settled.
func (o *Orchestrator) poll(ctx context.Context, timeout time.Duration, settled func(int, control.StatusSlot) bool, failFast bool) (WaitResult, error) {
	if o.table == nil {
		return WaitResult{}, utils.Fatal(utils.CodeInvalidState, "orchestrator not initialized")
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	var last WaitResult
	for {
		slots, err := o.table.Snapshot(o.cfg.AcquireTimeout)
		switch {
		case err == nil:
			last = WaitResult{Slots: slots}
			pending, failures := o.classify(slots, settled, failFast)
			if len(failures) > 0 {
				return o.failed(last, ErrorObserved, failures)
			}
			if len(pending) == 0 {
				last.Outcome = Converged
				return last, nil
			}
			last.Failed = pending
		case !utils.IsRetryable(err):
			return last, err
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline:
			var failures []WorkerFailure
			for _, i := range last.Failed {
				failures = append(failures, o.failure(i, last.Slots[i], utils.CodeConvergenceTimeout))
			}
			if len(failures) == 0 {
				return last, utils.Retryable(utils.CodeConvergenceTimeout, "command region stayed busy")
			}
			return o.failed(last, TimedOut, failures)
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) classify(slots []control.StatusSlot, settled func(int, control.StatusSlot) bool, failFast bool) (pending []int, failures []WorkerFailure) {
	for i, s := range slots {
		if settled(i, s) {
			continue
		}
		crashed := s.State != control.StateKilled && o.exited(i)
		hung := !crashed && o.hung(s)
		switch {
		case crashed && failFast:
			failures = append(failures, o.failure(i, s, utils.CodeWorkerCrashed))
		case hung && failFast:
			failures = append(failures, o.failure(i, s, utils.CodeWorkerHung))
		case crashed, hung:
		case failFast && s.State == control.StateError && acked(s):
			failures = append(failures, o.failure(i, s, utils.CodeWorkerError))
		default:
			pending = append(pending, i)
		}
	}
	return pending, failures
}

func (o *Orchestrator) failure(ordinal int, s control.StatusSlot, code string) WorkerFailure {
	status := s.Status
	switch code {
	case utils.CodeWorkerCrashed:
		status = "exited without reporting; last status: " + s.Status
	case utils.CodeWorkerHung:
		status = fmt.Sprintf("no heartbeat for %s; last status: %s", time.Since(s.Heartbeat).Round(time.Millisecond), s.Status)
	}
	return WorkerFailure{Ordinal: ordinal, Pid: int(s.PID), Code: code, State: s.State, Status: status}
}

func (o *Orchestrator) failed(res WaitResult, outcome Outcome, failures []WorkerFailure) (WaitResult, error) {
	res.Outcome = outcome
	res.Failed = res.Failed[:0]
	for _, f := range failures {
		res.Failed = append(res.Failed, f.Ordinal)
		o.logger.Warn("Worker failed",
			utils.Int("ordinal", f.Ordinal),
			utils.String("code", f.Code),
			utils.String("state", f.State.String()),
			utils.String("status", f.Status),
		)
	}
	return res, &RunError{Outcome: outcome, Failures: failures}
}

// hung reports a live worker whose slot has not been published within the
// heartbeat timeout. Slots never written by a worker are left to the
// attach timeout.
func (o *Orchestrator) hung(s control.StatusSlot) bool {
	if s.State == control.StateKilled || s.Heartbeat.IsZero() {
		return false
	}
	limit := o.cfg.HeartbeatTimeout
	if s.State == control.StateRunning || s.State == control.StateComputingAccel {
		limit += o.finalMergeTimeout()
	}
	return time.Since(s.Heartbeat) > limit
}

func (o *Orchestrator) exited(ordinal int) bool {
	if ordinal >= len(o.procs) || o.procs[ordinal] == nil {
		return false
	}
	return o.procs[ordinal].Exited()
}
