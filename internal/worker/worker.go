// Package worker implements the per-process loop that applies orchestrator
// commands, runs the stepping threads and reports state through the
// command region.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nmxmxh/simplane/internal/control"
	"github.com/nmxmxh/simplane/internal/dataport"
	"github.com/nmxmxh/simplane/internal/simstate"
	"github.com/nmxmxh/simplane/internal/stepping"
	"github.com/nmxmxh/simplane/internal/utils"
)

const (
	defaultPollInterval   = 5 * time.Millisecond
	defaultAcquireTimeout = 50 * time.Millisecond
)

// Config configures one worker.
type Config struct {
	Ordinal int
	// ParentPID is the orchestrator to watch. Zero uses the pid recorded
	// in the command table.
	ParentPID int
	RunID     string
	Namespace dataport.Namespace
	// Threads overrides the thread count from the load payload when set.
	Threads        int
	PollInterval   time.Duration
	AcquireTimeout time.Duration
	RegionOptions  dataport.Options
	Liveness       Liveness
	// Resolve maps a stepper kind to a factory. Defaults to the registry.
	Resolve func(kind string) (stepping.Factory, error)
	Logger  *utils.Logger
}

// Worker is the state machine of one worker process.
type Worker struct {
	cfg    Config
	names  control.RegionNames
	logger *utils.Logger
	pid    int

	table   *control.StatusTable
	params  *dataport.Region
	results *dataport.Region
	runLog  *dataport.Region

	payload *control.LoadPayload
	pool    *stepping.Pool

	state  control.WorkerState
	status string
	ackSeq uint64
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Worker, error) {
	if cfg.Namespace == nil {
		return nil, utils.Fatal(utils.CodeInvalidArgument, "worker needs a region namespace")
	}
	if cfg.RunID == "" {
		return nil, utils.Fatal(utils.CodeInvalidArgument, "worker needs a run id")
	}
	if cfg.Ordinal < 0 {
		return nil, utils.Fatal(utils.CodeInvalidArgument, "worker ordinal must not be negative")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.Liveness == nil {
		cfg.Liveness = ProcessLiveness{}
	}
	if cfg.Resolve == nil {
		cfg.Resolve = stepping.Lookup
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("worker")
	}
	if cfg.RegionOptions.Logger == nil {
		cfg.RegionOptions.Logger = cfg.Logger
	}

	return &Worker{
		cfg:    cfg,
		names:  control.Names(cfg.RunID),
		logger: cfg.Logger.With(utils.Int("ordinal", cfg.Ordinal)),
		pid:    os.Getpid(),
	}, nil
}

// State returns the last state the worker set.
func (w *Worker) State() control.WorkerState {
	return w.state
}

// Run attaches to the command region and loops until exit, loss of the
// orchestrator or ctx cancellation. Cancellation abandons the threads
// without reporting, as a crashed process would.
func (w *Worker) Run(ctx context.Context) error {
	table, err := control.OpenTable(w.cfg.Namespace, w.names.Command, w.cfg.RegionOptions)
	if err != nil {
		return err
	}
	w.table = table
	defer w.closeRegions()

	if w.cfg.Ordinal >= table.Len() {
		return utils.Fatal(utils.CodeInvalidArgument, fmt.Sprintf("ordinal %d outside table of %d", w.cfg.Ordinal, table.Len()))
	}
	if w.cfg.ParentPID == 0 {
		w.cfg.ParentPID = table.OrchestratorPID()
	}

	w.setState(control.StateStarting, "attached")
	if err := w.publishBlocking(); err != nil {
		return err
	}
	w.logger.Info("Worker attached", utils.Int("pid", w.pid), utils.Int("parent", w.cfg.ParentPID))

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.abandon()
			return ctx.Err()
		case <-ticker.C:
		case <-w.poolDone():
		}
		if err := ctx.Err(); err != nil {
			w.abandon()
			return err
		}

		if !w.cfg.Liveness.Alive(w.cfg.ParentPID) {
			w.logger.Error("Orchestrator lost, stopping", utils.Int("parent", w.cfg.ParentPID))
			w.stopThreads()
			w.fail("orchestrator lost")
			_ = w.publishBlocking()
			return utils.Fatal(utils.CodeWorkerError, "orchestrator lost").WithContext("parent", w.cfg.ParentPID)
		}

		exit, err := w.tick(ctx)
		if exit || err != nil {
			return err
		}
	}
}

func (w *Worker) poolDone() <-chan struct{} {
	if w.pool == nil || w.state != control.StateRunning {
		return nil
	}
	return w.pool.Done()
}

// tick reads the slot, applies a pending command, observes the threads and
// publishes the result.
func (w *Worker) tick(ctx context.Context) (exit bool, err error) {
	slot, err := w.table.Read(w.cfg.Ordinal, w.cfg.AcquireTimeout)
	if err != nil {
		if utils.IsRetryable(err) {
			w.logger.Debug("Command region busy", utils.Err(err))
			return false, nil
		}
		return true, err
	}

	w.observeThreads()

	if slot.Pending() && slot.Seq != w.ackSeq {
		w.logger.Debug("Command received",
			utils.String("command", slot.Command.String()),
			utils.Uint64("seq", slot.Seq),
		)
		exit = w.apply(ctx, slot)
		w.ackSeq = slot.Seq
	}

	if exit {
		return true, w.publishBlocking()
	}
	if err := w.publish(w.cfg.AcquireTimeout); err != nil && !utils.IsRetryable(err) {
		return true, err
	}
	return false, nil
}

// observeThreads moves Running to Done or Error once the threads finish on
// their own.
func (w *Worker) observeThreads() {
	if w.state != control.StateRunning || w.pool == nil {
		return
	}
	if w.pool.Running() {
		w.status = w.pool.Progress()
		return
	}
	w.writeRunLog()
	if err := w.pool.Err(); err != nil {
		w.fail(err.Error())
		return
	}
	switch {
	case w.pool.Exhausted():
		w.setState(control.StateDone, "desorption limit reached: "+w.pool.Progress())
	case w.pool.TimeLimitReached():
		w.setState(control.StateDone, "time limit reached: "+w.pool.Progress())
	default:
		w.setState(control.StateReady, "threads stopped: "+w.pool.Progress())
	}
}

func (w *Worker) setState(to control.WorkerState, status string) {
	if to != w.state && w.state != control.StateUnset && !control.CanTransition(w.state, to) {
		w.logger.Warn("Refusing state change",
			utils.String("from", w.state.String()),
			utils.String("to", to.String()),
		)
		return
	}
	if to != w.state {
		w.logger.Info("State change",
			utils.String("from", w.state.String()),
			utils.String("to", to.String()),
			utils.String("status", status),
		)
	}
	w.state = to
	w.status = status
}

func (w *Worker) fail(reason string) {
	w.setState(control.StateError, reason)
}

func (w *Worker) publish(timeout time.Duration) error {
	return w.table.Update(w.cfg.Ordinal, timeout, func(s *control.StatusSlot) error {
		if s.State != w.state {
			s.PrevState = s.State
		}
		s.PID = uint64(w.pid)
		s.State = w.state
		s.Status = w.status
		s.AckSeq = w.ackSeq
		if s.Seq == w.ackSeq {
			s.Command = control.CommandNone
		}
		s.Heartbeat = time.Now()
		return nil
	})
}

// publishBlocking keeps retrying a busy command region for the region
// retry window.
func (w *Worker) publishBlocking() error {
	window := w.cfg.RegionOptions.RetryWindow
	if window <= 0 {
		window = 2 * time.Second
	}
	return w.publish(window)
}

func (w *Worker) stopThreads() {
	if w.pool == nil || !w.pool.Running() {
		return
	}
	if err := w.pool.Stop(); err != nil {
		w.logger.Error("Threads stopped with error", utils.Err(err))
	}
	w.writeRunLog()
}

func (w *Worker) abandon() {
	if w.pool != nil {
		w.pool.Abandon()
	}
}

func (w *Worker) writeRunLog() {
	if w.runLog == nil || w.pool == nil {
		return
	}
	stats := w.pool.Stats()
	entries := make([]control.ThreadLog, len(stats))
	for i, st := range stats {
		entries[i] = control.ThreadLog{
			Thread:       st.Thread,
			Budget:       st.Budget,
			Consumed:     st.Consumed,
			Merges:       st.Merges,
			FailedMerges: st.FailedMerges,
			MaxMergeGap:  st.MaxMergeGap,
		}
	}
	threads := len(entries)
	if w.payload != nil && w.payload.Threads > 0 {
		threads = w.payload.Threads
	}
	if err := control.WriteWorkerLog(w.runLog, w.cfg.Ordinal, threads, entries, w.cfg.AcquireTimeout); err != nil {
		w.logger.Warn("Run log not written", utils.Err(err))
	}
}

func (w *Worker) closeRegions() {
	var errs []error
	for _, r := range []**dataport.Region{&w.runLog, &w.results, &w.params} {
		if *r != nil {
			errs = append(errs, (*r).Close(false))
			*r = nil
		}
	}
	if w.table != nil {
		errs = append(errs, w.table.Close(false))
	}
	if err := errors.Join(errs...); err != nil {
		w.logger.Warn("Closing regions", utils.Err(err))
	}
}

// attachOptional opens a region the orchestrator may not have created.
func (w *Worker) attachOptional(name string) *dataport.Region {
	opts := w.cfg.RegionOptions
	opts.RetryWindow = time.Nanosecond
	r, err := dataport.Open(w.cfg.Namespace, name, 0, opts)
	if err != nil {
		return nil
	}
	return r
}

func (w *Worker) resultShape() simstate.Shape {
	if w.payload == nil {
		return simstate.Shape{}
	}
	return w.payload.Shape
}
