// Package orchestrator owns one simulation run: it creates the shared
// regions, launches workers, broadcasts commands and waits for the workers
// to converge.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/simplane/internal/control"
	"github.com/nmxmxh/simplane/internal/dataport"
	"github.com/nmxmxh/simplane/internal/simstate"
	"github.com/nmxmxh/simplane/internal/utils"
)

const (
	DefaultParamCapacity   = 64 << 10
	DefaultPollInterval    = 5 * time.Millisecond
	DefaultConvergeTimeout = 10 * time.Second
	DefaultExitTimeout     = 10 * time.Second
	DefaultAcquireTimeout  = time.Second

	// Workers publish every poll tick; a slot left untouched this long
	// belongs to a hung worker.
	DefaultHeartbeatTimeout = 10 * time.Second
)

// Config describes a run.
type Config struct {
	RunID   string
	Workers int
	// Threads per worker, passed on spawn and used as the load default.
	Threads       int
	Shape         simstate.Shape
	Namespace     dataport.Namespace
	Spawner       Spawner
	ParamCapacity uint32

	PollInterval    time.Duration
	ConvergeTimeout time.Duration
	ExitTimeout     time.Duration
	AcquireTimeout  time.Duration

	// HeartbeatTimeout bounds how stale a live worker's slot may get. Slots
	// of Running or loading workers get FinalMergeTimeout on top, since
	// those may block in a final merge.
	HeartbeatTimeout time.Duration

	RegionOptions dataport.Options
	Logger        *utils.Logger
}

// Orchestrator drives the workers of one run.
type Orchestrator struct {
	cfg    Config
	names  control.RegionNames
	logger *utils.Logger
	pid    int

	table   *control.StatusTable
	params  *dataport.Region
	results *dataport.Region
	runLog  *dataport.Region
	procs   []Process

	payload *control.LoadPayload
}

// New validates cfg and fills defaults. Nothing is allocated until Init.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Workers <= 0 {
		return nil, utils.Fatal(utils.CodeInvalidArgument, "run needs at least one worker")
	}
	if cfg.Threads <= 0 {
		return nil, utils.Fatal(utils.CodeInvalidArgument, "workers need at least one thread")
	}
	if err := cfg.Shape.Validate(); err != nil {
		return nil, utils.WrapFatal(utils.CodeInvalidArgument, err, "result shape")
	}
	if cfg.Namespace == nil || cfg.Spawner == nil {
		return nil, utils.Fatal(utils.CodeInvalidArgument, "orchestrator needs a namespace and a spawner")
	}
	if cfg.RunID == "" {
		cfg.RunID = utils.RunID()
	}
	if cfg.ParamCapacity == 0 {
		cfg.ParamCapacity = DefaultParamCapacity
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ConvergeTimeout <= 0 {
		cfg.ConvergeTimeout = DefaultConvergeTimeout
	}
	if cfg.ExitTimeout <= 0 {
		cfg.ExitTimeout = DefaultExitTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("orchestrator")
	}
	if cfg.RegionOptions.Logger == nil {
		cfg.RegionOptions.Logger = cfg.Logger
	}

	return &Orchestrator{
		cfg:    cfg,
		names:  control.Names(cfg.RunID),
		logger: cfg.Logger.With(utils.String("run", cfg.RunID)),
		pid:    os.Getpid(),
	}, nil
}

// RunID returns the run identifier that prefixes every region name.
func (o *Orchestrator) RunID() string { return o.cfg.RunID }

// Processes returns the launched workers by ordinal.
func (o *Orchestrator) Processes() []Process { return o.procs }

// Init creates the regions, launches the workers and waits until each has
// attached. Region failures abort before anything is spawned; spawn
// failures kill what was started. Either way no region is left behind.
func (o *Orchestrator) Init(ctx context.Context) error {
	if o.table != nil {
		return utils.Fatal(utils.CodeInvalidState, "orchestrator already initialized")
	}
	if err := o.createRegions(); err != nil {
		o.closeRegions(true)
		return err
	}

	for i := 0; i < o.cfg.Workers; i++ {
		proc, err := o.cfg.Spawner.Spawn(ctx, SpawnRequest{
			Ordinal:         i,
			RunID:           o.cfg.RunID,
			OrchestratorPID: o.pid,
			Locator:         o.cfg.Namespace.Locator(),
			Threads:         o.cfg.Threads,
		})
		if err != nil {
			o.logger.Error("Spawn failed", utils.Int("ordinal", i), utils.Err(err))
			o.killAll()
			o.closeRegions(true)
			return utils.WrapFatal(utils.CodeSpawnFailed, err, "spawn worker").WithContext("ordinal", i)
		}
		o.procs = append(o.procs, proc)
	}
	o.logger.Info("Workers spawned", utils.Int("workers", o.cfg.Workers), utils.Int("threads", o.cfg.Threads))

	if _, err := o.WaitFor(ctx, control.StateStarting, o.cfg.ConvergeTimeout); err != nil {
		o.logger.Error("Workers did not attach", utils.Err(err))
		if terr := o.TerminateAll(context.WithoutCancel(ctx)); terr != nil {
			o.logger.Warn("Teardown after failed init", utils.Err(terr))
		}
		return err
	}
	return nil
}

func (o *Orchestrator) createRegions() error {
	var err error
	if o.table, err = control.CreateTable(o.cfg.Namespace, o.names.Command, o.cfg.Workers, o.pid, o.cfg.RegionOptions); err != nil {
		return err
	}
	if o.params, err = dataport.Create(o.cfg.Namespace, o.names.Params, o.cfg.ParamCapacity, o.cfg.RegionOptions); err != nil {
		return err
	}
	if o.results, err = dataport.Create(o.cfg.Namespace, o.names.Results, uint32(simstate.ByteSize(o.cfg.Shape)), o.cfg.RegionOptions); err != nil {
		return err
	}
	if err = simstate.InitRegion(o.results, o.cfg.Shape, o.cfg.AcquireTimeout); err != nil {
		return err
	}
	if o.runLog, err = dataport.Create(o.cfg.Namespace, o.names.Log, control.LogSize(o.cfg.Workers, o.cfg.Threads), o.cfg.RegionOptions); err != nil {
		return err
	}
	o.logger.Debug("Regions created",
		utils.String("namespace", o.cfg.Namespace.Locator()),
		utils.Int("result_bytes", simstate.ByteSize(o.cfg.Shape)),
	)
	return nil
}

// Broadcast posts cmd to every slot.
func (o *Orchestrator) Broadcast(cmd control.Command, param1, param2 uint64) error {
	if o.table == nil {
		return utils.Fatal(utils.CodeInvalidState, "orchestrator not initialized")
	}
	o.logger.Debug("Broadcast", utils.String("command", cmd.String()), utils.Uint64("param1", param1))
	return o.table.Broadcast(cmd, param1, param2, o.cfg.AcquireTimeout)
}

func (o *Orchestrator) writeParams(p *control.LoadPayload) (uint64, error) {
	if p.WorkerCount == 0 {
		p.WorkerCount = o.cfg.Workers
	}
	if p.Threads == 0 {
		p.Threads = o.cfg.Threads
	}
	if p.Shape == (simstate.Shape{}) {
		p.Shape = o.cfg.Shape
	}
	switch {
	case p.WorkerCount != o.cfg.Workers:
		return 0, utils.Fatal(utils.CodeInvalidArgument, fmt.Sprintf("payload for %d workers, run has %d", p.WorkerCount, o.cfg.Workers))
	case p.Shape != o.cfg.Shape:
		return 0, utils.Fatal(utils.CodeInvalidArgument, "payload shape differs from the result region")
	case p.Threads > o.cfg.Threads:
		return 0, utils.Fatal(utils.CodeInvalidArgument, fmt.Sprintf("payload asks for %d threads, run log sized for %d", p.Threads, o.cfg.Threads))
	}
	if err := p.Validate(); err != nil {
		return 0, utils.WrapFatal(utils.CodeInvalidArgument, err, "load payload")
	}
	return control.WriteParams(o.params, p, o.cfg.AcquireTimeout)
}

// Load publishes p and waits for every worker to be Ready.
func (o *Orchestrator) Load(ctx context.Context, p *control.LoadPayload) error {
	if o.table == nil {
		return utils.Fatal(utils.CodeInvalidState, "orchestrator not initialized")
	}
	n, err := o.writeParams(p)
	if err != nil {
		return err
	}
	if err := o.Broadcast(control.CommandLoad, n, 0); err != nil {
		return err
	}
	if _, err := o.WaitFor(ctx, control.StateReady, o.cfg.ConvergeTimeout); err != nil {
		return err
	}
	o.payload = p
	return nil
}

// Start resumes the threads of every worker. Short runs may already be
// Done by the time the table is sampled.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.Broadcast(control.CommandStart, 0, 0); err != nil {
		return err
	}
	_, err := o.WaitForAny(ctx, o.cfg.ConvergeTimeout, control.StateRunning, control.StateDone)
	return err
}

// Pause stops the threads after their final merges.
func (o *Orchestrator) Pause(ctx context.Context) error {
	if err := o.Broadcast(control.CommandPause, 0, 0); err != nil {
		return err
	}
	_, err := o.WaitForAny(ctx, o.cfg.ConvergeTimeout+o.finalMergeTimeout(), control.StateReady, control.StateDone)
	return err
}

// Reset clears local and shared counters.
func (o *Orchestrator) Reset(ctx context.Context) error {
	if err := o.Broadcast(control.CommandReset, 0, 0); err != nil {
		return err
	}
	_, err := o.WaitFor(ctx, control.StateReady, o.cfg.ConvergeTimeout)
	return err
}

// UpdateParams hot-swaps the tunables of p on every worker.
func (o *Orchestrator) UpdateParams(ctx context.Context, p *control.LoadPayload) error {
	if o.table == nil {
		return utils.Fatal(utils.CodeInvalidState, "orchestrator not initialized")
	}
	n, err := o.writeParams(p)
	if err != nil {
		return err
	}
	if err := o.Broadcast(control.CommandUpdateParams, n, 0); err != nil {
		return err
	}
	_, err = o.waitAcked(ctx, o.cfg.ConvergeTimeout)
	return err
}

// ReleaseLog tells workers to drop their run log handles.
func (o *Orchestrator) ReleaseLog(ctx context.Context) error {
	if err := o.Broadcast(control.CommandReleaseLog, 0, 0); err != nil {
		return err
	}
	_, err := o.waitAcked(ctx, o.cfg.ConvergeTimeout)
	return err
}

// CloseResults tells workers to release their result region handles.
func (o *Orchestrator) CloseResults(ctx context.Context) error {
	if err := o.Broadcast(control.CommandClose, 0, 0); err != nil {
		return err
	}
	_, err := o.WaitFor(ctx, control.StateReady, o.cfg.ConvergeTimeout+o.finalMergeTimeout())
	return err
}

func (o *Orchestrator) finalMergeTimeout() time.Duration {
	if o.payload != nil && o.payload.FinalMergeTimeout > 0 {
		return o.payload.FinalMergeTimeout
	}
	return 30 * time.Second
}

// ClearResults zero-fills the result region between runs.
func (o *Orchestrator) ClearResults() error {
	if o.results == nil {
		return utils.Fatal(utils.CodeInvalidState, "orchestrator not initialized")
	}
	return simstate.InitRegion(o.results, o.cfg.Shape, o.cfg.AcquireTimeout)
}

// Results decodes the shared result region.
func (o *Orchestrator) Results() (*simstate.State, error) {
	if o.results == nil {
		return nil, utils.Fatal(utils.CodeInvalidState, "orchestrator not initialized")
	}
	return simstate.ReadRegion(o.results, o.cfg.AcquireTimeout)
}

// VerifyResults checks the result region checksum.
func (o *Orchestrator) VerifyResults() error {
	if o.results == nil {
		return utils.Fatal(utils.CodeInvalidState, "orchestrator not initialized")
	}
	return simstate.VerifyRegion(o.results, o.cfg.AcquireTimeout)
}

// RunLog returns the per-thread merge statistics workers have written.
func (o *Orchestrator) RunLog() ([]control.WorkerLog, error) {
	if o.runLog == nil {
		return nil, utils.Fatal(utils.CodeInvalidState, "orchestrator not initialized")
	}
	return control.ReadRunLog(o.runLog, o.cfg.Workers, o.cfg.Threads, o.cfg.AcquireTimeout)
}

// Run loads p, starts every worker and waits for all of them to finish,
// then returns the merged result.
func (o *Orchestrator) Run(ctx context.Context, p *control.LoadPayload) (*simstate.State, error) {
	if err := o.Load(ctx, p); err != nil {
		return nil, err
	}
	started := time.Now()
	if err := o.Start(ctx); err != nil {
		return nil, err
	}

	var timeout time.Duration
	if p.TimeLimit > 0 {
		timeout = p.TimeLimit + o.cfg.ConvergeTimeout + o.finalMergeTimeout()
	}
	if _, err := o.WaitFor(ctx, control.StateDone, timeout); err != nil {
		return nil, err
	}

	state, err := o.Results()
	if err != nil {
		return nil, err
	}
	o.logger.Info("Run finished",
		utils.Uint64("desorbed", state.Counters.Desorbed),
		utils.Uint64("hits", state.Counters.Hits),
		utils.Uint64("merges", state.Counters.Merges),
		utils.Duration("elapsed", time.Since(started)),
	)
	return state, nil
}

// TerminateAll asks every worker to exit, force-kills those that do not
// reach Killed in time, then removes the regions.
func (o *Orchestrator) TerminateAll(ctx context.Context) error {
	if o.table == nil {
		return nil
	}

	td := utils.NewTeardown(2*o.cfg.ExitTimeout+o.cfg.ConvergeTimeout, o.logger)
	td.Register("regions", func() error {
		o.closeRegions(true)
		return nil
	})
	td.Register("workers", func() error {
		return o.stopWorkers(ctx)
	})
	err := td.Run(ctx)
	if o.table != nil {
		// Skipped by an expired teardown deadline.
		o.closeRegions(true)
	}
	return err
}

func (o *Orchestrator) stopWorkers(ctx context.Context) error {
	if err := o.Broadcast(control.CommandExit, 0, 0); err != nil {
		o.logger.Warn("Exit broadcast failed, killing workers", utils.Err(err))
	} else {
		// Crashed workers count as settled; the rest must report Killed.
		_, err := o.poll(ctx, o.cfg.ExitTimeout, func(i int, s control.StatusSlot) bool {
			return s.State == control.StateKilled && acked(s)
		}, false)
		if err != nil {
			o.logger.Warn("Workers did not exit in time", utils.Err(err))
		}
	}

	slots, _ := o.table.Snapshot(o.cfg.AcquireTimeout)
	var g errgroup.Group
	var killed []int
	for i, p := range o.procs {
		if p.Exited() {
			continue
		}
		if slots != nil && slots[i].State == control.StateKilled {
			continue
		}
		killed = append(killed, i)
		g.Go(p.Kill)
	}
	err := g.Wait()
	if len(killed) > 0 {
		o.logger.Warn("Force-killed workers", utils.Any("ordinals", killed))
	}

	waitErr := o.waitProcesses(ctx)
	return errors.Join(err, waitErr)
}

// waitProcesses reaps every worker within ExitTimeout.
func (o *Orchestrator) waitProcesses(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ExitTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for _, p := range o.procs {
			if err := p.Wait(); err != nil {
				o.logger.Debug("Worker returned", utils.Int("ordinal", p.Ordinal()), utils.Err(err))
			}
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return utils.WrapFatal(utils.CodeWorkerError, ctx.Err(), "workers still running after kill")
	}
}

func (o *Orchestrator) killAll() {
	for _, p := range o.procs {
		_ = p.Kill()
	}
	for _, p := range o.procs {
		_ = p.Wait()
	}
	o.procs = nil
}

// closeRegions detaches every region. With unlink the names are removed
// even when crashed workers left references behind.
func (o *Orchestrator) closeRegions(unlink bool) {
	var errs []error
	if o.table != nil {
		errs = append(errs, o.table.Close(false))
		if unlink {
			errs = append(errs, o.table.Region().Unlink())
		}
		o.table = nil
	}
	for _, r := range []**dataport.Region{&o.params, &o.results, &o.runLog} {
		if *r == nil {
			continue
		}
		errs = append(errs, (*r).Close(false))
		if unlink {
			errs = append(errs, (*r).Unlink())
		}
		*r = nil
	}
	if err := errors.Join(errs...); err != nil {
		o.logger.Warn("Closing regions", utils.Err(err))
	}
}
