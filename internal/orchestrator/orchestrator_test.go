package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/simplane/internal/control"
	"github.com/nmxmxh/simplane/internal/dataport"
	"github.com/nmxmxh/simplane/internal/simstate"
	"github.com/nmxmxh/simplane/internal/stepping"
	"github.com/nmxmxh/simplane/internal/utils"
	"github.com/nmxmxh/simplane/internal/worker"
)

var shape = simstate.Shape{Facets: 8, BounceBins: 16, DistanceBins: 8, LeakCap: 8}

func regionOptions() dataport.Options {
	return dataport.Options{Logger: utils.NopLogger(), RetryWindow: time.Second}
}

// inProcess runs real workers on goroutines sharing ns.
func inProcess(ns dataport.Namespace) InProcessSpawner {
	return InProcessSpawner{Run: func(ctx context.Context, req SpawnRequest) error {
		w, err := worker.New(worker.Config{
			Ordinal:       req.Ordinal,
			ParentPID:     req.OrchestratorPID,
			RunID:         req.RunID,
			Namespace:     ns,
			Threads:       req.Threads,
			PollInterval:  time.Millisecond,
			RegionOptions: regionOptions(),
			Logger:        utils.NopLogger(),
		})
		if err != nil {
			return err
		}
		return w.Run(ctx)
	}}
}

func newOrchestrator(t *testing.T, workers, threads int, tweak func(*Config)) (*Orchestrator, *dataport.MemNamespace) {
	t.Helper()
	ns := dataport.NewMemNamespace()
	cfg := Config{
		Workers:         workers,
		Threads:         threads,
		Shape:           shape,
		Namespace:       ns,
		Spawner:         inProcess(ns),
		PollInterval:    2 * time.Millisecond,
		ConvergeTimeout: 5 * time.Second,
		ExitTimeout:     5 * time.Second,
		RegionOptions:   regionOptions(),
		Logger:          utils.NopLogger(),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	return o, ns
}

func initialized(t *testing.T, workers, threads int) (*Orchestrator, *dataport.MemNamespace) {
	t.Helper()
	o, ns := newOrchestrator(t, workers, threads, nil)
	require.NoError(t, o.Init(context.Background()))
	t.Cleanup(func() { o.TerminateAll(context.Background()) })
	return o, ns
}

func payload(limit uint64) *control.LoadPayload {
	return &control.LoadPayload{
		DesorptionLimit:   limit,
		Seed:              42,
		MergeInterval:     5 * time.Millisecond,
		MergeTimeout:      5 * time.Millisecond,
		FinalMergeTimeout: 5 * time.Second,
		AbsorbProbability: 0.4,
		LeakProbability:   0.05,
		StepperKind:       stepping.KindRandomWalk,
	}
}

func logged(t *testing.T, o *Orchestrator) uint64 {
	t.Helper()
	logs, err := o.RunLog()
	require.NoError(t, err)
	var total uint64
	for _, w := range logs {
		for _, th := range w.Threads {
			total += th.Consumed
		}
	}
	return total
}

func desorbed(t *testing.T, o *Orchestrator) uint64 {
	t.Helper()
	s, err := o.Results()
	require.NoError(t, err)
	return s.Counters.Desorbed
}

func TestNewValidates(t *testing.T) {
	ns := dataport.NewMemNamespace()
	base := Config{Workers: 1, Threads: 1, Shape: shape, Namespace: ns, Spawner: inProcess(ns)}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no workers", func(c *Config) { c.Workers = 0 }},
		{"no threads", func(c *Config) { c.Threads = 0 }},
		{"bad shape", func(c *Config) { c.Shape = simstate.Shape{} }},
		{"no spawner", func(c *Config) { c.Spawner = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.True(t, utils.HasCode(err, utils.CodeInvalidArgument))
		})
	}
}

func TestRunOneWorkerFourThreadsExactLimit(t *testing.T) {
	o, ns := newOrchestrator(t, 1, 4, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, o.Init(ctx))

	state, err := o.Run(ctx, payload(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), state.Counters.Desorbed)
	assert.NotZero(t, state.Counters.Merges)
	require.NoError(t, o.VerifyResults())
	assert.Equal(t, uint64(1_000_000), logged(t, o))

	require.NoError(t, o.TerminateAll(ctx))
	assert.Empty(t, ns.Names())
	for _, p := range o.Processes() {
		assert.True(t, p.Exited())
	}
}

func TestRunSplitsBudgetAcrossWorkers(t *testing.T) {
	o, _ := initialized(t, 3, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	state, err := o.Run(ctx, payload(100_003))
	require.NoError(t, err)
	assert.Equal(t, uint64(100_003), state.Counters.Desorbed)

	var facetTotal uint64
	for _, f := range state.Facets {
		facetTotal += f.Desorbed
	}
	assert.Equal(t, state.Counters.Desorbed, facetTotal)
}

func TestCrashIsolation(t *testing.T) {
	o, ns := newOrchestrator(t, 3, 2, nil)
	ctx := context.Background()
	require.NoError(t, o.Init(ctx))
	require.NoError(t, o.Load(ctx, payload(0)))
	require.NoError(t, o.Start(ctx))

	victim := o.Processes()[1]
	require.NoError(t, victim.Kill())
	require.NoError(t, waitExited(victim))

	res, err := o.WaitFor(ctx, control.StateDone, 5*time.Second)
	var runErr *RunError
	require.True(t, errors.As(err, &runErr), "got %v", err)
	assert.Equal(t, ErrorObserved, res.Outcome)
	assert.Equal(t, []int{1}, res.Failed)
	assert.Equal(t, []int{1}, runErr.Ordinals())
	assert.True(t, utils.HasCode(err, utils.CodeWorkerCrashed))
	assert.False(t, utils.HasCode(err, utils.CodeWorkerError))

	// Survivors still exit cleanly and every region goes away.
	require.NoError(t, o.TerminateAll(ctx))
	assert.Empty(t, ns.Names())
}

// stalling runs real workers except for ordinal stalled, which reports
// Starting once and then never publishes again.
func stalling(ns dataport.Namespace, stalled int) InProcessSpawner {
	workers := inProcess(ns)
	return InProcessSpawner{Run: func(ctx context.Context, req SpawnRequest) error {
		if req.Ordinal != stalled {
			return workers.Run(ctx, req)
		}
		table, err := control.OpenTable(ns, control.Names(req.RunID).Command, regionOptions())
		if err != nil {
			return err
		}
		defer table.Close(false)
		err = table.Update(req.Ordinal, time.Second, func(s *control.StatusSlot) error {
			s.State = control.StateStarting
			s.Status = "attached"
			s.AckSeq = s.Seq
			s.Heartbeat = time.Now()
			return nil
		})
		if err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}}
}

func TestHungWorkerIsReported(t *testing.T) {
	o, ns := newOrchestrator(t, 2, 1, func(cfg *Config) {
		cfg.Spawner = stalling(cfg.Namespace, 1)
		cfg.HeartbeatTimeout = 200 * time.Millisecond
	})
	ctx := context.Background()
	require.NoError(t, o.Init(ctx))
	stuck := o.Processes()[1]

	started := time.Now()
	err := o.Load(ctx, payload(1_000))
	var runErr *RunError
	require.True(t, errors.As(err, &runErr), "got %v", err)
	assert.Equal(t, ErrorObserved, runErr.Outcome)
	assert.Equal(t, []int{1}, runErr.Ordinals())
	assert.True(t, utils.HasCode(err, utils.CodeWorkerHung))
	assert.Contains(t, runErr.Failures[0].Status, "no heartbeat")
	assert.Less(t, time.Since(started), 5*time.Second, "hang must be caught before the converge timeout")

	// The hung worker is force-killed and nothing is left behind.
	require.NoError(t, o.TerminateAll(ctx))
	assert.True(t, stuck.Exited())
	assert.Empty(t, ns.Names())
}

func waitExited(p Process) error {
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("process did not exit")
	}
}

func TestPauseResumeCountsEveryBatchOnce(t *testing.T) {
	o, _ := initialized(t, 2, 2)
	ctx := context.Background()
	require.NoError(t, o.Load(ctx, payload(0)))

	require.NoError(t, o.Start(ctx))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, o.Pause(ctx))
	first := desorbed(t, o)
	assert.NotZero(t, first)
	assert.Equal(t, first, logged(t, o))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, first, desorbed(t, o), "paused workers must not merge")

	require.NoError(t, o.Start(ctx))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, o.Pause(ctx))
	second := desorbed(t, o)
	assert.Greater(t, second, first)
	assert.Equal(t, second, logged(t, o))
}

const kindLagging = "lagging"

// laggingStepper walks one event per millisecond so its worker finishes
// well after the others.
type laggingStepper struct {
	inner stepping.Stepper
}

func (s laggingStepper) Step(ctx context.Context, n uint64, acc *simstate.State) (uint64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	return s.inner.Step(ctx, min(n, 1), acc)
}

func init() {
	stepping.Register(kindLagging, func(spec stepping.ThreadSpec) (stepping.Stepper, error) {
		inner, err := stepping.NewRandomWalk(spec)
		if err != nil || spec.Worker != 1 {
			return inner, err
		}
		return laggingStepper{inner: inner}, nil
	})
}

func TestResumeWithOneWorkerAlreadyDone(t *testing.T) {
	o, _ := initialized(t, 2, 1)
	ctx := context.Background()
	p := payload(400)
	p.StepperKind = kindLagging
	require.NoError(t, o.Load(ctx, p))

	require.NoError(t, o.Start(ctx))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, o.Pause(ctx))

	slots, err := o.table.Snapshot(time.Second)
	require.NoError(t, err)
	require.Equal(t, control.StateDone, slots[0].State)
	require.Equal(t, control.StateReady, slots[1].State)

	require.NoError(t, o.Start(ctx))
	_, err = o.WaitFor(ctx, control.StateDone, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), desorbed(t, o))
	assert.Equal(t, uint64(400), logged(t, o))
}

func TestResetAndClearResults(t *testing.T) {
	o, _ := initialized(t, 2, 1)
	ctx := context.Background()

	_, err := o.Run(ctx, payload(20_000))
	require.NoError(t, err)
	require.NoError(t, o.Reset(ctx))
	assert.Zero(t, desorbed(t, o))

	require.NoError(t, o.Start(ctx))
	_, err = o.WaitFor(ctx, control.StateDone, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000), desorbed(t, o))

	require.NoError(t, o.ClearResults())
	assert.Zero(t, desorbed(t, o))
	require.NoError(t, o.VerifyResults())
}

func TestUpdateParamsHotSwapsTimeLimit(t *testing.T) {
	o, _ := initialized(t, 2, 2)
	ctx := context.Background()
	p := payload(0)
	require.NoError(t, o.Load(ctx, p))
	require.NoError(t, o.Start(ctx))

	p.TimeLimit = 30 * time.Millisecond
	require.NoError(t, o.UpdateParams(ctx, p))
	res, err := o.WaitFor(ctx, control.StateDone, 10*time.Second)
	require.NoError(t, err)
	for _, s := range res.Slots {
		assert.Contains(t, s.Status, "time limit")
	}
}

func TestReleaseLogAndCloseResults(t *testing.T) {
	o, _ := initialized(t, 2, 1)
	ctx := context.Background()
	_, err := o.Run(ctx, payload(1_000))
	require.NoError(t, err)

	require.NoError(t, o.ReleaseLog(ctx))
	require.NoError(t, o.CloseResults(ctx))

	res, err := o.WaitFor(ctx, control.StateReady, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Converged, res.Outcome)
}

func TestWaitForTimesOut(t *testing.T) {
	o, _ := initialized(t, 1, 1)
	ctx := context.Background()
	require.NoError(t, o.Load(ctx, payload(0)))

	res, err := o.WaitFor(ctx, control.StateDone, 30*time.Millisecond)
	assert.Equal(t, TimedOut, res.Outcome)
	assert.Equal(t, []int{0}, res.Failed)
	assert.True(t, utils.HasCode(err, utils.CodeConvergenceTimeout))
}

func TestWorkerErrorSurfacesOnLoad(t *testing.T) {
	o, _ := initialized(t, 2, 1)
	p := payload(100)
	p.StepperKind = "missing"

	err := o.Load(context.Background(), p)
	var runErr *RunError
	require.True(t, errors.As(err, &runErr), "got %v", err)
	assert.NotEmpty(t, runErr.Ordinals())
	assert.Subset(t, []int{0, 1}, runErr.Ordinals())
	assert.True(t, utils.HasCode(err, utils.CodeWorkerError))

	// A good payload recovers the workers.
	require.NoError(t, o.Load(context.Background(), payload(100)))
}

func TestLoadRejectsMismatchedPayload(t *testing.T) {
	o, _ := initialized(t, 1, 2)
	ctx := context.Background()

	p := payload(10)
	p.WorkerCount = 4
	assert.True(t, utils.HasCode(o.Load(ctx, p), utils.CodeInvalidArgument))

	p = payload(10)
	p.Threads = 3
	assert.True(t, utils.HasCode(o.Load(ctx, p), utils.CodeInvalidArgument))

	p = payload(10)
	p.Shape = simstate.Shape{Facets: 1, BounceBins: 1, DistanceBins: 1, LeakCap: 1}
	assert.True(t, utils.HasCode(o.Load(ctx, p), utils.CodeInvalidArgument))
}

type failingSpawner struct {
	inner  Spawner
	failAt int
	calls  atomic.Int32
	procs  []Process
}

func (s *failingSpawner) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	s.calls.Add(1)
	if req.Ordinal == s.failAt {
		return nil, errors.New("fork: resource temporarily unavailable")
	}
	p, err := s.inner.Spawn(ctx, req)
	if err == nil {
		s.procs = append(s.procs, p)
	}
	return p, err
}

func TestInitSpawnFailureCleansUp(t *testing.T) {
	ns := dataport.NewMemNamespace()
	spawner := &failingSpawner{inner: inProcess(ns), failAt: 2}
	o, _ := newOrchestrator(t, 3, 1, func(c *Config) {
		c.Namespace = ns
		c.Spawner = spawner
	})

	err := o.Init(context.Background())
	assert.True(t, utils.HasCode(err, utils.CodeSpawnFailed))
	assert.Empty(t, ns.Names())
	require.Len(t, spawner.procs, 2)
	for _, p := range spawner.procs {
		assert.True(t, p.Exited())
	}
}

func TestInitRegionFailureSpawnsNothing(t *testing.T) {
	ns := dataport.NewMemNamespace()
	spawner := &failingSpawner{inner: inProcess(ns), failAt: -1}
	o, _ := newOrchestrator(t, 2, 1, func(c *Config) {
		c.RunID = "spclash"
		c.Namespace = ns
		c.Spawner = spawner
	})

	squatter, err := dataport.Create(ns, control.Names("spclash").Results, 16, regionOptions())
	require.NoError(t, err)
	defer squatter.Close(true)

	err = o.Init(context.Background())
	assert.True(t, utils.HasCode(err, utils.CodeAllocationFailed))
	assert.Zero(t, spawner.calls.Load())
	assert.Equal(t, []string{"spclash.results"}, ns.Names())
}

func TestOperationsBeforeInit(t *testing.T) {
	o, _ := newOrchestrator(t, 1, 1, nil)
	ctx := context.Background()

	assert.True(t, utils.HasCode(o.Broadcast(control.CommandStart, 0, 0), utils.CodeInvalidState))
	assert.True(t, utils.HasCode(o.Load(ctx, payload(1)), utils.CodeInvalidState))
	assert.True(t, utils.HasCode(o.ClearResults(), utils.CodeInvalidState))
	_, err := o.WaitFor(ctx, control.StateReady, time.Millisecond)
	assert.True(t, utils.HasCode(err, utils.CodeInvalidState))
	assert.NoError(t, o.TerminateAll(ctx))
}

func TestSpawnRequestArgs(t *testing.T) {
	req := SpawnRequest{Ordinal: 3, RunID: "spabc", OrchestratorPID: 99, Locator: "/dev/shm", Threads: 4}
	assert.Equal(t, []string{
		"-ordinal=3", "-run-id=spabc", "-parent-pid=99", "-shm-dir=/dev/shm", "-threads=4",
	}, req.Args())
}
