package stepping

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/simplane/internal/simstate"
	"github.com/nmxmxh/simplane/internal/utils"
)

const (
	DefaultMinBatch = 64
	DefaultMaxBatch = 1 << 22
)

// Tunables can change while threads run (update-params).
type Tunables struct {
	// MergeInterval is the target wall time of one batch.
	MergeInterval time.Duration
	// FairnessTimeout lets a thread merge out of turn once this long has
	// passed since its last merge.
	FairnessTimeout time.Duration
	// MergeTimeout bounds the lock wait of an in-loop merge.
	MergeTimeout time.Duration
	// FinalMergeTimeout bounds the lock wait of the closing merge.
	FinalMergeTimeout time.Duration
	// TimeLimit caps total running time across pauses. Zero means none.
	TimeLimit time.Duration
}

// PoolConfig configures the threads of one worker.
type PoolConfig struct {
	Worker  int
	Threads int
	// Budget is this worker's share of the desorption limit.
	Budget uint64
	// Unlimited ignores Budget; threads run until stopped or timed out.
	Unlimited bool
	Seed      uint64
	Shape     simstate.Shape
	Tunables
	MinBatch uint64
	MaxBatch uint64
	Logger   *utils.Logger
}

// ThreadStats is a point-in-time view of one thread.
type ThreadStats struct {
	Thread       int
	Budget       uint64
	Consumed     uint64
	Batch        uint64
	Merges       uint64
	FailedMerges uint64
	MaxMergeGap  time.Duration
}

// Pool owns a worker's stepping threads, their budgets and the merge ring.
type Pool struct {
	cfg     PoolConfig
	factory Factory
	sink    Sink
	spec    ThreadSpec
	logger  *utils.Logger

	tunables atomic.Pointer[Tunables]
	stop     atomic.Bool
	abandon  atomic.Bool
	runStart atomic.Int64

	mu      sync.Mutex
	threads []*thread
	ring    *MergeRing
	running bool
	done    chan struct{}
	err     error
	elapsed time.Duration
}

// NewPool validates cfg. Steppers are built by Prepare.
func NewPool(cfg PoolConfig, factory Factory, sink Sink, base ThreadSpec) (*Pool, error) {
	if cfg.Threads <= 0 {
		return nil, utils.Fatal(utils.CodeInvalidArgument, "pool needs at least one thread")
	}
	if factory == nil || sink == nil {
		return nil, utils.Fatal(utils.CodeInvalidArgument, "pool needs a stepper factory and a sink")
	}
	if cfg.MinBatch == 0 {
		cfg.MinBatch = DefaultMinBatch
	}
	if cfg.MaxBatch < cfg.MinBatch {
		cfg.MaxBatch = DefaultMaxBatch
		if cfg.MaxBatch < cfg.MinBatch {
			cfg.MaxBatch = cfg.MinBatch
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("stepping")
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		sink:    sink,
		spec:    base,
		logger:  cfg.Logger,
		ring:    NewMergeRing(nil),
	}
	p.UpdateTunables(cfg.Tunables)
	return p, nil
}

// Prepare builds one stepper per thread and distributes the budget.
func (p *Pool) Prepare() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return utils.Fatal(utils.CodeInvalidState, "prepare while running")
	}

	budgets := SplitBudget(p.cfg.Budget, p.cfg.Threads)
	threads := make([]*thread, p.cfg.Threads)
	for i := range threads {
		spec := p.spec
		spec.Worker = p.cfg.Worker
		spec.Thread = i
		spec.Seed = ThreadSeed(p.cfg.Seed, p.cfg.Worker, i)
		stepper, err := p.factory(spec)
		if err != nil {
			return utils.WrapFatal(utils.CodeStepFailed, err, "build stepper").WithContext("thread", i)
		}
		th := &thread{
			id:        i,
			budget:    budgets[i],
			unlimited: p.cfg.Unlimited,
			stepper:   stepper,
			local:     simstate.New(p.cfg.Shape),
		}
		th.batch.Store(p.cfg.MinBatch)
		threads[i] = th
	}
	p.threads = threads
	p.elapsed = 0
	p.err = nil
	return nil
}

// Tunables returns the current tunables.
func (p *Pool) Tunables() Tunables {
	return *p.tunables.Load()
}

// UpdateTunables swaps tunables; running threads pick them up on their
// next step.
func (p *Pool) UpdateTunables(t Tunables) {
	if t.MergeInterval <= 0 {
		t.MergeInterval = 100 * time.Millisecond
	}
	if t.FairnessTimeout <= 0 {
		t.FairnessTimeout = time.Duration(p.cfg.Threads) * t.MergeInterval
	}
	if t.MergeTimeout <= 0 {
		t.MergeTimeout = 20 * time.Millisecond
	}
	if t.FinalMergeTimeout <= 0 {
		t.FinalMergeTimeout = 30 * time.Second
	}
	p.tunables.Store(&t)
}

func (p *Pool) timeUp() bool {
	limit := p.Tunables().TimeLimit
	if limit <= 0 {
		return false
	}
	return p.RunTime() >= limit
}

// RunTime is the total time threads have been running, across pauses.
func (p *Pool) RunTime() time.Duration {
	p.mu.Lock()
	elapsed := p.elapsed
	running := p.running
	p.mu.Unlock()
	if running {
		elapsed += time.Since(time.Unix(0, p.runStart.Load()))
	}
	return elapsed
}

// Start launches a goroutine per thread that still has budget. It returns
// at once; Done is closed when every thread has finished.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return utils.Fatal(utils.CodeInvalidState, "pool already running")
	}
	if p.threads == nil {
		return utils.Fatal(utils.CodeInvalidState, "pool not prepared")
	}

	var active []*thread
	var ids []int
	for _, th := range p.threads {
		if !th.exhausted() {
			active = append(active, th)
			ids = append(ids, th.id)
		}
	}

	p.stop.Store(false)
	p.abandon.Store(false)
	p.ring = NewMergeRing(ids)
	p.err = nil
	p.done = make(chan struct{})
	p.running = true
	p.runStart.Store(time.Now().UnixNano())

	g, gctx := errgroup.WithContext(ctx)
	for _, th := range active {
		g.Go(func() error {
			return p.run(gctx, th)
		})
	}
	done := p.done
	go func() {
		err := g.Wait()
		p.finish(err, done)
	}()

	p.logger.Info("Threads started",
		utils.Int("active", len(active)),
		utils.Int("threads", len(p.threads)),
	)
	return nil
}

func (p *Pool) finish(err error, done chan struct{}) {
	p.mu.Lock()
	p.running = false
	p.elapsed += time.Since(time.Unix(0, p.runStart.Load()))
	p.err = err
	p.mu.Unlock()
	close(done)
}

// Done is closed when the current run ends. Nil before the first Start.
func (p *Pool) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Running reports whether threads are active.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Err returns the error of the last finished run.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop asks threads to finish their batch, make a final merge and exit,
// then waits for them.
func (p *Pool) Stop() error {
	done := p.Done()
	if done == nil {
		return nil
	}
	p.stop.Store(true)
	<-done
	return p.Err()
}

// Abandon stops threads without merging, dropping unmerged counters. Used
// when the worker is going away abnormally.
func (p *Pool) Abandon() {
	done := p.Done()
	if done == nil {
		return
	}
	p.abandon.Store(true)
	p.stop.Store(true)
	<-done
}

// Reset drops local counters and restores every thread's full budget.
func (p *Pool) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return utils.Fatal(utils.CodeInvalidState, "reset while running")
	}
	for _, th := range p.threads {
		th.reset()
		th.batch.Store(p.cfg.MinBatch)
	}
	p.elapsed = 0
	p.err = nil
	return nil
}

// Exhausted reports whether every thread has merged its whole budget.
func (p *Pool) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.threads == nil || p.cfg.Unlimited {
		return false
	}
	for _, th := range p.threads {
		if !th.exhausted() {
			return false
		}
	}
	return true
}

// TimeLimitReached reports whether the configured time limit has passed.
func (p *Pool) TimeLimitReached() bool {
	return p.timeUp()
}

// Consumed returns the desorptions merged so far by all threads.
func (p *Pool) Consumed() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total uint64
	for _, th := range p.threads {
		total += th.consumed.Load()
	}
	return total
}

// Stats returns a snapshot of every thread.
func (p *Pool) Stats() []ThreadStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ThreadStats, len(p.threads))
	for i, th := range p.threads {
		out[i] = ThreadStats{
			Thread:       th.id,
			Budget:       th.budget,
			Consumed:     th.consumed.Load(),
			Batch:        th.batch.Load(),
			Merges:       th.merges.Load(),
			FailedMerges: th.failedMerges.Load(),
			MaxMergeGap:  time.Duration(th.maxGap.Load()),
		}
	}
	return out
}

// Progress formats consumed/budget for status strings.
func (p *Pool) Progress() string {
	consumed := p.Consumed()
	if p.cfg.Unlimited || p.cfg.Budget == 0 {
		return fmt.Sprintf("%d desorbed", consumed)
	}
	return fmt.Sprintf("%d/%d desorbed (%.1f%%)", consumed, p.cfg.Budget, 100*float64(consumed)/float64(p.cfg.Budget))
}
