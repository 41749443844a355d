package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nmxmxh/simplane/internal/control"
	"github.com/nmxmxh/simplane/internal/dataport"
	"github.com/nmxmxh/simplane/internal/journal"
	"github.com/nmxmxh/simplane/internal/orchestrator"
	"github.com/nmxmxh/simplane/internal/simstate"
	"github.com/nmxmxh/simplane/internal/utils"
)

// RunOrchestrator performs one run with worker processes and prints the
// merged totals to out.
func RunOrchestrator(ctx context.Context, cfg RunConfig, out io.Writer) error {
	logger := newLogger("orchestrator", cfg.LogLevel)
	state, err := runLocal(ctx, cfg, execSpawner(), logger)
	if err != nil {
		return err
	}
	return writeSummary(out, "run", state)
}

func (c RunConfig) shape() simstate.Shape {
	return simstate.Shape{
		Facets:       c.Facets,
		BounceBins:   c.BounceBins,
		DistanceBins: c.DistanceBins,
		LeakCap:      c.LeakCap,
	}
}

func (c RunConfig) payload() (*control.LoadPayload, error) {
	p := &control.LoadPayload{
		DesorptionLimit:   c.DesorptionLimit,
		Seed:              c.Seed,
		TimeLimit:         c.TimeLimit,
		MergeInterval:     c.MergeInterval,
		FairnessTimeout:   c.FairnessTimeout,
		MergeTimeout:      c.MergeTimeout,
		FinalMergeTimeout: c.FinalMergeTimeout,
		WorkerCount:       c.Workers,
		Threads:           c.Threads,
		Shape:             c.shape(),
		AbsorbProbability: c.Absorb,
		LeakProbability:   c.Leak,
		StepperKind:       c.Stepper,
	}
	if c.GeometryPath != "" {
		geometry, err := os.ReadFile(c.GeometryPath)
		if err != nil {
			return nil, fmt.Errorf("read geometry: %w", err)
		}
		p.Geometry = geometry
	}
	return p, nil
}

// runLocal drives one orchestrator from Init to TerminateAll and journals
// the outcome when a journal is configured.
func runLocal(ctx context.Context, cfg RunConfig, spawner orchestrator.Spawner, logger *utils.Logger) (*simstate.State, error) {
	p, err := cfg.payload()
	if err != nil {
		return nil, err
	}

	paramCap := uint32(orchestrator.DefaultParamCapacity)
	if need := uint32(len(p.Geometry)) + 4096; need > paramCap {
		paramCap = need
	}
	o, err := orchestrator.New(orchestrator.Config{
		RunID:            cfg.RunID,
		Workers:          cfg.Workers,
		Threads:          cfg.Threads,
		Shape:            cfg.shape(),
		Namespace:        dataport.NewFileNamespace(cfg.ShmDir),
		Spawner:          spawner,
		ParamCapacity:    paramCap,
		PollInterval:     cfg.PollInterval,
		ConvergeTimeout:  cfg.ConvergeTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		ExitTimeout:      cfg.ExitTimeout,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	j := openJournal(cfg.Journal, logger)
	defer j.Close()
	if j != nil {
		if err := j.RecordStart(ctx, o.RunID(), cfg.Workers, cfg.Threads, cfg.DesorptionLimit); err != nil {
			logger.Warn("Journal start not recorded", utils.Err(err))
		}
	}

	state, runErr := runOrchestrator(ctx, o, p, logger)
	if j != nil {
		recordOutcome(context.WithoutCancel(ctx), j, o.RunID(), state, runErr, logger)
	}
	return state, runErr
}

func runOrchestrator(ctx context.Context, o *orchestrator.Orchestrator, p *control.LoadPayload, logger *utils.Logger) (*simstate.State, error) {
	if err := o.Init(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := o.TerminateAll(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Teardown incomplete", utils.Err(err))
		}
	}()

	state, err := o.Run(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := o.VerifyResults(); err != nil {
		return nil, err
	}
	if logs, err := o.RunLog(); err == nil {
		for _, wl := range logs {
			for _, tl := range wl.Threads {
				logger.Debug("Thread summary",
					utils.Int("ordinal", wl.Ordinal),
					utils.Int("thread", tl.Thread),
					utils.Uint64("consumed", tl.Consumed),
					utils.Uint64("merges", tl.Merges),
					utils.Uint64("failed_merges", tl.FailedMerges),
					utils.Duration("max_gap", tl.MaxMergeGap),
				)
			}
		}
	}
	return state, nil
}

func openJournal(path string, logger *utils.Logger) *journal.Journal {
	if path == "" {
		return nil
	}
	j, err := journal.Open(path)
	if err != nil {
		logger.Warn("Journal unavailable", utils.String("path", path), utils.Err(err))
		return nil
	}
	return j
}

func recordOutcome(ctx context.Context, j *journal.Journal, runID string, state *simstate.State, runErr error, logger *utils.Logger) {
	var runFailure *orchestrator.RunError
	if errors.As(runErr, &runFailure) {
		failures := make([]journal.Failure, len(runFailure.Failures))
		for i, f := range runFailure.Failures {
			failures[i] = journal.Failure{
				Ordinal: f.Ordinal,
				Pid:     f.Pid,
				Code:    f.Code,
				State:   f.State.String(),
				Status:  f.Status,
			}
		}
		if err := j.RecordFailures(ctx, runID, failures); err != nil {
			logger.Warn("Journal failures not recorded", utils.Err(err))
		}
	}

	var totals journal.Totals
	if state != nil {
		totals = journal.Totals{
			Desorbed: state.Counters.Desorbed,
			Hits:     state.Counters.Hits,
			Absorbed: state.Counters.Absorbed,
			Leaks:    state.Counters.Leaks,
		}
	}
	if err := j.RecordFinish(ctx, runID, totals, runErr); err != nil {
		logger.Warn("Journal finish not recorded", utils.Err(err))
	}
}

func writeSummary(out io.Writer, label string, s *simstate.State) error {
	if out == nil {
		return nil
	}
	c := s.Counters
	var mean float64
	if c.Hits+c.Leaks > 0 {
		mean = c.SumDistance / float64(c.Hits+c.Leaks)
	}
	_, err := fmt.Fprintf(out,
		"%s: desorbed=%d hits=%d absorbed=%d leaks=%d merges=%d mean_flight=%.4f\n",
		label, c.Desorbed, c.Hits, c.Absorbed, c.Leaks, c.Merges, mean,
	)
	return err
}
