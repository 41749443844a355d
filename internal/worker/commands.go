package worker

import (
	"context"
	"fmt"

	"github.com/nmxmxh/simplane/internal/control"
	"github.com/nmxmxh/simplane/internal/dataport"
	"github.com/nmxmxh/simplane/internal/simstate"
	"github.com/nmxmxh/simplane/internal/stepping"
	"github.com/nmxmxh/simplane/internal/utils"
)

// apply executes one command. It reports whether the loop should exit.
func (w *Worker) apply(ctx context.Context, slot control.StatusSlot) bool {
	switch slot.Command {
	case control.CommandLoad:
		w.load(slot.Param1)
	case control.CommandStart:
		w.start(ctx)
	case control.CommandPause:
		w.pause()
	case control.CommandReset:
		w.reset()
	case control.CommandUpdateParams:
		w.updateParams(slot.Param1)
	case control.CommandReleaseLog:
		w.releaseLog()
	case control.CommandClose:
		w.closeResults()
	case control.CommandExit:
		w.stopThreads()
		w.setState(control.StateKilled, "exited")
		return true
	default:
		w.fail(fmt.Sprintf("unknown command %d", uint32(slot.Command)))
	}
	return false
}

func (w *Worker) load(length uint64) {
	w.stopThreads()
	w.setState(control.StateComputingAccel, "loading")
	_ = w.publish(w.cfg.AcquireTimeout)

	if err := w.prepare(length); err != nil {
		w.logger.Error("Load failed", utils.Err(err))
		w.fail("load failed: " + err.Error())
		return
	}
	w.setState(control.StateReady, "loaded")
}

func (w *Worker) prepare(length uint64) error {
	if w.params == nil {
		params, err := dataport.Open(w.cfg.Namespace, w.names.Params, 0, w.cfg.RegionOptions)
		if err != nil {
			return err
		}
		w.params = params
	}
	payload, err := control.ReadParams(w.params, length, w.cfg.AcquireTimeout*10)
	if err != nil {
		return err
	}
	if w.cfg.Threads > 0 {
		payload.Threads = w.cfg.Threads
	}
	if err := payload.Validate(); err != nil {
		return err
	}
	if w.cfg.Ordinal >= payload.WorkerCount {
		return fmt.Errorf("ordinal %d outside worker count %d", w.cfg.Ordinal, payload.WorkerCount)
	}

	factory, err := w.cfg.Resolve(payload.StepperKind)
	if err != nil {
		return err
	}

	if w.results != nil {
		_ = w.results.Close(false)
		w.results = nil
	}
	results, err := dataport.Open(w.cfg.Namespace, w.names.Results, 0, w.cfg.RegionOptions)
	if err != nil {
		return err
	}
	w.results = results
	if need := simstate.ByteSize(payload.Shape); uint64(need) > uint64(results.Size()) {
		return fmt.Errorf("result region holds %d bytes, shape needs %d", results.Size(), need)
	}

	if w.runLog == nil {
		w.runLog = w.attachOptional(w.names.Log)
	}

	budget := stepping.SplitBudget(payload.DesorptionLimit, payload.WorkerCount)[w.cfg.Ordinal]
	pool, err := stepping.NewPool(stepping.PoolConfig{
		Worker:    w.cfg.Ordinal,
		Threads:   payload.Threads,
		Budget:    budget,
		Unlimited: payload.DesorptionLimit == 0,
		Seed:      payload.Seed,
		Shape:     payload.Shape,
		Tunables:  tunablesOf(payload),
		Logger:    w.logger.Named("stepping"),
	}, factory, stepping.NewRegionSink(results), stepping.ThreadSpec{Params: payload})
	if err != nil {
		return err
	}
	if err := pool.Prepare(); err != nil {
		return err
	}

	w.payload = payload
	w.pool = pool
	w.logger.Info("Loaded",
		utils.String("stepper", payload.StepperKind),
		utils.Int("threads", payload.Threads),
		utils.Uint64("budget", budget),
	)
	return nil
}

func tunablesOf(p *control.LoadPayload) stepping.Tunables {
	return stepping.Tunables{
		MergeInterval:     p.MergeInterval,
		FairnessTimeout:   p.FairnessTimeout,
		MergeTimeout:      p.MergeTimeout,
		FinalMergeTimeout: p.FinalMergeTimeout,
		TimeLimit:         p.TimeLimit,
	}
}

func (w *Worker) start(ctx context.Context) {
	if w.state == control.StateDone && w.pool != nil && w.pool.Exhausted() {
		w.setState(control.StateDone, "desorption limit reached: "+w.pool.Progress())
		return
	}
	if w.state != control.StateReady || w.pool == nil {
		w.fail(fmt.Sprintf("start received while %s", w.state))
		return
	}
	if err := w.pool.Start(ctx); err != nil {
		w.fail("start failed: " + err.Error())
		return
	}
	w.setState(control.StateRunning, w.pool.Progress())
}

func (w *Worker) pause() {
	switch w.state {
	case control.StateRunning:
		if err := w.pool.Stop(); err != nil {
			w.writeRunLog()
			w.fail("pause: " + err.Error())
			return
		}
		w.writeRunLog()
		if w.pool.Exhausted() {
			w.setState(control.StateDone, "desorption limit reached: "+w.pool.Progress())
			return
		}
		w.setState(control.StateReady, "paused: "+w.pool.Progress())
	case control.StateReady, control.StateDone:
		// Threads already stopped.
	default:
		w.fail(fmt.Sprintf("pause received while %s", w.state))
	}
}

func (w *Worker) reset() {
	if w.state == control.StateRunning {
		w.fail("reset received while running")
		return
	}
	if w.pool == nil {
		w.fail("reset received before load")
		return
	}
	if err := w.pool.Reset(); err != nil {
		w.fail("reset: " + err.Error())
		return
	}
	if w.cfg.Ordinal == 0 {
		if err := simstate.InitRegion(w.results, w.resultShape(), w.cfg.AcquireTimeout*10); err != nil {
			w.fail("reset results: " + err.Error())
			return
		}
	}
	w.setState(control.StateReady, "reset")
}

func (w *Worker) updateParams(length uint64) {
	if w.pool == nil || w.params == nil {
		w.fail("update-params received before load")
		return
	}
	payload, err := control.ReadParams(w.params, length, w.cfg.AcquireTimeout*10)
	if err != nil {
		w.fail("update-params: " + err.Error())
		return
	}
	w.pool.UpdateTunables(tunablesOf(payload))
	w.payload.TimeLimit = payload.TimeLimit
	w.payload.MergeInterval = payload.MergeInterval
	w.payload.FairnessTimeout = payload.FairnessTimeout
	w.payload.MergeTimeout = payload.MergeTimeout
	w.payload.FinalMergeTimeout = payload.FinalMergeTimeout
	w.logger.Info("Parameters updated",
		utils.Duration("merge_interval", payload.MergeInterval),
		utils.Duration("time_limit", payload.TimeLimit),
	)
	w.status = "parameters updated"
}

func (w *Worker) releaseLog() {
	if w.runLog == nil {
		return
	}
	if err := w.runLog.Close(false); err != nil {
		w.logger.Warn("Releasing run log", utils.Err(err))
	}
	w.runLog = nil
	w.status = "run log released"
}

func (w *Worker) closeResults() {
	w.stopThreads()
	if w.results != nil {
		if err := w.results.Close(false); err != nil {
			w.logger.Warn("Closing result region", utils.Err(err))
		}
		w.results = nil
	}
	w.pool = nil
	w.payload = nil
	if w.state == control.StateError {
		w.status = "results released"
		return
	}
	w.setState(control.StateReady, "results released")
}
