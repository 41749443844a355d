package app

import (
	"context"
	"errors"

	"github.com/nmxmxh/simplane/internal/dataport"
	"github.com/nmxmxh/simplane/internal/worker"
)

// RunWorker attaches to the run's regions and serves commands until told
// to exit. Cancellation is a clean stop.
func RunWorker(ctx context.Context, cfg WorkerConfig) error {
	logger := newLogger("worker", cfg.LogLevel)
	w, err := worker.New(worker.Config{
		Ordinal:       cfg.Ordinal,
		ParentPID:     cfg.ParentPID,
		RunID:         cfg.RunID,
		Namespace:     dataport.NewFileNamespace(cfg.ShmDir),
		Threads:       cfg.Threads,
		PollInterval:  cfg.PollInterval,
		RegionOptions: dataport.Options{Logger: logger},
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
