package utils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Teardown runs registered cleanup steps in reverse registration order.
type Teardown struct {
	mu      sync.Mutex
	steps   []teardownStep
	timeout time.Duration
	logger  *Logger
}

type teardownStep struct {
	name string
	fn   func() error
}

// NewTeardown creates a teardown manager bounded by timeout.
func NewTeardown(timeout time.Duration, logger *Logger) *Teardown {
	if logger == nil {
		logger = DefaultLogger("teardown")
	}
	return &Teardown{timeout: timeout, logger: logger}
}

// Register adds a named cleanup step.
func (t *Teardown) Register(name string, fn func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.steps = append(t.steps, teardownStep{name: name, fn: fn})
}

// Len returns the number of pending steps.
func (t *Teardown) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.steps)
}

// Run executes all pending steps LIFO and clears them. Every step runs even
// if an earlier one fails; the joined error is returned. Steps still pending
// when the deadline passes are skipped.
func (t *Teardown) Run(ctx context.Context) error {
	t.mu.Lock()
	steps := t.steps
	t.steps = nil
	t.mu.Unlock()

	if len(steps) == 0 {
		return nil
	}

	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	t.logger.Debug("Running teardown", Int("steps", len(steps)))

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if runCtx.Err() != nil {
			errs = append(errs, fmt.Errorf("teardown %s skipped: %w", step.name, runCtx.Err()))
			continue
		}
		if err := step.fn(); err != nil {
			t.logger.Warn("Teardown step failed", String("step", step.name), Err(err))
			errs = append(errs, fmt.Errorf("teardown %s: %w", step.name, err))
		}
	}
	return errors.Join(errs...)
}
