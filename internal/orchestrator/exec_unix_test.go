//go:build unix

package orchestrator

import (
	"context"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/simplane/internal/control"
	"github.com/nmxmxh/simplane/internal/dataport"
	"github.com/nmxmxh/simplane/internal/utils"
	"github.com/nmxmxh/simplane/internal/worker"
)

const workerEnv = "SIMPLANE_ORCHESTRATOR_TEST_WORKER"

// TestMain lets the test binary double as a worker process for the exec
// spawner.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		os.Exit(runTestWorker(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func runTestWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	ordinal := fs.Int("ordinal", 0, "")
	runID := fs.String("run-id", "", "")
	parent := fs.Int("parent-pid", 0, "")
	dir := fs.String("shm-dir", "", "")
	threads := fs.Int("threads", 0, "")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	w, err := worker.New(worker.Config{
		Ordinal:       *ordinal,
		ParentPID:     *parent,
		RunID:         *runID,
		Namespace:     dataport.NewFileNamespace(*dir),
		Threads:       *threads,
		PollInterval:  time.Millisecond,
		RegionOptions: dataport.Options{Logger: utils.NopLogger()},
		Logger:        utils.NopLogger(),
	})
	if err != nil {
		return 1
	}
	if err := w.Run(context.Background()); err != nil {
		return 1
	}
	return 0
}

func TestExecSpawnerRunsWorkerProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	ns := dataport.NewFileNamespace(t.TempDir())
	o, _ := newOrchestrator(t, 2, 2, func(c *Config) {
		c.Namespace = ns
		c.Spawner = ExecSpawner{Env: append(os.Environ(), workerEnv+"=1")}
		c.ConvergeTimeout = 20 * time.Second
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.NoError(t, o.Init(ctx))

	for _, p := range o.Processes() {
		assert.NotEqual(t, os.Getpid(), p.Pid())
	}

	state, err := o.Run(ctx, payload(50_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000), state.Counters.Desorbed)

	require.NoError(t, o.TerminateAll(ctx))
	for _, p := range o.Processes() {
		assert.NoError(t, p.Wait())
	}
	entries, err := os.ReadDir(ns.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecSpawnerCrashIsReported(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	ns := dataport.NewFileNamespace(t.TempDir())
	o, _ := newOrchestrator(t, 2, 1, func(c *Config) {
		c.Namespace = ns
		c.Spawner = ExecSpawner{Env: append(os.Environ(), workerEnv+"=1")}
		c.ConvergeTimeout = 20 * time.Second
	})
	ctx := context.Background()
	require.NoError(t, o.Init(ctx))
	require.NoError(t, o.Load(ctx, payload(0)))
	require.NoError(t, o.Start(ctx))

	require.NoError(t, o.Processes()[0].Kill())
	res, err := o.WaitFor(ctx, control.StateDone, 10*time.Second)
	assert.Equal(t, ErrorObserved, res.Outcome)
	assert.Equal(t, []int{0}, res.Failed)
	assert.True(t, utils.HasCode(err, utils.CodeWorkerCrashed))

	require.NoError(t, o.TerminateAll(ctx))
}
