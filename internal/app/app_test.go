package app

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/simplane/internal/journal"
	"github.com/nmxmxh/simplane/internal/network"
	"github.com/nmxmxh/simplane/internal/orchestrator"
	"github.com/nmxmxh/simplane/internal/simstate"
	"github.com/nmxmxh/simplane/internal/utils"
)

func flags() *flag.FlagSet {
	return flag.NewFlagSet("test", flag.ContinueOnError)
}

// inProcess runs workers through RunWorker on goroutines.
func inProcess() orchestrator.Spawner {
	return orchestrator.InProcessSpawner{Run: func(ctx context.Context, req orchestrator.SpawnRequest) error {
		return RunWorker(ctx, WorkerConfig{
			Ordinal:      req.Ordinal,
			RunID:        req.RunID,
			ParentPID:    req.OrchestratorPID,
			ShmDir:       req.Locator,
			Threads:      req.Threads,
			PollInterval: time.Millisecond,
			LogLevel:     "error",
		})
	}}
}

func smallRun(t *testing.T, extra ...string) RunConfig {
	t.Helper()
	args := append([]string{
		"-workers=2", "-threads=2", "-limit=20000",
		"-shm-dir=" + t.TempDir(),
		"-facets=4", "-bounce-bins=8", "-distance-bins=8", "-leak-cache=4",
		"-merge-interval=5ms", "-poll=1ms", "-log-level=error",
	}, extra...)
	cfg, err := ParseRunConfig(flags(), args)
	require.NoError(t, err)
	return cfg
}

func TestParseRunConfigEnvThenFlags(t *testing.T) {
	t.Setenv("SIMPLANE_WORKERS", "3")
	t.Setenv("SIMPLANE_TIME_LIMIT", "1m")
	t.Setenv("SIMPLANE_THREADS", "2")
	t.Setenv("SIMPLANE_HEARTBEAT_TIMEOUT", "3s")

	cfg, err := ParseRunConfig(flags(), []string{"-threads=8", "-limit=5", "-heartbeat-timeout=2s"})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 8, cfg.Threads)
	assert.Equal(t, uint64(5), cfg.DesorptionLimit)
	assert.Equal(t, time.Minute, cfg.TimeLimit)
	assert.Equal(t, "randomwalk", cfg.Stepper)
	assert.Equal(t, 100*time.Millisecond, cfg.MergeInterval)
	assert.Equal(t, 10*time.Second, cfg.ConvergeTimeout)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatTimeout)
}

func TestParseRunConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no workers", []string{"-workers=0"}},
		{"no threads", []string{"-threads=0"}},
		{"unknown stepper", []string{"-stepper=raytrace"}},
		{"bad level", []string{"-log-level=loud"}},
		{"unknown flag", []string{"-frobnicate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := flags()
			fs.SetOutput(&bytes.Buffer{})
			_, err := ParseRunConfig(fs, tt.args)
			assert.Error(t, err)
		})
	}

	t.Setenv("SIMPLANE_POLL_INTERVAL", "often")
	_, err := ParseRunConfig(flags(), nil)
	assert.Error(t, err)
}

func TestParseWorkerConfigAcceptsSpawnArgs(t *testing.T) {
	req := orchestrator.SpawnRequest{Ordinal: 2, RunID: "sp01", OrchestratorPID: 77, Locator: "/tmp/regions", Threads: 3}
	cfg, err := ParseWorkerConfig(flags(), req.Args())
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Ordinal)
	assert.Equal(t, "sp01", cfg.RunID)
	assert.Equal(t, 77, cfg.ParentPID)
	assert.Equal(t, "/tmp/regions", cfg.ShmDir)
	assert.Equal(t, 3, cfg.Threads)
	assert.Equal(t, 5*time.Millisecond, cfg.PollInterval)

	_, err = ParseWorkerConfig(flags(), []string{"-run-id=sp01"})
	assert.Error(t, err)
	_, err = ParseWorkerConfig(flags(), []string{"-ordinal=0"})
	assert.Error(t, err)
}

func TestParseReduceConfig(t *testing.T) {
	t.Setenv("SIMPLANE_PEERS", "a,b,c")
	t.Setenv("SIMPLANE_RANK", "1")

	cfg, err := ParseReduceConfig(flags(), []string{"-workers=1", "-redistribute"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Peers)
	assert.Equal(t, 1, cfg.Rank)
	assert.Equal(t, 1, cfg.Run.Workers)
	assert.True(t, cfg.Redistribute)
	assert.Equal(t, 30*time.Second, cfg.RoundTimeout)

	cfg, err = ParseReduceConfig(flags(), []string{"-peers=x,y", "-rank=0"})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, cfg.Peers)
	assert.Equal(t, 0, cfg.Rank)

	_, err = ParseReduceConfig(flags(), []string{"-rank=3"})
	assert.Error(t, err)
}

func TestParseReduceConfigNeedsPeers(t *testing.T) {
	_, err := ParseReduceConfig(flags(), nil)
	assert.Error(t, err)
}

func TestRunLocalJournalsCompletedRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	cfg := smallRun(t, "-journal="+path, "-run-id=appok")

	state, err := runLocal(context.Background(), cfg, inProcess(), utils.NopLogger())
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000), state.Counters.Desorbed)

	entries, err := os.ReadDir(cfg.ShmDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	j, err := journal.Open(path)
	require.NoError(t, err)
	defer j.Close()
	runs, err := j.Runs(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "appok", runs[0].RunID)
	assert.Equal(t, journal.OutcomeCompleted, runs[0].Outcome)
	assert.Equal(t, uint64(20_000), runs[0].Totals.Desorbed)
	assert.Equal(t, state.Counters.Hits, runs[0].Totals.Hits)
}

func TestRunLocalJournalsWorkerFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	// The wasm stepper cannot build without a module, so every load fails.
	cfg := smallRun(t, "-journal="+path, "-run-id=appbad", "-stepper=wasm")

	_, err := runLocal(context.Background(), cfg, inProcess(), utils.NopLogger())
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.CodeWorkerError))

	entries, err := os.ReadDir(cfg.ShmDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	j, err := journal.Open(path)
	require.NoError(t, err)
	defer j.Close()
	runs, err := j.Runs(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, journal.OutcomeFailed, runs[0].Outcome)
	require.NotEmpty(t, runs[0].Failures)
	assert.Equal(t, utils.CodeWorkerError, runs[0].Failures[0].Code)
	assert.Equal(t, "error", runs[0].Failures[0].State)
}

func TestRunLocalMissingGeometry(t *testing.T) {
	cfg := smallRun(t, "-geometry="+filepath.Join(t.TempDir(), "absent.wasm"))
	_, err := runLocal(context.Background(), cfg, inProcess(), utils.NopLogger())
	assert.Error(t, err)
}

func TestWriteSummary(t *testing.T) {
	s := simstate.New(simstate.Shape{})
	s.Counters.Desorbed = 10
	s.Counters.Hits = 30
	s.Counters.Absorbed = 8
	s.Counters.Leaks = 2
	s.Counters.SumDistance = 16

	var buf bytes.Buffer
	require.NoError(t, writeSummary(&buf, "run", s))
	assert.Equal(t, "run: desorbed=10 hits=30 absorbed=8 leaks=2 merges=0 mean_flight=0.5000\n", buf.String())
	assert.NoError(t, writeSummary(nil, "run", s))
}

func TestReduceAcrossTwoNodes(t *testing.T) {
	if testing.Short() {
		t.Skip("opens libp2p hosts")
	}
	const nodes = 2
	hosts := make([]host.Host, nodes)
	peers := make([]string, nodes)
	for i := range hosts {
		h, err := network.NewHost(network.HostConfig{
			ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
			Logger:      utils.NopLogger(),
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = h.Close() })
		hosts[i] = h
		peers[i] = network.FullAddrs(h)[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	outs := make([]*bytes.Buffer, nodes)
	var g errgroup.Group
	for rank := range hosts {
		outs[rank] = &bytes.Buffer{}
		cfg := ReduceConfig{
			Run:          smallRun(t, "-workers=1", "-limit=10000"),
			Rank:         rank,
			Peers:        peers,
			RoundTimeout: 20 * time.Second,
			Redistribute: true,
		}
		g.Go(func() error {
			return reduceWith(ctx, cfg, hosts[rank], inProcess(), outs[rank], utils.NopLogger())
		})
	}
	require.NoError(t, g.Wait())

	for rank, out := range outs {
		assert.Contains(t, out.String(), "local: desorbed=10000 ", "rank %d", rank)
		assert.Contains(t, out.String(), "cluster: desorbed=20000 ", "rank %d", rank)
	}
}
