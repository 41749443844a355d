// Package app parses subcommand configuration and wires the run, worker
// and reduce entry points.
package app

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/nmxmxh/simplane/internal/config"
	"github.com/nmxmxh/simplane/internal/orchestrator"
	"github.com/nmxmxh/simplane/internal/stepping"
	"github.com/nmxmxh/simplane/internal/utils"
)

// RunConfig configures `simplane run`.
type RunConfig struct {
	RunID   string `env:"SIMPLANE_RUN_ID"`
	Workers int    `env:"SIMPLANE_WORKERS" envDefault:"2"`
	Threads int    `env:"SIMPLANE_THREADS" envDefault:"4"`
	ShmDir  string `env:"SIMPLANE_SHM_DIR"`

	DesorptionLimit uint64        `env:"SIMPLANE_DESORPTION_LIMIT" envDefault:"1000000"`
	TimeLimit       time.Duration `env:"SIMPLANE_TIME_LIMIT" envDefault:"0s"`
	Seed            uint64        `env:"SIMPLANE_SEED" envDefault:"1"`
	Stepper         string        `env:"SIMPLANE_STEPPER" envDefault:"randomwalk"`
	GeometryPath    string        `env:"SIMPLANE_GEOMETRY"`
	Absorb          float64       `env:"SIMPLANE_ABSORB_PROBABILITY" envDefault:"0.5"`
	Leak            float64       `env:"SIMPLANE_LEAK_PROBABILITY" envDefault:"0.01"`

	Facets       int `env:"SIMPLANE_FACETS" envDefault:"16"`
	BounceBins   int `env:"SIMPLANE_BOUNCE_BINS" envDefault:"64"`
	DistanceBins int `env:"SIMPLANE_DISTANCE_BINS" envDefault:"64"`
	LeakCap      int `env:"SIMPLANE_LEAK_CACHE" envDefault:"32"`

	MergeInterval     time.Duration `env:"SIMPLANE_MERGE_INTERVAL" envDefault:"100ms"`
	FairnessTimeout   time.Duration `env:"SIMPLANE_FAIRNESS_TIMEOUT" envDefault:"0s"`
	MergeTimeout      time.Duration `env:"SIMPLANE_MERGE_TIMEOUT" envDefault:"20ms"`
	FinalMergeTimeout time.Duration `env:"SIMPLANE_FINAL_MERGE_TIMEOUT" envDefault:"30s"`

	PollInterval     time.Duration `env:"SIMPLANE_POLL_INTERVAL" envDefault:"5ms"`
	ConvergeTimeout  time.Duration `env:"SIMPLANE_CONVERGE_TIMEOUT" envDefault:"10s"`
	HeartbeatTimeout time.Duration `env:"SIMPLANE_HEARTBEAT_TIMEOUT" envDefault:"10s"`
	ExitTimeout      time.Duration `env:"SIMPLANE_EXIT_TIMEOUT" envDefault:"10s"`

	Journal  string `env:"SIMPLANE_JOURNAL"`
	LogLevel string `env:"SIMPLANE_LOG_LEVEL" envDefault:"info"`
}

// WorkerConfig configures `simplane worker`. The identifying fields come
// from the flags the orchestrator passes on spawn.
type WorkerConfig struct {
	Ordinal   int
	RunID     string
	ParentPID int
	Threads   int

	ShmDir       string        `env:"SIMPLANE_SHM_DIR"`
	PollInterval time.Duration `env:"SIMPLANE_POLL_INTERVAL" envDefault:"5ms"`
	LogLevel     string        `env:"SIMPLANE_LOG_LEVEL" envDefault:"info"`
}

// ReduceConfig configures `simplane reduce`: a local run followed by a
// reduction across every listed peer.
type ReduceConfig struct {
	Run RunConfig

	Rank         int           `env:"SIMPLANE_RANK" envDefault:"0"`
	Peers        []string      `env:"SIMPLANE_PEERS" envSeparator:","`
	Listen       string        `env:"SIMPLANE_LISTEN" envDefault:"/ip4/0.0.0.0/tcp/4001"`
	IdentityPath string        `env:"SIMPLANE_IDENTITY"`
	RoundTimeout time.Duration `env:"SIMPLANE_ROUND_TIMEOUT" envDefault:"30s"`
	Redistribute bool          `env:"SIMPLANE_REDISTRIBUTE" envDefault:"false"`
}

// ParseRunConfig reads the environment, then flags.
func ParseRunConfig(fs *flag.FlagSet, args []string) (RunConfig, error) {
	var cfg RunConfig
	if err := config.ParseEnv(&cfg); err != nil {
		return RunConfig{}, err
	}
	bindRunFlags(fs, &cfg)
	if err := config.ParseArgs(fs, args); err != nil {
		return RunConfig{}, err
	}
	if err := cfg.validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

func bindRunFlags(fs *flag.FlagSet, cfg *RunConfig) {
	fs.StringVar(&cfg.RunID, "run-id", cfg.RunID, "run identifier prefixing every region (generated if empty)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "worker processes")
	fs.IntVar(&cfg.Threads, "threads", cfg.Threads, "stepping threads per worker")
	fs.StringVar(&cfg.ShmDir, "shm-dir", cfg.ShmDir, "directory holding the shared regions")
	fs.Uint64Var(&cfg.DesorptionLimit, "limit", cfg.DesorptionLimit, "total desorptions, 0 for no limit")
	fs.DurationVar(&cfg.TimeLimit, "time-limit", cfg.TimeLimit, "running time cap, 0 for none")
	fs.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	fs.StringVar(&cfg.Stepper, "stepper", cfg.Stepper, "stepper kind (randomwalk, wasm)")
	fs.StringVar(&cfg.GeometryPath, "geometry", cfg.GeometryPath, "geometry file handed to the stepper")
	fs.Float64Var(&cfg.Absorb, "absorb", cfg.Absorb, "absorb probability per hit")
	fs.Float64Var(&cfg.Leak, "leak", cfg.Leak, "leak probability per flight")
	fs.IntVar(&cfg.Facets, "facets", cfg.Facets, "facet counters")
	fs.IntVar(&cfg.BounceBins, "bounce-bins", cfg.BounceBins, "bounce histogram bins")
	fs.IntVar(&cfg.DistanceBins, "distance-bins", cfg.DistanceBins, "flight distance histogram bins")
	fs.IntVar(&cfg.LeakCap, "leak-cache", cfg.LeakCap, "leaks kept in the result")
	fs.DurationVar(&cfg.MergeInterval, "merge-interval", cfg.MergeInterval, "target time between merges")
	fs.DurationVar(&cfg.FairnessTimeout, "fairness-timeout", cfg.FairnessTimeout, "out-of-turn merge threshold, 0 for threads x merge interval")
	fs.DurationVar(&cfg.MergeTimeout, "merge-timeout", cfg.MergeTimeout, "lock wait of an in-loop merge")
	fs.DurationVar(&cfg.FinalMergeTimeout, "final-merge-timeout", cfg.FinalMergeTimeout, "lock wait of the closing merge")
	fs.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "command table poll interval")
	fs.DurationVar(&cfg.ConvergeTimeout, "converge-timeout", cfg.ConvergeTimeout, "wait for workers to reach a state")
	fs.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "treat a worker silent this long as hung")
	fs.DurationVar(&cfg.ExitTimeout, "exit-timeout", cfg.ExitTimeout, "wait for workers to exit")
	fs.StringVar(&cfg.Journal, "journal", cfg.Journal, "sqlite run journal path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
}

func (c RunConfig) validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.Threads <= 0 {
		errs = append(errs, fmt.Errorf("threads must be positive, got %d", c.Threads))
	}
	if _, err := stepping.Lookup(c.Stepper); err != nil {
		errs = append(errs, err)
	}
	if _, err := utils.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseWorkerConfig reads the environment, then the spawn flags.
func ParseWorkerConfig(fs *flag.FlagSet, args []string) (WorkerConfig, error) {
	var cfg WorkerConfig
	if err := config.ParseEnv(&cfg); err != nil {
		return WorkerConfig{}, err
	}
	fs.IntVar(&cfg.Ordinal, "ordinal", -1, "worker ordinal in the command table")
	fs.StringVar(&cfg.RunID, "run-id", "", "run identifier")
	fs.IntVar(&cfg.ParentPID, "parent-pid", 0, "orchestrator pid to watch")
	fs.IntVar(&cfg.Threads, "threads", 0, "thread count override")
	fs.StringVar(&cfg.ShmDir, "shm-dir", cfg.ShmDir, "directory holding the shared regions")
	fs.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "command slot poll interval")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := config.ParseArgs(fs, args); err != nil {
		return WorkerConfig{}, err
	}

	switch {
	case cfg.Ordinal < 0:
		return WorkerConfig{}, errors.New("worker needs -ordinal")
	case cfg.RunID == "":
		return WorkerConfig{}, errors.New("worker needs -run-id")
	}
	if _, err := utils.ParseLevel(cfg.LogLevel); err != nil {
		return WorkerConfig{}, err
	}
	return cfg, nil
}

// ParseReduceConfig reads the environment, then the run and cluster flags.
func ParseReduceConfig(fs *flag.FlagSet, args []string) (ReduceConfig, error) {
	var cfg ReduceConfig
	if err := config.ParseEnv(&cfg); err != nil {
		return ReduceConfig{}, err
	}
	bindRunFlags(fs, &cfg.Run)
	peers := config.ListFlag(cfg.Peers)
	fs.IntVar(&cfg.Rank, "rank", cfg.Rank, "this node's rank, its index in -peers")
	fs.Var(&peers, "peers", "comma separated /p2p multiaddrs of every node, in rank order")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "libp2p listen multiaddr")
	fs.StringVar(&cfg.IdentityPath, "identity", cfg.IdentityPath, "node identity file (ephemeral if empty)")
	fs.DurationVar(&cfg.RoundTimeout, "round-timeout", cfg.RoundTimeout, "deadline of one reduction round")
	fs.BoolVar(&cfg.Redistribute, "redistribute", cfg.Redistribute, "send the total back to every node")
	if err := config.ParseArgs(fs, args); err != nil {
		return ReduceConfig{}, err
	}
	cfg.Peers = peers

	if err := cfg.Run.validate(); err != nil {
		return ReduceConfig{}, err
	}
	switch {
	case len(cfg.Peers) == 0:
		return ReduceConfig{}, errors.New("reduce needs -peers")
	case cfg.Rank < 0 || cfg.Rank >= len(cfg.Peers):
		return ReduceConfig{}, fmt.Errorf("rank %d outside %d peers", cfg.Rank, len(cfg.Peers))
	case cfg.RoundTimeout <= 0:
		return ReduceConfig{}, errors.New("round timeout must be positive")
	}
	return cfg, nil
}

// newLogger builds a component logger at the configured level. The level
// has already been validated.
func newLogger(component, level string) *utils.Logger {
	lvl, _ := utils.ParseLevel(level)
	return utils.NewLogger(utils.LoggerConfig{Level: lvl, Component: component})
}

// execSpawner launches workers as `<this binary> worker ...`.
func execSpawner() orchestrator.Spawner {
	return orchestrator.ExecSpawner{Args: []string{"worker"}}
}
