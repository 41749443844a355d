package app

import (
	"context"
	"errors"
	"io"

	"github.com/libp2p/go-libp2p/core/host"

	"github.com/nmxmxh/simplane/internal/cluster"
	"github.com/nmxmxh/simplane/internal/network"
	"github.com/nmxmxh/simplane/internal/orchestrator"
	"github.com/nmxmxh/simplane/internal/utils"
)

// RunReduce runs the local workers, then folds every node's totals into
// rank 0 over libp2p. With Redistribute every node prints the total.
func RunReduce(ctx context.Context, cfg ReduceConfig, out io.Writer) error {
	logger := newLogger("cluster", cfg.Run.LogLevel)
	h, err := network.NewHost(network.HostConfig{
		ListenAddrs:  []string{cfg.Listen},
		IdentityPath: cfg.IdentityPath,
		Logger:       logger.Named("network"),
	})
	if err != nil {
		return err
	}
	defer h.Close()
	return reduceWith(ctx, cfg, h, execSpawner(), out, logger)
}

func reduceWith(ctx context.Context, cfg ReduceConfig, h host.Host, spawner orchestrator.Spawner, out io.Writer, logger *utils.Logger) error {
	nodeLog := logger.With(utils.Int("rank", cfg.Rank))
	peers, err := network.ParsePeers(cfg.Peers)
	if err != nil {
		return err
	}
	substrate, err := cluster.NewP2PSubstrate(h, cfg.Rank, peers, cluster.P2POptions{Logger: nodeLog})
	if err != nil {
		return err
	}
	defer substrate.Close()

	// Peers may still be starting; sends redial on their own.
	if err := network.ConnectAll(ctx, h, peers); err != nil {
		nodeLog.Warn("Some peers unreachable before the run", utils.Err(err))
	}

	local, err := runLocal(ctx, cfg.Run, spawner, nodeLog.Named("orchestrator"))
	if err != nil {
		return err
	}
	if err := writeSummary(out, "local", local); err != nil {
		return err
	}

	cc, err := cluster.NewClusterContext(cfg.Rank, len(peers), substrate, cfg.RoundTimeout, logger)
	if err != nil {
		return err
	}
	total, err := cluster.Reduce(ctx, cc, local)
	if err != nil {
		return err
	}
	if cfg.Redistribute {
		if total, err = cluster.Redistribute(ctx, cc, total); err != nil {
			return err
		}
	}
	if total == nil {
		if cc.Root() {
			return errors.New("root finished without a total")
		}
		return nil
	}
	return writeSummary(out, "cluster", total)
}
