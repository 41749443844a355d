package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nmxmxh/simplane/internal/app"
)

const usage = `usage: simplane <command> [flags]

commands:
  run     run a simulation with local worker processes
  worker  serve one worker slot (started by run)
  reduce  run locally, then reduce totals across peers
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := flag.NewFlagSet("simplane "+command, flag.ExitOnError)
	var err error
	switch command {
	case "run":
		var cfg app.RunConfig
		if cfg, err = app.ParseRunConfig(fs, args); err == nil {
			err = app.RunOrchestrator(ctx, cfg, os.Stdout)
		}
	case "worker":
		var cfg app.WorkerConfig
		if cfg, err = app.ParseWorkerConfig(fs, args); err == nil {
			err = app.RunWorker(ctx, cfg)
		}
	case "reduce":
		var cfg app.ReduceConfig
		if cfg, err = app.ParseReduceConfig(fs, args); err == nil {
			err = app.RunReduce(ctx, cfg, os.Stdout)
		}
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("simplane %s: %v", command, err)
	}
}
