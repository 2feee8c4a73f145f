package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/peerctl/internal/config"
	"github.com/sheerbytes/peerctl/internal/logging"
	"github.com/sheerbytes/peerctl/internal/node"
	"github.com/sheerbytes/peerctl/internal/stats"
	"github.com/sheerbytes/peerctl/internal/statsfeed"
)

const version = "v0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "run":
		return runNode(ctx, args[1:], stderr)
	case "watch":
		return runWatch(ctx, args[1:], stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintln(stdout, version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: peerctl <command> [flags]")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  run    start a loopback swarm and drive it with the peer scheduler")
	fmt.Fprintln(w, "  watch  print stats pushed by a running node")
	fmt.Fprintln(w, "  version")
	fmt.Fprintln(w, "run 'peerctl <command> -h' for command flags")
}

func runNode(ctx context.Context, args []string, stderr io.Writer) int {
	cfg, err := config.ParseRunConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger := logging.NewWithWriter(stderr, "peerctl", cfg.LogLevel)

	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}
	n, err := node.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("node setup failed", "error", err)
		return 1
	}
	if err := n.Run(ctx); err != nil {
		logger.Error("node stopped", "error", err)
		return 1
	}
	return 0
}

func runWatch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.ParseWatchConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger := logging.NewWithWriter(stderr, "peerctl", cfg.LogLevel)
	err = statsfeed.Watch(ctx, cfg.URL, func(snap stats.Snapshot) {
		printSnapshot(stdout, snap)
	})
	if err != nil {
		logger.Error("watch failed", "url", cfg.URL, "error", err)
		return 1
	}
	return 0
}

func printSnapshot(w io.Writer, snap stats.Snapshot) {
	fmt.Fprintf(w, "-- %s\n", snap.Time.Format("15:04:05.000"))
	for _, name := range snap.Names() {
		fmt.Fprintf(w, "%-34s %d\n", name, snap.Values[name])
	}
}
