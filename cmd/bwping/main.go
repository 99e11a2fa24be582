package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/bluewire-rdma/bluewire/internal/bench"
	"github.com/bluewire-rdma/bluewire/internal/config"
)

func main() {
	// Set up command line flags
	flagSet := pflag.NewFlagSet("bwping", pflag.ExitOnError)
	configPath := flagSet.String("config", "", "Path to configuration file")
	createConfig := flagSet.Bool("create-config", false, "Create a default configuration file")
	configOutput := flagSet.String("config-output", "bwping.yaml", "Path where to write the default configuration")
	showVersion := flagSet.Bool("version", false, "Show version information")
	target := flagSet.String("target", "", "Peer exchange listener, host:port (overrides config)")
	targetNode := flagSet.String("node", "", "Resolve the peer through the registry by node id (overrides config)")
	count := flagSet.Uint64("count", 0, "Total operations, 0 = run until interrupted (overrides config)")
	rate := flagSet.Int("rate", -1, "Operations per second, 0 = unlimited (overrides config)")
	size := flagSet.Int("size", 0, "Payload bytes per operation (overrides config)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println("Bluewire Traffic Driver v0.1.0")
		os.Exit(0)
	}

	if *createConfig {
		if err := config.CreateDefaultBenchConfig(*configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", *configOutput)
		os.Exit(0)
	}

	// Load configuration and apply flag overrides
	cfg, err := config.LoadBenchConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *target != "" {
		cfg.Target = *target
	}
	if *targetNode != "" {
		cfg.TargetNode = *targetNode
	}
	if *count > 0 {
		cfg.Count = *count
	}
	if *rate >= 0 {
		cfg.Rate = *rate
	}
	if *size > 0 {
		cfg.MessageSize = *size
	}

	r, err := bench.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create runner")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Run failed")
	}
}
