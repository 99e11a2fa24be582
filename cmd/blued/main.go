package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/bluewire-rdma/bluewire/internal/config"
	"github.com/bluewire-rdma/bluewire/internal/daemon"
)

func main() {
	// Set up command line flags
	flagSet := pflag.NewFlagSet("blued", pflag.ExitOnError)
	configPath := flagSet.String("config", "", "Path to configuration file")
	createConfig := flagSet.Bool("create-config", false, "Create a default configuration file")
	configOutput := flagSet.String("config-output", "blued.yaml", "Path where to write the default configuration")
	showVersion := flagSet.Bool("version", false, "Show version information")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println("Bluewire Daemon v0.1.0")
		os.Exit(0)
	}

	if *createConfig {
		if err := config.CreateDefaultDaemonConfig(*configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", *configOutput)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadDaemonConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Create and run the daemon
	d, err := daemon.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create daemon")
	}

	if err := d.Run(); err != nil {
		log.Fatal().Err(err).Msg("Daemon failed")
	}
}
