// Command shardkeep-node runs a single cluster node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kilupskalvis/shardkeep/internal/config"
	"github.com/kilupskalvis/shardkeep/internal/node"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "Config file (TOML)")
	nodeID := flag.String("node-id", "", "Node id (default: hostname)")
	listen := flag.String("listen", "", "Listen address")
	advertise := flag.String("advertise", "", "Address other nodes use to reach this one")
	dataDir := flag.String("data-dir", "", "Data directory")
	seeds := flag.String("seeds", "", "Comma-separated seed node addresses")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (json, text)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.ApplyEnv(os.LookupEnv)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	// Flags win over file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "node-id":
			cfg.NodeID = *nodeID
		case "listen":
			cfg.Listen = *listen
		case "advertise":
			cfg.Advertise = *advertise
		case "data-dir":
			cfg.DataDir = *dataDir
		case "seeds":
			cfg.Seeds = nil
			for _, s := range strings.Split(*seeds, ",") {
				if s = strings.TrimSpace(s); s != "" {
					cfg.Seeds = append(cfg.Seeds, s)
				}
			}
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logger := node.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	n, err := node.New(cfg, logger)
	if err != nil {
		logger.Error("failed to start node", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	runErr := n.Run(ctx)
	stop()

	if err := n.Close(); err != nil {
		logger.Error("close error", "error", err)
	}
	if runErr != nil {
		logger.Error("node error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("node stopped")
}
