package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/kilupskalvis/shardkeep/internal/config"
	"github.com/kilupskalvis/shardkeep/internal/node"
	"github.com/spf13/cobra"
)

var (
	nodeConfigPath   string
	nodeID           string
	nodeListen       string
	nodeAdvertise    string
	nodeDataDir      string
	nodeSeeds        []string
	nodeClusterToken string
	nodeLogLevel     string
	nodeLogFormat    string
	nodeRepositories []string
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run and configure a cluster node",
}

var nodeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a cluster node",
	Long: `Start a cluster node.

Settings are read from the TOML file given by --config, then from
SHARDKEEP_* environment variables, then from flags.

Examples:
  shardkeep node start --config /etc/shardkeep/node.toml
  shardkeep node start --node-id n2 --listen 0.0.0.0:9301 --seeds http://n1:9300`,
	Args: cobra.NoArgs,
	RunE: runNodeStart,
}

var nodeInitConfigCmd = &cobra.Command{
	Use:   "init-config <path>",
	Short: "Write a configuration file with the default settings",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodeInitConfig,
}

func init() {
	nodeCmd.AddCommand(nodeStartCmd, nodeInitConfigCmd)

	nodeStartCmd.Flags().StringVarP(&nodeConfigPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "Config file (env: SHARDKEEP_CONFIG)")
	for _, cmd := range []*cobra.Command{nodeStartCmd, nodeInitConfigCmd} {
		f := cmd.Flags()
		f.StringVar(&nodeID, "node-id", "", "Node id")
		f.StringVar(&nodeListen, "listen", "", "Listen address (host:port)")
		f.StringVar(&nodeAdvertise, "advertise", "", "Address other nodes use to reach this one")
		f.StringVar(&nodeDataDir, "data-dir", "", "Directory for repository data")
		f.StringSliceVar(&nodeSeeds, "seeds", nil, "Addresses of nodes to join through")
		f.StringVar(&nodeClusterToken, "cluster-token", "", "Shared token for node to node calls")
		f.StringVar(&nodeLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
		f.StringVar(&nodeLogFormat, "log-format", "", "Log format (json|text)")
		f.StringSliceVar(&nodeRepositories, "repository", nil, "Repositories to serve with default settings")
	}
}

// nodeConfig assembles the configuration of a node from file, environment
// and the flags set on cmd.
func nodeConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("node-id") {
		cfg.NodeID = nodeID
	}
	if f.Changed("listen") {
		cfg.Listen = nodeListen
	}
	if f.Changed("advertise") {
		cfg.Advertise = nodeAdvertise
	}
	if f.Changed("data-dir") {
		cfg.DataDir = nodeDataDir
	}
	if f.Changed("seeds") {
		cfg.Seeds = nodeSeeds
	}
	if f.Changed("cluster-token") {
		cfg.ClusterToken = nodeClusterToken
	}
	if f.Changed("log-level") {
		cfg.LogLevel = nodeLogLevel
	}
	if f.Changed("log-format") {
		cfg.LogFormat = nodeLogFormat
	}
	for _, name := range nodeRepositories {
		cfg.Repositories = append(cfg.Repositories, config.Repository{Name: name})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runNodeStart(cmd *cobra.Command, _ []string) error {
	cfg, err := nodeConfig(cmd, nodeConfigPath)
	if err != nil {
		return err
	}

	logger := node.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	n, err := node.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Error("failed to close node", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return n.Run(ctx)
}

func runNodeInitConfig(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	cfg, err := nodeConfig(cmd, "")
	if err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Wrote configuration for node %s to %s\n", cfg.NodeID, path)
	return nil
}
