// Package cli implements the shardkeep command-line interface.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/kilupskalvis/shardkeep/internal/client"
	"github.com/kilupskalvis/shardkeep/internal/config"
	"github.com/spf13/cobra"
)

var (
	nodeURL        string
	requestTimeout time.Duration
	noRetry        bool
)

var rootCmd = &cobra.Command{
	Use:   "shardkeep",
	Short: "Snapshot ledger and task cancellation for a shardkeep cluster",
	Long: `shardkeep runs cluster nodes that keep versioned snapshot ledgers and
cancel running tasks across the cluster, banning their children on every
node that holds one.

Every command except "node start" talks to a running node over HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&nodeURL, "url",
		envOrDefault(config.EnvPrefix+"URL", fmt.Sprintf("http://127.0.0.1:%d", config.DefaultPort)),
		"Node base URL (env: SHARDKEEP_URL)")
	pf.DurationVar(&requestTimeout, "timeout", 2*time.Minute, "Request timeout")
	pf.BoolVar(&noRetry, "no-retry", false, "Do not retry transient failures")

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(repoCmd)
	rootCmd.AddCommand(clusterCmd)
}

// newClient returns the client for the node selected by --url.
func newClient() client.Client {
	c := client.NewHTTPClient(config.NormalizeURL(nodeURL), requestTimeout)
	if noRetry {
		return c
	}
	return client.NewRetryClient(c, nil)
}

// clientFactory is replaced in tests.
var clientFactory = newClient

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
