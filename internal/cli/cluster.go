package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect cluster membership",
}

var clusterNodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List the nodes known to a node",
	Args:  cobra.NoArgs,
	RunE:  runClusterNodes,
}

func init() {
	clusterCmd.AddCommand(clusterNodesCmd)
}

func runClusterNodes(cmd *cobra.Command, _ []string) error {
	resp, err := clientFactory().Nodes(cmd.Context())
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Cluster state version %d\n", resp.Version)
	for _, n := range resp.Nodes {
		if n.ID == resp.Local {
			color.New(color.FgGreen).Fprintf(w, "* %-20s  %s\n", n.ID, n.Addr)
			continue
		}
		fmt.Fprintf(w, "  %-20s  %s\n", n.ID, n.Addr)
	}
	return nil
}
