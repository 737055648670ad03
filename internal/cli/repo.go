package cli

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var finalizeIndices []string

var repoCmd = &cobra.Command{
	Use:     "repo",
	Aliases: []string{"repository"},
	Short:   "Inspect and update snapshot repositories",
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List repositories and their current generation",
	Args:  cobra.NoArgs,
	RunE:  runRepoList,
}

var repoShowCmd = &cobra.Command{
	Use:   "show <repo>",
	Short: "Show the snapshot ledger of a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepoShow,
}

var repoFinalizeCmd = &cobra.Command{
	Use:   "finalize <repo> <snapshot>",
	Short: "Record a completed snapshot",
	Long: `Record a completed snapshot and the indices it contains.

Example:
  shardkeep repo finalize backups nightly-2026-10-19 --indices logs,metrics`,
	Args: cobra.ExactArgs(2),
	RunE: runRepoFinalize,
}

var repoDeleteCmd = &cobra.Command{
	Use:   "delete <repo> <snapshot>",
	Short: "Remove a snapshot from the ledger",
	Args:  cobra.ExactArgs(2),
	RunE:  runRepoDelete,
}

var repoIncompatibleCmd = &cobra.Command{
	Use:   "incompatible <repo> <snapshot>...",
	Short: "Mark snapshots as incompatible with this version",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runRepoIncompatible,
}

var repoVerifyCmd = &cobra.Command{
	Use:   "verify <repo>",
	Short: "Check that every node can read the repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepoVerify,
}

var repoCleanupCmd = &cobra.Command{
	Use:   "cleanup <repo>",
	Short: "Delete stale generation blobs",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepoCleanup,
}

func init() {
	repoCmd.AddCommand(repoListCmd, repoShowCmd, repoFinalizeCmd, repoDeleteCmd,
		repoIncompatibleCmd, repoVerifyCmd, repoCleanupCmd)
	repoFinalizeCmd.Flags().StringSliceVar(&finalizeIndices, "indices", nil, "Indices contained in the snapshot")
}

func runRepoList(cmd *cobra.Command, _ []string) error {
	resp, err := clientFactory().ListRepositories(cmd.Context())
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(resp.Repositories) == 0 {
		fmt.Fprintln(w, "No repositories")
		return nil
	}
	for _, r := range resp.Repositories {
		fmt.Fprintf(w, "  %-30s  generation %d\n", r.Name, r.Generation)
	}
	return nil
}

func runRepoShow(cmd *cobra.Command, args []string) error {
	ledger, err := clientFactory().GetLedger(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	bold := color.New(color.Bold)
	yellow := color.New(color.FgYellow)

	bold.Fprintf(w, "Repository %s", ledger.Repository)
	fmt.Fprintf(w, " (generation %d)\n", ledger.Generation)

	fmt.Fprintf(w, "\nSnapshots (%d):\n", len(ledger.Snapshots))
	for _, s := range ledger.Snapshots {
		fmt.Fprintf(w, "  %-30s  %s\n", s.Name, s.UUID)
	}
	if len(ledger.Incompatible) > 0 {
		yellow.Fprintf(w, "\nIncompatible (%d):\n", len(ledger.Incompatible))
		for _, s := range ledger.Incompatible {
			yellow.Fprintf(w, "  %-30s  %s\n", s.Name, s.UUID)
		}
	}

	names := make([]string, 0, len(ledger.Indices))
	for name := range ledger.Indices {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "\nIndices (%d):\n", len(names))
	for _, name := range names {
		index := ledger.Indices[name]
		fmt.Fprintf(w, "  %-30s  %s  %d snapshots\n", name, index.ID, len(index.Snapshots))
	}
	return nil
}

func runRepoFinalize(cmd *cobra.Command, args []string) error {
	resp, err := clientFactory().FinalizeSnapshot(cmd.Context(), args[0], args[1], finalizeIndices)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Recorded snapshot %s [%s] at generation %d\n",
		resp.Snapshot.Name, resp.Snapshot.UUID, resp.Generation)
	return nil
}

func runRepoDelete(cmd *cobra.Command, args []string) error {
	resp, err := clientFactory().DeleteSnapshot(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Deleted snapshot %s, %s now at generation %d\n",
		args[1], resp.Repository, resp.Generation)
	return nil
}

func runRepoIncompatible(cmd *cobra.Command, args []string) error {
	resp, err := clientFactory().MarkIncompatible(cmd.Context(), args[0], args[1:])
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "Marked %d snapshots incompatible, %s now at generation %d\n",
		len(args)-1, resp.Repository, resp.Generation)
	return nil
}

func runRepoVerify(cmd *cobra.Command, args []string) error {
	resp, err := clientFactory().Verify(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	failed := 0
	for _, n := range resp.Nodes {
		if n.Verified {
			green.Fprintf(w, "  %-20s  ok      generation %d, %d snapshots\n", n.Node, n.Generation, n.Snapshots)
			continue
		}
		failed++
		red.Fprintf(w, "  %-20s  failed  %s: %s\n", n.Node, n.Error, n.Message)
	}
	if failed > 0 {
		return fmt.Errorf("repository %s failed verification on %d of %d nodes", resp.Repository, failed, len(resp.Nodes))
	}
	return nil
}

func runRepoCleanup(cmd *cobra.Command, args []string) error {
	res, err := clientFactory().Cleanup(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Scanned %d blobs at generation %d, deleted %d\n", res.BlobsScanned, res.Generation, res.BlobsDeleted)
	for _, name := range res.Deleted {
		fmt.Fprintf(w, "  %s\n", name)
	}
	return nil
}
