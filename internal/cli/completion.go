package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion <shell>",
	Short: "Print a shell completion script",
	Long: `Print a completion script for bash, zsh, fish or powershell.

Completion covers commands and flags, so "shardkeep tasks cancel --<TAB>"
lists the cancel filters.

Load it for the current session:
  source <(shardkeep completion bash)
  source <(shardkeep completion zsh)
  shardkeep completion fish | source
  shardkeep completion powershell | Out-String | Invoke-Expression

Or install it once, for example:
  shardkeep completion bash > /etc/bash_completion.d/shardkeep
  shardkeep completion fish > ~/.config/fish/completions/shardkeep.fish`,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	DisableFlagsInUseLine: true,
	RunE:                  runCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

func runCompletion(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	root := cmd.Root()
	switch args[0] {
	case "bash":
		return root.GenBashCompletionV2(w, true)
	case "zsh":
		return root.GenZshCompletion(w)
	case "fish":
		return root.GenFishCompletion(w, true)
	case "powershell":
		return root.GenPowerShellCompletionWithDesc(w)
	}
	return fmt.Errorf("unsupported shell %q", args[0])
}
