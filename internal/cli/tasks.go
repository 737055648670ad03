package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/shardkeep/internal/cancel"
	"github.com/kilupskalvis/shardkeep/internal/tasks"
	"github.com/spf13/cobra"
)

var (
	listActions  []string
	tasksActions []string
	tasksNodes   []string
	tasksParent  string
	tasksReason  string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List and cancel tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tasks running on a node",
	Long: `List the tasks running on the node selected by --url.

Examples:
  shardkeep tasks list
  shardkeep tasks list --actions 'cluster:admin/snapshot/*'`,
	Args: cobra.NoArgs,
	RunE: runTasksList,
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel tasks anywhere in the cluster",
	Long: `Cancel one task by id ("node:id"), or every cancellable task matching
the filters. Cancelling a task bans new children of it on every node that
runs one, and returns once those nodes have acknowledged the ban.

Examples:
  shardkeep tasks cancel node-1:42 --reason "operator request"
  shardkeep tasks cancel --actions 'indices:data/read/*' --nodes node-2
  shardkeep tasks cancel --parent node-1:42`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTasksCancel,
}

var tasksBansCmd = &cobra.Command{
	Use:   "bans",
	Short: "List the bans set on a node",
	Args:  cobra.NoArgs,
	RunE:  runTasksBans,
}

func init() {
	tasksCmd.AddCommand(tasksListCmd, tasksCancelCmd, tasksBansCmd)

	tasksListCmd.Flags().StringSliceVar(&listActions, "actions", nil, "Action patterns, '*' matches any run of characters")

	f := tasksCancelCmd.Flags()
	f.StringSliceVar(&tasksActions, "actions", nil, "Action patterns to cancel")
	f.StringSliceVar(&tasksNodes, "nodes", nil, "Only cancel tasks on these nodes")
	f.StringVar(&tasksParent, "parent", "", "Only cancel children of this task")
	f.StringVar(&tasksReason, "reason", "", "Cancellation reason")
}

func runTasksList(cmd *cobra.Command, _ []string) error {
	resp, err := clientFactory().ListTasks(cmd.Context(), listActions)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(resp.Tasks) == 0 {
		fmt.Fprintf(w, "No tasks running on %s\n", resp.Node)
		return nil
	}

	yellow := color.New(color.FgYellow)
	fmt.Fprintf(w, "  %-24s  %-40s  %-10s  %-24s  %s\n", "Task", "Action", "Running", "Parent", "Status")
	for _, t := range resp.Tasks {
		status := "-"
		if t.Cancellable {
			status = "cancellable"
		}
		if t.Cancelled {
			status = yellow.Sprint("cancelled")
		}
		parent := "-"
		if t.ParentTaskID.IsSet() {
			parent = t.ParentTaskID.String()
		}
		fmt.Fprintf(w, "  %-24s  %-40s  %-10s  %-24s  %s\n",
			t.TaskID(),
			t.Action,
			time.Duration(t.RunningTimeNanos).Round(time.Millisecond),
			parent,
			status,
		)
	}
	return nil
}

func runTasksCancel(cmd *cobra.Command, args []string) error {
	req := cancel.Request{
		Actions: tasksActions,
		Nodes:   tasksNodes,
		Reason:  tasksReason,
	}
	if len(args) == 1 {
		id, err := tasks.ParseTaskID(args[0])
		if err != nil {
			return err
		}
		req.TaskID = id
	}
	if tasksParent != "" {
		parent, err := tasks.ParseTaskID(tasksParent)
		if err != nil {
			return fmt.Errorf("--parent: %w", err)
		}
		req.ParentTaskID = parent
	}
	if !req.TaskID.IsSet() && !req.ParentTaskID.IsSet() && len(req.Actions) == 0 && len(req.Nodes) == 0 {
		return fmt.Errorf("refusing to cancel every task: pass a task id or a filter")
	}

	resp, err := clientFactory().CancelTasks(cmd.Context(), req)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	for _, t := range resp.Tasks {
		green.Fprintf(w, "Cancelled %s [%s]\n", t.TaskID(), t.Action)
	}
	for _, f := range resp.TaskFailures {
		red.Fprintf(w, "Failed %s:%d (%s): %s\n", f.NodeID, f.TaskID, f.Status, f.Reason)
	}
	for _, f := range resp.NodeFailures {
		red.Fprintf(w, "Node %s failed: %s\n", f.NodeID, f.Reason)
	}
	if len(resp.Tasks) == 0 && len(resp.TaskFailures) == 0 && len(resp.NodeFailures) == 0 {
		fmt.Fprintln(w, "No matching tasks")
	}
	if len(resp.TaskFailures) > 0 || len(resp.NodeFailures) > 0 {
		return fmt.Errorf("cancellation incomplete: %d task failures, %d node failures",
			len(resp.TaskFailures), len(resp.NodeFailures))
	}
	return nil
}

func runTasksBans(cmd *cobra.Command, _ []string) error {
	resp, err := clientFactory().ListBans(cmd.Context())
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(resp.Bans) == 0 {
		fmt.Fprintf(w, "No bans on %s\n", resp.Node)
		return nil
	}
	fmt.Fprintf(w, "  %-24s  %-25s  %s\n", "Parent", "Since", "Reason")
	for _, b := range resp.Bans {
		fmt.Fprintf(w, "  %-24s  %-25s  %s\n", b.Parent, b.CreatedAt.Format(time.RFC3339), strings.TrimSpace(b.Reason))
	}
	return nil
}
