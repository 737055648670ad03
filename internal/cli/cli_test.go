package cli

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"

	"github.com/fatih/color"
	"github.com/kilupskalvis/shardkeep/internal/api"
	"github.com/kilupskalvis/shardkeep/internal/cancel"
	"github.com/kilupskalvis/shardkeep/internal/client"
	"github.com/kilupskalvis/shardkeep/internal/config"
	"github.com/kilupskalvis/shardkeep/internal/node"
	"github.com/kilupskalvis/shardkeep/internal/tasks"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

// resetFlags restores every flag of cmd and its children to its default,
// so commands can be executed repeatedly within one test binary.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func useClient(t *testing.T, c client.Client) {
	t.Helper()
	orig := clientFactory
	clientFactory = func() client.Client { return c }
	t.Cleanup(func() { clientFactory = orig })
}

// fakeClient implements the calls the task commands make and records them.
type fakeClient struct {
	client.Client
	cancelReq  cancel.Request
	cancelResp *cancel.Response
	tasks      *api.TasksResponse
	actions    []string
}

func (f *fakeClient) CancelTasks(_ context.Context, req cancel.Request) (*cancel.Response, error) {
	f.cancelReq = req
	return f.cancelResp, nil
}

func (f *fakeClient) ListTasks(_ context.Context, actions []string) (*api.TasksResponse, error) {
	f.actions = actions
	return f.tasks, nil
}

func TestTasksCancel_ByID(t *testing.T) {
	fc := &fakeClient{cancelResp: &cancel.Response{
		Tasks: []tasks.TaskInfo{{Node: "n1", ID: 42, Action: "indices:data/read/search"}},
	}}
	useClient(t, fc)

	out, err := runCLI(t, "tasks", "cancel", "n1:42", "--reason", "too slow")
	require.NoError(t, err)
	assert.Equal(t, cancel.Request{TaskID: tasks.TaskID{NodeID: "n1", ID: 42}, Reason: "too slow"}, fc.cancelReq)
	assert.Contains(t, out, "Cancelled n1:42 [indices:data/read/search]")
}

func TestTasksCancel_Filters(t *testing.T) {
	fc := &fakeClient{cancelResp: &cancel.Response{}}
	useClient(t, fc)

	out, err := runCLI(t, "tasks", "cancel", "--actions", "a/*,b", "--nodes", "n2", "--parent", "n1:7")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/*", "b"}, fc.cancelReq.Actions)
	assert.Equal(t, []string{"n2"}, fc.cancelReq.Nodes)
	assert.Equal(t, tasks.TaskID{NodeID: "n1", ID: 7}, fc.cancelReq.ParentTaskID)
	assert.Contains(t, out, "No matching tasks")
}

func TestTasksCancel_ReportsFailures(t *testing.T) {
	useClient(t, &fakeClient{cancelResp: &cancel.Response{
		NodeFailures: []cancel.NodeFailure{{NodeID: "n3", Reason: "connection refused"}},
	}})

	out, err := runCLI(t, "tasks", "cancel", "--actions", "*")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 node failures")
	assert.Contains(t, out, "Node n3 failed: connection refused")
}

func TestTasksCancel_Rejected(t *testing.T) {
	fc := &fakeClient{}
	useClient(t, fc)

	_, err := runCLI(t, "tasks", "cancel")
	assert.ErrorContains(t, err, "refusing to cancel every task")

	_, err = runCLI(t, "tasks", "cancel", "no-colon")
	assert.Error(t, err)

	_, err = runCLI(t, "tasks", "cancel", "--parent", "bad")
	assert.ErrorContains(t, err, "--parent")
	assert.False(t, fc.cancelReq.TaskID.IsSet())
}

func TestTasksList(t *testing.T) {
	fc := &fakeClient{tasks: &api.TasksResponse{Node: "n1", Tasks: []tasks.TaskInfo{
		{Node: "n1", ID: 1, Action: "cluster:admin/repository/verify", Cancellable: true},
		{Node: "n1", ID: 2, Action: "cluster:admin/repository/verify[n]", Cancellable: true, Cancelled: true,
			ParentTaskID: tasks.TaskID{NodeID: "n1", ID: 1}},
	}}}
	useClient(t, fc)

	out, err := runCLI(t, "tasks", "list", "--actions", "cluster:admin/*")
	require.NoError(t, err)
	assert.Equal(t, []string{"cluster:admin/*"}, fc.actions)
	assert.Contains(t, out, "n1:1")
	assert.Contains(t, out, "cancelled")

	fc.tasks = &api.TasksResponse{Node: "n1"}
	out, err = runCLI(t, "tasks", "list")
	require.NoError(t, err)
	assert.Nil(t, fc.actions)
	assert.Contains(t, out, "No tasks running on n1")
}

func startTestNode(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.NodeID = "n1"
	cfg.Listen = ln.Addr().String()
	cfg.DataDir = t.TempDir()
	cfg.HealthInterval = config.Duration{}
	cfg.Repositories = []config.Repository{{Name: "backups"}}
	require.NoError(t, cfg.Validate())

	n, err := node.New(cfg, node.NewLogger(io.Discard, "error", "text"))
	require.NoError(t, err)
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Serve(ctx, ln) }()
	t.Cleanup(func() {
		stop()
		assert.NoError(t, <-done)
		assert.NoError(t, n.Close())
	})
	return cfg.Advertise
}

func TestRepoCommands_AgainstNode(t *testing.T) {
	url := startTestNode(t)

	out, err := runCLI(t, "--url", url, "repo", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "generation -1")

	out, err = runCLI(t, "--url", url, "repo", "finalize", "backups", "snap-1", "--indices", "logs,metrics")
	require.NoError(t, err)
	assert.Contains(t, out, "Recorded snapshot snap-1")
	assert.Contains(t, out, "generation 0")

	_, err = runCLI(t, "--url", url, "repo", "finalize", "backups", "snap-2", "--indices", "logs")
	require.NoError(t, err)

	out, err = runCLI(t, "--url", url, "repo", "incompatible", "backups", "snap-1")
	require.NoError(t, err)
	assert.Contains(t, out, "generation 2")

	out, err = runCLI(t, "--url", url, "repo", "show", "backups")
	require.NoError(t, err)
	assert.Contains(t, out, "Snapshots (1)")
	assert.Contains(t, out, "Incompatible (1)")
	assert.Contains(t, out, "Indices (2)")

	out, err = runCLI(t, "--url", url, "repo", "verify", "backups")
	require.NoError(t, err)
	assert.Contains(t, out, "n1")

	out, err = runCLI(t, "--url", url, "repo", "delete", "backups", "snap-1")
	require.NoError(t, err)
	assert.Contains(t, out, "generation 3")

	_, err = runCLI(t, "--url", url, "--no-retry", "repo", "delete", "backups", "snap-1")
	var remote *client.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "snapshot_missing", remote.Code)

	out, err = runCLI(t, "--url", url, "repo", "cleanup", "backups")
	require.NoError(t, err)
	assert.Contains(t, out, "generation 3")

	out, err = runCLI(t, "--url", url, "cluster", "nodes")
	require.NoError(t, err)
	assert.Contains(t, out, "* n1")
}

func TestCompletion(t *testing.T) {
	for _, shell := range []string{"bash", "zsh", "fish", "powershell"} {
		out, err := runCLI(t, "completion", shell)
		require.NoError(t, err, shell)
		assert.Contains(t, out, "shardkeep", shell)
	}

	_, err := runCLI(t, "completion", "tcsh")
	assert.Error(t, err)
}

func TestNodeInitConfig(t *testing.T) {
	path := t.TempDir() + "/node.toml"
	out, err := runCLI(t, "node", "init-config", path, "--node-id", "n7", "--seeds", "n1:9300", "--repository", "backups")
	require.NoError(t, err)
	assert.Contains(t, out, "node n7")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "n7", cfg.NodeID)
	assert.Equal(t, []string{"http://n1:9300"}, cfg.Seeds)
	require.Len(t, cfg.Repositories, 1)
	assert.Equal(t, "bbolt", cfg.Repositories[0].Metastore)

	_, err = runCLI(t, "node", "init-config", path)
	assert.ErrorContains(t, err, "already exists")
}
