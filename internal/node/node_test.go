package node

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/kilupskalvis/shardkeep/internal/api"
	"github.com/kilupskalvis/shardkeep/internal/cluster"
	"github.com/kilupskalvis/shardkeep/internal/config"
	"github.com/kilupskalvis/shardkeep/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, id string, ln net.Listener) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.NodeID = id
	cfg.Listen = ln.Addr().String()
	cfg.Advertise = ln.Addr().String()
	cfg.DataDir = t.TempDir()
	cfg.ClusterToken = "secret"
	cfg.HealthInterval = config.Duration{}
	cfg.Repositories = []config.Repository{
		{Name: "backups", Compress: true},
		{Name: "archive", Metastore: "sqlite"},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

// startNode serves a node until the test ends.
func startNode(t *testing.T, cfg *config.Config, ln net.Listener) *Node {
	t.Helper()
	n, err := New(cfg, NewLogger(io.Discard, "debug", "text"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		assert.NoError(t, n.Close())
	})
	return n
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestNode_ServesRepositories(t *testing.T) {
	ln := listen(t)
	cfg := testConfig(t, "n1", ln)
	startNode(t, cfg, ln)

	body, _ := json.Marshal(api.FinalizeRequest{Indices: []string{"logs"}})
	resp, err := http.Post(cfg.Advertise+"/_snapshot/archive/snap-1", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(cfg.Advertise + "/_snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list api.RepositoriesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, []api.RepositoryInfo{
		{Name: "archive", Generation: 0},
		{Name: "backups", Generation: -1},
	}, list.Repositories)
}

func TestNode_Metrics(t *testing.T) {
	ln := listen(t)
	cfg := testConfig(t, "n1", ln)
	n := startNode(t, cfg, ln)

	task, err := n.Registry.RegisterCancellable(tasks.Request{Action: "test"}, nil)
	require.NoError(t, err)
	defer n.Registry.Unregister(task.ID)

	resp, err := http.Get(cfg.Advertise + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `shardkeep_tasks_running{cancellable="true",node="n1"} 1`)
}

func TestNode_JoinsThroughSeed(t *testing.T) {
	lnA, lnB := listen(t), listen(t)
	cfgA := testConfig(t, "a", lnA)
	cfgB := testConfig(t, "b", lnB)
	cfgB.Seeds = []string{cfgA.Advertise}

	a := startNode(t, cfgA, lnA)
	b := startNode(t, cfgB, lnB)

	assert.Eventually(t, func() bool {
		return a.Membership.State().Has("b") && b.Membership.State().Has("a")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNode_PrunesBansOfDepartedNodes(t *testing.T) {
	ln := listen(t)
	n := startNode(t, testConfig(t, "n1", ln), ln)

	n.Membership.Join(cluster.NodeInfo{ID: "gone", Addr: "http://gone"})
	parent := tasks.TaskID{NodeID: "gone", ID: 7}
	n.Registry.SetBan(parent, "cancelled")
	require.True(t, n.Registry.IsBanned(parent))

	n.Membership.Leave("gone")
	assert.False(t, n.Registry.IsBanned(parent))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"k":"v"`)
}
