package cluster

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitor_EvictsAfterMaxFailures(t *testing.T) {
	m := NewMembership(NodeInfo{ID: "n1", Addr: "http://n1"}, nil)
	m.Join(NodeInfo{ID: "n2", Addr: "http://n2"}, NodeInfo{ID: "n3", Addr: "http://n3"})

	hm := NewHealthMonitor(m, 0, 2, nil)
	hm.SetCheckFunction(func(_ context.Context, addr string) error {
		if addr == "http://n3" {
			return errors.New("connection refused")
		}
		return nil
	})

	ctx := context.Background()
	hm.CheckAll(ctx)
	assert.True(t, m.State().Has("n3"))
	assert.Equal(t, 1, hm.GetNodeHealth("n3").ConsecutiveFails)

	hm.CheckAll(ctx)
	assert.False(t, m.State().Has("n3"))
	assert.Equal(t, StatusHealthy, hm.GetNodeHealth("n2").Status)

	hm.CheckAll(ctx)
	assert.Nil(t, hm.GetNodeHealth("n3"), "departed nodes are forgotten")
	assert.Nil(t, hm.GetNodeHealth("n1"), "the local node is never probed")
}

func TestHealthMonitor_CustomOnUnhealthy(t *testing.T) {
	m := NewMembership(NodeInfo{ID: "n1", Addr: "http://n1"}, nil)
	m.Join(NodeInfo{ID: "n2", Addr: "http://n2"})

	var mu sync.Mutex
	var evicted []string
	hm := NewHealthMonitor(m, 0, 1, nil)
	hm.SetCheckFunction(func(context.Context, string) error { return errors.New("down") })
	hm.SetOnUnhealthy(func(id string) {
		mu.Lock()
		evicted = append(evicted, id)
		mu.Unlock()
	})

	hm.CheckAll(context.Background())
	hm.CheckAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"n2"}, evicted, "eviction fires once per transition")
	assert.True(t, m.State().Has("n2"))
}

func TestHealthMonitor_DefaultCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	hm := NewHealthMonitor(NewMembership(NodeInfo{ID: "n1", Addr: srv.URL}, nil), 0, 1, nil)
	require.NoError(t, hm.defaultHealthCheck(context.Background(), srv.URL))
	assert.Error(t, hm.defaultHealthCheck(context.Background(), "127.0.0.1:1"))
}
