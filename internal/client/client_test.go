package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kilupskalvis/shardkeep/internal/api"
	"github.com/kilupskalvis/shardkeep/internal/cancel"
	"github.com/kilupskalvis/shardkeep/internal/repository"
	"github.com/kilupskalvis/shardkeep/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_Requests(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.RequestURI())
		switch r.URL.Path {
		case "/_snapshot/backups/snap 1":
			var req api.FinalizeRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []string{"logs"}, req.Indices)
			json.NewEncoder(w).Encode(api.FinalizeResponse{Snapshot: repository.SnapshotID{Name: "snap 1", UUID: "u"}, Generation: 4})
		case "/_tasks/_cancel":
			var req cancel.Request
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, tasks.TaskID{NodeID: "n1", ID: 3}, req.TaskID)
			json.NewEncoder(w).Encode(cancel.Response{Tasks: []tasks.TaskInfo{{Node: "n1", ID: 3}}})
		default:
			json.NewEncoder(w).Encode(map[string]any{})
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", 5*time.Second)
	ctx := context.Background()

	fin, err := c.FinalizeSnapshot(ctx, "backups", "snap 1", []string{"logs"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), fin.Generation)

	resp, err := c.CancelTasks(ctx, cancel.Request{TaskID: tasks.TaskID{NodeID: "n1", ID: 3}})
	require.NoError(t, err)
	require.Len(t, resp.Tasks, 1)

	_, err = c.ListTasks(ctx, []string{"indices:*", "cluster:*"})
	require.NoError(t, err)
	_, err = c.DeleteSnapshot(ctx, "backups", "old")
	require.NoError(t, err)
	_, err = c.Verify(ctx, "backups")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"POST /_snapshot/backups/snap%201",
		"POST /_tasks/_cancel",
		"GET /_tasks?actions=indices%3A%2A%2Ccluster%3A%2A",
		"DELETE /_snapshot/backups/old",
		"POST /_snapshot/backups/_verify",
	}, got)
}

func TestHTTPClient_DecodesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/_snapshot/missing" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(api.ErrorResponse{Error: "repository_missing", Message: "[missing]: repository not found"})
			return
		}
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)

	_, err := c.GetLedger(context.Background(), "missing")
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusNotFound, re.Status)
	assert.Equal(t, "repository_missing", re.Code)

	_, err = c.ListBans(context.Background())
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "unknown", re.Code)
	assert.Equal(t, http.StatusBadGateway, re.Status)
}

func TestRetryClient_RetriesTransientResponses(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(api.ErrorResponse{Error: "concurrent_modification"})
			return
		}
		json.NewEncoder(w).Encode(api.GenerationResponse{Repository: "backups", Generation: 9})
	}))
	defer srv.Close()

	c := NewRetryClient(NewHTTPClient(srv.URL, time.Second), &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})
	resp, err := c.MarkIncompatible(context.Background(), "backups", []string{"s1"})
	require.NoError(t, err)
	assert.Equal(t, int64(9), resp.Generation)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryClient_DoesNotRetryDelete(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "internal_error"})
	}))
	defer srv.Close()

	c := NewRetryClient(NewHTTPClient(srv.URL, time.Second), &RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	_, err := c.DeleteSnapshot(context.Background(), "backups", "s1")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
