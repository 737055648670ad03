package repository

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWebhookNotifier_NoURLs(t *testing.T) {
	assert.Nil(t, NewWebhookNotifier(nil, slog.Default()))
}

func TestWebhookNotifier_NilReceiver(t *testing.T) {
	var wn *WebhookNotifier
	wn.Notify(Event{Event: EventSnapshotDeleted})
}

func TestWebhookNotifier_Delivers(t *testing.T) {
	var mu sync.Mutex
	var received []Event

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, event)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier([]string{ts.URL}, slog.Default())
	require.NotNil(t, wn)
	wn.Notify(Event{Event: EventSnapshotFinalized, Repository: "backups", Snapshot: "nightly", Generation: 3})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventSnapshotFinalized, received[0].Event)
	assert.Equal(t, "backups", received[0].Repository)
	assert.Equal(t, "nightly", received[0].Snapshot)
	assert.Equal(t, int64(3), received[0].Generation)
	assert.NotEmpty(t, received[0].Timestamp)
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier([]string{ts.URL}, slog.Default())
	wn.retryDelay = time.Millisecond
	require.NoError(t, wn.post(ts.URL, []byte(`{}`)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookNotifier_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	wn := NewWebhookNotifier([]string{ts.URL}, slog.Default())
	wn.retryDelay = time.Millisecond
	assert.Error(t, wn.post(ts.URL, []byte(`{}`)))
	assert.Equal(t, int32(1), calls.Load())
}
