package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Ledger events delivered to webhooks.
const (
	EventSnapshotFinalized     = "snapshot_finalized"
	EventSnapshotDeleted       = "snapshot_deleted"
	EventSnapshotsIncompatible = "snapshots_incompatible"
)

// Event is the payload sent for a ledger change.
type Event struct {
	Event      string `json:"event"`
	Repository string `json:"repository"`
	Snapshot   string `json:"snapshot"`
	Generation int64  `json:"generation"`
	Timestamp  string `json:"timestamp"`
}

// Notifier is told about every successful ledger write.
type Notifier interface {
	Notify(Event)
}

// WebhookNotifier posts events to the configured URLs.
type WebhookNotifier struct {
	urls       []string
	client     *http.Client
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewWebhookNotifier creates a webhook notifier. Returns nil if no URLs are configured.
func NewWebhookNotifier(urls []string, logger *slog.Logger) *WebhookNotifier {
	if len(urls) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		urls:       urls,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: time.Second,
		logger:     logger,
	}
}

// Notify delivers the event in the background.
func (wn *WebhookNotifier) Notify(event Event) {
	if wn == nil {
		return
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	go wn.send(event)
}

func (wn *WebhookNotifier) send(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		wn.logger.Error("webhook: marshal event", "error", err)
		return
	}

	for _, url := range wn.urls {
		if err := wn.post(url, data); err != nil {
			wn.logger.Warn("webhook: delivery failed", "url", url, "error", err)
		} else {
			wn.logger.Debug("webhook: delivered", "url", url, "event", event.Event)
		}
	}
}

// post sends a single webhook POST with up to 2 retries on 5xx and
// transport errors.
func (wn *WebhookNotifier) post(url string, data []byte) error {
	const maxRetries = 2

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * wn.retryDelay)
		}
		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "shardkeep/1.0")

		resp, err := wn.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return lastErr
		}
	}
	return lastErr
}
