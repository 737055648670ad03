package client

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastRetry(maxRetries int) *RetryClient {
	return NewRetryClient(nil, &RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	})
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &RemoteError{Status: 500, Code: "internal_error"}, true},
		{"rate limited", &RemoteError{Status: http.StatusTooManyRequests, Code: "rate_limited"}, true},
		{"generation race", &RemoteError{Status: http.StatusConflict, Code: "concurrent_modification"}, true},
		{"already cancelled", &RemoteError{Status: http.StatusConflict, Code: "already_cancelled"}, false},
		{"not found", &RemoteError{Status: 404, Code: "snapshot_missing"}, false},
		{"cancelled", context.Canceled, false},
		{"network", errors.New("connection refused"), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, isTransient(c.err))
		})
	}
}

func TestRetryClient_Backoff(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
	})

	assert.Equal(t, 100*time.Millisecond, rc.backoff(0))
	assert.Equal(t, 200*time.Millisecond, rc.backoff(1))
	assert.Equal(t, 300*time.Millisecond, rc.backoff(2), "capped")
}

func TestRetryClient_BackoffJitterBounds(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		JitterFraction: 0.5,
	})
	for i := 0; i < 50; i++ {
		d := rc.backoff(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestRetryClient_RetrySuccess(t *testing.T) {
	attempts := 0
	err := fastRetry(3).retry(context.Background(), "test", func() error {
		attempts++
		if attempts < 3 {
			return &RemoteError{Status: 500, Code: "internal_error"}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryClient_RetryExhausted(t *testing.T) {
	attempts := 0
	err := fastRetry(2).retry(context.Background(), "test", func() error {
		attempts++
		return &RemoteError{Status: 503, Code: "unavailable"}
	})
	assert.ErrorContains(t, err, "after 2 retries")
	assert.Equal(t, 3, attempts)
}

func TestRetryClient_NoRetryOn4xx(t *testing.T) {
	attempts := 0
	err := fastRetry(3).retry(context.Background(), "test", func() error {
		attempts++
		return &RemoteError{Status: 404, Code: "repository_missing"}
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryClient_ContextCancellation(t *testing.T) {
	rc := NewRetryClient(nil, &RetryConfig{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := rc.retry(ctx, "test", func() error {
		return &RemoteError{Status: 500, Code: "internal_error"}
	})
	assert.ErrorContains(t, err, "retry cancelled")
}

func TestSleep(t *testing.T) {
	assert.NoError(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleep(ctx, 10*time.Second), context.Canceled)
}
