// Package client talks to the public HTTP API of a node.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kilupskalvis/shardkeep/internal/api"
	"github.com/kilupskalvis/shardkeep/internal/cancel"
	"github.com/kilupskalvis/shardkeep/internal/cluster"
	"github.com/kilupskalvis/shardkeep/internal/repository"
)

// Client defines the operations the CLI performs against a node.
type Client interface {
	ListTasks(ctx context.Context, actions []string) (*api.TasksResponse, error)
	ListBans(ctx context.Context) (*api.BansResponse, error)
	CancelTasks(ctx context.Context, req cancel.Request) (*cancel.Response, error)

	Nodes(ctx context.Context) (*cluster.NodesResponse, error)

	ListRepositories(ctx context.Context) (*api.RepositoriesResponse, error)
	GetLedger(ctx context.Context, repo string) (*api.LedgerResponse, error)
	FinalizeSnapshot(ctx context.Context, repo, snapshot string, indices []string) (*api.FinalizeResponse, error)
	DeleteSnapshot(ctx context.Context, repo, snapshot string) (*api.GenerationResponse, error)
	MarkIncompatible(ctx context.Context, repo string, snapshots []string) (*api.GenerationResponse, error)
	Verify(ctx context.Context, repo string) (*api.VerifyResponse, error)
	Cleanup(ctx context.Context, repo string) (*repository.CleanupResult, error)
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the node at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) repoURL(repo string, parts ...string) string {
	u := c.baseURL + "/_snapshot/" + url.PathEscape(repo)
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ListTasks lists the tasks running on the node, optionally filtered by
// action patterns.
func (c *HTTPClient) ListTasks(ctx context.Context, actions []string) (*api.TasksResponse, error) {
	u := c.baseURL + "/_tasks"
	if len(actions) > 0 {
		u += "?actions=" + url.QueryEscape(strings.Join(actions, ","))
	}
	var resp api.TasksResponse
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return &resp, nil
}

// ListBans lists the bans set on the node.
func (c *HTTPClient) ListBans(ctx context.Context) (*api.BansResponse, error) {
	var resp api.BansResponse
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/_tasks/bans", nil, &resp); err != nil {
		return nil, fmt.Errorf("list bans: %w", err)
	}
	return &resp, nil
}

// CancelTasks asks the node to cancel the tasks selected by req anywhere
// in the cluster.
func (c *HTTPClient) CancelTasks(ctx context.Context, req cancel.Request) (*cancel.Response, error) {
	var resp cancel.Response
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/_tasks/_cancel", req, &resp); err != nil {
		return nil, fmt.Errorf("cancel tasks: %w", err)
	}
	return &resp, nil
}

// Nodes returns the node's view of the cluster.
func (c *HTTPClient) Nodes(ctx context.Context) (*cluster.NodesResponse, error) {
	var resp cluster.NodesResponse
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/_cluster/nodes", nil, &resp); err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return &resp, nil
}

// ListRepositories lists the repositories served by the node.
func (c *HTTPClient) ListRepositories(ctx context.Context) (*api.RepositoriesResponse, error) {
	var resp api.RepositoriesResponse
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/_snapshot", nil, &resp); err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	return &resp, nil
}

// GetLedger returns the current ledger of repo.
func (c *HTTPClient) GetLedger(ctx context.Context, repo string) (*api.LedgerResponse, error) {
	var resp api.LedgerResponse
	if err := c.doJSON(ctx, http.MethodGet, c.repoURL(repo), nil, &resp); err != nil {
		return nil, fmt.Errorf("get ledger: %w", err)
	}
	return &resp, nil
}

// FinalizeSnapshot records a completed snapshot of indices.
func (c *HTTPClient) FinalizeSnapshot(ctx context.Context, repo, snapshot string, indices []string) (*api.FinalizeResponse, error) {
	var resp api.FinalizeResponse
	req := api.FinalizeRequest{Indices: indices}
	if err := c.doJSON(ctx, http.MethodPost, c.repoURL(repo, snapshot), req, &resp); err != nil {
		return nil, fmt.Errorf("finalize snapshot: %w", err)
	}
	return &resp, nil
}

// DeleteSnapshot removes a snapshot from the ledger.
func (c *HTTPClient) DeleteSnapshot(ctx context.Context, repo, snapshot string) (*api.GenerationResponse, error) {
	var resp api.GenerationResponse
	if err := c.doJSON(ctx, http.MethodDelete, c.repoURL(repo, snapshot), nil, &resp); err != nil {
		return nil, fmt.Errorf("delete snapshot: %w", err)
	}
	return &resp, nil
}

// MarkIncompatible moves snapshots to the incompatible list.
func (c *HTTPClient) MarkIncompatible(ctx context.Context, repo string, snapshots []string) (*api.GenerationResponse, error) {
	var resp api.GenerationResponse
	req := api.IncompatibleRequest{Snapshots: snapshots}
	if err := c.doJSON(ctx, http.MethodPost, c.repoURL(repo, "_incompatible"), req, &resp); err != nil {
		return nil, fmt.Errorf("mark incompatible: %w", err)
	}
	return &resp, nil
}

// Verify verifies repo on every node of the cluster.
func (c *HTTPClient) Verify(ctx context.Context, repo string) (*api.VerifyResponse, error) {
	var resp api.VerifyResponse
	if err := c.doJSON(ctx, http.MethodPost, c.repoURL(repo, "_verify"), nil, &resp); err != nil {
		return nil, fmt.Errorf("verify repository: %w", err)
	}
	return &resp, nil
}

// Cleanup removes stale generation blobs of repo.
func (c *HTTPClient) Cleanup(ctx context.Context, repo string) (*repository.CleanupResult, error) {
	var resp repository.CleanupResult
	if err := c.doJSON(ctx, http.MethodPost, c.repoURL(repo, "_cleanup"), nil, &resp); err != nil {
		return nil, fmt.Errorf("cleanup repository: %w", err)
	}
	return &resp, nil
}

// RemoteError is an error response from a node.
type RemoteError struct {
	Code    string
	Message string
	Status  int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Message)
}

func decodeError(resp *http.Response) error {
	var errResp api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return &RemoteError{
			Code:    "unknown",
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
			Status:  resp.StatusCode,
		}
	}
	return &RemoteError{
		Code:    errResp.Error,
		Message: errResp.Message,
		Status:  resp.StatusCode,
	}
}
