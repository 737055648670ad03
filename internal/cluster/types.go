// Package cluster tracks which nodes are members of the cluster and provides
// the HTTP helpers nodes use to talk to each other.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// NodeInfo identifies a node and the base URL it serves on.
type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// RegisterRequest announces a node to a peer.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// RegisterResponse carries the peer's view of the cluster back to the joiner.
type RegisterResponse struct {
	Nodes []NodeInfo `json:"nodes"`
}

// NodesResponse lists the members known to a node.
type NodesResponse struct {
	Local   string     `json:"local"`
	Version int64      `json:"version"`
	Nodes   []NodeInfo `json:"nodes"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// StatusError is returned when a peer answers with a non-2xx status.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.Status)
}

// PostJSON posts body as JSON to url and decodes the response into out, if
// non-nil. header is added to the request and may be nil.
func PostJSON(ctx context.Context, url string, header http.Header, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Status: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Status: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
