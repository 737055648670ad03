// Package api defines the request and response bodies of the node HTTP API,
// shared by the server and the client.
package api

import (
	"github.com/kilupskalvis/shardkeep/internal/repository"
	"github.com/kilupskalvis/shardkeep/internal/tasks"
)

// ErrorResponse is the structured error format returned by a node.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// TasksResponse lists the tasks running on a node.
type TasksResponse struct {
	Node  string           `json:"node"`
	Tasks []tasks.TaskInfo `json:"tasks"`
}

// BansResponse lists the bans set on a node.
type BansResponse struct {
	Node string      `json:"node"`
	Bans []tasks.Ban `json:"bans"`
}

// RepositoryInfo summarizes one repository.
type RepositoryInfo struct {
	Name       string `json:"name"`
	Generation int64  `json:"generation"`
}

// RepositoriesResponse lists the repositories served by a node.
type RepositoriesResponse struct {
	Repositories []RepositoryInfo `json:"repositories"`
}

// LedgerIndex is one index entry of a ledger.
type LedgerIndex struct {
	ID        string                  `json:"id"`
	Snapshots []repository.SnapshotID `json:"snapshots"`
}

// LedgerResponse is the readable form of a repository ledger.
type LedgerResponse struct {
	Repository   string                  `json:"repository"`
	Generation   int64                   `json:"generation"`
	Snapshots    []repository.SnapshotID `json:"snapshots"`
	Incompatible []repository.SnapshotID `json:"incompatible_snapshots"`
	Indices      map[string]LedgerIndex  `json:"indices"`
}

// NewLedgerResponse renders d.
func NewLedgerResponse(name string, d *repository.RepositoryData) *LedgerResponse {
	resp := &LedgerResponse{
		Repository:   name,
		Generation:   d.Generation(),
		Snapshots:    d.SnapshotIDs(),
		Incompatible: d.IncompatibleSnapshotIDs(),
		Indices:      make(map[string]LedgerIndex),
	}
	for indexName, index := range d.Indices() {
		// Every listed index has a snapshot set.
		snaps, _ := d.Snapshots(index)
		resp.Indices[indexName] = LedgerIndex{ID: index.ID, Snapshots: snaps}
	}
	return resp
}

// FinalizeRequest records a completed snapshot.
type FinalizeRequest struct {
	Indices []string `json:"indices"`
}

// FinalizeResponse reports the recorded snapshot.
type FinalizeResponse struct {
	Snapshot   repository.SnapshotID `json:"snapshot"`
	Generation int64                 `json:"generation"`
}

// IncompatibleRequest marks snapshots as incompatible.
type IncompatibleRequest struct {
	Snapshots []string `json:"snapshots"`
}

// GenerationResponse reports the generation a write produced.
type GenerationResponse struct {
	Repository string `json:"repository"`
	Generation int64  `json:"generation"`
}

// VerifyRequest is sent to every node taking part in a verification.
type VerifyRequest struct {
	Repository string       `json:"repository"`
	Parent     tasks.TaskID `json:"parent_task_id"`
}

// NodeVerifyResult is one node's verification outcome.
type NodeVerifyResult struct {
	Node       string `json:"node"`
	Verified   bool   `json:"verified"`
	Generation int64  `json:"generation,omitempty"`
	Snapshots  int    `json:"snapshots,omitempty"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
}

// VerifyResponse collects the results of every node.
type VerifyResponse struct {
	Repository string             `json:"repository"`
	Nodes      []NodeVerifyResult `json:"nodes"`
}
