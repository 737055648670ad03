// Package tasks tracks the operations running on a node and the bans that
// stop new child operations from starting under a cancelled parent.
package tasks

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sentinel errors for task lookup and lifecycle.
var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrNotCancellable   = errors.New("task doesn't support cancellation")
	ErrAlreadyCancelled = errors.New("task is already cancelled")
	ErrParentBanned     = errors.New("the parent task was cancelled, shouldn't start any child tasks")
	ErrTaskCancelled    = errors.New("task cancelled")
)

// TaskID identifies a task across the cluster: the owning node plus the
// node-local id. The zero value is unset.
type TaskID struct {
	NodeID string
	ID     int64
}

// ParseTaskID parses the "node:id" form. An empty string yields an unset TaskID.
func ParseTaskID(s string) (TaskID, error) {
	if s == "" {
		return TaskID{}, nil
	}
	idx := strings.LastIndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return TaskID{}, fmt.Errorf("malformed task id %q", s)
	}
	id, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return TaskID{}, fmt.Errorf("malformed task id %q: %w", s, err)
	}
	return TaskID{NodeID: s[:idx], ID: id}, nil
}

// IsSet reports whether the id names a task.
func (t TaskID) IsSet() bool {
	return t.NodeID != ""
}

func (t TaskID) String() string {
	if !t.IsSet() {
		return "unset"
	}
	return t.NodeID + ":" + strconv.FormatInt(t.ID, 10)
}

// MarshalText encodes the id as "node:id", or an empty string when unset.
func (t TaskID) MarshalText() ([]byte, error) {
	if !t.IsSet() {
		return []byte{}, nil
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes the "node:id" form.
func (t *TaskID) UnmarshalText(text []byte) error {
	parsed, err := ParseTaskID(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Task is a unit of locally tracked work. Its fields are fixed at registration.
type Task struct {
	ID          int64
	Action      string
	Description string
	Parent      TaskID
	StartTime   time.Time
	Cancellable bool
}

// TaskInfo is a point-in-time snapshot of a task as reported to callers.
type TaskInfo struct {
	Node             string `json:"node"`
	ID               int64  `json:"id"`
	Action           string `json:"action"`
	Description      string `json:"description,omitempty"`
	StartTimeMillis  int64  `json:"start_time_in_millis"`
	RunningTimeNanos int64  `json:"running_time_in_nanos"`
	Cancellable      bool   `json:"cancellable"`
	Cancelled        bool   `json:"cancelled"`
	ParentTaskID     TaskID `json:"parent_task_id"`
}

// TaskID returns the cluster-wide id of the described task.
func (i TaskInfo) TaskID() TaskID {
	return TaskID{NodeID: i.Node, ID: i.ID}
}

// Info snapshots the task as seen from nodeID.
func (t *Task) Info(nodeID string, now time.Time) TaskInfo {
	return TaskInfo{
		Node:             nodeID,
		ID:               t.ID,
		Action:           t.Action,
		Description:      t.Description,
		StartTimeMillis:  t.StartTime.UnixMilli(),
		RunningTimeNanos: now.Sub(t.StartTime).Nanoseconds(),
		Cancellable:      t.Cancellable,
		ParentTaskID:     t.Parent,
	}
}

// CancellableTask is a task that can be cancelled. Cancellation is monotonic:
// once cancelled it stays cancelled and the first reason wins.
type CancellableTask struct {
	Task

	mu          sync.Mutex
	cancelled   bool
	finished    bool
	reason      string
	children    map[string]struct{}
	listener    func(nodes []string)
	onCancelled func(reason string)
}

// IsCancelled reports whether the task has been cancelled.
func (t *CancellableTask) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Reason returns the cancellation reason, or "" while the task is running.
func (t *CancellableTask) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// ChildNodes returns the nodes believed to host children of this task, sorted.
func (t *CancellableTask) ChildNodes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.childNodesLocked()
}

// Info snapshots the task including its cancellation flag.
func (t *CancellableTask) Info(nodeID string, now time.Time) TaskInfo {
	info := t.Task.Info(nodeID, now)
	info.Cancelled = t.IsCancelled()
	return info
}

func (t *CancellableTask) childNodesLocked() []string {
	nodes := make([]string, 0, len(t.children))
	for n := range t.children {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

// addChildNode records that a child of this task runs on nodeID.
func (t *CancellableTask) addChildNode(nodeID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return fmt.Errorf("register child on %s: %w", nodeID, ErrTaskCancelled)
	}
	t.children[nodeID] = struct{}{}
	return nil
}

// cancel transitions the task to cancelled. It returns false if the task was
// already cancelled or has finished. The listener receives the final child
// node set once the task finishes.
func (t *CancellableTask) cancel(reason string, listener func(nodes []string)) ([]string, bool) {
	t.mu.Lock()
	if t.cancelled || t.finished {
		t.mu.Unlock()
		return nil, false
	}
	t.cancelled = true
	t.reason = reason
	t.listener = listener
	nodes := t.childNodesLocked()
	hook := t.onCancelled
	t.mu.Unlock()

	if hook != nil {
		hook(reason)
	}
	return nodes, true
}

// finish marks the task done and delivers the final child set to the
// cancellation listener, if one was registered.
func (t *CancellableTask) finish() {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	listener := t.listener
	nodes := t.childNodesLocked()
	t.mu.Unlock()

	if listener != nil {
		go listener(nodes)
	}
}
