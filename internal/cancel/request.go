// Package cancel coordinates cancellation of tasks and the banning of their
// children on other nodes.
package cancel

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/kilupskalvis/shardkeep/internal/tasks"
)

// DefaultReason is used when a cancel request carries no reason.
const DefaultReason = "by user request"

// ErrInvalidRequest reports a cancel request whose selectors contradict each other.
var ErrInvalidRequest = errors.New("invalid cancel request")

// Request selects the tasks to cancel. With TaskID set exactly that task is
// cancelled; otherwise every cancellable task matching the filters is.
type Request struct {
	TaskID       tasks.TaskID `json:"task_id"`
	Nodes        []string     `json:"nodes,omitempty"`
	Actions      []string     `json:"actions,omitempty"`
	ParentTaskID tasks.TaskID `json:"parent_task_id"`
	Reason       string       `json:"reason,omitempty"`
}

// Validate rejects requests that mix a task id with other selectors.
func (r Request) Validate() error {
	if r.TaskID.IsSet() && len(r.Nodes) > 0 {
		return fmt.Errorf("%w: task id cannot be used together with node ids", ErrInvalidRequest)
	}
	if r.TaskID.IsSet() && r.ParentTaskID.IsSet() {
		return fmt.Errorf("%w: task id cannot be used together with parent task id", ErrInvalidRequest)
	}
	return nil
}

func (r Request) reason() string {
	if r.Reason == "" {
		return DefaultReason
	}
	return r.Reason
}

// MatchesNode reports whether tasks on nodeID are in scope.
func (r Request) MatchesNode(nodeID string) bool {
	if r.TaskID.IsSet() {
		return r.TaskID.NodeID == nodeID
	}
	return len(r.Nodes) == 0 || slices.Contains(r.Nodes, nodeID)
}

// Match reports whether task, running on nodeID, is selected by the request.
func (r Request) Match(nodeID string, task *tasks.CancellableTask) bool {
	if !r.MatchesNode(nodeID) {
		return false
	}
	if r.TaskID.IsSet() && r.TaskID.ID != task.ID {
		return false
	}
	if r.ParentTaskID.IsSet() && r.ParentTaskID != task.Parent {
		return false
	}
	return r.MatchesAction(task.Action)
}

// MatchesAction reports whether action matches one of the action patterns.
// No patterns match everything.
func (r Request) MatchesAction(action string) bool {
	if len(r.Actions) == 0 {
		return true
	}
	for _, pattern := range r.Actions {
		if simpleMatch(pattern, action) {
			return true
		}
	}
	return false
}

// simpleMatch matches str against pattern where '*' stands for any run of
// characters, including '/' and ':'.
func simpleMatch(pattern, str string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == str
	}
	if !strings.HasPrefix(str, parts[0]) {
		return false
	}
	str = str[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(str, part)
		if idx < 0 {
			return false
		}
		str = str[idx+len(part):]
	}
	return len(str) >= len(last) && strings.HasSuffix(str, last)
}

// TaskFailure describes a task that matched but could not be cancelled.
type TaskFailure struct {
	NodeID string  `json:"node_id"`
	TaskID int64   `json:"task_id"`
	Status Outcome `json:"status"`
	Reason string  `json:"reason"`
}

// NodeFailure describes a node that could not process the request at all.
type NodeFailure struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
}

// Response aggregates the outcome of a cancel request across nodes.
type Response struct {
	Tasks        []tasks.TaskInfo `json:"tasks"`
	TaskFailures []TaskFailure    `json:"task_failures,omitempty"`
	NodeFailures []NodeFailure    `json:"node_failures,omitempty"`
}

func (r *Response) merge(other *Response) {
	if other == nil {
		return
	}
	r.Tasks = append(r.Tasks, other.Tasks...)
	r.TaskFailures = append(r.TaskFailures, other.TaskFailures...)
	r.NodeFailures = append(r.NodeFailures, other.NodeFailures...)
}

func (r *Response) sort() {
	slices.SortFunc(r.Tasks, func(a, b tasks.TaskInfo) int {
		if c := strings.Compare(a.Node, b.Node); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	slices.SortFunc(r.TaskFailures, func(a, b TaskFailure) int {
		if c := strings.Compare(a.NodeID, b.NodeID); c != 0 {
			return c
		}
		return cmp.Compare(a.TaskID, b.TaskID)
	})
	slices.SortFunc(r.NodeFailures, func(a, b NodeFailure) int {
		return strings.Compare(a.NodeID, b.NodeID)
	})
}

// BanRequest asks a node to set or lift a ban on children of Parent.
// Reason is only meaningful when Ban is true.
type BanRequest struct {
	Parent tasks.TaskID
	Ban    bool
	Reason string
}
