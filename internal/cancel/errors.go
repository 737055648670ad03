package cancel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kilupskalvis/shardkeep/internal/tasks"
)

// Outcome is the terminal state of one task cancellation attempt.
type Outcome int

const (
	CancelledNoChildren Outcome = iota
	CancelledAcked
	CancelledPartialFailure
	RejectedAlreadyCancelled
	RejectedNotCancellable
	RejectedNotFound
)

var outcomeNames = [...]string{
	CancelledNoChildren:      "cancelled_no_children",
	CancelledAcked:           "cancelled_acked",
	CancelledPartialFailure:  "cancelled_partial_failure",
	RejectedAlreadyCancelled: "rejected_already_cancelled",
	RejectedNotCancellable:   "rejected_not_cancellable",
	RejectedNotFound:         "rejected_not_found",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// Cancelled reports whether the task ended up cancelled locally.
func (o Outcome) Cancelled() bool {
	return o <= CancelledPartialFailure
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	for i, name := range outcomeNames {
		if name == string(text) {
			*o = Outcome(i)
			return nil
		}
	}
	return fmt.Errorf("unknown cancel outcome %q", text)
}

// OutcomeOf classifies a rejection error returned while resolving or
// cancelling a task.
func OutcomeOf(err error) Outcome {
	var cce *ChildrenCancellationError
	switch {
	case errors.As(err, &cce):
		return CancelledPartialFailure
	case errors.Is(err, tasks.ErrAlreadyCancelled):
		return RejectedAlreadyCancelled
	case errors.Is(err, tasks.ErrNotCancellable):
		return RejectedNotCancellable
	default:
		return RejectedNotFound
	}
}

// BanError is a failed ban-set delivery to one node.
type BanError struct {
	NodeID string
	Err    error
}

func (e *BanError) Error() string {
	return fmt.Sprintf("ban on node [%s]: %v", e.NodeID, e.Err)
}

func (e *BanError) Unwrap() error {
	return e.Err
}

// ChildrenCancellationError is returned when the parent was cancelled
// locally but at least one node failed to acknowledge the ban. Causes holds
// every per-node failure.
type ChildrenCancellationError struct {
	TaskID tasks.TaskID
	Causes []error
}

func (e *ChildrenCancellationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to cancel children of the task [%s]", e.TaskID)
	for _, c := range e.Causes {
		b.WriteString("; ")
		b.WriteString(c.Error())
	}
	return b.String()
}

func (e *ChildrenCancellationError) Unwrap() []error {
	return e.Causes
}

// FailedNodes lists the nodes whose ban failed.
func (e *ChildrenCancellationError) FailedNodes() []string {
	var nodes []string
	for _, c := range e.Causes {
		var be *BanError
		if errors.As(c, &be) {
			nodes = append(nodes, be.NodeID)
		}
	}
	return nodes
}
