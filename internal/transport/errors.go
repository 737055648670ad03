package transport

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kilupskalvis/shardkeep/internal/cancel"
	"github.com/kilupskalvis/shardkeep/internal/tasks"
)

// Error codes shared by the public and internal HTTP APIs.
const (
	CodeTaskNotFound        = "task_not_found"
	CodeNotCancellable      = "not_cancellable"
	CodeAlreadyCancelled    = "already_cancelled"
	CodeParentBanned        = "parent_banned"
	CodeInvalidRequest      = "invalid_request"
	CodeChildrenCancelation = "children_cancellation_failed"
	CodeInternal            = "internal_error"
)

var codeErrors = map[string]error{
	CodeTaskNotFound:     tasks.ErrTaskNotFound,
	CodeNotCancellable:   tasks.ErrNotCancellable,
	CodeAlreadyCancelled: tasks.ErrAlreadyCancelled,
	CodeParentBanned:     tasks.ErrParentBanned,
	CodeInvalidRequest:   cancel.ErrInvalidRequest,
}

// Classify maps a task or cancellation error to an HTTP status and error code.
func Classify(err error) (int, string) {
	var cce *cancel.ChildrenCancellationError
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		return http.StatusNotFound, CodeTaskNotFound
	case errors.Is(err, tasks.ErrNotCancellable):
		return http.StatusBadRequest, CodeNotCancellable
	case errors.Is(err, cancel.ErrInvalidRequest):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, tasks.ErrAlreadyCancelled):
		return http.StatusConflict, CodeAlreadyCancelled
	case errors.Is(err, tasks.ErrParentBanned):
		return http.StatusConflict, CodeParentBanned
	case errors.As(err, &cce):
		return http.StatusInternalServerError, CodeChildrenCancelation
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// RemoteError is a failure reported by another node.
type RemoteError struct {
	NodeID  string
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("node [%s] returned %d %s: %s", e.NodeID, e.Status, e.Code, e.Message)
}

// Unwrap exposes the local sentinel matching the remote error code, so
// errors.Is works across the wire.
func (e *RemoteError) Unwrap() error {
	return codeErrors[e.Code]
}
