package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/kilupskalvis/shardkeep/internal/api"
	"github.com/kilupskalvis/shardkeep/internal/repository"
	"github.com/kilupskalvis/shardkeep/internal/tasks"
	"github.com/kilupskalvis/shardkeep/internal/transport"
)

// Repository error codes. Task codes come from the transport package so
// both APIs agree.
const (
	codeRepositoryMissing  = "repository_missing"
	codeSnapshotMissing    = "snapshot_missing"
	codeUnknownIndex       = "unknown_index"
	codeConcurrentModified = "concurrent_modification"
	codeRepositoryCorrupt  = "repository_corrupt"
	codeIncompleteWrite    = "incomplete_write"
	codeTaskCancelled      = "task_cancelled"
	codeBadRequest         = "bad_request"
)

// classify maps an error to an HTTP status and error code.
func classify(err error) (int, string) {
	var (
		pe *repository.ParseError
		ie *repository.InvariantError
	)
	switch {
	case errors.Is(err, repository.ErrRepositoryNotFound):
		return http.StatusNotFound, codeRepositoryMissing
	case errors.Is(err, repository.ErrSnapshotNotFound):
		return http.StatusNotFound, codeSnapshotMissing
	case errors.Is(err, repository.ErrUnknownIndex):
		return http.StatusBadRequest, codeUnknownIndex
	case errors.Is(err, repository.ErrTooManyConflicts):
		return http.StatusConflict, codeConcurrentModified
	case errors.Is(err, repository.ErrInvalidName), errors.Is(err, repository.ErrDuplicateIndex):
		return http.StatusBadRequest, codeBadRequest
	case errors.Is(err, repository.ErrIncompleteWrite):
		return http.StatusInternalServerError, codeIncompleteWrite
	case errors.As(err, &pe), errors.As(err, &ie):
		return http.StatusInternalServerError, codeRepositoryCorrupt
	case errors.Is(err, tasks.ErrTaskCancelled), errors.Is(err, context.Canceled):
		return http.StatusConflict, codeTaskCancelled
	default:
		return transport.Classify(err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, api.ErrorResponse{Error: code, Message: message})
}

// writeErr classifies err and writes it. Server-side failures are logged.
func (s *server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err,
			"request_id", transport.RequestID(r.Context()))
	}
	writeError(w, status, code, err.Error())
}

// readJSON decodes the body into v. An empty body leaves v untouched.
func readJSON(r *http.Request, maxSize int64, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxSize)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
