package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/kilupskalvis/shardkeep/internal/cancel"
)

// BanApplier applies a ban request to the local registry.
type BanApplier interface {
	ApplyBan(req cancel.BanRequest)
}

// LocalCanceller cancels matching tasks on the local node only.
type LocalCanceller interface {
	CancelLocal(ctx context.Context, req cancel.Request) (*cancel.Response, error)
}

// BanHandler serves PathBan.
func BanHandler(applier BanApplier, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "read body: "+err.Error())
			return
		}
		req, err := DecodeBan(data)
		if err != nil {
			WriteError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
		logger.Debug("ban request received", "parent", req.Parent.String(), "ban", req.Ban)
		applier.ApplyBan(req)
		w.WriteHeader(http.StatusOK)
	}
}

// CancelHandler serves PathCancel.
func CancelHandler(canceller LocalCanceller, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cancel.Request
		if err := Decode(r.Body, &req); err != nil {
			WriteError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
		resp, err := canceller.CancelLocal(r.Context(), req)
		if err != nil {
			status, code := Classify(err)
			if status >= 500 {
				logger.Error("forwarded cancel failed", "error", err)
			}
			WriteError(w, status, code, err.Error())
			return
		}
		Write(w, http.StatusOK, resp)
	}
}

// Write encodes v as a CBOR response.
func Write(w http.ResponseWriter, status int, v any) {
	data, err := Marshal(v)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	w.Write(data)
}

// WriteError encodes an ErrorBody as a CBOR response.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	data, err := Marshal(ErrorBody{Error: code, Message: message})
	if err != nil {
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	w.Write(data)
}
