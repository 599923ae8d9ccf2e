package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/trustgate/sandbox"
	"github.com/jmcleod/trustgate/storage"
	"github.com/jmcleod/trustgate/verdict"
	"github.com/jmcleod/trustgate/webhook"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeGeneric answers a rejection with its status and a message that
// reveals nothing about which check failed.
func writeGeneric(w http.ResponseWriter, reason verdict.Reason) {
	status := verdict.HTTPStatus(reason)
	writeError(w, status, verdict.PublicMessage(status))
}

// writeReason answers a rejection including its reason, for callers that
// asked for a validation verdict.
func writeReason(w http.ResponseWriter, reason verdict.Reason, findings ...sandbox.Finding) {
	status := verdict.HTTPStatus(reason)
	writeJSON(w, status, RejectionResponse{
		Error:    verdict.PublicMessage(status),
		Reason:   reason,
		Findings: findings,
	})
}

// mapError answers an error that is not a rejection. Details stay in the
// server log.
func mapError(w http.ResponseWriter, r *http.Request, err error) {
	if reason, ok := verdict.ReasonOf(err); ok {
		writeGeneric(w, reason)
		return
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrCASFailed), errors.Is(err, webhook.ErrAlreadyRegistered):
		writeError(w, http.StatusConflict, "conflict")
	default:
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
