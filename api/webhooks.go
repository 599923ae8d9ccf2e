package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/trustgate/webhook"
)

const maxWebhookBodySize = 1 << 20

// ReceiveWebhook handles POST /webhooks/{webhookID}. The body is handed to
// the configured WebhookHandler only after signature, freshness and replay
// checks pass; every failure is a bare 401.
func (a *API) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	webhookID := chi.URLParam(r, "webhookID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ts, err := webhook.ParseTimestamp(r.Header.Get(webhook.HeaderTimestamp))
	if err == nil {
		err = a.Webhooks.VerifyRaw(r.Context(), body, r.Header.Get(webhook.HeaderSignature), ts, webhookID)
	}
	if err != nil {
		a.audit.logRejection(AuditWebhookRejected, r, err, slog.String("webhook_id", webhookID))
		mapError(w, r, err)
		return
	}

	a.audit.log(AuditWebhookAccepted, r, slog.String("webhook_id", webhookID))
	if err := a.onWebhook(r.Context(), webhookID, body); err != nil {
		mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegisterWebhook handles POST /webhooks. The secret is returned once.
func (a *API) RegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req RegisterWebhookRequest
	if !decodeJSON(w, r, maxSmallBodySize, &req) {
		return
	}
	if req.WebhookID == "" {
		writeError(w, http.StatusBadRequest, "webhook_id is required")
		return
	}

	secret, err := a.Registry.Register(r.Context(), req.WebhookID)
	if err != nil {
		mapError(w, r, err)
		return
	}
	a.audit.log(AuditWebhookRegister, r,
		slog.String("webhook_id", req.WebhookID),
		slog.String("registered_by", principalFromContext(r.Context()).KeyID))
	writeJSON(w, http.StatusCreated, RegisterWebhookResponse{WebhookID: req.WebhookID, Secret: secret})
}
