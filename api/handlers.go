package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/trustgate/apikey"
	"github.com/jmcleod/trustgate/verdict"
)

const (
	maxSmallBodySize = 64 << 10
	maxThemeBodySize = 64 << 20
)

// decodeJSON reads a size-limited JSON body into v, rejecting unknown
// fields. It writes the error response and returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return false
	}
	return true
}

func keyInfo(k *apikey.Key) KeyInfo {
	return KeyInfo{
		ID:        k.ID,
		OwnerID:   k.OwnerID,
		Scopes:    k.Scopes,
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.ExpiresAt,
		Revoked:   k.Revoked,
	}
}

// CreateKey handles POST /keys.
func (a *API) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if !decodeJSON(w, r, maxSmallBodySize, &req) {
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	if len(req.Scopes) == 0 {
		writeError(w, http.StatusBadRequest, "at least one scope is required")
		return
	}

	ttl := req.TTLDays
	if ttl == nil && a.defaultTTLDays > 0 {
		ttl = &a.defaultTTLDays
	}
	plaintext, key, err := a.Keys.Generate(r.Context(), req.OwnerID, req.Scopes, ttl)
	if err != nil {
		mapError(w, r, err)
		return
	}
	a.audit.log(AuditKeyIssued, r,
		slog.String("key_id", key.ID),
		slog.String("owner_id", key.OwnerID),
		slog.String("issued_by", principalFromContext(r.Context()).KeyID))
	writeJSON(w, http.StatusCreated, CreateKeyResponse{Key: plaintext, KeyInfo: keyInfo(key)})
}

// ListKeys handles GET /keys. An owner_id query parameter restricts the
// listing to one owner.
func (a *API) ListKeys(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	keys, err := a.selectKeys(r)
	if err != nil {
		mapError(w, r, err)
		return
	}

	page, meta := paginate(keys, p)
	out := make([]KeyInfo, 0, len(page))
	for _, k := range page {
		out = append(out, keyInfo(k))
	}
	writeJSON(w, http.StatusOK, ListKeysResponse{Keys: out, PaginationMeta: meta})
}

// selectKeys lists keys oldest first, filtered by the owner_id parameter.
func (a *API) selectKeys(r *http.Request) ([]*apikey.Key, error) {
	keys, err := a.Keys.List(r.Context())
	if err != nil {
		return nil, err
	}
	if owner := r.URL.Query().Get("owner_id"); owner != "" {
		keys = slices.DeleteFunc(keys, func(k *apikey.Key) bool { return k.OwnerID != owner })
	}
	slices.SortFunc(keys, func(x, y *apikey.Key) int {
		return x.CreatedAt.Compare(y.CreatedAt)
	})
	return keys, nil
}

var keyExportHeader = []string{"id", "owner_id", "scopes", "created_at", "expires_at", "revoked"}

// ExportKeys handles GET /keys/export. Owner IDs are caller supplied, so
// every cell goes through the sandbox CSV guard. In reject mode a single
// formula cell fails the whole export.
func (a *API) ExportKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.selectKeys(r)
	if err != nil {
		mapError(w, r, err)
		return
	}

	rows := make([][]string, 0, len(keys)+1)
	rows = append(rows, keyExportHeader)
	for _, k := range keys {
		expires := ""
		if k.ExpiresAt != nil {
			expires = k.ExpiresAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{
			k.ID,
			k.OwnerID,
			strings.Join(k.Scopes, " "),
			k.CreatedAt.UTC().Format(time.RFC3339),
			expires,
			strconv.FormatBool(k.Revoked),
		})
	}

	var buf bytes.Buffer
	if err := a.Sandbox.CSV().WriteAll(&buf, rows); err != nil {
		if reason, ok := verdict.ReasonOf(err); ok {
			a.audit.logRejection(AuditExportRejected, r, err)
			writeReason(w, reason)
			return
		}
		mapError(w, r, err)
		return
	}

	a.audit.log(AuditKeysExported, r,
		slog.Int("keys", len(keys)),
		slog.String("exported_by", principalFromContext(r.Context()).KeyID))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="keys.csv"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// RevokeKey handles DELETE /keys/{keyID}.
func (a *API) RevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	if err := a.Keys.RevokeID(r.Context(), keyID); err != nil {
		if errors.Is(err, verdict.Reject(verdict.InvalidKey)) {
			writeError(w, http.StatusNotFound, "key not found")
			return
		}
		mapError(w, r, err)
		return
	}
	a.audit.log(AuditKeyRevoked, r,
		slog.String("key_id", keyID),
		slog.String("revoked_by", principalFromContext(r.Context()).KeyID))
	w.WriteHeader(http.StatusNoContent)
}

// CheckURL handles POST /urls/check. The caller is told the reason a URL
// was refused.
func (a *API) CheckURL(w http.ResponseWriter, r *http.Request) {
	var req CheckURLRequest
	if !decodeJSON(w, r, maxSmallBodySize, &req) {
		return
	}
	u, err := a.URLs.Validate(r.Context(), req.URL)
	if err != nil {
		if reason, ok := verdict.ReasonOf(err); ok {
			a.audit.logRejection(AuditURLRejected, r, err)
			writeReason(w, reason)
			return
		}
		mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckURLResponse{Allowed: true, URL: u.String()})
}
