package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jmcleod/trustgate/sandbox"
	"github.com/jmcleod/trustgate/storage"
	"github.com/jmcleod/trustgate/webhook"
)

// Storage coordinates for installed themes and accepted uploads.
const (
	ThemeNamespace  = "themes"
	ThemeRecordType = "THEME"

	UploadNamespace  = "uploads"
	UploadRecordType = "ASSET"

	EventThemeInstalled = "theme.installed"
)

// storedTheme is an accepted theme as persisted.
type storedTheme struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"owner_id"`
	CSS       string        `json:"css"`
	CSP       string        `json:"csp"`
	Assets    []storedAsset `json:"assets,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

type storedAsset struct {
	ID      string    `json:"id"`
	OwnerID string    `json:"owner_id"`
	Name    string    `json:"name"`
	Format  string    `json:"format"`
	Data    []byte    `json:"data"`
	Created time.Time `json:"created_at"`
}

func putJSON(repo storage.Repository, namespace, recordType, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s record: %w", recordType, err)
	}
	return repo.PutCAS(namespace, recordType, id, 0, storage.PlainRecord(data, 1))
}

func getJSON(repo storage.Repository, namespace, recordType, id string, v any) error {
	env, err := repo.Get(namespace, recordType, id)
	if err != nil {
		return err
	}
	data, err := storage.OpenRecord(nil, env, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// InstallTheme handles POST /themes. A rejected theme is answered with every
// finding so the author can fix them in one pass.
func (a *API) InstallTheme(w http.ResponseWriter, r *http.Request) {
	var theme sandbox.Theme
	if !decodeJSON(w, r, maxThemeBodySize, &theme) {
		return
	}

	v := a.Sandbox.CheckTheme(theme)
	if !v.Accepted() {
		a.audit.logRejection(AuditThemeRejected, r, sandbox.Err(v.Findings),
			slog.Int("findings", len(v.Findings)))
		writeReason(w, v.Findings[0].Reason, v.Findings...)
		return
	}

	p := principalFromContext(r.Context())
	now := a.now().UTC()
	st := storedTheme{
		ID:        uuid.NewString(),
		OwnerID:   p.OwnerID,
		CSS:       v.CSS,
		CSP:       v.CSP,
		CreatedAt: now,
	}
	for i, meta := range v.Assets.Assets {
		st.Assets = append(st.Assets, storedAsset{
			Name:    meta.Name,
			Format:  meta.DetectedFormat,
			Data:    theme.Assets[i].Data,
			Created: now,
		})
	}
	if err := putJSON(a.Repo, ThemeNamespace, ThemeRecordType, st.ID, st); err != nil {
		mapError(w, r, err)
		return
	}

	a.audit.log(AuditThemeInstalled, r,
		slog.String("theme_id", st.ID),
		slog.String("key_id", p.KeyID))
	a.notify(r, webhook.Event{
		ID:         uuid.NewString(),
		Type:       EventThemeInstalled,
		OccurredAt: now,
		Data:       map[string]any{"theme_id": st.ID, "owner_id": st.OwnerID},
	})

	w.Header().Set("Content-Security-Policy", v.CSP)
	writeJSON(w, http.StatusCreated, InstallThemeResponse{ThemeID: st.ID, CSP: v.CSP, Assets: v.Assets.Assets})
}

// ServeThemeCSS handles GET /themes/{themeID}/style.css.
func (a *API) ServeThemeCSS(w http.ResponseWriter, r *http.Request) {
	var st storedTheme
	if err := getJSON(a.Repo, ThemeNamespace, ThemeRecordType, chi.URLParam(r, "themeID"), &st); err != nil {
		mapError(w, r, err)
		return
	}
	w.Header().Set("Content-Security-Policy", st.CSP)
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(st.CSS))
}

// ServeThemeAsset handles GET /themes/{themeID}/assets/{assetName}.
func (a *API) ServeThemeAsset(w http.ResponseWriter, r *http.Request) {
	var st storedTheme
	if err := getJSON(a.Repo, ThemeNamespace, ThemeRecordType, chi.URLParam(r, "themeID"), &st); err != nil {
		mapError(w, r, err)
		return
	}
	name := chi.URLParam(r, "assetName")
	for _, asset := range st.Assets {
		if asset.Name != name {
			continue
		}
		w.Header().Set("Content-Security-Policy", st.CSP)
		w.Header().Set("Content-Type", http.DetectContentType(asset.Data))
		w.Header().Set("Content-Disposition", "inline")
		w.WriteHeader(http.StatusOK)
		w.Write(asset.Data)
		return
	}
	writeError(w, http.StatusNotFound, "not found")
}

// notify enqueues evt for every configured target. Delivery failures are
// logged, never surfaced to the caller.
func (a *API) notify(r *http.Request, evt webhook.Event) {
	if a.dispatcher == nil {
		return
	}
	for _, target := range a.targets {
		if err := a.dispatcher.Enqueue(r.Context(), target, evt); err != nil {
			a.audit.logger.WarnContext(r.Context(), "webhook notification dropped",
				"webhook_id", target.WebhookID, "event", evt.Type, "error", err)
		}
	}
}
