package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/jmcleod/trustgate/sandbox"
)

const (
	maxUploadBodySize  = 128 << 20
	uploadMemoryBuffer = 32 << 20
	uploadFormField    = "files"
)

// Upload handles POST /uploads, a multipart form with one or more "files"
// parts. Either every file is stored or none is.
func (a *API) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
	if err := r.ParseMultipartForm(uploadMemoryBuffer); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File[uploadFormField]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "no files")
		return
	}

	assets := make([]sandbox.Asset, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		assets = append(assets, sandbox.Asset{
			Name:         fh.Filename,
			Data:         data,
			DeclaredMIME: fh.Header.Get("Content-Type"),
		})
	}

	result := a.Sandbox.ValidateAssets(assets)
	if !result.Valid {
		a.audit.logRejection(AuditUploadRejected, r, sandbox.Err(result.Errors),
			slog.Int("files", len(assets)))
		writeReason(w, result.Errors[0].Reason, result.Errors...)
		return
	}

	p := principalFromContext(r.Context())
	now := a.now().UTC()
	ids := make([]string, 0, len(assets))
	for i, meta := range result.Assets {
		rec := storedAsset{
			ID:      uuid.NewString(),
			OwnerID: p.OwnerID,
			Name:    meta.Name,
			Format:  meta.DetectedFormat,
			Data:    assets[i].Data,
			Created: now,
		}
		if err := putJSON(a.Repo, UploadNamespace, UploadRecordType, rec.ID, rec); err != nil {
			for _, id := range ids {
				a.Repo.Delete(UploadNamespace, UploadRecordType, id)
			}
			mapError(w, r, err)
			return
		}
		ids = append(ids, rec.ID)
	}

	a.audit.log(AuditUploadAccepted, r,
		slog.String("key_id", p.KeyID),
		slog.Int("files", len(ids)))
	writeJSON(w, http.StatusCreated, UploadResponse{UploadIDs: ids, Assets: result.Assets})
}
