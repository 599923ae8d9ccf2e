package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/trustgate/verdict"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditKeyAccepted      AuditEvent = "api_key_accepted"
	AuditKeyRejected      AuditEvent = "api_key_rejected"
	AuditKeyIssued        AuditEvent = "api_key_issued"
	AuditKeyRevoked       AuditEvent = "api_key_revoked"
	AuditKeysExported     AuditEvent = "api_keys_exported"
	AuditExportRejected   AuditEvent = "export_rejected"
	AuditWebhookAccepted  AuditEvent = "webhook_accepted"
	AuditWebhookRejected  AuditEvent = "webhook_rejected"
	AuditWebhookRegister  AuditEvent = "webhook_registered"
	AuditURLRejected      AuditEvent = "url_rejected"
	AuditThemeInstalled   AuditEvent = "theme_installed"
	AuditThemeRejected    AuditEvent = "theme_rejected"
	AuditUploadAccepted   AuditEvent = "upload_accepted"
	AuditUploadRejected   AuditEvent = "upload_rejected"
	AuditOAuthAuthorize   AuditEvent = "oauth_authorize"
	AuditOAuthRejected    AuditEvent = "oauth_rejected"
	AuditOAuthTokenIssued AuditEvent = "oauth_token_issued"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Attributes must never carry a
// plaintext secret; use verdict.Redact.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}

// logRejection records a failed validation and feeds the spike detector.
func (al *auditLogger) logRejection(event AuditEvent, r *http.Request, err error, extra ...slog.Attr) {
	reason, _ := verdict.ReasonOf(err)
	attrs := []slog.Attr{
		slog.String("reason", string(reason)),
		slog.String("detail", err.Error()),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
	if al.metrics != nil {
		al.metrics.recordRejection(reason)
	}
}
