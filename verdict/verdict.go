// Package verdict defines the typed rejection reasons returned by every
// trust-boundary validator.
package verdict

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason is a stable, machine-readable rejection code. Reasons are safe to
// log; they never carry secret material.
type Reason string

const (
	InvalidScheme        Reason = "invalid_scheme"
	CredentialsPresent   Reason = "credentials_present"
	PrivateIP            Reason = "private_ip"
	DomainNotAllowed     Reason = "domain_not_allowed"
	OpenRedirect         Reason = "open_redirect"
	InvalidSignature     Reason = "invalid_signature"
	TooOld               Reason = "too_old"
	FutureTimestamp      Reason = "future_timestamp"
	AlreadyProcessed     Reason = "already_processed"
	RateLimited          Reason = "rate_limited"
	Expired              Reason = "expired"
	Revoked              Reason = "revoked"
	MissingScope         Reason = "missing_scope"
	InvalidKey           Reason = "invalid_key"
	MagicBytesMismatch   Reason = "magic_bytes_mismatch"
	ExecutableSignature  Reason = "executable_signature"
	SuspiciousString     Reason = "suspicious_string"
	TooManyAssets        Reason = "too_many_assets"
	Oversized            Reason = "oversized"
	DangerousCSS         Reason = "dangerous_css_construct"
	JavaScriptNotAllowed Reason = "javascript_not_allowed"
	FormulaInjection     Reason = "formula_injection"
	InvalidPKCE          Reason = "invalid_pkce"
	InvalidRedirectURI   Reason = "invalid_redirect_uri"
	InvalidState         Reason = "invalid_state"
)

// Rejection is the error returned when input fails validation. Detail is
// meant for server-side logs only and must already be redacted.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// Is makes errors.Is(err, verdict.Reject(X)) match on reason alone.
func (r *Rejection) Is(target error) bool {
	var t *Rejection
	if !errors.As(target, &t) {
		return false
	}
	return t.Reason == r.Reason
}

// Reject builds a Rejection with no detail.
func Reject(reason Reason) *Rejection {
	return &Rejection{Reason: reason}
}

// Rejectf builds a Rejection with a formatted detail.
func Rejectf(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the rejection reason from err. ok is false when err is
// nil or not a rejection (an infrastructure failure).
func ReasonOf(err error) (Reason, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason, true
	}
	return "", false
}

// HTTPStatus maps a reason to the generic status code a gateway returns.
func HTTPStatus(reason Reason) int {
	switch reason {
	case RateLimited:
		return http.StatusTooManyRequests
	case InvalidSignature, TooOld, FutureTimestamp, AlreadyProcessed,
		Expired, Revoked, InvalidKey, InvalidPKCE, InvalidState:
		return http.StatusUnauthorized
	case MissingScope, InvalidRedirectURI:
		return http.StatusForbidden
	case InvalidScheme, CredentialsPresent, PrivateIP, DomainNotAllowed, OpenRedirect,
		MagicBytesMismatch, ExecutableSignature, SuspiciousString, TooManyAssets,
		DangerousCSS, JavaScriptNotAllowed, FormulaInjection:
		return http.StatusUnprocessableEntity
	case Oversized:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

// PublicMessage is the non-leaking message shown to clients for a status.
func PublicMessage(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "too many requests; try again later"
	case http.StatusRequestEntityTooLarge:
		return "payload too large"
	default:
		return "request rejected"
	}
}
