package oauth

import (
	"context"
	"net/url"

	"github.com/jmcleod/trustgate/urlguard"
	"github.com/jmcleod/trustgate/verdict"
)

// ValidateRedirectURI reports whether candidate is byte-for-byte equal to an
// allowlisted URI. No normalisation is applied: a trailing slash, a change
// of case or an extra query parameter all fail.
func ValidateRedirectURI(candidate string, allowlist []string) bool {
	if candidate == "" {
		return false
	}
	for _, allowed := range allowlist {
		if candidate == allowed {
			return true
		}
	}
	return false
}

// RedirectPolicy checks redirect URIs against an allowlist and, when a
// guard is set, against the URL validator so that a bad allowlist entry
// cannot point the flow at a private address.
type RedirectPolicy struct {
	allowlist []string
	guard     *urlguard.Validator
}

func NewRedirectPolicy(allowlist []string, guard *urlguard.Validator) *RedirectPolicy {
	return &RedirectPolicy{allowlist: append([]string(nil), allowlist...), guard: guard}
}

// Check returns the parsed URI when candidate may be redirected to.
func (p *RedirectPolicy) Check(ctx context.Context, candidate string) (*url.URL, error) {
	if !ValidateRedirectURI(candidate, p.allowlist) {
		return nil, verdict.Reject(verdict.InvalidRedirectURI)
	}
	if p.guard == nil {
		u, err := url.Parse(candidate)
		if err != nil {
			return nil, verdict.Rejectf(verdict.InvalidRedirectURI, "unparseable allowlist entry")
		}
		return u, nil
	}
	if _, err := p.guard.Validate(ctx, candidate); err != nil {
		return nil, verdict.Rejectf(verdict.InvalidRedirectURI, "allowlisted uri failed url check: %v", err)
	}
	// The exact string is returned, not the guard's canonical form.
	return url.Parse(candidate)
}
