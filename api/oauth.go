package api

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/jmcleod/trustgate/internal/util"
	"github.com/jmcleod/trustgate/oauth"
	"github.com/jmcleod/trustgate/verdict"
)

const (
	authCodeBytes = 32
	// accessTokenTTLDays is the lifetime of keys minted by the token
	// endpoint. Keys are expressed in whole days.
	accessTokenTTLDays = 1
)

// Authorize handles POST /oauth/authorize. The caller registers a redirect
// URI and S256 challenge and receives the state it must round-trip. The
// requested scopes must be a subset of the caller's own.
func (a *API) Authorize(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeRequest
	if !decodeJSON(w, r, maxSmallBodySize, &req) {
		return
	}
	p := principalFromContext(r.Context())

	if _, err := a.Redirects.Check(r.Context(), req.RedirectURI); err != nil {
		a.rejectOAuth(w, r, err)
		return
	}
	if req.CodeChallengeMethod != oauth.MethodS256 {
		a.rejectOAuth(w, r, verdict.Rejectf(verdict.InvalidPKCE, "unsupported challenge method %q", req.CodeChallengeMethod))
		return
	}
	if len(req.CodeChallenge) != 43 || !util.IsURLSafe(req.CodeChallenge) {
		a.rejectOAuth(w, r, verdict.Rejectf(verdict.InvalidPKCE, "malformed challenge"))
		return
	}
	if len(req.Scopes) == 0 {
		writeError(w, http.StatusBadRequest, "at least one scope is required")
		return
	}
	for _, s := range req.Scopes {
		if !slices.Contains(p.Scopes, s) {
			a.rejectOAuth(w, r, verdict.Rejectf(verdict.MissingScope, "scope %q not held by caller", s))
			return
		}
	}

	token, err := a.States.Issue(r.Context())
	if err != nil {
		mapError(w, r, err)
		return
	}
	expires := a.now().Add(a.States.TTL())
	a.auth.putPending(token, pendingAuth{
		OwnerID:             p.OwnerID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scopes:              req.Scopes,
		ExpiresAt:           expires,
	})

	a.audit.log(AuditOAuthAuthorize, r,
		slog.String("key_id", p.KeyID),
		slog.String("redirect_uri", req.RedirectURI))
	writeJSON(w, http.StatusCreated, AuthorizeResponse{State: token, ExpiresAt: expires.UTC()})
}

// OAuthCallback handles GET /oauth/callback?state=... It consumes the state
// and redirects to the registered URI with a one-time code.
func (a *API) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("state")
	if err := a.States.Consume(r.Context(), token); err != nil {
		a.rejectOAuth(w, r, err)
		return
	}
	pending, ok := a.auth.takePending(token)
	if !ok {
		a.rejectOAuth(w, r, verdict.Rejectf(verdict.InvalidState, "no pending authorization"))
		return
	}
	// The allowlist may have changed since authorize.
	target, err := a.Redirects.Check(r.Context(), pending.RedirectURI)
	if err != nil {
		a.rejectOAuth(w, r, err)
		return
	}

	code, err := util.RandomURLSafe(authCodeBytes)
	if err != nil {
		mapError(w, r, err)
		return
	}
	a.auth.putCode(code, pending)

	q := target.Query()
	q.Set("code", code)
	q.Set("state", token)
	target.RawQuery = q.Encode()
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// OAuthToken handles POST /oauth/token. A code is accepted once, with the
// redirect URI it was issued for and the verifier of its challenge. The
// access token is a short-lived API key limited to the authorized scopes.
func (a *API) OAuthToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !decodeJSON(w, r, maxSmallBodySize, &req) {
		return
	}

	pending, ok := a.auth.takeCode(req.Code)
	if !ok {
		a.rejectOAuth(w, r, verdict.Rejectf(verdict.InvalidState, "unknown or expired code"))
		return
	}
	if req.RedirectURI != pending.RedirectURI {
		a.rejectOAuth(w, r, verdict.Rejectf(verdict.InvalidRedirectURI, "redirect_uri differs from authorization"))
		return
	}
	if err := oauth.CheckVerifier(req.CodeVerifier, pending.CodeChallenge, pending.CodeChallengeMethod); err != nil {
		a.rejectOAuth(w, r, err)
		return
	}

	ttl := accessTokenTTLDays
	plaintext, key, err := a.Keys.Generate(r.Context(), pending.OwnerID, pending.Scopes, &ttl)
	if err != nil {
		mapError(w, r, err)
		return
	}
	a.audit.log(AuditOAuthTokenIssued, r,
		slog.String("key_id", key.ID),
		slog.String("owner_id", key.OwnerID))
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: plaintext,
		TokenType:   "Bearer",
		ExpiresIn:   ttl * 24 * 60 * 60,
		Scopes:      key.Scopes,
	})
}

// rejectOAuth logs err and answers with the OAuth error code for its
// reason. The redirect URI is never followed on failure.
func (a *API) rejectOAuth(w http.ResponseWriter, r *http.Request, err error) {
	reason, ok := verdict.ReasonOf(err)
	if !ok {
		mapError(w, r, err)
		return
	}
	a.audit.logRejection(AuditOAuthRejected, r, err)
	code := "invalid_request"
	switch {
	case errors.Is(err, verdict.Reject(verdict.InvalidPKCE)), errors.Is(err, verdict.Reject(verdict.InvalidState)):
		code = "invalid_grant"
	case errors.Is(err, verdict.Reject(verdict.MissingScope)):
		code = "invalid_scope"
	}
	writeJSON(w, verdict.HTTPStatus(reason), OAuthErrorResponse{Error: code})
}
