package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/trustgate/ratelimit"
	"github.com/jmcleod/trustgate/verdict"
)

type contextKey int

const principalKey contextKey = iota

// Principal is the authenticated caller of a request.
type Principal struct {
	KeyID   string
	OwnerID string
	Scopes  []string
}

// RequireAPIKey authenticates the request's API key and checks that it
// carries scope. Every failure except rate limiting is answered with the
// same body so callers cannot tell which check failed.
func (a *API) RequireAPIKey(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			win, err := a.Limiter.Allow(r.Context(), a.extractClientIP(r), ActionGatewayAttempt)
			if err != nil {
				if reason, ok := verdict.ReasonOf(err); ok && reason == verdict.RateLimited {
					a.audit.logRejection(AuditKeyRejected, r, err)
					a.writeRateLimited(w, win)
					return
				}
				mapError(w, r, err)
				return
			}

			plaintext := presentedKey(r)
			key, err := a.Keys.Validate(r.Context(), plaintext, scope)
			if err != nil {
				reason, ok := verdict.ReasonOf(err)
				if !ok {
					mapError(w, r, err)
					return
				}
				a.audit.logRejection(AuditKeyRejected, r, err,
					slog.String("key", verdict.Redact(plaintext)),
					slog.String("scope", scope))
				if reason == verdict.RateLimited {
					keyWin, ok := ratelimit.WindowOf(err)
					if !ok {
						keyWin = win
					}
					a.writeRateLimited(w, keyWin)
					return
				}
				writeGeneric(w, reason)
				return
			}

			a.audit.log(AuditKeyAccepted, r,
				slog.String("key_id", key.ID),
				slog.String("scope", scope))
			ctx := context.WithValue(r.Context(), principalKey, &Principal{
				KeyID:   key.ID,
				OwnerID: key.OwnerID,
				Scopes:  key.Scopes,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// presentedKey reads "Authorization: Bearer <key>" or "X-API-Key".
func presentedKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func principalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
