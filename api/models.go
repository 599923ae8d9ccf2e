package api

import (
	"time"

	"github.com/jmcleod/trustgate/sandbox"
	"github.com/jmcleod/trustgate/verdict"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RejectionResponse is returned by validation endpoints whose caller is
// entitled to the reason.
type RejectionResponse struct {
	Error    string            `json:"error"`
	Reason   verdict.Reason    `json:"reason"`
	Findings []sandbox.Finding `json:"findings,omitempty"`
}

// CreateKeyRequest is the JSON body for POST /keys.
type CreateKeyRequest struct {
	OwnerID string   `json:"owner_id"`
	Scopes  []string `json:"scopes"`
	TTLDays *int     `json:"ttl_days,omitempty"`
}

// CreateKeyResponse is returned from POST /keys. Key is shown only here.
type CreateKeyResponse struct {
	Key     string  `json:"key"`
	KeyInfo KeyInfo `json:"info"`
}

// KeyInfo describes a key without its secret.
type KeyInfo struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Scopes    []string   `json:"scopes"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// ListKeysResponse is returned from GET /keys.
type ListKeysResponse struct {
	Keys []KeyInfo `json:"keys"`
	PaginationMeta
}

// RegisterWebhookRequest is the JSON body for POST /webhooks.
type RegisterWebhookRequest struct {
	WebhookID string `json:"webhook_id"`
}

// RegisterWebhookResponse carries the signing secret, shown only here.
type RegisterWebhookResponse struct {
	WebhookID string `json:"webhook_id"`
	Secret    string `json:"secret"`
}

// CheckURLRequest is the JSON body for POST /urls/check.
type CheckURLRequest struct {
	URL string `json:"url"`
}

// CheckURLResponse is returned for an allowed URL.
type CheckURLResponse struct {
	Allowed bool   `json:"allowed"`
	URL     string `json:"url"`
}

// InstallThemeResponse is returned from POST /themes.
type InstallThemeResponse struct {
	ThemeID string                  `json:"theme_id"`
	CSP     string                  `json:"csp"`
	Assets  []sandbox.AssetMetadata `json:"assets"`
}

// UploadResponse is returned from POST /uploads.
type UploadResponse struct {
	UploadIDs []string                `json:"upload_ids"`
	Assets    []sandbox.AssetMetadata `json:"assets"`
}

// AuthorizeRequest is the JSON body for POST /oauth/authorize.
type AuthorizeRequest struct {
	RedirectURI         string   `json:"redirect_uri"`
	CodeChallenge       string   `json:"code_challenge"`
	CodeChallengeMethod string   `json:"code_challenge_method"`
	Scopes              []string `json:"scopes"`
}

// AuthorizeResponse carries the state the client must round-trip.
type AuthorizeResponse struct {
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenRequest is the JSON body for POST /oauth/token.
type TokenRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
}

// TokenResponse is an issued access token, which is a short-lived API key.
type TokenResponse struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	ExpiresIn   int      `json:"expires_in"`
	Scopes      []string `json:"scopes"`
}

// OAuthErrorResponse follows RFC 6749 section 5.2.
type OAuthErrorResponse struct {
	Error string `json:"error"`
}
