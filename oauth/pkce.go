// Package oauth implements the PKCE, state and redirect URI checks of the
// OAuth 2.0 authorization code flow.
package oauth

import (
	"github.com/jmcleod/trustgate/internal/util"
	"github.com/jmcleod/trustgate/verdict"
)

const (
	MethodS256 = "S256"

	// Verifier length bounds from RFC 7636 section 4.1.
	MinVerifierLength = 43
	MaxVerifierLength = 128

	generatedVerifierLength = 64
)

// Challenge is a PKCE pair. Only Challenge and Method leave the client;
// Verifier is revealed once, at token exchange.
type Challenge struct {
	Verifier  string `json:"-"`
	Challenge string `json:"code_challenge"`
	Method    string `json:"code_challenge_method"`
}

// ChallengeOf returns base64url(SHA-256(verifier)) without padding.
func ChallengeOf(verifier string) string {
	return util.Base64URLEncode(util.SHA256([]byte(verifier)))
}

// GenerateChallenge creates a random verifier and its S256 challenge.
func GenerateChallenge() (Challenge, error) {
	verifier, err := util.RandomURLSafe(generatedVerifierLength)
	if err != nil {
		return Challenge{}, err
	}
	return Challenge{
		Verifier:  verifier,
		Challenge: ChallengeOf(verifier),
		Method:    MethodS256,
	}, nil
}

// ValidateVerifier reports whether verifier is well formed and hashes to
// challenge.
func ValidateVerifier(verifier, challenge string) bool {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return false
	}
	if !util.IsURLSafe(verifier) {
		return false
	}
	return util.ConstantTimeEqual(ChallengeOf(verifier), challenge)
}

// CheckVerifier is ValidateVerifier with a typed rejection. Only the S256
// method is accepted.
func CheckVerifier(verifier, challenge, method string) error {
	if method != MethodS256 {
		return verdict.Rejectf(verdict.InvalidPKCE, "unsupported challenge method %q", method)
	}
	if !ValidateVerifier(verifier, challenge) {
		return verdict.Reject(verdict.InvalidPKCE)
	}
	return nil
}
