// package auth implements OAuth token lifecycle management for the sync
// engine: the token value type, the dual-location token store, and the
// authorization-code + PKCE flow.
package auth

import (
	"time"

	"golang.org/x/oauth2"
)

// expiryBuffer is subtracted from a token's expiry when checking freshness,
// so a token about to lapse mid-request counts as expired.
const expiryBuffer = 5 * time.Minute

// Token holds a provider's OAuth credentials with an absolute expiry.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the token is at or within the safety buffer of its
// expiry. A token with no expiry never expires.
func (t *Token) Expired(now time.Time) bool {
	if t == nil {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(t.ExpiresAt.Add(-expiryBuffer))
}

// OAuth2 converts to the [oauth2.Token] shape used by exchange and refresh
// calls.
func (t *Token) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}
}

// FromOAuth2 converts an [oauth2.Token] returned by an exchange or refresh.
//
// Providers are inconsistent about rotating refresh tokens; when the response
// omits one, the previous refresh token is preserved.
func FromOAuth2(tok *oauth2.Token, previous *Token) *Token {
	t := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if t.RefreshToken == "" && previous != nil {
		t.RefreshToken = previous.RefreshToken
	}
	return t
}
