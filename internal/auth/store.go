package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/libsync/internal/gateway"
	"github.com/desertthunder/libsync/internal/shared"
	"golang.org/x/oauth2"
)

// Store persists and loads per-provider OAuth tokens.
//
// The persistence gateway's state row is authoritative; a legacy per-provider
// token file is supported read-through only and is migrated into the gateway
// on the first successful refresh.
type Store struct {
	gateway   gateway.Gateway
	legacyDir string
	logger    *log.Logger
	now       func() time.Time
}

// NewStore creates a token store. legacyDir may be empty to disable the
// file fallback entirely.
func NewStore(gw gateway.Gateway, legacyDir string, logger *log.Logger) *Store {
	if logger == nil {
		logger = shared.SilentLogger()
	}
	return &Store{gateway: gw, legacyDir: legacyDir, logger: logger, now: time.Now}
}

// Load returns the stored token for a provider, checking the gateway first
// and the legacy token file second. Returns nil when neither has one.
func (s *Store) Load(ctx context.Context, provider string) (*Token, error) {
	state, err := s.gateway.LoadProviderState(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	if state != nil && len(state.AuthData) > 0 {
		var token Token
		if err := json.Unmarshal(state.AuthData, &token); err != nil {
			return nil, fmt.Errorf("failed to decode stored token: %w", err)
		}
		return &token, nil
	}

	return s.loadLegacy(provider)
}

// Save persists a token to the gateway's state row, leaving the sync cursor
// column untouched.
func (s *Store) Save(ctx context.Context, provider string, token *Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := s.gateway.SaveProviderState(ctx, provider, data, nil); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// IsExpired reports whether the token is expired or within the safety buffer.
func (s *Store) IsExpired(token *Token) bool {
	return token.Expired(s.now())
}

// Refresh performs a refresh_token grant using the stored refresh token and
// the provider's OAuth config, persists the result, and returns the new
// token.
//
// Any failure (missing refresh token, network error, non-2xx) is returned as
// an error wrapping [shared.ErrRefreshFailed]; the caller must interpret it
// as "re-authentication required", not as a transient error to retry.
func (s *Store) Refresh(ctx context.Context, provider string, config *oauth2.Config, token *Token) (*Token, error) {
	if token == nil || token.RefreshToken == "" {
		return nil, fmt.Errorf("%w: %w", shared.ErrRefreshFailed, shared.ErrNoRefreshToken)
	}

	// Force a refresh by presenting the token as already expired.
	stale := &oauth2.Token{RefreshToken: token.RefreshToken, Expiry: s.now().Add(-time.Hour)}
	fresh, err := config.TokenSource(ctx, stale).Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrRefreshFailed, err)
	}

	refreshed := FromOAuth2(fresh, token)
	if err := s.Save(ctx, provider, refreshed); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrRefreshFailed, err)
	}

	s.logger.Debugf("refreshed token for %s, expires %s", provider, refreshed.ExpiresAt)
	return refreshed, nil
}

// loadLegacy reads a token from the legacy per-provider file.
func (s *Store) loadLegacy(provider string) (*Token, error) {
	if s.legacyDir == "" {
		return nil, nil
	}

	data, err := os.ReadFile(s.legacyPath(provider))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy token file: %w", err)
	}

	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to decode legacy token file: %w", err)
	}

	s.logger.Debugf("loaded legacy token file for %s", provider)
	return &token, nil
}

// WriteLegacy writes a token file with owner-only permissions. Kept for
// compatibility with installations predating the database-backed store.
func (s *Store) WriteLegacy(provider string, token *Token) error {
	if s.legacyDir == "" {
		return fmt.Errorf("no legacy token directory configured")
	}
	if err := os.MkdirAll(s.legacyDir, 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := os.WriteFile(s.legacyPath(provider), data, 0600); err != nil {
		return fmt.Errorf("failed to write legacy token file: %w", err)
	}
	return nil
}

func (s *Store) legacyPath(provider string) string {
	return filepath.Join(s.legacyDir, provider+"_token.json")
}
