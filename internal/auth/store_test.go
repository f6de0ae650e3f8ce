package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/desertthunder/libsync/internal/gateway"
	"github.com/desertthunder/libsync/internal/shared"
	"github.com/desertthunder/libsync/internal/testkit"
	"golang.org/x/oauth2"
)

// tokenEndpoint returns an httptest server answering refresh_token grants.
func tokenEndpoint(t *testing.T, accessToken, refreshToken string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.Form.Get("grant_type") != "refresh_token" {
			http.Error(w, "unexpected grant", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"refresh_token":%q,"token_type":"Bearer","expires_in":3600}`,
			accessToken, refreshToken)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func oauthConfig(tokenURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "test_client_id",
		ClientSecret: "test_client_secret",
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
}

func TestStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Load", func(t *testing.T) {
		t.Run("Missing Everywhere Returns Nil", func(t *testing.T) {
			store := NewStore(gateway.NewSQLiteGateway(testkit.MustOpenDB(t)), t.TempDir(), nil)
			token, err := store.Load(ctx, "spotify")
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if token != nil {
				t.Errorf("expected nil token, got %+v", token)
			}
		})

		t.Run("Gateway Copy Wins", func(t *testing.T) {
			gw := gateway.NewSQLiteGateway(testkit.MustOpenDB(t))
			dir := t.TempDir()
			store := NewStore(gw, dir, nil)

			if err := store.Save(ctx, "spotify", &Token{AccessToken: "from-db"}); err != nil {
				t.Fatalf("save failed: %v", err)
			}
			if err := store.WriteLegacy("spotify", &Token{AccessToken: "from-file"}); err != nil {
				t.Fatalf("legacy write failed: %v", err)
			}

			token, err := store.Load(ctx, "spotify")
			if err != nil {
				t.Fatalf("load failed: %v", err)
			}
			if token.AccessToken != "from-db" {
				t.Errorf("expected gateway token, got %s", token.AccessToken)
			}
		})

		t.Run("Falls Back To Legacy File", func(t *testing.T) {
			dir := t.TempDir()
			store := NewStore(gateway.NewSQLiteGateway(testkit.MustOpenDB(t)), dir, nil)

			if err := store.WriteLegacy("soundcloud", &Token{AccessToken: "legacy"}); err != nil {
				t.Fatalf("legacy write failed: %v", err)
			}

			token, err := store.Load(ctx, "soundcloud")
			if err != nil {
				t.Fatalf("load failed: %v", err)
			}
			if token.AccessToken != "legacy" {
				t.Errorf("expected legacy token, got %s", token.AccessToken)
			}
		})

		t.Run("Legacy File Has Owner-Only Permissions", func(t *testing.T) {
			dir := t.TempDir()
			store := NewStore(gateway.NewSQLiteGateway(testkit.MustOpenDB(t)), dir, nil)

			if err := store.WriteLegacy("spotify", &Token{AccessToken: "x"}); err != nil {
				t.Fatalf("legacy write failed: %v", err)
			}

			info, err := os.Stat(filepath.Join(dir, "spotify_token.json"))
			if err != nil {
				t.Fatalf("stat failed: %v", err)
			}
			if perm := info.Mode().Perm(); perm != 0600 {
				t.Errorf("expected 0600 permissions, got %o", perm)
			}
		})
	})

	t.Run("Refresh", func(t *testing.T) {
		t.Run("Persists Refreshed Token", func(t *testing.T) {
			gw := gateway.NewSQLiteGateway(testkit.MustOpenDB(t))
			store := NewStore(gw, "", nil)
			srv := tokenEndpoint(t, "new-access", "new-refresh")

			old := &Token{AccessToken: "old", RefreshToken: "old-refresh", ExpiresAt: time.Now().Add(-time.Hour)}
			refreshed, err := store.Refresh(ctx, "spotify", oauthConfig(srv.URL), old)
			if err != nil {
				t.Fatalf("refresh failed: %v", err)
			}

			if refreshed.AccessToken != "new-access" {
				t.Errorf("expected new access token, got %s", refreshed.AccessToken)
			}
			if refreshed.ExpiresAt.Before(time.Now().Add(50 * time.Minute)) {
				t.Errorf("expected absolute expiry about an hour out, got %s", refreshed.ExpiresAt)
			}

			stored, err := store.Load(ctx, "spotify")
			if err != nil {
				t.Fatalf("load failed: %v", err)
			}
			if stored.AccessToken != "new-access" {
				t.Errorf("expected refreshed token persisted, got %s", stored.AccessToken)
			}
		})

		t.Run("Preserves Refresh Token When Response Omits One", func(t *testing.T) {
			store := NewStore(gateway.NewSQLiteGateway(testkit.MustOpenDB(t)), "", nil)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, `{"access_token":"new-access","token_type":"Bearer","expires_in":3600}`)
			}))
			defer srv.Close()

			old := &Token{RefreshToken: "keep-me", ExpiresAt: time.Now().Add(-time.Hour)}
			refreshed, err := store.Refresh(ctx, "spotify", oauthConfig(srv.URL), old)
			if err != nil {
				t.Fatalf("refresh failed: %v", err)
			}
			if refreshed.RefreshToken != "keep-me" {
				t.Errorf("expected old refresh token preserved, got %s", refreshed.RefreshToken)
			}
		})

		t.Run("Migrates File-Sourced Token To Gateway", func(t *testing.T) {
			gw := gateway.NewSQLiteGateway(testkit.MustOpenDB(t))
			dir := t.TempDir()
			store := NewStore(gw, dir, nil)
			srv := tokenEndpoint(t, "migrated-access", "migrated-refresh")

			if err := store.WriteLegacy("soundcloud", &Token{
				RefreshToken: "file-refresh",
				ExpiresAt:    time.Now().Add(-time.Hour),
			}); err != nil {
				t.Fatalf("legacy write failed: %v", err)
			}

			token, err := store.Load(ctx, "soundcloud")
			if err != nil {
				t.Fatalf("load failed: %v", err)
			}
			if _, err := store.Refresh(ctx, "soundcloud", oauthConfig(srv.URL), token); err != nil {
				t.Fatalf("refresh failed: %v", err)
			}

			state, err := gw.LoadProviderState(ctx, "soundcloud")
			if err != nil {
				t.Fatalf("gateway load failed: %v", err)
			}
			if state == nil || len(state.AuthData) == 0 {
				t.Fatal("expected token migrated into gateway state")
			}
			var stored Token
			if err := json.Unmarshal(state.AuthData, &stored); err != nil {
				t.Fatalf("failed to decode stored token: %v", err)
			}
			if stored.AccessToken != "migrated-access" {
				t.Errorf("expected migrated token, got %s", stored.AccessToken)
			}
		})

		t.Run("Missing Refresh Token Fails", func(t *testing.T) {
			store := NewStore(gateway.NewSQLiteGateway(testkit.MustOpenDB(t)), "", nil)

			_, err := store.Refresh(ctx, "spotify", oauthConfig("http://unused"), &Token{AccessToken: "x"})
			if !errors.Is(err, shared.ErrRefreshFailed) {
				t.Errorf("expected ErrRefreshFailed, got %v", err)
			}
		})

		t.Run("Server Rejection Fails", func(t *testing.T) {
			store := NewStore(gateway.NewSQLiteGateway(testkit.MustOpenDB(t)), "", nil)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			}))
			defer srv.Close()

			_, err := store.Refresh(ctx, "spotify", oauthConfig(srv.URL), &Token{RefreshToken: "revoked"})
			if !errors.Is(err, shared.ErrRefreshFailed) {
				t.Errorf("expected ErrRefreshFailed, got %v", err)
			}
		})
	})
}
