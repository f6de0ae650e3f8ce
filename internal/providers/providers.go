// package providers implements the per-provider catalog clients (local
// filesystem, SoundCloud, Spotify) behind a common capability interface.
//
// All operations are pure transitions over an immutable [State] value: every
// function takes a State and returns a new one, never mutating its argument.
// Provider-specific working data lives in a typed per-provider cache rather
// than a stringly-keyed map, so each client's transitions are type-checked.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/libsync/internal/auth"
	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/planner"
	"github.com/desertthunder/libsync/internal/shared"
)

// Name identifies a provider.
type Name string

const (
	Local      Name = "local"
	SoundCloud Name = "soundcloud"
	Spotify    Name = "spotify"
)

// ParseName validates a provider name supplied by the caller.
func ParseName(s string) (Name, error) {
	switch Name(s) {
	case Local, SoundCloud, Spotify:
		return Name(s), nil
	default:
		return "", fmt.Errorf("%w: %q", shared.ErrUnknownProvider, s)
	}
}

// Config is the immutable per-invocation provider configuration, built from
// caller-supplied credentials plus static provider identity. Credentials are
// never logged.
type Config struct {
	Name          Name
	Enabled       bool
	CacheDuration time.Duration

	ClientID     string
	ClientSecret string
	RedirectURI  string

	// Root is the library directory for the local provider.
	Root string
}

// Cache holds provider-specific working data carried inside a [State].
//
// Implementations are small value types serialized as the sync cursor; they
// must round-trip through JSON. OAuth tokens are persisted separately by the
// token store and excluded from the serialized form.
type Cache interface {
	// PlaylistVersions returns the last persisted opaque version marker per
	// remote playlist id, for the snapshot-diff strategy.
	PlaylistVersions() map[string]string
}

// State is the immutable value threaded through every provider operation.
type State struct {
	Provider      Name
	Authenticated bool
	LastSync      *time.Time
	Cache         Cache
}

// WithAuthenticated returns a copy with the authenticated flag replaced.
func (s State) WithAuthenticated(ok bool) State {
	s.Authenticated = ok
	return s
}

// WithLastSync returns a copy with the last-sync timestamp replaced.
func (s State) WithLastSync(t time.Time) State {
	s.LastSync = &t
	return s
}

// WithCache returns a copy with the cache replaced.
func (s State) WithCache(c Cache) State {
	s.Cache = c
	return s
}

// WithPlaylistVersion returns a copy whose cache records the given version
// marker for a playlist. The underlying version map is cloned, never
// mutated in place.
func (s State) WithPlaylistVersion(playlistID, version string) State {
	switch c := s.Cache.(type) {
	case LocalCache:
		c.Playlists = cloneVersions(c.Playlists, playlistID, version)
		s.Cache = c
	case SoundCloudCache:
		c.Playlists = cloneVersions(c.Playlists, playlistID, version)
		s.Cache = c
	case SpotifyCache:
		c.Snapshots = cloneVersions(c.Snapshots, playlistID, version)
		s.Cache = c
	}
	return s
}

// cursorEnvelope is the serialized form of a state's durable parts: the
// last-sync timestamp plus the provider-specific cache.
type cursorEnvelope struct {
	LastSync *time.Time      `json:"last_sync,omitempty"`
	Cache    json.RawMessage `json:"cache,omitempty"`
}

// EncodeCursor serializes the state's last-sync timestamp and cache as the
// opaque sync cursor blob persisted through the gateway.
func (s State) EncodeCursor() ([]byte, error) {
	envelope := cursorEnvelope{LastSync: s.LastSync}
	if s.Cache != nil {
		data, err := json.Marshal(s.Cache)
		if err != nil {
			return nil, fmt.Errorf("failed to encode sync cursor: %w", err)
		}
		envelope.Cache = data
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync cursor: %w", err)
	}
	return data, nil
}

// CursorLastSync extracts the last-sync timestamp from a persisted cursor
// blob without decoding the provider-specific cache.
func CursorLastSync(cursor []byte) *time.Time {
	if len(cursor) == 0 {
		return nil
	}
	var envelope cursorEnvelope
	if err := json.Unmarshal(cursor, &envelope); err != nil {
		return nil
	}
	return envelope.LastSync
}

func cloneVersions(m map[string]string, id, version string) map[string]string {
	clone := make(map[string]string, len(m)+1)
	for k, v := range m {
		clone[k] = v
	}
	clone[id] = version
	return clone
}

// LocalCache is the local provider's cursor: a scan high-water-mark plus the
// mtime markers of known playlist files.
type LocalCache struct {
	LastScan  *time.Time        `json:"last_scan,omitempty"`
	Playlists map[string]string `json:"playlists,omitempty"`
}

func (c LocalCache) PlaylistVersions() map[string]string { return c.Playlists }

// SoundCloudCache is the SoundCloud provider's cursor: the last-seen
// favorites count plus per-playlist last_modified markers.
type SoundCloudCache struct {
	Token             *auth.Token       `json:"-"`
	LastFavoriteCount int               `json:"last_favorite_count,omitempty"`
	Playlists         map[string]string `json:"playlists,omitempty"`
}

func (c SoundCloudCache) PlaylistVersions() map[string]string { return c.Playlists }

// SpotifyCache is the Spotify provider's cursor: the last-seen saved-track
// count, the added_at high-water-mark, and per-playlist snapshot ids.
type SpotifyCache struct {
	Token          *auth.Token       `json:"-"`
	LastLikedCount int               `json:"last_liked_count,omitempty"`
	LastAddedAt    *time.Time        `json:"last_added_at,omitempty"`
	Snapshots      map[string]string `json:"snapshots,omitempty"`
}

func (c SpotifyCache) PlaylistVersions() map[string]string { return c.Snapshots }

// SyncOptions controls one library fetch.
type SyncOptions struct {
	// Full bypasses every incremental strategy and forces a complete
	// refetch, re-deriving the cursor from scratch.
	Full bool

	// KnownIDs is the set of already-imported provider ids, preloaded from
	// the persistence gateway, for the existing-id exclusion strategy.
	KnownIDs planner.KnownIDs

	// Progress, when non-nil, is called with the provider-reported total
	// item count as pages are fetched.
	Progress func(count int)
}

func (o SyncOptions) report(count int) {
	if o.Progress != nil {
		o.Progress(count)
	}
}

// Provider is the common capability interface all catalog clients implement.
//
// Network-calling operations transparently refresh an expired token before
// proceeding; when refresh fails they return the unauthenticated state and
// an empty result so batch operations stop cleanly instead of failing
// mid-batch. HTTP 401/403 responses likewise flip Authenticated to false in
// the returned state.
type Provider interface {
	// Name returns the provider's identity.
	Name() Name

	// Init constructs the initial state, hydrating the token from the token
	// store and the sync cursor from the persisted blob.
	Init(ctx context.Context, cursor []byte) (State, error)

	// Authenticate obtains a valid token, running the OAuth flow when
	// needed. A no-op returning success for the local provider.
	Authenticate(ctx context.Context, state State) (State, bool)

	// SyncLibrary fetches the user's liked tracks, applying the provider's
	// incremental strategies unless opts.Full is set.
	SyncLibrary(ctx context.Context, state State, opts SyncOptions) (State, []models.Track, error)

	// Playlists lists the user's playlists as metadata without member
	// tracks.
	Playlists(ctx context.Context, state State, full bool) (State, []models.Playlist, error)

	// PlaylistTracks fetches a playlist's ordered member tracks and, when
	// the provider exposes it, the playlist's creation time.
	PlaylistTracks(ctx context.Context, state State, playlistID string) (State, []models.Track, *time.Time, error)

	// ResolveStream returns a playable locator for a track: a file path, a
	// signed URL, or an opaque URI, depending on the provider.
	ResolveStream(ctx context.Context, state State, providerID string) (string, error)

	// Search finds tracks matching a free-text query.
	Search(ctx context.Context, state State, query string) (State, []models.Track, error)
}

// New constructs the client for the named provider.
func New(config Config, store *auth.Store, logger *log.Logger) (Provider, error) {
	if !config.Enabled {
		return nil, fmt.Errorf("%w: %s", shared.ErrProviderDisabled, config.Name)
	}
	if logger == nil {
		logger = shared.SilentLogger()
	}

	switch config.Name {
	case Local:
		return NewLocalProvider(config, logger), nil
	case SoundCloud:
		return NewSoundCloudProvider(config, store, logger), nil
	case Spotify:
		return NewSpotifyProvider(config, store, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", shared.ErrUnknownProvider, config.Name)
	}
}
