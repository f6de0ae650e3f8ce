// Spotify implementation of [Provider]
//
// API response types based on https://developer.spotify.com/documentation/web-api/reference/
package providers

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/libsync/internal/auth"
	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/planner"
	"golang.org/x/oauth2"
)

const (
	spotifyAuthURL  = "https://accounts.spotify.com/authorize"
	spotifyTokenURL = "https://accounts.spotify.com/api/token"
	spotifyBaseURL  = "https://api.spotify.com/v1"

	spotifyPageLimit = 50
)

var spotifyScopes = []string{
	"user-library-read",
	"playlist-read-private",
	"playlist-read-collaborative",
}

// spotifyArtist represents a Spotify artist.
type spotifyArtist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// spotifyAlbum represents a Spotify album.
type spotifyAlbum struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ReleaseDate string `json:"release_date"`
}

// spotifyTrack represents a Spotify track.
type spotifyTrack struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Artists    []spotifyArtist `json:"artists"`
	Album      spotifyAlbum    `json:"album"`
	DurationMS int             `json:"duration_ms"`
	URI        string          `json:"uri"`
}

// spotifySavedTrack represents a track saved in the user's library.
type spotifySavedTrack struct {
	AddedAt string       `json:"added_at"`
	Track   spotifyTrack `json:"track"`
}

// spotifyPaginatedTracks represents a paginated response of saved tracks.
type spotifyPaginatedTracks struct {
	Items  []spotifySavedTrack `json:"items"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
	Next   *string             `json:"next"`
}

type spotifyPlaylistTracksRef struct {
	Total int `json:"total"`
}

// spotifySimplePlaylist represents a simplified playlist object (used in lists).
type spotifySimplePlaylist struct {
	ID         string                   `json:"id"`
	Name       string                   `json:"name"`
	SnapshotID string                   `json:"snapshot_id"`
	Tracks     spotifyPlaylistTracksRef `json:"tracks"`
}

// spotifyPaginatedPlaylists represents a paginated response of playlists.
type spotifyPaginatedPlaylists struct {
	Items  []spotifySimplePlaylist `json:"items"`
	Total  int                     `json:"total"`
	Offset int                     `json:"offset"`
	Next   *string                 `json:"next"`
}

// spotifyPlaylistItems represents a page of a playlist's member tracks.
type spotifyPlaylistItems struct {
	Items []spotifySavedTrack `json:"items"`
	Total int                 `json:"total"`
	Next  *string             `json:"next"`
}

// SpotifyProvider implements [Provider] against the Spotify Web API.
//
// Incremental library syncs combine the aggregate-count short circuit with an
// added_at high-water-mark early exit; playlists use snapshot_id version
// markers for change detection.
type SpotifyProvider struct {
	config  Config
	oauth   *oauth2.Config
	store   *auth.Store
	flow    authFlow
	api     *apiClient
	logger  *log.Logger
	baseURL string
}

var _ Provider = (*SpotifyProvider)(nil)

// NewSpotifyProvider creates a Spotify client from caller-supplied
// credentials.
func NewSpotifyProvider(config Config, store *auth.Store, logger *log.Logger) *SpotifyProvider {
	oauthConfig := &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		RedirectURL:  config.RedirectURI,
		Scopes:       spotifyScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  spotifyAuthURL,
			TokenURL: spotifyTokenURL,
		},
	}

	return &SpotifyProvider{
		config:  config,
		oauth:   oauthConfig,
		store:   store,
		flow:    auth.NewFlow(string(Spotify), oauthConfig, store, listenAddr(config.RedirectURI), logger),
		api:     newAPIClient(0),
		logger:  logger,
		baseURL: spotifyBaseURL,
	}
}

func (p *SpotifyProvider) Name() Name { return Spotify }

// Init hydrates the provider state from the token store and the persisted
// sync cursor.
func (p *SpotifyProvider) Init(ctx context.Context, cursor []byte) (State, error) {
	cache := SpotifyCache{}
	var lastSync *time.Time
	if len(cursor) > 0 {
		var err error
		if lastSync, err = decodeCursor(cursor, &cache); err != nil {
			return State{}, err
		}
	}

	token, err := p.store.Load(ctx, string(Spotify))
	if err != nil {
		return State{}, err
	}
	cache.Token = token

	return State{
		Provider:      Spotify,
		Authenticated: token != nil,
		LastSync:      lastSync,
		Cache:         cache,
	}, nil
}

// Authenticate runs the PKCE flow when no usable token is held.
func (p *SpotifyProvider) Authenticate(ctx context.Context, state State) (State, bool) {
	cache := p.cache(state)
	if cache.Token != nil && !p.store.IsExpired(cache.Token) {
		return state.WithAuthenticated(true), true
	}

	token, err := p.flow.Run(ctx)
	if err != nil {
		p.logger.Errorf("spotify authentication failed: %v", err)
		return state.WithAuthenticated(false), false
	}

	cache.Token = token
	return state.WithCache(cache).WithAuthenticated(true), true
}

// SyncLibrary fetches the user's saved tracks.
//
// Page one's reported total is compared against the persisted count first;
// when unchanged, all further pagination is skipped. Otherwise pages are
// walked newest-first, stopping at the first item at or before the persisted
// added_at high-water-mark.
func (p *SpotifyProvider) SyncLibrary(ctx context.Context, state State, opts SyncOptions) (State, []models.Track, error) {
	state, token, ok := p.ensure(ctx, state)
	if !ok {
		return state, nil, nil
	}
	cache := p.cache(state)

	countCheck := planner.CountCheck{LastCount: cache.LastLikedCount, Full: opts.Full}
	highWater := planner.HighWater{Since: cache.LastAddedAt, Full: opts.Full}
	if opts.Full {
		highWater.Since = nil
	}
	// The stop mark stays pinned to the persisted cursor for the whole walk;
	// the new maximum is tracked separately and written back at the end.
	newest := highWater

	var tracks []models.Track
	offset := 0
	for {
		var page spotifyPaginatedTracks
		endpoint := fmt.Sprintf("%s/me/tracks?limit=%d&offset=%d", p.baseURL, spotifyPageLimit, offset)
		if err := p.api.getJSON(ctx, token, endpoint, &page); err != nil {
			return demoteOnAuthError(state, err), nil, err
		}

		opts.report(page.Total)

		if offset == 0 && countCheck.Skip(page.Total) {
			p.logger.Debugf("spotify library unchanged at %d tracks, skipping fetch", page.Total)
			return state, nil, nil
		}

		stopped := false
		for _, item := range page.Items {
			if item.Track.ID == "" {
				// Removed or local-only entries come back without an id.
				continue
			}
			addedAt, err := time.Parse(time.RFC3339, item.AddedAt)
			if err == nil && highWater.Stop(addedAt) {
				stopped = true
				break
			}
			track := normalizeSpotifyTrack(item.Track)
			if err == nil {
				track.AddedAt = &addedAt
				newest.Since = newest.Advance(addedAt)
			}
			tracks = append(tracks, track)
		}

		cache.LastLikedCount = page.Total
		if stopped || page.Next == nil {
			break
		}
		offset += spotifyPageLimit
	}

	cache.LastAddedAt = newest.Since
	return state.WithCache(cache), tracks, nil
}

// Playlists lists the user's playlists with snapshot_id version markers.
func (p *SpotifyProvider) Playlists(ctx context.Context, state State, full bool) (State, []models.Playlist, error) {
	state, token, ok := p.ensure(ctx, state)
	if !ok {
		return state, nil, nil
	}

	var playlists []models.Playlist
	offset := 0
	for {
		var page spotifyPaginatedPlaylists
		endpoint := fmt.Sprintf("%s/me/playlists?limit=%d&offset=%d", p.baseURL, spotifyPageLimit, offset)
		if err := p.api.getJSON(ctx, token, endpoint, &page); err != nil {
			return demoteOnAuthError(state, err), nil, err
		}

		for _, item := range page.Items {
			playlists = append(playlists, models.Playlist{
				RemoteID:   item.ID,
				Name:       item.Name,
				TrackCount: item.Tracks.Total,
				Version:    item.SnapshotID,
			})
		}

		if page.Next == nil {
			break
		}
		offset += spotifyPageLimit
	}

	return state, playlists, nil
}

// PlaylistTracks fetches a playlist's ordered member tracks. Spotify does
// not expose a playlist creation time.
func (p *SpotifyProvider) PlaylistTracks(ctx context.Context, state State, playlistID string) (State, []models.Track, *time.Time, error) {
	state, token, ok := p.ensure(ctx, state)
	if !ok {
		return state, nil, nil, nil
	}

	var tracks []models.Track
	offset := 0
	for {
		var page spotifyPlaylistItems
		endpoint := fmt.Sprintf("%s/playlists/%s/tracks?limit=%d&offset=%d", p.baseURL, playlistID, spotifyPageLimit, offset)
		if err := p.api.getJSON(ctx, token, endpoint, &page); err != nil {
			return demoteOnAuthError(state, err), nil, nil, err
		}

		for _, item := range page.Items {
			if item.Track.ID == "" {
				// Removed or local-only entries come back without an id.
				continue
			}
			tracks = append(tracks, normalizeSpotifyTrack(item.Track))
		}

		if page.Next == nil {
			break
		}
		offset += spotifyPageLimit
	}

	return state, tracks, nil, nil
}

// ResolveStream returns the spotify: URI for a track; playback is delegated
// to an external client.
func (p *SpotifyProvider) ResolveStream(ctx context.Context, state State, providerID string) (string, error) {
	return "spotify:track:" + providerID, nil
}

// Search finds tracks matching a free-text query.
func (p *SpotifyProvider) Search(ctx context.Context, state State, query string) (State, []models.Track, error) {
	state, token, ok := p.ensure(ctx, state)
	if !ok {
		return state, nil, nil
	}

	var response struct {
		Tracks struct {
			Items []spotifyTrack `json:"items"`
		} `json:"tracks"`
	}
	endpoint := fmt.Sprintf("%s/search?type=track&limit=%d&q=%s", p.baseURL, spotifyPageLimit, url.QueryEscape(query))
	if err := p.api.getJSON(ctx, token, endpoint, &response); err != nil {
		return demoteOnAuthError(state, err), nil, err
	}

	tracks := make([]models.Track, 0, len(response.Tracks.Items))
	for _, item := range response.Tracks.Items {
		tracks = append(tracks, normalizeSpotifyTrack(item))
	}
	return state, tracks, nil
}

// ensure refreshes an expired token before a network call. On refresh
// failure the unauthenticated state is returned with ok=false so batch
// operations stop cleanly.
func (p *SpotifyProvider) ensure(ctx context.Context, state State) (State, *auth.Token, bool) {
	cache := p.cache(state)
	token, err := ensureValidToken(ctx, p.store, string(Spotify), p.oauth, cache.Token)
	if err != nil {
		p.logger.Warnf("spotify token unusable, re-authentication required: %v", err)
		return state.WithAuthenticated(false), nil, false
	}
	if token != cache.Token {
		cache.Token = token
		state = state.WithCache(cache)
	}
	return state, token, true
}

func (p *SpotifyProvider) cache(state State) SpotifyCache {
	if c, ok := state.Cache.(SpotifyCache); ok {
		return c
	}
	return SpotifyCache{}
}

// normalizeSpotifyTrack converts a Spotify track into the canonical model.
func normalizeSpotifyTrack(t spotifyTrack) models.Track {
	track := models.Track{
		ProviderID: t.ID,
		Title:      t.Name,
		Album:      t.Album.Name,
		Duration:   float64(t.DurationMS) / 1000,
	}
	if len(t.Artists) > 0 {
		track.Artist = t.Artists[0].Name
	}
	if year := releaseYear(t.Album.ReleaseDate); year > 0 {
		track.Year = year
	}
	return track
}

// releaseYear extracts the year from a release date that may be YYYY,
// YYYY-MM, or YYYY-MM-DD.
func releaseYear(date string) int {
	if len(date) < 4 {
		return 0
	}
	year, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0
	}
	return year
}

// listenAddr derives the callback listener address from a redirect URI.
func listenAddr(redirectURI string) string {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Host == "" {
		return "127.0.0.1:8880"
	}
	host := u.Host
	if !strings.Contains(host, ":") {
		host += ":80"
	}
	return host
}
