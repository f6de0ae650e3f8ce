// SoundCloud implementation of [Provider]
//
// API response types based on https://developers.soundcloud.com/docs/api/explorer/
package providers

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/libsync/internal/auth"
	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/planner"
	"golang.org/x/oauth2"
)

const (
	soundcloudAuthURL  = "https://secure.soundcloud.com/authorize"
	soundcloudTokenURL = "https://secure.soundcloud.com/oauth/token"
	soundcloudBaseURL  = "https://api.soundcloud.com"

	soundcloudPageLimit = 50

	// soundcloudTimeLayout is the timestamp format the API uses for
	// created_at and last_modified fields.
	soundcloudTimeLayout = "2006/01/02 15:04:05 -0700"
)

// soundcloudUser represents a SoundCloud user.
type soundcloudUser struct {
	ID                   int64  `json:"id"`
	Username             string `json:"username"`
	PublicFavoritesCount int    `json:"public_favorites_count"`
}

type soundcloudPublisherMetadata struct {
	Artist string `json:"artist"`
}

// soundcloudTrack represents a SoundCloud track.
type soundcloudTrack struct {
	ID                int64                       `json:"id"`
	Title             string                      `json:"title"`
	Genre             string                      `json:"genre"`
	DurationMS        int                         `json:"duration"`
	BPM               float64                     `json:"bpm"`
	ReleaseYear       int                         `json:"release_year"`
	User              soundcloudUser              `json:"user"`
	PublisherMetadata soundcloudPublisherMetadata `json:"publisher_metadata"`
}

// soundcloudPlaylist represents a SoundCloud playlist (a "set").
type soundcloudPlaylist struct {
	ID           int64             `json:"id"`
	Title        string            `json:"title"`
	TrackCount   int               `json:"track_count"`
	LastModified string            `json:"last_modified"`
	CreatedAt    string            `json:"created_at"`
	Tracks       []soundcloudTrack `json:"tracks"`
}

// soundcloudStreams represents a track's stream locations.
type soundcloudStreams struct {
	HTTPMP3URL string `json:"http_mp3_128_url"`
	HLSMP3URL  string `json:"hls_mp3_128_url"`
}

// SoundCloudProvider implements [Provider] against the SoundCloud API.
//
// The likes endpoint exposes neither a reliable ordering nor per-item
// timestamps, so incremental library syncs pair the profile's favorites
// count with existing-id exclusion: fetching stops once a whole page
// contains only already-imported ids. Playlists use last_modified version
// markers.
type SoundCloudProvider struct {
	config  Config
	oauth   *oauth2.Config
	store   *auth.Store
	flow    authFlow
	api     *apiClient
	logger  *log.Logger
	baseURL string
}

var _ Provider = (*SoundCloudProvider)(nil)

// NewSoundCloudProvider creates a SoundCloud client from caller-supplied
// credentials.
func NewSoundCloudProvider(config Config, store *auth.Store, logger *log.Logger) *SoundCloudProvider {
	oauthConfig := &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		RedirectURL:  config.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  soundcloudAuthURL,
			TokenURL: soundcloudTokenURL,
		},
	}

	return &SoundCloudProvider{
		config:  config,
		oauth:   oauthConfig,
		store:   store,
		flow:    auth.NewFlow(string(SoundCloud), oauthConfig, store, listenAddr(config.RedirectURI), logger),
		api:     newAPIClient(0),
		logger:  logger,
		baseURL: soundcloudBaseURL,
	}
}

func (p *SoundCloudProvider) Name() Name { return SoundCloud }

// Init hydrates the provider state from the token store and the persisted
// sync cursor.
func (p *SoundCloudProvider) Init(ctx context.Context, cursor []byte) (State, error) {
	cache := SoundCloudCache{}
	var lastSync *time.Time
	if len(cursor) > 0 {
		var err error
		if lastSync, err = decodeCursor(cursor, &cache); err != nil {
			return State{}, err
		}
	}

	token, err := p.store.Load(ctx, string(SoundCloud))
	if err != nil {
		return State{}, err
	}
	cache.Token = token

	return State{
		Provider:      SoundCloud,
		Authenticated: token != nil,
		LastSync:      lastSync,
		Cache:         cache,
	}, nil
}

// Authenticate runs the PKCE flow when no usable token is held.
func (p *SoundCloudProvider) Authenticate(ctx context.Context, state State) (State, bool) {
	cache := p.cache(state)
	if cache.Token != nil && !p.store.IsExpired(cache.Token) {
		return state.WithAuthenticated(true), true
	}

	token, err := p.flow.Run(ctx)
	if err != nil {
		p.logger.Errorf("soundcloud authentication failed: %v", err)
		return state.WithAuthenticated(false), false
	}

	cache.Token = token
	return state.WithCache(cache).WithAuthenticated(true), true
}

// SyncLibrary fetches the user's liked tracks.
//
// The profile's favorites count is checked first; when unchanged, no like
// pages are fetched at all. Otherwise pages are walked and already-imported
// ids filtered out, stopping once an entire page is known.
func (p *SoundCloudProvider) SyncLibrary(ctx context.Context, state State, opts SyncOptions) (State, []models.Track, error) {
	state, token, ok := p.ensure(ctx, state)
	if !ok {
		return state, nil, nil
	}
	cache := p.cache(state)

	var me soundcloudUser
	if err := p.api.getJSON(ctx, token, p.baseURL+"/me", &me); err != nil {
		return demoteOnAuthError(state, err), nil, err
	}

	opts.report(me.PublicFavoritesCount)

	countCheck := planner.CountCheck{LastCount: cache.LastFavoriteCount, Full: opts.Full}
	if countCheck.Skip(me.PublicFavoritesCount) {
		p.logger.Debugf("soundcloud favorites unchanged at %d, skipping fetch", me.PublicFavoritesCount)
		return state, nil, nil
	}

	var tracks []models.Track
	offset := 0
	for {
		var page []soundcloudTrack
		endpoint := fmt.Sprintf("%s/me/likes/tracks?limit=%d&offset=%d", p.baseURL, soundcloudPageLimit, offset)
		if err := p.api.getJSON(ctx, token, endpoint, &page); err != nil {
			return demoteOnAuthError(state, err), nil, err
		}
		if len(page) == 0 {
			break
		}

		pageIDs := make([]string, 0, len(page))
		for _, item := range page {
			id := fmt.Sprintf("%d", item.ID)
			pageIDs = append(pageIDs, id)
			if !opts.Full && opts.KnownIDs.Contains(id) {
				continue
			}
			tracks = append(tracks, normalizeSoundCloudTrack(item))
		}

		if !opts.Full && opts.KnownIDs.Exhausted(pageIDs) {
			break
		}
		if len(page) < soundcloudPageLimit {
			break
		}
		offset += soundcloudPageLimit
	}

	cache.LastFavoriteCount = me.PublicFavoritesCount
	return state.WithCache(cache), tracks, nil
}

// Playlists lists the user's playlists with last_modified version markers.
func (p *SoundCloudProvider) Playlists(ctx context.Context, state State, full bool) (State, []models.Playlist, error) {
	state, token, ok := p.ensure(ctx, state)
	if !ok {
		return state, nil, nil
	}

	var playlists []models.Playlist
	offset := 0
	for {
		var sets []soundcloudPlaylist
		endpoint := fmt.Sprintf("%s/me/playlists?limit=%d&offset=%d", p.baseURL, soundcloudPageLimit, offset)
		if err := p.api.getJSON(ctx, token, endpoint, &sets); err != nil {
			return demoteOnAuthError(state, err), nil, err
		}

		for _, set := range sets {
			playlist := models.Playlist{
				RemoteID:   fmt.Sprintf("%d", set.ID),
				Name:       set.Title,
				TrackCount: set.TrackCount,
				Version:    set.LastModified,
			}
			if createdAt, err := time.Parse(soundcloudTimeLayout, set.CreatedAt); err == nil {
				playlist.CreatedAt = &createdAt
			}
			playlists = append(playlists, playlist)
		}

		if len(sets) < soundcloudPageLimit {
			break
		}
		offset += soundcloudPageLimit
	}
	return state, playlists, nil
}

// PlaylistTracks fetches a playlist's ordered member tracks and its creation
// time.
func (p *SoundCloudProvider) PlaylistTracks(ctx context.Context, state State, playlistID string) (State, []models.Track, *time.Time, error) {
	state, token, ok := p.ensure(ctx, state)
	if !ok {
		return state, nil, nil, nil
	}

	var set soundcloudPlaylist
	endpoint := fmt.Sprintf("%s/playlists/%s", p.baseURL, playlistID)
	if err := p.api.getJSON(ctx, token, endpoint, &set); err != nil {
		return demoteOnAuthError(state, err), nil, nil, err
	}

	tracks := make([]models.Track, 0, len(set.Tracks))
	for _, item := range set.Tracks {
		tracks = append(tracks, normalizeSoundCloudTrack(item))
	}

	var createdAt *time.Time
	if ts, err := time.Parse(soundcloudTimeLayout, set.CreatedAt); err == nil {
		createdAt = &ts
	}
	return state, tracks, createdAt, nil
}

// ResolveStream returns a signed stream URL for a track.
func (p *SoundCloudProvider) ResolveStream(ctx context.Context, state State, providerID string) (string, error) {
	_, token, ok := p.ensure(ctx, state)
	if !ok {
		return "", fmt.Errorf("soundcloud stream for %s: not authenticated", providerID)
	}

	var streams soundcloudStreams
	endpoint := fmt.Sprintf("%s/tracks/%s/streams", p.baseURL, providerID)
	if err := p.api.getJSON(ctx, token, endpoint, &streams); err != nil {
		return "", err
	}
	if streams.HTTPMP3URL != "" {
		return streams.HTTPMP3URL, nil
	}
	if streams.HLSMP3URL != "" {
		return streams.HLSMP3URL, nil
	}
	return "", fmt.Errorf("no stream location for track %s", providerID)
}

// Search finds tracks matching a free-text query.
func (p *SoundCloudProvider) Search(ctx context.Context, state State, query string) (State, []models.Track, error) {
	state, token, ok := p.ensure(ctx, state)
	if !ok {
		return state, nil, nil
	}

	var results []soundcloudTrack
	endpoint := fmt.Sprintf("%s/tracks?q=%s&limit=%d", p.baseURL, url.QueryEscape(query), soundcloudPageLimit)
	if err := p.api.getJSON(ctx, token, endpoint, &results); err != nil {
		return demoteOnAuthError(state, err), nil, err
	}

	tracks := make([]models.Track, 0, len(results))
	for _, item := range results {
		tracks = append(tracks, normalizeSoundCloudTrack(item))
	}
	return state, tracks, nil
}

// ensure refreshes an expired token before a network call. On refresh
// failure the unauthenticated state is returned with ok=false so batch
// operations stop cleanly.
func (p *SoundCloudProvider) ensure(ctx context.Context, state State) (State, *auth.Token, bool) {
	cache := p.cache(state)
	token, err := ensureValidToken(ctx, p.store, string(SoundCloud), p.oauth, cache.Token)
	if err != nil {
		p.logger.Warnf("soundcloud token unusable, re-authentication required: %v", err)
		return state.WithAuthenticated(false), nil, false
	}
	if token != cache.Token {
		cache.Token = token
		state = state.WithCache(cache)
	}
	return state, token, true
}

func (p *SoundCloudProvider) cache(state State) SoundCloudCache {
	if c, ok := state.Cache.(SoundCloudCache); ok {
		return c
	}
	return SoundCloudCache{}
}

// normalizeSoundCloudTrack converts a SoundCloud track into the canonical
// model. The uploader's username stands in for the artist when no publisher
// metadata names one.
func normalizeSoundCloudTrack(t soundcloudTrack) models.Track {
	artist := t.PublisherMetadata.Artist
	if artist == "" {
		artist = t.User.Username
	}
	return models.Track{
		ProviderID: fmt.Sprintf("%d", t.ID),
		Title:      t.Title,
		Artist:     artist,
		Genre:      t.Genre,
		Year:       t.ReleaseYear,
		Duration:   float64(t.DurationMS) / 1000,
		BPM:        t.BPM,
	}
}
