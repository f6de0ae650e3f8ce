// Local filesystem implementation of [Provider]
//
// Tracks are audio files under a configured library root, identified by
// their root-relative path. ID3 tags populate the canonical metadata for
// .mp3 files; other formats fall back to filename parsing. Plain .m3u files
// are exposed as playlists, with the file's mtime as version marker.
package providers

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bogem/id3v2/v2"
	"github.com/charmbracelet/log"
	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/shared"
)

var audioExtensions = map[string]bool{
	".mp3":  true,
	".m4a":  true,
	".flac": true,
	".ogg":  true,
	".wav":  true,
	".aiff": true,
}

// LocalProvider implements [Provider] over a directory tree. Authentication
// is a no-op; incremental syncs skip files whose mtime predates the last
// scan.
type LocalProvider struct {
	config Config
	logger *log.Logger
	now    func() time.Time
}

var _ Provider = (*LocalProvider)(nil)

// NewLocalProvider creates a local provider rooted at config.Root.
func NewLocalProvider(config Config, logger *log.Logger) *LocalProvider {
	return &LocalProvider{config: config, logger: logger, now: time.Now}
}

func (p *LocalProvider) Name() Name { return Local }

// Init constructs the initial state. The local provider needs no token; it
// is always authenticated.
func (p *LocalProvider) Init(ctx context.Context, cursor []byte) (State, error) {
	cache := LocalCache{}
	var lastSync *time.Time
	if len(cursor) > 0 {
		var err error
		if lastSync, err = decodeCursor(cursor, &cache); err != nil {
			return State{}, err
		}
	}
	return State{Provider: Local, Authenticated: true, LastSync: lastSync, Cache: cache}, nil
}

// Authenticate is a no-op returning success.
func (p *LocalProvider) Authenticate(ctx context.Context, state State) (State, bool) {
	return state.WithAuthenticated(true), true
}

// SyncLibrary walks the library root for audio files.
//
// Incremental scans skip files whose mtime is at or before the persisted
// scan high-water-mark; a full scan visits everything.
func (p *LocalProvider) SyncLibrary(ctx context.Context, state State, opts SyncOptions) (State, []models.Track, error) {
	cache := p.cache(state)
	if p.config.Root == "" {
		return state, nil, fmt.Errorf("%w: local provider root not configured", shared.ErrInvalidConfig)
	}

	scanStart := p.now()
	var tracks []models.Track
	err := filepath.WalkDir(p.config.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !audioExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !opts.Full && cache.LastScan != nil && !info.ModTime().After(*cache.LastScan) {
			return nil
		}

		rel, err := filepath.Rel(p.config.Root, path)
		if err != nil {
			return err
		}
		tracks = append(tracks, p.readTrack(path, rel))
		return nil
	})
	if err != nil {
		return state, nil, fmt.Errorf("library scan failed: %w", err)
	}

	opts.report(len(tracks))
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].ProviderID < tracks[j].ProviderID })

	cache.LastScan = &scanStart
	return state.WithCache(cache), tracks, nil
}

// Playlists lists .m3u files under the library root. The file's mtime serves
// as the version marker, so edits are detected without parsing.
func (p *LocalProvider) Playlists(ctx context.Context, state State, full bool) (State, []models.Playlist, error) {
	if p.config.Root == "" {
		return state, nil, fmt.Errorf("%w: local provider root not configured", shared.ErrInvalidConfig)
	}

	var playlists []models.Playlist
	err := filepath.WalkDir(p.config.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".m3u") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(p.config.Root, path)
		if err != nil {
			return err
		}

		entries, err := p.readM3U(path)
		if err != nil {
			p.logger.Warnf("skipping unreadable playlist %s: %v", rel, err)
			return nil
		}

		mtime := info.ModTime()
		playlists = append(playlists, models.Playlist{
			RemoteID:   rel,
			Name:       strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			TrackCount: len(entries),
			Version:    mtime.UTC().Format(time.RFC3339Nano),
			CreatedAt:  &mtime,
		})
		return nil
	})
	if err != nil {
		return state, nil, fmt.Errorf("playlist scan failed: %w", err)
	}

	sort.Slice(playlists, func(i, j int) bool { return playlists[i].RemoteID < playlists[j].RemoteID })
	return state, playlists, nil
}

// PlaylistTracks parses an .m3u file and resolves its entries to tracks,
// preserving entry order.
func (p *LocalProvider) PlaylistTracks(ctx context.Context, state State, playlistID string) (State, []models.Track, *time.Time, error) {
	path := filepath.Join(p.config.Root, playlistID)
	info, err := os.Stat(path)
	if err != nil {
		return state, nil, nil, fmt.Errorf("%w: %s", shared.ErrPlaylistNotFound, playlistID)
	}

	entries, err := p.readM3U(path)
	if err != nil {
		return state, nil, nil, err
	}

	var tracks []models.Track
	for _, entry := range entries {
		resolved := entry
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(filepath.Dir(path), entry)
		}
		rel, err := filepath.Rel(p.config.Root, resolved)
		if err != nil || strings.HasPrefix(rel, "..") {
			p.logger.Debugf("playlist %s references file outside library: %s", playlistID, entry)
			continue
		}
		if _, err := os.Stat(resolved); err != nil {
			p.logger.Debugf("playlist %s references missing file: %s", playlistID, entry)
			continue
		}
		tracks = append(tracks, p.readTrack(resolved, rel))
	}

	mtime := info.ModTime()
	return state, tracks, &mtime, nil
}

// ResolveStream returns the absolute file path for a track.
func (p *LocalProvider) ResolveStream(ctx context.Context, state State, providerID string) (string, error) {
	path := filepath.Join(p.config.Root, providerID)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", shared.ErrTrackNotFound, providerID)
	}
	return path, nil
}

// Search scans the library and matches the query against title and artist.
func (p *LocalProvider) Search(ctx context.Context, state State, query string) (State, []models.Track, error) {
	state, all, err := p.SyncLibrary(ctx, state, SyncOptions{Full: true})
	if err != nil {
		return state, nil, err
	}

	needle := strings.ToLower(query)
	var matches []models.Track
	for _, track := range all {
		if strings.Contains(strings.ToLower(track.Title), needle) ||
			strings.Contains(strings.ToLower(track.Artist), needle) {
			matches = append(matches, track)
		}
	}
	return state, matches, nil
}

func (p *LocalProvider) cache(state State) LocalCache {
	if c, ok := state.Cache.(LocalCache); ok {
		return c
	}
	return LocalCache{}
}

// readTrack builds a canonical track from a file, preferring ID3 tags and
// falling back to "Artist - Title" filename parsing.
func (p *LocalProvider) readTrack(path, rel string) models.Track {
	track := models.Track{ProviderID: filepath.ToSlash(rel)}

	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		if tag, err := id3v2.Open(path, id3v2.Options{Parse: true}); err == nil {
			track.Title = tag.Title()
			track.Artist = tag.Artist()
			track.Album = tag.Album()
			track.Genre = tag.Genre()
			if year, err := strconv.Atoi(tag.Year()); err == nil {
				track.Year = year
			}
			if bpm, err := strconv.ParseFloat(tag.GetTextFrame("TBPM").Text, 64); err == nil {
				track.BPM = bpm
			}
			track.Key = tag.GetTextFrame("TKEY").Text
			tag.Close()
		}
	}

	if track.Title == "" {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if artist, title, found := strings.Cut(name, " - "); found {
			if track.Artist == "" {
				track.Artist = strings.TrimSpace(artist)
			}
			track.Title = strings.TrimSpace(title)
		} else {
			track.Title = name
		}
	}
	return track
}

// readM3U returns the non-comment entries of an .m3u file in order.
func (p *LocalProvider) readM3U(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open playlist file: %w", err)
	}
	defer file.Close()

	var entries []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, filepath.FromSlash(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read playlist file: %w", err)
	}
	return entries, nil
}
