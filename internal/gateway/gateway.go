// package gateway provides the persistence boundary the sync engine writes
// through.
//
// The engine consumes the [Gateway] interface only; [SQLiteGateway] is the
// reference implementation backed by the application's SQLite database.
// Track and playlist writes are idempotent upserts keyed by provider id, so
// at-least-once delivery from the orchestrator is sufficient.
package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/shared"
)

// StoredState holds the two opaque blobs persisted per provider: auth_data
// (serialized token) and config_data (serialized sync cursor/cache).
type StoredState struct {
	AuthData   []byte
	ConfigData []byte
}

// UpsertStats summarizes a batch track upsert.
type UpsertStats struct {
	Created int
	Skipped int
}

// Gateway is the persistence surface consumed by the sync engine.
type Gateway interface {
	// LoadProviderState returns the stored state for a provider, or nil when
	// none has been persisted yet.
	LoadProviderState(ctx context.Context, provider string) (*StoredState, error)

	// SaveProviderState upserts the provider's stored state. A nil authData
	// or configData leaves the corresponding column untouched, so the token
	// store and the orchestrator can checkpoint independently.
	SaveProviderState(ctx context.Context, provider string, authData, configData []byte) error

	// BatchUpsertTracks persists a batch of canonical tracks. Existing rows
	// (matched on provider + provider_id) have their metadata refreshed and
	// count as skipped.
	BatchUpsertTracks(ctx context.Context, provider string, tracks []models.Track) (UpsertStats, error)

	// ExistingProviderIDs returns the set of provider ids already imported
	// for the given provider.
	ExistingProviderIDs(ctx context.Context, provider string) (map[string]struct{}, error)

	// UpsertPlaylist persists a playlist's metadata, version marker, and
	// ordered membership. Returns true when the playlist was newly created.
	UpsertPlaylist(ctx context.Context, provider string, playlist models.Playlist) (bool, error)
}

// SQLiteGateway implements [Gateway] on a SQLite database.
type SQLiteGateway struct {
	db *sql.DB
}

var _ Gateway = (*SQLiteGateway)(nil)

// NewSQLiteGateway creates a gateway over an open database connection.
// The schema is expected to be migrated already (see shared.RunMigrations).
func NewSQLiteGateway(db *sql.DB) *SQLiteGateway {
	return &SQLiteGateway{db: db}
}

// LoadProviderState returns the stored state row for a provider.
func (g *SQLiteGateway) LoadProviderState(ctx context.Context, provider string) (*StoredState, error) {
	var state StoredState
	err := g.db.QueryRowContext(ctx,
		"SELECT auth_data, config_data FROM provider_state WHERE provider = ?", provider,
	).Scan(&state.AuthData, &state.ConfigData)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load provider state: %w", err)
	}
	return &state, nil
}

// SaveProviderState upserts one or both state columns for a provider.
func (g *SQLiteGateway) SaveProviderState(ctx context.Context, provider string, authData, configData []byte) error {
	query := `
		INSERT INTO provider_state (provider, auth_data, config_data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (provider) DO UPDATE SET
			auth_data = COALESCE(excluded.auth_data, provider_state.auth_data),
			config_data = COALESCE(excluded.config_data, provider_state.config_data),
			updated_at = excluded.updated_at
	`
	if _, err := g.db.ExecContext(ctx, query, provider, authData, configData, time.Now()); err != nil {
		return fmt.Errorf("failed to save provider state: %w", err)
	}
	return nil
}

// BatchUpsertTracks persists canonical tracks inside one transaction.
func (g *SQLiteGateway) BatchUpsertTracks(ctx context.Context, provider string, tracks []models.Track) (UpsertStats, error) {
	var stats UpsertStats
	if len(tracks) == 0 {
		return stats, nil
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, track := range tracks {
		if err := track.Validate(); err != nil {
			return stats, fmt.Errorf("validation failed: %w", err)
		}

		var exists bool
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM tracks WHERE provider = ? AND provider_id = ?)",
			provider, track.ProviderID,
		).Scan(&exists)
		if err != nil {
			return stats, fmt.Errorf("failed to check track existence: %w", err)
		}

		if exists {
			_, err = tx.ExecContext(ctx, `
				UPDATE tracks
				SET title = ?, artist = ?, remix_artist = ?, album = ?, genre = ?,
					year = ?, duration = ?, bpm = ?, key_sig = ?, updated_at = ?
				WHERE provider = ? AND provider_id = ?`,
				track.Title, track.Artist, track.RemixArtist, track.Album, track.Genre,
				track.Year, track.Duration, track.BPM, track.Key, now,
				provider, track.ProviderID,
			)
			if err != nil {
				return stats, fmt.Errorf("failed to update track: %w", err)
			}
			stats.Skipped++
			continue
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO tracks (id, provider, provider_id, title, artist, remix_artist,
				album, genre, year, duration, bpm, key_sig, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			shared.GenerateID(), provider, track.ProviderID, track.Title, track.Artist,
			track.RemixArtist, track.Album, track.Genre, track.Year, track.Duration,
			track.BPM, track.Key, now, now,
		)
		if err != nil {
			return stats, fmt.Errorf("failed to insert track: %w", err)
		}
		stats.Created++
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("failed to commit track batch: %w", err)
	}
	return stats, nil
}

// ExistingProviderIDs loads the full provider-id set for a provider.
func (g *SQLiteGateway) ExistingProviderIDs(ctx context.Context, provider string) (map[string]struct{}, error) {
	rows, err := g.db.QueryContext(ctx, "SELECT provider_id FROM tracks WHERE provider = ?", provider)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan provider id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return ids, nil
}

// UpsertPlaylist persists playlist metadata and replaces its ordered membership.
func (g *SQLiteGateway) UpsertPlaylist(ctx context.Context, provider string, playlist models.Playlist) (bool, error) {
	if err := playlist.Validate(); err != nil {
		return false, fmt.Errorf("validation failed: %w", err)
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM playlists WHERE provider = ? AND remote_id = ?",
		provider, playlist.RemoteID,
	).Scan(&id)

	now := time.Now()
	created := false
	switch {
	case err == sql.ErrNoRows:
		id = shared.GenerateID()
		created = true
		_, err = tx.ExecContext(ctx, `
			INSERT INTO playlists (id, provider, remote_id, name, track_count, version,
				remote_created_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, provider, playlist.RemoteID, playlist.Name, playlist.TrackCount,
			playlist.Version, playlist.CreatedAt, now, now,
		)
		if err != nil {
			return false, fmt.Errorf("failed to insert playlist: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("failed to check playlist existence: %w", err)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE playlists
			SET name = ?, track_count = ?, version = ?, remote_created_at = ?, updated_at = ?
			WHERE id = ?`,
			playlist.Name, playlist.TrackCount, playlist.Version, playlist.CreatedAt, now, id,
		)
		if err != nil {
			return false, fmt.Errorf("failed to update playlist: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM playlist_tracks WHERE playlist_id = ?", id); err != nil {
		return false, fmt.Errorf("failed to clear playlist membership: %w", err)
	}
	for position, trackID := range playlist.TrackIDs() {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO playlist_tracks (playlist_id, position, provider_track_id) VALUES (?, ?, ?)",
			id, position, trackID,
		)
		if err != nil {
			return false, fmt.Errorf("failed to insert playlist member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit playlist upsert: %w", err)
	}
	return created, nil
}
