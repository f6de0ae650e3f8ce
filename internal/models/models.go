// package models defines the provider-agnostic track and playlist shapes
// that every provider response is normalized into before persistence.
package models

import (
	"fmt"
	"time"
)

// Track is the canonical representation of a single track.
//
// ProviderID is the identifier assigned by the originating provider and is
// required; a track without one cannot be persisted or deduplicated.
type Track struct {
	ProviderID  string     `json:"provider_id"`
	Title       string     `json:"title"`
	Artist      string     `json:"artist"`
	RemixArtist string     `json:"remix_artist,omitempty"`
	Album       string     `json:"album,omitempty"`
	Genre       string     `json:"genre,omitempty"`
	Year        int        `json:"year,omitempty"`
	Duration    float64    `json:"duration,omitempty"` // seconds
	BPM         float64    `json:"bpm,omitempty"`
	Key         string     `json:"key,omitempty"`
	AddedAt     *time.Time `json:"added_at,omitempty"`
}

// Validate checks the canonical track invariants.
func (t Track) Validate() error {
	if t.ProviderID == "" {
		return fmt.Errorf("track missing provider_id")
	}
	return nil
}

// Playlist is the canonical representation of a playlist.
//
// Tracks holds the ordered member tracks; order is meaningful and preserved
// through persistence. Version is an opaque provider marker that changes
// whenever the playlist is modified remotely.
type Playlist struct {
	RemoteID   string     `json:"remote_id"`
	Name       string     `json:"name"`
	TrackCount int        `json:"track_count"`
	Version    string     `json:"version,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	Tracks     []Track    `json:"tracks,omitempty"`
}

// Validate checks the canonical playlist invariants.
func (p Playlist) Validate() error {
	if p.RemoteID == "" {
		return fmt.Errorf("playlist missing remote id")
	}
	return nil
}

// TrackIDs returns the ordered provider ids of the playlist's member tracks.
func (p Playlist) TrackIDs() []string {
	ids := make([]string, 0, len(p.Tracks))
	for _, t := range p.Tracks {
		ids = append(ids, t.ProviderID)
	}
	return ids
}
