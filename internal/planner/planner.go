// package planner contains the per-provider incremental sync strategies.
//
// Each strategy is a small pure value constructed from the last persisted
// cursor; provider clients consult it while paginating to decide whether to
// fetch at all and when to stop. A caller-supplied full flag bypasses every
// strategy unconditionally.
package planner

import "time"

// CountCheck short-circuits a fetch when the provider's reported aggregate
// total matches the last persisted count.
//
// Safe only where the total is a monotonic proof of no change (a provider's
// "total liked items" count); this is where the bulk of the call reduction
// comes from.
type CountCheck struct {
	LastCount int
	Full      bool
}

// Skip reports whether pagination past the first page can be skipped given
// the total reported by that first page.
func (c CountCheck) Skip(total int) bool {
	return !c.Full && c.LastCount > 0 && total == c.LastCount
}

// HighWater stops a newest-first pagination as soon as an item older than the
// persisted high-water-mark timestamp is seen. Every item visited before that
// point is new.
type HighWater struct {
	Since *time.Time
	Full  bool
}

// Stop reports whether pagination should stop at an item with the given
// timestamp.
func (h HighWater) Stop(ts time.Time) bool {
	return !h.Full && h.Since != nil && !ts.After(*h.Since)
}

// Advance returns the later of the current mark and ts.
func (h HighWater) Advance(ts time.Time) *time.Time {
	if h.Since == nil || ts.After(*h.Since) {
		t := ts
		return &t
	}
	return h.Since
}

// KnownIDs is the existing-id exclusion strategy: the full set of provider
// ids already imported, preloaded from the persistence gateway before the
// fetch begins. Used where the API exposes no ordering or timestamp signal.
type KnownIDs map[string]struct{}

// Contains reports whether the id has already been imported.
func (k KnownIDs) Contains(id string) bool {
	_, ok := k[id]
	return ok
}

// Exhausted reports whether a page contained only already-known ids, meaning
// the fetch has caught up with previously imported items.
func (k KnownIDs) Exhausted(ids []string) bool {
	if len(ids) == 0 || len(k) == 0 {
		return false
	}
	for _, id := range ids {
		if !k.Contains(id) {
			return false
		}
	}
	return true
}

// SnapshotDiff is the version-marker strategy for playlists: a map from
// remote playlist id to the last persisted opaque version token.
type SnapshotDiff struct {
	Versions map[string]string
	Full     bool
}

// Changed reports whether a playlist's member tracks need refetching.
// Unchanged playlists contribute zero additional network calls.
func (s SnapshotDiff) Changed(playlistID, version string) bool {
	if s.Full {
		return true
	}
	last, ok := s.Versions[playlistID]
	if !ok {
		return true
	}
	return version == "" || version != last
}
