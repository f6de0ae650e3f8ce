// package tasks implements the sync orchestrator: the state machine that
// drives a provider client through authenticate → plan → fetch → normalize →
// persist → checkpoint on a background worker.
//
// Each invocation emits progress events to a caller-supplied sink, isolates
// per-playlist failures, and advances the persisted sync cursor only after
// the corresponding data has been durably persisted.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/libsync/internal/gateway"
	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/planner"
	"github.com/desertthunder/libsync/internal/providers"
	"github.com/desertthunder/libsync/internal/shared"
)

// defaultBatchSize is how many tracks are upserted per gateway transaction.
const defaultBatchSize = 100

// Options controls one sync invocation.
type Options struct {
	// Full bypasses every incremental optimization and forces a complete
	// refetch. The designed escape hatch for a corrupted or stale cursor.
	Full bool

	// Sink receives progress events. May be nil.
	Sink Sink

	// Cancel, when non-nil, is polled between pages and playlists.
	Cancel *Flag
}

// Result is the terminal outcome of an invocation, delivered on the channel
// returned by [Orchestrator.Run].
type Result struct {
	Provider  string
	Stats     Stats
	Cancelled bool
	Err       error
}

// Orchestrator runs sync invocations against the persistence gateway.
type Orchestrator struct {
	gateway   gateway.Gateway
	board     *StatusBoard
	logger    *log.Logger
	batchSize int
}

// NewOrchestrator creates an orchestrator. The logger is injected so callers
// choose a visible or silent run; nil means silent.
func NewOrchestrator(gw gateway.Gateway, board *StatusBoard, logger *log.Logger) *Orchestrator {
	if board == nil {
		board = NewStatusBoard()
	}
	if logger == nil {
		logger = shared.SilentLogger()
	}
	return &Orchestrator{gateway: gw, board: board, logger: logger, batchSize: defaultBatchSize}
}

// Board returns the shared status board for polling.
func (o *Orchestrator) Board() *StatusBoard {
	return o.board
}

// Run starts a sync for the provider on a background worker and returns a
// channel that delivers exactly one terminal [Result].
//
// Returns [shared.ErrSyncInFlight] immediately when a sync for the provider
// is already running.
func (o *Orchestrator) Run(ctx context.Context, provider providers.Provider, opts Options) (<-chan Result, error) {
	name := string(provider.Name())
	if err := o.board.Begin(name); err != nil {
		return nil, err
	}

	results := make(chan Result, 1)
	go func() {
		results <- o.run(ctx, provider, opts)
	}()
	return results, nil
}

// run executes the full invocation synchronously. Exposed to tests through
// Run; every exit path produces a terminal event and a board record.
func (o *Orchestrator) run(ctx context.Context, provider providers.Provider, opts Options) Result {
	name := string(provider.Name())
	stats := Stats{}

	o.emit(opts.Sink, EventInit, map[string]any{"provider": name, "full": opts.Full})

	fail := func(err error) Result {
		o.logger.Errorf("sync %s failed: %v", name, err)
		o.board.Fail(name, err.Error())
		o.emit(opts.Sink, EventError, map[string]any{"provider": name, "message": err.Error()})
		return Result{Provider: name, Stats: stats, Err: err}
	}

	// Authenticating
	o.board.Update(name, Authenticating)
	stored, err := o.gateway.LoadProviderState(ctx, name)
	if err != nil {
		return fail(err)
	}
	var cursor []byte
	if stored != nil {
		cursor = stored.ConfigData
	}
	if opts.Full {
		// A full resync re-derives the cursor from scratch.
		cursor = nil
	}

	state, err := provider.Init(ctx, cursor)
	if err != nil {
		return fail(err)
	}
	if !state.Authenticated {
		state, _ = provider.Authenticate(ctx, state)
		if !state.Authenticated {
			return fail(fmt.Errorf("%w: %s", shared.ErrAuthFailed, name))
		}
	}

	// Planning
	o.board.Update(name, Planning)
	known, err := o.gateway.ExistingProviderIDs(ctx, name)
	if err != nil {
		return fail(err)
	}

	// Fetching: a library fetch failure aborts the whole invocation.
	o.board.Update(name, Fetching)
	preFetch := state
	state, tracks, err := provider.SyncLibrary(ctx, state, providers.SyncOptions{
		Full:     opts.Full,
		KnownIDs: planner.KnownIDs(known),
		Progress: func(count int) {
			o.emit(opts.Sink, EventFetching, map[string]any{"provider": name, "count": count})
		},
	})
	if err != nil {
		return fail(err)
	}
	if !state.Authenticated {
		return fail(fmt.Errorf("%w: please re-authenticate with %s", shared.ErrNotAuthenticated, name))
	}

	// Importing
	o.board.Update(name, Importing)
	o.emit(opts.Sink, EventImporting, map[string]any{"provider": name, "count": len(tracks)})
	cancelled := false
	for start := 0; start < len(tracks); start += o.batchSize {
		if opts.Cancel.Cancelled() {
			// The fetch already advanced the in-memory cursor past what has
			// been persisted; checkpoint the pre-fetch cursor instead so the
			// unimported remainder is refetched next run.
			cancelled = true
			state = preFetch
			break
		}
		end := min(start+o.batchSize, len(tracks))
		batch, err := o.gateway.BatchUpsertTracks(ctx, name, tracks[start:end])
		if err != nil {
			return fail(err)
		}
		stats.Created += batch.Created
		stats.Skipped += batch.Skipped
	}
	// Already-imported tracks the incremental strategies never refetched
	// still count as skipped in the run summary.
	stats.Skipped += len(known) - countKnown(tracks, known)

	if !cancelled {
		state, cancelled = o.syncPlaylists(ctx, provider, state, opts, &stats)
	}

	// Checkpointing happens even on zero-change runs so count and timestamp
	// bookkeeping keeps future incremental syncs cheap.
	o.board.Update(name, Checkpointing)
	state = state.WithLastSync(time.Now())
	cursorData, err := state.EncodeCursor()
	if err != nil {
		return fail(err)
	}
	if err := o.gateway.SaveProviderState(ctx, name, nil, cursorData); err != nil {
		return fail(err)
	}

	o.board.Update(name, Complete)
	data := stats.eventData()
	data["provider"] = name
	if cancelled {
		data["cancelled"] = true
	}
	o.emit(opts.Sink, EventComplete, data)
	o.logger.Infof("sync %s complete: %d created, %d skipped, %d playlist failures",
		name, stats.Created, stats.Skipped, len(stats.Failures))

	return Result{Provider: name, Stats: stats, Cancelled: cancelled}
}

// countKnown returns how many fetched tracks were already imported; those
// were counted as skipped by the batch upsert itself.
func countKnown(tracks []models.Track, known map[string]struct{}) int {
	count := 0
	for _, track := range tracks {
		if _, ok := known[track.ProviderID]; ok {
			count++
		}
	}
	return count
}

// syncPlaylists fetches and persists playlists, isolating per-playlist
// failures. Returns the advanced state and whether cancellation was
// observed.
func (o *Orchestrator) syncPlaylists(ctx context.Context, provider providers.Provider, state providers.State, opts Options, stats *Stats) (providers.State, bool) {
	name := string(provider.Name())

	state, playlists, err := provider.Playlists(ctx, state, opts.Full)
	if err != nil {
		// Listing playlists failed for every playlist at once; record one
		// failure and keep the library results.
		stats.Failures = append(stats.Failures, UnitFailure{Playlist: "*", Error: err.Error()})
		return state, false
	}

	var versions map[string]string
	if state.Cache != nil {
		versions = state.Cache.PlaylistVersions()
	}
	diff := planner.SnapshotDiff{Versions: versions, Full: opts.Full}

	for index, playlist := range playlists {
		if opts.Cancel.Cancelled() {
			return state, true
		}
		if !state.Authenticated {
			// Token became unusable mid-batch; stop cleanly.
			return state, false
		}
		if !diff.Changed(playlist.RemoteID, playlist.Version) {
			stats.PlaylistsSkipped++
			continue
		}

		o.emit(opts.Sink, EventPlaylistStart, map[string]any{
			"provider": name,
			"index":    index,
			"name":     playlist.Name,
		})

		var tracks []models.Track
		var createdAt *time.Time
		state, tracks, createdAt, err = provider.PlaylistTracks(ctx, state, playlist.RemoteID)
		if err != nil {
			o.logger.Warnf("playlist %q failed: %v", playlist.Name, err)
			stats.Failures = append(stats.Failures, UnitFailure{Playlist: playlist.Name, Error: err.Error()})
			continue
		}
		if !state.Authenticated {
			// The token died mid-fetch and the empty result is the clean-stop
			// contract, not the playlist's contents. Persisting it would wipe
			// the stored membership and advance the version marker.
			stats.Failures = append(stats.Failures, UnitFailure{Playlist: playlist.Name, Error: shared.ErrNotAuthenticated.Error()})
			return state, false
		}

		batch, err := o.gateway.BatchUpsertTracks(ctx, name, tracks)
		if err != nil {
			stats.Failures = append(stats.Failures, UnitFailure{Playlist: playlist.Name, Error: err.Error()})
			continue
		}
		stats.Created += batch.Created
		stats.Skipped += batch.Skipped

		playlist.Tracks = tracks
		if playlist.CreatedAt == nil {
			playlist.CreatedAt = createdAt
		}
		created, err := o.gateway.UpsertPlaylist(ctx, name, playlist)
		if err != nil {
			stats.Failures = append(stats.Failures, UnitFailure{Playlist: playlist.Name, Error: err.Error()})
			continue
		}
		if created {
			stats.PlaylistsCreated++
		} else {
			stats.PlaylistsUpdated++
		}

		// The version marker advances only after the playlist and its
		// members are durably persisted.
		state = state.WithPlaylistVersion(playlist.RemoteID, playlist.Version)

		o.emit(opts.Sink, EventPlaylistComplete, map[string]any{
			"provider": name,
			"index":    index,
			"name":     playlist.Name,
			"tracks":   len(tracks),
			"created":  created,
		})
	}
	return state, false
}

// emit delivers an event to the sink, tolerating a panicking sink.
func (o *Orchestrator) emit(sink Sink, event string, data map[string]any) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warnf("progress sink panicked on %s: %v", event, r)
		}
	}()
	sink(event, data)
}
