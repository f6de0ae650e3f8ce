package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/desertthunder/libsync/internal/gateway"
	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/providers"
	"github.com/desertthunder/libsync/internal/shared"
	"github.com/desertthunder/libsync/internal/testkit"
)

// fakeProvider is a canned catalog client for orchestrator tests.
type fakeProvider struct {
	name      providers.Name
	total     int
	library   []models.Track
	playlists []models.Playlist
	members   map[string][]models.Track
	memberErr map[string]error

	initAuthed   bool
	authOK       bool
	libErr       error
	playlistsErr error

	// syncedCache, when set, is the cache the library fetch advances to.
	syncedCache providers.Cache
	// dropAuthOn names a playlist whose member fetch loses authentication,
	// returning the unauthenticated clean-stop.
	dropAuthOn string

	mu         sync.Mutex
	initCursor []byte
	fullSeen   bool
}

var _ providers.Provider = (*fakeProvider)(nil)

func (f *fakeProvider) Name() providers.Name { return f.name }

func (f *fakeProvider) Init(ctx context.Context, cursor []byte) (providers.State, error) {
	f.mu.Lock()
	f.initCursor = cursor
	f.mu.Unlock()
	return providers.State{
		Provider:      f.name,
		Authenticated: f.initAuthed,
		Cache:         providers.SpotifyCache{},
	}, nil
}

func (f *fakeProvider) Authenticate(ctx context.Context, state providers.State) (providers.State, bool) {
	return state.WithAuthenticated(f.authOK), f.authOK
}

func (f *fakeProvider) SyncLibrary(ctx context.Context, state providers.State, opts providers.SyncOptions) (providers.State, []models.Track, error) {
	f.mu.Lock()
	f.fullSeen = opts.Full
	f.mu.Unlock()

	if opts.Progress != nil {
		opts.Progress(f.total)
	}
	if f.libErr != nil {
		return state, nil, f.libErr
	}

	var fetched []models.Track
	for _, track := range f.library {
		if !opts.Full && opts.KnownIDs.Contains(track.ProviderID) {
			continue
		}
		fetched = append(fetched, track)
	}
	if f.syncedCache != nil {
		state = state.WithCache(f.syncedCache)
	}
	return state, fetched, nil
}

func (f *fakeProvider) Playlists(ctx context.Context, state providers.State, full bool) (providers.State, []models.Playlist, error) {
	if f.playlistsErr != nil {
		return state, nil, f.playlistsErr
	}
	return state, f.playlists, nil
}

func (f *fakeProvider) PlaylistTracks(ctx context.Context, state providers.State, playlistID string) (providers.State, []models.Track, *time.Time, error) {
	if err := f.memberErr[playlistID]; err != nil {
		return state, nil, nil, err
	}
	if f.dropAuthOn == playlistID {
		return state.WithAuthenticated(false), nil, nil, nil
	}
	return state, f.members[playlistID], nil, nil
}

func (f *fakeProvider) ResolveStream(ctx context.Context, state providers.State, providerID string) (string, error) {
	return "fake://" + providerID, nil
}

func (f *fakeProvider) Search(ctx context.Context, state providers.State, query string) (providers.State, []models.Track, error) {
	return state, nil, nil
}

// recordedEvent is one sink delivery.
type recordedEvent struct {
	event string
	data  map[string]any
}

// recordingSink collects events; reads happen after the result channel
// delivers, which orders them after all writes.
func recordingSink(events *[]recordedEvent) Sink {
	return func(event string, data map[string]any) {
		*events = append(*events, recordedEvent{event: event, data: data})
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, gateway.Gateway) {
	t.Helper()
	o, gw, _ := newTestOrchestratorDB(t)
	return o, gw
}

func newTestOrchestratorDB(t *testing.T) (*Orchestrator, gateway.Gateway, *sql.DB) {
	t.Helper()
	db := testkit.MustOpenDB(t)
	gw := gateway.NewSQLiteGateway(db)
	return NewOrchestrator(gw, NewStatusBoard(), shared.SilentLogger()), gw, db
}

// seedTracks inserts n already-imported tracks and returns their library
// entries.
func seedTracks(t *testing.T, gw gateway.Gateway, provider string, n int) []models.Track {
	t.Helper()
	tracks := make([]models.Track, 0, n)
	for i := 0; i < n; i++ {
		tracks = append(tracks, models.Track{ProviderID: fmt.Sprintf("k%d", i), Title: fmt.Sprintf("Known %d", i)})
	}
	if _, err := gw.BatchUpsertTracks(context.Background(), provider, tracks); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return tracks
}

func awaitResult(t *testing.T, results <-chan Result) Result {
	t.Helper()
	select {
	case result := <-results:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("sync never finished")
		return Result{}
	}
}

func TestOrchestrator(t *testing.T) {
	ctx := context.Background()

	t.Run("Incremental Run Imports Only New Tracks", func(t *testing.T) {
		// 42 tracks upstream, 40 already imported: the provider fetches the
		// 2 unseen ones and the summary still accounts for all 42.
		o, gw := newTestOrchestrator(t)
		known := seedTracks(t, gw, "spotify", 40)

		provider := &fakeProvider{
			name:       providers.Spotify,
			total:      42,
			initAuthed: true,
			library: append(known,
				models.Track{ProviderID: "new1", Title: "New One"},
				models.Track{ProviderID: "new2", Title: "New Two"},
			),
		}

		var events []recordedEvent
		results, err := o.Run(ctx, provider, Options{Sink: recordingSink(&events)})
		if err != nil {
			t.Fatalf("run rejected: %v", err)
		}
		result := awaitResult(t, results)

		if result.Err != nil {
			t.Fatalf("sync failed: %v", result.Err)
		}
		if result.Stats.Created != 2 || result.Stats.Skipped != 40 {
			t.Errorf("expected 2 created 40 skipped, got %+v", result.Stats)
		}

		wantSequence := []string{EventInit, EventFetching, EventImporting, EventComplete}
		if len(events) != len(wantSequence) {
			t.Fatalf("expected %d events, got %v", len(wantSequence), events)
		}
		for i, want := range wantSequence {
			if events[i].event != want {
				t.Errorf("event %d: expected %s, got %s", i, want, events[i].event)
			}
		}
		if events[1].data["count"] != 42 {
			t.Errorf("expected fetching count 42, got %v", events[1].data["count"])
		}
		if events[2].data["count"] != 2 {
			t.Errorf("expected importing count 2, got %v", events[2].data["count"])
		}
		if events[3].data["created"] != 2 || events[3].data["skipped"] != 40 {
			t.Errorf("unexpected complete event: %v", events[3].data)
		}

		record, _ := o.Board().Get("spotify")
		if record.Phase != Complete {
			t.Errorf("expected board phase complete, got %s", record.Phase)
		}
	})

	t.Run("Second Run Is Idempotent", func(t *testing.T) {
		o, gw := newTestOrchestrator(t)
		provider := &fakeProvider{
			name:       providers.Spotify,
			total:      3,
			initAuthed: true,
			library: []models.Track{
				{ProviderID: "a", Title: "A"},
				{ProviderID: "b", Title: "B"},
				{ProviderID: "c", Title: "C"},
			},
		}

		first := awaitResult(t, mustRun(t, o, ctx, provider, Options{}))
		if first.Err != nil || first.Stats.Created != 3 {
			t.Fatalf("first run: %+v", first)
		}

		second := awaitResult(t, mustRun(t, o, ctx, provider, Options{}))
		if second.Err != nil {
			t.Fatalf("second run failed: %v", second.Err)
		}
		if second.Stats.Created != 0 || second.Stats.Skipped != 3 {
			t.Errorf("expected idempotent second run, got %+v", second.Stats)
		}

		ids, err := gw.ExistingProviderIDs(ctx, "spotify")
		if err != nil {
			t.Fatalf("id load failed: %v", err)
		}
		if len(ids) != 3 {
			t.Errorf("expected 3 stored tracks, got %d", len(ids))
		}
	})

	t.Run("Checkpoints Even On Zero Changes", func(t *testing.T) {
		o, gw := newTestOrchestrator(t)
		provider := &fakeProvider{name: providers.Spotify, initAuthed: true}

		result := awaitResult(t, mustRun(t, o, ctx, provider, Options{}))
		if result.Err != nil {
			t.Fatalf("sync failed: %v", result.Err)
		}

		stored, err := gw.LoadProviderState(ctx, "spotify")
		if err != nil || stored == nil || len(stored.ConfigData) == 0 {
			t.Fatalf("expected cursor persisted, got %+v err=%v", stored, err)
		}
		if providers.CursorLastSync(stored.ConfigData) == nil {
			t.Error("expected last-sync timestamp in the cursor")
		}
	})

	t.Run("Full Override Resets The Cursor", func(t *testing.T) {
		o, gw := newTestOrchestrator(t)
		if err := gw.SaveProviderState(ctx, "spotify", nil, []byte(`{"last_sync":"2026-01-01T00:00:00Z"}`)); err != nil {
			t.Fatalf("seed cursor failed: %v", err)
		}

		provider := &fakeProvider{name: providers.Spotify, initAuthed: true}
		result := awaitResult(t, mustRun(t, o, ctx, provider, Options{Full: true}))
		if result.Err != nil {
			t.Fatalf("sync failed: %v", result.Err)
		}

		provider.mu.Lock()
		defer provider.mu.Unlock()
		if provider.initCursor != nil {
			t.Error("full sync must discard the stored cursor")
		}
		if !provider.fullSeen {
			t.Error("full flag must reach the provider")
		}
	})

	t.Run("In-Flight Guard Rejects Second Run", func(t *testing.T) {
		o, _ := newTestOrchestrator(t)
		if err := o.Board().Begin("spotify"); err != nil {
			t.Fatalf("begin failed: %v", err)
		}

		provider := &fakeProvider{name: providers.Spotify, initAuthed: true}
		if _, err := o.Run(ctx, provider, Options{}); !errors.Is(err, shared.ErrSyncInFlight) {
			t.Errorf("expected ErrSyncInFlight, got %v", err)
		}
	})

	t.Run("Authentication Failure Aborts", func(t *testing.T) {
		o, _ := newTestOrchestrator(t)
		provider := &fakeProvider{name: providers.Spotify}

		var events []recordedEvent
		result := awaitResult(t, mustRun(t, o, ctx, provider, Options{Sink: recordingSink(&events)}))
		if !errors.Is(result.Err, shared.ErrAuthFailed) {
			t.Errorf("expected ErrAuthFailed, got %v", result.Err)
		}

		last := events[len(events)-1]
		if last.event != EventError {
			t.Errorf("expected terminal error event, got %s", last.event)
		}
		record, _ := o.Board().Get("spotify")
		if record.Phase != Errored {
			t.Errorf("expected errored board record, got %s", record.Phase)
		}
	})

	t.Run("Library Fetch Failure Aborts", func(t *testing.T) {
		o, _ := newTestOrchestrator(t)
		provider := &fakeProvider{
			name:       providers.Spotify,
			initAuthed: true,
			libErr:     fmt.Errorf("%w: status 500", shared.ErrAPIRequest),
		}

		result := awaitResult(t, mustRun(t, o, ctx, provider, Options{}))
		if !errors.Is(result.Err, shared.ErrAPIRequest) {
			t.Errorf("expected ErrAPIRequest, got %v", result.Err)
		}
	})

	t.Run("Playlist Failures Are Isolated", func(t *testing.T) {
		o, gw := newTestOrchestrator(t)
		provider := &fakeProvider{
			name:       providers.Spotify,
			initAuthed: true,
			playlists: []models.Playlist{
				{RemoteID: "A", Name: "Alpha", Version: "v1"},
				{RemoteID: "B", Name: "Beta", Version: "v1"},
				{RemoteID: "C", Name: "Gamma", Version: "v1"},
			},
			members: map[string][]models.Track{
				"A": {{ProviderID: "a1", Title: "A1"}},
				"C": {{ProviderID: "c1", Title: "C1"}},
			},
			memberErr: map[string]error{
				"B": fmt.Errorf("%w: status 500", shared.ErrAPIRequest),
			},
		}

		var events []recordedEvent
		result := awaitResult(t, mustRun(t, o, ctx, provider, Options{Sink: recordingSink(&events)}))
		if result.Err != nil {
			t.Fatalf("partial failure must not abort the run: %v", result.Err)
		}
		if result.Stats.PlaylistsCreated != 2 {
			t.Errorf("expected 2 playlists persisted, got %+v", result.Stats)
		}
		if len(result.Stats.Failures) != 1 || result.Stats.Failures[0].Playlist != "Beta" {
			t.Errorf("expected Beta recorded as failed, got %+v", result.Stats.Failures)
		}

		ids, err := gw.ExistingProviderIDs(ctx, "spotify")
		if err != nil {
			t.Fatalf("id load failed: %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("expected member tracks of A and C persisted, got %d", len(ids))
		}

		completes := 0
		for _, e := range events {
			if e.event == EventPlaylistComplete {
				completes++
			}
		}
		if completes != 2 {
			t.Errorf("expected 2 playlist_complete events, got %d", completes)
		}
	})

	t.Run("Playlist Listing Failure Keeps Library Results", func(t *testing.T) {
		o, _ := newTestOrchestrator(t)
		provider := &fakeProvider{
			name:         providers.Spotify,
			initAuthed:   true,
			library:      []models.Track{{ProviderID: "x", Title: "X"}},
			playlistsErr: fmt.Errorf("%w: status 502", shared.ErrAPIRequest),
		}

		result := awaitResult(t, mustRun(t, o, ctx, provider, Options{}))
		if result.Err != nil {
			t.Fatalf("listing failure must not abort the run: %v", result.Err)
		}
		if result.Stats.Created != 1 {
			t.Errorf("expected library import preserved, got %+v", result.Stats)
		}
		if len(result.Stats.Failures) != 1 || result.Stats.Failures[0].Playlist != "*" {
			t.Errorf("expected wildcard failure entry, got %+v", result.Stats.Failures)
		}
	})

	t.Run("Auth Loss During Playlist Fetch Preserves Stored Playlist", func(t *testing.T) {
		// The unauthenticated clean-stop returns an empty track list; that
		// emptiness is the stop signal, not the playlist's contents.
		o, gw, db := newTestOrchestratorDB(t)

		seed := models.Playlist{
			RemoteID: "A", Name: "Alpha", Version: "v1",
			Tracks: []models.Track{{ProviderID: "a1", Title: "A1"}},
		}
		if _, err := gw.BatchUpsertTracks(ctx, "spotify", seed.Tracks); err != nil {
			t.Fatalf("seed tracks failed: %v", err)
		}
		if _, err := gw.UpsertPlaylist(ctx, "spotify", seed); err != nil {
			t.Fatalf("seed playlist failed: %v", err)
		}

		provider := &fakeProvider{
			name:       providers.Spotify,
			initAuthed: true,
			playlists:  []models.Playlist{{RemoteID: "A", Name: "Alpha", Version: "v2"}},
			dropAuthOn: "A",
		}

		result := awaitResult(t, mustRun(t, o, ctx, provider, Options{}))
		if result.Err != nil {
			t.Fatalf("clean stop must not abort the run: %v", result.Err)
		}
		if result.Stats.PlaylistsUpdated != 0 || result.Stats.PlaylistsCreated != 0 {
			t.Errorf("expected no playlist writes, got %+v", result.Stats)
		}
		if len(result.Stats.Failures) != 1 || result.Stats.Failures[0].Playlist != "Alpha" {
			t.Errorf("expected Alpha recorded as failed, got %+v", result.Stats.Failures)
		}

		var version string
		var members int
		if err := db.QueryRow(
			"SELECT version FROM playlists WHERE provider = 'spotify' AND remote_id = 'A'",
		).Scan(&version); err != nil {
			t.Fatalf("playlist lookup failed: %v", err)
		}
		if version != "v1" {
			t.Errorf("expected version marker untouched, got %s", version)
		}
		if err := db.QueryRow(`
			SELECT COUNT(*) FROM playlist_tracks pt
			JOIN playlists p ON p.id = pt.playlist_id
			WHERE p.provider = 'spotify' AND p.remote_id = 'A'`,
		).Scan(&members); err != nil {
			t.Fatalf("membership lookup failed: %v", err)
		}
		if members != 1 {
			t.Errorf("expected stored membership preserved, got %d rows", members)
		}
	})

	t.Run("Cancellation Does Not Advance The Cursor", func(t *testing.T) {
		// The fetch advanced the in-memory count to 42, but cancellation
		// skipped every import batch; checkpointing that count would make the
		// next run's count check skip the unimported tracks forever.
		o, gw := newTestOrchestrator(t)
		provider := &fakeProvider{
			name:       providers.Spotify,
			initAuthed: true,
			total:      42,
			library: []models.Track{
				{ProviderID: "a", Title: "A"},
				{ProviderID: "b", Title: "B"},
			},
			syncedCache: providers.SpotifyCache{LastLikedCount: 42},
		}

		cancel := &Flag{}
		cancel.Cancel()

		result := awaitResult(t, mustRun(t, o, ctx, provider, Options{Cancel: cancel}))
		if result.Err != nil || !result.Cancelled {
			t.Fatalf("expected clean cancelled run, got %+v", result)
		}
		if result.Stats.Created != 0 {
			t.Fatalf("expected no imports, got %+v", result.Stats)
		}

		stored, err := gw.LoadProviderState(ctx, "spotify")
		if err != nil || stored == nil {
			t.Fatalf("expected checkpoint row, got %+v err=%v", stored, err)
		}
		var envelope struct {
			Cache struct {
				LastLikedCount int `json:"last_liked_count"`
			} `json:"cache"`
		}
		if err := json.Unmarshal(stored.ConfigData, &envelope); err != nil {
			t.Fatalf("cursor decode failed: %v", err)
		}
		if envelope.Cache.LastLikedCount != 0 {
			t.Errorf("cursor advanced to count=%d with no tracks persisted", envelope.Cache.LastLikedCount)
		}
		if providers.CursorLastSync(stored.ConfigData) == nil {
			t.Error("expected last-sync bookkeeping even on a cancelled run")
		}
	})

	t.Run("Cancellation Stops Between Units", func(t *testing.T) {
		o, _ := newTestOrchestrator(t)
		provider := &fakeProvider{
			name:       providers.Spotify,
			initAuthed: true,
			library:    []models.Track{{ProviderID: "a", Title: "A"}},
			playlists:  []models.Playlist{{RemoteID: "A", Name: "Alpha", Version: "v1"}},
		}

		cancel := &Flag{}
		cancel.Cancel()

		result := awaitResult(t, mustRun(t, o, ctx, provider, Options{Cancel: cancel}))
		if result.Err != nil {
			t.Fatalf("cancelled run must still finish cleanly: %v", result.Err)
		}
		if !result.Cancelled {
			t.Error("expected result marked cancelled")
		}
		if result.Stats.Created != 0 || result.Stats.PlaylistsCreated != 0 {
			t.Errorf("expected no work after cancellation, got %+v", result.Stats)
		}
	})

	t.Run("Panicking Sink Does Not Abort", func(t *testing.T) {
		o, _ := newTestOrchestrator(t)
		provider := &fakeProvider{
			name:       providers.Spotify,
			initAuthed: true,
			library:    []models.Track{{ProviderID: "a", Title: "A"}},
		}

		sink := Sink(func(event string, data map[string]any) { panic("observer bug") })
		result := awaitResult(t, mustRun(t, o, ctx, provider, Options{Sink: sink}))
		if result.Err != nil {
			t.Fatalf("sink panic must not fail the sync: %v", result.Err)
		}
		if result.Stats.Created != 1 {
			t.Errorf("expected import to proceed, got %+v", result.Stats)
		}
	})
}

func mustRun(t *testing.T, o *Orchestrator, ctx context.Context, provider providers.Provider, opts Options) <-chan Result {
	t.Helper()
	results, err := o.Run(ctx, provider, opts)
	if err != nil {
		t.Fatalf("run rejected: %v", err)
	}
	return results
}
