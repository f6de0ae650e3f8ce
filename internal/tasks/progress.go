package tasks

// Progress event types, one per orchestrator state transition plus periodic
// fetch updates. Produced only by the orchestrator; the engine never
// inspects its own progress stream.
const (
	EventInit             = "init"
	EventFetching         = "fetching"
	EventImporting        = "importing"
	EventPlaylistStart    = "playlist_start"
	EventPlaylistComplete = "playlist_complete"
	EventComplete         = "complete"
	EventError            = "error"
)

// Sink receives progress events. Supplied by the caller; a sink that panics
// must not abort the sync.
type Sink func(event string, data map[string]any)

// Phase is one step of the orchestrator's state machine.
type Phase int

const (
	Init Phase = iota
	Authenticating
	Planning
	Fetching
	Importing
	Checkpointing
	Complete
	Errored
)

func (p Phase) String() string {
	switch p {
	case Init:
		return "init"
	case Authenticating:
		return "authenticating"
	case Planning:
		return "planning"
	case Fetching:
		return "fetching"
	case Importing:
		return "importing"
	case Checkpointing:
		return "checkpointing"
	case Complete:
		return "complete"
	case Errored:
		return "errored"
	default:
		return ""
	}
}

// Terminal reports whether the phase ends an invocation.
func (p Phase) Terminal() bool {
	return p == Complete || p == Errored
}

// UnitFailure records one playlist that failed without aborting the run.
type UnitFailure struct {
	Playlist string `json:"playlist"`
	Error    string `json:"error"`
}

// Stats summarizes one sync invocation.
type Stats struct {
	Created          int           `json:"created"`
	Skipped          int           `json:"skipped"`
	PlaylistsCreated int           `json:"playlists_created"`
	PlaylistsUpdated int           `json:"playlists_updated"`
	PlaylistsSkipped int           `json:"playlists_skipped"`
	Failures         []UnitFailure `json:"failures,omitempty"`
}

func (s Stats) eventData() map[string]any {
	data := map[string]any{
		"created":           s.Created,
		"skipped":           s.Skipped,
		"playlists_created": s.PlaylistsCreated,
		"playlists_updated": s.PlaylistsUpdated,
		"playlists_skipped": s.PlaylistsSkipped,
	}
	if len(s.Failures) > 0 {
		failures := make([]map[string]any, 0, len(s.Failures))
		for _, f := range s.Failures {
			failures = append(failures, map[string]any{"playlist": f.Playlist, "error": f.Error})
		}
		data["failures"] = failures
	}
	return data
}
