package tasks

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/desertthunder/libsync/internal/shared"
)

// Flag is the cooperative cancellation control: the caller sets it, the
// orchestrator polls it between page fetches and playlist iterations.
// In-flight HTTP calls are allowed to complete.
type Flag struct {
	set atomic.Bool
}

// Cancel requests that the running sync stop starting new work.
func (f *Flag) Cancel() {
	f.set.Store(true)
}

// Cancelled reports whether cancellation was requested.
func (f *Flag) Cancelled() bool {
	if f == nil {
		return false
	}
	return f.set.Load()
}

// Status is the shared per-provider sync record readers poll.
type Status struct {
	Provider   string
	Phase      Phase
	StartedAt  time.Time
	FinishedAt *time.Time
	Error      string
}

// StatusBoard serializes access to the per-provider sync status records and
// enforces the single-sync-in-flight guard: a second sync request for a
// provider with one already running is rejected, not queued.
type StatusBoard struct {
	mu      sync.Mutex
	records map[string]Status
}

// NewStatusBoard creates an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{records: make(map[string]Status)}
}

// Begin claims the provider's slot. Returns [shared.ErrSyncInFlight] when a
// sync for the provider is already active.
func (b *StatusBoard) Begin(provider string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if record, ok := b.records[provider]; ok && !record.Phase.Terminal() {
		return shared.ErrSyncInFlight
	}
	b.records[provider] = Status{Provider: provider, Phase: Init, StartedAt: time.Now()}
	return nil
}

// Update records a phase transition for an active sync.
func (b *StatusBoard) Update(provider string, phase Phase) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, ok := b.records[provider]
	if !ok {
		return
	}
	record.Phase = phase
	if phase.Terminal() {
		now := time.Now()
		record.FinishedAt = &now
	}
	b.records[provider] = record
}

// Fail records a terminal error for an active sync.
func (b *StatusBoard) Fail(provider string, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, ok := b.records[provider]
	if !ok {
		return
	}
	now := time.Now()
	record.Phase = Errored
	record.Error = message
	record.FinishedAt = &now
	b.records[provider] = record
}

// Get returns the provider's status record, if any.
func (b *StatusBoard) Get(provider string) (Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, ok := b.records[provider]
	return record, ok
}
