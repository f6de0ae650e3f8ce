package shared

import "fmt"

var (
	// Configuration errors
	ErrInvalidConfig      = fmt.Errorf("invalid configuration")
	ErrMissingCredentials = fmt.Errorf("missing credentials")

	// Authentication errors
	ErrAuthFailed       = fmt.Errorf("authentication failed")
	ErrStateMismatch    = fmt.Errorf("oauth state mismatch")
	ErrNotAuthenticated = fmt.Errorf("not authenticated")
	ErrRefreshFailed    = fmt.Errorf("token refresh failed")
	ErrNoRefreshToken   = fmt.Errorf("no refresh token available")
	ErrTimeout          = fmt.Errorf("operation timed out")

	// API and provider errors
	ErrAPIRequest        = fmt.Errorf("API request failed")
	ErrRateLimited       = fmt.Errorf("rate limited")
	ErrProviderDisabled  = fmt.Errorf("provider disabled")
	ErrUnknownProvider   = fmt.Errorf("unknown provider")
	ErrPlaylistNotFound  = fmt.Errorf("playlist not found")
	ErrTrackNotFound     = fmt.Errorf("track not found")
	ErrStreamUnavailable = fmt.Errorf("stream location unavailable")

	// Orchestration errors
	ErrSyncInFlight = fmt.Errorf("sync already in flight")

	// Input validation errors
	ErrMissingArgument = fmt.Errorf("missing required argument")
)
