package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/desertthunder/libsync/internal/auth"
	"github.com/desertthunder/libsync/internal/shared"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// requestTimeout bounds every outbound API call. A timed-out call is a
// transient failure for its unit of work, not for the whole invocation.
const requestTimeout = 30 * time.Second

// defaultRateLimit paces page fetches so a long sync stays inside provider
// rate limits.
const defaultRateLimit = 5

// apiClient performs authenticated JSON requests against a provider's REST
// surface with uniform status classification.
type apiClient struct {
	http    *http.Client
	limiter *rate.Limiter
}

func newAPIClient(rps float64) *apiClient {
	if rps <= 0 {
		rps = defaultRateLimit
	}
	return &apiClient{
		http:    &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// getJSON performs a GET with a bearer token and decodes the JSON body.
//
// Status handling is uniform across providers: 401/403 map to
// [shared.ErrNotAuthenticated] so callers flip the state's authenticated
// flag; 429 maps to [shared.ErrRateLimited] with the Retry-After hint echoed
// in the message and is never retried within the call; everything else
// non-2xx maps to [shared.ErrAPIRequest].
func (c *apiClient) getJSON(ctx context.Context, token *auth.Token, url string, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	if token != nil {
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", shared.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("%w: failed to decode response: %v", shared.ErrAPIRequest, err)
		}
	}
	return nil
}

// classifyStatus maps a non-2xx response to the engine's error taxonomy.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", shared.ErrNotAuthenticated, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		if after := resp.Header.Get("Retry-After"); after != "" {
			// Retry-After is echoed for a future caller-side retry loop but
			// is not honored here.
			return fmt.Errorf("%w: retry after %s seconds", shared.ErrRateLimited, after)
		}
		return fmt.Errorf("%w: status 429", shared.ErrRateLimited)
	default:
		return fmt.Errorf("%w: status %d", shared.ErrAPIRequest, resp.StatusCode)
	}
}

// decodeCursor unmarshals a persisted sync cursor blob into a provider
// cache and returns the recorded last-sync timestamp. A corrupt cursor is an
// error; the caller recovers with a full sync.
func decodeCursor(cursor []byte, cache any) (*time.Time, error) {
	var envelope cursorEnvelope
	if err := json.Unmarshal(cursor, &envelope); err != nil {
		return nil, fmt.Errorf("%w: corrupt sync cursor: %v", shared.ErrInvalidConfig, err)
	}
	if len(envelope.Cache) > 0 {
		if err := json.Unmarshal(envelope.Cache, cache); err != nil {
			return nil, fmt.Errorf("%w: corrupt sync cursor: %v", shared.ErrInvalidConfig, err)
		}
	}
	return envelope.LastSync, nil
}

// demoteOnAuthError flips the state's authenticated flag when an API call
// came back 401/403, so the caller can surface a re-authenticate action.
func demoteOnAuthError(state State, err error) State {
	if errors.Is(err, shared.ErrNotAuthenticated) {
		return state.WithAuthenticated(false)
	}
	return state
}

// authFlow is the part of [auth.Flow] providers depend on; tests substitute
// a canned implementation.
type authFlow interface {
	Run(ctx context.Context) (*auth.Token, error)
}

// ensureValidToken transparently refreshes an expired token before a network
// call. Returns [shared.ErrRefreshFailed] when re-authentication is
// required; callers translate that into an unauthenticated state rather than
// an error.
func ensureValidToken(ctx context.Context, store *auth.Store, provider string, config *oauth2.Config, token *auth.Token) (*auth.Token, error) {
	if token == nil {
		return nil, shared.ErrNotAuthenticated
	}
	if !store.IsExpired(token) {
		return token, nil
	}
	return store.Refresh(ctx, provider, config, token)
}
