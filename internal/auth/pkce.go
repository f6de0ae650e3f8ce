package auth

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/libsync/internal/server"
	"github.com/desertthunder/libsync/internal/shared"
	"golang.org/x/oauth2"
)

// callbackWait is the hard limit on waiting for the authorization callback.
const callbackWait = 120 * time.Second

// Flow runs the OAuth2 authorization-code + PKCE exchange for one provider.
//
// The flow binds an ephemeral HTTP listener for the redirect, opens the
// authorization URL in a browser, and waits for exactly one callback. When
// the listener port is unavailable it falls back to prompting the operator
// to paste the full redirect URL. The PKCE code verifier never leaves the
// process; only its S256 challenge is transmitted.
type Flow struct {
	Provider string
	Config   *oauth2.Config
	Store    *Store

	// ListenAddr is the host:port the redirect URI points at.
	ListenAddr string

	// Output receives the authorization URL and operator instructions;
	// Input is read for the manual-paste fallback. Default stdout/stdin.
	Output io.Writer
	Input  io.Reader

	Logger  *log.Logger
	Timeout time.Duration

	openBrowser func(string) error
}

// NewFlow creates a flow with defaults suitable for interactive use.
func NewFlow(provider string, config *oauth2.Config, store *Store, listenAddr string, logger *log.Logger) *Flow {
	if logger == nil {
		logger = shared.SilentLogger()
	}
	return &Flow{
		Provider:    provider,
		Config:      config,
		Store:       store,
		ListenAddr:  listenAddr,
		Output:      os.Stdout,
		Input:       os.Stdin,
		Logger:      logger,
		Timeout:     callbackWait,
		openBrowser: shared.OpenBrowser,
	}
}

// Run executes the full authorization flow and returns the persisted token.
//
// All failure modes (missing credentials, timeout, denied callback, CSRF
// mismatch, failed exchange) are returned as errors; the flow never panics
// into the caller.
func (f *Flow) Run(ctx context.Context) (*Token, error) {
	if f.Config == nil || f.Config.ClientID == "" || f.Config.ClientSecret == "" {
		return nil, fmt.Errorf("%w: set client_id and client_secret for %s in config.toml (see config.example.toml)",
			shared.ErrMissingCredentials, f.Provider)
	}

	verifier := oauth2.GenerateVerifier()
	state, err := shared.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrAuthFailed, err)
	}

	authURL := f.Config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)

	code, err := f.obtainCode(ctx, authURL, state)
	if err != nil {
		return nil, err
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tok, err := f.Config.Exchange(exchangeCtx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: token exchange failed: %v", shared.ErrAuthFailed, err)
	}

	token := FromOAuth2(tok, nil)
	if err := f.Store.Save(ctx, f.Provider, token); err != nil {
		return nil, err
	}

	f.Logger.Infof("authenticated with %s, token expires %s", f.Provider, token.ExpiresAt)
	return token, nil
}

// obtainCode acquires the authorization code, preferring the local listener
// and degrading to manual paste when the port cannot be bound.
func (f *Flow) obtainCode(ctx context.Context, authURL, state string) (string, error) {
	listener, err := net.Listen("tcp", f.ListenAddr)
	if err != nil {
		f.Logger.Warnf("cannot bind callback listener on %s: %v", f.ListenAddr, err)
		return f.manualCode(authURL, state)
	}
	defer listener.Close()

	handler := server.NewCallbackHandler(state)
	router := server.NewBasicRouter()
	router.Handler(handler)

	srv := &http.Server{Handler: router}
	go srv.Serve(listener)
	defer srv.Close()

	f.announce(authURL)

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = callbackWait
	}

	select {
	case result := <-handler.Result():
		if err := result.Error(); err != nil {
			return "", err
		}
		return result.Code, nil
	case <-time.After(timeout):
		return "", fmt.Errorf("%w: no authorization callback received within %s", shared.ErrTimeout, timeout)
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", shared.ErrAuthFailed, ctx.Err())
	}
}

// manualCode prompts the operator to paste the full redirect URL and
// extracts the code from it. The CSRF state is still verified.
func (f *Flow) manualCode(authURL, state string) (string, error) {
	f.announce(authURL)
	fmt.Fprint(f.Output, "Paste the full redirect URL here: ")

	scanner := bufio.NewScanner(f.Input)
	if !scanner.Scan() {
		return "", fmt.Errorf("%w: no redirect URL provided", shared.ErrAuthFailed)
	}

	redirect, err := url.Parse(scanner.Text())
	if err != nil {
		return "", fmt.Errorf("%w: invalid redirect URL: %v", shared.ErrAuthFailed, err)
	}

	query := redirect.Query()
	if query.Get("state") != state {
		return "", shared.ErrStateMismatch
	}
	if errParam := query.Get("error"); errParam != "" {
		return "", fmt.Errorf("%w: %s - %s", shared.ErrAuthFailed, errParam, query.Get("error_description"))
	}

	code := query.Get("code")
	if code == "" {
		return "", fmt.Errorf("%w: redirect URL has no code parameter", shared.ErrAuthFailed)
	}
	return code, nil
}

// announce opens the authorization URL in a browser and always prints it for
// manual use, whether or not the browser launch succeeded.
func (f *Flow) announce(authURL string) {
	if err := f.openBrowser(authURL); err != nil {
		f.Logger.Debugf("failed to open browser: %v", err)
	}
	fmt.Fprintf(f.Output, "Open this URL in your browser to authorize %s:\n\n  %s\n\n", f.Provider, authURL)
}
