package main

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/libsync/internal/auth"
	"github.com/desertthunder/libsync/internal/gateway"
	"github.com/desertthunder/libsync/internal/providers"
	"github.com/desertthunder/libsync/internal/shared"
	"github.com/desertthunder/libsync/internal/tasks"
	"github.com/urfave/cli/v3"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config *shared.Config
	logger *log.Logger
	output io.Writer
	input  io.Reader
	board  *tasks.StatusBoard
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config *shared.Config
	Logger *log.Logger
	Output io.Writer
	Input  io.Reader
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Input == nil {
		opts.Input = os.Stdin
	}

	return &Runner{
		config: opts.Config,
		logger: opts.Logger,
		output: opts.Output,
		input:  opts.Input,
		board:  tasks.NewStatusBoard(),
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, authCommand, syncCommand, statusCommand, searchCommand, streamCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// openDB opens the configured database. Callers own the returned handle.
func (r *Runner) openDB() (*sql.DB, error) {
	db, err := shared.NewDatabase(r.config.Database.Path)
	if err != nil {
		return nil, err
	}
	shared.ConfigureDatabase(db, r.config.Database.MaxOpenConns, r.config.Database.MaxIdleConns)
	return db, nil
}

// tokenStore builds the token store over an open gateway, with the legacy
// per-provider token files under ~/.libsync.
func (r *Runner) tokenStore(gw gateway.Gateway) *auth.Store {
	legacyDir := ""
	if home, err := os.UserHomeDir(); err == nil {
		legacyDir = filepath.Join(home, ".libsync")
	}
	return auth.NewStore(gw, legacyDir, r.logger)
}

// providerConfig assembles the immutable per-invocation provider config from
// the loaded credentials.
func (r *Runner) providerConfig(name providers.Name) providers.Config {
	config := providers.Config{
		Name:          name,
		Enabled:       true,
		CacheDuration: r.config.Sync.CacheDuration(),
	}

	switch name {
	case providers.Spotify:
		config.ClientID = r.config.Credentials.Spotify.ClientID
		config.ClientSecret = r.config.Credentials.Spotify.ClientSecret
		config.RedirectURI = r.config.Credentials.Spotify.RedirectURI
	case providers.SoundCloud:
		config.ClientID = r.config.Credentials.SoundCloud.ClientID
		config.ClientSecret = r.config.Credentials.SoundCloud.ClientSecret
		config.RedirectURI = r.config.Credentials.SoundCloud.RedirectURI
	case providers.Local:
		config.Root = r.config.Providers.Local.Root
		config.Enabled = r.config.Providers.Local.Enabled
	}
	return config
}

// buildProvider constructs the named provider client over an open gateway.
func (r *Runner) buildProvider(name string, gw gateway.Gateway) (providers.Provider, error) {
	parsed, err := providers.ParseName(name)
	if err != nil {
		return nil, err
	}
	return providers.New(r.providerConfig(parsed), r.tokenStore(gw), r.logger)
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	output, err := shared.MarshalJSON(data, pretty)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
