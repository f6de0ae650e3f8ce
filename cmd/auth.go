package main

import (
	"context"
	"fmt"
	"time"

	"github.com/desertthunder/libsync/internal/gateway"
	"github.com/desertthunder/libsync/internal/providers"
	"github.com/desertthunder/libsync/internal/shared"
	"github.com/urfave/cli/v3"
)

func authCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a provider",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "provider"},
		},
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Report token presence and expiry per provider",
				Action: r.AuthStatus,
			},
		},
		Action: r.Auth,
	}
}

// Auth runs the OAuth flow for the named provider and persists the token.
func (r *Runner) Auth(ctx context.Context, cmd *cli.Command) error {
	name := cmd.StringArg("provider")
	if name == "" {
		return fmt.Errorf("%w: provider name (local, soundcloud, spotify)", shared.ErrMissingArgument)
	}

	db, err := r.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	provider, err := r.buildProvider(name, gateway.NewSQLiteGateway(db))
	if err != nil {
		return err
	}

	state, err := provider.Init(ctx, nil)
	if err != nil {
		return err
	}

	state, ok := provider.Authenticate(ctx, state)
	if !ok || !state.Authenticated {
		return fmt.Errorf("%w: %s", shared.ErrAuthFailed, name)
	}

	return r.writePlain("✓ Authenticated with %s\n", name)
}

// AuthStatus reports token presence and expiry for every known provider.
func (r *Runner) AuthStatus(ctx context.Context, cmd *cli.Command) error {
	db, err := r.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	store := r.tokenStore(gateway.NewSQLiteGateway(db))

	for _, name := range []providers.Name{providers.Local, providers.SoundCloud, providers.Spotify} {
		if name == providers.Local {
			r.writePlain("%-12s ✓ no authentication required\n", name)
			continue
		}

		token, err := store.Load(ctx, string(name))
		switch {
		case err != nil:
			r.writePlain("%-12s ✗ error: %v\n", name, err)
		case token == nil:
			r.writePlain("%-12s ✗ not authenticated\n", name)
		case store.IsExpired(token):
			r.writePlain("%-12s ⚠ token expired %s (refreshed on next sync)\n",
				name, token.ExpiresAt.Format(time.RFC3339))
		default:
			r.writePlain("%-12s ✓ token valid until %s\n",
				name, token.ExpiresAt.Format(time.RFC3339))
		}
	}
	return nil
}
