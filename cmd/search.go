package main

import (
	"context"
	"fmt"

	"github.com/desertthunder/libsync/internal/gateway"
	"github.com/desertthunder/libsync/internal/shared"
	"github.com/urfave/cli/v3"
)

func searchCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "search",
		Usage: "Search a provider's catalog",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "provider"},
			&cli.StringArg{Name: "query"},
		},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output raw JSON",
			},
		},
		Action: r.Search,
	}
}

// Search queries the named provider and prints the matches.
func (r *Runner) Search(ctx context.Context, cmd *cli.Command) error {
	name := cmd.StringArg("provider")
	query := cmd.StringArg("query")
	if name == "" || query == "" {
		return fmt.Errorf("%w: usage: search <provider> <query>", shared.ErrMissingArgument)
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

	state, tracks, err := provider.Search(ctx, state, query)
	if err != nil {
		return err
	}
	if !state.Authenticated {
		return fmt.Errorf("%w: run `libsync auth %s` first", shared.ErrNotAuthenticated, name)
	}

	if cmd.Bool("json") {
		return r.writeJSON(tracks, true)
	}

	if len(tracks) == 0 {
		return r.writePlain("no matches for %q\n", query)
	}
	for _, track := range tracks {
		r.writePlain("%-24s %s - %s\n", track.ProviderID, track.Artist, track.Title)
	}
	return nil
}
