package main

import (
	"context"
	"fmt"

	"github.com/desertthunder/libsync/internal/gateway"
	"github.com/desertthunder/libsync/internal/shared"
	"github.com/urfave/cli/v3"
)

func streamCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Resolve a track's stream location",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "provider"},
			&cli.StringArg{Name: "id"},
		},
		Action: r.Stream,
	}
}

// Stream resolves a playable locator (file path, signed URL, or URI) for a
// track. Playback itself is handled outside this tool.
func (r *Runner) Stream(ctx context.Context, cmd *cli.Command) error {
	name := cmd.StringArg("provider")
	id := cmd.StringArg("id")
	if name == "" || id == "" {
		return fmt.Errorf("%w: usage: stream <provider> <track id>", shared.ErrMissingArgument)
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

	location, err := provider.ResolveStream(ctx, state, id)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrStreamUnavailable, err)
	}

	return r.writePlain("%s\n", location)
}
