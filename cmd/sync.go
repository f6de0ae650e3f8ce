package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/desertthunder/libsync/internal/gateway"
	"github.com/desertthunder/libsync/internal/providers"
	"github.com/desertthunder/libsync/internal/shared"
	"github.com/desertthunder/libsync/internal/tasks"
	"github.com/urfave/cli/v3"
)

func syncCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Sync liked tracks and playlists from a provider",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "provider"},
		},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "full",
				Usage: "Bypass incremental optimizations and refetch everything",
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "Suppress background worker logging",
			},
		},
		Action: r.Sync,
	}
}

// Sync runs a full or incremental sync for the named provider, rendering
// progress events as they arrive.
func (r *Runner) Sync(ctx context.Context, cmd *cli.Command) error {
	name := cmd.StringArg("provider")
	if name == "" {
		return fmt.Errorf("%w: provider name (local, soundcloud, spotify)", shared.ErrMissingArgument)
	}

	db, err := r.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	gw := gateway.NewSQLiteGateway(db)
	provider, err := r.buildProvider(name, gw)
	if err != nil {
		return err
	}

	workerLogger := r.logger
	if cmd.Bool("quiet") {
		workerLogger = shared.SilentLogger()
	}

	orchestrator := tasks.NewOrchestrator(gw, r.board, workerLogger)
	cancel := &tasks.Flag{}

	results, err := orchestrator.Run(ctx, provider, tasks.Options{
		Full:   cmd.Bool("full"),
		Sink:   r.renderEvent,
		Cancel: cancel,
	})
	if err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	for {
		select {
		case <-interrupt:
			r.writePlain("cancelling after in-flight work completes...\n")
			cancel.Cancel()
		case result := <-results:
			return r.renderResult(result)
		}
	}
}

// renderEvent writes one progress event to the output stream.
func (r *Runner) renderEvent(event string, data map[string]any) {
	switch event {
	case tasks.EventInit:
		r.writePlain("→ syncing %v\n", data["provider"])
	case tasks.EventFetching:
		r.writePlain("  fetching (%v items reported)\n", data["count"])
	case tasks.EventImporting:
		r.writePlain("  importing %v tracks\n", data["count"])
	case tasks.EventPlaylistStart:
		r.writePlain("  playlist [%v] %v...\n", data["index"], data["name"])
	case tasks.EventPlaylistComplete:
		r.writePlain("  playlist [%v] %v: %v tracks\n", data["index"], data["name"], data["tracks"])
	case tasks.EventComplete:
		r.writePlain("✓ complete: %v created, %v skipped\n", data["created"], data["skipped"])
		if failures, ok := data["failures"]; ok {
			r.writePlain("  with failures: %v\n", failures)
		}
	case tasks.EventError:
		r.writePlain("✗ %v\n", data["message"])
	}
}

func (r *Runner) renderResult(result tasks.Result) error {
	if result.Err != nil {
		return result.Err
	}
	if result.Cancelled {
		r.writePlain("sync cancelled; progress up to cancellation was saved\n")
	}
	for _, failure := range result.Stats.Failures {
		r.writePlain("  failed playlist %q: %s\n", failure.Playlist, failure.Error)
	}
	return nil
}

func statusCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show per-provider sync state",
		Action: r.Status,
	}
}

// Status reports the persisted cursor bookkeeping per provider.
func (r *Runner) Status(ctx context.Context, cmd *cli.Command) error {
	db, err := r.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	gw := gateway.NewSQLiteGateway(db)
	for _, name := range []providers.Name{providers.Local, providers.SoundCloud, providers.Spotify} {
		stored, err := gw.LoadProviderState(ctx, string(name))
		if err != nil {
			return err
		}
		if stored == nil || len(stored.ConfigData) == 0 {
			r.writePlain("%-12s never synced\n", name)
			continue
		}
		if lastSync := providers.CursorLastSync(stored.ConfigData); lastSync != nil {
			r.writePlain("%-12s last synced %s\n", name, lastSync.Local().Format("2006-01-02 15:04:05"))
		} else {
			r.writePlain("%-12s sync state present, no completed run recorded\n", name)
		}
	}
	return nil
}
