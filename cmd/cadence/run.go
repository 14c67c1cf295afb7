package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cadence/internal/app"
)

const stopTimeout = 15 * time.Second

func newRunCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start dispatching until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log what would be sent instead of talking to Telegram")
	return cmd
}

func run(parent context.Context, dryRun bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Options{ConfigPath: cfgPath, DryRun: dryRun})
	if err != nil {
		return err
	}

	stop := func(reason app.StopReason) {
		sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
		defer scancel()
		_ = a.Stop(sctx, reason)
	}

	if err := a.Start(ctx); err != nil {
		reason := app.StopFatalError
		if errors.Is(err, app.ErrNothingToDo) {
			reason = app.StopNoWork
		}
		stop(reason)
		return err
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	// The app context derives from ctx, so only a live ctx means a fatal error.
	if ctx.Err() == nil {
		stop(app.StopFatalError)
		return a.Err()
	}
	stop(app.StopSignal)
	return nil
}
