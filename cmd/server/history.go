package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/welldanyogia/sse-gateway/internal/config"
	"github.com/welldanyogia/sse-gateway/internal/events"
	"github.com/welldanyogia/sse-gateway/internal/history"
	"github.com/welldanyogia/sse-gateway/internal/logger"
)

func newHistoryCmd(configPath *string) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and maintain the event history",
	}

	var all bool
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired history entries, or every entry with --all",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *configPath, func(ctx context.Context, store *history.Store) error {
				var (
					n   int
					err error
				)
				if all {
					n, err = store.DeleteAllHistory(ctx)
				} else {
					n, err = store.DeleteStaleHistory(ctx)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d events\n", n)
				return nil
			})
		},
	}
	purgeCmd.Flags().BoolVar(&all, "all", false, "delete every entry regardless of age")

	countCmd := &cobra.Command{
		Use:   "count <channel>",
		Short: "Count stored events on a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), *configPath, func(ctx context.Context, store *history.Store) error {
				n, err := store.ChannelEventCount(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", args[0], n)
				return nil
			})
		},
	}

	historyCmd.AddCommand(purgeCmd, countCmd)
	return historyCmd
}

// withStore opens the configured backend for a one-off maintenance command.
func withStore(ctx context.Context, configPath string, fn func(context.Context, *history.Store) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	store := history.NewStore(backend, events.NewEventBus(), history.Options{
		ExpiresAfter: cfg.History.ExpiresAfter,
		Logger:       logger.New(cfg.Log),
	})
	defer store.Close()

	return fn(ctx, store)
}
