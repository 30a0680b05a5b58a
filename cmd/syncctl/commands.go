package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/SebasMorneau/sport-app-sub001/syncqueue"
)

// session is an engine plus the settings commands need and its teardown.
type session struct {
	engine      *syncqueue.Engine
	cleanupDays int
	close       func()
}

type opener func(ctx context.Context) (*session, error)

type rootOptions struct {
	Owner int64
	open  opener
}

func newRootCommand(open opener) *cobra.Command {
	opts := &rootOptions{open: open}

	cmd := &cobra.Command{
		Use:           "syncctl",
		Short:         "Inspect and maintain a user's offline sync queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Owner <= 0 {
				return errors.New("--owner must be a positive user id")
			}
			return nil
		},
	}

	cmd.PersistentFlags().Int64Var(&opts.Owner, "owner", 0, "user id whose queue to act on (required)")
	_ = cmd.MarkPersistentFlagRequired("owner")

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))
	cmd.AddCommand(newRetryCommand(opts))
	cmd.AddCommand(newCleanupCommand(opts))

	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print status counts, oldest conflicts and last sync time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) (any, error) {
				return s.engine.Status(ctx, opts.Owner)
			})
		},
	}
}

func newReplayCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay one batch of pending operations",
		Long: `Replay up to one batch of the owner's pending operations, oldest first,
and print the batch summary. Fails if a replay for the owner is already running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) (any, error) {
				return s.engine.ProcessPending(ctx, opts.Owner)
			})
		},
	}
}

func newRetryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <operation-id>",
		Short: "Re-queue a failed operation with its original payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid operation id %q", args[0])
			}
			return withSession(cmd, opts, func(ctx context.Context, s *session) (any, error) {
				return s.engine.Retry(ctx, opts.Owner, id)
			})
		},
	}
}

type cleanupResult struct {
	CleanedCount int64 `json:"cleaned_count"`
}

func newCleanupCommand(opts *rootOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete synced operations older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) (any, error) {
				threshold := s.cleanupDays
				if cmd.Flags().Changed("days") {
					threshold = days
				}
				n, err := s.engine.Cleanup(ctx, opts.Owner, threshold)
				return cleanupResult{CleanedCount: n}, err
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", syncqueue.DefaultCleanupDays, "age threshold in days (defaults to the configured value)")

	return cmd
}

// withSession opens an engine, runs fn and prints its result as JSON.
func withSession(cmd *cobra.Command, opts *rootOptions, fn func(context.Context, *session) (any, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	result, err := fn(ctx, s)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), result)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
