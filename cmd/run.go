package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/simopt/internal/session"
)

var runParallel int

var runCmd = &cobra.Command{
	Use:   "run <session-id>...",
	Short: "Run sessions until they terminate",
	Long: `Steps each session until it converges, fails or is cancelled. Several
sessions run concurrently, each with its own evaluator calls. Interrupting
the command (Ctrl-C) cancels the sessions that are still running.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSessions,
}

func init() {
	runCmd.Flags().IntVarP(&runParallel, "parallel", "p", 0, "Maximum sessions running at once (0 = server.max_concurrent)")
	rootCmd.AddCommand(runCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	engine, store, err := openEngine()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limit := runParallel
	if limit <= 0 {
		limit = appConfig.Server.MaxConcurrent
	}

	results := make([]session.State, len(args))
	errs := make([]error, len(args))
	// Sessions are independent: one failing does not stop the others.
	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range args {
		g.Go(func() error {
			st, err := engine.Run(ctx, id)
			results[i] = st
			if err != nil && !errors.Is(err, context.Canceled) {
				errs[i] = fmt.Errorf("session %s: %w", id, err)
			}
			return nil
		})
	}
	g.Wait()

	for _, st := range results {
		if st.SessionID == "" {
			continue
		}
		printf(cmd, "%s status=%s stop_reason=%s iterations=%d best=%s\n",
			st.SessionID, st.Status, st.StopReason, st.Iteration, formatScore(st.BestCandidate))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if ctx.Err() != nil {
		slog.Warn("Run interrupted; unfinished sessions were cancelled")
		return ctx.Err()
	}
	return nil
}
