package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/simopt/internal/server"
	"github.com/cwbudde/simopt/internal/session"
)

var (
	serveAddr          string
	serveMaxConcurrent int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Serves the session API, a server-sent event stream per session and
Prometheus metrics. On shutdown, running sessions are interrupted but not
cancelled; they resume with 'simopt run' or POST /run.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().IntVar(&serveMaxConcurrent, "max-concurrent", 0, "Sessions running in the background at once (overrides server.max_concurrent)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveAddr != "" {
		appConfig.Server.Addr = serveAddr
	}
	if serveMaxConcurrent > 0 {
		appConfig.Server.MaxConcurrent = serveMaxConcurrent
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	broadcaster := server.NewEventBroadcaster()
	engine, store, err := openEngine(
		session.WithMetrics(session.NewMetrics(reg)),
		session.WithObserver(broadcaster.Observe),
	)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := server.New(engine, server.Options{
		Addr:          appConfig.Server.Addr,
		MaxConcurrent: appConfig.Server.MaxConcurrent,
		Gatherer:      reg,
		Broadcaster:   broadcaster,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info("Server stopped")
	return err
}
