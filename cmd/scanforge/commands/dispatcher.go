package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/scanforge/scanforge/internal/classification"
	"github.com/scanforge/scanforge/internal/config"
	"github.com/scanforge/scanforge/internal/datastore"
	"github.com/scanforge/scanforge/internal/dispatch"
	"github.com/scanforge/scanforge/internal/observability"
	"github.com/scanforge/scanforge/internal/scheduler"
	"github.com/scanforge/scanforge/internal/watcher"
)

// shutdownTimeout bounds how long the metrics server drains on exit.
const shutdownTimeout = 5 * time.Second

// meterName identifies the dispatcher's OTel meter.
const meterName = "scanforge"

// NewDispatcherCommand creates the dispatcher command.
func NewDispatcherCommand() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "dispatcher",
		Short: "Run the dispatching core",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDispatcher(cmd.Context(), configPath, verbose)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	return cmd
}

func runDispatcher(ctx context.Context, configPath string, verbose bool) error {
	cfg, cfgErr := config.LoadConfig(configPath)
	if cfgErr != nil {
		return cfgErr
	}

	log := newLogger(verbose)

	s, storeErr := openStore(cfg, log)
	if storeErr != nil {
		return storeErr
	}
	defer func() { _ = s.Close() }()

	ds := datastore.NewMemory()

	services, catalogErr := catalogSource(cfg, ds)
	if catalogErr != nil {
		return catalogErr
	}

	catalog := scheduler.NewCatalog(services, cfg.Catalog.Refresh, log)
	sched := scheduler.New(catalog, cfg.Core.Dispatcher.Stages, log)

	meter, metricsHandler, meterErr := observability.PrometheusMeter(meterName)
	if meterErr != nil {
		return meterErr
	}

	metrics, metricsErr := observability.NewDispatcherMetrics(meter)
	if metricsErr != nil {
		return metricsErr
	}

	d := dispatch.New(dispatch.Options{
		Store:              s,
		Datastore:          ds,
		Scheduler:          sched,
		Classification:     classification.NewEngine(cfg.Classification.Levels),
		Metrics:            metrics,
		Logger:             log,
		Timeout:            cfg.Core.Dispatcher.Timeout,
		MaxExtractionDepth: cfg.Submission.MaxExtractionDepth,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.Core.Dispatcher.SubmissionWorkers; i++ {
		group.Go(func() error { return d.RunSubmissionLoop(ctx) })
	}

	for i := 0; i < cfg.Core.Dispatcher.FileWorkers; i++ {
		group.Go(func() error { return d.RunFileLoop(ctx) })
	}

	group.Go(func() error { return watcher.NewServer(s, log).Run(ctx) })

	if cfg.Metrics.Addr != "" {
		serveMetrics(ctx, group, cfg.Metrics.Addr, metricsHandler)
	}

	log.InfoContext(ctx, "dispatcher running",
		"submission_workers", cfg.Core.Dispatcher.SubmissionWorkers,
		"file_workers", cfg.Core.Dispatcher.FileWorkers,
		"metrics", cfg.Metrics.Addr)

	waitErr := group.Wait()
	if errors.Is(waitErr, context.Canceled) {
		return nil
	}

	return waitErr
}

// serveMetrics runs the Prometheus scrape endpoint inside the group and
// drains it when the context is canceled.
func serveMetrics(ctx context.Context, group *errgroup.Group, addr string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	group.Go(func() error {
		serveErr := server.ListenAndServe()
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}

		return serveErr
	})

	group.Go(func() error {
		<-ctx.Done()

		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return server.Shutdown(shutCtx)
	})
}
