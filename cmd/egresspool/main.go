package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazz-dev/egresspool/internal/alert"
	"github.com/hazz-dev/egresspool/internal/config"
	"github.com/hazz-dev/egresspool/internal/registry"
	"github.com/hazz-dev/egresspool/internal/scheduler"
	"github.com/hazz-dev/egresspool/internal/server"
	"github.com/hazz-dev/egresspool/internal/source"
	"github.com/hazz-dev/egresspool/internal/storage"
	"github.com/hazz-dev/egresspool/internal/validator"
	"github.com/hazz-dev/egresspool/internal/version"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "egresspool",
		Short:        "Scored egress proxy pool with paced, retrying fetches",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "config.yml", "config file path")

	root.AddCommand(versionCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(fetchCmd())
	root.AddCommand(statusCmd())

	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "egresspool "+version.String())
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pool with periodic validation and the HTTP API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// 1. Load config and install the logger
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	// 2. Open SQLite and restore the last pool as fresh candidates
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	restored := 0
	if snap, err := db.LoadSnapshot(context.Background()); err != nil {
		logger.Warn("loading pool snapshot", "error", err)
	} else {
		for _, ep := range snap {
			if a.reg.Add(ep.Key) {
				restored++
			}
		}
	}
	added := a.loadCandidates()
	logger.Info("pool loaded", "restored", restored, "candidates", added, "total", a.reg.Len())

	// 3. Record every probe
	a.validator.SetOnResult(func(r validator.Result) {
		if err := db.InsertProbe(context.Background(), r); err != nil {
			logger.Error("recording probe", "endpoint", r.Endpoint.String(), "error", err)
		}
	})

	// 4. Alerts, scheduler, API and stream hub
	alerter := alert.New(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Cooldown.Duration, cfg.Alerts.MinHealthy, logger)
	defer alerter.Close()

	sched := a.scheduler(db)
	hub := server.NewHub(cfg.Server.StreamInterval.Duration, nil)
	apiServer := server.New(a.reg, a.fetcher, sched, db, hub, server.Options{
		MinScore:       cfg.Pool.MinScore,
		EvictScore:     cfg.Pool.EvictScore,
		Policy:         cfg.Pool.SelectionPolicy(),
		MaxConcurrency: cfg.Fetch.MaxConcurrency,
	}, logger)
	apiServer.SetOnEvict(a.forget)
	hub.SetSnapshot(apiServer.StatsSnapshot)
	sched.SetOnSweep(func(rep scheduler.Report) {
		alerter.Observe(rep.Eligible, rep.Total)
		apiServer.PublishSweep(rep)
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: apiServer.Router(),
	}

	// 5. Signal context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 6. Start background loops
	go hub.Run(ctx)
	if cfg.Sources.Watch && len(cfg.Sources.Files) > 0 {
		go func() {
			err := source.Watch(ctx, cfg.Sources.Files, func(path string, keys []registry.Key) {
				if n := a.addKeys(keys); n > 0 {
					logger.Info("candidates added from file", "path", path, "added", n)
				}
			}, logger)
			if err != nil {
				logger.Error("watching candidate files", "error", err)
			}
		}()
	}
	sched.Start(ctx)
	logger.Info("scheduler started", "interval", cfg.Validator.Interval.Duration)

	// 7. Start HTTP server in background
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.Server.Address)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// 8. Wait for signal or server error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		stop()
		sched.Wait()
		return fmt.Errorf("HTTP server: %w", err)
	}

	// 9. Graceful shutdown
	sched.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Probe every configured candidate once and print the result",
		RunE:  runValidate,
	}
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return executeValidate(ctx, cmd.OutOrStdout(), cfg, newLogger(cmd.ErrOrStderr(), cfg.Log))
}

func fetchCmd() *cobra.Command {
	var opts fetchOptions
	cmd := &cobra.Command{
		Use:   "fetch URL...",
		Short: "Fetch URLs through the pool",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return executeFetch(ctx, cmd.OutOrStdout(), cfg, newLogger(cmd.ErrOrStderr(), cfg.Log), args, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.validate, "validate", false, "validate the pool before fetching")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "maximum requests in flight (default fetch.max_concurrency)")
	cmd.Flags().StringVar(&opts.method, "method", "GET", "HTTP method")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the last persisted pool snapshot",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	return executeStatus(cmd, db)
}
