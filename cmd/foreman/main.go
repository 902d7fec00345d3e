package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildcrew/foreman/internal/api"
	"github.com/buildcrew/foreman/internal/changes"
	"github.com/buildcrew/foreman/internal/config"
	"github.com/buildcrew/foreman/internal/dispatch"
	"github.com/buildcrew/foreman/internal/lifecycle"
	"github.com/buildcrew/foreman/internal/liveness"
	"github.com/buildcrew/foreman/internal/metrics"
	"github.com/buildcrew/foreman/internal/notify"
	broadcast "github.com/buildcrew/foreman/internal/signal"
	"github.com/buildcrew/foreman/internal/store"
	"github.com/buildcrew/foreman/internal/telemetry"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var configPath string

	root := &cobra.Command{
		Use:           "foreman",
		Short:         "Coordination server for fleets of software agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	root.AddCommand(serve)

	// Opening the store applies pending migrations, so migrate is just an
	// open-and-close.
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			return st.Close()
		},
	}
	root.AddCommand(migrate)

	if err := root.Execute(); err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func openStore(cfg *config.Config) (*store.Store, error) {
	switch cfg.DBConnection {
	case config.DriverMySQL:
		return store.OpenMySQL(store.MySQLConfig{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			Name:     cfg.DBName,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
		})
	default:
		return store.OpenSQLite(cfg.DatabaseURL)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTLPEndpoint != "" {
		shutdownTelemetry, err := telemetry.InitTelemetry(runCtx, "foreman", cfg.OTLPEndpoint)
		if err != nil {
			log.Printf("Warning: failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("Error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	hub := broadcast.NewHub()
	// Every committed changelog append wakes the project's long-poll
	// waiters (dispatcher and change feed).
	st.SetChangeNotifier(hub.Publish)
	eval := liveness.NewEvaluator(cfg.OnlineWindow, cfg.RecentWindow, cfg.ServiceStale)
	m := metrics.NewMetrics()
	dispatcher := dispatch.New(st, hub, cfg.WaitTimeout, cfg.MaxWaiters)
	engine := lifecycle.New(st, hub)
	notifier := notify.New(st)
	aggregator := changes.New(st, hub, cfg.WaitTimeout, cfg.MaxWaiters)

	prober := liveness.NewProber(st, eval, 0)
	go prober.Run(runCtx)

	server := api.NewServer(st, dispatcher, engine, notifier, aggregator, eval, m, cfg)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Routes(),
		// Long polls hold the connection up to the dispatch deadline.
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WaitTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] listening on :%d (db=%s)", cfg.Port, cfg.DBConnection)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		log.Printf("[Server] received %s, shutting down", sig)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Printf("[Server] clean shutdown")
	return nil
}
