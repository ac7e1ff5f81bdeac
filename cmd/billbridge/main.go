package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/billbridge/billbridge/internal/api"
	"github.com/billbridge/billbridge/internal/billing"
	"github.com/billbridge/billbridge/internal/config"
	"github.com/billbridge/billbridge/internal/history"
	"github.com/billbridge/billbridge/internal/logging"
	"github.com/billbridge/billbridge/internal/metrics"
	"github.com/billbridge/billbridge/internal/providers"
	"github.com/billbridge/billbridge/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "billbridge",
	Short:   "BillBridge - subscription billing bridge",
	Long:    `BillBridge keeps a local view of subscription entitlement in sync with an external billing provider and exposes it over REST and WebSocket`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("BillBridge %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// eventFanout delivers billing lifecycle events to every interested sink:
// the persistent history store and connected WebSocket clients.
type eventFanout struct {
	store *history.Store
	hub   *websocket.Hub
}

func (f *eventFanout) RecordEvent(event billing.EventType, detail string) {
	if f.store != nil {
		f.store.RecordEvent(event, detail)
	}
	if f.hub != nil {
		f.hub.BroadcastEvent(event, detail)
	}
}

// controllerFactory builds billing controllers from current configuration.
// The reload path calls it again, so a provider change in .env takes effect
// without a restart.
func controllerFactory(cfg *config.Config, recorder billing.EventRecorder) billing.Factory {
	return func() (*billing.Controller, error) {
		svc, err := providers.New(cfg, logging.New("provider"))
		if err != nil {
			return nil, err
		}

		return billing.NewController(svc, billing.Options{
			ProductID: cfg.ProductID,
			Retry: billing.RetryConfig{
				BaseDelay: cfg.RetryBaseDelay,
				TaskDelay: cfg.DeferredTaskDelay,
				MaxRetry:  cfg.RetryMax,
			},
			CallTimeout: cfg.CallTimeout,
			Recorder:    recorder,
		}, logging.New("billing")), nil
	}
}

func runServer() {
	// Initialize logger with baseline defaults for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "billbridge",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "billbridge",
	})

	log.Info().
		Str("version", Version).
		Str("provider", cfg.BillingProvider).
		Str("productId", cfg.ProductID).
		Msg("Starting BillBridge server")

	api.Version = Version
	api.Build = BuildTime

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsPort > 0 {
		startMetricsServer(ctx, fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort))
	}

	// Wire up Prometheus metrics for the billing lifecycle
	billing.SetMetricHooks(
		metrics.RecordReady,
		metrics.RecordSubscribed,
		metrics.RecordConnectResult,
		metrics.RecordReconnectScheduled,
		metrics.RecordRetriesExhausted,
		metrics.RecordPurchasesUpdated,
		metrics.RecordPurchaseFlow,
	)

	// Persistent event history
	storeCfg := history.DefaultConfig(cfg.DataPath)
	storeCfg.Retention = time.Duration(cfg.HistoryRetentionDays) * 24 * time.Hour
	store, err := history.NewStore(storeCfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to open event history store, lifecycle events will not be persisted")
	}

	// Diagnostic snapshot of the last known billing state
	snapshots := config.NewSnapshotStore(cfg.DataPath)
	if prev, err := snapshots.Load(); err != nil {
		log.Warn().Err(err).Msg("Failed to read stored billing snapshot")
	} else if prev != nil {
		log.Info().
			Bool("subscribed", prev.Snapshot.Subscribed).
			Time("savedAt", prev.SavedAt).
			Msg("Loaded billing snapshot from previous run")
	}

	// Initialize WebSocket hub first; the state getter is wired once the
	// controller exists.
	wsHub := websocket.NewHub(nil, cfg.AllowedOrigins)
	go wsHub.Run()

	recorder := &eventFanout{store: store, hub: wsHub}

	// Every controller swap re-subscribes the observables so state changes
	// keep flowing to clients and to the snapshot file.
	publish := func(c *billing.Controller) {
		snap := c.Snapshot()
		wsHub.BroadcastState(snap)
		if err := snapshots.Save(snap); err != nil {
			log.Warn().Err(err).Msg("Failed to persist billing snapshot")
		}
	}
	onSwap := func(c *billing.Controller) {
		c.Ready().Subscribe(func(bool) { publish(c) })
		c.Subscribed().Subscribe(func(bool) { publish(c) })
		c.Product().Subscribe(func(billing.ProductInfo) { publish(c) })
	}

	controllers, err := billing.NewReloadableController(controllerFactory(cfg, recorder), onSwap, logging.New("billing"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize billing controller")
	}

	wsHub.SetStateGetter(func() billing.Snapshot {
		return controllers.Get().Snapshot()
	})

	controllers.Start(ctx)

	router := api.NewRouter(cfg, controllers, store, wsHub, controllers.Reload)

	// NOTE: ReadHeaderTimeout instead of ReadTimeout so the deadline does not
	// outlive the WebSocket upgrade.
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           router.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start config watcher for .env file changes
	configWatcher, err := config.NewConfigWatcher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, .env changes will require restart")
	} else {
		configWatcher.SetReloadCallback(func() {
			log.Info().Msg("Billing settings changed, reinitializing controller")
			if err := controllers.Reload(); err != nil {
				log.Error().Err(err).Msg("Failed to reload billing controller after .env change")
			}
		})
		if err := configWatcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer configWatcher.Stop()
	}

	// Start server
	go func() {
		log.Info().
			Str("host", cfg.Host).
			Int("port", cfg.Port).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	// Setup signal handlers
	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)

	// SIGTERM and SIGINT for shutdown
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	// SIGHUP for config reload
	signal.Notify(reloadChan, syscall.SIGHUP)

	// Handle signals
	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading configuration...")

			// Re-read .env manually (the watcher will also pick it up)
			if configWatcher != nil {
				configWatcher.ReloadConfig()
			}

			if err := controllers.Reload(); err != nil {
				log.Error().Err(err).Msg("Failed to reload billing controller after SIGHUP")
			} else {
				log.Info().Msg("Runtime configuration reloaded")
			}

		case <-sigChan:
			log.Info().Msg("Shutting down server...")
			goto shutdown
		}
	}

shutdown:

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	controllers.Stop()

	if store != nil {
		store.Close()
	}

	log.Info().Msg("Server stopped")
}
