package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/shopclerk/shopclerk/internal/config"
	"github.com/shopclerk/shopclerk/internal/logger"
	"github.com/shopclerk/shopclerk/internal/tracing"
	"github.com/shopclerk/shopclerk/pkg/catalog"
	"github.com/shopclerk/shopclerk/pkg/chat"
	"github.com/shopclerk/shopclerk/pkg/commerce"
	"github.com/shopclerk/shopclerk/pkg/confirm"
	"github.com/shopclerk/shopclerk/pkg/gateway"
	"github.com/shopclerk/shopclerk/pkg/i18n"
	"github.com/shopclerk/shopclerk/pkg/orchestrator"
	"github.com/shopclerk/shopclerk/pkg/queue"
	"github.com/shopclerk/shopclerk/pkg/session"
	"github.com/shopclerk/shopclerk/pkg/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the shopclerk gateway",
	Long: `Start the gateway server. It accepts chat turns over HTTP and
WebSocket, drives the agent loop against the configured model and commerce
backend, and persists conversations on disk.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	appLogger, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	log := appLogger.GetZerolog()

	if err := tracing.InitTracing(tracing.TracerConfig{ServiceName: "shopclerk", Version: version}); err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}

	bundle := i18n.NewBundle(log)
	var localeWatcher *i18n.Watcher
	if cfg.Locale.OverridesDir != "" {
		if err := bundle.LoadDir(cfg.Locale.OverridesDir); err != nil {
			log.Warn().Err(err).Str("dir", cfg.Locale.OverridesDir).Msg("Failed to load locale overrides")
		}
		if localeWatcher, err = i18n.NewWatcher(bundle, cfg.Locale.OverridesDir, log); err != nil {
			log.Warn().Err(err).Msg("Locale watcher unavailable")
		}
	}

	backendClient, err := commerce.NewHTTPClient(commerce.HTTPClientConfig{
		BaseURL:       cfg.Backend.BaseURL,
		ApplicationID: cfg.Backend.ApplicationID,
		Timeout:       time.Duration(cfg.Backend.TimeoutMs) * time.Millisecond,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("failed to create commerce client: %w", err)
	}

	catalogStore, err := catalog.NewStore(catalog.StoreConfig{
		DBPath:    cfg.Catalog.DBPath,
		CacheSize: cfg.Catalog.CacheSize,
		TTL:       time.Duration(cfg.Catalog.TTLMinutes) * time.Minute,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("failed to open catalog store: %w", err)
	}
	defer catalogStore.Close()

	registry := tools.NewRegistry()
	for _, t := range []tools.Tool{
		tools.NewSearchTool(backendClient, log),
		tools.NewProductTool(backendClient, catalogStore, log),
		tools.NewCartAddTool(backendClient, log),
		tools.NewCartRemoveTool(backendClient, log),
	} {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("failed to register tool: %w", err)
		}
	}

	gate := confirm.NewGate(bundle, log)

	provider, err := chat.NewProvider(cfg.Model.Provider, cfg.Model.APIKey)
	if err != nil {
		return err
	}

	runner, err := chat.NewRunner(chat.Config{
		Provider: provider,
		Registry: registry,
		Gate:     gate,
		Catalog:  catalogStore,
		Bundle:   bundle,
		Logger:   log,
		Model: chat.ModelSettings{
			Name:        cfg.Model.Name,
			Temperature: cfg.Model.Temperature,
			MaxTokens:   cfg.Model.MaxTokens,
		},
		SystemPrompt: cfg.Agent.SystemPrompt,
	})
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	store, err := session.New(cfg.Session.Dir)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	defer store.Close()

	cleanup := session.NewCleanup(store, time.Duration(cfg.Session.TTLHours)*time.Hour)
	if err := cleanup.Start(""); err != nil {
		log.Warn().Err(err).Msg("Conversation cleanup unavailable")
	}

	maintenance := cron.New()
	if _, err := maintenance.AddFunc("@every 10m", func() {
		if n, err := catalogStore.EvictExpired(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Catalog eviction failed")
		} else if n > 0 {
			log.Debug().Int64("evicted", n).Msg("Expired catalog entries evicted")
		}
	}); err != nil {
		log.Warn().Err(err).Msg("Catalog eviction schedule unavailable")
	}
	maintenance.Start()

	turnQueue := queue.New()

	service, err := orchestrator.NewService(orchestrator.Config{
		Runner:   runner,
		Store:    store,
		Queue:    turnQueue,
		Gate:     gate,
		Registry: registry,
		Logger:   log,
		Limits: chat.Limits{
			MaxRounds:            cfg.Agent.MaxRounds,
			MaxToolCallsPerRound: cfg.Agent.MaxToolCallsPerRound,
		},
		ApplicationID: cfg.Backend.ApplicationID,
	})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := gateway.NewServer(gateway.Config{
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		Service:      service,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Gateway shutdown incomplete")
	}
	turnQueue.WaitForActive(10 * time.Second)
	turnQueue.Close()
	maintenance.Stop()
	cleanup.Stop()
	if localeWatcher != nil {
		localeWatcher.Stop()
	}
	if err := tracing.ShutdownTracing(shutdownCtx); err != nil {
		log.Debug().Err(err).Msg("Tracing shutdown incomplete")
	}

	log.Info().Msg("Goodbye")
	return nil
}
