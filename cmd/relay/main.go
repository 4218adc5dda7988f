package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cmdpkg "github.com/stupiduntilnot/relaybot/internal/commander"
	"github.com/stupiduntilnot/relaybot/internal/config"
	ctxpkg "github.com/stupiduntilnot/relaybot/internal/context"
	"github.com/stupiduntilnot/relaybot/internal/control"
	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/dummy"
	"github.com/stupiduntilnot/relaybot/internal/logging"
	"github.com/stupiduntilnot/relaybot/internal/metrics"
	modelpkg "github.com/stupiduntilnot/relaybot/internal/model"
	"github.com/stupiduntilnot/relaybot/internal/openai"
	"github.com/stupiduntilnot/relaybot/internal/relay"
	"github.com/stupiduntilnot/relaybot/internal/telegram"
)

func main() {
	boot := logging.Default()
	if _, err := config.LoadDotEnv(); err != nil {
		boot.Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadRelayConfig()
	if err != nil {
		boot.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer); err != nil {
		logger.Error("relay exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.RelayConfig, logger *logging.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) error {
	log := logger.Component("relay")

	database, err := db.OpenDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.InitSchema(database); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}

	commander, err := newCommander(&cfg)
	if err != nil {
		return fmt.Errorf("failed to init commander: %w", err)
	}
	provider, err := newModelProvider(&cfg)
	if err != nil {
		return fmt.Errorf("failed to init model provider: %w", err)
	}

	m := metrics.NewRelayMetrics(reg)
	events := relay.NewEvents(database, logger.Component("events"))
	events.Start(map[string]any{
		"role":         "relay",
		"pid":          os.Getpid(),
		"provider":     cfg.ModelProvider,
		"source":       cfg.Commander,
		"model":        cfg.OpenAIModel,
		"context_mode": string(cfg.ContextMode),
	})

	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, gatherer, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	r := relay.New(relay.Options{
		Store:             ctxpkg.NewStore(cfg.ContextMode),
		Assembler:         &ctxpkg.ReplyAssembler{},
		Provider:          provider,
		Commander:         commander,
		Model:             cfg.OpenAIModel,
		CompletionTimeout: cfg.CompletionTimeout,
		Logger:            logger.Component("handler"),
		Metrics:           m,
		Events:            events,
	})
	d := relay.NewDispatcher(relay.DispatcherOptions{
		Commander:            commander,
		Handler:              r,
		DB:                   database,
		Events:               events,
		Logger:               logger.Component("dispatcher"),
		Metrics:              m,
		Policy:               control.DefaultPolicy(),
		PollTimeout:          cfg.Timeout,
		Sleep:                time.Duration(cfg.SleepSeconds) * time.Second,
		DropPending:          cfg.DropPending,
		PendingWindowSeconds: cfg.PendingWindowSeconds,
		PendingMaxMessages:   cfg.PendingMaxMessages,
	})

	log.Info("relay running",
		"model", cfg.OpenAIModel,
		"provider", cfg.ModelProvider,
		"source", cfg.Commander,
		"context_mode", cfg.ContextMode,
	)
	runErr := d.Run(ctx)

	events.Log(events.Root(), db.EventProcessStopped, map[string]any{
		"conversations": r.Store().Len(),
	})
	log.Info("relay stopped", "conversations", r.Store().Len())
	return runErr
}

func startMetricsServer(addr string, gatherer prometheus.Gatherer, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(gatherer))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func newCommander(cfg *config.RelayConfig) (cmdpkg.Commander, error) {
	switch cfg.Commander {
	case "telegram":
		return telegram.NewClient(cfg.TelegramAPIBase, time.Duration(cfg.Timeout+20)*time.Second), nil
	case "dummy":
		return dummy.NewCommander(cfg.DummyCommanderScript, cfg.DummySendScript)
	default:
		return nil, fmt.Errorf("unsupported commander: %s", cfg.Commander)
	}
}

func newModelProvider(cfg *config.RelayConfig) (modelpkg.Provider, error) {
	switch cfg.ModelProvider {
	case "openai":
		return openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.CompletionTimeout+5*time.Second), nil
	case "dummy":
		return dummy.NewProvider(cfg.OpenAIModel, cfg.DummyProviderScript)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.ModelProvider)
	}
}
