package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/memoh/internal/channels"
	"github.com/haasonsaas/memoh/internal/channels/telegram"
	"github.com/haasonsaas/memoh/internal/config"
	"github.com/haasonsaas/memoh/internal/cron"
	"github.com/haasonsaas/memoh/internal/flow"
	"github.com/haasonsaas/memoh/internal/httpapi"
	"github.com/haasonsaas/memoh/internal/memory"
	"github.com/haasonsaas/memoh/internal/observability"
	"github.com/haasonsaas/memoh/internal/settings"
	"github.com/haasonsaas/memoh/internal/skills"
	"github.com/haasonsaas/memoh/internal/store"
	"github.com/haasonsaas/memoh/pkg/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"

	catalogpkg "github.com/haasonsaas/memoh/internal/catalog"
)

const shutdownTimeout = 30 * time.Second

// runServe implements the serve command: configuration, wiring, and
// graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	logger.Info("starting memoh",
		slog.String("version", version),
		slog.String("commit", commit),
		slog.String("config", configPath))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	persistence := store.NewPostgres(pool)
	messages := httpapi.NewNotifyingStore(persistence)

	resolver := flow.New(flow.Config{
		Catalog:        catalogpkg.NewPostgres(pool),
		Store:          messages,
		Directory:      persistence,
		Settings:       settings.NewPostgres(pool),
		Memory:         memory.NewClient(logger, cfg.Memory.BaseURL, cfg.Memory.Timeout),
		Skills:         skills.DirLoader{Root: cfg.Skills.Dir},
		GatewayBaseURL: cfg.Gateway.BaseURL,
		GatewayTimeout: cfg.Gateway.Timeout,
		Logger:         logger,
	})

	registry := channels.NewRegistry()
	orchestrator := channels.NewOrchestrator(resolver, logger)

	if cfg.Channels.Telegram.Enabled {
		var adapter *telegram.Adapter
		adapter, err = telegram.NewAdapter(telegram.Config{
			Token:     cfg.Channels.Telegram.BotToken,
			BotID:     cfg.Channels.Telegram.BotID,
			AuthToken: cfg.Gateway.AuthToken,
			Clients:   telegram.NewClientRegistry(),
			Logger:    logger,
		}, func(ctx context.Context, in channels.Inbound) {
			_ = orchestrator.HandleInbound(ctx, adapter, in)
		})
		if err != nil {
			return fmt.Errorf("telegram adapter: %w", err)
		}
		registry.Register(adapter)
	}
	if err := registry.StartAll(ctx); err != nil {
		return fmt.Errorf("channel start failed: %w", err)
	}

	scheduler := cron.NewRunner(withScheduleToken(resolver, cfg.Gateway.AuthToken), cfg.Schedules, logger)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler start failed: %w", err)
	}

	api := httpapi.New(resolver, messages, logger)
	apiServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler: api.Routes(),
	}
	metricsServer := metricsHTTPServer(cfg.Server)

	errCh := make(chan error, 2)
	go func() { errCh <- serveHTTP(apiServer) }()
	go func() { errCh <- serveHTTP(metricsServer) }()

	logger.Info("memoh started",
		slog.String("http_addr", apiServer.Addr),
		slog.String("metrics_addr", metricsServer.Addr),
		slog.Int("channels", len(registry.All())),
		slog.Int("schedules", len(cfg.Schedules)))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	scheduler.Stop()
	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.Warn("channel stop failed", slog.Any("error", err))
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", slog.Any("error", err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown failed", slog.Any("error", err))
	}
	logger.Info("shutdown complete")
	return nil
}

// scheduleTrigger stamps the gateway credential onto scheduled rounds.
type scheduleTrigger struct {
	flow  cron.Trigger
	token string
}

func (s scheduleTrigger) TriggerSchedule(ctx context.Context, req models.ScheduleRequest) (models.ChatResponse, error) {
	req.Token = s.token
	return s.flow.TriggerSchedule(ctx, req)
}

func withScheduleToken(flow cron.Trigger, token string) cron.Trigger {
	if token == "" {
		return flow
	}
	return scheduleTrigger{flow: flow, token: token}
}

func openPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConnections)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("database connect failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

func metricsHTTPServer(cfg config.ServerConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort),
		Handler: mux,
	}
}

func serveHTTP(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
