package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/changqingla/ireader/config"
	"github.com/changqingla/ireader/engine"
	"github.com/changqingla/ireader/internal/cache"
	"github.com/changqingla/ireader/internal/metrics"
	"github.com/changqingla/ireader/llm"
	"github.com/changqingla/ireader/llm/tokenizer"
	"github.com/changqingla/ireader/protocol"
	"github.com/changqingla/ireader/session"
	"github.com/changqingla/ireader/tool"
)

// app owns every long-lived component and their shutdown order.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *gorm.DB
	cacheMgr *cache.Manager
	registry *tool.Registry
	protocol *protocol.Manager
	router   *engine.Router
	metrics  *metrics.Collector
	server   *http.Server
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	db, err := gorm.Open(sqlite.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLife)
	a.db = db

	cacheMgr, err := cache.NewManager(cfg.Redis, logger)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.cacheMgr = cacheMgr

	a.metrics = metrics.NewCollector("ireader", nil, logger)

	provider := llm.NewOpenAIProvider(cfg.LLM.Provider, logger)
	caller := llm.NewCaller(provider, cfg.LLM.MaxConcurrent, logger)
	caller.SetRecorder(a.metrics)
	accountant := tokenizer.NewAccountant()

	store := session.NewStore(db, cacheMgr, logger)
	store.SetRecorder(a.metrics)
	if err := store.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	compressor := session.NewCompressor(store, caller, accountant, cfg.Engine.Compressor, logger)
	compressor.SetRecorder(a.metrics)
	sessions := session.NewManager(store, accountant, compressor, logger)
	injector := session.NewInjector(store, logger)

	a.registry = tool.NewRegistry(logger)
	recallClient := tool.NewRecallClient(cfg.Recall, logger)
	recallTool := tool.NewRecallTool(recallClient)
	if err := a.registry.RegisterNative(recallTool); err != nil {
		return nil, fmt.Errorf("register recall tool: %w", err)
	}
	searchClient := tool.NewSearchClient(cfg.Search, logger)
	if err := a.registry.RegisterNative(tool.NewSearchTool(searchClient)); err != nil {
		return nil, fmt.Errorf("register search tool: %w", err)
	}
	docTools := tool.NewDocToolCache(recallClient, cfg.Engine.DocToolCapacity, logger)
	summaryCache := tool.NewSummaryCache(cacheMgr, cfg.Engine.SummaryCacheTTL, logger)
	summaryCache.SetRecorder(a.metrics)

	a.protocol = protocol.NewManager(cfg.Protocol.Servers, a.registry, logger)

	cancels := engine.NewCancelRegistry(cfg.Engine.CancelTTL)
	react := engine.NewReactEngine(caller, a.registry, injector, accountant, cfg.Engine.React, logger)
	react.SetRecorder(a.metrics)
	planner := engine.NewPlanner(caller, recallTool, docTools, cfg.Engine.Planner, logger)
	summarizer := engine.NewSummarizer(caller, summaryCache, docTools, accountant, cfg.Engine.Summarizer, logger)
	a.router = engine.NewRouter(caller, sessions, injector, react, planner, summarizer,
		cancels, cfg.Engine.Router, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", a.handleHealth)
	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: mux,
	}
	return a, nil
}

// Run starts the protocol servers and the metrics endpoint, then blocks
// until a termination signal arrives.
func (a *app) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(a.cfg.Protocol.Servers) > 0 {
		if err := a.protocol.Start(ctx); err != nil {
			return fmt.Errorf("start protocol servers: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("metrics endpoint listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go a.pollPoolStats(ctx)

	names := make([]string, 0)
	for _, t := range a.registry.All() {
		names = append(names, t.Name())
	}
	a.logger.Info("engine ready", zap.Strings("tools", names))

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("metrics endpoint failed", zap.Error(err))
	}
	return a.shutdown()
}

// pollPoolStats feeds protocol pool health into the metrics collector.
func (a *app) pollPoolStats(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for id, stats := range a.protocol.Stats() {
				a.metrics.RecordPoolStats(id, stats.Total, stats.InUse, stats.Available)
			}
		}
	}
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.cacheMgr.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "cache unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func (a *app) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("metrics endpoint shutdown", zap.Error(err))
	}
	a.protocol.Stop()
	if err := a.cacheMgr.Close(); err != nil {
		a.logger.Warn("cache close", zap.Error(err))
	}
	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.logger.Warn("database close", zap.Error(err))
		}
	}
	return nil
}
