package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vestepos/backend/internal/catalog"
	"vestepos/backend/internal/config"
	"vestepos/backend/internal/docstore"
	"vestepos/backend/internal/docstore/memory"
	pgstore "vestepos/backend/internal/docstore/postgres"
	"vestepos/backend/internal/engine"
	"vestepos/backend/internal/httpapi"
	"vestepos/backend/internal/notify"
	"vestepos/backend/internal/scheduler"
	"vestepos/backend/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.Must(logger.New())
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)

	var docs docstore.Store
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("postgres unavailable and DATABASE_URL is set; refusing in-memory fallback", zap.Error(err))
		}
		docs = pg
		closers = append(closers, pg.Close)
		log.Info("docstore: postgres")
	} else {
		docs = memory.New()
		log.Info("docstore: in-memory")
	}

	var broker notify.Broker = notify.NewMemory()
	if cfg.RedisAddr != "" {
		redisBroker := notify.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisBroker.Ping(ctx); err != nil {
			log.Warn("redis unavailable, using in-process broker", zap.Error(err))
		} else {
			broker = redisBroker
			closers = append(closers, redisBroker.Close)
			log.Info("broker: redis")
		}
	} else {
		log.Info("broker: in-process")
	}

	cat := catalog.NewSeeded()
	if cfg.DatabaseURL == "" {
		if err := engine.SeedDev(ctx, docs, cat, cfg.StoreID, log); err != nil {
			log.Fatal("seeding development data", zap.Error(err))
		}
	}

	eng := engine.New(docs, cat, broker, logger.Named(log, "engine"))
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, eng)
	api := httpapi.New(eng, auth, cfg.AllowedOrigin, logger.Named(log, "httpapi"))

	jobs := scheduler.New(eng, time.Duration(cfg.DiscountRequestTTLMinutes)*time.Minute, logger.Named(log, "scheduler"))
	jobs.Start()
	defer jobs.Stop()

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("POS backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error("close error", zap.Error(err))
		}
	}

	log.Info("server stopped")
}
