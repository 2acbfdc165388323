// Package main is the entry point for the procomp live match control plane.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spk364/procomp/internal/auth"
	"github.com/spk364/procomp/internal/bus"
	"github.com/spk364/procomp/internal/config"
	"github.com/spk364/procomp/internal/hub"
	"github.com/spk364/procomp/internal/metrics"
	"github.com/spk364/procomp/internal/router"
	"github.com/spk364/procomp/internal/server"
	"github.com/spk364/procomp/internal/store"
	"github.com/spk364/procomp/pkg/logger"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger config is part of what failed to load; fall back to a
		// bare production logger for the one fatal line.
		fallback, _ := zap.NewProduction()
		fallback.Fatal("failed to load configuration", zap.Error(err))
	}

	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	defer func() {
		if err := log.Sync(); err != nil {
			log.Warn("failed to sync logger", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgres(cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("failed to initialize match store", zap.Error(err))
	}
	defer func() {
		if err := pg.Close(); err != nil {
			log.Warn("failed to close match store", zap.Error(err))
		}
	}()

	redisBus, err := bus.NewRedis(cfg.PubSubURL, log)
	if err != nil {
		log.Fatal("failed to initialize pub/sub bus", zap.Error(err))
	}
	defer func() {
		if err := redisBus.Close(); err != nil {
			log.Warn("failed to close pub/sub bus", zap.Error(err))
		}
	}()

	m := metrics.New()
	verifier := auth.NewVerifier(cfg.TokenSharedSecret, cfg.TokenIssuer)
	appender := store.NewAppender(pg, cfg.CommandRetryMax, log)

	h := hub.New(log, m, redisBus, redisBus, pg, hub.Options{
		PingInterval:  time.Duration(cfg.WSPingIntervalSeconds) * time.Second,
		IdleTimeout:   time.Duration(cfg.WSIdleTimeoutSeconds) * time.Second,
		SendTimeout:   time.Duration(cfg.WSSendTimeoutMS) * time.Millisecond,
		SendQueueSize: cfg.WSSendQueueSize,
	})
	h.SetCommander(router.New(appender, pg, redisBus, m, log))

	srv := server.New(h, verifier, redisBus, pg, log)
	httpServer := server.NewHTTPServer(cfg.HTTPBindAddr, srv.Handler())
	metricsServer := metrics.NewServer(cfg.MetricsBindAddr, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting control plane", zap.String("addr", cfg.HTTPBindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("starting metrics endpoint", zap.String("addr", cfg.MetricsBindAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err := h.Shutdown(shutdownCtx); err != nil {
			log.Warn("hub shutdown incomplete", zap.Error(err))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown incomplete", zap.Error(err))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown incomplete", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server exited with error", zap.Error(err))
	}
	log.Info("server stopped")
}
