package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/x402-foundation/paygate/internal/chain"
	"github.com/x402-foundation/paygate/internal/config"
	"github.com/x402-foundation/paygate/internal/forward"
	"github.com/x402-foundation/paygate/internal/gateway"
	"github.com/x402-foundation/paygate/internal/store"
	"github.com/x402-foundation/paygate/internal/verify"
	"github.com/x402-foundation/paygate/internal/watch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatalf("unable to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.New(ctx, cfg.DBSource)
	if err != nil {
		logger.Fatal("unable to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("unable to migrate database", zap.Error(err))
	}

	indexer := chain.NewIndexerClient(cfg.IndexerURL, logger,
		chain.WithTimeout(cfg.IndexerTimeout))

	verifyOpts := []verify.Option{verify.WithNetwork("stacks:" + cfg.Network)}
	if cfg.StrictAmount {
		verifyOpts = append(verifyOpts, verify.WithStrictAmount())
	}
	if cfg.FacilitatorURL != "" {
		verifyOpts = append(verifyOpts,
			verify.WithFacilitator(chain.NewFacilitatorClient(cfg.FacilitatorURL)))
	}
	verifier := verify.New(indexer, db, "STX", logger, verifyOpts...)

	watcher := watch.New(db, verifier, cfg.WatchInterval, logger)
	watcher.Start(ctx)
	defer watcher.Stop()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := gateway.New(db, db, verifier, forward.New(logger), cfg.BaseURL, logger,
		gateway.WithNetwork("stacks-"+cfg.Network))

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
