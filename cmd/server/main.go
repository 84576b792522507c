package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowhub/internal/app"
	"escrowhub/internal/config"
	"escrowhub/internal/logging"
	"escrowhub/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.Setup("escrowhub", cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logging error: %v", err)
	}

	ctx := context.Background()
	stack, err := app.Build(ctx, cfg, logger, app.WithIdempotency())
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}

	apiServer := server.NewServer(cfg, server.Deps{
		Coordinator:   stack.Coordinator,
		Store:         stack.Idempotency,
		Notifications: stack.Notifications,
		Emitter:       stack.Emitter,
		Metrics:       stack.Metrics,
		Logger:        logger,
		RPCHealth:     stack.RPCHealth,
	})

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server stopped")
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	if err := stack.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("notification drain incomplete")
	}
}
