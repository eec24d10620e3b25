package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/limbo-labs/discord-api-proxy/config"
	"github.com/limbo-labs/discord-api-proxy/internal/admission"
	"github.com/limbo-labs/discord-api-proxy/internal/forwarder"
	"github.com/limbo-labs/discord-api-proxy/internal/log"
	"github.com/limbo-labs/discord-api-proxy/internal/metrics"
	"github.com/limbo-labs/discord-api-proxy/internal/server"
	"github.com/limbo-labs/discord-api-proxy/internal/store"
)

func main() {
	bootLogger := log.Default()
	cfg := config.FromEnv(bootLogger)

	level := log.ParseLevel(cfg.LogLevel)
	logger := log.New(level, cfg.LogFormat, os.Stdout)
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := store.Open(ctx, cfg.Redis, logger)
	cancel()
	if err != nil {
		logger.Error("coordination store unavailable, exiting", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctrl := &admission.Controller{
		Store:      st,
		Config:     cfg.Proxy,
		Logger:     logger,
		Discoverer: &admission.GlobalDiscoverer{Logger: logger},
	}

	fwd := forwarder.New(logger, st, cfg.Proxy.DisableHTTP2, cfg.Proxy.BucketTTL, cfg.Proxy.RatelimitTimeout)
	mc := metrics.New(cfg.Proxy.MetricsTTL)

	srv := server.New(cfg, st, ctrl, fwd, mc, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited with error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}
