package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	audioimpl "github.com/eumlab/speechbridge/external/audio"
	configloader "github.com/eumlab/speechbridge/external/config"
	gatewayimpl "github.com/eumlab/speechbridge/external/gateway"
	httpserverimpl "github.com/eumlab/speechbridge/external/httpserver"
	publisherimpl "github.com/eumlab/speechbridge/external/publisher"
	repositoryimpl "github.com/eumlab/speechbridge/external/repository"
	transcriberimpl "github.com/eumlab/speechbridge/external/transcriber"
	webhookimpl "github.com/eumlab/speechbridge/external/webhook"
	"github.com/eumlab/speechbridge/internal/config"
	"github.com/eumlab/speechbridge/internal/metrics"
	"github.com/eumlab/speechbridge/internal/presign"
	"github.com/eumlab/speechbridge/internal/publisher"
	"github.com/eumlab/speechbridge/internal/session"
	"github.com/eumlab/speechbridge/internal/transcript"
	"github.com/samber/do/v2"
)

const (
	orphanRecoveryTimeout = 10 * time.Second
	shutdownTimeout       = 15 * time.Second
)

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env)

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	slog.Info("startup: launching http server", "addr", cfg.HTTPListenAddr)
	runServer(injector)
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	metrics.RegisterDI(injector)
	presign.RegisterDI(injector)
	repositoryimpl.RegisterDI(injector)
	audioimpl.RegisterDI(injector)
	transcriberimpl.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	publisherimpl.RegisterDI(injector)
	transcript.RegisterDI(injector)
	session.RegisterDI(injector)
	gatewayimpl.RegisterDI(injector)
	httpserverimpl.RegisterDI(injector)

	return injector
}

func runServer(injector do.Injector) {
	manager, err := do.Invoke[*session.Manager](injector)
	if err != nil {
		slog.Error("failed to resolve session manager", "error", err)
		os.Exit(1)
	}
	srv, err := do.Invoke[*httpserverimpl.Server](injector)
	if err != nil {
		slog.Error("failed to resolve http server", "error", err)
		os.Exit(1)
	}
	pub, err := do.Invoke[publisher.Publisher](injector)
	if err != nil {
		slog.Error("failed to resolve phrase publisher", "error", err)
		os.Exit(1)
	}

	slog.Info("startup: recovering orphaned sessions")
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), orphanRecoveryTimeout)
	err = manager.RecoverOrphans(recoverCtx)
	cancelRecover()
	if err != nil {
		slog.Error("orphan session recovery failed", "error", err)
		os.Exit(1)
	}

	done := make(chan error, 1)
	go func() {
		done <- srv.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-done:
		if err != nil {
			slog.Error("http server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	// Finalize live sessions while their sockets are still open, then drain
	// the listener and flush the phrase publisher.
	stopped := manager.StopAllSessions(session.StopReasonShutdown)
	slog.Info("sessions stopped for shutdown", "count", stopped)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "error", err)
	}
	if err := pub.Close(); err != nil {
		slog.Error("failed to close phrase publisher", "error", err)
	}
	slog.Info("shutdown complete")
}
