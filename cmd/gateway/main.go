package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/msbench/federation-gateway/internal/telemetry"
	"github.com/msbench/federation-gateway/pkg/gateway"
)

const serviceName = "federation-gateway"

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 for a graceful stop in any state,
// 1 for bad configuration or an aborted bootstrap.
func run() int {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := gateway.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	registry, err := gateway.NewRegistry(cfg.Subgraphs)
	if err != nil {
		logger.Error("invalid subgraph configuration", slog.String("error", err.Error()))
		return 1
	}

	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg.Tracing.Enabled, logger)
	if err != nil {
		logger.Error("failed to initialize tracer", slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	gw, err := gateway.New(cfg, registry, gateway.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create gateway", slog.String("error", err.Error()))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inst, err := gw.Start(ctx)
	switch {
	case errors.Is(err, gateway.ErrAborted):
		logger.Error("gateway failed to start", slog.String("error", err.Error()))
		return 1
	case err != nil && ctx.Err() != nil:
		logger.Info("shutdown signal received before serving")
		return 0
	case err != nil:
		logger.Error("gateway failed to start", slog.String("error", err.Error()))
		return 1
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := inst.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	return 0
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
