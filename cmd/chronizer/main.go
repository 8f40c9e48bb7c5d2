package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alihesham01/chronizer/app"
	"github.com/alihesham01/chronizer/config"
	"github.com/alihesham01/chronizer/observability/metrics"
	"github.com/alihesham01/chronizer/util"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const shutdownTimeout = 45 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("load .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg, flush := util.NewLogger(cfg.LogLevel, cfg.AppEnv == "development")
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []app.Option
	if cfg.Metrics.OTLPEndpoint != "" || cfg.Metrics.OTLPGRPCEndpoint != "" {
		exporter, err := metrics.NewMetricExporter(
			metrics.WithServiceName(cfg.ServiceName),
			metrics.WithEnvironment(cfg.AppEnv),
			metrics.WithOTLPEndpoint(cfg.Metrics.OTLPEndpoint),
			metrics.WithOTLPGRPCEndpoint(cfg.Metrics.OTLPGRPCEndpoint),
		)
		if err != nil {
			lg.Fatal("failed to create metric exporter", zap.Error(err))
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := exporter.Close(closeCtx); err != nil {
				lg.Warn("failed to flush metrics", zap.Error(err))
			}
		}()
		opts = append(opts, app.WithMetrics(exporter))
	}

	a, err := app.New(ctx, lg, cfg, opts...)
	if err != nil {
		lg.Fatal("failed to start chronizer", zap.Error(err))
	}

	<-ctx.Done()
	lg.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		lg.Error("shutdown finished with errors", zap.Error(err))
		return
	}
	lg.Info("chronizer stopped")
}
