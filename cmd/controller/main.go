// Package main is the entry point for the shotplane controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shotplane/internal/artifact"
	"shotplane/internal/config"
	"shotplane/internal/controller"
	"shotplane/internal/controller/handlers"
	"shotplane/internal/logger"
	"shotplane/internal/observability"
	"shotplane/internal/store"
	"shotplane/internal/store/postgres"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// .env is a local development convenience only.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lg := logger.NewWithLevel(os.Stdout, cfg.LogLevel)
	slog.SetDefault(lg)

	ctx := context.Background()
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.Close()

	if *migrateFlag {
		lg.Info("running database migrations")
		if err := postgres.Migrate(db.DB(), lg); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		lg.Info("migrations completed")
	}

	shutdownTracer, err := observability.InitTracer(ctx, "shotplane-controller", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			lg.Error("failed to shutdown tracer", "error", err)
		}
	}()

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			lg.Error("failed to shutdown metrics", "error", err)
		}
	}()

	queues := make([]handlers.Queue, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		queues = append(queues, handlers.Queue{Name: q.Name, Worker: q.Worker})
	}

	// Queried only when scraped.
	err = observability.RegisterQueueDepth(func(ctx context.Context) (map[string]map[string]int64, error) {
		depth := make(map[string]map[string]int64, len(queues))
		for _, q := range queues {
			depth[q.Name] = map[string]int64{}
			for _, st := range []store.Status{store.StatusWaiting, store.StatusRunning, store.StatusRemote, store.StatusError} {
				n, err := db.NumberOfItems(ctx, q.Name, st)
				if err != nil {
					lg.Warn("failed to count queue depth", "queue", q.Name, "error", err)
					return nil, nil
				}
				depth[q.Name][string(st)] = n
			}
		}
		return depth, nil
	})
	if err != nil {
		lg.Error("failed to register queue depth metric", "error", err)
	}

	// The controller only removes artifacts; the worker mirrors them.
	var mirrorOpts []artifact.Option
	if cfg.Minio.Endpoint != "" {
		mirror, err := artifact.NewMinioMirror(ctx, artifact.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		}, lg)
		if err != nil {
			lg.Error("minio unavailable, mirrored artifacts are not removed", "error", err)
		} else {
			mirrorOpts = append(mirrorOpts, artifact.WithMirror(mirror))
		}
	}
	artifacts, err := artifact.New(afero.NewOsFs(), cfg.Worker.PrivateDir, lg, mirrorOpts...)
	if err != nil {
		log.Fatalf("Failed to set up artifact store: %v", err)
	}

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, db, artifacts, controller.Options{
		Queues:         queues,
		RateLimit:      cfg.APIRateLimit,
		RateBurst:      cfg.APIRateBurst,
		MetricsHandler: metricsHandler,
	}, lg)

	go func() {
		lg.Info("shotplane controller starting", "addr", addr)
		if err := srv.Run(ctx); err != nil {
			lg.Error("server stopped", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("shutting down controller")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	lg.Info("server exited properly")
}
