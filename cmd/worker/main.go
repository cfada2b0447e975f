// Package main is the entry point for the shotplane worker daemon.
// It drains the configured queues through the local diff tool or the remote
// worker and collects expired leases.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"shotplane/internal/artifact"
	"shotplane/internal/config"
	"shotplane/internal/logger"
	"shotplane/internal/notify"
	"shotplane/internal/observability"
	"shotplane/internal/runner"
	"shotplane/internal/store/postgres"
	"shotplane/internal/worker"
	"shotplane/internal/worker/runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	metricsAddr := flag.String("metrics-addr", ":6162", "Address of the metrics listener")
	flag.Parse()

	// .env is a local development convenience only.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lg := logger.NewWithLevel(os.Stdout, cfg.LogLevel)
	slog.SetDefault(lg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, "shotplane-worker", cfg.OTELEndpoint)
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

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.Close()

	artifacts, err := newArtifactStore(ctx, cfg, lg)
	if err != nil {
		log.Fatalf("Failed to set up artifact store: %v", err)
	}

	notifier, closeNotifier := newNotifier(cfg, lg)
	defer closeNotifier()

	rt, closeRuntime, err := newRuntime(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create %s runtime: %v", cfg.Worker.Runtime, err)
	}
	defer closeRuntime()
	lg.Info("runtime selected", "runtime", cfg.Worker.Runtime)

	remote := worker.NewRemoteWorker(worker.RemoteConfig{
		Host:           cfg.Remote.Host,
		Origin:         cfg.Remote.Origin,
		Environment:    cfg.Remote.Environment,
		ConnectTimeout: cfg.Remote.ConnectTimeout,
		Timeout:        cfg.Remote.Timeout,
		RetryMax:       cfg.Remote.RetryMax,
		RatePerSecond:  cfg.Remote.RatePerSecond,
	}, afero.NewOsFs(), lg)

	registry := worker.NewRegistry()
	mustRegister(registry, worker.TypeLocal, func() (worker.Worker, error) {
		return worker.NewLocalWorker(rt, artifacts, worker.LocalConfig{
			BinaryDir:     cfg.Worker.BinaryDir,
			Image:         cfg.Worker.Image,
			Timeout:       cfg.Worker.RunTimeout,
			GuardCount:    cfg.Worker.GuardCount,
			SharedFolders: append([]string{cfg.Worker.PrivateDir}, cfg.Worker.SharedFolders...),
		}, lg), nil
	})
	mustRegister(registry, worker.TypeRemote, func() (worker.Worker, error) {
		return remote, nil
	})
	if err := registry.Resolve(); err != nil {
		log.Fatalf("Failed to build workers: %v", err)
	}

	queues, err := runner.NewQueues(queueDefinitions(cfg)...)
	if err != nil {
		log.Fatalf("Invalid queue configuration: %v", err)
	}

	executor := runner.NewExecutor(db, artifacts, notifier, runner.ExecutorConfig{
		Debug:         cfg.Worker.Debug,
		ReportBaseURL: cfg.ReportBaseURL,
	}, lg)
	local := runner.NewQueueRunner(db, db, registry, executor, lg)

	var remoteRunner *runner.RemoteRunner
	if cfg.HasRemoteQueue() {
		if !remote.Configured() {
			lg.Warn("remote queues configured without remote.host; items stay waiting")
		}
		remoteRunner = runner.NewRemoteRunner(db, db, remote, executor, artifacts, runner.RemoteConfig{
			BatchSize:       cfg.Remote.BatchSize,
			FetchAllBatches: cfg.Remote.FetchAllBatches,
		}, lg)
	}

	agent := runner.NewAgent(queues, local, remoteRunner, db, db, runner.AgentConfig{
		ID:           cfg.Worker.ID,
		PollInterval: cfg.Worker.PollInterval,
		MaxBackoff:   cfg.Worker.MaxBackoff,
		GCInterval:   cfg.Worker.GCInterval,
		GCRetention:  cfg.Worker.GCRetention,
	}, lg)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		lg.Info("worker metrics listening", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			lg.Error("metrics server error", "error", err)
		}
	}()

	lg.Info("worker started", "id", cfg.Worker.ID, "queues", queues.Names())
	go agent.Run(ctx)

	<-ctx.Done()
	lg.Info("shutting down worker")
	<-agent.Done()
}

func mustRegister(r *worker.Registry, tag string, f worker.Factory) {
	if err := r.Register(tag, f); err != nil {
		log.Fatalf("Failed to register worker: %v", err)
	}
}

func queueDefinitions(cfg *config.Config) []runner.QueueDefinition {
	defs := make([]runner.QueueDefinition, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		defs = append(defs, runner.QueueDefinition{
			Name:    q.Name,
			Worker:  q.Worker,
			Browser: q.Browser,
			Lease:   q.Lease,
			Budget:  q.Budget,
			Direct:  q.Direct,
		})
	}
	return defs
}

func newArtifactStore(ctx context.Context, cfg *config.Config, lg *slog.Logger) (*artifact.Store, error) {
	opts := []artifact.Option{}
	if cfg.Worker.EngineScriptsDir != "" {
		opts = append(opts, artifact.WithEngineScripts(cfg.Worker.EngineScriptsDir))
	}
	if cfg.Minio.Endpoint != "" {
		mirror, err := artifact.NewMinioMirror(ctx, artifact.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		}, lg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, artifact.WithMirror(mirror))
		lg.Info("mirroring artifacts", "endpoint", cfg.Minio.Endpoint, "bucket", cfg.Minio.Bucket)
	}
	return artifact.New(afero.NewOsFs(), cfg.Worker.PrivateDir, lg, opts...)
}

// newNotifier always logs results and publishes them to RabbitMQ when
// configured. A broker that cannot be reached at startup is logged and skipped.
func newNotifier(cfg *config.Config, lg *slog.Logger) (notify.Notifier, func()) {
	logNotifier := notify.Log{Logger: lg}
	if cfg.RabbitMQ.URL == "" {
		return logNotifier, func() {}
	}

	mq, err := notify.NewRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, lg)
	if err != nil {
		lg.Error("rabbitmq unavailable, notifications are logged only", "error", err)
		return logNotifier, func() {}
	}
	return notify.Multi{logNotifier, mq}, func() {
		if err := mq.Close(); err != nil {
			lg.Warn("failed to close rabbitmq", "error", err)
		}
	}
}

func newRuntime(ctx context.Context, cfg *config.Config) (runtime.Runtime, func(), error) {
	switch cfg.Worker.Runtime {
	case config.RuntimeDocker:
		rt, err := runtime.NewDockerRuntime(ctx)
		if err != nil {
			return nil, nil, err
		}
		return rt, func() { rt.Close() }, nil
	default:
		return runtime.NewExecRuntime(cfg.Worker.PrivateDir), func() {}, nil
	}
}
