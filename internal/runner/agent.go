package runner

import (
	"context"
	"log/slog"
	"time"

	"shotplane/internal/store"
	"shotplane/internal/worker"
)

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID           string
	PollInterval time.Duration // Delay between ticks while work is found (default: 5s)
	MaxBackoff   time.Duration // Maximum delay when every queue is idle (default: 60s)
	GCInterval   time.Duration // Interval between garbage collections (default: 5m)
	GCRetention  time.Duration // Age after which expired leased items are deleted (default: 24h)
}

// Agent ticks every queue on a schedule: local queues go through the queue
// runner, remote queues through publish and consume. It also collects
// expired leases.
type Agent struct {
	queues  *Queues
	local   *QueueRunner
	remote  *RemoteRunner
	store   store.QueueStore
	tests   store.TestRunStore
	config  AgentConfig
	logger  *slog.Logger
	done    chan struct{}
	nowFunc func() time.Time
}

// NewAgent creates a new agent. remote may be nil when no queue uses the
// remote worker.
func NewAgent(queues *Queues, local *QueueRunner, remote *RemoteRunner, qs store.QueueStore, tests store.TestRunStore, config AgentConfig, logger *slog.Logger) *Agent {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 60 * time.Second
	}
	if config.MaxBackoff < config.PollInterval {
		config.MaxBackoff = config.PollInterval
	}
	if config.GCInterval <= 0 {
		config.GCInterval = 5 * time.Minute
	}
	if config.GCRetention <= 0 {
		config.GCRetention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		queues:  queues,
		local:   local,
		remote:  remote,
		store:   qs,
		tests:   tests,
		config:  config,
		logger:  logger.With("agent", config.ID),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
}

// Run ticks until ctx is cancelled. The tick in flight finishes first.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)
	a.logger.Info("agent starting", "queues", a.queues.Names(), "poll_interval", a.config.PollInterval)

	a.CollectGarbage(ctx)

	gc := time.NewTicker(a.config.GCInterval)
	defer gc.Stop()

	backoff := a.config.PollInterval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopped")
			return ctx.Err()

		case <-gc.C:
			a.CollectGarbage(ctx)

		case <-timer.C:
			if a.Tick(ctx) > 0 {
				backoff = a.config.PollInterval
			} else {
				backoff = min(backoff*2, a.config.MaxBackoff)
			}
			timer.Reset(backoff)
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Tick runs every queue once and returns how much work was done.
func (a *Agent) Tick(ctx context.Context) int {
	work := 0
	for _, def := range a.queues.All() {
		if ctx.Err() != nil {
			return work
		}
		log := a.logger.With("queue", def.Name)

		if def.Worker == worker.TypeRemote {
			if a.remote == nil {
				log.Warn("remote queue configured without remote runner")
				continue
			}
			work += a.publish(ctx, def, log)
			con, err := a.remote.Consume(ctx, def)
			if err != nil {
				log.Error("remote consume failed", "error", err)
			}
			work += con.Processed + con.Failed
			continue
		}

		n, err := a.local.Run(ctx, def)
		if err != nil {
			log.Error("queue run failed", "error", err)
		}
		if n > 0 {
			log.Info("queue run finished", "processed", n)
		}
		work += n
	}
	return work
}

// publish hands the waiting items of a remote queue over, either in one
// batch pass or item by item through the queue runner.
func (a *Agent) publish(ctx context.Context, def QueueDefinition, log *slog.Logger) int {
	if def.Direct && a.local != nil {
		n, err := a.local.Run(ctx, def)
		if err != nil {
			log.Error("remote dispatch failed", "error", err)
		}
		return n
	}
	pub, err := a.remote.Publish(ctx, def)
	if err != nil {
		log.Error("remote publish failed", "error", err)
	}
	return pub.Published + pub.Failed
}

// CollectGarbage releases expired leases, deletes stale ones and resets
// tests left running without a running item.
func (a *Agent) CollectGarbage(ctx context.Context) {
	stats, err := a.store.GarbageCollection(ctx, a.nowFunc(), a.config.GCRetention)
	if err != nil {
		a.logger.Error("queue garbage collection failed", "error", err)
		return
	}
	reset, err := a.tests.ResetOrphanedRunning(ctx)
	if err != nil {
		a.logger.Error("failed to reset orphaned test runs", "error", err)
		return
	}
	if stats.Deleted > 0 || stats.Released > 0 || reset > 0 {
		a.logger.Info("garbage collected",
			"deleted", stats.Deleted,
			"released", stats.Released,
			"tests_reset", reset,
		)
	}
}
