package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"shotplane/internal/store"
	"shotplane/internal/worker"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Workers resolves a worker by type tag. *worker.Registry satisfies it.
type Workers interface {
	Get(tag string) (worker.Worker, error)
}

// QueueRunner claims items of a queue one at a time and runs them.
type QueueRunner struct {
	queue    store.QueueStore
	tests    store.TestRunStore
	workers  Workers
	executor *Executor
	logger   *slog.Logger
	now      func() time.Time

	tracer    trace.Tracer
	processed metric.Int64Counter
	outcomes  metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewQueueRunner creates a queue runner.
func NewQueueRunner(queue store.QueueStore, tests store.TestRunStore, workers Workers, executor *Executor, logger *slog.Logger) *QueueRunner {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("shotplane-runner")
	processed, _ := meter.Int64Counter("shotplane.runner.items_processed",
		metric.WithDescription("Queue items processed successfully"))
	outcomes, _ := meter.Int64Counter("shotplane.runner.outcomes",
		metric.WithDescription("Dispatch outcomes by kind"))
	duration, _ := meter.Float64Histogram("shotplane.runner.dispatch_duration",
		metric.WithDescription("Time spent running one queue item"),
		metric.WithUnit("s"))

	return &QueueRunner{
		queue:     queue,
		tests:     tests,
		workers:   workers,
		executor:  executor,
		logger:    logger,
		now:       time.Now,
		tracer:    otel.Tracer("shotplane-runner"),
		processed: processed,
		outcomes:  outcomes,
		duration:  duration,
	}
}

// Run processes items of def until the queue is empty, the time budget is
// spent or an outcome stops the invocation. It returns the number of items
// processed successfully.
func (r *QueueRunner) Run(ctx context.Context, def QueueDefinition) (int, error) {
	def = def.withDefaults()
	w, err := r.workers.Get(def.Worker)
	if err != nil {
		return 0, err
	}

	log := r.logger.With("queue", def.Name, "worker", def.Worker)
	deadline := r.now().Add(def.Budget)
	processed := 0

	for r.now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		running, err := r.queue.NumberOfRunningItems(ctx, def.Name)
		if err != nil {
			return processed, err
		}
		if running > 0 {
			log.Debug("queue has a running item, not claiming", "running", running)
			return processed, nil
		}

		item, err := r.queue.ClaimItem(ctx, def.Name, def.Lease)
		if err != nil {
			return processed, err
		}
		if item == nil {
			return processed, nil
		}

		outcome, err := r.process(ctx, w, def, item)
		if err != nil {
			return processed, err
		}
		if outcome == OutcomeDone || outcome == OutcomeDeferred {
			processed++
		}
		if outcome.stops() {
			log.Info("queue run stopped", "outcome", outcome.String(), "item_id", item.ID)
			return processed, nil
		}
	}

	return processed, nil
}

// process runs one claimed item. The returned error is a storage failure
// while recording the outcome; dispatch errors become outcomes.
func (r *QueueRunner) process(ctx context.Context, w worker.Worker, def QueueDefinition, item *store.QueueItem) (Outcome, error) {
	log := r.logger.With("queue", def.Name, "item_id", item.ID, "test_id", item.TestID, "stage", item.Stage)

	test, err := r.tests.GetTestRun(ctx, item.TestID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("test run no longer exists, deleting queue item")
		if err := r.queue.DeleteItem(ctx, item); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeFailed, nil
	}
	if err != nil {
		if _, rerr := r.queue.ReleaseItem(ctx, item, store.StatusWaiting); rerr != nil {
			log.Error("failed to release item", "error", rerr)
		}
		return OutcomeSuspend, err
	}

	if test.Status == store.StatusRunning {
		log.Info("test is already running, releasing item")
		if _, err := r.queue.ReleaseItem(ctx, item, store.StatusWaiting); err != nil {
			return OutcomeRequeue, err
		}
		return OutcomeRequeue, nil
	}

	if err := r.setStatus(ctx, item, test, store.StatusRunning); err != nil {
		return OutcomeFailed, err
	}

	spanCtx, span := r.tracer.Start(ctx, "process_queue_item",
		trace.WithAttributes(
			attribute.String("queue.name", def.Name),
			attribute.Int64("queue.item_id", item.ID),
			attribute.Int64("test.id", test.ID),
			attribute.String("test.stage", item.Stage),
			attribute.String("worker.type", def.Worker),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	start := r.now()

	dispatchErr := r.executor.Execute(spanCtx, w, def.Browser, test, item.Stage)
	outcome := Classify(dispatchErr)

	r.duration.Record(ctx, r.now().Sub(start).Seconds(), metric.WithAttributes(attribute.String("queue", def.Name)))
	r.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", def.Name),
		attribute.String("outcome", outcome.String()),
	))
	span.SetAttributes(attribute.String("outcome", outcome.String()))
	if dispatchErr != nil && outcome != OutcomeDeferred {
		span.RecordError(dispatchErr)
		span.SetStatus(codes.Error, dispatchErr.Error())
		log.Error("test run failed", "outcome", outcome.String(), "error", dispatchErr)
	}
	span.End()

	if err := r.settle(ctx, item, test, outcome); err != nil {
		return outcome, fmt.Errorf("record %s outcome for item %d: %w", outcome, item.ID, err)
	}
	if outcome == OutcomeDone {
		r.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", def.Name)))
		log.Info("queue item processed")
	}
	return outcome, nil
}

// settle moves the item and its test to the state outcome calls for.
func (r *QueueRunner) settle(ctx context.Context, item *store.QueueItem, test *store.TestRun, outcome Outcome) error {
	status := outcome.itemStatus()

	switch outcome {
	case OutcomeDone:
		if err := r.queue.DeleteItem(ctx, item); err != nil {
			return err
		}
	case OutcomeDeferred, OutcomeRequeue, OutcomeSuspend:
		if _, err := r.queue.ReleaseItem(ctx, item, status); err != nil {
			return err
		}
	default:
		if err := r.queue.UpdateItemStatus(ctx, item, status); err != nil {
			return err
		}
	}

	return r.tests.UpdateTestRunStatus(ctx, test.ID, status)
}

func (r *QueueRunner) setStatus(ctx context.Context, item *store.QueueItem, test *store.TestRun, status store.Status) error {
	if err := r.queue.UpdateItemStatus(ctx, item, status); err != nil {
		return err
	}
	if err := r.tests.UpdateTestRunStatus(ctx, test.ID, status); err != nil {
		return err
	}
	test.Status = status
	return nil
}
