package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"shotplane/internal/store"
	"shotplane/internal/worker"
)

// DefaultBatchSize is the number of test uuids asked for per fetch request.
const DefaultBatchSize = 20

// RemoteClient talks to the remote worker. *worker.RemoteWorker satisfies it.
type RemoteClient interface {
	Publish(ctx context.Context, req worker.PublishRequest) (*worker.Response, error)
	FetchResults(ctx context.Context, uuids []string) (*worker.FetchResponse, error)
}

// ResultWriter keeps the raw remote results. *artifact.Store satisfies it.
type ResultWriter interface {
	WriteResult(ctx context.Context, testID int64, resultID string, raw []byte) (string, error)
}

// RemoteConfig tunes the remote runner.
type RemoteConfig struct {
	BatchSize int
	// FetchAllBatches asks every batch instead of stopping at the first
	// batch that returned results.
	FetchAllBatches bool
}

// PublishSummary reports one publish pass.
type PublishSummary struct {
	Published int
	Skipped   int
	Failed    int
}

// ConsumeSummary reports one consume pass.
type ConsumeSummary struct {
	Requested int
	Received  int
	Processed int
	Failed    int
	Remaining int
}

// RemoteRunner hands waiting items to the remote worker and merges the
// results it returns later.
type RemoteRunner struct {
	queue    store.QueueStore
	tests    store.TestRunStore
	client   RemoteClient
	executor *Executor
	results  ResultWriter
	config   RemoteConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewRemoteRunner creates a remote runner.
func NewRemoteRunner(queue store.QueueStore, tests store.TestRunStore, client RemoteClient, executor *Executor, results ResultWriter, config RemoteConfig, logger *slog.Logger) *RemoteRunner {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteRunner{
		queue:    queue,
		tests:    tests,
		client:   client,
		executor: executor,
		results:  results,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// Publish claims waiting items of def and posts them to the remote worker.
// Published items and their tests become remote; failures become error.
func (r *RemoteRunner) Publish(ctx context.Context, def QueueDefinition) (PublishSummary, error) {
	def = def.withDefaults()
	log := r.logger.With("queue", def.Name)
	var summary PublishSummary

	deadline := r.now().Add(def.Budget)
	for r.now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		item, err := r.queue.ClaimItem(ctx, def.Name, def.Lease)
		if err != nil {
			return summary, err
		}
		if item == nil {
			break
		}

		test, err := r.tests.GetTestRun(ctx, item.TestID)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("test run no longer exists, deleting queue item", "item_id", item.ID, "test_id", item.TestID)
			if err := r.queue.DeleteItem(ctx, item); err != nil {
				return summary, err
			}
			continue
		}
		if err != nil {
			if _, rerr := r.queue.ReleaseItem(ctx, item, store.StatusWaiting); rerr != nil {
				log.Error("failed to release queue item", "item_id", item.ID, "error", rerr)
			}
			return summary, err
		}

		resp, perr := r.publishItem(ctx, def, item, test)
		switch {
		case perr != nil:
			summary.Failed++
			log.Error("failed to publish test", append(remoteErrorAttrs(perr), "item_id", item.ID, "test_id", test.ID)...)
			if err := r.mark(ctx, item, test.ID, store.StatusError); err != nil {
				return summary, err
			}
		case resp.Code == http.StatusNoContent:
			// Remote publishing is not configured; leave the item for later.
			summary.Skipped++
			if _, err := r.queue.ReleaseItem(ctx, item, store.StatusWaiting); err != nil {
				return summary, err
			}
			log.Debug("remote host not configured, publish skipped")
			return summary, nil
		default:
			summary.Published++
			log.Info("test published", "item_id", item.ID, "test_id", test.ID, "uuid", test.UUID, "code", resp.Code)
			if err := r.mark(ctx, item, test.ID, store.StatusRemote); err != nil {
				return summary, err
			}
		}
	}

	return summary, nil
}

func (r *RemoteRunner) publishItem(ctx context.Context, def QueueDefinition, item *store.QueueItem, test *store.TestRun) (*worker.Response, error) {
	if !test.Mode.Valid() {
		return nil, fmt.Errorf("%w: mode %q", worker.ErrInvalidRunnerOptions, test.Mode)
	}
	cfg, err := r.executor.Prepare(ctx, test)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode configuration: %w", err)
	}
	if err := r.tests.SaveTestRun(ctx, test); err != nil {
		return nil, err
	}

	return r.client.Publish(ctx, worker.PublishRequest{
		Browser:    def.Browser,
		Mode:       string(test.Mode),
		Stage:      item.Stage,
		UUID:       test.UUID,
		TestConfig: raw,
	})
}

// remoteItem ties a remote queue item to its test.
type remoteItem struct {
	item store.QueueItem
	test *store.TestRun
}

// Consume fetches results for the remote items of def and merges them into
// their tests.
func (r *RemoteRunner) Consume(ctx context.Context, def QueueDefinition) (ConsumeSummary, error) {
	log := r.logger.With("queue", def.Name)
	var summary ConsumeSummary

	items, err := r.queue.GetItems(ctx, store.ItemFilter{
		QueueName: def.Name,
		Statuses:  []store.Status{store.StatusRemote},
	})
	if err != nil {
		return summary, err
	}

	byUUID := make(map[string][]remoteItem)
	var uuids []string
	for _, item := range items {
		test, err := r.tests.GetTestRun(ctx, item.TestID)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("test run no longer exists, deleting queue item", "item_id", item.ID, "test_id", item.TestID)
			it := item
			if err := r.queue.DeleteItem(ctx, &it); err != nil {
				return summary, err
			}
			continue
		}
		if err != nil {
			return summary, err
		}
		if _, seen := byUUID[test.UUID]; !seen {
			uuids = append(uuids, test.UUID)
		}
		byUUID[test.UUID] = append(byUUID[test.UUID], remoteItem{item: item, test: test})
	}
	summary.Requested = len(uuids)

	results := make(map[string]worker.RemoteResult)
	for start := 0; start < len(uuids); start += r.config.BatchSize {
		end := min(start+r.config.BatchSize, len(uuids))

		resp, err := r.client.FetchResults(ctx, uuids[start:end])
		if err != nil {
			log.Error("failed to fetch remote results", remoteErrorAttrs(err)...)
			break
		}
		for id, res := range resp.Results {
			if _, ok := byUUID[id]; !ok {
				log.Warn("remote returned result for unknown test", "uuid", id)
				continue
			}
			results[id] = res
		}
		if len(resp.Results) > 0 && !r.config.FetchAllBatches {
			break
		}
	}
	summary.Received = len(results)
	summary.Remaining = summary.Requested - summary.Received

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		res := results[id]
		entry := pickItem(byUUID[id], res.Data.Metadata.Stage)

		if err := r.merge(ctx, entry, id, res); err != nil {
			summary.Failed++
			log.Error("failed to merge remote result", "uuid", id, "test_id", entry.test.ID, "error", err)
			if err := r.mark(ctx, &entry.item, entry.test.ID, store.StatusError); err != nil {
				return summary, err
			}
			continue
		}
		summary.Processed++
	}

	if summary.Requested > 0 {
		log.Info("remote results consumed",
			"requested", summary.Requested,
			"received", summary.Received,
			"processed", summary.Processed,
			"failed", summary.Failed,
			"remaining", summary.Remaining,
		)
	}
	return summary, nil
}

// merge converts one remote result into metadata and screenshots of its test.
func (r *RemoteRunner) merge(ctx context.Context, entry remoteItem, resultID string, res worker.RemoteResult) error {
	test := entry.test

	if r.results != nil && len(res.Raw) > 0 {
		if _, err := r.results.WriteResult(ctx, test.ID, resultID, res.Raw); err != nil {
			r.logger.Warn("failed to store raw remote result", "test_id", test.ID, "error", err)
		}
	}

	md := res.Data.Metadata
	mode := store.Mode(md.Mode)
	if mode == "" {
		mode = test.Mode
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: mode %q", worker.ErrInvalidRunnerOptions, md.Mode)
	}
	stage := md.Stage
	if stage == "" {
		stage = entry.item.Stage
	}

	scenarios := test.ScenarioIDsByLabel()
	viewports := test.ViewportIDsByLabel()
	shots := make([]store.ScreenshotResult, 0, len(res.Data.Results))
	for _, s := range res.Data.Results {
		scenarioID, ok := scenarios[s.ScenarioLabel]
		if !ok {
			return fmt.Errorf("unmapped scenario label %q", s.ScenarioLabel)
		}
		viewportID, ok := viewports[s.ViewportLabel]
		if !ok {
			return fmt.Errorf("unmapped viewport label %q", s.ViewportLabel)
		}
		shots = append(shots, store.ScreenshotResult{
			ScenarioID:    scenarioID,
			ViewportID:    viewportID,
			ReferencePath: s.ReferencePath,
			TestPath:      s.TestPath,
			DiffPath:      s.DiffPath,
			Success:       s.Success,
		})
	}

	started := r.now()
	if t, err := time.Parse(time.RFC3339, md.Datetime); err == nil {
		started = t
	}
	duration := time.Duration(md.Duration * float64(time.Second))

	containsResult := store.ResultBearing(mode, stage)
	meta := store.NewRunMetadata(stage, len(test.Viewports), len(test.Scenarios), started, duration,
		md.PassedCount, md.FailedCount, containsResult)

	if containsResult {
		test.SetResult(shots)
		if res.ResultsURL != "" {
			test.HTMLReportPath = res.ResultsURL
		}
	}
	test.AddMetadata(meta)

	if err := r.tests.SaveTestRun(ctx, test); err != nil {
		return err
	}
	if err := r.queue.DeleteItem(ctx, &entry.item); err != nil {
		return err
	}
	if err := r.tests.UpdateTestRunStatus(ctx, test.ID, store.StatusIdle); err != nil {
		return err
	}

	r.executor.notify(ctx, test, meta, res.ResultsURL)
	return nil
}

// mark releases item with status and mirrors the status on its test.
func (r *RemoteRunner) mark(ctx context.Context, item *store.QueueItem, testID int64, status store.Status) error {
	if _, err := r.queue.ReleaseItem(ctx, item, status); err != nil {
		return err
	}
	return r.tests.UpdateTestRunStatus(ctx, testID, status)
}

// pickItem prefers the item queued for stage.
func pickItem(entries []remoteItem, stage string) remoteItem {
	for _, e := range entries {
		if e.item.Stage == stage {
			return e
		}
	}
	return entries[0]
}

func remoteErrorAttrs(err error) []any {
	attrs := []any{"error", err}
	var rerr *worker.RemoteError
	if errors.As(err, &rerr) {
		attrs = append(attrs, "kind", string(rerr.Kind), "status", rerr.StatusCode)
		if rerr.Code != 0 {
			attrs = append(attrs, "remote_code", rerr.Code)
		}
		if rerr.Reason != "" {
			attrs = append(attrs, "reason", rerr.Reason)
		}
	}
	return attrs
}
