package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"shotplane/internal/backstop"
	"shotplane/internal/notify"
	"shotplane/internal/store"
	"shotplane/internal/worker"
)

// Artifacts is the file tree the executor writes configurations to and reads
// bitmaps from. *artifact.Store satisfies it.
type Artifacts interface {
	Paths(testID int64) backstop.Paths
	WriteConfig(ctx context.Context, testID int64, cfg *backstop.Config) (string, error)
	LatestTestDir(testID int64) (string, error)
	Exists(path string) bool
}

// ExecutorConfig tunes test execution.
type ExecutorConfig struct {
	Debug         bool   // Ask the diff tool for verbose output
	ReportBaseURL string // Public URL of the private artifact root
}

// Executor runs a test for one stage and records the outcome on the test run.
type Executor struct {
	tests     store.TestRunStore
	artifacts Artifacts
	notifier  notify.Notifier
	config    ExecutorConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewExecutor creates an executor. notifier may be nil.
func NewExecutor(tests store.TestRunStore, artifacts Artifacts, notifier notify.Notifier, config ExecutorConfig, logger *slog.Logger) *Executor {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		tests:     tests,
		artifacts: artifacts,
		notifier:  notifier,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// Steps returns the tool commands a run of mode and stage consists of.
func Steps(mode store.Mode, stage string) ([]backstop.Command, error) {
	switch {
	case mode == store.ModeAB && stage == store.StageNone:
		return []backstop.Command{backstop.CommandReference, backstop.CommandTest}, nil
	case mode == store.ModeBeforeAfter && stage == store.StageBefore:
		return []backstop.Command{backstop.CommandReference}, nil
	case mode == store.ModeBeforeAfter && stage == store.StageAfter:
		return []backstop.Command{backstop.CommandTest}, nil
	}
	return nil, fmt.Errorf("%w: mode %q with stage %q", worker.ErrInvalidRunnerOptions, mode, stage)
}

// Prepare writes the diff tool configuration of test and records its path.
func (e *Executor) Prepare(ctx context.Context, test *store.TestRun) (*backstop.Config, error) {
	if test == nil {
		return nil, worker.ErrInvalidEntity
	}
	paths := e.artifacts.Paths(test.ID)

	cfg, err := backstop.BuildConfig(test, paths, backstop.BuildOptions{Debug: e.config.Debug})
	if err != nil {
		return nil, fmt.Errorf("build configuration: %w", err)
	}
	path, err := e.artifacts.WriteConfig(ctx, test.ID, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrInvalidConfiguration, err)
	}
	test.ConfigurationPath = path
	return cfg, nil
}

// Execute runs every step of stage on w, then saves metadata and results and
// sends a notification. A step that produced no bitmaps aborts the run before
// anything is saved.
func (e *Executor) Execute(ctx context.Context, w worker.Worker, browser string, test *store.TestRun, stage string) error {
	if test == nil {
		return worker.ErrInvalidEntity
	}
	steps, err := Steps(test.Mode, stage)
	if err != nil {
		return err
	}
	if _, err := e.Prepare(ctx, test); err != nil {
		return err
	}

	log := e.logger.With("test_id", test.ID, "stage", stage)
	started := e.now()

	var result worker.RunResult
	for _, step := range steps {
		result, err = w.Run(ctx, browser, string(step), test)
		if err != nil {
			return err
		}
		if !result.BitmapGenerationSuccess {
			if step == backstop.CommandReference {
				return fmt.Errorf("%w: test %d", worker.ErrReferenceCommandFailed, test.ID)
			}
			return fmt.Errorf("%w: test %d", worker.ErrTestCommandFailed, test.ID)
		}
	}

	containsResult := store.ResultBearing(test.Mode, stage)
	meta := store.NewRunMetadata(stage, len(test.Viewports), len(test.Scenarios), started,
		e.now().Sub(started), result.PassedCount, result.FailedCount, containsResult)

	paths := e.artifacts.Paths(test.ID)
	if containsResult {
		dir, err := e.artifacts.LatestTestDir(test.ID)
		if err != nil {
			log.Warn("no test bitmap folder found", "error", err)
		}
		test.SetResult(backstop.ParseScreenshots(test, paths, dir, e.artifacts.Exists))
		test.HTMLReportPath = paths.HTMLReportIndex()
	}
	test.AddMetadata(meta)

	if err := e.tests.SaveTestRun(ctx, test); err != nil {
		return err
	}

	log.Info("test run saved",
		"success", meta.Success,
		"pass_rate", meta.PassRate,
		"results", len(test.Result),
	)

	e.notify(ctx, test, meta, "")
	return nil
}

// notify sends the notification for a saved run. Failures are logged only.
func (e *Executor) notify(ctx context.Context, test *store.TestRun, meta store.RunMetadata, resultsURL string) {
	n := notify.Notification{
		TestID:    test.ID,
		TestUUID:  test.UUID,
		Stage:     meta.Stage,
		PassRate:  meta.PassRate,
		Success:   meta.Success,
		ReportURL: notify.ReportURL(e.config.ReportBaseURL, test.ID, resultsURL),
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("notification failed", "test_id", test.ID, "error", err)
	}
}
