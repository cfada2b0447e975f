// Package worker runs the diff tool for a test, either as a local process or
// by handing the test to a remote worker endpoint.
package worker

import (
	"context"
	"errors"

	"shotplane/internal/store"
)

var (
	// ErrAlreadyRunning means another diff tool process is active on this host.
	ErrAlreadyRunning = errors.New("diff tool is already running")

	// ErrInvalidCommand means the tool subcommand is not supported.
	ErrInvalidCommand = errors.New("invalid diff tool command")

	// ErrInvalidConfiguration means the test has no usable configuration file.
	ErrInvalidConfiguration = errors.New("invalid diff tool configuration")

	// ErrInvalidEntity means no test run was handed to the worker.
	ErrInvalidEntity = errors.New("invalid test run")

	// ErrReferenceCommandFailed means the reference step generated no bitmaps.
	ErrReferenceCommandFailed = errors.New("reference command failed")

	// ErrTestCommandFailed means the test step generated no bitmaps.
	ErrTestCommandFailed = errors.New("test command failed")

	// ErrInvalidRunnerOptions means the mode and stage combination is unknown.
	ErrInvalidRunnerOptions = errors.New("invalid runner options")

	// ErrDeferred means the test was handed off and its result arrives later.
	ErrDeferred = errors.New("run deferred to remote worker")
)

// RunResult is what a worker learned from one tool invocation.
type RunResult struct {
	Succeeded               bool
	PassedCount             *int
	FailedCount             *int
	BitmapGenerationSuccess bool
	Engine                  string
	Browser                 string
}

// FailedResult is the all-failure result used when the tool could not be run.
func FailedResult(engine, browser string) RunResult {
	return RunResult{Engine: engine, Browser: browser}
}

// Worker executes diff tool commands for a test.
type Worker interface {
	// Run executes command ("reference" or "test") for test using browser.
	Run(ctx context.Context, browser, command string, test *store.TestRun) (RunResult, error)

	// CheckRunStatus fails with ErrAlreadyRunning when the worker is busy.
	CheckRunStatus(ctx context.Context) error

	// Status returns a human readable description of the worker state.
	Status(ctx context.Context) string
}
