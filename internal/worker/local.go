package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"shotplane/internal/backstop"
	"shotplane/internal/store"
	"shotplane/internal/worker/runtime"
)

// DebugWriter stores the raw tool output of a run.
type DebugWriter interface {
	WriteDebug(ctx context.Context, testID int64, output []byte) (string, error)
}

// ProcessCounter returns how many processes match name.
type ProcessCounter func(ctx context.Context, name string) (int, error)

// LocalConfig holds configuration for the local worker.
type LocalConfig struct {
	BinaryDir     string        // Directory holding the backstop executable (default: $PATH)
	Image         string        // Container image, used by the docker runtime only
	Timeout       time.Duration // Per command timeout (default: 600s)
	ProcessName   string        // Name matched by the process guard (default: backstop)
	GuardCount    int           // Matches at which the tool counts as running (default: 1)
	SharedFolders []string      // Host folders visible to containerised runs
}

// LocalWorker runs the diff tool on this host through a runtime.
type LocalWorker struct {
	runtime    runtime.Runtime
	debug      DebugWriter
	config     LocalConfig
	logger     *slog.Logger
	countProcs ProcessCounter

	mu      sync.Mutex
	current int64
}

// NewLocalWorker creates a local worker. debug may be nil.
func NewLocalWorker(rt runtime.Runtime, debug DebugWriter, config LocalConfig, logger *slog.Logger) *LocalWorker {
	if config.Timeout <= 0 {
		config.Timeout = 600 * time.Second
	}
	if config.ProcessName == "" {
		config.ProcessName = "backstop"
	}
	if config.GuardCount <= 0 {
		config.GuardCount = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalWorker{
		runtime:    rt,
		debug:      debug,
		config:     config,
		logger:     logger,
		countProcs: pgrepCount,
	}
}

// WithProcessCounter replaces the OS process inspection.
func (w *LocalWorker) WithProcessCounter(c ProcessCounter) *LocalWorker {
	w.countProcs = c
	return w
}

// CheckRunStatus fails when the tool already runs on this host.
func (w *LocalWorker) CheckRunStatus(ctx context.Context) error {
	n, err := w.countProcs(ctx, w.config.ProcessName)
	if err != nil {
		w.logger.Warn("process inspection failed", "error", err)
		return nil
	}
	if n >= w.config.GuardCount {
		return fmt.Errorf("%w: %d matching processes", ErrAlreadyRunning, n)
	}
	return nil
}

// Status describes what the worker is doing.
func (w *LocalWorker) Status(ctx context.Context) string {
	w.mu.Lock()
	current := w.current
	w.mu.Unlock()

	if current != 0 {
		return fmt.Sprintf("running test %d", current)
	}
	if err := w.CheckRunStatus(ctx); err != nil {
		return "busy: " + err.Error()
	}
	return "idle"
}

// Run executes one tool command for test and parses its output.
func (w *LocalWorker) Run(ctx context.Context, browser, command string, test *store.TestRun) (RunResult, error) {
	if test == nil {
		return RunResult{}, ErrInvalidEntity
	}
	cmd := backstop.Command(command)
	if !cmd.Valid() {
		return RunResult{}, fmt.Errorf("%w: %q", ErrInvalidCommand, command)
	}
	if test.ConfigurationPath == "" {
		return RunResult{}, fmt.Errorf("%w: test %d has no configuration path", ErrInvalidConfiguration, test.ID)
	}
	if err := w.CheckRunStatus(ctx); err != nil {
		return RunResult{}, err
	}

	engine := test.Engine
	if engine == "" {
		engine = backstop.DefaultEngine
	}

	w.setCurrent(test.ID)
	defer w.setCurrent(0)

	log := w.logger.With("test_id", test.ID, "command", command)
	start := time.Now()

	output, summary, err := w.execute(ctx, test, cmd, engine)
	if err != nil {
		if errors.Is(err, runtime.ErrUnavailable) {
			return FailedResult(engine, browser), err
		}
		log.Error("diff tool failed", "error", err)
		summary = backstop.Summary{}
	}

	if w.debug != nil && len(output) > 0 {
		if path, derr := w.debug.WriteDebug(ctx, test.ID, output); derr != nil {
			log.Warn("failed to write debug output", "error", derr)
		} else {
			log.Debug("debug output written", "path", path)
		}
	}

	result := RunResult{
		Succeeded:               err == nil,
		PassedCount:             summary.Passed,
		FailedCount:             summary.Failed,
		BitmapGenerationSuccess: summary.BitmapGenerationSuccess,
		Engine:                  engine,
		Browser:                 browser,
	}
	if err != nil {
		result = FailedResult(engine, browser)
	}
	if !result.BitmapGenerationSuccess {
		result.Succeeded = false
		log.Warn("diff tool did not generate bitmaps")
	}

	log.Info("diff tool finished",
		"duration", time.Since(start),
		"bitmaps", result.BitmapGenerationSuccess,
		"passed", intValue(result.PassedCount),
		"failed", intValue(result.FailedCount),
	)
	return result, nil
}

// execute starts the tool and scans its output until it exits.
func (w *LocalWorker) execute(ctx context.Context, test *store.TestRun, cmd backstop.Command, engine string) ([]byte, backstop.Summary, error) {
	var summary backstop.Summary

	execCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	handle, err := w.runtime.Start(execCtx, runtime.StartOptions{
		Image:   w.config.Image,
		Command: backstop.Args(w.config.BinaryDir, cmd, test.ConfigurationPath, backstop.NeedsVirtualDisplay(engine)),
		Env: map[string]string{
			runtime.EnvRunID: strconv.FormatInt(test.ID, 10),
		},
		Binds: w.config.SharedFolders,
	})
	if err != nil {
		return nil, summary, fmt.Errorf("start diff tool: %w", err)
	}

	var output bytes.Buffer
	var wg sync.WaitGroup

	rc, err := handle.StreamLogs(execCtx)
	if err != nil {
		w.logger.Warn("failed to stream diff tool output", "test_id", test.ID, "error", err)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer rc.Close()
			summary = scanOutput(rc, &output)
		}()
	}

	exit, err := handle.Wait(execCtx)
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			handle.Stop(stopCtx)
			wg.Wait()
			return output.Bytes(), summary, fmt.Errorf("diff tool timed out after %v", w.config.Timeout)
		}
		wg.Wait()
		return output.Bytes(), summary, fmt.Errorf("wait for diff tool: %w", err)
	}
	wg.Wait()

	if exit.Error != nil {
		return output.Bytes(), summary, fmt.Errorf("diff tool exited with code %d: %w", exit.ExitCode, exit.Error)
	}
	if exit.ExitCode != 0 && summary.Failed == nil {
		// A non zero exit with a report is the tool flagging failed comparisons.
		return output.Bytes(), summary, fmt.Errorf("diff tool exited with code %d", exit.ExitCode)
	}
	return output.Bytes(), summary, nil
}

func scanOutput(r io.Reader, output *bytes.Buffer) backstop.Summary {
	var summary backstop.Summary

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		output.WriteString(line)
		output.WriteByte('\n')
		summary.Scan(line)
	}
	return summary
}

func (w *LocalWorker) setCurrent(id int64) {
	w.mu.Lock()
	w.current = id
	w.mu.Unlock()
}

// pgrepCount counts processes whose command line contains name. pgrep never
// reports itself, so an idle host yields 0.
func pgrepCount(ctx context.Context, name string) (int, error) {
	out, err := exec.CommandContext(ctx, "pgrep", "-f", name).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return 0, nil
		}
		return 0, err
	}
	return len(strings.Fields(string(out))), nil
}

func intValue(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
