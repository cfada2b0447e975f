package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"
)

// outputDrainDelay bounds how long Wait keeps copying output after the
// process exited. Descendants that inherited the output pipe keep it open.
const outputDrainDelay = 2 * time.Second

// ExecRuntime implements the Runtime interface using raw OS processes.
type ExecRuntime struct {
	WorkDir string
}

// NewExecRuntime creates a new process-based runtime. Empty workDir
// defaults to a folder below the system temp dir.
func NewExecRuntime(workDir string) *ExecRuntime {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "shotplane", "runner")
	}
	return &ExecRuntime{WorkDir: workDir}
}

// Start implements Runtime.Start using os/exec. Image is ignored.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("command is required")
	}

	path, err := exec.LookPath(opts.Command[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	dir := opts.WorkDir
	if dir == "" {
		dir = e.WorkDir
		if id := opts.Env[EnvRunID]; id != "" {
			dir = filepath.Join(e.WorkDir, id)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	cmd := exec.Command(path, opts.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), mapToEnvList(opts.Env)...)
	// Own process group so Stop reaches browsers spawned by the tool.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = outputDrainDelay

	reader, writer := io.Pipe()
	cmd.Stdout = writer
	cmd.Stderr = writer

	if err := cmd.Start(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	h := &ExecHandle{cmd: cmd, reader: reader, done: make(chan struct{})}
	go func() {
		h.waitErr = cmd.Wait()
		writer.Close()
		close(h.done)
	}()

	return h, nil
}

// ExecHandle represents a running OS process.
type ExecHandle struct {
	cmd     *exec.Cmd
	reader  *io.PipeReader
	claimed atomic.Bool
	done    chan struct{}
	waitErr error
}

// Wait blocks until the process exits. Output that was never streamed is discarded
// so the process cannot block on a full pipe.
func (h *ExecHandle) Wait(ctx context.Context) (ExitResult, error) {
	if h.claimed.CompareAndSwap(false, true) {
		go io.Copy(io.Discard, h.reader)
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}

	if h.waitErr == nil || errors.Is(h.waitErr, exec.ErrWaitDelay) {
		return ExitResult{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(h.waitErr, &exitErr) {
		return ExitResult{ExitCode: exitErr.ExitCode()}, nil
	}
	return ExitResult{ExitCode: -1, Error: h.waitErr}, nil
}

// Stop sends SIGTERM to the process group and kills the group if the
// process has not exited when ctx ends.
func (h *ExecHandle) Stop(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := h.signalGroup(syscall.SIGTERM); err != nil {
		return err
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return h.signalGroup(syscall.SIGKILL)
	}
}

func (h *ExecHandle) signalGroup(sig syscall.Signal) error {
	err := syscall.Kill(-h.cmd.Process.Pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	// Fall back to the direct child when the group cannot be signalled.
	if err := h.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// StreamLogs returns the combined output. It can be called once, before Wait.
func (h *ExecHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	if !h.claimed.CompareAndSwap(false, true) {
		return nil, errors.New("logs already consumed")
	}
	return h.reader, nil
}
