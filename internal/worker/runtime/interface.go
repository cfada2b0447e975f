// Package runtime starts the diff tool as a raw process or inside a container.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
)

// ErrUnavailable means the runtime itself cannot run anything: the executable
// is missing or the container daemon is unreachable. Retrying will not help.
var ErrUnavailable = errors.New("runtime unavailable")

// EnvRunID names the per-run working directory below the runtime work dir.
const EnvRunID = "SHOTPLANE_RUN_ID"

// Runtime defines the interface for executing the diff tool.
type Runtime interface {
	// Start begins execution and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a process.
type StartOptions struct {
	Image   string
	Command []string
	Env     map[string]string
	WorkDir string
	// Binds are host paths made visible at the same location inside containers.
	Binds []string
}

// ExitResult is the outcome of a finished process.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a running process.
type Handle interface {
	// Wait blocks until the process completes.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop terminates the process.
	Stop(ctx context.Context) error

	// StreamLogs returns the combined stdout/stderr.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)
}

func mapToEnvList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)
	return env
}
