package runtime

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// DockerRuntime runs the diff tool inside a container image.
type DockerRuntime struct {
	client *client.Client
}

// DockerHandle represents a running container.
type DockerHandle struct {
	client      *client.Client
	containerID string
}

// NewDockerRuntime creates a Docker runtime from the standard DOCKER_* environment.
func NewDockerRuntime(ctx context.Context) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: docker daemon: %v", ErrUnavailable, err)
	}
	return &DockerRuntime{client: cli}, nil
}

// Start implements Runtime.Start using Docker containers.
func (d *DockerRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("%w: no image configured", ErrUnavailable)
	}

	// Pull only when the image is not present locally.
	if _, err := d.client.ImageInspect(ctx, opts.Image); err != nil {
		reader, err := d.client.ImagePull(ctx, opts.Image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", opts.Image, err)
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	containerConfig := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		Env:        mapToEnvList(opts.Env),
		WorkingDir: opts.WorkDir,
		Tty:        true,
	}
	hostConfig := &container.HostConfig{
		Binds:      bindSame(opts.Binds),
		AutoRemove: false,
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	return &DockerHandle{client: d.client, containerID: resp.ID}, nil
}

// Close releases the docker client.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

func (h *DockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return ExitResult{ExitCode: -1, Error: err}, err
	case status := <-statusCh:
		h.remove()
		if status.Error != nil {
			return ExitResult{
				ExitCode: int(status.StatusCode),
				Error:    fmt.Errorf("%s", status.Error.Message),
			}, nil
		}
		return ExitResult{ExitCode: int(status.StatusCode)}, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

func (h *DockerHandle) Stop(ctx context.Context) error {
	timeout := 5
	if err := h.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return err
	}
	h.remove()
	return nil
}

func (h *DockerHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return h.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}

func (h *DockerHandle) remove() {
	_ = h.client.ContainerRemove(context.Background(), h.containerID, container.RemoveOptions{Force: true})
}

// bindSame mounts each host path at the same location in the container so
// paths written into the tool configuration resolve on both sides.
func bindSame(paths []string) []string {
	binds := make([]string, 0, len(paths))
	for _, p := range paths {
		binds = append(binds, p+":"+p)
	}
	return binds
}
