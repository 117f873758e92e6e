// Package docker runs sandbox jobs in short-lived Docker containers.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ashureev/datalab/internal/sandbox"
)

const (
	containerUser = "1000"
	outMount      = "/workspace/out"
	dataMount     = "/workspace/data"

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 128

	removeTimeout = 10 * time.Second
)

// dockerAPI is the subset of the Docker client used by the executor.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Executor runs each job in a fresh container with the output directory
// mounted read-write and the uploads mounted read-only. The network is
// disabled.
type Executor struct {
	cli     dockerAPI
	image   string
	runtime string // "" = default (runc), "runsc" = gVisor
	timeout time.Duration
}

var _ sandbox.Executor = (*Executor)(nil)

// New creates a Docker-backed executor.
func New(image, runtime string, timeout time.Duration) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if runtime != "" {
		slog.Info("Docker sandbox initialized", "image", image, "runtime", runtime)
	} else {
		slog.Info("Docker sandbox initialized", "image", image, "runtime", "default")
	}
	return newExecutor(cli, image, runtime, timeout), nil
}

func newExecutor(cli dockerAPI, image, runtime string, timeout time.Duration) *Executor {
	return &Executor{cli: cli, image: image, runtime: runtime, timeout: timeout}
}

// Close releases the Docker client.
func (e *Executor) Close() error {
	return e.cli.Close()
}

// Execute runs job and removes the container afterwards.
func (e *Executor) Execute(ctx context.Context, job sandbox.Job) (*sandbox.Result, error) {
	outDir, err := filepath.Abs(job.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	paths := sandbox.Paths{ChartDir: outMount, DataDir: dataMount}
	mounts := []mount.Mount{{Type: mount.TypeBind, Source: outDir, Target: outMount}}
	if job.DataDir != "" {
		dataDir, err := filepath.Abs(job.DataDir)
		if err != nil {
			return nil, fmt.Errorf("resolve data dir: %w", err)
		}
		job.Bindings = rebaseBindings(job.Bindings, job.DataDir, dataDir)
		job.DataDir = dataDir
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: dataDir, Target: dataMount, ReadOnly: true})
	}
	script, err := sandbox.Script(job, paths)
	if err != nil {
		return nil, err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	config := &container.Config{
		Image:           e.image,
		User:            containerUser,
		WorkingDir:      outMount,
		Cmd:             []string{"python3", "-c", script},
		Env:             []string{"MPLBACKEND=Agg", "PYTHONIOENCODING=utf-8"},
		NetworkDisabled: true,
	}
	hostConfig := &container.HostConfig{
		Runtime:     e.runtime,
		NetworkMode: container.NetworkMode("none"),
		Mounts:      mounts,
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	name := "datalab-job-" + uuid.NewString()[:12]
	resp, err := e.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer e.remove(resp.ID)

	start := time.Now()
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	var exitCode int64
	waitCh, errCh := e.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case w := <-waitCh:
		if w.Error != nil && w.Error.Message != "" {
			return nil, fmt.Errorf("wait container %s: %s", resp.ID, w.Error.Message)
		}
		exitCode = w.StatusCode
	case err := <-errCh:
		return nil, fmt.Errorf("wait container %s: %w", resp.ID, err)
	case <-ctx.Done():
		return nil, fmt.Errorf("python execution aborted: %w", ctx.Err())
	}

	logs, err := e.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("read container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("demultiplex container logs: %w", err)
	}

	slog.Debug("Sandbox job finished", "mode", "docker", "container_id", resp.ID, "exit_code", exitCode, "duration", time.Since(start))
	return &sandbox.Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: int(exitCode)}, nil
}

// remove force-removes a job container on a fresh context so cleanup still
// happens after the job context is cancelled.
func (e *Executor) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()

	if err := e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Container removal already in progress", "container_id", containerID)
			return
		}
		if !errors.Is(err, context.Canceled) {
			slog.Warn("Failed to remove sandbox container", "container_id", containerID, "error", err)
		}
	}
}

func rebaseBindings(bindings []sandbox.Binding, from, to string) []sandbox.Binding {
	from = filepath.Clean(from)
	out := make([]sandbox.Binding, len(bindings))
	for i, b := range bindings {
		out[i] = b
		if rel, err := filepath.Rel(from, filepath.Clean(b.Path)); err == nil && !strings.HasPrefix(rel, "..") {
			out[i].Path = filepath.Join(to, rel)
		}
	}
	return out
}

func ptr[T any](v T) *T {
	return &v
}
