package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/basket/rfsn/internal/config"
)

const containerWorkdir = "/workspace"

// DockerRunner hosts sessions in long-lived containers. Provision starts one
// container per session with the worktree bind-mounted at /workspace and all
// resource caps applied; Exec drives commands through the exec API so a warm
// session skips container startup entirely.
type DockerRunner struct {
	client      *client.Client
	image       string
	memory      int64
	nanoCPUs    int64
	pidsLimit   int64
	storageOpt  map[string]string
	networkMode string
}

// NewDockerRunner creates a runner from the sandbox config. Network is
// disabled unless explicitly granted.
func NewDockerRunner(cfg config.SandboxConfig, networkAccess bool) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	image := cfg.Image
	if image == "" {
		image = "golang:alpine"
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 512
	}
	cpu := cfg.CPULimit
	if cpu <= 0 {
		cpu = 1.0
	}
	pids := cfg.PidsLimit
	if pids <= 0 {
		pids = 256
	}

	networkMode := "none"
	if networkAccess {
		networkMode = cfg.NetworkMode
		if networkMode == "" || networkMode == "none" {
			networkMode = "bridge"
		}
	}

	var storageOpt map[string]string
	if cfg.StorageMB > 0 {
		storageOpt = map[string]string{"size": fmt.Sprintf("%dM", cfg.StorageMB)}
	}

	return &DockerRunner{
		client:      cli,
		image:       image,
		memory:      memoryMB * 1024 * 1024,
		nanoCPUs:    int64(cpu * 1e9),
		pidsLimit:   pids,
		storageOpt:  storageOpt,
		networkMode: networkMode,
	}, nil
}

// Provision starts the session container. The returned handle is the
// container ID.
func (d *DockerRunner) Provision(ctx context.Context, workdir string) (string, error) {
	pids := d.pidsLimit
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: containerWorkdir,
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:    d.memory,
			NanoCPUs:  d.nanoCPUs,
			PidsLimit: &pids,
		},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:%s", workdir, containerWorkdir)},
		StorageOpt:  d.storageOpt,
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

// Exec runs argv inside the session container and captures its output.
// On context expiry the exec process is killed with the container.
func (d *DockerRunner) Exec(ctx context.Context, handle string, argv []string, env []string) (ExecResult, error) {
	start := time.Now()

	execResp, err := d.client.ContainerExecCreate(ctx, handle, container.ExecOptions{
		Cmd:          argv,
		Env:          env,
		WorkingDir:   containerWorkdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("create exec: %w", err)
	}

	attach, err := d.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attach.Reader)
		copyDone <- copyErr
	}()

	select {
	case <-ctx.Done():
		// Kill the whole container; a timed-out command must not linger.
		_ = d.client.ContainerKill(context.WithoutCancel(ctx), handle, "SIGKILL")
		return ExecResult{
			Stdout:   stdoutBuf.String(),
			Stderr:   "command timed out",
			ExitCode: -1,
			TimedOut: true,
			Duration: time.Since(start),
		}, nil
	case err := <-copyDone:
		if err != nil {
			return ExecResult{}, fmt.Errorf("read exec output: %w", err)
		}
	}

	inspect, err := d.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect exec: %w", err)
	}

	return ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: inspect.ExitCode,
		Duration: time.Since(start),
	}, nil
}

// Teardown force-removes the session container.
func (d *DockerRunner) Teardown(ctx context.Context, handle string) error {
	err := d.client.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Close closes the docker client.
func (d *DockerRunner) Close() error {
	return d.client.Close()
}
