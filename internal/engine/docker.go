package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/sockets"

	"github.com/majorcontext/tglogin/internal/fault"
	"github.com/majorcontext/tglogin/internal/log"
)

// Docker implements Gateway against a Docker-compatible engine.
type Docker struct {
	cli    *client.Client
	socket string
}

var _ Gateway = (*Docker)(nil)

// NewDocker creates a client bound to the unix socket at path. It does not
// contact the engine.
func NewDocker(path string) (*Docker, error) {
	tr := &http.Transport{}
	if err := sockets.ConfigureTransport(tr, "unix", path); err != nil {
		return nil, fmt.Errorf("configuring transport for %s: %w", path, err)
	}
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+path),
		client.WithHTTPClient(&http.Client{Transport: tr}),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client for %s: %w", path, err)
	}
	return &Docker{cli: cli, socket: path}, nil
}

// Socket returns the control socket path this client talks to.
func (d *Docker) Socket() string { return d.socket }

// Ping verifies the engine answers.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return classify(err, "pinging engine at %s", d.socket)
	}
	return nil
}

// Inspect returns the container's classified state.
func (d *Docker) Inspect(ctx context.Context, nameOrID string) (ContainerInfo, error) {
	resp, err := d.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return ContainerInfo{}, classify(err, "inspecting container %s", nameOrID)
	}

	info := ContainerInfo{}
	if resp.ContainerJSONBase != nil {
		info.ID = resp.ID
		info.Name = strings.TrimPrefix(resp.Name, "/")
		info.Image = resp.Image
		if t, err := time.Parse(time.RFC3339Nano, resp.Created); err == nil {
			info.Created = t
		}
		if resp.State != nil {
			info.State = State{
				Status:   ParseStatus(string(resp.State.Status)),
				ExitCode: resp.State.ExitCode,
			}
		}
	}
	if resp.Config != nil {
		info.Image = resp.Config.Image
		info.Labels = resp.Config.Labels
	}
	return info, nil
}

// Create creates a container, pulling its image first if needed.
func (d *Docker) Create(ctx context.Context, spec CreateSpec) (Handle, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return Handle{}, err
	}

	mounts := make([]mount.Mount, len(spec.Binds))
	for i, b := range spec.Binds {
		mounts[i] = mount.Mount{
			Type:     mount.TypeBind,
			Source:   b.Source,
			Target:   b.Target,
			ReadOnly: b.ReadOnly,
		}
	}

	networkMode := container.NetworkMode(spec.Network)
	if spec.Network == "" {
		networkMode = "bridge"
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        spec.Cmd,
			Env:        spec.Env,
			Labels:     spec.Labels,
			WorkingDir: spec.WorkingDir,
		},
		&container.HostConfig{
			Mounts:      mounts,
			NetworkMode: networkMode,
		},
		nil, nil, spec.Name)
	if err != nil {
		return Handle{}, classify(err, "creating container %s", spec.Name)
	}
	for _, w := range resp.Warnings {
		log.Debug("container create warning", "container", spec.Name, "warning", w)
	}
	return Handle{ID: resp.ID, Name: spec.Name, Image: spec.Image}, nil
}

// Start starts a created or stopped container.
func (d *Docker) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classify(err, "starting container %s", id)
	}
	return nil
}

// Stop stops a container, killing it after timeout.
func (d *Docker) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return classify(err, "stopping container %s", id)
	}
	return nil
}

// Remove force-removes a container.
func (d *Docker) Remove(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		// Ignore "not found" errors - container may have already been removed
		if errdefs.IsNotFound(err) {
			return nil
		}
		return classify(err, "removing container %s", id)
	}
	return nil
}

// Wait blocks until the container is not running.
func (d *Docker) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, classify(err, "waiting for container %s", id)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return int(status.StatusCode), fmt.Errorf("waiting for container %s: %s", id, status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// ListContainers returns all containers, running or not, whose name starts
// with namePrefix.
func (d *Docker) ListContainers(ctx context.Context, namePrefix string) ([]ContainerInfo, error) {
	opts := container.ListOptions{All: true}
	if namePrefix != "" {
		opts.Filters = filters.NewArgs(filters.Arg("name", namePrefix))
	}
	list, err := d.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, classify(err, "listing containers")
	}

	var result []ContainerInfo
	for _, c := range list {
		// The engine's name filter is a substring match; names have a leading slash.
		for _, name := range c.Names {
			name = strings.TrimPrefix(name, "/")
			if !strings.HasPrefix(name, namePrefix) {
				continue
			}
			result = append(result, ContainerInfo{
				Handle:  Handle{ID: c.ID, Name: name, Image: c.Image},
				State:   State{Status: ParseStatus(string(c.State))},
				Created: time.Unix(c.Created, 0),
				Labels:  c.Labels,
			})
			break
		}
	}
	return result, nil
}

// ListImages returns all local images.
func (d *Docker) ListImages(ctx context.Context) ([]ImageInfo, error) {
	images, err := d.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, classify(err, "listing images")
	}
	result := make([]ImageInfo, 0, len(images))
	for _, img := range images {
		result = append(result, ImageInfo{ID: img.ID, Tags: img.RepoTags, Size: img.Size})
	}
	return result, nil
}

// ExecCreate prepares a command inside a running container.
func (d *Docker) ExecCreate(ctx context.Context, id string, spec ExecSpec) (string, error) {
	resp, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", classify(err, "creating exec in %s", id)
	}
	return resp.ID, nil
}

// ExecAttach starts the exec and returns its framed output stream.
func (d *Docker) ExecAttach(ctx context.Context, execID string) (io.ReadCloser, error) {
	resp, err := d.cli.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{})
	if err != nil {
		return nil, classify(err, "attaching to exec %s", execID)
	}
	return hijacked{resp.Reader, resp.Close}, nil
}

// ExecInspect reports whether the exec is still running and its exit code.
func (d *Docker) ExecInspect(ctx context.Context, execID string) (ExecState, error) {
	resp, err := d.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return ExecState{}, classify(err, "inspecting exec %s", execID)
	}
	return ExecState{Running: resp.Running, ExitCode: resp.ExitCode}, nil
}

// Attach streams a container's stdout and stderr.
func (d *Docker) Attach(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := d.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, classify(err, "attaching to container %s", id)
	}
	return hijacked{resp.Reader, resp.Close}, nil
}

// Logs returns everything the container has written, still framed.
func (d *Docker) Logs(ctx context.Context, id string) ([]byte, error) {
	reader, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, classify(err, "getting logs for %s", id)
	}
	defer reader.Close()
	b, err := io.ReadAll(reader)
	if err != nil {
		return b, fmt.Errorf("reading logs for %s: %w", id, err)
	}
	return b, nil
}

// Close releases the client's resources.
func (d *Docker) Close() error {
	return d.cli.Close()
}

func (d *Docker) ensureImage(ctx context.Context, ref string) error {
	images, err := d.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return classify(err, "listing images")
	}
	if len(images) > 0 {
		return nil
	}

	log.Info("pulling image", "image", ref)
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify(err, "pulling image %s", ref)
	}
	defer reader.Close()

	// Drain the reader to complete the pull (discard JSON progress output)
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

type hijacked struct {
	io.Reader
	close func()
}

func (h hijacked) Close() error {
	h.close()
	return nil
}

// classify maps engine client errors onto ErrNotFound and the fault taxonomy.
func classify(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err):
		return fault.Wrap(fault.EngineUnavailable, err, "%s", msg)
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w: %w", msg, ErrNotFound, err)
	case errdefs.IsConflict(err) && strings.Contains(err.Error(), "restarting"):
		return fault.Wrap(fault.ContainerRestarting, err, "%s", msg)
	case errdefs.IsConflict(err) && strings.Contains(err.Error(), "already in use"):
		return fmt.Errorf("%s: %w: %w", msg, ErrConflict, err)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}
