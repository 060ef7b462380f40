// Package engine talks to the container engine over its local control
// socket. Gateway is the narrow surface the rest of tglogin uses; Docker
// implements it against the Docker Engine API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned (wrapped) when a container or exec does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned (wrapped) when a container name is already taken.
var ErrConflict = errors.New("name conflict")

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Status is the lifecycle state of a container.
type Status int

const (
	Missing Status = iota
	Created
	Running
	Restarting
	Exited
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "missing"
	case Created:
		return "created"
	case Running:
		return "running"
	case Restarting:
		return "restarting"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus maps an engine state string to a Status. Paused, dead and
// removing containers cannot run commands and are treated as exited.
func ParseStatus(s string) Status {
	switch s {
	case "created":
		return Created
	case "running":
		return Running
	case "restarting":
		return Restarting
	case "exited", "paused", "dead", "removing":
		return Exited
	default:
		return Missing
	}
}

// State is a container's classified state.
type State struct {
	Status   Status
	ExitCode int
}

func (s State) String() string {
	if s.Status == Exited {
		return fmt.Sprintf("exited(%d)", s.ExitCode)
	}
	return s.Status.String()
}

// Handle identifies a container.
type Handle struct {
	ID    string
	Name  string
	Image string
}

// ContainerInfo is the result of an inspect or list call.
type ContainerInfo struct {
	Handle
	State   State
	Created time.Time
	Labels  map[string]string
}

// Bind is a host path mounted into a container.
type Bind struct {
	Source   string
	Target   string
	ReadOnly bool
}

// CreateSpec describes a container to create.
type CreateSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	Binds      []Bind
	Network    string
	Labels     map[string]string
	WorkingDir string
}

// ExecSpec describes a command to run inside a running container.
// Cmd is passed to the engine as a discrete argv; no shell parses it.
type ExecSpec struct {
	Cmd []string
	Env []string
}

// ExecState is the state of an exec instance.
type ExecState struct {
	Running  bool
	ExitCode int
}

// ImageInfo describes a locally available image.
type ImageInfo struct {
	ID   string
	Tags []string
	Size int64
}

// Gateway is the set of container engine operations tglogin needs.
// Streams returned by ExecAttach, Attach and Logs use the engine's framed
// stdout/stderr format; see package demux.
type Gateway interface {
	Ping(ctx context.Context) error
	Inspect(ctx context.Context, nameOrID string) (ContainerInfo, error)
	Create(ctx context.Context, spec CreateSpec) (Handle, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	// Remove force-removes a container. A missing container is not an error.
	Remove(ctx context.Context, id string) error
	// Wait blocks until the container stops and returns its exit code.
	Wait(ctx context.Context, id string) (int, error)
	ListContainers(ctx context.Context, namePrefix string) ([]ContainerInfo, error)
	ListImages(ctx context.Context) ([]ImageInfo, error)

	ExecCreate(ctx context.Context, id string, spec ExecSpec) (string, error)
	// ExecAttach starts the exec and streams its output.
	ExecAttach(ctx context.Context, execID string) (io.ReadCloser, error)
	ExecInspect(ctx context.Context, execID string) (ExecState, error)

	Attach(ctx context.Context, id string) (io.ReadCloser, error)
	Logs(ctx context.Context, id string) ([]byte, error)
	Close() error
}

// Run creates a container, attaches to its output and starts it. Attaching
// happens before start so output from processes that exit immediately is
// not lost. A failed attach is not fatal: the container still starts and
// attachErr reports why there is no stream. A failed start removes the
// container.
func Run(ctx context.Context, gw Gateway, spec CreateSpec) (h Handle, stream io.ReadCloser, attachErr error, err error) {
	h, err = gw.Create(ctx, spec)
	if err != nil {
		return Handle{}, nil, nil, err
	}

	stream, attachErr = gw.Attach(ctx, h.ID)

	if err := gw.Start(ctx, h.ID); err != nil {
		if stream != nil {
			stream.Close()
		}
		_ = gw.Remove(context.WithoutCancel(ctx), h.ID)
		return Handle{}, nil, nil, err
	}
	return h, stream, attachErr, nil
}
