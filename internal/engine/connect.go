package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/majorcontext/tglogin/internal/fault"
	"github.com/majorcontext/tglogin/internal/log"
)

// DefaultSocket is the engine's conventional control socket.
const DefaultSocket = "/var/run/docker.sock"

// PingTimeout bounds each candidate's health ping.
const PingTimeout = 2 * time.Second

// Candidates returns the control sockets to try, in order: the default
// path, the configured override, then DOCKER_HOST when it names a unix
// socket. Duplicates are dropped.
func Candidates(override string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}

	add(DefaultSocket)
	add(strings.TrimPrefix(override, "unix://"))
	if host := os.Getenv("DOCKER_HOST"); strings.HasPrefix(host, "unix://") {
		add(strings.TrimPrefix(host, "unix://"))
	}
	return out
}

// Dialer opens a gateway for a socket path.
type Dialer func(path string) (Gateway, error)

func dialDocker(path string) (Gateway, error) {
	if err := accessible(path); err != nil {
		return nil, err
	}
	return NewDocker(path)
}

// Connect returns a gateway for the first candidate socket that answers a
// ping. When none answers it returns an Unavailable gateway together with
// an EngineUnavailable error, so callers that can degrade keep running and
// every engine operation fails fast.
func Connect(ctx context.Context, override string) (Gateway, error) {
	return connect(ctx, Candidates(override), dialDocker)
}

func connect(ctx context.Context, candidates []string, dial Dialer) (Gateway, error) {
	var errs []error
	for _, path := range candidates {
		gw, err := dial(path)
		if err != nil {
			log.Debug("engine socket rejected", "socket", path, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, PingTimeout)
		err = gw.Ping(pingCtx)
		cancel()
		if err != nil {
			gw.Close()
			log.Debug("engine socket did not answer", "socket", path, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}

		log.Info("connected to container engine", "socket", path)
		return gw, nil
	}

	err := fault.Wrap(fault.EngineUnavailable, errors.Join(errs...),
		"no container engine answered on %s", strings.Join(candidates, ", "))
	if len(errs) == 0 {
		err = fault.New(fault.EngineUnavailable, "no container engine socket configured")
	}
	return Unavailable{Err: err}, err
}

// Unavailable is a Gateway whose every operation fails with Err.
type Unavailable struct {
	Err error
}

var _ Gateway = Unavailable{}

func (u Unavailable) Ping(context.Context) error { return u.Err }

func (u Unavailable) Inspect(context.Context, string) (ContainerInfo, error) {
	return ContainerInfo{}, u.Err
}

func (u Unavailable) Create(context.Context, CreateSpec) (Handle, error) { return Handle{}, u.Err }

func (u Unavailable) Start(context.Context, string) error { return u.Err }

func (u Unavailable) Stop(context.Context, string, time.Duration) error { return u.Err }

func (u Unavailable) Remove(context.Context, string) error { return u.Err }

func (u Unavailable) Wait(context.Context, string) (int, error) { return -1, u.Err }

func (u Unavailable) ListContainers(context.Context, string) ([]ContainerInfo, error) {
	return nil, u.Err
}

func (u Unavailable) ListImages(context.Context) ([]ImageInfo, error) { return nil, u.Err }

func (u Unavailable) ExecCreate(context.Context, string, ExecSpec) (string, error) {
	return "", u.Err
}

func (u Unavailable) ExecAttach(context.Context, string) (io.ReadCloser, error) {
	return nil, u.Err
}

func (u Unavailable) ExecInspect(context.Context, string) (ExecState, error) {
	return ExecState{}, u.Err
}

func (u Unavailable) Attach(context.Context, string) (io.ReadCloser, error) { return nil, u.Err }

func (u Unavailable) Logs(context.Context, string) ([]byte, error) { return nil, u.Err }

func (u Unavailable) Close() error { return nil }
