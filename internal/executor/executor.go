// Package executor runs a single command in a container and collects its
// output, either with exec inside a running container or with a fresh
// one-shot container that is removed afterwards.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/majorcontext/tglogin/internal/demux"
	"github.com/majorcontext/tglogin/internal/engine"
	"github.com/majorcontext/tglogin/internal/id"
	"github.com/majorcontext/tglogin/internal/log"
	"github.com/majorcontext/tglogin/internal/retry"
)

const (
	// DefaultTimeout bounds interactive login steps.
	DefaultTimeout = 30 * time.Second
	// DefaultPollInterval is how often exit status is polled when no
	// output stream is available.
	DefaultPollInterval = 100 * time.Millisecond

	// OneShotPrefix prefixes the names of one-shot containers.
	OneShotPrefix = "tglogin-run-"
	// RoleLabel marks containers created by tglogin.
	RoleLabel = "tglogin.role"

	cleanupTimeout = 10 * time.Second
)

// Result is the outcome of one command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	// TimedOut means the hard timeout expired. Output is partial and
	// ExitCode is -1.
	TimedOut bool
}

// OneShot describes a command run in a fresh container.
type OneShot struct {
	Image   string
	Argv    []string
	Env     []string
	Binds   []engine.Bind
	Network string
}

// Executor runs commands through an engine gateway.
type Executor struct {
	gw           engine.Gateway
	pollInterval time.Duration
	log          *slog.Logger
}

// New creates an Executor.
func New(gw engine.Gateway) *Executor {
	return &Executor{
		gw:           gw,
		pollInterval: DefaultPollInterval,
		log:          log.Component("executor"),
	}
}

// SetPollInterval changes how often exit status is polled.
func (e *Executor) SetPollInterval(d time.Duration) {
	if d > 0 {
		e.pollInterval = d
	}
}

var errStillRunning = errors.New("still running")

// ErrNoStream means the engine refused to attach to an exec. Attaching is
// what starts the exec, so the command has not run; callers can rerun it
// with RunOneShot, which recovers output from the container logs.
var ErrNoStream = errors.New("exec output stream unavailable")

// RunInContainer runs argv inside the running container id. Output is read
// live from an attached stream. If attaching fails the command is not run
// and the error wraps ErrNoStream.
//
// When timeout expires the result has TimedOut set and a nil error.
// Cancellation of ctx is returned as an error.
func (e *Executor) RunInContainer(ctx context.Context, containerID string, argv []string, timeout time.Duration) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d demux.Demuxer
	res, err := e.runExec(runCtx, containerID, argv, &d)
	return e.finish(ctx, runCtx, res, &d, err)
}

func (e *Executor) runExec(ctx context.Context, containerID string, argv []string, d *demux.Demuxer) (Result, error) {
	execID, err := e.gw.ExecCreate(ctx, containerID, engine.ExecSpec{Cmd: argv})
	if err != nil {
		return Result{}, err
	}

	stream, err := e.gw.ExecAttach(ctx, execID)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, err
		}
		e.log.Warn("exec attach failed", "container", containerID, "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrNoStream, err)
	}

	if err := collect(ctx, stream, d); err != nil {
		return Result{}, err
	}
	// The stream can end a moment before the engine records the exit code.
	// Polling stops at the step deadline, which finish reports as TimedOut.
	code, err := e.pollExec(ctx, execID)
	return Result{ExitCode: code}, err
}

func (e *Executor) pollExec(ctx context.Context, execID string) (int, error) {
	code := -1
	p := retry.Policy{
		Attempts: math.MaxInt32,
		Delay:    e.pollInterval,
		RetryIf:  func(err error) bool { return errors.Is(err, errStillRunning) },
	}
	err := retry.Do(ctx, p, func(ctx context.Context) error {
		st, err := e.gw.ExecInspect(ctx, execID)
		if err != nil {
			return err
		}
		if st.Running {
			return errStillRunning
		}
		code = st.ExitCode
		return nil
	})
	if errors.Is(err, errStillRunning) && ctx.Err() != nil {
		return -1, ctx.Err()
	}
	return code, err
}

// RunOneShot runs spec in a new container and removes it afterwards.
// Output comes from an attached stream, or from the container logs after
// exit when attaching failed.
func (e *Executor) RunOneShot(ctx context.Context, spec OneShot, timeout time.Duration) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{}, errors.New("empty command")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d demux.Demuxer
	res, err := e.runOneShot(runCtx, spec, &d)
	return e.finish(ctx, runCtx, res, &d, err)
}

func (e *Executor) runOneShot(ctx context.Context, spec OneShot, d *demux.Demuxer) (Result, error) {
	h, stream, attachErr, err := engine.Run(ctx, e.gw, engine.CreateSpec{
		Name:    id.Generate(OneShotPrefix),
		Image:   spec.Image,
		Cmd:     spec.Argv,
		Env:     spec.Env,
		Binds:   spec.Binds,
		Network: spec.Network,
		Labels:  map[string]string{RoleLabel: "oneshot"},
	})
	if err != nil {
		return Result{}, err
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := e.gw.Remove(rmCtx, h.ID); err != nil {
			e.log.Warn("removing one-shot container", "container", h.Name, "error", err)
		}
	}()

	if stream != nil {
		if err := collect(ctx, stream, d); err != nil {
			return Result{}, err
		}
		code, err := e.gw.Wait(ctx, h.ID)
		return Result{ExitCode: code}, err
	}

	e.log.Warn("attach failed, reading logs after exit", "container", h.Name, "error", attachErr)
	code, err := e.gw.Wait(ctx, h.ID)
	if err != nil {
		return Result{}, err
	}
	raw, err := e.gw.Logs(ctx, h.ID)
	_, _ = d.Write(raw)
	return Result{ExitCode: code}, err
}

// finish attaches collected output to res and turns an expired runCtx into
// a timed-out result.
func (e *Executor) finish(ctx, runCtx context.Context, res Result, d *demux.Demuxer, err error) (Result, error) {
	res.Stdout = d.Stdout()
	res.Stderr = d.Stderr()
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("command cancelled: %w", ctx.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		res.TimedOut = true
		return res, nil
	}
	return res, err
}

// collect copies stream into d until EOF or ctx ends.
func collect(ctx context.Context, stream io.ReadCloser, d *demux.Demuxer) error {
	done := make(chan error, 1)
	go func() {
		_, err := d.ReadFrom(stream)
		done <- err
	}()

	select {
	case err := <-done:
		stream.Close()
		return err
	case <-ctx.Done():
		stream.Close()
		<-done
		return ctx.Err()
	}
}
