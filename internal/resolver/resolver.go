// Package resolver finds the primary worker container among a list of
// candidate names and brings it to the running state when it can.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/majorcontext/tglogin/internal/engine"
	"github.com/majorcontext/tglogin/internal/fault"
	"github.com/majorcontext/tglogin/internal/log"
	"github.com/majorcontext/tglogin/internal/retry"
)

const (
	// DefaultInterval is the inspect polling interval.
	DefaultInterval = time.Second
	// DefaultBound is how long a container may stay in a transitional state.
	DefaultBound = 30 * time.Second
)

// Resolution is a usable primary worker.
type Resolution struct {
	Candidate string
	Handle    engine.Handle
	State     engine.State
}

// Candidate is one entry of a Survey.
type Candidate struct {
	Name   string
	Handle engine.Handle
	State  engine.State
	Err    error
}

// Resolver locates the primary worker container.
type Resolver struct {
	gw       engine.Gateway
	interval time.Duration
	bound    time.Duration
	wait     func(ctx context.Context, d time.Duration) error
	log      *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPolling sets the polling interval and bound.
func WithPolling(interval, bound time.Duration) Option {
	return func(r *Resolver) {
		r.interval = interval
		r.bound = bound
	}
}

// WithWait replaces the sleep between polls.
func WithWait(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Resolver) { r.wait = wait }
}

// New creates a Resolver.
func New(gw engine.Gateway, opts ...Option) *Resolver {
	r := &Resolver{
		gw:       gw,
		interval: DefaultInterval,
		bound:    DefaultBound,
		log:      log.Component("resolver"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

var errNotSettled = errors.New("container state not settled")

// ResolvePrimary walks candidates in order and returns the first container
// that is running or can be made to run. A container stuck in "restarting"
// past the bound fails with fault.ContainerRestarting. When no candidate is
// usable the error is fault.ContainerMissing, listing the state of each
// candidate that exists but could not be used.
func (r *Resolver) ResolvePrimary(ctx context.Context, candidates []string) (Resolution, error) {
	unusable := map[string]string{}

	for _, name := range candidates {
		info, err := r.gw.Inspect(ctx, name)
		if engine.IsNotFound(err) {
			continue
		}
		if err != nil {
			return Resolution{}, err
		}

		switch info.State.Status {
		case engine.Running:
			return resolution(name, info), nil

		case engine.Restarting:
			r.log.Info("worker restarting, waiting", "container", name)
			info, err = r.settle(ctx, name)
			if err != nil {
				return Resolution{}, err
			}
			if info.State.Status == engine.Running {
				return resolution(name, info), nil
			}
			if info.State.Status == engine.Restarting {
				return Resolution{}, fault.New(fault.ContainerRestarting,
					"container %s is still restarting after %s", name, r.bound)
			}
		}

		if info.State.Status == engine.Exited || info.State.Status == engine.Created {
			r.log.Info("starting stopped worker", "container", name, "state", info.State.String())
			if err := r.gw.Start(ctx, info.ID); err != nil {
				if fault.Is(err, fault.EngineUnavailable) {
					return Resolution{}, err
				}
				r.log.Warn("could not start worker", "container", name, "error", err)
				unusable[name] = info.State.String()
				continue
			}
			info, err = r.settle(ctx, name)
			if err != nil {
				return Resolution{}, err
			}
			switch info.State.Status {
			case engine.Running:
				return resolution(name, info), nil
			case engine.Restarting:
				return Resolution{}, fault.New(fault.ContainerRestarting,
					"container %s is still restarting after %s", name, r.bound)
			}
		}
		unusable[name] = info.State.String()
	}

	e := fault.New(fault.ContainerMissing, "no usable worker container among %v", candidates)
	if len(unusable) > 0 {
		e.States = unusable
	}
	return Resolution{}, e
}

// settle polls name until it is running or leaves every transitional
// state, or the bound elapses. It returns the last state observed.
func (r *Resolver) settle(ctx context.Context, name string) (engine.ContainerInfo, error) {
	p := retry.Constant(r.interval, r.bound)
	p.Wait = r.wait
	p.RetryIf = func(err error) bool { return errors.Is(err, errNotSettled) }

	var last engine.ContainerInfo
	first := true
	err := retry.Do(ctx, p, func(ctx context.Context) error {
		// The first look happens after one interval so a just-started
		// container has time to move.
		if first {
			first = false
			return errNotSettled
		}
		info, err := r.gw.Inspect(ctx, name)
		if err != nil {
			return err
		}
		last = info
		switch info.State.Status {
		case engine.Restarting, engine.Created:
			return errNotSettled
		}
		return nil
	})
	if errors.Is(err, errNotSettled) {
		if ctx.Err() != nil {
			return last, ctx.Err()
		}
		return last, nil
	}
	if engine.IsNotFound(err) {
		return engine.ContainerInfo{}, nil
	}
	return last, err
}

func resolution(name string, info engine.ContainerInfo) Resolution {
	return Resolution{Candidate: name, Handle: info.Handle, State: info.State}
}

// Survey reports the state of every candidate without changing anything.
func (r *Resolver) Survey(ctx context.Context, candidates []string) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, name := range candidates {
		c := Candidate{Name: name}
		info, err := r.gw.Inspect(ctx, name)
		switch {
		case engine.IsNotFound(err):
			c.State = engine.State{Status: engine.Missing}
		case err != nil:
			c.Err = err
		default:
			c.Handle = info.Handle
			c.State = info.State
		}
		out = append(out, c)
	}
	return out
}
