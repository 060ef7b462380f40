package cli

import (
	"context"
	"fmt"

	"github.com/majorcontext/tglogin/internal/audit"
	"github.com/majorcontext/tglogin/internal/config"
	"github.com/majorcontext/tglogin/internal/engine"
	"github.com/majorcontext/tglogin/internal/executor"
	"github.com/majorcontext/tglogin/internal/lifecycle"
	"github.com/majorcontext/tglogin/internal/log"
	"github.com/majorcontext/tglogin/internal/login"
	"github.com/majorcontext/tglogin/internal/presence"
	"github.com/majorcontext/tglogin/internal/resolver"
)

// app holds the wired components shared by the commands.
type app struct {
	gw      engine.Gateway
	mgr     *lifecycle.Manager
	svc     *login.Service
	journal *audit.Journal
}

// newApp connects to the engine and wires the login service. When
// tolerateEngine is set an unreachable engine is logged and the app still
// starts; every engine call then fails fast until the process restarts.
func newApp(ctx context.Context, c *config.Config, tolerateEngine bool) (*app, error) {
	gw, err := engine.Connect(ctx, c.Docker.Socket)
	if err != nil {
		if !tolerateEngine {
			return nil, err
		}
		log.Warn("container engine unavailable", "error", err)
	}

	a := &app{gw: gw}
	if c.Audit.Enabled {
		j, err := audit.Open(c.Audit.Path)
		if err != nil {
			gw.Close()
			return nil, fmt.Errorf("opening login journal: %w", err)
		}
		a.journal = j
	}

	apiID, apiHash, err := c.Credentials(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.mgr = lifecycle.NewManager(gw, lifecycle.Config{
		IdleTTL:       c.Sessions.IdleTTL,
		SweepInterval: c.Sessions.SweepInterval,
		StopTimeout:   c.Sessions.StopTimeout,
		NamePrefix:    c.Sessions.NamePrefix,
	})
	if a.journal != nil {
		j := a.journal
		a.mgr.SetOnEvent(func(ev lifecycle.Event) {
			if err := j.Record(context.Background(), containerEvent(ev)); err != nil {
				log.Warn("recording container event", "type", ev.Type, "error", err)
			}
		})
	}

	exec := executor.New(gw)
	res := resolver.New(gw, resolver.WithPolling(c.Worker.PollInterval, c.Worker.PollBound))
	pc := presence.New(c.Login.SessionDir, c.Presence.TTL)

	a.svc = login.NewService(login.Config{
		Helper: login.Helper{
			Command:    c.Login.HelperCommand,
			SessionDir: c.Login.ContainerSessionDir,
			APIID:      apiID,
			APIHash:    apiHash,
		},
		Image:            c.Login.Image,
		KeepaliveCmd:     c.Login.Keepalive,
		Env:              c.EnvList(),
		Binds:            c.Binds(),
		Network:          c.Login.Network,
		WorkerCandidates: c.Worker.Containers,
		StepTimeout:      c.Login.StepTimeout,
		StatusTimeout:    c.Login.StatusTimeout,
		RequestInterval:  c.Login.RequestInterval,
		RequestBurst:     c.Login.RequestBurst,
	}, exec, a.mgr, res, pc)
	if a.journal != nil {
		a.svc.SetJournal(a.journal)
	}
	return a, nil
}

// Close releases login containers and closes the engine and journal.
func (a *app) Close() {
	if a.mgr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		a.mgr.Close(ctx)
		cancel()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Warn("closing login journal", "error", err)
		}
	}
	a.gw.Close()
}

// containerEvent maps a lifecycle event onto a journal event.
func containerEvent(ev lifecycle.Event) audit.Event {
	out := audit.Event{UserKey: ev.UserKey, Container: ev.Container}
	switch ev.Type {
	case lifecycle.EventCreated:
		out.Type = audit.ContainerCreated
	case lifecycle.EventSwept:
		out.Type = audit.Swept
	default:
		out.Type = audit.ContainerReleased
	}
	return out
}
