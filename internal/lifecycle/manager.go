// Package lifecycle owns the per-user ephemeral login containers: it
// creates or reuses one container per user, records when it was created,
// tears it down on request and sweeps those left idle too long.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/majorcontext/tglogin/internal/engine"
	"github.com/majorcontext/tglogin/internal/fault"
	"github.com/majorcontext/tglogin/internal/id"
	"github.com/majorcontext/tglogin/internal/keylock"
	"github.com/majorcontext/tglogin/internal/log"
)

const (
	DefaultIdleTTL       = 30 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
	DefaultStopTimeout   = 5 * time.Second
	DefaultNamePrefix    = "tglogin-"

	// RoleLabel marks containers created by the manager.
	RoleLabel = "tglogin.role"

	teardownTimeout = 30 * time.Second
)

// Event types passed to the OnEvent callback.
const (
	EventCreated  = "container_created"
	EventReleased = "container_released"
	EventSwept    = "swept"
)

// Event reports a change to a user's container.
type Event struct {
	Type      string
	UserKey   string
	Container string
}

// Spec describes the container to create for a user.
type Spec struct {
	Image   string
	Cmd     []string
	Env     []string
	Binds   []engine.Bind
	Network string
}

// Session is a user's ephemeral container.
type Session struct {
	UserKey   string
	Handle    engine.Handle
	CreatedAt time.Time
	// Reused is true when Acquire returned an existing container.
	Reused bool
}

// Config tunes a Manager. Zero fields take defaults.
type Config struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
	StopTimeout   time.Duration
	NamePrefix    string
	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

// Manager tracks one container per user key. The session map is guarded by
// mu; check-then-create and check-then-release sequences for a key run under
// that key's lock so concurrent calls for one user never race.
type Manager struct {
	gw    engine.Gateway
	cfg   Config
	locks *keylock.Map
	log   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	onEvent func(Event)

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager.
func NewManager(gw engine.Gateway, cfg Config) *Manager {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = DefaultNamePrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		gw:       gw,
		cfg:      cfg,
		locks:    keylock.New(),
		log:      log.Component("lifecycle"),
		sessions: make(map[string]*Session),
	}
}

// SetOnEvent sets a callback invoked after containers are created or torn down.
func (m *Manager) SetOnEvent(fn func(Event)) {
	m.onEvent = fn
}

func (m *Manager) emit(typ, key, container string) {
	if m.onEvent != nil {
		m.onEvent(Event{Type: typ, UserKey: key, Container: container})
	}
}

// NameFor returns the container name used for key.
func (m *Manager) NameFor(key string) string {
	return id.ForKey(m.cfg.NamePrefix, key)
}

// Acquire returns the running container for key, creating one if there is
// none. An existing entry is reused only if the engine still reports it
// running. A container in "restarting" fails with fault.ContainerRestarting.
func (m *Manager) Acquire(ctx context.Context, key string, spec Spec) (Session, error) {
	unlock, err := m.locks.Lock(ctx, key)
	if err != nil {
		return Session{}, err
	}
	defer unlock()

	if s, ok := m.Lookup(key); ok {
		info, err := m.gw.Inspect(ctx, s.Handle.ID)
		switch {
		case err == nil && info.State.Status == engine.Running:
			s.Reused = true
			return s, nil
		case err == nil && info.State.Status == engine.Restarting:
			return Session{}, fault.New(fault.ContainerRestarting, "login container %s is restarting", s.Handle.Name)
		case err != nil && !engine.IsNotFound(err):
			return Session{}, err
		}

		m.log.Info("replacing stale login container", "user", key, "container", s.Handle.Name, "state", info.State.String())
		m.forget(key, s.Handle.ID)
		if err == nil {
			m.teardown(ctx, key, s.Handle)
		}
	}

	h, err := m.create(ctx, key, spec)
	if err != nil {
		return Session{}, err
	}

	s := &Session{UserKey: key, Handle: h, CreatedAt: m.cfg.Now()}
	m.mu.Lock()
	m.sessions[key] = s
	m.mu.Unlock()

	m.log.Info("login container started", "user", key, "container", h.Name)
	m.emit(EventCreated, key, h.Name)
	return *s, nil
}

func (m *Manager) create(ctx context.Context, key string, spec Spec) (engine.Handle, error) {
	cs := engine.CreateSpec{
		Name:    m.NameFor(key),
		Image:   spec.Image,
		Cmd:     spec.Cmd,
		Env:     spec.Env,
		Binds:   spec.Binds,
		Network: spec.Network,
		Labels:  map[string]string{RoleLabel: "login"},
	}

	h, err := m.gw.Create(ctx, cs)
	if errors.Is(err, engine.ErrConflict) {
		// Left behind by a previous process that never released it.
		m.log.Warn("removing stale container with the same name", "user", key, "container", cs.Name)
		if err := m.gw.Remove(ctx, cs.Name); err != nil {
			return engine.Handle{}, fmt.Errorf("removing stale container %s: %w", cs.Name, err)
		}
		h, err = m.gw.Create(ctx, cs)
	}
	if err != nil {
		return engine.Handle{}, err
	}

	if err := m.gw.Start(ctx, h.ID); err != nil {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if rmErr := m.gw.Remove(rmCtx, h.ID); rmErr != nil {
			m.log.Warn("removing container that failed to start", "container", h.Name, "error", rmErr)
		}
		return engine.Handle{}, err
	}
	return h, nil
}

// Release stops and removes key's container and forgets it. Teardown
// failures are logged, never returned; the map entry is always dropped.
// Releasing an unknown key does nothing. It reports whether a session was
// released.
func (m *Manager) Release(ctx context.Context, key string) bool {
	ctx = context.WithoutCancel(ctx)
	unlock, err := m.locks.Lock(ctx, key)
	if err != nil {
		return false
	}
	defer unlock()

	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.teardown(ctx, key, s.Handle)
	m.emit(EventReleased, key, s.Handle.Name)
	return true
}

// teardown stops and removes h, logging failures.
func (m *Manager) teardown(ctx context.Context, key string, h engine.Handle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	if err := m.gw.Stop(ctx, h.ID, m.cfg.StopTimeout); err != nil && !engine.IsNotFound(err) {
		m.log.Warn("stopping login container", "user", key, "container", h.Name, "error", err)
	}
	if err := m.gw.Remove(ctx, h.ID); err != nil {
		m.log.Warn("removing login container", "user", key, "container", h.Name, "error", err)
		return
	}
	m.log.Info("login container removed", "user", key, "container", h.Name)
}

// forget drops key's entry if it still refers to containerID.
func (m *Manager) forget(key, containerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok && s.Handle.ID == containerID {
		delete(m.sessions, key)
	}
}

// Lookup returns a copy of key's session.
func (m *Manager) Lookup(key string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns every tracked session, oldest first.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep releases every session older than the idle TTL and returns their
// keys. A session exactly TTL old is kept.
func (m *Manager) Sweep(ctx context.Context) []string {
	now := m.cfg.Now()
	var expired []*Session
	m.mu.Lock()
	for _, s := range m.sessions {
		if now.Sub(s.CreatedAt) > m.cfg.IdleTTL {
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	var swept []string
	for _, s := range expired {
		if m.releaseIfSame(ctx, s) {
			swept = append(swept, s.UserKey)
		}
	}
	sort.Strings(swept)
	return swept
}

// releaseIfSame releases s unless its key was re-acquired meanwhile.
func (m *Manager) releaseIfSame(ctx context.Context, s *Session) bool {
	unlock, err := m.locks.Lock(ctx, s.UserKey)
	if err != nil {
		return false
	}
	defer unlock()

	m.mu.Lock()
	cur, ok := m.sessions[s.UserKey]
	if !ok || cur != s {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, s.UserKey)
	m.mu.Unlock()

	m.log.Info("sweeping idle login container", "user", s.UserKey, "container", s.Handle.Name,
		"age", m.cfg.Now().Sub(s.CreatedAt).Round(time.Second))
	m.teardown(ctx, s.UserKey, s.Handle)
	m.emit(EventSwept, s.UserKey, s.Handle.Name)
	return true
}

// SweepOrphans removes containers carrying the name prefix that the manager
// does not track and that are older than the idle TTL, such as those left
// by a crashed process. It returns the removed names.
func (m *Manager) SweepOrphans(ctx context.Context) ([]string, error) {
	list, err := m.gw.ListContainers(ctx, m.cfg.NamePrefix)
	if err != nil {
		return nil, err
	}

	tracked := map[string]bool{}
	m.mu.Lock()
	for _, s := range m.sessions {
		tracked[s.Handle.ID] = true
		tracked[s.Handle.Name] = true
	}
	m.mu.Unlock()

	now := m.cfg.Now()
	var removed []string
	for _, c := range list {
		if tracked[c.ID] || tracked[c.Name] || !strings.HasPrefix(c.Name, m.cfg.NamePrefix) {
			continue
		}
		if now.Sub(c.Created) <= m.cfg.IdleTTL {
			continue
		}
		if err := m.gw.Remove(ctx, c.ID); err != nil {
			m.log.Warn("removing orphaned container", "container", c.Name, "error", err)
			continue
		}
		m.log.Info("removed orphaned container", "container", c.Name, "age", now.Sub(c.Created).Round(time.Second))
		m.emit(EventSwept, "", c.Name)
		removed = append(removed, c.Name)
	}
	return removed, nil
}

// Run sweeps every SweepInterval until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepAll(ctx)
		}
	}
}

func (m *Manager) sweepAll(ctx context.Context) {
	if keys := m.Sweep(ctx); len(keys) > 0 {
		m.log.Info("idle sweep released sessions", "count", len(keys))
	}
	if _, err := m.SweepOrphans(ctx); err != nil {
		m.log.Warn("orphan sweep failed", "error", err)
	}
}

// Start runs an orphan sweep and then the periodic sweep loop in the
// background. Calling Start twice has no effect.
func (m *Manager) Start() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		if _, err := m.SweepOrphans(ctx); err != nil {
			m.log.Warn("startup orphan sweep failed", "error", err)
		}
		m.Run(ctx)
	}()
}

// Close stops the sweep loop and releases every session.
func (m *Manager) Close(ctx context.Context) {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	for _, s := range m.Sessions() {
		m.Release(ctx, s.UserKey)
	}
}
