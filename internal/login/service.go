package login

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"
	"golang.org/x/time/rate"

	"github.com/majorcontext/tglogin/internal/audit"
	"github.com/majorcontext/tglogin/internal/engine"
	"github.com/majorcontext/tglogin/internal/executor"
	"github.com/majorcontext/tglogin/internal/fault"
	"github.com/majorcontext/tglogin/internal/keylock"
	"github.com/majorcontext/tglogin/internal/lifecycle"
	"github.com/majorcontext/tglogin/internal/log"
	"github.com/majorcontext/tglogin/internal/presence"
	"github.com/majorcontext/tglogin/internal/resolver"
	"github.com/majorcontext/tglogin/internal/retry"
)

const (
	DefaultStepTimeout     = 30 * time.Second
	DefaultStatusTimeout   = 3 * time.Second
	DefaultRequestInterval = 30 * time.Second
	DefaultRequestBurst    = 3
)

// limiterPruneMin is the smallest limiter map size that triggers pruning.
const limiterPruneMin = 64

// DefaultKeepalive keeps a login container alive between steps.
var DefaultKeepalive = []string{"sleep", "infinity"}

// Config configures a Service. Zero fields take defaults.
type Config struct {
	Helper Helper
	// Image runs both the per-user login containers and one-shot checks.
	Image        string
	KeepaliveCmd []string
	Env          []string
	Binds        []engine.Bind
	Network      string

	// WorkerCandidates are the names of the long-running worker, in
	// order of preference. Forced status checks run there.
	WorkerCandidates []string

	StepTimeout   time.Duration
	StatusTimeout time.Duration

	// Retry governs steps that hit a restarting container. The zero
	// value means 4 attempts with delays of 1s, 2s and 4s.
	Retry retry.Policy

	// RequestInterval and RequestBurst limit code requests per user.
	// A negative interval disables the limit.
	RequestInterval time.Duration
	RequestBurst    int

	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if len(c.KeepaliveCmd) == 0 {
		c.KeepaliveCmd = DefaultKeepalive
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = DefaultStatusTimeout
	}
	if c.Retry.Attempts == 0 {
		wait := c.Retry.Wait
		c.Retry = retry.Exponential(4, time.Second)
		c.Retry.Wait = wait
	}
	if c.RequestInterval == 0 {
		c.RequestInterval = DefaultRequestInterval
	}
	if c.RequestBurst <= 0 {
		c.RequestBurst = DefaultRequestBurst
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Recorder receives journal events.
type Recorder interface {
	Record(ctx context.Context, ev audit.Event) error
}

// Status answers "is this user logged in".
type Status struct {
	LoggedIn bool   `json:"loggedIn"`
	Message  string `json:"message"`
	User     *User  `json:"user,omitempty"`
	// Source is "cache", "worker", "oneshot" or "file".
	Source string `json:"source,omitempty"`
}

// CodeRequest is the outcome of RequestCode.
type CodeRequest struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	CodeHash        string `json:"codeHash,omitempty"`
	AlreadyLoggedIn bool   `json:"alreadyLoggedIn,omitempty"`
	User            *User  `json:"user,omitempty"`
}

// SignIn is the outcome of SubmitCode.
type SignIn struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	PasswordRequired bool   `json:"passwordRequired,omitempty"`
	User             *User  `json:"user,omitempty"`
}

// attempt is one login flow between RequestCode and its terminal outcome.
type attempt struct {
	id       string
	phone    string
	codeHash string
	state    State
}

type step struct {
	cancel context.CancelFunc
}

// Service drives the login flow for many users. Steps for one user run
// one at a time; different users proceed concurrently.
type Service struct {
	cfg      Config
	exec     *executor.Executor
	mgr      *lifecycle.Manager
	res      *resolver.Resolver
	presence *presence.Cache
	journal  Recorder
	log      *slog.Logger

	steps *keylock.Map

	mu       sync.Mutex
	attempts map[string]*attempt
	inflight map[string]*step
	gens     map[string]uint64
	limiters map[string]*rate.Limiter
	pruneAt  int
}

// NewService creates a Service.
func NewService(cfg Config, exec *executor.Executor, mgr *lifecycle.Manager, res *resolver.Resolver, pc *presence.Cache) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:      cfg,
		exec:     exec,
		mgr:      mgr,
		res:      res,
		presence: pc,
		log:      log.Component("login"),
		steps:    keylock.New(),
		attempts: make(map[string]*attempt),
		inflight: make(map[string]*step),
		gens:     make(map[string]uint64),
		limiters: make(map[string]*rate.Limiter),
		pruneAt:  limiterPruneMin,
	}
}

// SetJournal sets where login events are recorded.
func (s *Service) SetJournal(r Recorder) {
	s.journal = r
}

// CheckStatus reports whether key has a Telegram session. Without force
// the presence cache answers. With force the helper's check command runs
// in the primary worker, or in a one-shot container when the worker is
// unusable; any failure falls back to the session file.
func (s *Service) CheckStatus(ctx context.Context, key string, force bool) (Status, error) {
	if err := ValidateUserKey(key); err != nil {
		return Status{}, err
	}
	if !force {
		return s.fileStatus(key, "cache"), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StatusTimeout)
	defer cancel()

	st, err := s.liveStatus(ctx, key)
	if err != nil {
		s.log.Warn("live status check failed, using session file", "user", key, "error", err)
		s.presence.Invalidate(key)
		return s.fileStatus(key, "file"), nil
	}
	s.presence.Set(key, st.LoggedIn)
	return st, nil
}

func (s *Service) fileStatus(key, source string) Status {
	if s.presence.Exists(key) {
		return Status{LoggedIn: true, Message: "session found", Source: source}
	}
	return Status{LoggedIn: false, Message: "not logged in", Source: source}
}

func (s *Service) liveStatus(ctx context.Context, key string) (Status, error) {
	argv := s.cfg.Helper.CheckArgv(key)

	source := "worker"
	var res executor.Result
	w, err := s.res.ResolvePrimary(ctx, s.cfg.WorkerCandidates)
	if err == nil {
		res, err = s.exec.RunInContainer(ctx, w.Handle.ID, argv, s.cfg.StatusTimeout)
	}
	if err != nil {
		if ctx.Err() != nil {
			return Status{}, err
		}
		s.log.Debug("worker unusable for status check, running one-shot", "user", key, "error", err)
		source = "oneshot"
		res, err = s.exec.RunOneShot(ctx, s.oneShot(argv), s.cfg.StatusTimeout)
		if err != nil {
			return Status{}, err
		}
	}
	if res.TimedOut {
		return Status{}, fault.New(fault.Timeout, "status check timed out after %s", s.cfg.StatusTimeout)
	}

	var reply Reply
	if err := executor.Decode(res, &reply); err != nil {
		return Status{}, err
	}
	if !reply.LoggedIn && reply.Error != "" {
		return Status{}, fault.New(fault.HelperFailed, "status check failed: %s", reply.Error)
	}
	msg := reply.Reason()
	if msg == "" {
		msg = "not logged in"
		if reply.LoggedIn {
			msg = "logged in"
		}
	}
	return Status{LoggedIn: reply.LoggedIn, Message: msg, User: reply.User, Source: source}, nil
}

func (s *Service) oneShot(argv []string) executor.OneShot {
	return executor.OneShot{
		Image:   s.cfg.Image,
		Argv:    argv,
		Env:     s.cfg.Env,
		Binds:   s.cfg.Binds,
		Network: s.cfg.Network,
	}
}

// RequestCode asks Telegram to send a login code to phone. The returned
// CodeHash must be passed back unchanged to SubmitCode. When the user
// already has a valid session no code is sent and AlreadyLoggedIn is set.
func (s *Service) RequestCode(ctx context.Context, key, phone string) (CodeRequest, error) {
	if err := ValidateUserKey(key); err != nil {
		return CodeRequest{}, err
	}
	phone, err := NormalizePhone(phone)
	if err != nil {
		return CodeRequest{}, err
	}
	if err := s.allow(key); err != nil {
		return CodeRequest{}, err
	}

	ctx, gen, done, err := s.begin(ctx, key)
	if err != nil {
		return CodeRequest{}, err
	}
	defer done()

	a := &attempt{id: xid.New().String(), phone: phone, state: Idle}
	masked := audit.MaskPhone(phone)
	s.log.Info("requesting login code", "user", key, "phone", masked, "attempt", a.id)

	reply, err := s.run(ctx, key, s.cfg.Helper.SendCodeArgv(key, phone))
	if err := s.superseded(ctx, key, gen); err != nil {
		return CodeRequest{}, err
	}
	if err != nil {
		return CodeRequest{}, s.abort(ctx, key, a, err)
	}

	switch {
	case reply.FloodWait > 0:
		return CodeRequest{}, s.abort(ctx, key, a, floodWait(reply))
	case reply.AlreadyLoggedIn:
		s.finish(ctx, key, a, Success)
		s.record(ctx, audit.Event{Type: audit.SignedIn, UserKey: key, Attempt: a.id, Phone: masked, Detail: "already_logged_in"})
		msg := reply.Reason()
		if msg == "" {
			msg = "already logged in"
		}
		return CodeRequest{Success: true, AlreadyLoggedIn: true, User: reply.User, Message: msg}, nil
	case reply.Success && reply.PhoneCodeHash != "":
		a.codeHash = reply.PhoneCodeHash
		a.state = CodeRequested
		s.mu.Lock()
		s.attempts[key] = a
		s.mu.Unlock()
		s.record(ctx, audit.Event{Type: audit.CodeRequested, UserKey: key, Attempt: a.id, Phone: masked})
		return CodeRequest{Success: true, CodeHash: reply.PhoneCodeHash, Message: "code sent"}, nil
	default:
		return CodeRequest{}, s.abort(ctx, key, a, helperFailed("sending code", reply))
	}
}

// SubmitCode completes the login with the code Telegram sent. codeHash must
// match the one returned by RequestCode. When the account has two-factor
// authentication and password is empty, PasswordRequired is returned and
// the login container is kept for a second call carrying the password.
func (s *Service) SubmitCode(ctx context.Context, key, code, codeHash, password string) (SignIn, error) {
	if err := ValidateUserKey(key); err != nil {
		return SignIn{}, err
	}
	if err := ValidateCode(code); err != nil {
		return SignIn{}, err
	}
	if err := ValidateCodeHash(codeHash); err != nil {
		return SignIn{}, err
	}
	if password != "" {
		if err := ValidatePassword(password); err != nil {
			return SignIn{}, err
		}
	}

	ctx, gen, done, err := s.begin(ctx, key)
	if err != nil {
		return SignIn{}, err
	}
	defer done()

	s.mu.Lock()
	a, ok := s.attempts[key]
	if !ok || a.state.Terminal() {
		s.mu.Unlock()
		return SignIn{}, fault.New(fault.InvalidChallenge, "no login in progress, request a new code")
	}
	if subtle.ConstantTimeCompare([]byte(a.codeHash), []byte(codeHash)) != 1 {
		s.mu.Unlock()
		return SignIn{}, fault.New(fault.InvalidChallenge, "code hash does not match the pending login")
	}
	if a.state == AwaitingPassword && password == "" {
		s.mu.Unlock()
		return SignIn{PasswordRequired: true, Message: "two-factor password required"}, nil
	}
	if a.state == CodeRequested {
		a.state = AwaitingVerification
	}
	phone := a.phone
	s.mu.Unlock()

	reply, err := s.run(ctx, key, s.cfg.Helper.SignInArgv(key, phone, code, codeHash, password))
	if err := s.superseded(ctx, key, gen); err != nil {
		return SignIn{}, err
	}
	if err != nil {
		return SignIn{}, s.abort(ctx, key, a, err)
	}

	switch {
	case reply.Success:
		s.finish(ctx, key, a, Success)
		s.record(ctx, audit.Event{Type: audit.SignedIn, UserKey: key, Attempt: a.id, Phone: audit.MaskPhone(phone)})
		s.log.Info("login succeeded", "user", key, "attempt", a.id)
		msg := reply.Reason()
		if msg == "" {
			msg = "logged in"
		}
		return SignIn{Success: true, User: reply.User, Message: msg}, nil
	case reply.PasswordRequired:
		s.mu.Lock()
		a.state = AwaitingPassword
		s.mu.Unlock()
		s.record(ctx, audit.Event{Type: audit.PasswordRequired, UserKey: key, Attempt: a.id})
		return SignIn{PasswordRequired: true, Message: "two-factor password required"}, nil
	case reply.FloodWait > 0:
		return SignIn{}, s.abort(ctx, key, a, floodWait(reply))
	default:
		return SignIn{}, s.abort(ctx, key, a, helperFailed("signing in", reply))
	}
}

// Cancel abandons key's login: the running step's context is cancelled,
// the container released and the attempt dropped. It never fails; a
// malformed key cannot own a login, so cancelling it is a no-op.
func (s *Service) Cancel(ctx context.Context, key string) error {
	if err := ValidateUserKey(key); err != nil {
		s.log.Debug("ignoring cancel for malformed user key", "error", err)
		return nil
	}

	s.mu.Lock()
	if st, ok := s.inflight[key]; ok {
		st.cancel()
	}
	s.gens[key]++
	a, hadAttempt := s.attempts[key]
	delete(s.attempts, key)
	s.mu.Unlock()

	released := s.mgr.Release(ctx, key)
	if (hadAttempt && !a.state.Terminal()) || released {
		ev := audit.Event{Type: audit.Cancelled, UserKey: key}
		if hadAttempt {
			ev.Attempt = a.id
		}
		s.record(ctx, ev)
		s.log.Info("login cancelled", "user", key)
	}
	return nil
}

// State returns key's position in the login flow.
func (s *Service) State(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.attempts[key]; ok {
		return a.state
	}
	return Idle
}

// WorkerStatus reports the state of every worker candidate.
func (s *Service) WorkerStatus(ctx context.Context) []resolver.Candidate {
	return s.res.Survey(ctx, s.cfg.WorkerCandidates)
}

// begin serializes steps for key and registers the step so Cancel can
// interrupt it. The returned generation detects a Cancel that raced the step.
func (s *Service) begin(ctx context.Context, key string) (context.Context, uint64, func(), error) {
	unlock, err := s.steps.Lock(ctx, key)
	if err != nil {
		return nil, 0, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	st := &step{cancel: cancel}
	s.mu.Lock()
	s.inflight[key] = st
	gen := s.gens[key]
	s.mu.Unlock()

	done := func() {
		s.mu.Lock()
		if s.inflight[key] == st {
			delete(s.inflight, key)
		}
		s.mu.Unlock()
		cancel()
		unlock()
	}
	return ctx, gen, done, nil
}

// superseded reports a Cancel that happened while the step ran. Any
// container the step created in the meantime is released.
func (s *Service) superseded(ctx context.Context, key string, gen uint64) error {
	s.mu.Lock()
	cur := s.gens[key]
	s.mu.Unlock()
	if cur == gen {
		return nil
	}
	s.mgr.Release(ctx, key)
	return context.Canceled
}

// run acquires key's login container and runs argv in it, retrying the
// whole step while the container is restarting.
func (s *Service) run(ctx context.Context, key string, argv []string) (Reply, error) {
	spec := lifecycle.Spec{
		Image:   s.cfg.Image,
		Cmd:     s.cfg.KeepaliveCmd,
		Env:     s.cfg.Env,
		Binds:   s.cfg.Binds,
		Network: s.cfg.Network,
	}

	p := s.cfg.Retry
	p.RetryIf = func(err error) bool { return fault.Is(err, fault.ContainerRestarting) }
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.log.Warn("login container restarting, retrying step", "user", key, "attempt", attempt, "delay", delay)
	}

	var res executor.Result
	err := retry.Do(ctx, p, func(ctx context.Context) error {
		sess, err := s.mgr.Acquire(ctx, key, spec)
		if err != nil {
			return err
		}
		res, err = s.exec.RunInContainer(ctx, sess.Handle.ID, argv, s.cfg.StepTimeout)
		if errors.Is(err, executor.ErrNoStream) {
			// The command never started; a one-shot container with the same
			// session mount recovers its output from the logs.
			s.log.Warn("exec stream unavailable, running step in a one-shot container", "user", key, "error", err)
			res, err = s.exec.RunOneShot(ctx, s.oneShot(argv), s.cfg.StepTimeout)
		}
		return err
	})
	if err != nil {
		return Reply{}, err
	}
	if res.TimedOut {
		return Reply{}, fault.New(fault.Timeout, "login step timed out after %s", s.cfg.StepTimeout)
	}

	var reply Reply
	if err := executor.Decode(res, &reply); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// abort ends the attempt after err, releasing the container.
func (s *Service) abort(ctx context.Context, key string, a *attempt, err error) error {
	s.finish(ctx, key, a, Failed)

	ev := audit.Event{Type: audit.Failed, UserKey: key, Attempt: a.id, Detail: fault.KindOf(err).String()}
	if fe, ok := fault.As(err); ok && fe.Kind == fault.FloodWait {
		ev.Type = audit.FloodWait
		ev.RetryAfterSeconds = int(fe.RetryAfter / time.Second)
	}
	if errors.Is(err, context.Canceled) {
		ev.Type = audit.Cancelled
	}
	s.record(ctx, ev)
	s.log.Warn("login step failed", "user", key, "attempt", a.id, "error", err)
	return err
}

// finish moves the attempt to a terminal state and releases the container.
func (s *Service) finish(ctx context.Context, key string, a *attempt, state State) {
	s.mu.Lock()
	a.state = state
	s.attempts[key] = a
	s.mu.Unlock()

	s.mgr.Release(ctx, key)
	if state == Success {
		s.presence.Set(key, true)
	}
}

func (s *Service) record(ctx context.Context, ev audit.Event) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Warn("recording login event", "type", ev.Type, "user", ev.UserKey, "error", err)
	}
}

// allow applies the per-user code request limit.
func (s *Service) allow(key string) error {
	if s.cfg.RequestInterval < 0 {
		return nil
	}
	now := s.cfg.Now()

	s.mu.Lock()
	l, ok := s.limiters[key]
	if !ok {
		if len(s.limiters) >= s.pruneAt {
			s.pruneLimiters(now)
		}
		l = rate.NewLimiter(rate.Every(s.cfg.RequestInterval), s.cfg.RequestBurst)
		s.limiters[key] = l
	}
	s.mu.Unlock()

	r := l.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &fault.Error{
			Kind:       fault.RateLimited,
			Message:    fmt.Sprintf("too many code requests, try again in %s", delay.Round(time.Second)),
			RetryAfter: delay,
		}
	}
	return nil
}

// pruneLimiters drops limiters whose bucket has refilled, since a full
// bucket is indistinguishable from a new one. s.mu must be held.
func (s *Service) pruneLimiters(now time.Time) {
	burst := float64(s.cfg.RequestBurst)
	for key, l := range s.limiters {
		if l.TokensAt(now) >= burst {
			delete(s.limiters, key)
		}
	}
	s.pruneAt = max(2*len(s.limiters), limiterPruneMin)
}

func floodWait(r Reply) error {
	wait := time.Duration(r.FloodWait) * time.Second
	msg := r.Reason()
	if msg == "" {
		msg = fmt.Sprintf("telegram asked to wait %s", wait)
	}
	return &fault.Error{Kind: fault.FloodWait, Message: msg, RetryAfter: wait}
}

func helperFailed(step string, r Reply) error {
	reason := r.Reason()
	if reason == "" {
		reason = "helper reported failure"
	}
	return fault.New(fault.HelperFailed, "%s: %s", step, reason)
}
