package login

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/tglogin/internal/audit"
	"github.com/majorcontext/tglogin/internal/engine"
	"github.com/majorcontext/tglogin/internal/engine/enginetest"
	"github.com/majorcontext/tglogin/internal/executor"
	"github.com/majorcontext/tglogin/internal/fault"
	"github.com/majorcontext/tglogin/internal/lifecycle"
	"github.com/majorcontext/tglogin/internal/presence"
	"github.com/majorcontext/tglogin/internal/resolver"
	"github.com/majorcontext/tglogin/internal/retry"
)

const testImage = "tglogin-helper:latest"

var testHelper = Helper{
	Command: []string{"python", "/app/login_helper.py"},
	APIID:   "12345",
	APIHash: "deadbeef",
}

type memJournal struct {
	mu     sync.Mutex
	events []audit.Event
}

func (j *memJournal) Record(_ context.Context, ev audit.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *memJournal) types() []audit.EventType {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]audit.EventType, len(j.events))
	for i, ev := range j.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	svc     *Service
	fake    *enginetest.Fake
	mgr     *lifecycle.Manager
	journal *memJournal
	dir     string

	mu     sync.Mutex
	delays []time.Duration
}

func (h *harness) waits() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.delays...)
}

func newHarness(t *testing.T, tweak func(*Config)) *harness {
	t.Helper()
	h := &harness{fake: enginetest.New(), journal: &memJournal{}, dir: t.TempDir()}

	cfg := Config{
		Helper:           testHelper,
		Image:            testImage,
		WorkerCandidates: []string{"tg-worker"},
		RequestInterval:  -1,
	}
	cfg.Retry.Wait = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	if tweak != nil {
		tweak(&cfg)
	}

	exec := executor.New(h.fake)
	exec.SetPollInterval(5 * time.Millisecond)
	h.mgr = lifecycle.NewManager(h.fake, lifecycle.Config{})
	res := resolver.New(h.fake, resolver.WithPolling(10*time.Millisecond, 50*time.Millisecond))
	h.svc = NewService(cfg, exec, h.mgr, res, presence.New(h.dir, time.Minute))
	h.svc.SetJournal(h.journal)
	return h
}

// telegram answers helper commands like a cooperative account that has
// two-factor authentication enabled.
func telegram(_ engine.ContainerInfo, argv []string) enginetest.Response {
	switch argv[2] {
	case "send_code":
		return enginetest.Response{
			Stderr: "[DEBUG] sending code\n",
			Stdout: `{"success": true, "phone_code_hash": "abc"}` + "\n",
		}
	case "sign_in":
		if argv[6] == "None" {
			return enginetest.Response{Stdout: `{"success": false, "password_required": true, "message": "password needed"}`}
		}
		return enginetest.Response{Stdout: `{"success": true, "user": {"id": "777", "first_name": "Ann"}}`}
	case "check":
		return enginetest.Response{Stdout: `{"logged_in": true, "user": {"id": "777"}}`}
	}
	return enginetest.Response{Stdout: `{"success": false, "error": "unknown command"}`, ExitCode: 1}
}

func TestLoginFlow_WithPassword(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Exec = telegram
	ctx := context.Background()

	req, err := h.svc.RequestCode(ctx, "alice", "+15551234567")
	require.NoError(t, err)
	assert.True(t, req.Success)
	assert.Equal(t, "abc", req.CodeHash)
	assert.Equal(t, CodeRequested, h.svc.State("alice"))

	first, err := h.svc.SubmitCode(ctx, "alice", "123456", "abc", "")
	require.NoError(t, err)
	assert.True(t, first.PasswordRequired)
	assert.False(t, first.Success)
	assert.Equal(t, AwaitingPassword, h.svc.State("alice"))
	assert.Equal(t, 1, h.mgr.Len(), "container kept while waiting for the password")

	done, err := h.svc.SubmitCode(ctx, "alice", "123456", "abc", "hunter2")
	require.NoError(t, err)
	assert.True(t, done.Success)
	require.NotNil(t, done.User)
	assert.Equal(t, "777", done.User.ID)
	assert.Equal(t, Success, h.svc.State("alice"))

	assert.Equal(t, 1, h.fake.Calls("create"), "one container for the whole flow")
	assert.Equal(t, 1, h.fake.Calls("remove"), "one release for the whole flow")
	assert.Equal(t, 0, h.mgr.Len())

	argv := h.fake.ExecArgv()
	require.Len(t, argv, 3)
	assert.Equal(t, testHelper.SendCodeArgv("alice", "+15551234567"), argv[0])
	assert.Equal(t, testHelper.SignInArgv("alice", "+15551234567", "123456", "abc", ""), argv[1])
	assert.Equal(t, testHelper.SignInArgv("alice", "+15551234567", "123456", "abc", "hunter2"), argv[2])

	assert.Equal(t, []audit.EventType{audit.CodeRequested, audit.PasswordRequired, audit.SignedIn}, h.journal.types())

	st, err := h.svc.CheckStatus(ctx, "alice", false)
	require.NoError(t, err)
	assert.True(t, st.LoggedIn, "presence updated on success")
}

func TestRequestCode_AlreadyLoggedIn(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Exec = func(engine.ContainerInfo, []string) enginetest.Response {
		return enginetest.Response{Stdout: `{"success": true, "already_logged_in": true, "user": {"id": "1", "username": "ann"}}`}
	}

	req, err := h.svc.RequestCode(context.Background(), "alice", "+15551234567")
	require.NoError(t, err)
	assert.True(t, req.AlreadyLoggedIn)
	assert.Empty(t, req.CodeHash)
	assert.Equal(t, "ann", req.User.Username)
	assert.Equal(t, 1, h.fake.Calls("remove"))
	assert.Equal(t, Success, h.svc.State("alice"))
}

func TestRequestCode_InvalidInputNeverReachesEngine(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Exec = telegram
	ctx := context.Background()

	for _, phone := range []string{"+1555;reboot", "$(id)", "+1555`id`", "+1555\n1234", "1"} {
		_, err := h.svc.RequestCode(ctx, "alice", phone)
		assert.True(t, fault.Is(err, fault.InvalidInput), "phone %q: %v", phone, err)
	}
	_, err := h.svc.RequestCode(ctx, "bad key", "+15551234567")
	assert.True(t, fault.Is(err, fault.InvalidInput))

	_, err = h.svc.SubmitCode(ctx, "alice", "12a", "abc", "")
	assert.True(t, fault.Is(err, fault.InvalidInput))
	_, err = h.svc.SubmitCode(ctx, "alice", "123", "abc", "pw;rm -rf /")
	assert.True(t, fault.Is(err, fault.InvalidInput))

	assert.Zero(t, h.fake.Calls("create"))
	assert.Zero(t, h.fake.Calls("exec_create"))
}

func TestRequestCode_RetriesRestartingContainer(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Exec = telegram

	var execs int
	h.fake.Hook = func(op, _ string) error {
		if op != "exec_create" {
			return nil
		}
		execs++
		if execs <= 2 {
			return fault.New(fault.ContainerRestarting, "container is restarting")
		}
		return nil
	}

	req, err := h.svc.RequestCode(context.Background(), "alice", "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, "abc", req.CodeHash)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.waits())
	assert.Equal(t, 1, h.fake.Calls("create"), "retries reuse the container")
}

func TestRequestCode_RestartingExhausted(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Hook = func(op, _ string) error {
		if op == "exec_create" {
			return fault.New(fault.ContainerRestarting, "container is restarting")
		}
		return nil
	}

	_, err := h.svc.RequestCode(context.Background(), "alice", "+15551234567")
	assert.True(t, fault.Is(err, fault.ContainerRestarting), "got %v", err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.waits())
	assert.Equal(t, 4, h.fake.Calls("exec_create"))
	assert.Equal(t, 0, h.mgr.Len(), "container released after final failure")
}

func TestRequestCode_FloodWait(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Exec = func(engine.ContainerInfo, []string) enginetest.Response {
		return enginetest.Response{Stdout: `{"success": false, "error": "too many attempts", "flood_wait": 42}`}
	}

	_, err := h.svc.RequestCode(context.Background(), "alice", "+15551234567")
	fe, ok := fault.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, fault.FloodWait, fe.Kind)
	assert.Equal(t, 42*time.Second, fe.RetryAfter)
	assert.Equal(t, 1, h.fake.Calls("exec_create"), "flood wait is not retried")
	assert.Equal(t, 0, h.mgr.Len())
	assert.Equal(t, Failed, h.svc.State("alice"))
	assert.Equal(t, []audit.EventType{audit.FloodWait}, h.journal.types())
	assert.Equal(t, 42, h.journal.events[0].RetryAfterSeconds)
}

func TestRequestCode_HelperFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Exec = func(engine.ContainerInfo, []string) enginetest.Response {
		return enginetest.Response{Stdout: `{"success": false, "error": "phone number invalid"}`}
	}

	_, err := h.svc.RequestCode(context.Background(), "alice", "+15551234567")
	assert.True(t, fault.Is(err, fault.HelperFailed))
	assert.Contains(t, err.Error(), "phone number invalid")
	assert.Equal(t, 0, h.mgr.Len())
}

func TestRequestCode_MalformedOutput(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Exec = func(engine.ContainerInfo, []string) enginetest.Response {
		return enginetest.Response{Stdout: "Traceback (most recent call last):\n  boom\n", ExitCode: 1}
	}

	_, err := h.svc.RequestCode(context.Background(), "alice", "+15551234567")
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.MalformedOutput, fe.Kind)
	assert.Contains(t, fe.Excerpt, "Traceback")
	assert.Equal(t, 0, h.mgr.Len())
}

func TestRequestCode_TimeoutReleasesContainer(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StepTimeout = 50 * time.Millisecond })
	h.fake.Exec = func(engine.ContainerInfo, []string) enginetest.Response {
		return enginetest.Response{Block: true}
	}

	_, err := h.svc.RequestCode(context.Background(), "alice", "+15551234567")
	assert.True(t, fault.Is(err, fault.Timeout), "got %v", err)
	assert.Equal(t, 0, h.mgr.Len())
	assert.Equal(t, 1, h.fake.Calls("remove"))
}

func TestRequestCode_RateLimited(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, func(c *Config) {
		c.RequestInterval = 30 * time.Second
		c.RequestBurst = 3
		c.Now = func() time.Time { return now }
	})
	h.fake.Exec = telegram
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.svc.RequestCode(ctx, "alice", "+15551234567")
		require.NoError(t, err, "request %d", i+1)
	}
	_, err := h.svc.RequestCode(ctx, "alice", "+15551234567")
	fe, ok := fault.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, fault.RateLimited, fe.Kind)
	assert.Equal(t, 30*time.Second, fe.RetryAfter)

	_, err = h.svc.RequestCode(ctx, "bob", "+15557654321")
	assert.NoError(t, err, "limits are per user")
	assert.Equal(t, 4, h.fake.Calls("exec_create"), "rejected request never ran")
}

func TestAllow_PrunesRefilledLimiters(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, func(c *Config) {
		c.RequestInterval = 30 * time.Second
		c.RequestBurst = 3
		c.Now = func() time.Time { return now }
	})
	limiters := func() int {
		h.svc.mu.Lock()
		defer h.svc.mu.Unlock()
		return len(h.svc.limiters)
	}

	for i := 0; i < 100; i++ {
		require.NoError(t, h.svc.allow(fmt.Sprintf("early%d", i)))
	}
	assert.Equal(t, 100, limiters(), "partly used buckets are kept")

	now = now.Add(90 * time.Second)
	for i := 0; i < 29; i++ {
		require.NoError(t, h.svc.allow(fmt.Sprintf("late%d", i)))
	}
	assert.Equal(t, 29, limiters(), "refilled buckets dropped")

	for i := 0; i < 3; i++ {
		require.NoError(t, h.svc.allow("early0"), "pruned user starts with a full bucket")
	}
	assert.Error(t, h.svc.allow("early0"))
}

func TestSubmitCode_Challenge(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Exec = telegram
	ctx := context.Background()

	_, err := h.svc.SubmitCode(ctx, "alice", "123456", "abc", "")
	assert.True(t, fault.Is(err, fault.InvalidChallenge), "no attempt: %v", err)

	_, err = h.svc.RequestCode(ctx, "alice", "+15551234567")
	require.NoError(t, err)

	_, err = h.svc.SubmitCode(ctx, "alice", "123456", "stale", "")
	assert.True(t, fault.Is(err, fault.InvalidChallenge), "mismatch: %v", err)
	assert.Equal(t, CodeRequested, h.svc.State("alice"), "attempt kept after mismatch")
	assert.Equal(t, 1, h.mgr.Len(), "container kept after mismatch")
	assert.Equal(t, 1, h.fake.Calls("exec_create"))

	_, err = h.svc.SubmitCode(ctx, "alice", "123456", "", "")
	assert.True(t, fault.Is(err, fault.InvalidChallenge))
}

func TestSubmitCode_AwaitingPasswordWithoutPassword(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Exec = telegram
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, "alice", "+15551234567")
	require.NoError(t, err)
	_, err = h.svc.SubmitCode(ctx, "alice", "123456", "abc", "")
	require.NoError(t, err)
	execs := h.fake.Calls("exec_create")

	again, err := h.svc.SubmitCode(ctx, "alice", "123456", "abc", "")
	require.NoError(t, err)
	assert.True(t, again.PasswordRequired)
	assert.Equal(t, execs, h.fake.Calls("exec_create"), "no container work without a password")
}

func TestSubmitCode_WrongCodeReleases(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Exec = func(c engine.ContainerInfo, argv []string) enginetest.Response {
		if argv[2] == "sign_in" {
			return enginetest.Response{Stdout: `{"success": false, "error": "PhoneCodeInvalidError"}`}
		}
		return telegram(c, argv)
	}
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, "alice", "+15551234567")
	require.NoError(t, err)
	_, err = h.svc.SubmitCode(ctx, "alice", "000000", "abc", "")
	assert.True(t, fault.Is(err, fault.HelperFailed))
	assert.Equal(t, Failed, h.svc.State("alice"))
	assert.Equal(t, 0, h.mgr.Len())

	_, err = h.svc.SubmitCode(ctx, "alice", "123456", "abc", "")
	assert.True(t, fault.Is(err, fault.InvalidChallenge), "finished attempt cannot be reused")
}

func TestCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Exec = telegram
	ctx := context.Background()

	_, err := h.svc.RequestCode(ctx, "alice", "+15551234567")
	require.NoError(t, err)

	require.NoError(t, h.svc.Cancel(ctx, "alice"))
	assert.Equal(t, Idle, h.svc.State("alice"))
	assert.Equal(t, 0, h.mgr.Len())
	assert.Equal(t, 1, h.fake.Calls("remove"))

	require.NoError(t, h.svc.Cancel(ctx, "alice"), "cancel is idempotent")
	require.NoError(t, h.svc.Cancel(ctx, "nobody"))
	require.NoError(t, h.svc.Cancel(ctx, "../x"), "malformed key is a no-op")
	assert.Equal(t, 1, h.fake.Calls("remove"))
	assert.Equal(t, []audit.EventType{audit.CodeRequested, audit.Cancelled}, h.journal.types())

	_, err = h.svc.SubmitCode(ctx, "alice", "123456", "abc", "")
	assert.True(t, fault.Is(err, fault.InvalidChallenge))
}

func TestCancel_InterruptsRunningStep(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Exec = func(engine.ContainerInfo, []string) enginetest.Response {
		return enginetest.Response{Block: true}
	}
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := h.svc.RequestCode(ctx, "alice", "+15551234567")
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.fake.Calls("exec_attach") > 0 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, h.svc.Cancel(ctx, "alice"))

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("step not interrupted")
	}
	assert.Equal(t, 0, h.mgr.Len())
	assert.Empty(t, h.fake.Containers())
}

func TestCancel_DuringRestartBackoff(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Retry.Wait = retry.Sleep })
	h.fake.Hook = func(op, _ string) error {
		if op == "exec_create" {
			return fault.New(fault.ContainerRestarting, "container is restarting")
		}
		return nil
	}
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := h.svc.RequestCode(ctx, "alice", "+15551234567")
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.fake.Calls("exec_create") > 0 },
		time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, h.svc.Cancel(ctx, "alice"))

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("backoff not interrupted")
	}
	assert.Less(t, time.Since(start), 900*time.Millisecond, "cancel does not wait out the backoff")
	assert.Equal(t, 1, h.fake.Calls("exec_create"), "no attempt after cancel")
	assert.Equal(t, 0, h.mgr.Len())
	assert.Empty(t, h.fake.Containers())
}

// refuseAttach makes every exec attach fail and answers one-shot
// containers like telegram does. Login keepalive containers keep running.
func refuseAttach(h *harness) {
	h.fake.Hook = func(op, _ string) error {
		if op == "exec_attach" {
			return errors.New("attach: connection reset")
		}
		return nil
	}
	h.fake.Program = func(spec engine.CreateSpec) *enginetest.Response {
		if !strings.HasPrefix(spec.Name, executor.OneShotPrefix) {
			return nil
		}
		r := telegram(engine.ContainerInfo{}, spec.Cmd)
		return &r
	}
}

func TestLoginFlow_AttachRefusedRunsOneShot(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Exec = telegram
	refuseAttach(h)
	ctx := context.Background()

	req, err := h.svc.RequestCode(ctx, "alice", "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, "abc", req.CodeHash)
	assert.Equal(t, CodeRequested, h.svc.State("alice"))
	assert.Equal(t, 1, h.mgr.Len(), "login container kept for the next step")

	first, err := h.svc.SubmitCode(ctx, "alice", "123456", "abc", "")
	require.NoError(t, err)
	assert.True(t, first.PasswordRequired)

	done, err := h.svc.SubmitCode(ctx, "alice", "123456", "abc", "hunter2")
	require.NoError(t, err)
	assert.True(t, done.Success)
	assert.Equal(t, Success, h.svc.State("alice"))

	assert.Equal(t, 3, h.fake.Calls("exec_attach"))
	assert.Zero(t, h.fake.Calls("exec_inspect"), "refused execs never started")
	assert.Equal(t, 4, h.fake.Calls("create"), "one login container and a one-shot per step")
	assert.Equal(t, 0, h.mgr.Len())
	assert.Empty(t, h.fake.Containers(), "one-shot containers removed")
}

func TestCheckStatus_AttachRefusedRunsOneShot(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Add("tg-worker", testImage, engine.Running)
	h.fake.Exec = telegram
	refuseAttach(h)

	st, err := h.svc.CheckStatus(context.Background(), "alice", true)
	require.NoError(t, err)
	assert.True(t, st.LoggedIn)
	assert.Equal(t, "oneshot", st.Source)
	assert.Len(t, h.fake.Containers(), 1, "only the worker is left")
}

func TestCheckStatus_Cached(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	st, err := h.svc.CheckStatus(ctx, "alice", false)
	require.NoError(t, err)
	assert.False(t, st.LoggedIn)
	assert.Equal(t, "cache", st.Source)

	_, err = h.svc.CheckStatus(ctx, "../x", false)
	assert.True(t, fault.Is(err, fault.InvalidInput))
	assert.Zero(t, h.fake.Calls("inspect"))
}

func TestCheckStatus_ForcedUsesWorker(t *testing.T) {
	h := newHarness(t, nil)
	worker := h.fake.Add("tg-worker", testImage, engine.Running)
	h.fake.Exec = telegram

	st, err := h.svc.CheckStatus(context.Background(), "alice", true)
	require.NoError(t, err)
	assert.True(t, st.LoggedIn)
	assert.Equal(t, "worker", st.Source)
	require.NotNil(t, st.User)
	assert.Equal(t, "777", st.User.ID)
	assert.Equal(t, [][]string{testHelper.CheckArgv("alice")}, h.fake.ExecArgv())
	assert.Equal(t, 1, len(h.fake.Containers()))
	assert.Equal(t, worker.ID, h.fake.Containers()[0].ID)

	cached, err := h.svc.CheckStatus(context.Background(), "alice", false)
	require.NoError(t, err)
	assert.True(t, cached.LoggedIn, "live answer cached")
}

func TestCheckStatus_OneShotWhenWorkerMissing(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Program = func(spec engine.CreateSpec) *enginetest.Response {
		return &enginetest.Response{Stdout: `{"logged_in": false, "message": "not authorized"}`}
	}

	st, err := h.svc.CheckStatus(context.Background(), "alice", true)
	require.NoError(t, err)
	assert.False(t, st.LoggedIn)
	assert.Equal(t, "oneshot", st.Source)
	assert.Equal(t, "not authorized", st.Message)
	assert.Empty(t, h.fake.Containers(), "one-shot container removed")
}

func TestCheckStatus_FallsBackToFile(t *testing.T) {
	h := newHarness(t, nil)
	h.fake.Program = func(spec engine.CreateSpec) *enginetest.Response {
		return &enginetest.Response{Stdout: "garbage", ExitCode: 1}
	}
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "user_alice.session"), []byte("sqlite"), 0o600))

	st, err := h.svc.CheckStatus(context.Background(), "alice", true)
	require.NoError(t, err)
	assert.True(t, st.LoggedIn)
	assert.Equal(t, "file", st.Source)
}

func TestWorkerStatus(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.WorkerCandidates = []string{"tg-worker", "tg-worker-2"} })
	h.fake.Add("tg-worker", testImage, engine.Restarting)

	got := h.svc.WorkerStatus(context.Background())
	require.Len(t, got, 2)
	assert.Equal(t, engine.Restarting, got[0].State.Status)
	assert.Equal(t, engine.Missing, got[1].State.Status)
	assert.Equal(t, 1, len(h.fake.Containers()), "survey changes nothing")
}
