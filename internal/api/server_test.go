package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/tglogin/internal/engine"
	"github.com/majorcontext/tglogin/internal/fault"
	"github.com/majorcontext/tglogin/internal/login"
	"github.com/majorcontext/tglogin/internal/resolver"
)

type fakeService struct {
	status  login.Status
	code    login.CodeRequest
	signIn  login.SignIn
	workers []resolver.Candidate
	err     error

	gotKey      string
	gotForce    bool
	gotPhone    string
	gotCode     string
	gotHash     string
	gotPassword string
	cancelled   []string
}

func (f *fakeService) CheckStatus(_ context.Context, key string, force bool) (login.Status, error) {
	f.gotKey, f.gotForce = key, force
	return f.status, f.err
}

func (f *fakeService) RequestCode(_ context.Context, key, phone string) (login.CodeRequest, error) {
	f.gotKey, f.gotPhone = key, phone
	return f.code, f.err
}

func (f *fakeService) SubmitCode(_ context.Context, key, code, codeHash, password string) (login.SignIn, error) {
	f.gotKey, f.gotCode, f.gotHash, f.gotPassword = key, code, codeHash, password
	return f.signIn, f.err
}

func (f *fakeService) Cancel(_ context.Context, key string) error {
	f.cancelled = append(f.cancelled, key)
	return f.err
}

func (f *fakeService) WorkerStatus(context.Context) []resolver.Candidate {
	return f.workers
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func do(t *testing.T, s *Server, method, path, user, body string) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(DefaultUserHeader, user)
	}
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestStatus(t *testing.T) {
	svc := &fakeService{status: login.Status{LoggedIn: true, Message: "session found", Source: "cache"}}
	s := New(svc, pinger{}, Options{})

	resp, body := do(t, s, http.MethodGet, "/api/login/status?force=true", "alice", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["loggedIn"])
	assert.Equal(t, "alice", svc.gotKey)
	assert.True(t, svc.gotForce)

	do(t, s, http.MethodGet, "/api/login/status", "alice", "")
	assert.False(t, svc.gotForce)
}

func TestRequiresUserHeader(t *testing.T) {
	svc := &fakeService{}
	s := New(svc, pinger{}, Options{UserHeader: "X-Remote-User"})

	resp, body := do(t, s, http.MethodPost, "/api/login/request-code", "", `{"phone":"+15551234567"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body["message"], "X-Remote-User")
	assert.Empty(t, svc.gotPhone)
}

func TestRequestCode(t *testing.T) {
	svc := &fakeService{code: login.CodeRequest{Success: true, CodeHash: "abc", Message: "code sent"}}
	s := New(svc, pinger{}, Options{})

	resp, body := do(t, s, http.MethodPost, "/api/login/request-code", "alice", `{"phone":"+15551234567"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc", body["codeHash"])
	assert.Equal(t, "+15551234567", svc.gotPhone)

	resp, _ = do(t, s, http.MethodPost, "/api/login/request-code", "alice", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitCode(t *testing.T) {
	svc := &fakeService{signIn: login.SignIn{PasswordRequired: true, Message: "two-factor password required"}}
	s := New(svc, pinger{}, Options{})

	resp, body := do(t, s, http.MethodPost, "/api/login/submit-code", "alice", `{"code":"123456","codeHash":"abc","password":"hunter2"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["passwordRequired"])
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "123456", svc.gotCode)
	assert.Equal(t, "abc", svc.gotHash)
	assert.Equal(t, "hunter2", svc.gotPassword)
}

func TestCancel(t *testing.T) {
	svc := &fakeService{}
	s := New(svc, pinger{}, Options{})

	resp, body := do(t, s, http.MethodPost, "/api/login/cancel", "alice", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []string{"alice"}, svc.cancelled)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		kind       string
		retryAfter string
	}{
		{"engine", fault.New(fault.EngineUnavailable, "no engine"), http.StatusServiceUnavailable, "engine_unavailable", ""},
		{"missing", &fault.Error{Kind: fault.ContainerMissing, States: map[string]string{"tg-worker": "exited(1)"}}, http.StatusServiceUnavailable, "container_missing", "5"},
		{"restarting", fault.New(fault.ContainerRestarting, "restarting"), http.StatusServiceUnavailable, "container_restarting", "5"},
		{"restarting hint", &fault.Error{Kind: fault.ContainerRestarting, RetryAfter: 12 * time.Second}, http.StatusServiceUnavailable, "container_restarting", "12"},
		{"input", fault.New(fault.InvalidInput, "bad phone"), http.StatusBadRequest, "invalid_input", ""},
		{"challenge", fault.New(fault.InvalidChallenge, "stale"), http.StatusConflict, "invalid_challenge", ""},
		{"flood", &fault.Error{Kind: fault.FloodWait, RetryAfter: 42 * time.Second}, http.StatusTooManyRequests, "flood_wait", "42"},
		{"rate", &fault.Error{Kind: fault.RateLimited, RetryAfter: 1500 * time.Millisecond}, http.StatusTooManyRequests, "rate_limited", "2"},
		{"timeout", fault.New(fault.Timeout, "slow"), http.StatusGatewayTimeout, "timeout", ""},
		{"malformed", &fault.Error{Kind: fault.MalformedOutput, Excerpt: "Traceback"}, http.StatusBadGateway, "malformed_output", ""},
		{"helper", fault.New(fault.HelperFailed, "PhoneCodeInvalid"), http.StatusBadGateway, "helper_failed", ""},
		{"cancelled", context.Canceled, http.StatusConflict, "cancelled", ""},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "internal", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(&fakeService{err: tt.err}, pinger{}, Options{})
			resp, body := do(t, s, http.MethodPost, "/api/login/request-code", "alice", `{"phone":"+15551234567"}`)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.kind, body["error"])
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.retryAfter, resp.Header.Get("Retry-After"))
		})
	}
}

func TestErrorBodyDetails(t *testing.T) {
	s := New(&fakeService{err: &fault.Error{Kind: fault.FloodWait, Message: "wait", RetryAfter: 42 * time.Second}}, pinger{}, Options{})
	_, body := do(t, s, http.MethodPost, "/api/login/request-code", "alice", `{"phone":"+15551234567"}`)
	assert.Equal(t, float64(42), body["floodWaitSeconds"])

	s = New(&fakeService{err: &fault.Error{Kind: fault.ContainerMissing, States: map[string]string{"tg-worker": "exited(1)"}}}, pinger{}, Options{})
	_, body = do(t, s, http.MethodGet, "/api/login/status?force=1", "alice", "")
	assert.Equal(t, map[string]any{"tg-worker": "exited(1)"}, body["states"])

	s = New(&fakeService{err: errors.New("secret detail")}, pinger{}, Options{})
	_, body = do(t, s, http.MethodPost, "/api/login/cancel", "alice", "")
	assert.Equal(t, "internal error", body["message"])
}

func TestWorkerStatus(t *testing.T) {
	svc := &fakeService{workers: []resolver.Candidate{
		{Name: "tg-worker", Handle: engine.Handle{ID: "c1"}, State: engine.State{Status: engine.Running}},
		{Name: "tg-backup", State: engine.State{Status: engine.Missing}},
		{Name: "tg-broken", Err: errors.New("inspect failed")},
	}}
	s := New(svc, pinger{}, Options{})

	resp, body := do(t, s, http.MethodGet, "/api/worker/status", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	workers, ok := body["workers"].([]any)
	require.True(t, ok)
	require.Len(t, workers, 3)
	assert.Equal(t, "c1", workers[0].(map[string]any)["id"])
	assert.Equal(t, "unknown", workers[2].(map[string]any)["status"])
}

func TestHealth(t *testing.T) {
	resp, body := do(t, New(&fakeService{}, pinger{}, Options{}), http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = do(t, New(&fakeService{}, pinger{err: errors.New("no socket")}, Options{}), http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
}
