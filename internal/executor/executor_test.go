package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/tglogin/internal/engine"
	"github.com/majorcontext/tglogin/internal/engine/enginetest"
	"github.com/majorcontext/tglogin/internal/fault"
)

func newExecutor(fake *enginetest.Fake) *Executor {
	e := New(fake)
	e.SetPollInterval(5 * time.Millisecond)
	return e
}

func TestRunInContainer(t *testing.T) {
	fake := enginetest.New()
	worker := fake.Add("worker", "listener:latest", engine.Running)
	fake.Exec = func(_ engine.ContainerInfo, argv []string) enginetest.Response {
		return enginetest.Response{
			Stdout:   "{\"logged_in\":true}\n",
			Stderr:   "DEBUG: connecting\n",
			ExitCode: 3,
		}
	}

	res, err := newExecutor(fake).RunInContainer(context.Background(), worker.ID, []string{"helper", "check", "s"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "{\"logged_in\":true}\n", string(res.Stdout))
	assert.Equal(t, "DEBUG: connecting\n", string(res.Stderr))
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, [][]string{{"helper", "check", "s"}}, fake.ExecArgv())
}

func TestRunInContainer_Timeout(t *testing.T) {
	fake := enginetest.New()
	worker := fake.Add("worker", "listener:latest", engine.Running)
	fake.Exec = func(engine.ContainerInfo, []string) enginetest.Response {
		return enginetest.Response{Block: true}
	}

	start := time.Now()
	res, err := newExecutor(fake).RunInContainer(context.Background(), worker.ID, []string{"helper"}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunInContainer_Cancelled(t *testing.T) {
	fake := enginetest.New()
	worker := fake.Add("worker", "listener:latest", engine.Running)
	fake.Exec = func(engine.ContainerInfo, []string) enginetest.Response {
		return enginetest.Response{Block: true}
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res, err := newExecutor(fake).RunInContainer(ctx, worker.ID, []string{"helper"}, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.TimedOut)
}

func TestRunInContainer_AttachRefused(t *testing.T) {
	fake := enginetest.New()
	worker := fake.Add("worker", "listener:latest", engine.Running)
	fake.Exec = func(engine.ContainerInfo, []string) enginetest.Response {
		return enginetest.Response{Stdout: `{"success":true}`}
	}
	fake.Hook = func(op, _ string) error {
		if op == "exec_attach" {
			return errors.New("hijack refused")
		}
		return nil
	}

	_, err := newExecutor(fake).RunInContainer(context.Background(), worker.ID, []string{"helper"}, time.Second)
	assert.ErrorIs(t, err, ErrNoStream)
	assert.Equal(t, 0, fake.Calls("exec_inspect"), "a refused attach must not leave the command running")
}

func TestRunInContainer_ExitNotRecordedBeforeDeadline(t *testing.T) {
	fake := enginetest.New()
	worker := fake.Add("worker", "listener:latest", engine.Running)
	fake.Exec = func(engine.ContainerInfo, []string) enginetest.Response {
		return enginetest.Response{Stdout: `{"success":true}`, Linger: time.Minute}
	}

	res, err := newExecutor(fake).RunInContainer(context.Background(), worker.ID, []string{"helper"}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, `{"success":true}`, string(res.Stdout))
}

func TestRunInContainer_ExitRecordedLate(t *testing.T) {
	fake := enginetest.New()
	worker := fake.Add("worker", "listener:latest", engine.Running)
	fake.Exec = func(engine.ContainerInfo, []string) enginetest.Response {
		return enginetest.Response{Stdout: `{"success":true}`, ExitCode: 4, Linger: 300 * time.Millisecond}
	}

	res, err := newExecutor(fake).RunInContainer(context.Background(), worker.ID, []string{"helper"}, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, 4, res.ExitCode)
}

func TestRunInContainer_Restarting(t *testing.T) {
	fake := enginetest.New()
	worker := fake.Add("worker", "listener:latest", engine.Restarting)

	_, err := newExecutor(fake).RunInContainer(context.Background(), worker.ID, []string{"helper"}, time.Second)
	assert.True(t, fault.Is(err, fault.ContainerRestarting))
}

func TestRunInContainer_EmptyCommand(t *testing.T) {
	_, err := newExecutor(enginetest.New()).RunInContainer(context.Background(), "c", nil, time.Second)
	assert.Error(t, err)
}

func TestRunOneShot(t *testing.T) {
	fake := enginetest.New()
	var created engine.CreateSpec
	fake.Program = func(spec engine.CreateSpec) *enginetest.Response {
		created = spec
		return &enginetest.Response{Stdout: `{"logged_in":false}`, Stderr: "session missing\n"}
	}

	res, err := newExecutor(fake).RunOneShot(context.Background(), OneShot{
		Image:   "helper:latest",
		Argv:    []string{"python", "/app/login_helper.py", "check"},
		Binds:   []engine.Bind{{Source: "/srv/sessions", Target: "/tmp/session_volume"}},
		Network: "host",
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, `{"logged_in":false}`, string(res.Stdout))
	assert.Equal(t, 0, res.ExitCode)

	assert.Regexp(t, `^tglogin-run-[0-9a-f]{12}$`, created.Name)
	assert.Equal(t, "oneshot", created.Labels[RoleLabel])
	assert.Equal(t, "host", created.Network)
	assert.Empty(t, fake.Containers(), "one-shot container should be removed")
}

func TestRunOneShot_LogsFallback(t *testing.T) {
	fake := enginetest.New()
	fake.Program = func(engine.CreateSpec) *enginetest.Response {
		return &enginetest.Response{Stdout: `{"success":true}`, ExitCode: 0, Delay: 10 * time.Millisecond}
	}
	fake.Hook = func(op, _ string) error {
		if op == "attach" {
			return errors.New("attach unsupported")
		}
		return nil
	}

	res, err := newExecutor(fake).RunOneShot(context.Background(), OneShot{Image: "helper", Argv: []string{"check"}}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, `{"success":true}`, string(res.Stdout))
	assert.Equal(t, 1, fake.Calls("logs"))
	assert.Empty(t, fake.Containers())
}

func TestRunOneShot_TimeoutRemovesContainer(t *testing.T) {
	fake := enginetest.New()
	fake.Program = func(engine.CreateSpec) *enginetest.Response {
		return &enginetest.Response{Block: true}
	}

	res, err := newExecutor(fake).RunOneShot(context.Background(), OneShot{Image: "helper", Argv: []string{"check"}}, 30*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Empty(t, fake.Containers())
}
