// Package enginetest provides an in-memory engine.Gateway for tests.
package enginetest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/majorcontext/tglogin/internal/demux"
	"github.com/majorcontext/tglogin/internal/engine"
	"github.com/majorcontext/tglogin/internal/fault"
)

// Response scripts the behaviour of an exec or a one-shot container.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Delay postpones output and exit.
	Delay time.Duration
	// Block keeps the process running until its stream is closed or the
	// container is removed.
	Block bool
	// Linger keeps an exec reported as running for this long after its
	// output stream has ended.
	Linger time.Duration
}

// Fake is an in-memory engine.Gateway. Containers created by Create run
// forever unless Program returns a Response for them. Commands run with
// ExecCreate are answered by Exec.
type Fake struct {
	// Exec answers commands run inside a container. Nil answers every
	// command with an empty successful response.
	Exec func(c engine.ContainerInfo, argv []string) Response
	// Program decides whether a created container is a one-shot process.
	// A nil result means the container keeps running.
	Program func(spec engine.CreateSpec) *Response
	// Hook is called at the start of every operation with the operation
	// name and its target. A non-nil error is returned from the operation.
	Hook func(op, target string) error
	// Now is the clock for creation times. Nil means time.Now.
	Now func() time.Time

	mu         sync.Mutex
	seq        int
	containers map[string]*container
	execs      map[string]*execProc
	images     []engine.ImageInfo
	calls      map[string]int
	execArgv   [][]string
}

var _ engine.Gateway = (*Fake)(nil)

type container struct {
	info    engine.ContainerInfo
	spec    engine.CreateSpec
	program *Response
	logs    []byte
	done    chan struct{}
	attach  []*io.PipeWriter
}

type execProc struct {
	containerID string
	argv        []string
	resp        Response
	running     bool
	exitCode    int
	started     bool
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{}
}

func (f *Fake) init() {
	if f.containers == nil {
		f.containers = make(map[string]*container)
		f.execs = make(map[string]*execProc)
		f.calls = make(map[string]int)
	}
}

func (f *Fake) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Fake) enter(op, target string) error {
	f.mu.Lock()
	f.init()
	f.calls[op]++
	hook := f.Hook
	f.mu.Unlock()
	if hook != nil {
		return hook(op, target)
	}
	return nil
}

// lookup finds a container by ID or name. f.mu must be held.
func (f *Fake) lookup(nameOrID string) *container {
	if c, ok := f.containers[nameOrID]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.info.Name == nameOrID {
			return c
		}
	}
	return nil
}

// Add registers an existing container with the given status.
func (f *Fake) Add(name, image string, status engine.Status) engine.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.seq++
	h := engine.Handle{ID: fmt.Sprintf("c%04d", f.seq), Name: name, Image: image}
	f.containers[h.ID] = &container{
		info: engine.ContainerInfo{Handle: h, State: engine.State{Status: status}, Created: f.now()},
		done: make(chan struct{}),
	}
	return h
}

// AddImage makes an image available to ListImages.
func (f *Fake) AddImage(tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, engine.ImageInfo{ID: "sha256:" + tag, Tags: []string{tag}})
}

// SetStatus changes a container's status as an outside actor would.
func (f *Fake) SetStatus(nameOrID string, status engine.Status, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.lookup(nameOrID); c != nil {
		c.info.State = engine.State{Status: status, ExitCode: exitCode}
	}
}

// SetCreated overrides a container's creation time.
func (f *Fake) SetCreated(nameOrID string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.lookup(nameOrID); c != nil {
		c.info.Created = t
	}
}

// Delete removes a container behind the caller's back.
func (f *Fake) Delete(nameOrID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.lookup(nameOrID); c != nil {
		f.drop(c)
	}
}

// Containers returns every container, sorted by name.
func (f *Fake) Containers() []engine.ContainerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.ContainerInfo, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, c.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Calls reports how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// ExecArgv returns the argv of every exec created, in order.
func (f *Fake) ExecArgv() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.execArgv))
	copy(out, f.execArgv)
	return out
}

func (f *Fake) Ping(ctx context.Context) error {
	return f.enter("ping", "")
}

func (f *Fake) Inspect(ctx context.Context, nameOrID string) (engine.ContainerInfo, error) {
	if err := f.enter("inspect", nameOrID); err != nil {
		return engine.ContainerInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(nameOrID)
	if c == nil {
		return engine.ContainerInfo{}, fmt.Errorf("inspecting container %s: %w", nameOrID, engine.ErrNotFound)
	}
	return c.info, nil
}

func (f *Fake) Create(ctx context.Context, spec engine.CreateSpec) (engine.Handle, error) {
	if err := f.enter("create", spec.Name); err != nil {
		return engine.Handle{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if spec.Name != "" && f.lookup(spec.Name) != nil {
		return engine.Handle{}, fmt.Errorf("creating container %s: %w", spec.Name, engine.ErrConflict)
	}
	f.seq++
	h := engine.Handle{ID: fmt.Sprintf("c%04d", f.seq), Name: spec.Name, Image: spec.Image}
	if h.Name == "" {
		h.Name = h.ID
	}
	c := &container{
		info: engine.ContainerInfo{
			Handle:  h,
			State:   engine.State{Status: engine.Created},
			Created: f.now(),
			Labels:  spec.Labels,
		},
		spec: spec,
		done: make(chan struct{}),
	}
	f.containers[h.ID] = c
	if program := f.Program; program != nil {
		f.mu.Unlock()
		resp := program(spec)
		f.mu.Lock()
		c.program = resp
	}
	return h, nil
}

func (f *Fake) Start(ctx context.Context, id string) error {
	if err := f.enter("start", id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	if c == nil {
		return fmt.Errorf("starting container %s: %w", id, engine.ErrNotFound)
	}
	if c.info.State.Status == engine.Running {
		return nil
	}
	c.info.State = engine.State{Status: engine.Running}
	if c.program != nil {
		go f.runProgram(c, *c.program)
	}
	return nil
}

func (f *Fake) runProgram(c *container, resp Response) {
	if !f.waitOrDone(resp, c.done, nil) {
		return
	}
	out := frames(resp)

	f.mu.Lock()
	if f.containers[c.info.ID] != c {
		f.mu.Unlock()
		return
	}
	c.logs = append(c.logs, out...)
	writers := c.attach
	c.attach = nil
	c.info.State = engine.State{Status: engine.Exited, ExitCode: resp.ExitCode}
	close(c.done)
	f.mu.Unlock()

	for _, w := range writers {
		_, _ = w.Write(out)
		w.Close()
	}
}

// waitOrDone waits out resp's delay. It reports false when the process was
// interrupted by done or stop first.
func (f *Fake) waitOrDone(resp Response, done, stop <-chan struct{}) bool {
	if resp.Block {
		select {
		case <-done:
		case <-stop:
		}
		return false
	}
	if resp.Delay <= 0 {
		return true
	}
	t := time.NewTimer(resp.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	case <-stop:
		return false
	}
}

func (f *Fake) Stop(ctx context.Context, id string, timeout time.Duration) error {
	if err := f.enter("stop", id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	if c == nil {
		return fmt.Errorf("stopping container %s: %w", id, engine.ErrNotFound)
	}
	if c.info.State.Status == engine.Running {
		c.info.State = engine.State{Status: engine.Exited, ExitCode: 137}
		f.finish(c)
	}
	return nil
}

func (f *Fake) Remove(ctx context.Context, id string) error {
	if err := f.enter("remove", id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.lookup(id); c != nil {
		f.drop(c)
	}
	return nil
}

// drop deletes c. f.mu must be held.
func (f *Fake) drop(c *container) {
	delete(f.containers, c.info.ID)
	f.finish(c)
}

// finish closes c's done channel and attached streams. f.mu must be held.
func (f *Fake) finish(c *container) {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	for _, w := range c.attach {
		w.Close()
	}
	c.attach = nil
}

func (f *Fake) Wait(ctx context.Context, id string) (int, error) {
	if err := f.enter("wait", id); err != nil {
		return -1, err
	}
	f.mu.Lock()
	c := f.lookup(id)
	f.mu.Unlock()
	if c == nil {
		return -1, fmt.Errorf("waiting for container %s: %w", id, engine.ErrNotFound)
	}
	select {
	case <-c.done:
	case <-ctx.Done():
		return -1, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return c.info.State.ExitCode, nil
}

func (f *Fake) ListContainers(ctx context.Context, namePrefix string) ([]engine.ContainerInfo, error) {
	if err := f.enter("list", namePrefix); err != nil {
		return nil, err
	}
	var out []engine.ContainerInfo
	for _, c := range f.Containers() {
		if strings.HasPrefix(c.Name, namePrefix) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *Fake) ListImages(ctx context.Context) ([]engine.ImageInfo, error) {
	if err := f.enter("images", ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.ImageInfo(nil), f.images...), nil
}

func (f *Fake) ExecCreate(ctx context.Context, id string, spec engine.ExecSpec) (string, error) {
	if err := f.enter("exec_create", id); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	switch {
	case c == nil:
		return "", fmt.Errorf("creating exec in %s: %w", id, engine.ErrNotFound)
	case c.info.State.Status == engine.Restarting:
		return "", fault.New(fault.ContainerRestarting, "container %s is restarting", id)
	case c.info.State.Status != engine.Running:
		return "", fmt.Errorf("creating exec in %s: container is not running", id)
	}

	f.seq++
	execID := fmt.Sprintf("e%04d", f.seq)
	argv := append([]string(nil), spec.Cmd...)
	f.execArgv = append(f.execArgv, argv)
	info, answer := c.info, f.Exec
	f.mu.Unlock()

	var resp Response
	if answer != nil {
		resp = answer(info, argv)
	}

	f.mu.Lock()
	f.execs[execID] = &execProc{containerID: info.ID, argv: argv, resp: resp}
	return execID, nil
}

func (f *Fake) startExec(execID string) (*execProc, <-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[execID]
	if !ok {
		return nil, nil, fmt.Errorf("exec %s: %w", execID, engine.ErrNotFound)
	}
	if e.started {
		return nil, nil, fmt.Errorf("exec %s already started", execID)
	}
	e.started = true
	e.running = true
	var done <-chan struct{}
	if c := f.containers[e.containerID]; c != nil {
		done = c.done
	} else {
		closed := make(chan struct{})
		close(closed)
		done = closed
	}
	return e, done, nil
}

func (f *Fake) finishExec(e *execProc, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.running = false
	e.exitCode = code
}

func (f *Fake) ExecAttach(ctx context.Context, execID string) (io.ReadCloser, error) {
	if err := f.enter("exec_attach", execID); err != nil {
		return nil, err
	}
	e, done, err := f.startExec(execID)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	stop := make(chan struct{})
	go func() {
		if !f.waitOrDone(e.resp, done, stop) {
			f.finishExec(e, 137)
			pw.Close()
			return
		}
		_, _ = pw.Write(frames(e.resp))
		if e.resp.Linger > 0 {
			pw.Close()
			select {
			case <-time.After(e.resp.Linger):
			case <-done:
			}
			f.finishExec(e, e.resp.ExitCode)
			return
		}
		f.finishExec(e, e.resp.ExitCode)
		pw.Close()
	}()
	return &stream{PipeReader: pr, stop: stop}, nil
}

func (f *Fake) ExecInspect(ctx context.Context, execID string) (engine.ExecState, error) {
	if err := f.enter("exec_inspect", execID); err != nil {
		return engine.ExecState{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[execID]
	if !ok {
		return engine.ExecState{}, fmt.Errorf("exec %s: %w", execID, engine.ErrNotFound)
	}
	return engine.ExecState{Running: e.running, ExitCode: e.exitCode}, nil
}

func (f *Fake) Attach(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := f.enter("attach", id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	if c == nil {
		return nil, fmt.Errorf("attaching to container %s: %w", id, engine.ErrNotFound)
	}
	pr, pw := io.Pipe()
	select {
	case <-c.done:
		logs := append([]byte(nil), c.logs...)
		go func() {
			_, _ = pw.Write(logs)
			pw.Close()
		}()
	default:
		c.attach = append(c.attach, pw)
	}
	return &stream{PipeReader: pr}, nil
}

func (f *Fake) Logs(ctx context.Context, id string) ([]byte, error) {
	if err := f.enter("logs", id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	if c == nil {
		return nil, fmt.Errorf("getting logs for %s: %w", id, engine.ErrNotFound)
	}
	return append([]byte(nil), c.logs...), nil
}

func (f *Fake) Close() error { return nil }

// stream closes its stop channel on Close so blocked processes end.
type stream struct {
	*io.PipeReader
	once sync.Once
	stop chan struct{}
}

func (s *stream) Close() error {
	s.once.Do(func() {
		if s.stop != nil {
			close(s.stop)
		}
	})
	return s.PipeReader.Close()
}

func frames(r Response) []byte {
	var out []byte
	if r.Stderr != "" {
		out = append(out, demux.Frame(stdcopy.Stderr, []byte(r.Stderr))...)
	}
	if r.Stdout != "" {
		out = append(out, demux.Frame(stdcopy.Stdout, []byte(r.Stdout))...)
	}
	return out
}
