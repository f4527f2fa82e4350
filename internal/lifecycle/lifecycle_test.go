package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/livelabs/internal/appstate"
	"github.com/jxucoder/livelabs/internal/initrunner"
	"github.com/jxucoder/livelabs/internal/logging"
	"github.com/jxucoder/livelabs/internal/workspace"
	"github.com/jxucoder/livelabs/pkg/eventbus"
	"github.com/jxucoder/livelabs/pkg/labserr"
	"github.com/jxucoder/livelabs/pkg/model"
	"github.com/jxucoder/livelabs/pkg/notify"
	"github.com/jxucoder/livelabs/pkg/sandbox"
	"github.com/jxucoder/livelabs/pkg/store/sqlite"
)

// --- stubs ---

type fakeRuntime struct {
	mu       sync.Mutex
	next     int
	hostPort int
	apps     map[string]*sandbox.AppInfo
	runs     int
	restarts int
	removes  int
	lastEnv  map[string]string
}

func newFakeRuntime(hostPort int) *fakeRuntime {
	return &fakeRuntime{hostPort: hostPort, apps: make(map[string]*sandbox.AppInfo)}
}

func (f *fakeRuntime) RunApp(_ context.Context, spec sandbox.AppSpec) (*sandbox.AppInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.runs++
	f.lastEnv = spec.Env
	info := &sandbox.AppInfo{ContainerID: fmt.Sprintf("app-%d", f.next), Running: true}
	if len(spec.Ports) > 0 {
		info.Ports = map[int]int{spec.Ports[0].Container: f.hostPort}
	}
	f.apps[info.ContainerID] = info
	return copyInfo(info), nil
}

func (f *fakeRuntime) InspectApp(_ context.Context, id string) (*sandbox.AppInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.apps[id]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	return copyInfo(info), nil
}

func (f *fakeRuntime) RestartApp(_ context.Context, id string) (*sandbox.AppInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.apps[id]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	f.restarts++
	info.Running = true
	info.ExitCode = 0
	return copyInfo(info), nil
}

func (f *fakeRuntime) RemoveApp(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	delete(f.apps, id)
	return nil
}

func (f *fakeRuntime) crash(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.apps[id]; ok {
		info.Running = false
		info.ExitCode = 137
	}
}

func (f *fakeRuntime) count() (runs, restarts, removes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs, f.restarts, f.removes
}

func copyInfo(in *sandbox.AppInfo) *sandbox.AppInfo {
	out := *in
	out.Ports = make(map[int]int, len(in.Ports))
	for k, v := range in.Ports {
		out.Ports[k] = v
	}
	return &out
}

type stubSandbox struct {
	sandbox.Provisioner
	calls atomic.Int32
	exec  func() (*sandbox.ExecResult, error)
}

func (s *stubSandbox) Ensure(_ context.Context, spec sandbox.SandboxSpec) (string, error) {
	return "sbx-" + spec.EnrollmentID, nil
}

func (s *stubSandbox) Exec(context.Context, string, sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	s.calls.Add(1)
	return s.exec()
}

type capture struct {
	notices chan notify.Notice
}

func (c *capture) Name() string { return "capture" }

func (c *capture) Notify(_ context.Context, n notify.Notice) error {
	c.notices <- n
	return nil
}

// --- helpers ---

type harness struct {
	ctl     *Controller
	store   *sqlite.Store
	rt      *fakeRuntime
	sb      *stubSandbox
	bus     *eventbus.InMemoryBus
	notices chan notify.Notice
}

func newHarness(t *testing.T, app *model.AppConfig, hostPort int) *harness {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.UpsertTrack(ctx, &model.Track{
		ID: "t1", Slug: "grafana", Title: "Grafana", App: app,
		EnvSecrets: map[string]string{"ADMIN_PASSWORD": "admin", "REGION": "eu"},
		Steps:      []model.Step{{Order: 1, Title: "one"}, {Order: 2, Title: "two"}},
	}))
	require.NoError(t, st.CreateEnrollment(ctx, &model.Enrollment{
		ID: "e1", LearnerID: "ada", TrackID: "t1", CurrentStep: 1,
		Environment: map[string]string{"REGION": "us"},
		StartedAt:   time.Now().UTC(),
	}))

	sb := &stubSandbox{exec: func() (*sandbox.ExecResult, error) {
		return &sandbox.ExecResult{Stdout: `{"url": "https://lab.example.com/u/ada"}`}, nil
	}}
	logger := logging.Discard()
	ws := workspace.New(sb, st, "ubuntu:24.04", "", logger)
	runner := initrunner.New(st, ws, 5*time.Second, logger, nil)

	bus := eventbus.NewInMemoryBus()
	cp := &capture{notices: make(chan notify.Notice, 16)}
	rt := newFakeRuntime(hostPort)
	ctl := New(Config{
		AppHost:         "127.0.0.1",
		HealthTimeout:   300 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		MaxPollDuration: 5 * time.Second,
		MaxRestarts:     3,
	}, st, rt, runner, eventbus.NewRecorder(st, bus, logger), notify.NewDispatcher(logger, cp), logger, nil)
	t.Cleanup(ctl.Shutdown)

	return &harness{ctl: ctl, store: st, rt: rt, sb: sb, bus: bus, notices: cp.notices}
}

// listen returns the port of a listener that accepts connections until the
// test ends.
func listen(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// closedPort returns a port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func containerApp() *model.AppConfig {
	return &model.AppConfig{
		URLTemplate: "http://localhost:{port}/login",
		Container: &model.ContainerConfig{
			Image: "grafana/grafana:latest",
			Ports: []model.PortMapping{{Container: 3000}},
			Env:   map[string]string{"GF_SECURITY_ADMIN_PASSWORD": "admin"},
		},
	}
}

func (h *harness) status(t *testing.T) appstate.Snapshot {
	t.Helper()
	snap, err := h.ctl.Status(context.Background(), "e1")
	require.NoError(t, err)
	return snap
}

func (h *harness) waitFor(t *testing.T, want appstate.State) appstate.Snapshot {
	t.Helper()
	var snap appstate.Snapshot
	require.Eventually(t, func() bool {
		snap = h.status(t)
		return snap.State == want
	}, 3*time.Second, 10*time.Millisecond, "never reached %s", want)
	return snap
}

func (h *harness) containerID(t *testing.T) string {
	t.Helper()
	rec, err := h.store.GetAppContainer(context.Background(), "e1")
	require.NoError(t, err)
	return rec.ContainerID
}

// assertLaunched accepts running as well, since the health check may win
// the race against the returned snapshot.
func assertLaunched(t *testing.T, snap appstate.Snapshot) {
	t.Helper()
	assert.Contains(t, []appstate.State{appstate.Starting, appstate.Running}, snap.State)
}

// --- tests ---

func TestStartBecomesRunning(t *testing.T) {
	port := listen(t)
	h := newHarness(t, containerApp(), port)

	snap, err := h.ctl.Start(context.Background(), "e1")
	require.NoError(t, err)
	assertLaunched(t, snap)

	snap = h.waitFor(t, appstate.Running)
	assert.Equal(t, fmt.Sprintf("http://localhost:%d/login", port), snap.URL)
	assert.Equal(t, map[int]int{3000: port}, snap.Ports)
	assert.True(t, snap.CanRestart)

	// Container env layers secrets, container env and enrollment bindings.
	assert.Equal(t, "us", h.rt.lastEnv["REGION"])
	assert.Equal(t, "admin", h.rt.lastEnv["GF_SECURITY_ADMIN_PASSWORD"])

	// Starting again leaves the running container alone.
	_, err = h.ctl.Start(context.Background(), "e1")
	require.NoError(t, err)
	runs, _, _ := h.rt.count()
	assert.Equal(t, 1, runs)
}

func TestRestartCeiling(t *testing.T) {
	h := newHarness(t, containerApp(), listen(t))
	ctx := context.Background()

	_, err := h.ctl.Start(ctx, "e1")
	require.NoError(t, err)
	h.waitFor(t, appstate.Running)

	for i := 1; i <= 3; i++ {
		h.rt.crash(h.containerID(t))
		snap := h.status(t)
		require.Equal(t, appstate.Failed, snap.State)
		require.True(t, snap.CanRestart)

		snap, err := h.ctl.Restart(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, i, snap.RestartCount)
		h.waitFor(t, appstate.Running)
	}

	h.rt.crash(h.containerID(t))
	snap := h.status(t)
	assert.Equal(t, appstate.Failed, snap.State)
	assert.Equal(t, 3, snap.RestartCount)
	assert.False(t, snap.CanRestart)
	assert.Contains(t, snap.Error, "137")

	snap, err = h.ctl.Restart(ctx, "e1")
	assert.True(t, labserr.Is(err, labserr.KindContainerRuntime))
	assert.Equal(t, appstate.Failed, snap.State)

	_, restarts, _ := h.rt.count()
	assert.Equal(t, 3, restarts)
}

func TestRestartRunningGoesThroughStopped(t *testing.T) {
	h := newHarness(t, containerApp(), listen(t))
	ctx := context.Background()

	_, err := h.ctl.Start(ctx, "e1")
	require.NoError(t, err)
	h.waitFor(t, appstate.Running)
	require.Eventually(t, func() bool { return !h.ctl.Poller().Active("e1") }, 3*time.Second, 10*time.Millisecond)
	first := h.containerID(t)

	events := h.bus.Subscribe("e1")
	defer h.bus.Unsubscribe("e1", events)

	snap, err := h.ctl.Restart(ctx, "e1")
	require.NoError(t, err)
	assertLaunched(t, snap)
	assert.Equal(t, 1, snap.RestartCount)
	assert.NotEqual(t, first, h.containerID(t))

	states := []appstate.State{appstate.Running}
	deadline := time.After(3 * time.Second)
	for len(states) < 3 || states[len(states)-1] != appstate.Running {
		select {
		case ev := <-events:
			if ev.Type != model.EventStatus {
				continue
			}
			var published appstate.Snapshot
			require.NoError(t, json.Unmarshal([]byte(ev.Data), &published))
			states = append(states, published.State)
		case <-deadline:
			t.Fatalf("restart never settled, saw %v", states)
		}
	}

	assert.Equal(t, appstate.Stopped, states[1])
	for i := 1; i < len(states); i++ {
		assert.True(t, appstate.CanTransition(states[i-1], states[i]), "%s -> %s", states[i-1], states[i])
	}

	runs, restarts, removes := h.rt.count()
	assert.Equal(t, 2, runs)
	assert.Zero(t, restarts)
	assert.Equal(t, 1, removes)
}

func TestStopThenStartResetsRestartCount(t *testing.T) {
	h := newHarness(t, containerApp(), listen(t))
	ctx := context.Background()

	_, err := h.ctl.Start(ctx, "e1")
	require.NoError(t, err)
	h.waitFor(t, appstate.Running)
	for i := 0; i < 3; i++ {
		h.rt.crash(h.containerID(t))
		_, err := h.ctl.Restart(ctx, "e1")
		require.NoError(t, err)
		h.waitFor(t, appstate.Running)
	}
	snap := h.status(t)
	require.Equal(t, 3, snap.RestartCount)
	require.False(t, snap.CanRestart)

	_, err = h.ctl.Stop(ctx, "e1")
	require.NoError(t, err)
	_, err = h.ctl.Start(ctx, "e1")
	require.NoError(t, err)

	snap = h.waitFor(t, appstate.Running)
	assert.Zero(t, snap.RestartCount, "a stopped app is recreated from scratch")
	assert.True(t, snap.CanRestart)
}

func TestPublishLogsUnexpectedChange(t *testing.T) {
	h := newHarness(t, containerApp(), 0)
	var buf bytes.Buffer
	h.ctl.logger = slog.New(slog.NewTextHandler(&buf, nil))

	h.ctl.publish("e1", appstate.Snapshot{State: appstate.Running})
	h.ctl.publish("e1", appstate.Snapshot{State: appstate.Stopped})
	h.ctl.publish("e1", appstate.Snapshot{State: appstate.Starting})
	assert.Empty(t, buf.String())

	h.ctl.publish("e1", appstate.Snapshot{State: appstate.Running})
	h.ctl.publish("e1", appstate.Snapshot{State: appstate.Starting})
	assert.Contains(t, buf.String(), "unexpected app state change")
	assert.Contains(t, buf.String(), "from=running to=starting")

	buf.Reset()
	h.ctl.Forget("e1")
	h.ctl.publish("e1", appstate.Snapshot{State: appstate.Starting})
	assert.Empty(t, buf.String())
}

func TestHealthTimeoutFails(t *testing.T) {
	h := newHarness(t, containerApp(), closedPort(t))

	_, err := h.ctl.Start(context.Background(), "e1")
	require.NoError(t, err)

	snap := h.waitFor(t, appstate.Failed)
	assert.Contains(t, snap.Error, "did not accept connections")
	assert.True(t, snap.CanRestart)

	select {
	case n := <-h.notices:
		assert.Equal(t, notify.KindAppFailed, n.Kind)
		assert.Equal(t, "ada", n.LearnerID)
	case <-time.After(2 * time.Second):
		t.Fatal("no failure notification")
	}
}

func TestOpenAutoRestartsCrashedContainer(t *testing.T) {
	app := containerApp()
	app.Container.AutoRestart = true
	h := newHarness(t, app, listen(t))
	ctx := context.Background()

	_, err := h.ctl.Start(ctx, "e1")
	require.NoError(t, err)
	h.waitFor(t, appstate.Running)

	h.rt.crash(h.containerID(t))
	snap, err := h.ctl.Open(ctx, "e1")
	require.NoError(t, err)
	assertLaunched(t, snap)
	assert.Equal(t, 1, snap.RestartCount)
	h.waitFor(t, appstate.Running)

	select {
	case n := <-h.notices:
		assert.Equal(t, notify.KindAppFailed, n.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("crash was not reported")
	}
}

func TestContainerRemovedBehindOurBack(t *testing.T) {
	h := newHarness(t, containerApp(), listen(t))

	_, err := h.ctl.Start(context.Background(), "e1")
	require.NoError(t, err)
	h.waitFor(t, appstate.Running)

	require.NoError(t, h.rt.RemoveApp(context.Background(), h.containerID(t)))
	snap := h.status(t)
	assert.Equal(t, appstate.Stopped, snap.State)
	assert.True(t, snap.CanStart)
}

func TestStopRemovesContainer(t *testing.T) {
	h := newHarness(t, containerApp(), listen(t))
	ctx := context.Background()

	_, err := h.ctl.Start(ctx, "e1")
	require.NoError(t, err)
	h.waitFor(t, appstate.Running)

	snap, err := h.ctl.Stop(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, appstate.Stopped, snap.State)
	_, _, removes := h.rt.count()
	assert.Equal(t, 1, removes)
}

func TestStepAdvancedRecreatesPerStepContainer(t *testing.T) {
	app := containerApp()
	app.Container.Lifecycle = model.LifecyclePerStep
	h := newHarness(t, app, listen(t))
	ctx := context.Background()

	_, err := h.ctl.Start(ctx, "e1")
	require.NoError(t, err)
	h.waitFor(t, appstate.Running)
	first := h.containerID(t)

	snap, err := h.ctl.OnStepAdvanced(ctx, "e1")
	require.NoError(t, err)
	assertLaunched(t, snap)
	assert.NotEqual(t, first, h.containerID(t))
	h.waitFor(t, appstate.Running)
}

func TestStepAdvancedLeavesSessionContainer(t *testing.T) {
	h := newHarness(t, containerApp(), listen(t))
	ctx := context.Background()

	_, err := h.ctl.Start(ctx, "e1")
	require.NoError(t, err)
	h.waitFor(t, appstate.Running)
	first := h.containerID(t)

	_, err = h.ctl.OnStepAdvanced(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, first, h.containerID(t))
}

func TestOpenRunsInitOnce(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, &model.AppConfig{InitScript: "./provision.sh"}, 0)
	h.sb.exec = func() (*sandbox.ExecResult, error) {
		<-release
		return &sandbox.ExecResult{Stdout: `{"url": "https://lab.example.com/u/ada"}`}, nil
	}
	ctx := context.Background()

	events := h.bus.Subscribe("e1")
	defer h.bus.Unsubscribe("e1", events)

	for i := 0; i < 3; i++ {
		snap, err := h.ctl.Open(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, appstate.Initializing, snap.State)
	}
	close(release)

	snap := h.waitFor(t, appstate.Ready)
	assert.Equal(t, "https://lab.example.com/u/ada", snap.URL)
	assert.EqualValues(t, 1, h.sb.calls.Load())

	// The poller pushes the ready state to subscribers.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == model.EventStatus && strings.Contains(ev.Data, `"state":"ready"`) {
				return
			}
		case <-deadline:
			t.Fatal("ready status was not published")
		}
	}
}

func TestInitRetryAfterFailure(t *testing.T) {
	var attempt atomic.Int32
	h := newHarness(t, &model.AppConfig{InitScript: "./provision.sh"}, 0)
	h.sb.exec = func() (*sandbox.ExecResult, error) {
		if attempt.Add(1) == 1 {
			return &sandbox.ExecResult{ExitCode: 1, Stderr: "quota exceeded"}, nil
		}
		return &sandbox.ExecResult{Stdout: `{"url": "https://lab.example.com"}`}, nil
	}
	ctx := context.Background()

	snap, err := h.ctl.Init(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, appstate.InitFailed, snap.State)
	assert.Equal(t, "quota exceeded", snap.Error)
	assert.True(t, snap.CanRetry)

	select {
	case n := <-h.notices:
		assert.Equal(t, notify.KindInitFailed, n.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("init failure was not reported")
	}

	// Opening the session again does not retry on its own.
	snap, err = h.ctl.Open(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, appstate.InitFailed, snap.State)
	assert.EqualValues(t, 1, h.sb.calls.Load())

	snap, err = h.ctl.Init(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, appstate.Ready, snap.State)
}

func TestStartWaitsForInit(t *testing.T) {
	app := containerApp()
	app.InitScript = "./provision.sh"
	h := newHarness(t, app, listen(t))

	_, err := h.ctl.Start(context.Background(), "e1")
	assert.True(t, labserr.Is(err, labserr.KindInitialization))
	runs, _, _ := h.rt.count()
	assert.Zero(t, runs)
}

func TestContainerOperationsNeedContainerApp(t *testing.T) {
	h := newHarness(t, &model.AppConfig{URLTemplate: "https://docs.example.com"}, 0)

	_, err := h.ctl.Start(context.Background(), "e1")
	assert.True(t, labserr.Is(err, labserr.KindInvalid))

	snap, err := h.ctl.Open(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, appstate.Ready, snap.State)
	assert.Equal(t, appstate.TypeExternal, snap.Type)
}

func TestUnknownEnrollment(t *testing.T) {
	h := newHarness(t, containerApp(), 0)
	_, err := h.ctl.Status(context.Background(), "nope")
	assert.True(t, labserr.Is(err, labserr.KindNotFound))
}

func TestFirstHostPort(t *testing.T) {
	port, ok := firstHostPort([]model.PortMapping{{Container: 8080}, {Container: 3000}}, map[int]int{3000: 1, 8080: 2})
	assert.True(t, ok)
	assert.Equal(t, 2, port)

	port, ok = firstHostPort(nil, map[int]int{9000: 7, 80: 5})
	assert.True(t, ok)
	assert.Equal(t, 5, port)

	_, ok = firstHostPort(nil, nil)
	assert.False(t, ok)
}
