// Package lifecycle owns the app window of each enrollment: it triggers the
// init script, starts, health-checks, restarts and stops app containers, and
// keeps subscribers informed of every state change.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jxucoder/livelabs/internal/appstate"
	"github.com/jxucoder/livelabs/internal/initrunner"
	"github.com/jxucoder/livelabs/internal/metrics"
	"github.com/jxucoder/livelabs/internal/poller"
	"github.com/jxucoder/livelabs/pkg/eventbus"
	"github.com/jxucoder/livelabs/pkg/keyed"
	"github.com/jxucoder/livelabs/pkg/labserr"
	"github.com/jxucoder/livelabs/pkg/model"
	"github.com/jxucoder/livelabs/pkg/notify"
	"github.com/jxucoder/livelabs/pkg/sandbox"
	"github.com/jxucoder/livelabs/pkg/store"
)

// Restart reasons recorded in metrics.
const (
	ReasonManual  = "manual"
	ReasonAuto    = "auto"
	ReasonNewStep = "step"
)

// Store is the persistence the controller needs.
type Store interface {
	GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error)
	GetTrack(ctx context.Context, id string) (*model.Track, error)
	GetInitResult(ctx context.Context, enrollmentID string) (*model.InitResult, error)
	GetAppContainer(ctx context.Context, enrollmentID string) (*model.AppContainer, error)
	SaveAppContainer(ctx context.Context, c *model.AppContainer) error
	DeleteAppContainer(ctx context.Context, enrollmentID string) error
	TouchEnrollment(ctx context.Context, id string, at time.Time) error
}

// Config holds controller settings.
type Config struct {
	AppHost         string
	Network         string
	HealthTimeout   time.Duration
	PollInterval    time.Duration
	MaxPollDuration time.Duration
	MaxRestarts     int
}

// Controller drives app windows through their states.
type Controller struct {
	cfg     Config
	store   Store
	runtime sandbox.AppRuntime
	init    *initrunner.Runner
	events  *eventbus.Recorder
	notify  *notify.Dispatcher
	logger  *slog.Logger
	metrics *metrics.Metrics

	poller *poller.Poller
	guard  *keyed.Guard

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	published map[string]appstate.State
}

// New creates a Controller and registers it for init completions on runner.
func New(cfg Config, st Store, rt sandbox.AppRuntime, runner *initrunner.Runner, events *eventbus.Recorder, n *notify.Dispatcher, logger *slog.Logger, m *metrics.Metrics) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AppHost == "" {
		cfg.AppHost = "localhost"
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:     cfg,
		store:   st,
		runtime: rt,
		init:    runner,
		events:  events,
		notify:  n,
		logger:  logger,
		metrics: m,
		guard:   keyed.New(),
		ctx:     ctx,
		cancel:  cancel,

		published: make(map[string]appstate.State),
	}
	c.poller = poller.New(c.Status, c.publish, cfg.PollInterval, cfg.MaxPollDuration, logger, m)
	runner.OnFinish = c.initFinished
	return c
}

// Launch ties pollers and health checks to ctx.
func (c *Controller) Launch(ctx context.Context) {
	c.mu.Lock()
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()
	c.poller.Start(ctx)
}

// Shutdown cancels background work and waits for it to finish.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.poller.Stop()
	c.wg.Wait()
}

// Poller returns the controller's reconciliation poller.
func (c *Controller) Poller() *poller.Poller { return c.poller }

// Status derives the current snapshot without side effects.
func (c *Controller) Status(ctx context.Context, enrollmentID string) (appstate.Snapshot, error) {
	e, t, err := c.load(ctx, "app_status", enrollmentID)
	if err != nil {
		return appstate.Snapshot{}, err
	}
	return c.derive(ctx, e, t)
}

// Open is called when a learner opens the session. It starts a pending init
// run, records a crash it observes, restarts crashed containers of tracks
// with auto_restart, and watches non-terminal states.
func (c *Controller) Open(ctx context.Context, enrollmentID string) (appstate.Snapshot, error) {
	const op = "app_open"
	e, t, err := c.load(ctx, op, enrollmentID)
	if err != nil {
		return appstate.Snapshot{}, err
	}
	c.touch(ctx, enrollmentID)

	snap, err := c.derive(ctx, e, t)
	if err != nil {
		return snap, err
	}
	if snap.State == appstate.NeedsInit {
		c.init.Start(enrollmentID)
		if snap, err = c.derive(ctx, e, t); err != nil {
			return snap, err
		}
	}
	if snap.State == appstate.Failed {
		snap = c.handleFailure(ctx, e, t, snap)
	}
	c.poller.Ensure(enrollmentID, snap)
	return snap, nil
}

// Init runs the init script, or retries a failed run, and waits for the
// result. Concurrent callers share one run.
func (c *Controller) Init(ctx context.Context, enrollmentID string) (appstate.Snapshot, error) {
	const op = "app_init"
	e, t, err := c.load(ctx, op, enrollmentID)
	if err != nil {
		return appstate.Snapshot{}, err
	}
	if !appstate.HasApp(t.App) {
		return appstate.Snapshot{State: appstate.NoApp}, labserr.Invalid(op, "track has no app")
	}
	c.touch(ctx, enrollmentID)

	if _, err := c.init.Run(ctx, enrollmentID); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return appstate.Snapshot{}, err
		}
		return appstate.Snapshot{}, labserr.Wrap(labserr.KindInitialization, op, "running init script", err)
	}
	snap, err := c.derive(ctx, e, t)
	if err != nil {
		return snap, err
	}
	c.poller.Ensure(enrollmentID, snap)
	return snap, nil
}

// Start creates the app container. A running or starting container is left
// alone and a failed one is restarted within the restart ceiling.
func (c *Controller) Start(ctx context.Context, enrollmentID string) (appstate.Snapshot, error) {
	const op = "app_start"
	e, t, release, err := c.acquire(ctx, op, enrollmentID)
	if err != nil {
		return appstate.Snapshot{}, err
	}
	defer release()
	c.touch(ctx, enrollmentID)

	snap, err := c.derive(ctx, e, t)
	if err != nil {
		return snap, err
	}
	switch {
	case awaitingInit(snap):
		return snap, labserr.New(labserr.KindInitialization, op, "app initialization has not completed")
	case snap.State == appstate.Running, snap.State == appstate.Starting:
		return snap, nil
	case snap.State == appstate.Failed:
		return c.restartBounded(ctx, op, e, t, snap)
	}
	return c.launch(ctx, op, e, t, 0)
}

// Restart restarts the app container while the restart ceiling allows it.
// A running container is stopped and recreated, a failed or starting one is
// restarted in place. Without a container record it starts a fresh one.
func (c *Controller) Restart(ctx context.Context, enrollmentID string) (appstate.Snapshot, error) {
	const op = "app_restart"
	e, t, release, err := c.acquire(ctx, op, enrollmentID)
	if err != nil {
		return appstate.Snapshot{}, err
	}
	defer release()
	c.touch(ctx, enrollmentID)

	snap, err := c.derive(ctx, e, t)
	if err != nil {
		return snap, err
	}
	if awaitingInit(snap) {
		return snap, labserr.New(labserr.KindInitialization, op, "app initialization has not completed")
	}
	return c.restartBounded(ctx, op, e, t, snap)
}

func (c *Controller) restartBounded(ctx context.Context, op string, e *model.Enrollment, t *model.Track, snap appstate.Snapshot) (appstate.Snapshot, error) {
	rec, err := c.record(ctx, e.ID)
	if err != nil {
		return snap, err
	}
	if rec == nil {
		return c.launch(ctx, op, e, t, 0)
	}
	if rec.RestartCount >= c.cfg.MaxRestarts {
		return snap, labserr.ContainerRuntime(op,
			fmt.Sprintf("restart limit reached (%d of %d)", rec.RestartCount, c.cfg.MaxRestarts), nil)
	}
	if snap.State == appstate.Running {
		return c.recreate(ctx, op, e, t, rec.RestartCount+1, ReasonManual)
	}
	return c.restart(ctx, op, e, t, rec, ReasonManual)
}

// recreate takes a running app through stopped before starting it again.
func (c *Controller) recreate(ctx context.Context, op string, e *model.Enrollment, t *model.Track, restarts int, reason string) (appstate.Snapshot, error) {
	if err := c.Teardown(ctx, e.ID); err != nil {
		return appstate.Snapshot{}, labserr.ContainerRuntime(op, "removing app container", err)
	}
	if stopped, err := c.derive(ctx, e, t); err == nil {
		c.publish(e.ID, stopped)
	}
	c.metrics.AppRestart(reason)
	return c.launch(ctx, op, e, t, restarts)
}

// Stop removes the app container.
func (c *Controller) Stop(ctx context.Context, enrollmentID string) (appstate.Snapshot, error) {
	const op = "app_stop"
	e, t, release, err := c.acquire(ctx, op, enrollmentID)
	if err != nil {
		return appstate.Snapshot{}, err
	}
	defer release()

	if err := c.Teardown(ctx, enrollmentID); err != nil {
		return appstate.Snapshot{}, labserr.ContainerRuntime(op, "removing app container", err)
	}
	snap, err := c.derive(ctx, e, t)
	if err != nil {
		return snap, err
	}
	c.publish(enrollmentID, snap)
	return snap, nil
}

// OnStepAdvanced recreates the app container of per_step tracks after the
// learner moves to a new step. Other tracks are unaffected.
func (c *Controller) OnStepAdvanced(ctx context.Context, enrollmentID string) (appstate.Snapshot, error) {
	const op = "app_step"
	e, t, err := c.load(ctx, op, enrollmentID)
	if err != nil {
		return appstate.Snapshot{}, err
	}
	if t.App == nil || t.App.Container == nil || t.App.Container.Lifecycle != model.LifecyclePerStep {
		return c.derive(ctx, e, t)
	}

	rec, err := c.record(ctx, enrollmentID)
	if err != nil || rec == nil {
		if err != nil {
			return appstate.Snapshot{}, err
		}
		return c.derive(ctx, e, t)
	}

	release, ok := c.guard.TryAcquire(enrollmentID)
	if !ok {
		c.logger.Warn("app busy, container not recreated for new step", "enrollment_id", enrollmentID)
		return c.derive(ctx, e, t)
	}
	defer release()

	return c.recreate(ctx, op, e, t, 0, ReasonNewStep)
}

// Teardown removes the enrollment's app container and its record, if any.
func (c *Controller) Teardown(ctx context.Context, enrollmentID string) error {
	rec, err := c.record(ctx, enrollmentID)
	if err != nil || rec == nil {
		return err
	}
	if err := c.runtime.RemoveApp(ctx, rec.ContainerID); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		return err
	}
	c.logger.Info("app container removed", "enrollment_id", enrollmentID, "container_id", shortID(rec.ContainerID))
	return c.store.DeleteAppContainer(ctx, enrollmentID)
}

func (c *Controller) derive(ctx context.Context, e *model.Enrollment, t *model.Track) (appstate.Snapshot, error) {
	in := appstate.Input{
		App:          t.App,
		InitInFlight: c.init.InFlight(e.ID),
		AppHost:      c.cfg.AppHost,
		MaxRestarts:  c.cfg.MaxRestarts,
	}
	if !appstate.HasApp(t.App) {
		return appstate.Derive(in), nil
	}

	cached, err := c.store.GetInitResult(ctx, e.ID)
	if err != nil {
		return appstate.Snapshot{}, storeErr("app_status", "enrollment", e.ID, err)
	}
	in.Init = cached

	if t.App.Container != nil {
		rec, err := c.record(ctx, e.ID)
		if err != nil {
			return appstate.Snapshot{}, err
		}
		in.Container = rec
		if rec != nil {
			info, err := c.runtime.InspectApp(ctx, rec.ContainerID)
			switch {
			case errors.Is(err, sandbox.ErrNotFound):
			case err != nil:
				in.LiveErr = err
			default:
				in.Live = info
			}
		}
	}
	return appstate.Derive(in), nil
}

// launch replaces any existing container with a fresh one and starts its
// health check.
func (c *Controller) launch(ctx context.Context, op string, e *model.Enrollment, t *model.Track, restarts int) (appstate.Snapshot, error) {
	if err := c.Teardown(ctx, e.ID); err != nil {
		return appstate.Snapshot{}, labserr.ContainerRuntime(op, "removing previous app container", err)
	}

	cc := t.App.Container
	info, err := c.runtime.RunApp(ctx, sandbox.AppSpec{
		EnrollmentID: e.ID,
		Image:        cc.Image,
		Ports:        cc.Ports,
		Command:      cc.Command,
		Env:          appEnv(e, t),
		Network:      c.cfg.Network,
	})
	if err != nil {
		c.metrics.AppFailed()
		c.events.Emit(e.ID, model.EventError, "app container failed to start: "+err.Error())
		return appstate.Snapshot{}, labserr.ContainerRuntime(op, "starting app container", err)
	}

	rec := &model.AppContainer{
		EnrollmentID: e.ID,
		ContainerID:  info.ContainerID,
		Ports:        info.Ports,
		Health:       model.HealthStarting,
		RestartCount: restarts,
		StartedAt:    time.Now().UTC(),
	}
	if err := c.store.SaveAppContainer(ctx, rec); err != nil {
		return appstate.Snapshot{}, fmt.Errorf("saving app container: %w", err)
	}
	c.logger.Info("app container started",
		"enrollment_id", e.ID, "container_id", shortID(rec.ContainerID), "image", cc.Image, "ports", rec.Ports)

	return c.watch(ctx, e, t, rec)
}

func (c *Controller) restart(ctx context.Context, op string, e *model.Enrollment, t *model.Track, rec *model.AppContainer, reason string) (appstate.Snapshot, error) {
	info, err := c.runtime.RestartApp(ctx, rec.ContainerID)
	if errors.Is(err, sandbox.ErrNotFound) {
		c.metrics.AppRestart(reason)
		return c.launch(ctx, op, e, t, rec.RestartCount+1)
	}
	if err != nil {
		return appstate.Snapshot{}, labserr.ContainerRuntime(op, "restarting app container", err)
	}

	rec.RestartCount++
	rec.Health = model.HealthStarting
	rec.Error = ""
	rec.StartedAt = time.Now().UTC()
	if len(info.Ports) > 0 {
		rec.Ports = info.Ports
	}
	if err := c.store.SaveAppContainer(ctx, rec); err != nil {
		return appstate.Snapshot{}, fmt.Errorf("saving app container: %w", err)
	}
	c.metrics.AppRestart(reason)
	c.logger.Info("app container restarted",
		"enrollment_id", e.ID, "reason", reason, "restart_count", rec.RestartCount)

	return c.watch(ctx, e, t, rec)
}

// watch starts the health check for rec and publishes the starting state.
func (c *Controller) watch(ctx context.Context, e *model.Enrollment, t *model.Track, rec *model.AppContainer) (appstate.Snapshot, error) {
	c.mu.Lock()
	bg := c.ctx
	c.mu.Unlock()

	// Derive before the health check runs so a fresh container is first
	// published as starting.
	snap, err := c.derive(ctx, e, t)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.checkHealth(bg, e, t, *rec)
	}()

	if err != nil {
		return snap, err
	}
	c.publish(e.ID, snap)
	c.poller.Ensure(e.ID, snap)
	return snap, nil
}

// checkHealth waits for the first mapped port to accept connections and
// records the outcome on the container record it was started for.
func (c *Controller) checkHealth(ctx context.Context, e *model.Enrollment, t *model.Track, rec model.AppContainer) {
	port, ok := firstHostPort(t.App.Container.Ports, rec.Ports)

	healthy := true
	if ok {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
		healthy = c.probe(ctx, net.JoinHostPort(c.cfg.AppHost, strconv.Itoa(port)))
		cancel()
	}
	if ctx.Err() != nil {
		return
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cur, err := c.record(saveCtx, e.ID)
	if err != nil || cur == nil || cur.ContainerID != rec.ContainerID || !cur.StartedAt.Equal(rec.StartedAt) {
		// Stopped or replaced while we were waiting.
		return
	}
	now := time.Now().UTC()
	cur.LastHealthCheck = &now
	if healthy {
		cur.Health = model.HealthHealthy
		cur.Error = ""
	} else {
		cur.Health = model.HealthFailed
		cur.Error = fmt.Sprintf("app did not accept connections on port %d within %s", port, c.cfg.HealthTimeout)
	}
	if err := c.store.SaveAppContainer(saveCtx, cur); err != nil {
		c.logger.Error("saving health check", "enrollment_id", e.ID, "error", err)
		return
	}

	if healthy {
		c.logger.Info("app container healthy", "enrollment_id", e.ID, "port", port)
		return
	}
	c.logger.Warn("app container unhealthy", "enrollment_id", e.ID, "error", cur.Error)
	c.failed(e, t, cur.Error)
	if t.App.Container.AutoRestart && cur.RestartCount < c.cfg.MaxRestarts {
		release, ok := c.guard.TryAcquire(e.ID)
		if !ok {
			return
		}
		defer release()
		if _, err := c.restart(saveCtx, "app_auto_restart", e, t, cur, ReasonAuto); err != nil {
			c.logger.Warn("auto restart failed", "enrollment_id", e.ID, "error", err)
		}
	}
}

// probe dials addr until it accepts a connection or ctx ends.
func (c *Controller) probe(ctx context.Context, addr string) bool {
	var d net.Dialer
	for {
		attempt, cancel := context.WithTimeout(ctx, time.Second)
		conn, err := d.DialContext(attempt, "tcp", addr)
		cancel()
		if err == nil {
			conn.Close()
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// handleFailure records a crash that was only just observed and restarts the
// container when the track asks for it.
func (c *Controller) handleFailure(ctx context.Context, e *model.Enrollment, t *model.Track, snap appstate.Snapshot) appstate.Snapshot {
	rec, err := c.record(ctx, e.ID)
	if err != nil || rec == nil {
		return snap
	}
	if rec.Health != model.HealthFailed {
		rec.Health = model.HealthFailed
		rec.Error = snap.Error
		if err := c.store.SaveAppContainer(ctx, rec); err != nil {
			c.logger.Error("recording crash", "enrollment_id", e.ID, "error", err)
			return snap
		}
		c.logger.Warn("app container crashed", "enrollment_id", e.ID, "error", snap.Error)
		c.failed(e, t, snap.Error)
	}

	if !t.App.Container.AutoRestart || !snap.CanRestart {
		return snap
	}
	release, ok := c.guard.TryAcquire(e.ID)
	if !ok {
		return snap
	}
	defer release()
	restarted, err := c.restart(ctx, "app_auto_restart", e, t, rec, ReasonAuto)
	if err != nil {
		c.logger.Warn("auto restart failed", "enrollment_id", e.ID, "error", err)
		return snap
	}
	return restarted
}

// failed reports an app failure to metrics, subscribers and notifiers.
func (c *Controller) failed(e *model.Enrollment, t *model.Track, msg string) {
	c.metrics.AppFailed()
	c.events.Emit(e.ID, model.EventError, "app failed: "+msg)
	c.notify.Send(notify.Notice{
		Kind:         notify.KindAppFailed,
		EnrollmentID: e.ID,
		LearnerID:    e.LearnerID,
		TrackSlug:    t.Slug,
		TrackTitle:   t.Title,
		Message:      msg,
	})
}

func (c *Controller) initFinished(enrollmentID string, r *model.InitResult) {
	if r.Status != model.InitFailed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e, t, err := c.load(ctx, "app_init", enrollmentID)
	if err != nil {
		return
	}
	c.events.Emit(enrollmentID, model.EventError, "app initialization failed: "+r.Error)
	c.notify.Send(notify.Notice{
		Kind:         notify.KindInitFailed,
		EnrollmentID: enrollmentID,
		LearnerID:    e.LearnerID,
		TrackSlug:    t.Slug,
		TrackTitle:   t.Title,
		Message:      r.Error,
	})
}

// Forget drops what the controller remembers about a deleted enrollment.
func (c *Controller) Forget(enrollmentID string) {
	c.mu.Lock()
	delete(c.published, enrollmentID)
	c.mu.Unlock()
}

// publish records a status event carrying the snapshot. A change the state
// table does not allow is still published, since the snapshot reflects what
// was observed, but it is logged.
func (c *Controller) publish(enrollmentID string, snap appstate.Snapshot) {
	c.mu.Lock()
	prev, seen := c.published[enrollmentID]
	c.published[enrollmentID] = snap.State
	c.mu.Unlock()
	if seen && !appstate.CanTransition(prev, snap.State) {
		c.logger.Warn("unexpected app state change",
			"enrollment_id", enrollmentID, "from", prev, "to", snap.State)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		c.logger.Error("encoding snapshot", "enrollment_id", enrollmentID, "error", err)
		return
	}
	c.events.Emit(enrollmentID, model.EventStatus, string(data))
}

func (c *Controller) load(ctx context.Context, op, enrollmentID string) (*model.Enrollment, *model.Track, error) {
	e, err := c.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, nil, storeErr(op, "enrollment", enrollmentID, err)
	}
	t, err := c.store.GetTrack(ctx, e.TrackID)
	if err != nil {
		return nil, nil, storeErr(op, "track", e.TrackID, err)
	}
	return e, t, nil
}

// acquire loads a container app enrollment and takes its guard.
func (c *Controller) acquire(ctx context.Context, op, enrollmentID string) (*model.Enrollment, *model.Track, func(), error) {
	e, t, err := c.load(ctx, op, enrollmentID)
	if err != nil {
		return nil, nil, nil, err
	}
	if t.App == nil || t.App.Container == nil {
		return nil, nil, nil, labserr.Invalid(op, "track has no app container")
	}
	release, ok := c.guard.TryAcquire(enrollmentID)
	if !ok {
		c.metrics.Conflict(op)
		return nil, nil, nil, labserr.Conflict(op, enrollmentID)
	}
	return e, t, release, nil
}

func (c *Controller) record(ctx context.Context, enrollmentID string) (*model.AppContainer, error) {
	rec, err := c.store.GetAppContainer(ctx, enrollmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading app container: %w", err)
	}
	return rec, nil
}

func (c *Controller) touch(ctx context.Context, enrollmentID string) {
	if err := c.store.TouchEnrollment(ctx, enrollmentID, time.Now().UTC()); err != nil {
		c.logger.Warn("touching enrollment", "enrollment_id", enrollmentID, "error", err)
	}
}

// appEnv layers track secrets, container env and enrollment bindings, later
// entries winning.
func appEnv(e *model.Enrollment, t *model.Track) map[string]string {
	env := make(map[string]string)
	for _, m := range []map[string]string{t.EnvSecrets, t.App.Container.Env, e.Environment} {
		for k, v := range m {
			env[k] = v
		}
	}
	return env
}

// firstHostPort returns the host port of the first configured container
// port, falling back to the lowest mapped container port.
func firstHostPort(configured []model.PortMapping, ports map[int]int) (int, bool) {
	for _, p := range configured {
		if hp, ok := ports[p.Container]; ok && hp > 0 {
			return hp, true
		}
	}
	lowest := -1
	for cp, hp := range ports {
		if hp > 0 && (lowest < 0 || cp < lowest) {
			lowest = cp
		}
	}
	if lowest < 0 {
		return 0, false
	}
	return ports[lowest], true
}

func awaitingInit(snap appstate.Snapshot) bool {
	switch snap.State {
	case appstate.NeedsInit, appstate.Initializing, appstate.InitFailed:
		return true
	}
	return false
}

func storeErr(op, what, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return labserr.NotFound(op, what, id)
	}
	return fmt.Errorf("loading %s %s: %w", what, id, err)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
