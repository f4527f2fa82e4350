// Package engine runs setup and validation scripts for enrollments, decides
// step advancement and manages enrollments. It depends only on interfaces
// (store, sandbox, eventbus) plus the app lifecycle controller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jxucoder/livelabs/internal/lifecycle"
	"github.com/jxucoder/livelabs/internal/logging"
	"github.com/jxucoder/livelabs/internal/metrics"
	"github.com/jxucoder/livelabs/internal/workspace"
	"github.com/jxucoder/livelabs/pkg/eventbus"
	"github.com/jxucoder/livelabs/pkg/keyed"
	"github.com/jxucoder/livelabs/pkg/labserr"
	"github.com/jxucoder/livelabs/pkg/model"
	"github.com/jxucoder/livelabs/pkg/notify"
	"github.com/jxucoder/livelabs/pkg/sandbox"
	"github.com/jxucoder/livelabs/pkg/store"
)

// Skip reasons reported by AutoSetup.
const (
	SkipDisabled   = "auto-setup is disabled for this track"
	SkipNoScript   = "step has no setup script"
	SkipCompleted  = "step already completed"
	SkipAlreadyRan = "setup already succeeded for this step"
	SkipBusy       = "another script is running for this enrollment"
)

// Config holds engine-specific configuration.
type Config struct {
	DockerNetwork string
	ScriptTimeout time.Duration

	// IdleTimeout stops sandboxes and app containers of enrollments without
	// activity for this long. Zero disables the reaper.
	IdleTimeout  time.Duration
	ReapInterval time.Duration
}

// Engine orchestrates enrollments and script runs.
type Engine struct {
	config  Config
	store   store.Store
	ws      *workspace.Workspaces
	apps    *lifecycle.Controller
	events  *eventbus.Recorder
	notify  *notify.Dispatcher
	guard   *keyed.Guard
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Engine with all dependencies.
func New(
	cfg Config,
	st store.Store,
	ws *workspace.Workspaces,
	apps *lifecycle.Controller,
	events *eventbus.Recorder,
	n *notify.Dispatcher,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		config:  cfg,
		store:   st,
		ws:      ws,
		apps:    apps,
		events:  events,
		notify:  n,
		guard:   keyed.New(),
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start starts background goroutines (idle reaper, app pollers). Call Stop
// to shut down.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.cancel()
	e.ctx, e.cancel = context.WithCancel(ctx)
	bg := e.ctx
	e.mu.Unlock()

	if e.config.DockerNetwork != "" {
		if err := e.ws.Provisioner().EnsureNetwork(bg, e.config.DockerNetwork); err != nil {
			e.logger.Warn("could not create Docker network", "network", e.config.DockerNetwork, "error", err)
		}
	}
	e.apps.Launch(bg)

	if e.config.IdleTimeout > 0 && e.config.ReapInterval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.reapIdle(bg)
		}()
	}
}

// Stop cancels all background work and waits for goroutines to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()
	e.apps.Shutdown()
	e.wg.Wait()
}

// Store returns the enrollment store.
func (e *Engine) Store() store.Store { return e.store }

// Bus returns the event bus.
func (e *Engine) Bus() eventbus.Bus { return e.events.Bus() }

// Apps returns the app lifecycle controller.
func (e *Engine) Apps() *lifecycle.Controller { return e.apps }

// --- Tracks ---

// ListTracks returns every track.
func (e *Engine) ListTracks(ctx context.Context) ([]*model.Track, error) {
	return e.store.ListTracks(ctx)
}

// GetTrack looks a track up by slug.
func (e *Engine) GetTrack(ctx context.Context, slug string) (*model.Track, error) {
	t, err := e.store.GetTrackBySlug(ctx, slug)
	if err != nil {
		return nil, storeErr("get_track", "track", slug, err)
	}
	return t, nil
}

// --- Enrollments ---

// CreateEnrollment enrolls a learner in a track. Every required variable of
// the track's env template must be bound.
func (e *Engine) CreateEnrollment(ctx context.Context, learnerID, trackSlug string, env map[string]string) (*model.Enrollment, error) {
	const op = "create_enrollment"
	if strings.TrimSpace(learnerID) == "" {
		return nil, labserr.Invalid(op, "learner id is required")
	}
	t, err := e.store.GetTrackBySlug(ctx, trackSlug)
	if err != nil {
		return nil, storeErr(op, "track", trackSlug, err)
	}

	var missing []string
	for _, v := range t.EnvTemplate {
		if _, ok := env[v.Name]; v.IsRequired() && !ok {
			missing = append(missing, v.Name)
		}
	}
	if len(missing) > 0 {
		return nil, labserr.Invalid(op, "missing required environment variables: "+strings.Join(missing, ", "))
	}

	now := time.Now().UTC()
	en := &model.Enrollment{
		ID:             uuid.New().String()[:8],
		LearnerID:      learnerID,
		TrackID:        t.ID,
		CurrentStep:    1,
		Environment:    env,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := e.store.CreateEnrollment(ctx, en); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, labserr.New(labserr.KindConflict, op,
				fmt.Sprintf("learner %s is already enrolled in %s", learnerID, t.Slug))
		}
		return nil, fmt.Errorf("creating enrollment: %w", err)
	}

	e.logger.Info("enrollment created", "enrollment_id", en.ID, "learner_id", learnerID, "track", t.Slug)
	e.events.Emit(en.ID, model.EventProgress, fmt.Sprintf("Enrolled in %s", t.Title))
	e.enterStep(en.ID, 1)
	return en, nil
}

// GetEnrollment returns an enrollment.
func (e *Engine) GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error) {
	en, err := e.store.GetEnrollment(ctx, id)
	if err != nil {
		return nil, storeErr("get_enrollment", "enrollment", id, err)
	}
	return en, nil
}

// ListEnrollments returns a learner's enrollments, or all when learnerID is
// empty.
func (e *Engine) ListEnrollments(ctx context.Context, learnerID string) ([]*model.Enrollment, error) {
	return e.store.ListEnrollments(ctx, learnerID)
}

// UpdateEnvironment merges env into the enrollment's bindings.
func (e *Engine) UpdateEnvironment(ctx context.Context, id string, env map[string]string) (*model.Enrollment, error) {
	const op = "update_environment"
	en, err := e.store.GetEnrollment(ctx, id)
	if err != nil {
		return nil, storeErr(op, "enrollment", id, err)
	}
	merged := make(map[string]string, len(en.Environment)+len(env))
	for k, v := range en.Environment {
		merged[k] = v
	}
	for k, v := range env {
		if strings.TrimSpace(k) == "" {
			return nil, labserr.Invalid(op, "environment variable names must not be empty")
		}
		merged[k] = v
	}
	if err := e.store.UpdateEnvironment(ctx, id, merged); err != nil {
		return nil, storeErr(op, "enrollment", id, err)
	}
	en.Environment = merged
	e.logger.Info("environment updated", "enrollment_id", id, "keys", sortedKeys(env))
	return en, nil
}

// DeleteEnrollment stops the enrollment's app container and sandbox and
// removes it with its history.
func (e *Engine) DeleteEnrollment(ctx context.Context, id string) error {
	const op = "delete_enrollment"
	release, ok := e.guard.TryAcquire(id)
	if !ok {
		e.metrics.Conflict(op)
		return labserr.Conflict(op, id)
	}
	defer release()

	en, err := e.store.GetEnrollment(ctx, id)
	if err != nil {
		return storeErr(op, "enrollment", id, err)
	}
	if err := e.apps.Teardown(ctx, id); err != nil {
		return labserr.ContainerRuntime(op, "removing app container", err)
	}
	if err := e.ws.Release(ctx, en); err != nil {
		return err
	}
	if err := e.store.DeleteEnrollment(ctx, id); err != nil {
		return storeErr(op, "enrollment", id, err)
	}
	e.apps.Forget(id)
	e.logger.Info("enrollment deleted", "enrollment_id", id)
	return nil
}

// StepView is a step classified for an enrollment. Locked steps carry only
// their order and title.
type StepView struct {
	model.Step
	Status        model.StepStatus `json:"status"`
	HasSetup      bool             `json:"has_setup"`
	HasValidation bool             `json:"has_validation"`
}

// Steps returns the track's steps classified against the enrollment.
// Scripts are never included.
func (e *Engine) Steps(ctx context.Context, id string) ([]StepView, error) {
	en, t, err := e.load(ctx, "list_steps", id)
	if err != nil {
		return nil, err
	}
	views := make([]StepView, 0, len(t.Steps))
	for _, s := range t.Steps {
		v := StepView{
			Status:        model.ClassifyStep(s.Order, en.CurrentStep),
			HasSetup:      strings.TrimSpace(s.SetupScript) != "",
			HasValidation: strings.TrimSpace(s.ValidationScript) != "",
		}
		if v.Status == model.StepLocked {
			v.Step = model.Step{Order: s.Order, Title: s.Title}
		} else {
			v.Step = s
			v.Step.SetupScript = ""
			v.Step.ValidationScript = ""
			v.Step.Hints = nil
		}
		views = append(views, v)
	}
	return views, nil
}

// History returns past executions for a step, newest first.
func (e *Engine) History(ctx context.Context, id string, stepOrder int) ([]*model.Execution, error) {
	const op = "history"
	_, t, err := e.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if _, ok := t.Step(stepOrder); !ok {
		return nil, labserr.NotFound(op, "step", fmt.Sprint(stepOrder))
	}
	return e.store.ListExecutions(ctx, id, stepOrder)
}

// PrepareShell makes sure the enrollment's sandbox is running and returns the
// environment an interactive shell is started with.
func (e *Engine) PrepareShell(ctx context.Context, id string) (map[string]string, error) {
	en, t, err := e.load(ctx, "shell", id)
	if err != nil {
		return nil, err
	}
	if err := e.ws.Ensure(ctx, en, t); err != nil {
		return nil, err
	}
	e.touch(ctx, id)
	step := en.CurrentStep
	if en.Completed(t.TotalSteps()) {
		step = 0
	}
	return workspace.Env(en, t, step), nil
}

// --- Script execution ---

// Execute runs a step's setup or validation script. A passing validation of
// the current step advances the enrollment by one step.
func (e *Engine) Execute(ctx context.Context, id string, stepOrder int, scriptType model.ScriptType) (*model.ExecutionResult, error) {
	const op = "execute"
	st, err := model.ParseScriptType(string(scriptType))
	if err != nil {
		return nil, labserr.Invalid(op, err.Error())
	}

	release, ok := e.guard.TryAcquire(id)
	if !ok {
		e.metrics.Conflict(op)
		return nil, labserr.Conflict(op, id)
	}
	defer release()

	en, t, err := e.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	step, ok := t.Step(stepOrder)
	if !ok {
		return nil, labserr.NotFound(op, "step", fmt.Sprint(stepOrder))
	}
	if stepOrder > en.CurrentStep {
		return nil, labserr.Forbidden(op, "cannot execute steps ahead of current progress")
	}
	res, err := e.run(ctx, en, t, step, st, model.TriggerManual)
	release()
	if err == nil && res.Advanced {
		e.advanced(en, t)
	}
	return res, err
}

// AutoSetup runs a step's setup script on entry, unless there is a reason
// not to. Failures are reported as error events and do not prevent a later
// manual run.
func (e *Engine) AutoSetup(ctx context.Context, id string, stepOrder int) (*model.AutoSetupResult, error) {
	const op = "auto_setup"
	en, t, err := e.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	step, ok := t.Step(stepOrder)
	if !ok {
		return nil, labserr.NotFound(op, "step", fmt.Sprint(stepOrder))
	}
	if stepOrder > en.CurrentStep {
		return nil, labserr.Forbidden(op, "cannot set up steps ahead of current progress")
	}

	skip := func(reason string) (*model.AutoSetupResult, error) {
		return &model.AutoSetupResult{Skipped: true, Reason: reason}, nil
	}
	switch {
	case !t.AutoSetup:
		return skip(SkipDisabled)
	case strings.TrimSpace(step.SetupScript) == "":
		return skip(SkipNoScript)
	case stepOrder < en.CurrentStep:
		return skip(SkipCompleted)
	}
	done, err := e.store.HasSuccessfulSetup(ctx, id, stepOrder)
	if err != nil {
		return nil, fmt.Errorf("checking setup history: %w", err)
	}
	if done {
		return skip(SkipAlreadyRan)
	}

	release, ok := e.guard.TryAcquire(id)
	if !ok {
		return skip(SkipBusy)
	}
	defer release()

	res, err := e.run(ctx, en, t, step, model.ScriptSetup, model.TriggerAuto)
	if err != nil {
		e.events.Emit(id, model.EventError, fmt.Sprintf("Automatic setup of step %d failed: %v", stepOrder, err))
		return nil, err
	}
	if !res.Success {
		e.events.Emit(id, model.EventError, fmt.Sprintf("Automatic setup of step %d failed: %s", stepOrder, diagnostic(res)))
	}
	code := res.ExitCode
	return &model.AutoSetupResult{
		Success:  res.Success,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: &code,
		Duration: res.Duration,
	}, nil
}

// run executes a script with the enrollment guard held.
func (e *Engine) run(ctx context.Context, en *model.Enrollment, t *model.Track, step *model.Step, st model.ScriptType, trigger model.Trigger) (*model.ExecutionResult, error) {
	const op = "execute"
	total := t.TotalSteps()
	logger := logging.Enrollment(e.logger, en.ID).With("step", step.Order, "script_type", st, "trigger", trigger)

	script := step.Script(st)
	if strings.TrimSpace(script) == "" {
		return &model.ExecutionResult{
			Success:     true,
			CurrentStep: en.CurrentStep,
			Completed:   en.Completed(total),
		}, nil
	}

	e.touch(ctx, en.ID)
	if err := e.ws.Ensure(ctx, en, t); err != nil {
		e.metrics.ScriptRun(string(st), string(trigger), "error", 0)
		return nil, err
	}

	x := &model.Execution{
		ID:           uuid.New().String()[:8],
		EnrollmentID: en.ID,
		StepOrder:    step.Order,
		ScriptType:   st,
		Trigger:      trigger,
		Status:       model.ExecRunning,
		StartedAt:    time.Now().UTC(),
	}
	if err := e.store.AddExecution(ctx, x); err != nil {
		return nil, fmt.Errorf("recording execution: %w", err)
	}
	logger.Info("running script")

	runCtx, cancel := context.WithTimeout(ctx, e.config.ScriptTimeout)
	start := time.Now()
	out, err := e.ws.Provisioner().Exec(runCtx, en.ID, sandbox.ExecRequest{
		Script: script,
		Env:    workspace.Env(en, t, step.Order),
	})
	elapsed := time.Since(start)
	timedOut := (out != nil && out.TimedOut) ||
		(errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil)
	cancel()

	// Bookkeeping survives a caller that has gone away.
	saveCtx, saveCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer saveCancel()

	x.Duration = elapsed
	if err != nil && !timedOut {
		x.Status = model.ExecError
		x.ExitCode = -1
		x.Stderr = err.Error()
		if uerr := e.store.UpdateExecution(saveCtx, x); uerr != nil {
			logger.Error("updating execution", "error", uerr)
		}
		e.metrics.ScriptRun(string(st), string(trigger), "error", elapsed)
		logger.Warn("sandbox unreachable", "error", err)
		return nil, labserr.Transport(op, err)
	}

	res := &model.ExecutionResult{Duration: elapsed}
	outcome := "success"
	switch {
	case timedOut:
		res.ExitCode = -1
		res.TimedOut = true
		if out != nil {
			res.Stdout = out.Stdout
		}
		res.Stderr = fmt.Sprintf("script timed out after %s", e.config.ScriptTimeout)
		outcome = "timeout"
	default:
		res.Stdout, res.Stderr, res.ExitCode = out.Stdout, out.Stderr, out.ExitCode
		res.Success = out.ExitCode == 0
		if !res.Success {
			outcome = "failure"
		}
	}

	x.Stdout, x.Stderr, x.ExitCode = res.Stdout, res.Stderr, res.ExitCode
	x.Status = model.ExecFailed
	if res.Success {
		x.Status = model.ExecSuccess
	}
	if err := e.store.UpdateExecution(saveCtx, x); err != nil {
		return nil, fmt.Errorf("updating execution: %w", err)
	}
	e.metrics.ScriptRun(string(st), string(trigger), outcome, elapsed)
	logger.Info("script finished", "outcome", outcome, "exit_code", res.ExitCode, "duration", elapsed)

	if st == model.ScriptValidation {
		if res.Success && step.Order == en.CurrentStep {
			now := time.Now().UTC()
			advanced, err := e.store.AdvanceStep(saveCtx, en.ID, step.Order, total, now)
			if err != nil {
				return nil, fmt.Errorf("advancing step: %w", err)
			}
			if advanced {
				res.Advanced = true
				en.CurrentStep++
				if en.CurrentStep > total {
					en.CompletedAt = &now
				}
			}
		}
		if !res.Success {
			failures, err := e.store.CountFailedValidations(saveCtx, en.ID, step.Order)
			if err != nil {
				logger.Warn("counting failed validations", "error", err)
			}
			res.Hints = revealHints(step.Hints, failures)
		}
	}

	res.CurrentStep = en.CurrentStep
	res.Completed = en.Completed(total)
	e.events.Emit(en.ID, model.EventExecution, summarize(step.Order, st, trigger, res))
	return res, nil
}

// advanced reacts to a step increment once the enrollment guard is released.
func (e *Engine) advanced(en *model.Enrollment, t *model.Track) {
	e.metrics.StepAdvanced()
	total := t.TotalSteps()

	if en.Completed(total) {
		e.logger.Info("track completed", "enrollment_id", en.ID, "track", t.Slug)
		e.events.Emit(en.ID, model.EventProgress, fmt.Sprintf("Completed %s", t.Title))
		e.notify.Send(notify.Notice{
			Kind:         notify.KindCompleted,
			EnrollmentID: en.ID,
			LearnerID:    en.LearnerID,
			TrackSlug:    t.Slug,
			TrackTitle:   t.Title,
		})
		return
	}

	e.events.Emit(en.ID, model.EventProgress, fmt.Sprintf("Advanced to step %d of %d", en.CurrentStep, total))
	if t.App != nil && t.App.Container != nil && t.App.Container.Lifecycle == model.LifecyclePerStep {
		e.background(func(ctx context.Context) {
			if _, err := e.apps.OnStepAdvanced(ctx, en.ID); err != nil {
				e.logger.Warn("recreating app container for new step", "enrollment_id", en.ID, "error", err)
			}
		})
	}
	if t.AutoSetup {
		e.enterStep(en.ID, en.CurrentStep)
	}
}

// enterStep runs automatic setup for a step the learner just reached.
func (e *Engine) enterStep(id string, stepOrder int) {
	e.background(func(ctx context.Context) {
		res, err := e.AutoSetup(ctx, id, stepOrder)
		switch {
		case err != nil:
			e.logger.Warn("automatic setup failed", "enrollment_id", id, "step", stepOrder, "error", err)
		case res.Skipped:
			e.logger.Debug("automatic setup skipped", "enrollment_id", id, "step", stepOrder, "reason", res.Reason)
		}
	})
}

// background runs fn on the engine's context.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

// --- Idle reaper ---

func (e *Engine) reapIdle(ctx context.Context) {
	ticker := time.NewTicker(e.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.ReapIdle(ctx); err != nil {
				e.logger.Warn("reaper: listing idle enrollments failed", "error", err)
			}
		}
	}
}

// ReapIdle stops the sandbox and app container of every enrollment idle for
// longer than the configured timeout. Progress is kept. It returns the number
// of enrollments reaped.
func (e *Engine) ReapIdle(ctx context.Context) (int, error) {
	idle, err := e.store.ListIdleEnrollments(ctx, time.Now().UTC().Add(-e.config.IdleTimeout))
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, en := range idle {
		release, ok := e.guard.TryAcquire(en.ID)
		if !ok {
			continue
		}
		idleFor := time.Since(en.LastActivityAt).Round(time.Second)
		e.logger.Info("reaping idle enrollment", "enrollment_id", en.ID, "idle_for", idleFor)
		if err := e.apps.Teardown(ctx, en.ID); err != nil {
			e.logger.Warn("reaper: removing app container", "enrollment_id", en.ID, "error", err)
		}
		if err := e.ws.Release(ctx, en); err != nil {
			e.logger.Warn("reaper: stopping sandbox", "enrollment_id", en.ID, "error", err)
			release()
			continue
		}
		release()
		e.events.Emit(en.ID, model.EventStatus, "Sandbox stopped (idle timeout)")
		reaped++
	}
	return reaped, nil
}

// --- helpers ---

func (e *Engine) load(ctx context.Context, op, id string) (*model.Enrollment, *model.Track, error) {
	en, err := e.store.GetEnrollment(ctx, id)
	if err != nil {
		return nil, nil, storeErr(op, "enrollment", id, err)
	}
	t, err := e.store.GetTrack(ctx, en.TrackID)
	if err != nil {
		return nil, nil, storeErr(op, "track", en.TrackID, err)
	}
	return en, t, nil
}

func (e *Engine) touch(ctx context.Context, id string) {
	if err := e.store.TouchEnrollment(ctx, id, time.Now().UTC()); err != nil {
		e.logger.Warn("touching enrollment", "enrollment_id", id, "error", err)
	}
}

// revealHints returns one more hint per failed validation, up to all of them.
func revealHints(hints []string, failures int) []string {
	if failures > len(hints) {
		failures = len(hints)
	}
	if failures <= 0 {
		return nil
	}
	return append([]string(nil), hints[:failures]...)
}

func summarize(order int, st model.ScriptType, trigger model.Trigger, res *model.ExecutionResult) string {
	verdict := "passed"
	switch {
	case res.TimedOut:
		verdict = "timed out"
	case !res.Success:
		verdict = fmt.Sprintf("failed (exit %d)", res.ExitCode)
	}
	s := fmt.Sprintf("%s of step %d %s in %s", st, order, verdict, res.Duration.Round(time.Millisecond))
	if trigger == model.TriggerAuto {
		s = "automatic " + s
	}
	if res.Advanced {
		s += ", advanced"
	}
	return s
}

func diagnostic(res *model.ExecutionResult) string {
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		return msg
	}
	return fmt.Sprintf("exit code %d", res.ExitCode)
}

func storeErr(op, what, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return labserr.NotFound(op, what, id)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
