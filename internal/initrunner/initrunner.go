// Package initrunner runs a track's one-time initialization script for an
// enrollment and caches its result.
//
// At most one run per enrollment is in flight at any time; concurrent
// callers join the pending run instead of starting another, since init
// scripts may allocate external resources that are not idempotent.
package initrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jxucoder/livelabs/internal/metrics"
	"github.com/jxucoder/livelabs/internal/workspace"
	"github.com/jxucoder/livelabs/pkg/labserr"
	"github.com/jxucoder/livelabs/pkg/model"
	"github.com/jxucoder/livelabs/pkg/sandbox"
)

// maxRawOutput bounds the stdout kept as a diagnostic for failed runs.
const maxRawOutput = 500

// Store is the persistence the runner needs.
type Store interface {
	GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error)
	GetTrack(ctx context.Context, id string) (*model.Track, error)
	GetInitResult(ctx context.Context, enrollmentID string) (*model.InitResult, error)
	SaveInitResult(ctx context.Context, enrollmentID string, r *model.InitResult) error
}

// Runner executes init scripts.
type Runner struct {
	store   Store
	ws      *workspace.Workspaces
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	group singleflight.Group

	mu       sync.Mutex
	inFlight map[string]int // waiters per enrollment

	// OnFinish, when set, is called after every completed run.
	OnFinish func(enrollmentID string, r *model.InitResult)
}

// New creates a Runner. timeout bounds each script run.
func New(st Store, ws *workspace.Workspaces, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    st,
		ws:       ws,
		timeout:  timeout,
		logger:   logger,
		metrics:  m,
		inFlight: make(map[string]int),
	}
}

// InFlight reports whether a run for the enrollment is executing now.
func (r *Runner) InFlight(enrollmentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight[enrollmentID] > 0
}

// Start launches the first run in the background unless one is already
// executing. Once the enrollment has an outcome it does nothing, so a failed
// init is only repeated through Run. It returns immediately.
func (r *Runner) Start(enrollmentID string) {
	r.do(enrollmentID, true)
}

// do joins or starts the run for an enrollment. The enrollment counts as in
// flight from before the run starts until the result is delivered.
func (r *Runner) do(enrollmentID string, firstOnly bool) <-chan singleflight.Result {
	r.mu.Lock()
	r.inFlight[enrollmentID]++
	r.mu.Unlock()

	ch := r.group.DoChan(enrollmentID, func() (any, error) {
		return r.run(enrollmentID, firstOnly)
	})
	out := make(chan singleflight.Result, 1)
	go func() {
		res := <-ch
		r.mu.Lock()
		if r.inFlight[enrollmentID]--; r.inFlight[enrollmentID] <= 0 {
			delete(r.inFlight, enrollmentID)
		}
		r.mu.Unlock()
		out <- res
	}()
	return out
}

// Run executes the init script, or joins the run already in flight, and
// waits for the result. A successful cached result is returned without
// running anything. If ctx ends first the run keeps going and ctx's error is
// returned.
func (r *Runner) Run(ctx context.Context, enrollmentID string) (*model.InitResult, error) {
	if !r.InFlight(enrollmentID) {
		cached, err := r.store.GetInitResult(ctx, enrollmentID)
		if err != nil {
			return nil, err
		}
		if cached.Status == model.InitSuccess {
			return cached, nil
		}
	}

	ch := r.do(enrollmentID, false)
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.InitResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run executes one init attempt. It is detached from any caller. With
// firstOnly set it returns the cached result unless it is still pending.
func (r *Runner) run(enrollmentID string, firstOnly bool) (*model.InitResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	e, err := r.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	t, err := r.store.GetTrack(ctx, e.TrackID)
	if err != nil {
		return nil, err
	}
	prev, err := r.store.GetInitResult(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if prev.Status == model.InitSuccess || (firstOnly && prev.Status != model.InitPending) {
		return prev, nil
	}

	logger := r.logger.With("enrollment_id", enrollmentID)

	// Without an init script the configured URL is all there is.
	if t.App == nil || !t.App.HasInitScript() {
		now := time.Now().UTC()
		res := &model.InitResult{Status: model.InitSuccess, CompletedAt: &now}
		if t.App != nil {
			res.URL = t.App.URLTemplate
		}
		if err := r.store.SaveInitResult(ctx, enrollmentID, res); err != nil {
			return nil, fmt.Errorf("saving init result: %w", err)
		}
		return res, nil
	}

	running := &model.InitResult{Status: model.InitRunning, Attempts: prev.Attempts + 1}
	if err := r.store.SaveInitResult(ctx, enrollmentID, running); err != nil {
		return nil, fmt.Errorf("saving init result: %w", err)
	}
	logger.Info("running init script", "attempt", running.Attempts)

	res := r.execute(ctx, e, t)
	res.Attempts = running.Attempts
	now := time.Now().UTC()
	res.CompletedAt = &now

	// The run's own deadline may have passed; persist regardless.
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer saveCancel()
	if err := r.store.SaveInitResult(saveCtx, enrollmentID, res); err != nil {
		return nil, fmt.Errorf("saving init result: %w", err)
	}

	if res.Status == model.InitSuccess {
		logger.Info("init succeeded", "url", res.URL)
	} else {
		logger.Warn("init failed", "error", res.Error)
	}
	r.metrics.InitRun(string(res.Status))
	if r.OnFinish != nil {
		r.OnFinish(enrollmentID, res)
	}
	return res, nil
}

func (r *Runner) execute(ctx context.Context, e *model.Enrollment, t *model.Track) *model.InitResult {
	failed := func(msg, raw string) *model.InitResult {
		return &model.InitResult{Status: model.InitFailed, Error: msg, RawOutput: truncate(raw, maxRawOutput)}
	}

	if err := r.ws.Ensure(ctx, e, t); err != nil {
		return failed(err.Error(), "")
	}
	out, err := r.ws.Provisioner().Exec(ctx, e.ID, sandbox.ExecRequest{
		Script: t.App.InitScript,
		Env:    workspace.Env(e, t, 0),
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded) || (out != nil && out.TimedOut):
		raw := ""
		if out != nil {
			raw = out.Stdout
		}
		return failed(fmt.Sprintf("init script timed out after %s", r.timeout), raw)
	case err != nil:
		return failed(labserr.Transport("run init script", err).Error(), "")
	case out.ExitCode != 0:
		msg := strings.TrimSpace(out.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("script exited with code %d", out.ExitCode)
		}
		return failed(msg, out.Stdout)
	}

	payload, err := ParseOutput(out.Stdout)
	if err != nil {
		return failed(err.Error(), out.Stdout)
	}
	return &model.InitResult{Status: model.InitSuccess, URL: payload.URL, Cookies: payload.Cookies}
}

// Payload is the JSON object an init script prints last.
type Payload struct {
	URL     string         `json:"url"`
	Cookies []model.Cookie `json:"cookies"`
}

// ParseOutput extracts the trailing JSON object from init script stdout.
// Earlier output (progress logs and the like) is ignored.
func ParseOutput(stdout string) (*Payload, error) {
	s := strings.TrimSpace(stdout)
	if s == "" {
		return nil, errors.New("init script produced no output")
	}

	var lastErr error
	for end := len(s); end > 0; {
		i := strings.LastIndex(s[:end], "{")
		if i < 0 {
			break
		}
		var p Payload
		if err := json.Unmarshal([]byte(s[i:]), &p); err == nil {
			if p.URL == "" {
				return nil, errors.New("init script did not return a 'url' in its JSON output")
			}
			return &p, nil
		} else if lastErr == nil {
			lastErr = err
		}
		end = i
	}
	if lastErr == nil {
		return nil, errors.New("init script output contains no JSON object")
	}
	return nil, fmt.Errorf("invalid JSON output: %w", lastErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
