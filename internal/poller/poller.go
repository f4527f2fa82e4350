// Package poller re-derives the app state of enrollments that are waiting on
// an init run or a container start, and publishes every change it observes.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jxucoder/livelabs/internal/appstate"
	"github.com/jxucoder/livelabs/internal/logging"
	"github.com/jxucoder/livelabs/internal/metrics"
	"github.com/jxucoder/livelabs/pkg/labserr"
)

// DeriveFunc computes the current snapshot of an enrollment.
type DeriveFunc func(ctx context.Context, enrollmentID string) (appstate.Snapshot, error)

// PublishFunc receives each snapshot that differs from the previous one.
type PublishFunc func(enrollmentID string, snap appstate.Snapshot)

type loop struct {
	rearm bool
}

// Poller runs at most one reconciliation loop per enrollment.
type Poller struct {
	derive      DeriveFunc
	publish     PublishFunc
	interval    time.Duration
	maxDuration time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu     sync.Mutex
	loops  map[string]*loop
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Poller. Loops tick every interval and give up after
// maxDuration.
func New(derive DeriveFunc, publish PublishFunc, interval, maxDuration time.Duration, logger *slog.Logger, m *metrics.Metrics) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		derive:      derive,
		publish:     publish,
		interval:    interval,
		maxDuration: maxDuration,
		logger:      logger,
		metrics:     m,
		loops:       make(map[string]*loop),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start ties the lifetime of all future loops to ctx.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancel()
	p.ctx, p.cancel = context.WithCancel(ctx)
}

// Stop cancels every loop and waits for them to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
}

// Ensure starts a loop for the enrollment if snap is not terminal. A loop
// that is already running keeps going, even if it was about to stop. It
// reports whether a new loop was started.
func (p *Poller) Ensure(enrollmentID string, snap appstate.Snapshot) bool {
	if snap.State.Terminal() {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.loops[enrollmentID]; ok {
		l.rearm = true
		return false
	}
	if p.ctx.Err() != nil {
		return false
	}
	p.loops[enrollmentID] = &loop{}
	p.wg.Add(1)
	go p.run(p.ctx, enrollmentID, snap)
	return true
}

// Active reports whether a loop is running for the enrollment.
func (p *Poller) Active(enrollmentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[enrollmentID]
	return ok
}

// Len returns the number of running loops.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loops)
}

func (p *Poller) run(ctx context.Context, enrollmentID string, last appstate.Snapshot) {
	defer p.wg.Done()
	defer p.metrics.PollerStarted()()

	ctx, cancel := context.WithTimeout(ctx, p.maxDuration)
	defer cancel()

	logger := logging.Enrollment(p.logger, enrollmentID)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				logger.Warn("app state did not settle", "state", last.State, "after", p.maxDuration)
			}
			p.remove(enrollmentID)
			return
		case <-ticker.C:
		}

		snap, err := p.derive(ctx, enrollmentID)
		if err != nil {
			if labserr.Is(err, labserr.KindNotFound) {
				p.remove(enrollmentID)
				return
			}
			logger.Warn("deriving app state", "error", err)
			continue
		}
		if changed(last, snap) {
			p.publish(enrollmentID, snap)
			last = snap
		}
		if snap.State.Terminal() && p.finish(enrollmentID) {
			return
		}
	}
}

// finish removes the loop unless Ensure asked it to keep going.
func (p *Poller) finish(enrollmentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.loops[enrollmentID]
	if l != nil && l.rearm {
		l.rearm = false
		return false
	}
	delete(p.loops, enrollmentID)
	return true
}

func (p *Poller) remove(enrollmentID string) {
	p.mu.Lock()
	delete(p.loops, enrollmentID)
	p.mu.Unlock()
}

func changed(a, b appstate.Snapshot) bool {
	return a.State != b.State ||
		a.URL != b.URL ||
		a.Error != b.Error ||
		a.Diagnostic != b.Diagnostic ||
		a.RestartCount != b.RestartCount ||
		a.CanRetry != b.CanRetry ||
		a.CanStart != b.CanStart ||
		a.CanRestart != b.CanRestart
}
