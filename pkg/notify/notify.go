// Package notify delivers enrollment milestones (track completed, app or
// init failures) to chat channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Kind identifies what happened.
type Kind string

const (
	KindCompleted  Kind = "completed"
	KindAppFailed  Kind = "app_failed"
	KindInitFailed Kind = "init_failed"
)

// Notice is a single notification.
type Notice struct {
	Kind         Kind
	EnrollmentID string
	LearnerID    string
	TrackSlug    string
	TrackTitle   string
	Message      string
	At           time.Time
}

// Notifier delivers notices to one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notice) error
}

// Summary renders a notice as a single line of plain text.
func Summary(n Notice) string {
	var s string
	switch n.Kind {
	case KindCompleted:
		s = fmt.Sprintf("%s completed %q", n.LearnerID, n.TrackTitle)
	case KindAppFailed:
		s = fmt.Sprintf("App for %s in %q failed", n.LearnerID, n.TrackTitle)
	case KindInitFailed:
		s = fmt.Sprintf("App initialization for %s in %q failed", n.LearnerID, n.TrackTitle)
	default:
		s = fmt.Sprintf("%s: %s in %q", n.Kind, n.LearnerID, n.TrackTitle)
	}
	if n.Message != "" {
		s += ": " + n.Message
	}
	return s + " (enrollment " + n.EnrollmentID + ")"
}

// Dispatcher fans notices out to every notifier in the background.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil or empty notifier list makes
// Send a no-op.
func NewDispatcher(logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{notifiers: notifiers, timeout: 10 * time.Second, logger: logger}
}

// Enabled reports whether any notifier is configured.
func (d *Dispatcher) Enabled() bool {
	return d != nil && len(d.notifiers) > 0
}

// Send delivers n to every notifier without blocking the caller. Delivery
// failures are logged.
func (d *Dispatcher) Send(n Notice) {
	if !d.Enabled() {
		return
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	for _, nt := range d.notifiers {
		go func(nt Notifier) {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := nt.Notify(ctx, n); err != nil {
				d.logger.Warn("notification failed",
					"notifier", nt.Name(), "kind", n.Kind, "enrollment_id", n.EnrollmentID, "error", err)
			}
		}(nt)
	}
}
