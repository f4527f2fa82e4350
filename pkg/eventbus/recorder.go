package eventbus

import (
	"context"
	"log/slog"
	"time"

	"github.com/jxucoder/livelabs/pkg/model"
)

// EventAdder persists events.
type EventAdder interface {
	AddEvent(ctx context.Context, event *model.Event) error
}

// Recorder stores events and publishes them on a bus.
type Recorder struct {
	store  EventAdder
	bus    Bus
	logger *slog.Logger
}

// NewRecorder creates a Recorder. store may be nil, in which case events are
// only published.
func NewRecorder(store EventAdder, bus Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, bus: bus, logger: logger}
}

// Bus returns the bus events are published on.
func (r *Recorder) Bus() Bus { return r.bus }

// Emit records an event for an enrollment. Storage failures are logged and
// the event is still published.
func (r *Recorder) Emit(enrollmentID, eventType, data string) *model.Event {
	event := &model.Event{
		EnrollmentID: enrollmentID,
		Type:         eventType,
		Data:         data,
		CreatedAt:    time.Now().UTC(),
	}
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.AddEvent(ctx, event); err != nil {
			r.logger.Warn("storing event", "enrollment_id", enrollmentID, "type", eventType, "error", err)
		}
	}
	r.bus.Publish(enrollmentID, event)
	return event
}
