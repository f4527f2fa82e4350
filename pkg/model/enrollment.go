package model

import "time"

// Enrollment is a learner's attempt at a track.
type Enrollment struct {
	ID          string            `json:"id"`
	LearnerID   string            `json:"learner_id"`
	TrackID     string            `json:"track_id"`
	CurrentStep int               `json:"current_step"`
	Environment map[string]string `json:"environment,omitempty"`
	SandboxID   string            `json:"-"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`

	// LastActivityAt is bumped by script runs, app operations and shell
	// connections; the idle reaper reads it.
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Completed reports whether every step of a track with totalSteps steps has
// been passed.
func (e *Enrollment) Completed(totalSteps int) bool {
	return e.CurrentStep > totalSteps
}

// Event is a single entry in an enrollment's event log.
type Event struct {
	ID           int64     `json:"id"`
	EnrollmentID string    `json:"enrollment_id"`
	Type         string    `json:"type"` // "status", "execution", "progress", "error"
	Data         string    `json:"data"`
	CreatedAt    time.Time `json:"created_at"`
}

// Event types.
const (
	EventStatus    = "status"
	EventExecution = "execution"
	EventProgress  = "progress"
	EventError     = "error"
)
