// Package store defines the persistence interface for LiveLabs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jxucoder/livelabs/pkg/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a learner is already enrolled in a track.
	ErrDuplicate = errors.New("already exists")
)

// TrackStore persists track definitions.
type TrackStore interface {
	UpsertTrack(ctx context.Context, track *model.Track) error
	GetTrack(ctx context.Context, id string) (*model.Track, error)
	GetTrackBySlug(ctx context.Context, slug string) (*model.Track, error)
	ListTracks(ctx context.Context) ([]*model.Track, error)
}

// EnrollmentStore persists enrollments and their progress.
type EnrollmentStore interface {
	CreateEnrollment(ctx context.Context, e *model.Enrollment) error
	GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error)
	// ListEnrollments returns the learner's enrollments, or all of them when
	// learnerID is empty.
	ListEnrollments(ctx context.Context, learnerID string) ([]*model.Enrollment, error)
	UpdateEnvironment(ctx context.Context, id string, env map[string]string) error
	SetSandbox(ctx context.Context, id, sandboxID string) error
	TouchEnrollment(ctx context.Context, id string, at time.Time) error
	// AdvanceStep moves current_step from `from` to from+1 and sets
	// completed_at when the new value exceeds totalSteps. It reports false
	// when current_step no longer equals `from`.
	AdvanceStep(ctx context.Context, id string, from, totalSteps int, at time.Time) (bool, error)
	DeleteEnrollment(ctx context.Context, id string) error
	// ListIdleEnrollments returns enrollments holding a sandbox whose last
	// activity is before the given time.
	ListIdleEnrollments(ctx context.Context, before time.Time) ([]*model.Enrollment, error)
}

// ExecutionStore persists script run history.
type ExecutionStore interface {
	AddExecution(ctx context.Context, x *model.Execution) error
	UpdateExecution(ctx context.Context, x *model.Execution) error
	// ListExecutions returns executions for a step, newest first.
	ListExecutions(ctx context.Context, enrollmentID string, stepOrder int) ([]*model.Execution, error)
	CountFailedValidations(ctx context.Context, enrollmentID string, stepOrder int) (int, error)
	HasSuccessfulSetup(ctx context.Context, enrollmentID string, stepOrder int) (bool, error)
}

// AppStore persists the init cache and app container records.
type AppStore interface {
	// GetInitResult returns the cached init result, with status pending when
	// nothing has been recorded yet.
	GetInitResult(ctx context.Context, enrollmentID string) (*model.InitResult, error)
	SaveInitResult(ctx context.Context, enrollmentID string, r *model.InitResult) error
	GetAppContainer(ctx context.Context, enrollmentID string) (*model.AppContainer, error)
	SaveAppContainer(ctx context.Context, c *model.AppContainer) error
	DeleteAppContainer(ctx context.Context, enrollmentID string) error
}

// EventStore persists the enrollment event log.
type EventStore interface {
	AddEvent(ctx context.Context, event *model.Event) error
	GetEvents(ctx context.Context, enrollmentID string, afterID int64) ([]*model.Event, error)
}

// Store is the full persistence interface.
type Store interface {
	TrackStore
	EnrollmentStore
	ExecutionStore
	AppStore
	EventStore
	Close() error
}
