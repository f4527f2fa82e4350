package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/livelabs/pkg/model"
	"github.com/jxucoder/livelabs/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func seedTrack(t *testing.T, s *Store) *model.Track {
	t.Helper()
	track := &model.Track{
		ID:    "trk1",
		Slug:  "intro-git",
		Title: "Intro to Git",
		Steps: []model.Step{
			{Order: 1, Title: "Init", ValidationScript: "test -d .git"},
			{Order: 2, Title: "Commit", ValidationScript: "git log -1", Hints: []string{"use git commit"}},
		},
	}
	require.NoError(t, s.UpsertTrack(context.Background(), track))
	return track
}

func seedEnrollment(t *testing.T, s *Store, id string) *model.Enrollment {
	t.Helper()
	now := time.Now().UTC()
	e := &model.Enrollment{
		ID:          id,
		LearnerID:   "learner-" + id,
		TrackID:     "trk1",
		CurrentStep: 1,
		Environment: map[string]string{"API_KEY": "k"},
		StartedAt:   now,
	}
	require.NoError(t, s.CreateEnrollment(context.Background(), e))
	return e
}

func TestTrackUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	track := seedTrack(t, s)

	got, err := s.GetTrackBySlug(ctx, "intro-git")
	require.NoError(t, err)
	assert.Equal(t, track.Title, got.Title)
	assert.Len(t, got.Steps, 2)

	track.Title = "Git Basics"
	require.NoError(t, s.UpsertTrack(ctx, track))

	got, err = s.GetTrack(ctx, "trk1")
	require.NoError(t, err)
	assert.Equal(t, "Git Basics", got.Title)

	all, err := s.ListTracks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.GetTrack(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnrollmentCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrack(t, s)
	e := seedEnrollment(t, s, "enr1")

	got, err := s.GetEnrollment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, "k", got.Environment["API_KEY"])
	assert.Nil(t, got.CompletedAt)

	dup := *e
	dup.ID = "enr2"
	err = s.CreateEnrollment(ctx, &dup)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	require.NoError(t, s.UpdateEnvironment(ctx, e.ID, map[string]string{"API_KEY": "k2", "REGION": "eu"}))
	got, err = s.GetEnrollment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "eu", got.Environment["REGION"])

	list, err := s.ListEnrollments(ctx, e.LearnerID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = s.ListEnrollments(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.DeleteEnrollment(ctx, e.ID))
	_, err = s.GetEnrollment(ctx, e.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteEnrollment(ctx, e.ID), store.ErrNotFound)
}

func TestAdvanceStepCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrack(t, s)
	e := seedEnrollment(t, s, "enr1")
	now := time.Now().UTC()

	ok, err := s.AdvanceStep(ctx, e.ID, 1, 2, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// A stale advance from the same step must not move progress again.
	ok, err = s.AdvanceStep(ctx, e.ID, 1, 2, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetEnrollment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Nil(t, got.CompletedAt)

	ok, err = s.AdvanceStep(ctx, e.ID, 2, 2, now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.GetEnrollment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentStep)
	require.NotNil(t, got.CompletedAt)

	// Past the last step there is nothing left to advance.
	ok, err = s.AdvanceStep(ctx, e.ID, 3, 2, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrack(t, s)
	e := seedEnrollment(t, s, "enr1")
	base := time.Now().UTC()

	runs := []*model.Execution{
		{ID: "x1", ScriptType: model.ScriptValidation, Status: model.ExecFailed, ExitCode: 1},
		{ID: "x2", ScriptType: model.ScriptValidation, Status: model.ExecFailed, ExitCode: 2},
		{ID: "x3", ScriptType: model.ScriptSetup, Status: model.ExecRunning},
		{ID: "x4", ScriptType: model.ScriptValidation, Status: model.ExecError, ExitCode: -1},
	}
	for i, x := range runs {
		x.EnrollmentID = e.ID
		x.StepOrder = 1
		x.Trigger = model.TriggerManual
		x.StartedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.AddExecution(ctx, x))
	}

	n, err := s.CountFailedValidations(ctx, e.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err := s.HasSuccessfulSetup(ctx, e.ID, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	runs[2].Status = model.ExecSuccess
	runs[2].Stdout = "ready"
	runs[2].Duration = 1500 * time.Millisecond
	require.NoError(t, s.UpdateExecution(ctx, runs[2]))

	ok, err = s.HasSuccessfulSetup(ctx, e.ID, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	history, err := s.ListExecutions(ctx, e.ID, 1)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "x4", history[0].ID)
	assert.Equal(t, model.ExecError, history[0].Status)
	assert.Equal(t, "x3", history[1].ID)
	assert.Equal(t, "ready", history[1].Stdout)
	assert.Equal(t, 1500*time.Millisecond, history[1].Duration)
}

func TestInitResultCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrack(t, s)
	e := seedEnrollment(t, s, "enr1")

	r, err := s.GetInitResult(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InitPending, r.Status)
	assert.Empty(t, r.Cookies)

	done := time.Now().UTC()
	require.NoError(t, s.SaveInitResult(ctx, e.ID, &model.InitResult{
		Status:      model.InitSuccess,
		URL:         "https://app.example.com",
		Cookies:     []model.Cookie{{Name: "sid", Value: "abc"}},
		Attempts:    1,
		CompletedAt: &done,
	}))

	r, err = s.GetInitResult(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InitSuccess, r.Status)
	assert.Equal(t, "https://app.example.com", r.URL)
	require.Len(t, r.Cookies, 1)
	assert.Equal(t, "sid", r.Cookies[0].Name)
	assert.NotNil(t, r.CompletedAt)

	_, err = s.GetInitResult(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppContainerRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrack(t, s)
	e := seedEnrollment(t, s, "enr1")

	_, err := s.GetAppContainer(ctx, e.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	c := &model.AppContainer{
		EnrollmentID: e.ID,
		ContainerID:  "c0ffee",
		Ports:        map[int]int{8080: 32768},
		Health:       model.HealthStarting,
		StartedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.SaveAppContainer(ctx, c))

	c.Health = model.HealthHealthy
	c.RestartCount = 1
	require.NoError(t, s.SaveAppContainer(ctx, c))

	got, err := s.GetAppContainer(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.HealthHealthy, got.Health)
	assert.Equal(t, 1, got.RestartCount)
	assert.Equal(t, 32768, got.Ports[8080])

	require.NoError(t, s.DeleteAppContainer(ctx, e.ID))
	_, err = s.GetAppContainer(ctx, e.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIdleEnrollments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrack(t, s)
	e := seedEnrollment(t, s, "enr1")

	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, s.TouchEnrollment(ctx, e.ID, old))

	idle, err := s.ListIdleEnrollments(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, idle, "enrollments without a sandbox are never idle")

	require.NoError(t, s.SetSandbox(ctx, e.ID, "sbx1"))
	idle, err = s.ListIdleEnrollments(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "sbx1", idle[0].SandboxID)
}

func TestEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTrack(t, s)
	e := seedEnrollment(t, s, "enr1")

	for _, typ := range []string{model.EventStatus, model.EventExecution, model.EventProgress} {
		require.NoError(t, s.AddEvent(ctx, &model.Event{
			EnrollmentID: e.ID, Type: typ, Data: typ, CreatedAt: time.Now().UTC(),
		}))
	}

	events, err := s.GetEvents(ctx, e.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	after, err := s.GetEvents(ctx, e.ID, events[0].ID)
	require.NoError(t, err)
	assert.Len(t, after, 2)
}
