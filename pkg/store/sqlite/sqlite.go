// Package sqlite implements store.Store on top of SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jxucoder/livelabs/pkg/model"
	"github.com/jxucoder/livelabs/pkg/store"
)

// Store manages LiveLabs persistence in SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL lets readers proceed while a script result is being written.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tracks (
			id         TEXT PRIMARY KEY,
			slug       TEXT NOT NULL UNIQUE,
			doc        TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS enrollments (
			id                TEXT PRIMARY KEY,
			learner_id        TEXT NOT NULL,
			track_id          TEXT NOT NULL,
			current_step      INTEGER NOT NULL DEFAULT 1,
			environment       TEXT NOT NULL DEFAULT '{}',
			sandbox_id        TEXT NOT NULL DEFAULT '',
			started_at        DATETIME NOT NULL DEFAULT (datetime('now')),
			completed_at      DATETIME,
			last_activity_at  DATETIME NOT NULL DEFAULT (datetime('now')),
			init_status       TEXT NOT NULL DEFAULT 'pending',
			init_url          TEXT NOT NULL DEFAULT '',
			init_cookies      TEXT NOT NULL DEFAULT '[]',
			init_error        TEXT NOT NULL DEFAULT '',
			init_raw_output   TEXT NOT NULL DEFAULT '',
			init_attempts     INTEGER NOT NULL DEFAULT 0,
			init_completed_at DATETIME,
			UNIQUE (learner_id, track_id),
			FOREIGN KEY (track_id) REFERENCES tracks(id)
		);

		CREATE INDEX IF NOT EXISTS idx_enrollments_learner
			ON enrollments(learner_id);

		CREATE TABLE IF NOT EXISTS executions (
			id            TEXT PRIMARY KEY,
			enrollment_id TEXT NOT NULL,
			step_order    INTEGER NOT NULL,
			script_type   TEXT NOT NULL,
			trigger_kind  TEXT NOT NULL DEFAULT 'manual',
			status        TEXT NOT NULL,
			stdout        TEXT NOT NULL DEFAULT '',
			stderr        TEXT NOT NULL DEFAULT '',
			exit_code     INTEGER NOT NULL DEFAULT 0,
			duration_ms   INTEGER NOT NULL DEFAULT 0,
			started_at    DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (enrollment_id) REFERENCES enrollments(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_executions_step
			ON executions(enrollment_id, step_order);

		CREATE TABLE IF NOT EXISTS app_containers (
			enrollment_id     TEXT PRIMARY KEY,
			container_id      TEXT NOT NULL,
			ports             TEXT NOT NULL DEFAULT '{}',
			health            TEXT NOT NULL DEFAULT 'starting',
			restart_count     INTEGER NOT NULL DEFAULT 0,
			error             TEXT NOT NULL DEFAULT '',
			started_at        DATETIME NOT NULL DEFAULT (datetime('now')),
			last_health_check DATETIME,
			FOREIGN KEY (enrollment_id) REFERENCES enrollments(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS enrollment_events (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			enrollment_id TEXT NOT NULL,
			type          TEXT NOT NULL,
			data          TEXT NOT NULL DEFAULT '',
			created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (enrollment_id) REFERENCES enrollments(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_events_enrollment_id
			ON enrollment_events(enrollment_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Tracks ---

// UpsertTrack inserts a track or replaces the stored definition.
func (s *Store) UpsertTrack(ctx context.Context, track *model.Track) error {
	if track.UpdatedAt.IsZero() {
		track.UpdatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(track)
	if err != nil {
		return fmt.Errorf("encoding track %s: %w", track.Slug, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tracks (id, slug, doc, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET slug = excluded.slug, doc = excluded.doc, updated_at = excluded.updated_at`,
		track.ID, track.Slug, string(doc), track.UpdatedAt,
	)
	return err
}

// GetTrack retrieves a track by ID.
func (s *Store) GetTrack(ctx context.Context, id string) (*model.Track, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM tracks WHERE id = ?`, id)
	return scanTrack(row, "track "+id)
}

// GetTrackBySlug retrieves a track by slug.
func (s *Store) GetTrackBySlug(ctx context.Context, slug string) (*model.Track, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM tracks WHERE slug = ?`, slug)
	return scanTrack(row, "track "+slug)
}

// ListTracks returns all tracks ordered by slug.
func (s *Store) ListTracks(ctx context.Context) ([]*model.Track, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM tracks ORDER BY slug ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tracks []*model.Track
	for rows.Next() {
		t, err := scanTrack(rows, "track")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

// --- Enrollments ---

const enrollmentColumns = `id, learner_id, track_id, current_step, environment, sandbox_id,
	started_at, completed_at, last_activity_at`

// CreateEnrollment inserts a new enrollment.
func (s *Store) CreateEnrollment(ctx context.Context, e *model.Enrollment) error {
	env, err := marshalEnv(e.Environment)
	if err != nil {
		return err
	}
	if e.CurrentStep == 0 {
		e.CurrentStep = 1
	}
	if e.LastActivityAt.IsZero() {
		e.LastActivityAt = e.StartedAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO enrollments (id, learner_id, track_id, current_step, environment, started_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.LearnerID, e.TrackID, e.CurrentStep, env, e.StartedAt, e.LastActivityAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("enrollment for learner %s in track %s: %w", e.LearnerID, e.TrackID, store.ErrDuplicate)
	}
	return err
}

// GetEnrollment retrieves an enrollment by ID.
func (s *Store) GetEnrollment(ctx context.Context, id string) (*model.Enrollment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ?`, id,
	)
	e, err := scanEnrollment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("enrollment %s: %w", id, store.ErrNotFound)
	}
	return e, err
}

// ListEnrollments returns enrollments ordered by start time (newest first).
func (s *Store) ListEnrollments(ctx context.Context, learnerID string) ([]*model.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments`
	var args []any
	if learnerID != "" {
		query += ` WHERE learner_id = ?`
		args = append(args, learnerID)
	}
	query += ` ORDER BY started_at DESC`
	return s.queryEnrollments(ctx, query, args...)
}

// ListIdleEnrollments returns enrollments with a live sandbox and no
// activity since before.
func (s *Store) ListIdleEnrollments(ctx context.Context, before time.Time) ([]*model.Enrollment, error) {
	return s.queryEnrollments(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments
		 WHERE sandbox_id != '' AND last_activity_at < ?
		 ORDER BY last_activity_at ASC`, before,
	)
}

func (s *Store) queryEnrollments(ctx context.Context, query string, args ...any) ([]*model.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEnvironment replaces the enrollment's environment bindings.
func (s *Store) UpdateEnvironment(ctx context.Context, id string, env map[string]string) error {
	data, err := marshalEnv(env)
	if err != nil {
		return err
	}
	return s.execOne(ctx, "enrollment "+id,
		`UPDATE enrollments SET environment = ? WHERE id = ?`, data, id)
}

// SetSandbox records (or clears, with an empty id) the enrollment's sandbox.
func (s *Store) SetSandbox(ctx context.Context, id, sandboxID string) error {
	return s.execOne(ctx, "enrollment "+id,
		`UPDATE enrollments SET sandbox_id = ? WHERE id = ?`, sandboxID, id)
}

// TouchEnrollment records learner activity.
func (s *Store) TouchEnrollment(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "enrollment "+id,
		`UPDATE enrollments SET last_activity_at = ? WHERE id = ?`, at, id)
}

// AdvanceStep increments current_step if it still equals from.
func (s *Store) AdvanceStep(ctx context.Context, id string, from, totalSteps int, at time.Time) (bool, error) {
	var completedAt any
	if from+1 > totalSteps {
		completedAt = at
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrollments SET
			current_step = current_step + 1,
			completed_at = COALESCE(?, completed_at),
			last_activity_at = ?
		 WHERE id = ? AND current_step = ? AND current_step <= ?`,
		completedAt, at, id, from, totalSteps,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteEnrollment removes an enrollment and everything recorded for it.
func (s *Store) DeleteEnrollment(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM executions WHERE enrollment_id = ?`,
		`DELETE FROM app_containers WHERE enrollment_id = ?`,
		`DELETE FROM enrollment_events WHERE enrollment_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM enrollments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("enrollment %s: %w", id, store.ErrNotFound)
	}
	return tx.Commit()
}

// --- Executions ---

// AddExecution inserts a new execution record.
func (s *Store) AddExecution(ctx context.Context, x *model.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, enrollment_id, step_order, script_type, trigger_kind,
			status, stdout, stderr, exit_code, duration_ms, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		x.ID, x.EnrollmentID, x.StepOrder, x.ScriptType, x.Trigger,
		x.Status, x.Stdout, x.Stderr, x.ExitCode, x.Duration.Milliseconds(), x.StartedAt,
	)
	return err
}

// UpdateExecution stores the outcome of a finished run.
func (s *Store) UpdateExecution(ctx context.Context, x *model.Execution) error {
	return s.execOne(ctx, "execution "+x.ID,
		`UPDATE executions SET status = ?, stdout = ?, stderr = ?, exit_code = ?, duration_ms = ?
		 WHERE id = ?`,
		x.Status, x.Stdout, x.Stderr, x.ExitCode, x.Duration.Milliseconds(), x.ID,
	)
}

// ListExecutions returns a step's executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, enrollmentID string, stepOrder int) ([]*model.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, enrollment_id, step_order, script_type, trigger_kind, status,
		        stdout, stderr, exit_code, duration_ms, started_at
		 FROM executions
		 WHERE enrollment_id = ? AND step_order = ?
		 ORDER BY started_at DESC, rowid DESC`,
		enrollmentID, stepOrder,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Execution
	for rows.Next() {
		x := &model.Execution{}
		var durMS int64
		if err := rows.Scan(&x.ID, &x.EnrollmentID, &x.StepOrder, &x.ScriptType, &x.Trigger,
			&x.Status, &x.Stdout, &x.Stderr, &x.ExitCode, &durMS, &x.StartedAt); err != nil {
			return nil, err
		}
		x.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, x)
	}
	return out, rows.Err()
}

// CountFailedValidations counts failed validation runs for a step.
func (s *Store) CountFailedValidations(ctx context.Context, enrollmentID string, stepOrder int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions
		 WHERE enrollment_id = ? AND step_order = ? AND script_type = ? AND status = ?`,
		enrollmentID, stepOrder, model.ScriptValidation, model.ExecFailed,
	).Scan(&n)
	return n, err
}

// HasSuccessfulSetup reports whether a setup run for the step has succeeded.
func (s *Store) HasSuccessfulSetup(ctx context.Context, enrollmentID string, stepOrder int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions
		 WHERE enrollment_id = ? AND step_order = ? AND script_type = ? AND status = ?`,
		enrollmentID, stepOrder, model.ScriptSetup, model.ExecSuccess,
	).Scan(&n)
	return n > 0, err
}

// --- App state ---

// GetInitResult returns the cached init result for an enrollment.
func (s *Store) GetInitResult(ctx context.Context, enrollmentID string) (*model.InitResult, error) {
	r := &model.InitResult{}
	var cookies string
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT init_status, init_url, init_cookies, init_error, init_raw_output,
		        init_attempts, init_completed_at
		 FROM enrollments WHERE id = ?`, enrollmentID,
	).Scan(&r.Status, &r.URL, &cookies, &r.Error, &r.RawOutput, &r.Attempts, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("enrollment %s: %w", enrollmentID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cookies), &r.Cookies); err != nil {
		return nil, fmt.Errorf("decoding init cookies: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return r, nil
}

// SaveInitResult overwrites the cached init result.
func (s *Store) SaveInitResult(ctx context.Context, enrollmentID string, r *model.InitResult) error {
	cookies, err := json.Marshal(nonNilCookies(r.Cookies))
	if err != nil {
		return fmt.Errorf("encoding init cookies: %w", err)
	}
	var completedAt any
	if r.CompletedAt != nil {
		completedAt = *r.CompletedAt
	}
	return s.execOne(ctx, "enrollment "+enrollmentID,
		`UPDATE enrollments SET init_status = ?, init_url = ?, init_cookies = ?, init_error = ?,
			init_raw_output = ?, init_attempts = ?, init_completed_at = ?
		 WHERE id = ?`,
		r.Status, r.URL, string(cookies), r.Error, r.RawOutput, r.Attempts, completedAt, enrollmentID,
	)
}

// GetAppContainer returns the enrollment's app container record.
func (s *Store) GetAppContainer(ctx context.Context, enrollmentID string) (*model.AppContainer, error) {
	c := &model.AppContainer{}
	var ports string
	var lastCheck sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT enrollment_id, container_id, ports, health, restart_count, error,
		        started_at, last_health_check
		 FROM app_containers WHERE enrollment_id = ?`, enrollmentID,
	).Scan(&c.EnrollmentID, &c.ContainerID, &ports, &c.Health, &c.RestartCount, &c.Error,
		&c.StartedAt, &lastCheck)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("app container for %s: %w", enrollmentID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ports), &c.Ports); err != nil {
		return nil, fmt.Errorf("decoding ports: %w", err)
	}
	if lastCheck.Valid {
		t := lastCheck.Time
		c.LastHealthCheck = &t
	}
	return c, nil
}

// SaveAppContainer inserts or replaces the app container record.
func (s *Store) SaveAppContainer(ctx context.Context, c *model.AppContainer) error {
	ports, err := json.Marshal(c.Ports)
	if err != nil {
		return fmt.Errorf("encoding ports: %w", err)
	}
	if c.Ports == nil {
		ports = []byte("{}")
	}
	var lastCheck any
	if c.LastHealthCheck != nil {
		lastCheck = *c.LastHealthCheck
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO app_containers (enrollment_id, container_id, ports, health, restart_count,
			error, started_at, last_health_check)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(enrollment_id) DO UPDATE SET
			container_id = excluded.container_id, ports = excluded.ports,
			health = excluded.health, restart_count = excluded.restart_count,
			error = excluded.error, started_at = excluded.started_at,
			last_health_check = excluded.last_health_check`,
		c.EnrollmentID, c.ContainerID, string(ports), c.Health, c.RestartCount,
		c.Error, c.StartedAt, lastCheck,
	)
	return err
}

// DeleteAppContainer removes the app container record, if any.
func (s *Store) DeleteAppContainer(ctx context.Context, enrollmentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM app_containers WHERE enrollment_id = ?`, enrollmentID)
	return err
}

// --- Events ---

// AddEvent inserts a new event and sets its ID.
func (s *Store) AddEvent(ctx context.Context, event *model.Event) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollment_events (enrollment_id, type, data, created_at)
		 VALUES (?, ?, ?, ?)`,
		event.EnrollmentID, event.Type, event.Data, event.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

// GetEvents returns events for an enrollment, optionally after a given event ID.
func (s *Store) GetEvents(ctx context.Context, enrollmentID string, afterID int64) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, enrollment_id, type, data, created_at
		 FROM enrollment_events
		 WHERE enrollment_id = ? AND id > ?
		 ORDER BY id ASC`,
		enrollmentID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e := &model.Event{}
		if err := rows.Scan(&e.ID, &e.EnrollmentID, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanTrack(row scannable, what string) (*model.Track, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", what, store.ErrNotFound)
		}
		return nil, err
	}
	t := &model.Track{}
	if err := json.Unmarshal([]byte(doc), t); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", what, err)
	}
	return t, nil
}

func scanEnrollment(row scannable) (*model.Enrollment, error) {
	e := &model.Enrollment{}
	var env string
	var completedAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.LearnerID, &e.TrackID, &e.CurrentStep, &env, &e.SandboxID,
		&e.StartedAt, &completedAt, &e.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(env), &e.Environment); err != nil {
		return nil, fmt.Errorf("decoding environment: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	return e, nil
}

func (s *Store) execOne(ctx context.Context, what, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return nil
}

func marshalEnv(env map[string]string) (string, error) {
	if env == nil {
		return "{}", nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding environment: %w", err)
	}
	return string(data), nil
}

func nonNilCookies(c []model.Cookie) []model.Cookie {
	if c == nil {
		return []model.Cookie{}
	}
	return c
}
