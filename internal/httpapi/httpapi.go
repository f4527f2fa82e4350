// Package httpapi exposes the LiveLabs engine over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jxucoder/livelabs/internal/appstate"
	"github.com/jxucoder/livelabs/internal/engine"
	"github.com/jxucoder/livelabs/internal/metrics"
	"github.com/jxucoder/livelabs/internal/shell"
	"github.com/jxucoder/livelabs/pkg/labserr"
	"github.com/jxucoder/livelabs/pkg/model"
)

// LearnerHeader carries the authenticated learner id set by the auth proxy.
const LearnerHeader = "X-Learner-ID"

// DefaultRequestTimeout applies when New is given no request timeout.
const DefaultRequestTimeout = 6 * time.Minute

// Server is the LiveLabs HTTP API.
type Server struct {
	engine  *engine.Engine
	shell   *shell.Gateway
	metrics *metrics.Metrics
	logger  *slog.Logger
	timeout time.Duration
	router  chi.Router
}

// New creates a Server. gw may be nil to disable the shell endpoint.
// timeout bounds non-streaming requests and must outlast the script and init
// timeouts.
func New(eng *engine.Engine, gw *shell.Gateway, m *metrics.Metrics, logger *slog.Logger, timeout time.Duration) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	s := &Server{
		engine:  eng,
		shell:   gw,
		metrics: m,
		logger:  logger,
		timeout: timeout,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		// Streaming endpoints run without a request timeout.
		r.Get("/enrollments/{id}/events", s.handleEvents)
		r.Get("/enrollments/{id}/app/events", s.handleAppEvents)
		r.Get("/enrollments/{id}/shell", s.handleShell)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))

			r.Get("/tracks", s.handleListTracks)
			r.Get("/tracks/{slug}", s.handleGetTrack)

			r.Post("/enrollments", s.handleCreateEnrollment)
			r.Get("/enrollments", s.handleListEnrollments)
			r.Get("/enrollments/{id}", s.handleGetEnrollment)
			r.Patch("/enrollments/{id}/environment", s.handleUpdateEnvironment)
			r.Delete("/enrollments/{id}", s.handleDeleteEnrollment)

			r.Get("/enrollments/{id}/steps", s.handleSteps)
			r.Post("/enrollments/{id}/steps/{order}/execute", s.handleExecute)
			r.Get("/enrollments/{id}/steps/{order}/history", s.handleHistory)
			r.Post("/enrollments/{id}/steps/{order}/auto-setup", s.handleAutoSetup)

			r.Get("/enrollments/{id}/app", s.handleAppOpen)
			r.Post("/enrollments/{id}/app/init", s.appAction(s.engine.Apps().Init))
			r.Post("/enrollments/{id}/app/start", s.appAction(s.engine.Apps().Start))
			r.Post("/enrollments/{id}/app/restart", s.appAction(s.engine.Apps().Restart))
			r.Post("/enrollments/{id}/app/stop", s.appAction(s.engine.Apps().Stop))
			r.Get("/enrollments/{id}/app/open", s.handleAppRedirect)
		})
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// requestLogger logs one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// --- Request/Response types ---

type createEnrollmentRequest struct {
	LearnerID   string            `json:"learner_id"`
	Track       string            `json:"track"`
	Environment map[string]string `json:"environment,omitempty"`
}

type updateEnvironmentRequest struct {
	Environment map[string]string `json:"environment"`
}

type executeRequest struct {
	ScriptType string `json:"script_type"`
}

type enrollmentResponse struct {
	*model.Enrollment
	TrackSlug  string `json:"track_slug,omitempty"`
	TotalSteps int    `json:"total_steps"`
}

type errorResponse struct {
	Error string       `json:"error"`
	Kind  labserr.Kind `json:"kind,omitempty"`
}

// --- Tracks ---

func (s *Server) handleListTracks(w http.ResponseWriter, r *http.Request) {
	tracks, err := s.engine.ListTracks(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	out := make([]*model.Track, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t.Public())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTrack(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.GetTrack(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Public())
}

// --- Enrollments ---

func (s *Server) handleCreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req createEnrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if learner := r.Header.Get(LearnerHeader); learner != "" {
		if req.LearnerID != "" && req.LearnerID != learner {
			writeError(w, http.StatusForbidden, "cannot enroll another learner")
			return
		}
		req.LearnerID = learner
	}
	if req.Track == "" {
		writeError(w, http.StatusBadRequest, "track is required")
		return
	}

	en, err := s.engine.CreateEnrollment(r.Context(), req.LearnerID, req.Track, req.Environment)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeEnrollment(w, r, http.StatusCreated, en)
}

func (s *Server) handleListEnrollments(w http.ResponseWriter, r *http.Request) {
	learner := r.URL.Query().Get("learner")
	if h := r.Header.Get(LearnerHeader); h != "" {
		if learner != "" && learner != h {
			writeError(w, http.StatusForbidden, "cannot list another learner's enrollments")
			return
		}
		learner = h
	}
	list, err := s.engine.ListEnrollments(r.Context(), learner)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if list == nil {
		list = []*model.Enrollment{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	en, ok := s.enrollment(w, r)
	if !ok {
		return
	}
	s.writeEnrollment(w, r, http.StatusOK, en)
}

func (s *Server) handleUpdateEnvironment(w http.ResponseWriter, r *http.Request) {
	en, ok := s.enrollment(w, r)
	if !ok {
		return
	}
	var req updateEnvironmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := s.engine.UpdateEnvironment(r.Context(), en.ID, req.Environment)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeEnrollment(w, r, http.StatusOK, updated)
}

func (s *Server) handleDeleteEnrollment(w http.ResponseWriter, r *http.Request) {
	en, ok := s.enrollment(w, r)
	if !ok {
		return
	}
	if err := s.engine.DeleteEnrollment(r.Context(), en.ID); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Steps ---

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	en, ok := s.enrollment(w, r)
	if !ok {
		return
	}
	steps, err := s.engine.Steps(r.Context(), en.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	en, ok := s.enrollment(w, r)
	if !ok {
		return
	}
	order, ok := stepOrder(w, r)
	if !ok {
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.engine.Execute(r.Context(), en.ID, order, model.ScriptType(req.ScriptType))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	en, ok := s.enrollment(w, r)
	if !ok {
		return
	}
	order, ok := stepOrder(w, r)
	if !ok {
		return
	}
	history, err := s.engine.History(r.Context(), en.ID, order)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if history == nil {
		history = []*model.Execution{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleAutoSetup(w http.ResponseWriter, r *http.Request) {
	en, ok := s.enrollment(w, r)
	if !ok {
		return
	}
	order, ok := stepOrder(w, r)
	if !ok {
		return
	}
	res, err := s.engine.AutoSetup(r.Context(), en.ID, order)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- App window ---

// handleAppOpen derives the app state for a session open, starting the
// one-time initialization when it is due.
func (s *Server) handleAppOpen(w http.ResponseWriter, r *http.Request) {
	en, ok := s.enrollment(w, r)
	if !ok {
		return
	}
	snap, err := s.engine.Apps().Open(r.Context(), en.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// appAction serves a container operation that answers with a snapshot.
func (s *Server) appAction(fn func(ctx context.Context, enrollmentID string) (appstate.Snapshot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		en, ok := s.enrollment(w, r)
		if !ok {
			return
		}
		snap, err := fn(r.Context(), en.ID)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// handleAppRedirect sets the app's login cookies and redirects to its URL.
func (s *Server) handleAppRedirect(w http.ResponseWriter, r *http.Request) {
	en, ok := s.enrollment(w, r)
	if !ok {
		return
	}
	snap, err := s.engine.Apps().Open(r.Context(), en.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if snap.URL == "" || (snap.State != appstate.Ready && snap.State != appstate.Running) {
		writeJSON(w, http.StatusConflict, struct {
			errorResponse
			App appstate.Snapshot `json:"app"`
		}{errorResponse{Error: fmt.Sprintf("app is %s", snap.State)}, snap})
		return
	}
	for _, c := range snap.Cookies {
		http.SetCookie(w, httpCookie(c))
	}
	http.Redirect(w, r, snap.URL, http.StatusFound)
}

func httpCookie(c model.Cookie) *http.Cookie {
	path := c.Path
	if path == "" {
		path = "/"
	}
	return &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     path,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
		SameSite: http.SameSiteLaxMode,
	}
}

// --- Streams ---

// handleEvents streams the enrollment's event log: history first, then live
// events. Last-Event-ID resumes after a given event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	en, ok := s.enrollment(w, r)
	if !ok {
		return
	}
	var after int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		after, _ = strconv.ParseInt(v, 10, 64)
	}
	s.stream(w, r, en.ID, func(flush func(*model.Event)) {
		events, err := s.engine.Store().GetEvents(r.Context(), en.ID, after)
		if err != nil {
			s.logger.Warn("loading event history", "enrollment_id", en.ID, "error", err)
			return
		}
		for _, e := range events {
			flush(e)
		}
	}, nil)
}

// handleAppEvents streams app status snapshots: the current one, then every
// change observed by the poller.
func (s *Server) handleAppEvents(w http.ResponseWriter, r *http.Request) {
	en, ok := s.enrollment(w, r)
	if !ok {
		return
	}
	s.stream(w, r, en.ID, func(flush func(*model.Event)) {
		snap, err := s.engine.Apps().Status(r.Context(), en.ID)
		if err != nil {
			s.logger.Warn("deriving app status", "enrollment_id", en.ID, "error", err)
			return
		}
		data, _ := json.Marshal(snap)
		flush(&model.Event{EnrollmentID: en.ID, Type: model.EventStatus, Data: string(data), CreatedAt: time.Now().UTC()})
		s.engine.Apps().Poller().Ensure(en.ID, snap)
	}, func(e *model.Event) bool { return e.Type == model.EventStatus })
}

// stream writes Server-Sent Events until the client goes away. prime runs
// after subscribing so nothing published in between is lost.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, id string, prime func(flush func(*model.Event)), keep func(*model.Event) bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	bus := s.engine.Bus()
	ch := bus.Subscribe(id)
	defer bus.Unsubscribe(id, ch)

	prime(func(e *model.Event) { writeSSE(w, e) })
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if keep != nil && !keep(event) {
				continue
			}
			writeSSE(w, event)
			flusher.Flush()
		}
	}
}

func (s *Server) handleShell(w http.ResponseWriter, r *http.Request) {
	if s.shell == nil {
		writeError(w, http.StatusNotFound, "shell is disabled")
		return
	}
	en, ok := s.enrollment(w, r)
	if !ok {
		return
	}
	env, err := s.engine.PrepareShell(r.Context(), en.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.shell.Serve(w, r, en.ID, env)
}

// --- helpers ---

// enrollment loads the {id} enrollment and checks that the calling learner
// owns it. It writes the error response and reports false on failure.
func (s *Server) enrollment(w http.ResponseWriter, r *http.Request) (*model.Enrollment, bool) {
	en, err := s.engine.GetEnrollment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return nil, false
	}
	if learner := r.Header.Get(LearnerHeader); learner != "" && learner != en.LearnerID {
		writeError(w, http.StatusForbidden, "enrollment belongs to another learner")
		return nil, false
	}
	return en, true
}

func (s *Server) writeEnrollment(w http.ResponseWriter, r *http.Request, status int, en *model.Enrollment) {
	resp := enrollmentResponse{Enrollment: en}
	if t, err := s.engine.Store().GetTrack(r.Context(), en.TrackID); err == nil {
		resp.TrackSlug = t.Slug
		resp.TotalSteps = t.TotalSteps()
	}
	writeJSON(w, status, resp)
}

func stepOrder(w http.ResponseWriter, r *http.Request) (int, bool) {
	order, err := strconv.Atoi(chi.URLParam(r, "order"))
	if err != nil || order < 1 {
		writeError(w, http.StatusBadRequest, "step order must be a positive integer")
		return 0, false
	}
	return order, true
}

// StatusCode maps an error to its HTTP status.
func StatusCode(err error) int {
	switch labserr.KindOf(err) {
	case labserr.KindNotFound:
		return http.StatusNotFound
	case labserr.KindForbidden:
		return http.StatusForbidden
	case labserr.KindInvalid:
		return http.StatusBadRequest
	case labserr.KindConflict, labserr.KindContainerRuntime:
		return http.StatusConflict
	case labserr.KindTransport:
		return http.StatusServiceUnavailable
	case labserr.KindInitialization, labserr.KindValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: labserr.KindOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w http.ResponseWriter, event *model.Event) {
	data, _ := json.Marshal(event)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, string(data))
}
