package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"liveclass/internal/recording"
	"liveclass/internal/session"
	"liveclass/internal/storage"
	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

// Connections is the websocket side as seen by the API.
type Connections interface {
	interfaces.GroupNotifier
	GroupSize(group string) int
	GetStats() map[string]int
}

// Recorder is the recording orchestration the API triggers.
type Recorder interface {
	ManageSession(ctx context.Context, st *session.State) []*types.Event
	HandleProviderCallback(ctx context.Context, p *recording.CallbackPayload) error
	HandleCopyComplete(ctx context.Context, c *types.CopyComplete) error
}

// FileLister resolves a recording's archived files.
type FileLister interface {
	RecordingFiles(ctx context.Context, rec *types.RecordingRecord) ([]storage.File, error)
}

// HealthChecker reports whether a backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the components the server exposes. Cache, Files and WebSocket
// may be nil.
type Deps struct {
	Sessions    *session.Registry
	Connections Connections
	Recorder    Recorder
	Store       interfaces.RecordingStore
	Database    HealthChecker
	Cache       interfaces.Cache
	Files       FileLister
	WebSocket   http.Handler
	Logger      zerolog.Logger
}

// Server is the operational HTTP surface.
// ARCHITECTURAL DISCOVERY: HTTP handling and JSON serialization only; every
// decision is delegated to the registry or the orchestrator
type Server struct {
	deps   Deps
	logger zerolog.Logger
	router *http.ServeMux
}

// NewServer builds the server and its routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "api").Logger(),
		router: http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := func(pattern string, h http.HandlerFunc) {
		s.router.Handle(pattern, s.logMiddleware(s.corsMiddleware(s.jsonMiddleware(h))))
	}

	api("GET /health", s.healthCheck)
	api("GET /api/sessions", s.listSessions)
	api("GET /api/sessions/{acronym}", s.getSession)
	api("DELETE /api/sessions/{acronym}", s.removeSession)
	api("POST /api/sessions/{acronym}/time", s.setSessionTime)
	api("POST /api/sessions/{acronym}/manage", s.manageSession)
	api("POST /api/recording/callback", s.recordingCallback)
	api("POST /api/recording/copied", s.copyComplete)
	api("GET /api/recording/{acronym}/files", s.recordingFiles)
	api("OPTIONS /", func(w http.ResponseWriter, r *http.Request) {})

	if s.deps.WebSocket != nil {
		s.router.Handle("GET /ws", s.logMiddleware(s.deps.WebSocket))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type SessionResponse struct {
	Session         session.Data `json:"session"`
	EffectiveTime   time.Time    `json:"effective_time"`
	IsOpen          bool         `json:"is_open"`
	ConnectionCount int          `json:"connection_count"`
}

type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type SetTimeRequest struct {
	Time *string `json:"time"`
}

type ManageResponse struct {
	Events    []*types.Event `json:"events"`
	Delivered int            `json:"delivered"`
}

type RecordingFiles struct {
	Recording *types.RecordingRecord `json:"recording"`
	Files     []storage.File         `json:"files"`
	Error     string                 `json:"error,omitempty"`
}

type RecordingFilesResponse struct {
	Acronym    string           `json:"acronym"`
	Recordings []RecordingFiles `json:"recordings"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Cache       string         `json:"cache"`
	Connections map[string]int `json:"connections"`
	Sessions    int            `json:"sessions"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// describe snapshots st under its lock.
func (s *Server) describe(ctx context.Context, st *session.State) (SessionResponse, error) {
	var resp SessionResponse
	err := st.WithLock(ctx, func() error {
		resp = SessionResponse{
			Session:       st.Snapshot(),
			EffectiveTime: st.EffectiveTime(),
			IsOpen:        st.IsOpen(),
		}
		return nil
	})
	if s.deps.Connections != nil {
		resp.ConnectionCount = s.deps.Connections.GroupSize(st.Acronym)
	}
	return resp, err
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	states, err := s.deps.Sessions.All(r.Context())
	if err != nil {
		s.sendErr(w, r, err)
		return
	}

	resp := ListSessionsResponse{Sessions: make([]SessionResponse, 0, len(states))}
	for _, st := range states {
		d, err := s.describe(r.Context(), st)
		if err != nil {
			s.sendErr(w, r, err)
			return
		}
		resp.Sessions = append(resp.Sessions, d)
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resolve(w, r)
	if !ok {
		return
	}
	d, err := s.describe(r.Context(), st)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, d)
}

func (s *Server) removeSession(w http.ResponseWriter, r *http.Request) {
	acronym := r.PathValue("acronym")
	if !types.IsValidAcronym(acronym) {
		s.sendError(w, "Invalid session acronym", http.StatusBadRequest)
		return
	}
	if err := s.deps.Sessions.Remove(r.Context(), acronym); err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "Session removed"})
}

func (s *Server) setSessionTime(w http.ResponseWriter, r *http.Request) {
	var req SetTimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	var effective *time.Time
	if req.Time != nil {
		t, err := time.Parse(time.RFC3339, *req.Time)
		if err != nil {
			s.sendError(w, "time must be RFC 3339", http.StatusBadRequest)
			return
		}
		effective = &t
	}

	st, ok := s.resolve(w, r)
	if !ok {
		return
	}
	err := st.WithLock(r.Context(), func() error {
		st.SetEffectiveTime(effective)
		return s.deps.Sessions.Persist(r.Context(), st)
	})
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("acronym", st.Acronym).Msg("Effective time change not persisted")
	}

	d, err := s.describe(r.Context(), st)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, d)
}

func (s *Server) manageSession(w http.ResponseWriter, r *http.Request) {
	st, ok := s.resolve(w, r)
	if !ok {
		return
	}
	resp := ManageResponse{Events: s.deps.Recorder.ManageSession(r.Context(), st)}
	if resp.Events == nil {
		resp.Events = []*types.Event{}
	}
	for _, evt := range resp.Events {
		resp.Delivered += s.deps.Connections.Notify(evt.SessionID, evt)
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) recordingCallback(w http.ResponseWriter, r *http.Request) {
	var p recording.CallbackPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := s.deps.Recorder.HandleProviderCallback(r.Context(), &p); err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

func (s *Server) copyComplete(w http.ResponseWriter, r *http.Request) {
	var c types.CopyComplete
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := s.deps.Recorder.HandleCopyComplete(r.Context(), &c); err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

func (s *Server) recordingFiles(w http.ResponseWriter, r *http.Request) {
	acronym := r.PathValue("acronym")
	if !types.IsValidAcronym(acronym) {
		s.sendError(w, "Invalid session acronym", http.StatusBadRequest)
		return
	}
	if s.deps.Store == nil {
		s.sendError(w, "Recording store not configured", http.StatusServiceUnavailable)
		return
	}

	recs, err := s.deps.Store.ListRecordingsByAcronym(r.Context(), acronym)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}

	resp := RecordingFilesResponse{Acronym: acronym, Recordings: make([]RecordingFiles, 0, len(recs))}
	for _, rec := range recs {
		entry := RecordingFiles{Recording: rec, Files: []storage.File{}}
		if s.deps.Files != nil && rec.State == types.StatusUploaded {
			files, err := s.deps.Files.RecordingFiles(r.Context(), rec)
			if err != nil {
				entry.Error = err.Error()
			} else {
				entry.Files = files
			}
		}
		resp.Recordings = append(resp.Recordings, entry)
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Database:  "healthy",
		Cache:     "disabled",
	}
	if err := s.deps.Database.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = fmt.Sprintf("error: %v", err)
	}
	if s.deps.Cache != nil {
		resp.Cache = "healthy"
		if err := s.deps.Cache.Ping(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Cache = fmt.Sprintf("error: %v", err)
		}
	}
	if s.deps.Connections != nil {
		resp.Connections = s.deps.Connections.GetStats()
	}
	if states, err := s.deps.Sessions.All(ctx); err == nil {
		resp.Sessions = len(states)
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, resp)
}

// resolve finds or creates the session named in the path, writing the
// error response itself.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (*session.State, bool) {
	acronym := r.PathValue("acronym")
	if !types.IsValidAcronym(acronym) {
		s.sendError(w, "Invalid session acronym", http.StatusBadRequest)
		return nil, false
	}
	st, err := s.deps.Sessions.GetOrCreate(r.Context(), acronym)
	if err != nil {
		s.sendErr(w, r, err)
		return nil, false
	}
	return st, true
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

// sendErr maps an internal error to its status code.
func (s *Server) sendErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	s.sendError(w, err.Error(), code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, recording.ErrUnknownSession),
		errors.Is(err, recording.ErrInvalidTarget):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, recording.ErrProviderResponse):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// logMiddleware attaches the request logger to the context.
func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log := s.logger.With().Str("method", r.Method).Str("path", r.URL.Path).Logger()
		next.ServeHTTP(w, r.WithContext(log.WithContext(r.Context())))
		log.Debug().Dur("took", time.Since(start)).Msg("Request served")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
