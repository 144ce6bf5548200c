package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"liveclass/internal/cache"
	"liveclass/internal/recording"
	"liveclass/internal/session"
	"liveclass/internal/storage"
	"liveclass/pkg/types"
)

var testStart = time.Date(2024, 6, 3, 16, 0, 0, 0, time.UTC)

type fakeSource struct{}

func (fakeSource) FindClassSession(ctx context.Context, acronym string) (*types.SessionDefinition, error) {
	if !strings.HasPrefix(acronym, "CLS") {
		return nil, nil
	}
	d := &types.SessionDefinition{Acronym: acronym, Kind: types.SessionClass, Class: &types.ClassDetails{ClassID: "c1"}}
	d.SetStartTime(testStart, 60, 15, "UTC")
	return d, nil
}

func (fakeSource) FindAdHocSession(ctx context.Context, acronym string) (*types.SessionDefinition, error) {
	return nil, nil
}

type fakeConnections struct {
	notified []*types.Event
}

func (c *fakeConnections) Notify(group string, evt *types.Event) int {
	c.notified = append(c.notified, evt)
	return 2
}

func (c *fakeConnections) GroupSize(group string) int { return 3 }

func (c *fakeConnections) GetStats() map[string]int {
	return map[string]int{"total_connections": 3, "groups": 1}
}

type fakeRecorder struct {
	events    []*types.Event
	callbacks []*recording.CallbackPayload
	copied    []*types.CopyComplete
	err       error
}

func (r *fakeRecorder) ManageSession(ctx context.Context, st *session.State) []*types.Event {
	return r.events
}

func (r *fakeRecorder) HandleProviderCallback(ctx context.Context, p *recording.CallbackPayload) error {
	r.callbacks = append(r.callbacks, p)
	return r.err
}

func (r *fakeRecorder) HandleCopyComplete(ctx context.Context, c *types.CopyComplete) error {
	r.copied = append(r.copied, c)
	return r.err
}

type fakeStore struct {
	recs []*types.RecordingRecord
}

func (s *fakeStore) CreateRecording(ctx context.Context, rec *types.RecordingRecord) error { return nil }
func (s *fakeStore) FindRecordingBySID(ctx context.Context, sid string) (*types.RecordingRecord, error) {
	return nil, nil
}
func (s *fakeStore) ListRecordingsByState(ctx context.Context, states ...types.RecordingStatus) ([]*types.RecordingRecord, error) {
	return nil, nil
}
func (s *fakeStore) ListRecordingsMissingEndTime(ctx context.Context) ([]*types.RecordingRecord, error) {
	return nil, nil
}
func (s *fakeStore) ListRecordingsByAcronym(ctx context.Context, acronym string) ([]*types.RecordingRecord, error) {
	return s.recs, nil
}
func (s *fakeStore) UpdateRecording(ctx context.Context, rec *types.RecordingRecord) error { return nil }

type fakeFiles struct{}

func (fakeFiles) RecordingFiles(ctx context.Context, rec *types.RecordingRecord) ([]storage.File, error) {
	return []storage.File{{Key: rec.SID + "/a.m3u8", Size: 10, URL: "https://archive.test/a.m3u8"}}, nil
}

type fakeDB struct{ err error }

func (d fakeDB) HealthCheck(ctx context.Context) error { return d.err }

type fixture struct {
	srv      *Server
	sessions *session.Registry
	conns    *fakeConnections
	recorder *fakeRecorder
	store    *fakeStore
	deps     Deps
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		sessions: session.NewRegistry(fakeSource{}, session.WithClock(session.FixedClock(testStart))),
		conns:    &fakeConnections{},
		recorder: &fakeRecorder{},
		store:    &fakeStore{},
	}
	f.deps = Deps{
		Sessions:    f.sessions,
		Connections: f.conns,
		Recorder:    f.recorder,
		Store:       f.store,
		Database:    fakeDB{},
		Cache:       cache.NewMemory(),
		Files:       fakeFiles{},
		Logger:      zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&f.deps)
	}
	f.srv = NewServer(f.deps)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestServer_HealthCheck(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	h := decode[HealthResponse](t, rec)
	if h.Status != "healthy" || h.Cache != "healthy" || h.Connections["total_connections"] != 3 {
		t.Errorf("health = %+v", h)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("content type = %s", rec.Header().Get("Content-Type"))
	}

	down := newFixture(t, func(d *Deps) {
		d.Database = fakeDB{err: errors.New("disk I/O error")}
		d.Cache = nil
	})
	rec = down.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d", rec.Code)
	}
	h = decode[HealthResponse](t, rec)
	if !strings.Contains(h.Database, "disk I/O") || h.Cache != "disabled" {
		t.Errorf("health = %+v", h)
	}
}

func TestServer_GetSession(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/sessions/CLS1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	s := decode[SessionResponse](t, rec)
	if s.Session.Acronym != "CLS1" || !s.IsOpen || s.ConnectionCount != 3 {
		t.Errorf("session = %+v", s)
	}
	if s.Session.RecordingState != types.RecordingOff {
		t.Errorf("recording state = %s", s.Session.RecordingState)
	}

	if rec := f.do(t, http.MethodGet, "/api/sessions/NOPE", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/sessions/bad!", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid acronym status = %d", rec.Code)
	}
}

func TestServer_ListAndRemoveSessions(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/sessions/CLS2", "")
	f.do(t, http.MethodGet, "/api/sessions/CLS1", "")

	list := decode[ListSessionsResponse](t, f.do(t, http.MethodGet, "/api/sessions", ""))
	if len(list.Sessions) != 2 || list.Sessions[0].Session.Acronym != "CLS1" {
		t.Fatalf("sessions = %+v", list.Sessions)
	}

	if rec := f.do(t, http.MethodDelete, "/api/sessions/CLS1", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	list = decode[ListSessionsResponse](t, f.do(t, http.MethodGet, "/api/sessions", ""))
	if len(list.Sessions) != 1 || list.Sessions[0].Session.Acronym != "CLS2" {
		t.Errorf("after delete = %+v", list.Sessions)
	}
	if rec := f.do(t, http.MethodDelete, "/api/sessions/CLS1", ""); rec.Code != http.StatusOK {
		t.Errorf("repeated delete status = %d", rec.Code)
	}
}

func TestServer_SetSessionTime(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sessions/CLS1/time", `{"time":"2024-06-03T20:00:00Z"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	s := decode[SessionResponse](t, rec)
	if !s.EffectiveTime.Equal(time.Date(2024, 6, 3, 20, 0, 0, 0, time.UTC)) || s.IsOpen {
		t.Errorf("after forcing time: %+v", s)
	}
	if s.Session.Revision < 2 {
		t.Error("time change was not persisted")
	}

	s = decode[SessionResponse](t, f.do(t, http.MethodPost, "/api/sessions/CLS1/time", `{"time":null}`))
	if !s.EffectiveTime.Equal(testStart) || !s.IsOpen {
		t.Errorf("after reset: %+v", s)
	}

	for _, body := range []string{`{"time":"yesterday"}`, `not json`} {
		if rec := f.do(t, http.MethodPost, "/api/sessions/CLS1/time", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", body, rec.Code)
		}
	}
}

func TestServer_ManageSession(t *testing.T) {
	f := newFixture(t)
	f.recorder.events = []*types.Event{types.NewEvent(types.ClassNotify, types.EventRecording, "*", "CLS1", "on")}

	rec := f.do(t, http.MethodPost, "/api/sessions/CLS1/manage", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	m := decode[ManageResponse](t, rec)
	if len(m.Events) != 1 || m.Delivered != 2 || len(f.conns.notified) != 1 {
		t.Errorf("manage = %+v notified=%d", m, len(f.conns.notified))
	}

	f.recorder.events = nil
	m = decode[ManageResponse](t, f.do(t, http.MethodPost, "/api/sessions/CLS1/manage", ""))
	if m.Events == nil || len(m.Events) != 0 {
		t.Errorf("no-op manage = %+v", m)
	}
}

func TestServer_RecordingCallbacks(t *testing.T) {
	f := newFixture(t)

	body := `{"noticeId":"n1","eventType":40,"sid":"sid-1","payload":{"cname":"CLS1","sid":"sid-1"}}`
	if rec := f.do(t, http.MethodPost, "/api/recording/callback", body); rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d", rec.Code)
	}
	if len(f.recorder.callbacks) != 1 || f.recorder.callbacks[0].EventType != recording.EventRecorderStarted ||
		f.recorder.callbacks[0].Payload.Cname != "CLS1" {
		t.Errorf("callbacks = %+v", f.recorder.callbacks)
	}

	if rec := f.do(t, http.MethodPost, "/api/recording/copied", `{"sid":"sid-1","acronym":"CLS1","isEmpty":true}`); rec.Code != http.StatusOK {
		t.Fatalf("copied status = %d", rec.Code)
	}
	if len(f.recorder.copied) != 1 || !f.recorder.copied[0].IsEmpty {
		t.Errorf("copied = %+v", f.recorder.copied)
	}

	f.recorder.err = recording.ErrUnknownSession
	if rec := f.do(t, http.MethodPost, "/api/recording/copied", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown session status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/recording/callback", `[`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad JSON status = %d", rec.Code)
	}
}

func TestServer_RecordingFiles(t *testing.T) {
	f := newFixture(t)
	f.store.recs = []*types.RecordingRecord{
		{SID: "sid-1", Acronym: "CLS1", State: types.StatusUploaded},
		{SID: "sid-2", Acronym: "CLS1", State: types.StatusOngoing},
	}

	rec := f.do(t, http.MethodGet, "/api/recording/CLS1/files", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	r := decode[RecordingFilesResponse](t, rec)
	if len(r.Recordings) != 2 {
		t.Fatalf("recordings = %+v", r.Recordings)
	}
	if len(r.Recordings[0].Files) != 1 || r.Recordings[0].Files[0].Key != "sid-1/a.m3u8" {
		t.Errorf("uploaded files = %+v", r.Recordings[0].Files)
	}
	if len(r.Recordings[1].Files) != 0 {
		t.Errorf("files listed for an ongoing recording: %+v", r.Recordings[1].Files)
	}

	noStore := newFixture(t, func(d *Deps) { d.Store = nil })
	if rec := noStore.do(t, http.MethodGet, "/api/recording/CLS1/files", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no store status = %d", rec.Code)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodOptions, "/api/sessions", "")
	if rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS headers missing")
	}
}

func TestServer_WebSocketRoute(t *testing.T) {
	called := false
	f := newFixture(t, func(d *Deps) {
		d.WebSocket = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusSwitchingProtocols)
		})
	})
	f.do(t, http.MethodGet, "/ws?user_id=u1", "")
	if !called {
		t.Error("websocket handler not mounted")
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("resolve: %w", session.ErrSessionNotFound), http.StatusNotFound},
		{recording.ErrUnknownSession, http.StatusBadRequest},
		{recording.ErrInvalidTarget, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{fmt.Errorf("stop: %w", recording.ErrProviderResponse), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
