package recording

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"liveclass/internal/session"
	"liveclass/pkg/types"
)

var testStart = time.Date(2024, 6, 3, 16, 0, 0, 0, time.UTC)

// Mock RecordingProvider for testing
type mockProvider struct {
	mu         sync.Mutex
	enabled    bool
	next       int
	live       map[string]bool // sid -> running
	acquireErr error
	startErr   error
	stopErr    error
	queryErr   error
	queryErrN  int // fail this many queries, then succeed

	acquires int
	starts   int
	stops    []string
	queries  int
}

func newMockProvider() *mockProvider {
	return &mockProvider{enabled: true, live: make(map[string]bool)}
}

func (m *mockProvider) Enabled() bool { return m.enabled }

func (m *mockProvider) Acquire(ctx context.Context, channel string, uid int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquires++
	if m.acquireErr != nil {
		return "", m.acquireErr
	}
	return fmt.Sprintf("rid-%s-%d", channel, uid), nil
}

func (m *mockProvider) Start(ctx context.Context, channel string, uid int, resourceID, token string, composite bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	if m.startErr != nil {
		return "", m.startErr
	}
	m.next++
	sid := fmt.Sprintf("sid-%d", m.next)
	m.live[sid] = true
	return sid, nil
}

func (m *mockProvider) Stop(ctx context.Context, channel string, uid int, resourceID, sid string, composite bool) (*types.ProviderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append(m.stops, sid)
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	if !m.live[sid] {
		return nil, ErrAlreadyStopped
	}
	delete(m.live, sid)
	return &types.ProviderStatus{ResourceID: resourceID, SID: sid}, nil
}

func (m *mockProvider) Query(ctx context.Context, resourceID, sid string, composite bool) (*types.ProviderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	if m.queryErrN > 0 {
		m.queryErrN--
		return nil, errors.New("transient query failure")
	}
	if !m.live[sid] {
		return nil, nil
	}
	return &types.ProviderStatus{ResourceID: resourceID, SID: sid}, nil
}

func (m *mockProvider) setLive(sid string, live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[sid] = live
}

// Mock RecordingStore for testing
type mockStore struct {
	mu        sync.Mutex
	records   map[string]*types.RecordingRecord // sid -> record
	updateErr map[string]error
	updates   int
}

func newMockStore(recs ...*types.RecordingRecord) *mockStore {
	s := &mockStore{records: make(map[string]*types.RecordingRecord), updateErr: make(map[string]error)}
	for _, r := range recs {
		if r.ID == "" {
			r.ID = "id-" + r.SID
		}
		s.records[r.SID] = r
	}
	return s
}

func (s *mockStore) CreateRecording(ctx context.Context, rec *types.RecordingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = "id-" + rec.SID
	}
	cp := *rec
	s.records[rec.SID] = &cp
	return nil
}

func (s *mockStore) FindRecordingBySID(ctx context.Context, sid string) (*types.RecordingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[sid]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *mockStore) ListRecordingsByState(ctx context.Context, states ...types.RecordingStatus) ([]*types.RecordingRecord, error) {
	return s.filter(func(r *types.RecordingRecord) bool {
		for _, st := range states {
			if r.State == st {
				return true
			}
		}
		return false
	}), nil
}

func (s *mockStore) ListRecordingsMissingEndTime(ctx context.Context) ([]*types.RecordingRecord, error) {
	return s.filter(func(r *types.RecordingRecord) bool {
		return r.EndTime == nil && r.Finished()
	}), nil
}

func (s *mockStore) ListRecordingsByAcronym(ctx context.Context, acronym string) ([]*types.RecordingRecord, error) {
	return s.filter(func(r *types.RecordingRecord) bool { return r.Acronym == acronym }), nil
}

func (s *mockStore) UpdateRecording(ctx context.Context, rec *types.RecordingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	if err := s.updateErr[rec.SID]; err != nil {
		return err
	}
	cp := *rec
	s.records[rec.SID] = &cp
	return nil
}

func (s *mockStore) get(sid string) *types.RecordingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[sid]
}

func (s *mockStore) filter(keep func(*types.RecordingRecord) bool) []*types.RecordingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.RecordingRecord
	for _, r := range s.records {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

// Mock CopyJobPublisher for testing
type mockPublisher struct {
	mu   sync.Mutex
	jobs []*types.CopyJob
	err  error
}

func (p *mockPublisher) PublishCopyJob(ctx context.Context, job *types.CopyJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

// Mock DefinitionSource for testing
type mockSource struct {
	defs map[string]*types.SessionDefinition
}

func (m *mockSource) FindClassSession(ctx context.Context, acronym string) (*types.SessionDefinition, error) {
	return m.defs[acronym], nil
}

func (m *mockSource) FindAdHocSession(ctx context.Context, acronym string) (*types.SessionDefinition, error) {
	return nil, nil
}

type mutableClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *mutableClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func classDefinition(acronym string) *types.SessionDefinition {
	d := &types.SessionDefinition{
		Acronym: acronym,
		Kind:    types.SessionClass,
		Class:   &types.ClassDetails{ClassID: "c1", ClassName: "Movers"},
	}
	d.SetStartTime(testStart, 60, 15, "UTC")
	return d
}

type fixture struct {
	provider  *mockProvider
	store     *mockStore
	publisher *mockPublisher
	clock     *mutableClock
	registry  *session.Registry
	orch      *Orchestrator
}

func newFixture(acronyms ...string) *fixture {
	src := &mockSource{defs: make(map[string]*types.SessionDefinition)}
	for _, a := range acronyms {
		src.defs[a] = classDefinition(a)
	}
	f := &fixture{
		provider:  newMockProvider(),
		store:     newMockStore(),
		publisher: &mockPublisher{},
		clock:     &mutableClock{t: testStart},
	}
	f.registry = session.NewRegistry(src, session.WithClock(f.clock))
	f.orch = NewOrchestrator(f.registry, NewService(f.provider, NewTokenSigner("secret", time.Hour)),
		WithStore(f.store),
		WithPublisher(f.publisher, NewTokenSigner("secret", time.Hour)),
		WithNow(f.clock.Now),
	)
	return f
}

// state resolves acronym through the registry.
func (f *fixture) state(acronym string) *session.State {
	st, err := f.registry.GetOrCreate(context.Background(), acronym)
	if err != nil {
		panic(err)
	}
	return st
}
