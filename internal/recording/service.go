package recording

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"liveclass/pkg/interfaces"
)

// Liveness is the provider's answer about one recording.
type Liveness int

const (
	// LiveUnknown means the sid is not tracked here or recording is disabled.
	LiveUnknown Liveness = iota
	LiveActive
	LiveGone
)

func (l Liveness) String() string {
	switch l {
	case LiveActive:
		return "active"
	case LiveGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Recording is one recorder started or adopted by this process.
type Recording struct {
	Channel    string
	UID        int
	Composite  bool
	Token      string
	ResourceID string
	SID        string
	Acquired   time.Time
	Started    time.Time
	Ended      time.Time
	Callbacks  []CallbackPayload
}

// InProgress reports whether the recorder started and has not ended.
func (r *Recording) InProgress() bool { return !r.Started.IsZero() && r.Ended.IsZero() }

func (r *Recording) markAcquired(resourceID string, now time.Time) {
	if !r.Acquired.IsZero() {
		return
	}
	r.ResourceID = resourceID
	r.Acquired = now
}

func (r *Recording) markStarted(sid string, now time.Time) {
	if !r.Started.IsZero() {
		return
	}
	r.SID = sid
	r.Started = now
}

func (r *Recording) markStopped(now time.Time) {
	if !r.Ended.IsZero() {
		return
	}
	r.Ended = now
}

// Service tracks the recordings this process controls and drives the
// provider for them.
type Service struct {
	mu         sync.Mutex
	provider   interfaces.RecordingProvider
	tokens     interfaces.TokenSource
	recordings []*Recording
	now        func() time.Time
}

// NewService creates a tracker over provider.
func NewService(provider interfaces.RecordingProvider, tokens interfaces.TokenSource) *Service {
	return &Service{provider: provider, tokens: tokens, now: time.Now}
}

// Enabled reports whether the provider is live.
func (s *Service) Enabled() bool { return s.provider.Enabled() }

// Begin acquires a resource and starts a recorder on channel. A disabled
// provider returns an empty sid and no error.
func (s *Service) Begin(ctx context.Context, channel string, composite bool) (string, error) {
	log := zerolog.Ctx(ctx).With().Str("component", "recording").Str("acronym", channel).Logger()
	if !s.provider.Enabled() {
		log.Debug().Msg("Recording disabled, not starting")
		return "", nil
	}

	uid := UID(composite)
	token := ""
	if s.tokens != nil {
		t, err := s.tokens.ChannelToken(channel, uid)
		if err != nil {
			return "", fmt.Errorf("channel token: %w", err)
		}
		token = t
	}

	rec := &Recording{Channel: channel, UID: uid, Composite: composite, Token: token}

	resourceID, err := s.provider.Acquire(ctx, channel, uid)
	if err != nil {
		log.Error().Err(err).Msg("Could not acquire recording resource")
		return "", err
	}
	rec.markAcquired(resourceID, s.now())

	sid, err := s.provider.Start(ctx, channel, uid, resourceID, token, composite)
	if err != nil {
		log.Error().Err(err).Str("resource_id", resourceID).Msg("Could not start recording")
		return "", err
	}
	rec.markStarted(sid, s.now())
	s.track(rec)

	log.Info().Str("sid", sid).Msg("Recording started")
	return sid, nil
}

// Recreate adopts a recorder that is already running at the provider, for
// example one started before a restart.
func (s *Service) Recreate(ctx context.Context, channel, resourceID, sid string, composite bool) error {
	if !s.provider.Enabled() {
		return nil
	}
	if rec := s.FindBySID(sid); rec != nil {
		return nil
	}

	uid := UID(composite)
	token := ""
	if s.tokens != nil {
		t, err := s.tokens.ChannelToken(channel, uid)
		if err != nil {
			return fmt.Errorf("channel token: %w", err)
		}
		token = t
	}

	now := s.now()
	rec := &Recording{Channel: channel, UID: uid, Composite: composite, Token: token}
	rec.markAcquired(resourceID, now)
	rec.markStarted(sid, now)
	s.track(rec)

	zerolog.Ctx(ctx).Debug().Str("component", "recording").Str("sid", sid).Msg("Recording association recreated")
	return nil
}

// End stops the recorder for sid and stops tracking it. Unknown sids return
// (nil, nil). A provider that reports the recorder as already stopped counts
// as success; any other failure keeps the recorder tracked.
func (s *Service) End(ctx context.Context, sid string) (*Recording, error) {
	if !s.provider.Enabled() {
		return nil, nil
	}
	rec := s.FindBySID(sid)
	if rec == nil {
		return nil, nil
	}

	s.mu.Lock()
	inProgress := rec.InProgress()
	channel, uid, resourceID, composite := rec.Channel, rec.UID, rec.ResourceID, rec.Composite
	s.mu.Unlock()
	if !inProgress {
		s.release(rec)
		return rec, nil
	}

	_, err := s.provider.Stop(ctx, channel, uid, resourceID, sid, composite)
	if err != nil && !errors.Is(err, ErrAlreadyStopped) {
		return rec, err
	}
	if errors.Is(err, ErrAlreadyStopped) {
		zerolog.Ctx(ctx).Info().Str("component", "recording").Str("sid", sid).Msg("Recording was already stopped")
	}
	s.release(rec)
	return rec, nil
}

// Liveness asks the provider whether sid is still recording.
func (s *Service) Liveness(ctx context.Context, sid string) (Liveness, error) {
	if !s.provider.Enabled() {
		return LiveUnknown, nil
	}
	rec := s.FindBySID(sid)
	if rec == nil {
		return LiveUnknown, nil
	}

	s.mu.Lock()
	resourceID, composite := rec.ResourceID, rec.Composite
	s.mu.Unlock()

	status, err := s.provider.Query(ctx, resourceID, sid, composite)
	if err != nil {
		return LiveUnknown, err
	}
	if status == nil {
		return LiveGone, nil
	}
	return LiveActive, nil
}

// Forget marks a tracked recorder as ended and drops it without calling the
// provider.
func (s *Service) Forget(sid string) {
	if rec := s.FindBySID(sid); rec != nil {
		s.release(rec)
	}
}

// FindBySID returns the most recent tracked recorder with sid.
func (s *Service) FindBySID(sid string) *Recording {
	if sid == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.recordings) - 1; i >= 0; i-- {
		if s.recordings[i].SID == sid {
			return s.recordings[i]
		}
	}
	return nil
}

// ForChannel lists the recorders of a channel, optionally only running ones.
func (s *Service) ForChannel(channel string, onlyActive bool) []*Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Recording
	for _, rec := range s.recordings {
		if rec.Channel == channel && (!onlyActive || rec.InProgress()) {
			out = append(out, rec)
		}
	}
	return out
}

// AppendCallback records a provider callback against its recorder. It
// reports false when the sid is not tracked here.
func (s *Service) AppendCallback(p CallbackPayload) bool {
	rec := s.FindBySID(p.SID)
	if rec == nil {
		return false
	}
	s.update(func() { rec.Callbacks = append(rec.Callbacks, p) })
	return true
}

func (s *Service) track(rec *Recording) {
	s.mu.Lock()
	s.recordings = append(s.recordings, rec)
	s.mu.Unlock()
}

// release marks rec stopped and removes it from the tracked set.
func (s *Service) release(rec *Recording) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.markStopped(s.now())
	s.recordings = slices.DeleteFunc(s.recordings, func(r *Recording) bool { return r == rec })
}

// Len is the number of tracked recorders.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recordings)
}

func (s *Service) update(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
}

// Query passes a liveness query straight to the provider, tracked or not.
func (s *Service) Query(ctx context.Context, resourceID, sid string, composite bool) (bool, error) {
	status, err := s.provider.Query(ctx, resourceID, sid, composite)
	if err != nil {
		return false, err
	}
	return status != nil, nil
}

// StopUntracked stops a recorder this process never tracked, using the
// resource id from the durable log.
func (s *Service) StopUntracked(ctx context.Context, channel, resourceID, sid string, composite bool) error {
	if !s.provider.Enabled() {
		return nil
	}
	_, err := s.provider.Stop(ctx, channel, UID(composite), resourceID, sid, composite)
	if errors.Is(err, ErrAlreadyStopped) {
		return nil
	}
	return err
}
