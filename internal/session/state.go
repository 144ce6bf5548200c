package session

import (
	"context"
	"slices"
	"strings"
	"time"

	"liveclass/internal/lock"
	"liveclass/pkg/types"
)

const (
	// DefaultHelpMessage is shown when the definition carries none.
	DefaultHelpMessage = "The instructor has been notified that you need help"

	// ExpiryGrace is how long a session outlives its scheduled end.
	ExpiryGrace = time.Hour
)

// Data is the serializable part of a session's runtime state. It is what the
// shared cache holds.
type Data struct {
	Acronym     string            `json:"acronym"`
	SessionType types.SessionType `json:"sessionType"`

	Attendees   []string `json:"attendees"`
	ActiveUsers []string `json:"activeUsers"`

	RecordingState types.RecordingState `json:"recordingState"`
	RecordingSID   string               `json:"recordingSid"`

	CustomHelpMessage string     `json:"customHelpMessage"`
	Created           time.Time  `json:"created"`
	CreatedActual     time.Time  `json:"createdActual"`
	FirstActive       *time.Time `json:"firstActive,omitempty"`
	LastActive        *time.Time `json:"lastActive,omitempty"`

	CurrentView   types.View `json:"currentView"`
	SpotlightUser string     `json:"spotlightUser,omitempty"`

	ScheduledStartTime time.Time `json:"scheduledStartTime"`
	ScheduledEndTime   time.Time `json:"scheduledEndTime"`
	LobbyOpenTime      time.Time `json:"lobbyOpenTime"`
	LobbyCloseTime     time.Time `json:"lobbyCloseTime"`
	Expires            time.Time `json:"expires"`
	TZ                 string    `json:"tz"`

	// TimeOffset is added to the clock, in milliseconds, to get effective time.
	TimeOffset int64 `json:"timeOffset"`

	ProviderID   string `json:"providerId"`
	InstructorID string `json:"instructorId"`
	ClassID      string `json:"classId"`
	ClassName    string `json:"className"`

	// Revision increases on every persist so peers can detect stale copies.
	Revision int64 `json:"revision"`
}

// clone deep-copies the slices and optional timestamps.
func (d Data) clone() Data {
	d.Attendees = slices.Clone(d.Attendees)
	d.ActiveUsers = slices.Clone(d.ActiveUsers)
	if d.FirstActive != nil {
		t := *d.FirstActive
		d.FirstActive = &t
	}
	if d.LastActive != nil {
		t := *d.LastActive
		d.LastActive = &t
	}
	return d
}

// State is the runtime record of one active session.
// ARCHITECTURAL DISCOVERY: every read-then-write of Data happens while the
// embedded lock is held; the lock itself is never serialized. Acronym,
// SessionType and TZ are fixed at construction and may be read without it.
type State struct {
	mu    lock.Mutex
	clock Clock
	Data
}

// NewState builds the runtime state for a definition.
func NewState(def *types.SessionDefinition, clock Clock) *State {
	if clock == nil {
		clock = SystemClock
	}
	now := clock.Now()

	st := &State{clock: clock}
	st.Acronym = def.Acronym
	st.SessionType = def.Kind
	if st.SessionType == "" {
		st.SessionType = types.SessionGeneric
	}
	st.Attendees = []string{}
	st.ActiveUsers = []string{}
	st.RecordingState = types.RecordingOff
	st.CurrentView = types.ViewGroup
	st.Created = now
	st.CreatedActual = now

	st.ScheduledStartTime = def.ScheduledStartTime
	st.ScheduledEndTime = def.ScheduledEndTime
	st.LobbyOpenTime = def.LobbyOpenTime
	st.LobbyCloseTime = def.LobbyCloseTime
	st.Expires = def.ScheduledEndTime.Add(ExpiryGrace)
	if st.Expires.Before(def.LobbyCloseTime) {
		st.Expires = def.LobbyCloseTime
	}
	st.TZ = def.TZ

	st.CustomHelpMessage = def.HelpMessage
	if st.CustomHelpMessage == "" {
		st.CustomHelpMessage = DefaultHelpMessage
	}
	st.ProviderID = def.ProviderID
	st.InstructorID = def.InstructorID
	if def.Class != nil {
		st.ClassID = def.Class.ClassID
		st.ClassName = def.Class.ClassName
	}
	return st
}

// adopt takes the mutable fields of a newer copy. Identity fields are
// never written after construction.
func (s *State) adopt(d Data) {
	d = d.clone()
	s.Attendees = d.Attendees
	s.ActiveUsers = d.ActiveUsers
	s.RecordingState = d.RecordingState
	s.RecordingSID = d.RecordingSID
	s.CustomHelpMessage = d.CustomHelpMessage
	s.Created = d.Created
	s.CreatedActual = d.CreatedActual
	s.FirstActive = d.FirstActive
	s.LastActive = d.LastActive
	s.CurrentView = d.CurrentView
	s.SpotlightUser = d.SpotlightUser
	s.ScheduledStartTime = d.ScheduledStartTime
	s.ScheduledEndTime = d.ScheduledEndTime
	s.LobbyOpenTime = d.LobbyOpenTime
	s.LobbyCloseTime = d.LobbyCloseTime
	s.Expires = d.Expires
	s.TimeOffset = d.TimeOffset
	s.ProviderID = d.ProviderID
	s.InstructorID = d.InstructorID
	s.ClassID = d.ClassID
	s.ClassName = d.ClassName
	s.Revision = d.Revision
}

// Lock acquires the session lock.
func (s *State) Lock(ctx context.Context) error { return s.mu.Acquire(ctx) }

// TryLock acquires the session lock only if it is free.
func (s *State) TryLock() bool { return s.mu.TryAcquire() }

// Unlock releases the session lock.
func (s *State) Unlock() { s.mu.Release() }

// WithLock runs fn under the session lock.
func (s *State) WithLock(ctx context.Context, fn func() error) error {
	return s.mu.With(ctx, fn)
}

// SetClock replaces the clock used for effective time.
func (s *State) SetClock(c Clock) { s.clock = c }

func (s *State) now() time.Time {
	if s.clock == nil {
		return SystemClock.Now()
	}
	return s.clock.Now()
}

// EffectiveTime is the clock adjusted by the session's offset.
func (s *State) EffectiveTime() time.Time {
	return s.now().Add(time.Duration(s.TimeOffset) * time.Millisecond)
}

// Snapshot returns a deep copy of the serializable state.
func (s *State) Snapshot() Data { return s.Data.clone() }

// Predicates.

func (s *State) IsOpenAt(t time.Time) bool {
	return !t.Before(s.LobbyOpenTime) && !t.After(s.LobbyCloseTime)
}

func (s *State) IsAfterCloseAt(t time.Time) bool { return t.After(s.LobbyCloseTime) }

func (s *State) IsInSessionAt(t time.Time) bool {
	return !t.Before(s.ScheduledStartTime) && !t.After(s.ScheduledEndTime)
}

func (s *State) IsExpiredAt(t time.Time) bool { return t.After(s.Expires) }

func (s *State) IsOpen() bool       { return s.IsOpenAt(s.EffectiveTime()) }
func (s *State) IsAfterClose() bool { return s.IsAfterCloseAt(s.EffectiveTime()) }
func (s *State) IsInSession() bool  { return s.IsInSessionAt(s.EffectiveTime()) }
func (s *State) IsExpired() bool    { return s.IsExpiredAt(s.EffectiveTime()) }
func (s *State) IsActive() bool     { return len(s.ActiveUsers) > 0 }
func (s *State) IsRecording() bool  { return s.RecordingState == types.RecordingOn }

// IsClassSession reports whether the session was built from a class
// definition.
func (s *State) IsClassSession() bool { return s.SessionType == types.SessionClass }

// HasAttended reports whether id ever joined.
func (s *State) HasAttended(id string) bool { return slices.Contains(s.Attendees, id) }

// IsUserActive reports whether id is currently connected.
func (s *State) IsUserActive(id string) bool { return slices.Contains(s.ActiveUsers, id) }

// Mutators. Callers hold the session lock.

// AddUser marks id as present. Joining twice changes nothing.
func (s *State) AddUser(id string) error {
	if id == "" {
		return ErrEmptyUserID
	}
	if !s.IsActive() && s.FirstActive == nil {
		t := s.EffectiveTime()
		s.FirstActive = &t
	}
	if !s.HasAttended(id) {
		s.Attendees = append(s.Attendees, id)
	}
	if !s.IsUserActive(id) {
		s.ActiveUsers = append(s.ActiveUsers, id)
	}
	return nil
}

// RemoveUser marks id as gone. Attendance history is kept.
func (s *State) RemoveUser(id string) {
	idx := slices.Index(s.ActiveUsers, id)
	if idx < 0 {
		return
	}
	s.ActiveUsers = slices.Delete(s.ActiveUsers, idx, idx+1)
	if !s.IsActive() {
		t := s.EffectiveTime()
		s.LastActive = &t
	}
}

// SetEffectiveTime shifts the session so that effective time now reads t.
// A nil t returns the session to wall-clock time.
func (s *State) SetEffectiveTime(t *time.Time) {
	if t == nil {
		s.TimeOffset = 0
		s.Created = s.CreatedActual
		return
	}
	s.TimeOffset = t.Sub(s.now()).Milliseconds()
	s.Created = s.CreatedActual.Add(time.Duration(s.TimeOffset) * time.Millisecond)
}

// SetViewFromTarget applies a compact view target. Anything unrecognised
// falls back to the group view.
func (s *State) SetViewFromTarget(target string) {
	switch {
	case target == string(types.ViewGroup):
		s.CurrentView = types.ViewGroup
		s.SpotlightUser = ""
	case target == string(types.ViewFocus):
		s.CurrentView = types.ViewFocus
		s.SpotlightUser = ""
	case strings.HasPrefix(target, types.SpotlightPrefix):
		s.CurrentView = types.ViewSpotlight
		s.SpotlightUser = strings.TrimPrefix(target, types.SpotlightPrefix)
	default:
		s.CurrentView = types.ViewGroup
		s.SpotlightUser = ""
	}
}

// ViewTarget renders the current view as a compact target.
func (s *State) ViewTarget() string {
	switch s.CurrentView {
	case types.ViewFocus:
		return string(types.ViewFocus)
	case types.ViewSpotlight:
		return types.SpotlightPrefix + s.SpotlightUser
	default:
		return string(types.ViewGroup)
	}
}
