package types

import "time"

// SessionType tags the variant of a session definition.
type SessionType string

const (
	SessionGeneric SessionType = "GenericSession"
	SessionClass   SessionType = "ClassSession"
	SessionAdHoc   SessionType = "AdHocSession"
)

// ClassDetails is carried only by class sessions.
type ClassDetails struct {
	ClassID   string `json:"classId"`
	ClassName string `json:"className"`
	Seq       int    `json:"seq"`
}

// AdHocDetails is carried only by ad-hoc sessions.
type AdHocDetails struct {
	Description  string   `json:"description"`
	Capacity     int      `json:"capacity"`
	Participants []string `json:"participants"`
	Notes        string   `json:"notes"`
}

// SessionDefinition is the static schedule of a session as held by the
// source of truth. Exactly one of Class or AdHoc is set, matching Kind;
// generic sessions carry neither.
type SessionDefinition struct {
	Acronym      string      `json:"acronym"`
	Name         string      `json:"name"`
	Kind         SessionType `json:"kind"`
	ProviderID   string      `json:"providerId"`
	InstructorID string      `json:"instructorId"`
	HelpMessage  string      `json:"helpMessage"`
	Program      string      `json:"program"`
	TZ           string      `json:"tz"`
	DurationMins int         `json:"durationMins"`
	LobbyMins    int         `json:"lobbyTimeMins"`

	ScheduledStartTime time.Time `json:"scheduledStartTime"`
	ScheduledEndTime   time.Time `json:"scheduledEndTime"`
	LobbyOpenTime      time.Time `json:"lobbyOpenTime"`
	LobbyCloseTime     time.Time `json:"lobbyCloseTime"`

	Class *ClassDetails `json:"class,omitempty"`
	AdHoc *AdHocDetails `json:"adHoc,omitempty"`
}

// SetStartTime derives the scheduled and lobby windows from a start time.
// A zero lobby collapses the lobby onto the scheduled window.
func (d *SessionDefinition) SetStartTime(start time.Time, durationMins, lobbyMins int, tz string) {
	start = start.UTC()
	d.TZ = tz
	d.DurationMins = durationMins
	d.LobbyMins = lobbyMins

	d.ScheduledStartTime = start
	d.ScheduledEndTime = start.Add(time.Duration(durationMins) * time.Minute)
	lobby := time.Duration(lobbyMins) * time.Minute
	d.LobbyOpenTime = start.Add(-lobby)
	d.LobbyCloseTime = d.ScheduledEndTime.Add(lobby)
}

// Date returns the local calendar date of the session start.
func (d *SessionDefinition) Date() string {
	return LocalDate(d.ScheduledStartTime, d.TZ)
}

// Validate checks the window ordering and the variant payload.
func (d *SessionDefinition) Validate() error {
	if !IsValidAcronym(d.Acronym) {
		return ErrInvalidAcronym
	}
	if d.LobbyOpenTime.After(d.ScheduledStartTime) ||
		d.ScheduledStartTime.After(d.ScheduledEndTime) ||
		d.ScheduledEndTime.After(d.LobbyCloseTime) {
		return ErrInvalidWindow
	}
	switch d.Kind {
	case SessionClass:
		if d.Class == nil || d.AdHoc != nil {
			return ErrInvalidDefinition
		}
	case SessionAdHoc:
		if d.AdHoc == nil || d.Class != nil {
			return ErrInvalidDefinition
		}
	case SessionGeneric:
		if d.Class != nil || d.AdHoc != nil {
			return ErrInvalidDefinition
		}
	default:
		return ErrInvalidDefinition
	}
	return nil
}

// LocalDate formats t as YYYY-MM-DD in the named zone, falling back to UTC
// for an unknown zone.
func LocalDate(t time.Time, tz string) string {
	if loc, err := time.LoadLocation(tz); err == nil && tz != "" {
		t = t.In(loc)
	} else {
		t = t.UTC()
	}
	return t.Format("2006-01-02")
}
