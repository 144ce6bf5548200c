package types

import (
	"encoding/json"
	"strings"
	"time"
)

// EventClass separates informational events from instructions.
type EventClass string

const (
	ClassNotify  EventClass = "N"
	ClassCommand EventClass = "C"
	ClassNone    EventClass = "X"
	ClassUnknown EventClass = "?"
)

// Valid reports whether c is one of the declared classes.
func (c EventClass) Valid() bool {
	switch c {
	case ClassNotify, ClassCommand, ClassNone, ClassUnknown:
		return true
	}
	return false
}

// EventType is the closed vocabulary of real-time events.
// ARCHITECTURAL DISCOVERY: short wire codes are kept so existing clients
// interoperate; the Go side only ever sees the typed constants
type EventType string

const (
	EventSessionJoined  EventType = "SJ"
	EventSessionLeft    EventType = "SL"
	EventViewChanged    EventType = "VC"
	EventChangeView     EventType = "CV"
	EventChangeViewAll  EventType = "CVA"
	EventRecording      EventType = "RE"
	EventHelpWanted     EventType = "HW"
	EventSetHelpMessage EventType = "SH"
	EventQosAlert       EventType = "QOS"
	EventHeartbeat      EventType = "HB"
	EventHeartbeatReply EventType = "HR"
	EventNone           EventType = "X"
	EventUnknown        EventType = "?"
)

// AllEventTypes lists every declared event type.
var AllEventTypes = []EventType{
	EventSessionJoined,
	EventSessionLeft,
	EventViewChanged,
	EventChangeView,
	EventChangeViewAll,
	EventRecording,
	EventHelpWanted,
	EventSetHelpMessage,
	EventQosAlert,
	EventHeartbeat,
	EventHeartbeatReply,
	EventNone,
	EventUnknown,
}

// Known reports whether t is a declared event type.
func (t EventType) Known() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Subject and session sentinels.
const (
	AnySubject    = "*"
	NoSubject     = "-"
	ServerSubject = "$"
	AnySession    = "*"
	NoSession     = "-"
)

// Event is one real-time protocol message.
// Target is kept raw: most events carry a short string but a join may carry
// an options object.
type Event struct {
	EventClass EventClass      `json:"eventClass"`
	Event      EventType       `json:"event"`
	Subject    string          `json:"subject"`
	SessionID  string          `json:"sessionId"`
	Target     json.RawMessage `json:"target,omitempty"`
}

// NewEvent builds an event with a string target.
func NewEvent(class EventClass, event EventType, subject, sessionID, target string) *Event {
	e := &Event{
		EventClass: class,
		Event:      event,
		Subject:    subject,
		SessionID:  sessionID,
	}
	e.SetTarget(target)
	return e
}

// ParseEvent decodes and normalizes an inbound message.
func ParseEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, ErrInvalidEvent
	}
	e.Normalize()
	return &e, nil
}

// Normalize fills defaults for omitted fields and folds unrecognised codes
// into the unknown class and type.
func (e *Event) Normalize() {
	if e.Subject == "" {
		e.Subject = AnySubject
	}
	if e.SessionID == "" {
		e.SessionID = AnySession
	}
	if e.EventClass == "" {
		e.EventClass = ClassNone
	} else if !e.EventClass.Valid() {
		e.EventClass = ClassUnknown
	}
	if e.Event == "" {
		e.Event = EventNone
	} else if !e.Event.Known() {
		e.Event = EventUnknown
	}
}

// SetTarget stores s as a JSON string target.
func (e *Event) SetTarget(s string) {
	data, _ := json.Marshal(s)
	e.Target = data
}

// TargetString returns the target as plain text. String targets are
// unquoted; any other JSON is returned verbatim.
func (e *Event) TargetString() string {
	if len(e.Target) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Target, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(e.Target))
}

// HasSession reports whether the event names a concrete session.
func (e *Event) HasSession() bool {
	return e.SessionID != "" && e.SessionID != AnySession && e.SessionID != NoSession
}

// JoinOptions is the optional object target of a session-joined event.
type JoinOptions struct {
	ForceTime string `json:"forceTime,omitempty"`
}

// JoinOptions decodes the target as join options. A string or empty target
// yields empty options.
func (e *Event) JoinOptions() JoinOptions {
	var opts JoinOptions
	if len(e.Target) == 0 || e.Target[0] != '{' {
		return opts
	}
	_ = json.Unmarshal(e.Target, &opts)
	return opts
}

// ParsedForceTime returns the requested effective time of a join when it is a
// well-formed ISO-8601 UTC timestamp with millisecond precision.
func (o JoinOptions) ParsedForceTime() (time.Time, bool) {
	if !IsForceTime(o.ForceTime) {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, o.ForceTime)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// View is what every participant's client shows.
type View string

const (
	ViewGroup     View = "group"
	ViewFocus     View = "inst"
	ViewSpotlight View = "spot"
)

// SpotlightPrefix introduces the spotlighted user in a view target.
const SpotlightPrefix = "spot:"
