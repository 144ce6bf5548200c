package types

import (
	"encoding/json"
	"testing"
	"time"
)

// Protocol Tests

func TestParseEvent_DefaultsAndNormalization(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantClass   EventClass
		wantEvent   EventType
		wantSubject string
		wantSession string
	}{
		{
			name:        "full event",
			raw:         `{"eventClass":"C","event":"CVA","subject":"u1","sessionId":"ABC","target":"group"}`,
			wantClass:   ClassCommand,
			wantEvent:   EventChangeViewAll,
			wantSubject: "u1",
			wantSession: "ABC",
		},
		{
			name:        "omitted subject and session default to any",
			raw:         `{"eventClass":"N","event":"HW"}`,
			wantClass:   ClassNotify,
			wantEvent:   EventHelpWanted,
			wantSubject: AnySubject,
			wantSession: AnySession,
		},
		{
			name:        "unrecognised codes fold to unknown",
			raw:         `{"eventClass":"Z","event":"NOPE","subject":"u1","sessionId":"ABC"}`,
			wantClass:   ClassUnknown,
			wantEvent:   EventUnknown,
			wantSubject: "u1",
			wantSession: "ABC",
		},
		{
			name:        "empty class and event become none",
			raw:         `{"subject":"u1","sessionId":"ABC"}`,
			wantClass:   ClassNone,
			wantEvent:   EventNone,
			wantSubject: "u1",
			wantSession: "ABC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseEvent([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseEvent failed: %v", err)
			}
			if e.EventClass != tt.wantClass {
				t.Errorf("class = %q, want %q", e.EventClass, tt.wantClass)
			}
			if e.Event != tt.wantEvent {
				t.Errorf("event = %q, want %q", e.Event, tt.wantEvent)
			}
			if e.Subject != tt.wantSubject {
				t.Errorf("subject = %q, want %q", e.Subject, tt.wantSubject)
			}
			if e.SessionID != tt.wantSession {
				t.Errorf("session = %q, want %q", e.SessionID, tt.wantSession)
			}
		})
	}
}

func TestParseEvent_InvalidJSON(t *testing.T) {
	if _, err := ParseEvent([]byte(`{not json`)); err != ErrInvalidEvent {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestEvent_TargetString(t *testing.T) {
	e := NewEvent(ClassCommand, EventChangeView, "u1", "ABC", "spot:u2")
	if got := e.TargetString(); got != "spot:u2" {
		t.Errorf("TargetString() = %q, want spot:u2", got)
	}

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"eventClass":"C","event":"CV","subject":"u1","sessionId":"ABC","target":"spot:u2"}`
	if string(data) != want {
		t.Errorf("wire form = %s, want %s", data, want)
	}

	obj := &Event{Target: json.RawMessage(`{"forceTime":"2024-01-01T10:00:00.000Z"}`)}
	if got := obj.TargetString(); got != `{"forceTime":"2024-01-01T10:00:00.000Z"}` {
		t.Errorf("object target rendered as %q", got)
	}

	empty := &Event{}
	if got := empty.TargetString(); got != "" {
		t.Errorf("empty target rendered as %q", got)
	}
}

func TestEvent_HasSession(t *testing.T) {
	for sid, want := range map[string]bool{"ABC": true, AnySession: false, NoSession: false, "": false} {
		e := &Event{SessionID: sid}
		if got := e.HasSession(); got != want {
			t.Errorf("HasSession(%q) = %v, want %v", sid, got, want)
		}
	}
}

func TestJoinOptions_ForceTime(t *testing.T) {
	e := &Event{Target: json.RawMessage(`{"forceTime":"2024-03-05T14:30:00.250Z"}`)}
	ft, ok := e.JoinOptions().ParsedForceTime()
	if !ok {
		t.Fatal("expected force time to be accepted")
	}
	want := time.Date(2024, 3, 5, 14, 30, 0, 250_000_000, time.UTC)
	if !ft.Equal(want) {
		t.Errorf("force time = %v, want %v", ft, want)
	}

	for _, bad := range []string{
		`{"forceTime":"2024-03-05T14:30:00Z"}`,
		`{"forceTime":"yesterday"}`,
		`"2024-03-05T14:30:00.250Z"`,
		``,
	} {
		e := &Event{Target: json.RawMessage(bad)}
		if _, ok := e.JoinOptions().ParsedForceTime(); ok {
			t.Errorf("target %s should not yield a force time", bad)
		}
	}
}

func TestEventType_Known(t *testing.T) {
	for _, et := range AllEventTypes {
		if !et.Known() {
			t.Errorf("%q should be known", et)
		}
	}
	if EventType("ZZ").Known() {
		t.Error("ZZ should not be known")
	}
}

// Recording Tests

func TestParseRecordingState(t *testing.T) {
	for _, s := range []string{"on", "off", "pause", "err"} {
		if _, ok := ParseRecordingState(s); !ok {
			t.Errorf("%q should parse", s)
		}
	}
	if _, ok := ParseRecordingState("paused"); ok {
		t.Error("paused is not a wire value")
	}
	if !RecordingError.Stopped() || !RecordingOff.Stopped() {
		t.Error("off and err must count as stopped")
	}
	if RecordingPaused.Stopped() || RecordingOn.Stopped() {
		t.Error("pause and on must not count as stopped")
	}
}

func TestRecordingRecord_MarkExited(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	r := &RecordingRecord{State: StatusOngoing, StartTime: start}

	r.MarkExited(start.Add(90 * time.Second))

	if r.State != StatusExited {
		t.Errorf("state = %s, want Exited", r.State)
	}
	if r.EndTime == nil || !r.EndTime.Equal(start.Add(90*time.Second)) {
		t.Errorf("end time = %v", r.EndTime)
	}
	if r.Duration != 90_000 {
		t.Errorf("duration = %d, want 90000", r.Duration)
	}
	if !r.Finished() {
		t.Error("exited record should be finished")
	}
}

// Definition Tests

func TestSessionDefinition_SetStartTime(t *testing.T) {
	start := time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)

	d := &SessionDefinition{Acronym: "ABC", Kind: SessionGeneric}
	d.SetStartTime(start, 60, 15, "America/New_York")

	if !d.LobbyOpenTime.Equal(start.Add(-15 * time.Minute)) {
		t.Errorf("lobby open = %v", d.LobbyOpenTime)
	}
	if !d.ScheduledEndTime.Equal(start.Add(60 * time.Minute)) {
		t.Errorf("scheduled end = %v", d.ScheduledEndTime)
	}
	if !d.LobbyCloseTime.Equal(start.Add(75 * time.Minute)) {
		t.Errorf("lobby close = %v", d.LobbyCloseTime)
	}
	if err := d.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	if got := d.Date(); got != "2024-05-01" {
		t.Errorf("Date() = %s", got)
	}

	d.SetStartTime(start, 60, 0, "UTC")
	if !d.LobbyOpenTime.Equal(d.ScheduledStartTime) || !d.LobbyCloseTime.Equal(d.ScheduledEndTime) {
		t.Error("zero lobby should collapse onto the scheduled window")
	}
}

func TestSessionDefinition_Validate(t *testing.T) {
	start := time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)
	base := func() *SessionDefinition {
		d := &SessionDefinition{Acronym: "ABC"}
		d.SetStartTime(start, 60, 10, "UTC")
		return d
	}

	tests := []struct {
		name    string
		mutate  func(d *SessionDefinition)
		wantErr error
	}{
		{"class with details", func(d *SessionDefinition) {
			d.Kind = SessionClass
			d.Class = &ClassDetails{ClassID: "c1", Seq: 1}
		}, nil},
		{"class without details", func(d *SessionDefinition) { d.Kind = SessionClass }, ErrInvalidDefinition},
		{"adhoc with class details", func(d *SessionDefinition) {
			d.Kind = SessionAdHoc
			d.AdHoc = &AdHocDetails{}
			d.Class = &ClassDetails{}
		}, ErrInvalidDefinition},
		{"unknown kind", func(d *SessionDefinition) { d.Kind = "Other" }, ErrInvalidDefinition},
		{"bad acronym", func(d *SessionDefinition) {
			d.Kind = SessionGeneric
			d.Acronym = "a b"
		}, ErrInvalidAcronym},
		{"inverted window", func(d *SessionDefinition) {
			d.Kind = SessionGeneric
			d.LobbyCloseTime = d.ScheduledStartTime
		}, ErrInvalidWindow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base()
			tt.mutate(d)
			if err := d.Validate(); err != tt.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// Heartbeat Tests

func TestHeartbeat_SentAndReply(t *testing.T) {
	var h Heartbeat

	if out := h.Sent(100); out != 0 {
		t.Errorf("first heartbeat reported outstanding %d", out)
	}
	if out := h.Sent(200); out != 100 {
		t.Errorf("second heartbeat should report 100 outstanding, got %d", out)
	}

	if expected, ok := h.Reply(150); ok || expected != 200 {
		t.Errorf("mismatched reply: expected=%d ok=%v", expected, ok)
	}
	if h.Pending() != 0 {
		t.Error("reply must clear the pending marker")
	}

	h.Sent(300)
	if _, ok := h.Reply(300); !ok {
		t.Error("matching reply should be ok")
	}
	if _, ok := h.Reply(300); ok {
		t.Error("reply with nothing pending must not be ok")
	}
}
