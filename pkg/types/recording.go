package types

import (
	"encoding/json"
	"time"
)

// RecordingState is the live recording flag of a session. The values double
// as the recording event target on the wire.
type RecordingState string

const (
	RecordingOn     RecordingState = "on"
	RecordingOff    RecordingState = "off"
	RecordingPaused RecordingState = "pause"
	RecordingError  RecordingState = "err"
)

// ParseRecordingState maps a wire target to a state.
func ParseRecordingState(s string) (RecordingState, bool) {
	switch RecordingState(s) {
	case RecordingOn, RecordingOff, RecordingPaused, RecordingError:
		return RecordingState(s), true
	}
	return "", false
}

// Stopped reports whether auto-management may start a recording from this
// state. An error state counts as stopped.
func (s RecordingState) Stopped() bool {
	return s == RecordingOff || s == RecordingError || s == ""
}

// RecordingStatus is the durable state of one recording attempt.
type RecordingStatus string

const (
	StatusOngoing   RecordingStatus = "Ongoing"
	StatusCompleted RecordingStatus = "Completed"
	StatusUploaded  RecordingStatus = "Uploaded"
	StatusEmpty     RecordingStatus = "Empty"
	StatusExited    RecordingStatus = "Exited"
)

// RecordingRecord is one row of the durable recording log.
type RecordingRecord struct {
	ID         string          `json:"id"`
	SID        string          `json:"sid"`
	ResourceID string          `json:"resourceId"`
	State      RecordingStatus `json:"state"`
	Acronym    string          `json:"acronym"`
	Date       string          `json:"date"`
	CreatedOn  time.Time       `json:"createdOn"`
	StartTime  time.Time       `json:"startTime"`
	EndTime    *time.Time      `json:"endTime,omitempty"`
	Duration   int64           `json:"duration"`
	TZ         string          `json:"tz"`
}

// SetEndTime stamps the end time and derives the duration in milliseconds.
func (r *RecordingRecord) SetEndTime(now time.Time) {
	end := now
	r.EndTime = &end
	r.Duration = end.Sub(r.StartTime).Milliseconds()
	if r.Duration < 0 {
		r.Duration = 0
	}
}

// MarkExited closes the record as abandoned.
func (r *RecordingRecord) MarkExited(now time.Time) {
	r.SetEndTime(now)
	r.State = StatusExited
}

// Finished reports whether the record reached a terminal state.
func (r *RecordingRecord) Finished() bool {
	return r.State == StatusCompleted || r.State == StatusExited
}

// CopyJob asks the archive worker to copy a finished recording's files.
type CopyJob struct {
	RecordDate string `json:"RecordDate"`
	Acronym    string `json:"Acronym"`
	SID        string `json:"SID"`
	Token      string `json:"Token"`
}

// CopyComplete is the archive worker's answer to a copy job.
type CopyComplete struct {
	SID     string `json:"sid"`
	Acronym string `json:"acronym"`
	IsEmpty bool   `json:"isEmpty"`
}

// ProviderStatus is the recording provider's view of one recording.
type ProviderStatus struct {
	ResourceID     string          `json:"resourceId"`
	SID            string          `json:"sid"`
	ServerResponse json.RawMessage `json:"serverResponse,omitempty"`
}
