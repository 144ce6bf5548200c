package session

import "liveclass/pkg/types"

// CurrentStateEvents brings one participant up to date: their view, the
// recording state, then the help message, always in that order.
func CurrentStateEvents(s *State, subject string) []*types.Event {
	if subject == "" {
		subject = types.AnySubject
	}
	return []*types.Event{
		types.NewEvent(types.ClassCommand, types.EventChangeView, subject, s.Acronym, s.ViewTarget()),
		RecordingStateEvent(s),
		types.NewEvent(types.ClassCommand, types.EventSetHelpMessage, subject, s.Acronym, s.CustomHelpMessage),
	}
}

// RecordingStateEvent announces the recording state to the whole session.
func RecordingStateEvent(s *State) *types.Event {
	state := s.RecordingState
	if state == "" {
		state = types.RecordingOff
	}
	return types.NewEvent(types.ClassNotify, types.EventRecording, types.AnySubject, s.Acronym, string(state))
}
