package types

import (
	"regexp"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for high-frequency validation on the message path
var (
	userIDRegex    = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)
	acronymRegex   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	forceTimeRegex = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})T(\d{2}):(\d{2}):(\d{2})\.(\d{3})Z$`)
)

// IsValidUserID checks if a participant id meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidAcronym checks if a session acronym can be used as a registry and
// cache key
func IsValidAcronym(acronym string) bool {
	if len(acronym) < 1 || len(acronym) > 64 {
		return false
	}
	return acronymRegex.MatchString(acronym)
}

// IsForceTime reports whether s is an effective-time override of the form
// 2006-01-02T15:04:05.000Z.
func IsForceTime(s string) bool {
	return forceTimeRegex.MatchString(s)
}
