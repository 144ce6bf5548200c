package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrInvalidUserID     = errors.New("user ID must be 1-64 characters, alphanumeric plus _ . @ -")
	ErrInvalidAcronym    = errors.New("acronym must be 1-64 characters, alphanumeric + underscore/hyphen")
	ErrInvalidEvent      = errors.New("invalid event JSON")
	ErrInvalidWindow     = errors.New("session window must satisfy lobby open <= start <= end <= lobby close")
	ErrInvalidDefinition = errors.New("session definition variant does not match its kind")
)
