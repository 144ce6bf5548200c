package storage

import "errors"

var (
	ErrNoBucket        = errors.New("storage bucket is not configured")
	ErrIncompleteQuery = errors.New("recording has no date, acronym or sid")
)
