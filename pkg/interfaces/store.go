package interfaces

import (
	"context"

	"liveclass/pkg/types"
)

// Cache is the shared key/value store holding serialized session state
// FUNCTIONAL DISCOVERY: found reports presence separately from the error so
// a miss is never mistaken for an outage
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// DefinitionSource resolves static session definitions by acronym.
// Both lookups return (nil, nil) when the acronym is unknown.
type DefinitionSource interface {
	FindClassSession(ctx context.Context, acronym string) (*types.SessionDefinition, error)
	FindAdHocSession(ctx context.Context, acronym string) (*types.SessionDefinition, error)
}

// RecordingStore is the durable log of recording attempts.
// FindRecordingBySID returns (nil, nil) when no record matches.
type RecordingStore interface {
	CreateRecording(ctx context.Context, rec *types.RecordingRecord) error
	FindRecordingBySID(ctx context.Context, sid string) (*types.RecordingRecord, error)
	ListRecordingsByState(ctx context.Context, states ...types.RecordingStatus) ([]*types.RecordingRecord, error)
	ListRecordingsMissingEndTime(ctx context.Context) ([]*types.RecordingRecord, error)
	ListRecordingsByAcronym(ctx context.Context, acronym string) ([]*types.RecordingRecord, error)
	UpdateRecording(ctx context.Context, rec *types.RecordingRecord) error
}

// DatabaseManager handles all durable persistence
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// enables consistent connection management and health checking
type DatabaseManager interface {
	DefinitionSource
	RecordingStore

	// SaveSessionDefinition inserts or replaces a definition
	SaveSessionDefinition(ctx context.Context, def *types.SessionDefinition) error

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}
