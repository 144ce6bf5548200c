package interfaces

import (
	"context"

	"liveclass/pkg/types"
)

// RecordingProvider is the external cloud recording service
// TECHNICAL DISCOVERY: a disabled provider answers every call with zero
// values and a nil error so callers need no special casing
type RecordingProvider interface {
	Enabled() bool
	Acquire(ctx context.Context, channel string, uid int) (resourceID string, err error)
	Start(ctx context.Context, channel string, uid int, resourceID, token string, composite bool) (sid string, err error)
	Stop(ctx context.Context, channel string, uid int, resourceID, sid string, composite bool) (*types.ProviderStatus, error)

	// Query returns (nil, nil) when the provider has no live recording for sid
	Query(ctx context.Context, resourceID, sid string, composite bool) (*types.ProviderStatus, error)
}

// TokenSource mints the channel token a recorder uses to join a channel
type TokenSource interface {
	ChannelToken(channel string, uid int) (string, error)
}

// CopyJobPublisher hands finished recordings to the archive worker
type CopyJobPublisher interface {
	PublishCopyJob(ctx context.Context, job *types.CopyJob) error
}
