package recording

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"liveclass/internal/session"
	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

// QueryPolicy decides what a failed liveness query means.
type QueryPolicy string

const (
	// QueryStop counts a failed query as "not live".
	QueryStop QueryPolicy = "stop"
	// QueryRetry retries with exponential backoff before giving up.
	QueryRetry QueryPolicy = "retry"
)

// CopyTokenSource signs the token attached to a copy job.
type CopyTokenSource interface {
	CopyJobToken(acronym, sid string) (string, error)
}

// Orchestrator keeps every session's recording flag consistent with the
// external provider.
// ARCHITECTURAL DISCOVERY: all state changes happen under the session lock;
// the orchestrator itself holds no lock of its own
type Orchestrator struct {
	registry  *session.Registry
	tracker   *Service
	store     interfaces.RecordingStore
	publisher interfaces.CopyJobPublisher
	tokens    CopyTokenSource

	queryPolicy   QueryPolicy
	queryRetries  uint
	retryInterval time.Duration
	parallelism   int
	now           func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithStore enables the durable recording log.
func WithStore(s interfaces.RecordingStore) OrchestratorOption {
	return func(o *Orchestrator) { o.store = s }
}

// WithPublisher enables copy jobs for uploaded recordings.
func WithPublisher(p interfaces.CopyJobPublisher, tokens CopyTokenSource) OrchestratorOption {
	return func(o *Orchestrator) {
		o.publisher = p
		o.tokens = tokens
	}
}

// WithQueryPolicy sets the liveness query failure policy.
func WithQueryPolicy(p QueryPolicy, retries uint, interval time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if p == QueryRetry {
			o.queryPolicy = QueryRetry
		}
		if retries > 0 {
			o.queryRetries = retries
		}
		if interval > 0 {
			o.retryInterval = interval
		}
	}
}

// WithParallelism bounds concurrent provider queries during reconciliation.
func WithParallelism(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// WithNow overrides the wall clock used for durable timestamps.
func WithNow(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires the orchestrator to its registry and tracker.
func NewOrchestrator(registry *session.Registry, tracker *Service, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry:      registry,
		tracker:       tracker,
		queryPolicy:   QueryStop,
		queryRetries:  3,
		retryInterval: 500 * time.Millisecond,
		parallelism:   4,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Tracker exposes the in-process recording tracker.
func (o *Orchestrator) Tracker() *Service { return o.tracker }

// SetRecordingState moves st towards target. The caller holds st's lock.
// A failed start leaves the session in the error state with no sid; a failed
// stop leaves the session untouched so a later pass can retry.
func (o *Orchestrator) SetRecordingState(ctx context.Context, st *session.State, target types.RecordingState) error {
	log := zerolog.Ctx(ctx).With().Str("component", "orchestrator").Str("acronym", st.Acronym).Logger()

	current := st.RecordingState
	if current == "" {
		current = types.RecordingOff
	}
	if target == current {
		log.Debug().Str("state", string(target)).Msg("Recording state unchanged")
		return nil
	}

	switch target {
	case types.RecordingOn:
		sid, err := o.tracker.Begin(ctx, st.Acronym, true)
		if err != nil {
			st.RecordingState = types.RecordingError
			st.RecordingSID = ""
			log.Error().Err(err).Msg("Recording start failed")
			return fmt.Errorf("start recording %s: %w", st.Acronym, err)
		}
		st.RecordingSID = sid
		st.RecordingState = types.RecordingOn

	case types.RecordingOff, types.RecordingPaused:
		// FUNCTIONAL DISCOVERY: only a running recorder needs the provider;
		// leaving pause or error is a local change
		if current == types.RecordingOn {
			if err := o.stopRecording(ctx, st.Acronym, st.RecordingSID); err != nil {
				log.Error().Err(err).Str("sid", st.RecordingSID).Msg("Recording stop failed")
				return fmt.Errorf("stop recording %s: %w", st.Acronym, err)
			}
		}
		st.RecordingSID = ""
		st.RecordingState = target

	default:
		return fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}

	log.Info().
		Str("from", string(current)).
		Str("to", string(st.RecordingState)).
		Str("sid", st.RecordingSID).
		Msg("Recording state changed")
	return nil
}

// stopRecording ends sid through the tracker, or through the durable log's
// resource id when another process started it.
func (o *Orchestrator) stopRecording(ctx context.Context, channel, sid string) error {
	if sid == "" {
		return nil
	}
	rec, err := o.tracker.End(ctx, sid)
	if err != nil || rec != nil {
		return err
	}
	if o.store == nil || !o.tracker.Enabled() {
		return nil
	}
	durable, err := o.store.FindRecordingBySID(ctx, sid)
	if err != nil {
		return fmt.Errorf("look up recording %s: %w", sid, err)
	}
	if durable == nil || durable.ResourceID == "" {
		zerolog.Ctx(ctx).Warn().Str("component", "orchestrator").Str("sid", sid).Msg("Stopping unknown recording, nothing to tell the provider")
		return nil
	}
	return o.tracker.StopUntracked(ctx, channel, durable.ResourceID, sid, true)
}

// ManageSession runs one auto-management pass for st and returns the events
// describing any change. It takes the session lock itself.
func (o *Orchestrator) ManageSession(ctx context.Context, st *session.State) []*types.Event {
	log := zerolog.Ctx(ctx).With().Str("component", "orchestrator").Str("acronym", st.Acronym).Logger()

	if err := st.Lock(ctx); err != nil {
		log.Warn().Err(err).Msg("Could not lock session for maintenance")
		return nil
	}
	defer st.Unlock()

	if err := o.registry.Refresh(ctx, st); err != nil {
		log.Warn().Err(err).Msg("Session refresh failed")
	}

	before := st.RecordingState
	o.manage(ctx, st)
	if st.RecordingState == before {
		return nil
	}

	if err := o.registry.Persist(ctx, st); err != nil {
		log.Warn().Err(err).Msg("Failed to persist session after maintenance")
	}
	return []*types.Event{session.RecordingStateEvent(st)}
}

func (o *Orchestrator) manage(ctx context.Context, st *session.State) {
	log := zerolog.Ctx(ctx).With().Str("component", "orchestrator").Str("acronym", st.Acronym).Logger()

	switch {
	case st.IsRecording() && st.IsAfterClose():
		if err := o.SetRecordingState(ctx, st, types.RecordingOff); err != nil {
			// A closed session is off regardless of the provider; the durable
			// record stays ongoing for reconciliation.
			log.Error().Err(err).Str("sid", st.RecordingSID).Msg("Provider stop failed after close, forcing recording off")
			o.tracker.Forget(st.RecordingSID)
			st.RecordingState = types.RecordingOff
			st.RecordingSID = ""
		}

	case st.IsRecording():
		if o.liveness(ctx, st) == LiveGone {
			log.Info().Str("sid", st.RecordingSID).Msg("Recording no longer live at provider")
			o.tracker.Forget(st.RecordingSID)
			st.RecordingState = types.RecordingOff
			st.RecordingSID = ""
		}

	case st.RecordingState.Stopped() && st.IsActive() && st.IsOpen():
		if err := o.SetRecordingState(ctx, st, types.RecordingOn); err != nil {
			log.Warn().Err(err).Msg("Automatic recording start failed")
		}
	}
}

// liveness queries the provider for st's recorder, adopting it from the
// durable log when this process does not track it.
func (o *Orchestrator) liveness(ctx context.Context, st *session.State) Liveness {
	log := zerolog.Ctx(ctx).With().Str("component", "orchestrator").Str("sid", st.RecordingSID).Logger()
	sid := st.RecordingSID
	if sid == "" || !o.tracker.Enabled() {
		return LiveUnknown
	}

	if o.tracker.FindBySID(sid) == nil && o.store != nil {
		if rec, err := o.store.FindRecordingBySID(ctx, sid); err == nil && rec != nil && rec.ResourceID != "" {
			_ = o.tracker.Recreate(ctx, st.Acronym, rec.ResourceID, sid, true)
		}
	}

	query := func() (Liveness, error) { return o.tracker.Liveness(ctx, sid) }
	live, err := query()
	if err == nil {
		return live
	}
	log.Warn().Err(err).Msg("Recording liveness query failed")

	if o.queryPolicy == QueryRetry {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = o.retryInterval
		bo.MaxInterval = 10 * time.Second
		live, err = backoff.Retry(ctx, query, backoff.WithBackOff(bo), backoff.WithMaxTries(o.queryRetries))
		if err == nil {
			return live
		}
		log.Error().Err(err).Uint("tries", o.queryRetries).Msg("Recording liveness query failed after retries")
	}
	return LiveGone
}

// ManageSessions runs one maintenance pass over every session, then evicts
// expired ones. A failure in one session never stops the others.
func (o *Orchestrator) ManageSessions(ctx context.Context) []*types.Event {
	log := zerolog.Ctx(ctx).With().Str("component", "orchestrator").Logger()

	sessions, err := o.registry.All(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Could not list sessions")
		return nil
	}

	var events []*types.Event
	for _, st := range sessions {
		events = append(events, o.manageIsolated(ctx, st)...)
	}

	if _, err := o.registry.RemoveExpired(ctx); err != nil {
		log.Error().Err(err).Msg("Expired session sweep failed")
	}
	return events
}

func (o *Orchestrator) manageIsolated(ctx context.Context, st *session.State) (events []*types.Event) {
	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().
				Str("component", "orchestrator").
				Str("acronym", st.Acronym).
				Interface("panic", r).
				Msg("Session maintenance panicked")
			events = nil
		}
	}()
	return o.ManageSession(ctx, st)
}
