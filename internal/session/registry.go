package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"liveclass/internal/lock"
	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

// DefaultNamespace prefixes every cache key.
const DefaultNamespace = "tog_sess"

// Registry owns every Session State known to this process.
// ARCHITECTURAL DISCOVERY: lock order is registry then session; code holding
// a session lock never reaches back into the registry lock
type Registry struct {
	mu        lock.Mutex
	sessions  map[string]*State // acronym -> State
	source    interfaces.DefinitionSource
	cache     interfaces.Cache // nil keeps state process-local
	clock     Clock
	namespace string
}

// Option configures a Registry.
type Option func(*Registry)

// WithCache publishes state to a shared cache.
func WithCache(c interfaces.Cache) Option { return func(r *Registry) { r.cache = c } }

// WithClock sets the clock handed to every new State.
func WithClock(c Clock) Option { return func(r *Registry) { r.clock = c } }

// WithNamespace overrides the cache key prefix.
func WithNamespace(ns string) Option {
	return func(r *Registry) {
		if ns != "" {
			r.namespace = ns
		}
	}
}

// NewRegistry creates a registry resolving definitions from source.
func NewRegistry(source interfaces.DefinitionSource, opts ...Option) *Registry {
	r := &Registry{
		sessions:  make(map[string]*State),
		source:    source,
		clock:     SystemClock,
		namespace: DefaultNamespace,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Key is the cache key of a session.
func (r *Registry) Key(acronym string) string { return r.namespace + "." + acronym }

// GetOrCreate returns the single State for acronym, creating it from the
// cache or the definition source on first reference.
func (r *Registry) GetOrCreate(ctx context.Context, acronym string) (*State, error) {
	log := zerolog.Ctx(ctx).With().Str("component", "registry").Str("acronym", acronym).Logger()

	if !types.IsValidAcronym(acronym) {
		log.Warn().Msg("Rejected lookup of malformed acronym")
		return nil, ErrSessionNotFound
	}

	if err := r.mu.Acquire(ctx); err != nil {
		return nil, err
	}
	defer r.mu.Release()

	if st, ok := r.sessions[acronym]; ok {
		return st, nil
	}

	// FUNCTIONAL DISCOVERY: a cache outage degrades to rebuilding from the
	// definition source rather than refusing the session
	st, err := r.load(ctx, acronym)
	if err != nil {
		log.Warn().Err(err).Msg("Shared cache lookup failed")
	}
	if st != nil {
		r.sessions[acronym] = st
		log.Debug().Msg("Session state restored from shared cache")
		return st, nil
	}

	def, err := r.resolve(ctx, acronym)
	if err != nil {
		log.Error().Err(err).Msg("Session definition lookup failed")
		return nil, fmt.Errorf("resolve session %s: %w", acronym, err)
	}
	if def == nil {
		log.Info().Msg("No session definition for acronym")
		return nil, ErrSessionNotFound
	}

	st = NewState(def, r.clock)
	r.sessions[acronym] = st
	if err := r.publish(ctx, st); err != nil {
		log.Warn().Err(err).Msg("Failed to publish new session state")
	}
	log.Info().Str("type", string(st.SessionType)).Msg("Session state created")
	return st, nil
}

// Lookup returns the in-process State without creating it.
func (r *Registry) Lookup(ctx context.Context, acronym string) (*State, bool) {
	if err := r.mu.Acquire(ctx); err != nil {
		return nil, false
	}
	defer r.mu.Release()
	st, ok := r.sessions[acronym]
	return st, ok
}

// Remove drops a session from the table and the cache. Removing an unknown
// acronym is not an error.
func (r *Registry) Remove(ctx context.Context, acronym string) error {
	if err := r.mu.Acquire(ctx); err != nil {
		return err
	}
	defer r.mu.Release()

	delete(r.sessions, acronym)
	if r.cache != nil {
		if err := r.cache.Del(ctx, r.Key(acronym)); err != nil {
			return fmt.Errorf("delete cached session %s: %w", acronym, err)
		}
	}
	zerolog.Ctx(ctx).Info().Str("component", "registry").Str("acronym", acronym).Msg("Session removed")
	return nil
}

// RemoveExpired evicts every session past its expiry and returns their
// acronyms. Sessions busy under their own lock are left for the next pass.
func (r *Registry) RemoveExpired(ctx context.Context) ([]string, error) {
	if err := r.mu.Acquire(ctx); err != nil {
		return nil, err
	}
	defer r.mu.Release()

	log := zerolog.Ctx(ctx).With().Str("component", "registry").Logger()
	var evicted []string
	for acronym, st := range r.sessions {
		if !st.TryLock() {
			continue
		}
		expired := st.IsExpired()
		st.Unlock()
		if !expired {
			continue
		}

		delete(r.sessions, acronym)
		if r.cache != nil {
			if err := r.cache.Del(ctx, r.Key(acronym)); err != nil {
				log.Warn().Err(err).Str("acronym", acronym).Msg("Failed to delete expired session from cache")
			}
		}
		evicted = append(evicted, acronym)
	}

	sort.Strings(evicted)
	if len(evicted) > 0 {
		log.Info().Strs("acronyms", evicted).Msg("Expired sessions removed")
	}
	return evicted, nil
}

// Reset drops all in-process state. The shared cache is untouched.
func (r *Registry) Reset() {
	_ = r.mu.With(context.Background(), func() error {
		r.sessions = make(map[string]*State)
		return nil
	})
}

// All returns the known sessions ordered by acronym.
func (r *Registry) All(ctx context.Context) ([]*State, error) {
	if err := r.mu.Acquire(ctx); err != nil {
		return nil, err
	}
	defer r.mu.Release()

	out := make([]*State, 0, len(r.sessions))
	for _, st := range r.sessions {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Acronym < out[j].Acronym })
	return out, nil
}

// Persist publishes st to the shared cache. The caller holds st's lock.
func (r *Registry) Persist(ctx context.Context, st *State) error {
	return r.publish(ctx, st)
}

// Refresh pulls a newer copy of st published by another process. The caller
// holds st's lock.
func (r *Registry) Refresh(ctx context.Context, st *State) error {
	if r.cache == nil {
		return nil
	}
	cached, err := r.load(ctx, st.Acronym)
	if err != nil {
		return err
	}
	if cached != nil && cached.Revision > st.Revision {
		st.adopt(cached.Data)
	}
	return nil
}

func (r *Registry) publish(ctx context.Context, st *State) error {
	st.Revision++
	if r.cache == nil {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", st.Acronym, err)
	}
	return r.cache.Put(ctx, r.Key(st.Acronym), data)
}

func (r *Registry) load(ctx context.Context, acronym string) (*State, error) {
	if r.cache == nil {
		return nil, nil
	}
	data, found, err := r.cache.Get(ctx, r.Key(acronym))
	if err != nil || !found {
		return nil, err
	}
	st := &State{clock: r.clock}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, errors.Join(ErrCorruptState, err)
	}
	if st.Acronym != acronym {
		return nil, ErrCorruptState
	}
	return st, nil
}

// resolve tries the class session lookup, then the ad-hoc lookup.
func (r *Registry) resolve(ctx context.Context, acronym string) (*types.SessionDefinition, error) {
	if r.source == nil {
		return nil, nil
	}
	def, err := r.source.FindClassSession(ctx, acronym)
	if err != nil {
		return nil, err
	}
	if def != nil {
		return def, nil
	}
	return r.source.FindAdHocSession(ctx, acronym)
}
