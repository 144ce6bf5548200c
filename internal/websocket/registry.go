package websocket

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

// Registry tracks open connections and the broadcast groups they joined.
// A group is named after a session acronym.
// TECHNICAL DISCOVERY: RWMutex optimizes for the read-heavy fan-out path
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*Connection            // conn id -> Connection
	groups     map[string]map[string]*Connection // group -> conn id -> Connection
	membership map[string]map[string]struct{}    // conn id -> groups
	logger     zerolog.Logger

	bus    Bus
	origin string // identifies this process on the bus
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		conns:      make(map[string]*Connection),
		groups:     make(map[string]map[string]*Connection),
		membership: make(map[string]map[string]struct{}),
		logger:     logger.With().Str("component", "ws_registry").Logger(),
		origin:     uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ interfaces.GroupNotifier = (*Registry)(nil)

// Register starts tracking conn.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
	if r.membership[conn.ID()] == nil {
		r.membership[conn.ID()] = make(map[string]struct{})
	}
	return nil
}

// Unregister drops conn from every group and returns the groups it left.
// Idempotent.
func (r *Registry) Unregister(conn *Connection) []string {
	if conn == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for group := range r.membership[conn.ID()] {
		r.removeLocked(group, conn.ID())
		left = append(left, group)
	}
	delete(r.membership, conn.ID())
	delete(r.conns, conn.ID())
	sort.Strings(left)
	return left
}

// Join adds conn to group. Joining twice is harmless.
func (r *Registry) Join(group string, conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if group == "" {
		return ErrEmptyGroup
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.groups[group] == nil {
		r.groups[group] = make(map[string]*Connection)
	}
	r.groups[group][conn.ID()] = conn
	if r.membership[conn.ID()] == nil {
		r.membership[conn.ID()] = make(map[string]struct{})
	}
	r.membership[conn.ID()][group] = struct{}{}
	return nil
}

// Leave removes conn from group.
func (r *Registry) Leave(group string, conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(group, conn.ID())
	delete(r.membership[conn.ID()], group)
}

// TECHNICAL DISCOVERY: empty groups are deleted to prevent memory leaks
func (r *Registry) removeLocked(group, id string) {
	members, ok := r.groups[group]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.groups, group)
	}
}

// Broadcast sends evt to every member of group except the connection
// with id exceptID, and returns how many local members it was queued for.
// With a bus the event also reaches members held by other processes.
func (r *Registry) Broadcast(group string, evt *types.Event, exceptID string) int {
	sent := r.deliver(group, evt, exceptID)
	if r.bus != nil {
		r.publish(group, evt, exceptID)
	}
	return sent
}

// deliver queues evt for the local members of group.
func (r *Registry) deliver(group string, evt *types.Event, exceptID string) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.groups[group]))
	for id, conn := range r.groups[group] {
		if id != exceptID {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}
	data, err := json.Marshal(evt)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode broadcast event")
		return 0
	}

	sent := 0
	for _, conn := range targets {
		if err := conn.trySend(data); err != nil {
			r.logger.Warn().Err(err).Str("conn", conn.ID()).Str("group", group).Msg("Dropping event for slow connection")
			continue
		}
		sent++
	}
	return sent
}

// Notify sends a server-originated event to the whole group.
func (r *Registry) Notify(group string, evt *types.Event) int {
	return r.Broadcast(group, evt, "")
}

// GroupSize returns the number of connections in group.
func (r *Registry) GroupSize(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[group])
}

// GroupSizes returns the member count of every non-empty group.
func (r *Registry) GroupSizes() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sizes := make(map[string]int, len(r.groups))
	for group, members := range r.groups {
		sizes[group] = len(members)
	}
	return sizes
}

// Groups returns the groups conn belongs to, sorted.
func (r *Registry) Groups(conn *Connection) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	groups := make([]string, 0, len(r.membership[conn.ID()]))
	for group := range r.membership[conn.ID()] {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups
}

// GetStats returns registry statistics for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int{
		"total_connections": len(r.conns),
		"groups":            len(r.groups),
	}
}
