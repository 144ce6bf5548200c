package interfaces

import (
	"context"

	"liveclass/pkg/types"
)

// Peer is one transport connection as seen by the dispatcher
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// keeps the event rules independent of the websocket layer
type Peer interface {
	// ID returns the connection identifier
	ID() string

	// JoinGroup adds the connection to a session's broadcast group
	JoinGroup(group string)

	// LeaveGroup removes the connection from a session's broadcast group
	LeaveGroup(group string)

	// Emit sends an event to this connection only
	Emit(evt *types.Event) error

	// BroadcastExcept sends an event to every member of group but this one
	BroadcastExcept(group string, evt *types.Event)

	// Broadcast sends an event to every member of group, this one included
	Broadcast(group string, evt *types.Event)

	// Heartbeat returns the connection's heartbeat tracker
	Heartbeat() *types.Heartbeat
}

// MessageDispatcher applies inbound protocol messages
type MessageDispatcher interface {
	OnInboundMessage(ctx context.Context, peer Peer, evt *types.Event) error
}

// GroupNotifier pushes server-originated events to a whole group
type GroupNotifier interface {
	Notify(group string, evt *types.Event) int
}
