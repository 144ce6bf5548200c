package websocket

import (
	"context"
	"encoding/json"
	"time"

	"liveclass/pkg/types"
)

// relayTimeout bounds a single publish on the broadcast path.
const relayTimeout = 2 * time.Second

// Bus carries group events between processes serving the same sessions.
// Publish reaches every subscriber, the publishing process included.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, fn func(topic string, payload []byte)) error
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBus relays every broadcast to the other processes on bus. Run Relay
// to deliver what they publish.
func WithBus(bus Bus) RegistryOption {
	return func(r *Registry) { r.bus = bus }
}

// relayed is the wire form of a broadcast crossing processes.
type relayed struct {
	Origin string       `json:"origin"`
	Except string       `json:"except,omitempty"`
	Event  *types.Event `json:"event"`
}

func (r *Registry) publish(group string, evt *types.Event, exceptID string) {
	payload, err := json.Marshal(relayed{Origin: r.origin, Except: exceptID, Event: evt})
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode relayed event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()
	if err := r.bus.Publish(ctx, group, payload); err != nil {
		r.logger.Warn().Err(err).Str("group", group).Msg("Event not relayed to peer processes")
	}
}

// Relay delivers events published by other processes to local group
// members until ctx is cancelled. Without a bus it returns at once.
func (r *Registry) Relay(ctx context.Context) error {
	if r.bus == nil {
		return nil
	}
	r.logger.Info().Str("origin", r.origin).Msg("Relaying group events")
	return r.bus.Subscribe(ctx, func(group string, payload []byte) {
		var msg relayed
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Event == nil {
			r.logger.Warn().Err(err).Str("group", group).Msg("Dropping malformed relayed event")
			return
		}
		if msg.Origin == r.origin {
			return
		}
		r.deliver(group, msg.Event, msg.Except)
	})
}
