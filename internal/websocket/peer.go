package websocket

import (
	"liveclass/pkg/interfaces"
	"liveclass/pkg/types"
)

// peer is a connection bound to the registry that routes its group traffic.
type peer struct {
	*Connection
	registry *Registry
}

var _ interfaces.Peer = (*peer)(nil)

func newPeer(conn *Connection, registry *Registry) *peer {
	return &peer{Connection: conn, registry: registry}
}

func (p *peer) JoinGroup(group string) {
	if err := p.registry.Join(group, p.Connection); err != nil {
		p.registry.logger.Warn().Err(err).Str("conn", p.ID()).Msg("Join failed")
	}
}

func (p *peer) LeaveGroup(group string) { p.registry.Leave(group, p.Connection) }

func (p *peer) BroadcastExcept(group string, evt *types.Event) {
	p.registry.Broadcast(group, evt, p.ID())
}

func (p *peer) Broadcast(group string, evt *types.Event) {
	p.registry.Broadcast(group, evt, "")
}
