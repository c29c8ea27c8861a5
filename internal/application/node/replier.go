package node

import (
	"github.com/orris-inc/meshnode/internal/infrastructure/socket"
	nodeErrors "github.com/orris-inc/meshnode/internal/shared/errors"
	"github.com/orris-inc/meshnode/internal/shared/protocol"
)

// Replier sends a reply back over the transport a request came in on.
type Replier interface {
	Reply(env *protocol.Envelope) error
}

// GatewayTransport is the upstream broker connection.
type GatewayTransport interface {
	AccessGateway(key string, payload any)
	Send(env *protocol.Envelope) error
	Connected() bool
}

// BridgeTransport is the browser-facing WebSocket bridge.
type BridgeTransport interface {
	Send(clientID string, env *protocol.Envelope) error
}

type socketReplier struct {
	core *core
	conn *socket.Connection
}

func (r socketReplier) Reply(env *protocol.Envelope) error {
	return r.core.sendFramed(r.conn, env)
}

type gatewayReplier struct {
	gateway GatewayTransport
}

func (r gatewayReplier) Reply(env *protocol.Envelope) error {
	if r.gateway == nil {
		return nodeErrors.NewNotFoundError("gateway not configured")
	}
	return r.gateway.Send(env)
}

type bridgeReplier struct {
	bridge   BridgeTransport
	clientID string
}

func (r bridgeReplier) Reply(env *protocol.Envelope) error {
	if r.bridge == nil {
		return nodeErrors.NewNotFoundError("local websocket bridge not configured")
	}
	return r.bridge.Send(r.clientID, env)
}
