package node

import (
	"context"

	"github.com/orris-inc/meshnode/internal/application/node/dto"
	domain "github.com/orris-inc/meshnode/internal/domain/node"
	"github.com/orris-inc/meshnode/internal/infrastructure/socket"
	"github.com/orris-inc/meshnode/internal/shared/protocol"
)

func (m *Master) handleGetPort(req *Request) *protocol.Envelope {
	if req.Conn == nil {
		m.logger.Warnw("get_port from a non-socket peer", "source", req.Env.Header.Source)
		return protocol.BuildResponse(req.Env, dto.PortResponse{Port: 0})
	}

	var payload dto.GetPortRequest
	if err := protocol.DecodePayload(req.Env, &payload); err != nil {
		m.logger.Warnw("invalid get_port payload", "key", req.Conn.Key(), "error", err)
		return protocol.BuildResponse(req.Env, dto.PortResponse{Port: 0})
	}
	if err := m.validate.Struct(payload); err != nil {
		m.logger.Warnw("invalid get_port payload", "key", req.Conn.Key(), "error", err)
		return protocol.BuildResponse(req.Env, dto.PortResponse{Port: 0})
	}

	port := m.router.RequestPort(req.Conn, payload)
	return protocol.BuildResponse(req.Env, dto.PortResponse{Port: port})
}

func (m *Master) handleGetLocalNodes(req *Request) *protocol.Envelope {
	return protocol.BuildResponse(req.Env, dto.LocalNodesResponse{Nodes: m.router.LocalNodes()})
}

func (m *Master) handleGetInstalledNodes(req *Request) *protocol.Envelope {
	resp := dto.InstalledNodesResponse{Nodes: []*dto.InstalledNodeDTO{}}
	if m.router.installed == nil {
		return protocol.BuildResponse(req.Env, resp)
	}
	ctx, cancel := context.WithTimeout(m.ctx, sideEffectTimeout)
	defer cancel()
	nodes, err := m.router.installed.List(ctx)
	if err != nil {
		m.logger.Errorw("failed to list installed nodes", "error", err)
		return protocol.BuildResponse(req.Env, resp)
	}
	if list := dto.ToInstalledNodeDTOs(nodes); list != nil {
		resp.Nodes = list
	}
	return protocol.BuildResponse(req.Env, resp)
}

// subscriptionFrom decodes a change registration and fills what the
// transport already told us about the caller.
func (m *Master) subscriptionFrom(env *protocol.Envelope) (domain.Subscription, error) {
	var sub domain.Subscription
	if err := protocol.DecodePayload(env, &sub); err != nil {
		return sub, err
	}
	if sub.ItemType == domain.ItemNode && sub.UUID == "" {
		sub.UUID = env.Header.Source
	}
	if sub.ItemType == domain.ItemWebfaceLocal && sub.WSID == "" {
		sub.WSID = env.AdditionalString(protocol.AdditionalWSID)
	}
	if sub.Pipe == "" {
		sub.Pipe = env.AdditionalString(protocol.AdditionalPipe)
	}
	return sub, m.validate.Struct(sub)
}

func (m *Master) handleRegisterOnNodeChange(req *Request) *protocol.Envelope {
	sub, err := m.subscriptionFrom(req.Env)
	if err != nil {
		m.logger.Warnw("invalid change registration", "source", req.Env.Header.Source, "error", err)
		return protocol.BuildResponse(req.Env, dto.RegistrationResponse{Type: m.id.Type, Registered: dto.RegisteredFailed})
	}
	if m.router.subscribers.Register(sub) {
		m.logger.Infow("change subscriber registered", "item_type", sub.ItemType, "uuid", sub.UUID, "ws_id", sub.WSID)
	}
	return protocol.BuildResponse(req.Env, dto.RegistrationResponse{Type: m.id.Type, Registered: dto.RegisteredOK})
}

func (m *Master) handleUnregisterOnNodeChange(req *Request) *protocol.Envelope {
	sub, err := m.subscriptionFrom(req.Env)
	if err != nil {
		m.logger.Warnw("invalid change unregistration", "source", req.Env.Header.Source, "error", err)
		return protocol.BuildResponse(req.Env, dto.RegistrationResponse{Type: m.id.Type, Registered: dto.RegisteredFailed})
	}
	m.router.subscribers.Unregister(sub)
	return protocol.BuildResponse(req.Env, dto.RegistrationResponse{Type: m.id.Type, Registered: dto.RegisteredOK})
}

// handleRegistrationResponse toggles the slot of the service that
// acknowledged a (un)registration.
func (m *Master) handleRegistrationResponse(registered bool) ResponseHandler {
	return func(req *Request) {
		var resp dto.RegistrationResponse
		if err := protocol.DecodePayload(req.Env, &resp); err != nil {
			m.logger.Warnw("invalid registration response", "source", req.Env.Header.Source, "error", err)
			return
		}
		if resp.Registered != dto.RegisteredOK {
			return
		}
		if m.router.services.SetRegistered(resp.Type, registered) {
			m.logger.Infow("service registration updated", "type", resp.Type, "registered", registered)
		}
	}
}

// handleNodeInfoResponse fills the metadata of the connection that answered
// get_node_info.
func (m *Master) handleNodeInfoResponse(req *Request) {
	if req.Conn == nil {
		return
	}
	var info domain.Info
	if err := protocol.DecodePayload(req.Env, &info); err != nil {
		m.logger.Warnw("invalid node info", "key", req.Conn.Key(), "error", err)
		return
	}
	var raw map[string]any
	_ = protocol.DecodePayload(req.Env, &raw)

	meta := req.Conn.UpdateMetadata(func(md *socket.Metadata) {
		if md.UUID == "" {
			md.UUID = info.UUID
		}
		if md.Name == "" {
			md.Name = info.Name
		}
		if !md.IsSlave {
			md.NodeType = info.Type
		}
		md.PID = info.PID
		md.Info = raw
		md.Status |= domain.StatusConnected
	})
	m.logger.Infow("node identified", "uuid", meta.UUID, "type", meta.NodeType, "name", meta.Name, "key", req.Conn.Key())
}
