package node

import (
	"context"
	"time"

	"github.com/orris-inc/meshnode/internal/application/node/dto"
	domain "github.com/orris-inc/meshnode/internal/domain/node"
	"github.com/orris-inc/meshnode/internal/infrastructure/pubsub"
	"github.com/orris-inc/meshnode/internal/infrastructure/socket"
	"github.com/orris-inc/meshnode/internal/shared/biztime"
	nodeErrors "github.com/orris-inc/meshnode/internal/shared/errors"
	"github.com/orris-inc/meshnode/internal/shared/logger"
	"github.com/orris-inc/meshnode/internal/shared/protocol"
)

const sideEffectTimeout = 3 * time.Second

// Router is the master's port allocator and message router.
type Router struct {
	core        *core
	pool        *domain.PortPool
	services    *domain.ServiceTable
	subscribers *domain.ChangeSubscribers
	gateway     GatewayTransport
	bridge      BridgeTransport
	topology    pubsub.TopologyPublisher
	installed   domain.InstalledNodeRepository
	remote      *RemoteDirectory
	logger      logger.Interface
}

func newRouter(c *core, pool *domain.PortPool, services *domain.ServiceTable, deps MasterDeps) *Router {
	return &Router{
		core:        c,
		pool:        pool,
		services:    services,
		subscribers: domain.NewChangeSubscribers(),
		gateway:     deps.Gateway,
		bridge:      deps.Bridge,
		topology:    deps.Topology,
		installed:   deps.Installed,
		remote:      deps.Remote,
		logger:      c.logger.Named("router"),
	}
}

// Pool exposes the port pool.
func (r *Router) Pool() *domain.PortPool { return r.pool }

// Services exposes the service slot table.
func (r *Router) Services() *domain.ServiceTable { return r.services }

// Subscribers exposes the change subscriber list.
func (r *Router) Subscribers() *domain.ChangeSubscribers { return r.subscribers }

// RequestPort grants conn a listener port. A connection that already holds
// a port gets the same port back. An empty pool yields 0.
func (r *Router) RequestPort(conn *socket.Connection, req dto.GetPortRequest) int {
	var port int
	var granted bool
	meta := conn.UpdateMetadata(func(m *socket.Metadata) {
		if m.ListenerPort != 0 {
			port = m.ListenerPort
			return
		}
		p, ok := r.pool.Allocate()
		if !ok {
			return
		}
		port = p
		granted = true
		m.UUID = req.UUID
		m.NodeType = req.Type
		m.Name = req.Name
		m.ListenerPort = p
		m.IsSlave = true
		m.Status |= domain.StatusPortAssigned
	})
	if !granted {
		if port == 0 {
			r.logger.Warnw("port pool exhausted", "uuid", req.UUID, "key", conn.Key())
		}
		return port
	}

	desc := domain.Descriptor{IP: conn.IP(), Port: port, UUID: meta.UUID, Type: meta.NodeType, Name: meta.Name}
	r.logger.Infow("port granted", "uuid", desc.UUID, "port", port, "ip", desc.IP)

	r.services.Bind(desc.Type, desc.UUID)
	r.notifyGateway(protocol.CmdNodeConnected, desc)
	r.broadcast(protocol.CmdMasterAppendNode, desc, conn)
	r.publish(pubsub.TopologyNodeAppended, desc)
	r.recordInstalled(desc, meta.Info)
	r.EmitOnNodeChange(dto.NodeChange{Event: dto.NodeChangeAppended, Node: desc})
	return port
}

// ReleasePort returns the port of a departing connection to the pool and
// tells everyone else. Calling it again for the same connection is a no-op.
func (r *Router) ReleasePort(conn *socket.Connection) {
	var port int
	meta := conn.UpdateMetadata(func(m *socket.Metadata) {
		port = m.ListenerPort
		m.ListenerPort = 0
	})

	if meta.UUID != "" {
		r.subscribers.DropNode(meta.UUID)
		if slot, ok := r.services.Get(meta.NodeType); ok && slot.UUID == meta.UUID {
			r.services.Unbind(meta.NodeType)
		}
	}

	if !meta.IsSlave || port == 0 {
		return
	}
	if err := r.pool.Release(port); err != nil {
		r.logger.Errorw("failed to release port", "port", port, "uuid", meta.UUID, "error", err)
	}

	desc := domain.Descriptor{IP: conn.IP(), Port: port, UUID: meta.UUID, Type: meta.NodeType, Name: meta.Name}
	r.logger.Infow("port released", "uuid", desc.UUID, "port", port)

	r.notifyGateway(protocol.CmdNodeDisconnected, desc)
	r.broadcast(protocol.CmdMasterRemoveNode, desc, conn)
	r.publish(pubsub.TopologyNodeRemoved, desc)
	r.markOffline(desc.UUID)
	r.EmitOnNodeChange(dto.NodeChange{Event: dto.NodeChangeRemoved, Node: desc})
}

// LocalNodes lists every tracked peer except the listener.
func (r *Router) LocalNodes() []domain.Descriptor {
	conns := r.core.reactor.Registry().All()
	nodes := make([]domain.Descriptor, 0, len(conns))
	for _, c := range conns {
		if c.IsListener() {
			continue
		}
		m := c.Metadata()
		nodes = append(nodes, domain.Descriptor{
			IP:   c.IP(),
			Port: m.ListenerPort,
			UUID: m.UUID,
			Type: m.NodeType,
			Name: m.Name,
		})
	}
	return nodes
}

// findLocal resolves dest as a node uuid or a connection key.
func (r *Router) findLocal(dest string) *socket.Connection {
	reg := r.core.reactor.Registry()
	if c := reg.FindByUUID(dest); c != nil {
		return c
	}
	if c := reg.LookupByKey(dest); c != nil && !c.IsListener() {
		return c
	}
	return nil
}

// RouteExternal forwards an envelope not addressed to this node to the
// local connection it names. The bytes on the wire are the envelope as
// received plus framing. Unresolved destinations are dropped.
func (r *Router) RouteExternal(env *protocol.Envelope) bool {
	dest := env.Header.Destination
	if conn := r.findLocal(dest); conn != nil {
		if err := r.forward(conn, env); err != nil {
			r.logger.Warnw("failed to forward envelope", "destination", dest, "key", conn.Key(), "error", err)
			return false
		}
		return true
	}

	log := r.logger.With("destination", dest, "command", env.Command(), "source", env.Header.Source)
	if r.remote != nil {
		if rn, ok := r.remote.Lookup(dest); ok {
			log.Warnw("destination is held by another master, dropping", "master_uuid", rn.MasterUUID)
			return false
		}
	}
	log.Warnw("destination not found, dropping")
	return false
}

// RelayUpstream routes an envelope from a local peer that is not addressed
// to this node: to a local browser, a local connection or the gateway.
func (r *Router) RelayUpstream(env *protocol.Envelope) bool {
	if env.AdditionalString(protocol.AdditionalPipe) == protocol.PipeLocalWS {
		if wsID := env.AdditionalString(protocol.AdditionalWSID); wsID != "" && r.bridge != nil {
			if err := r.bridge.Send(wsID, env); err != nil {
				r.logger.Warnw("failed to relay to local websocket client", "ws_id", wsID, "error", err)
				return false
			}
			return true
		}
	}
	if conn := r.findLocal(env.Header.Destination); conn != nil {
		if err := r.forward(conn, env); err != nil {
			r.logger.Warnw("failed to forward envelope", "destination", env.Header.Destination, "error", err)
			return false
		}
		return true
	}
	if r.gatewayUp() {
		if err := r.gateway.Send(env); err != nil {
			r.logger.Warnw("failed to relay to gateway", "destination", env.Header.Destination, "error", err)
			return false
		}
		return true
	}
	return r.RouteExternal(env)
}

func (r *Router) forward(conn *socket.Connection, env *protocol.Envelope) error {
	raw := env.Raw
	if raw == nil {
		var err error
		if raw, err = protocol.Marshal(env); err != nil {
			return err
		}
	}
	return r.core.reactor.Send(conn, protocol.AppendFraming(raw))
}

// EmitOnNodeChange sends on_node_change to every subscriber.
func (r *Router) EmitOnNodeChange(change any) {
	self := r.core.id.UUID
	for _, sub := range r.subscribers.All() {
		var err error
		switch sub.ItemType {
		case domain.ItemNode:
			env := r.core.request(sub.UUID, protocol.CmdOnNodeChange, change)
			if conn := r.findLocal(sub.UUID); conn != nil {
				err = r.core.sendFramed(conn, env)
			} else {
				err = r.sendGateway(env)
			}
		case domain.ItemWebfaceGateway:
			env := r.core.builder.BuildRequest(protocol.MessageTypeDirect, protocol.DestinationWebface, self,
				protocol.CmdOnNodeChange, change, map[string]any{"identifier": -1, "webface_indexer": sub.WebfaceIndexer})
			err = r.sendGateway(env)
		case domain.ItemWebfaceLocal:
			env := r.core.builder.BuildRequest(protocol.MessageTypeDirect, protocol.DestinationWebface, self,
				protocol.CmdOnNodeChange, change, map[string]any{"identifier": -1})
			if r.bridge == nil {
				err = nodeErrors.NewNotFoundError("local websocket bridge not configured")
			} else {
				err = r.bridge.Send(sub.WSID, env)
			}
		}
		if err != nil {
			r.logger.Debugw("on_node_change not delivered", "item_type", sub.ItemType, "uuid", sub.UUID, "ws_id", sub.WSID, "error", err)
		}
	}
}

// Announce re-sends node_connected for every peer holding a port.
func (r *Router) Announce() {
	for _, c := range r.core.reactor.Registry().All() {
		if c.IsListener() {
			continue
		}
		m := c.Metadata()
		if !m.HasStatus(domain.StatusPortAssigned) || m.ListenerPort == 0 {
			continue
		}
		r.notifyGateway(protocol.CmdNodeConnected, domain.Descriptor{
			IP: c.IP(), Port: m.ListenerPort, UUID: m.UUID, Type: m.NodeType, Name: m.Name,
		})
	}
}

// broadcast sends cmd to every connection except the listener and exclude.
func (r *Router) broadcast(cmd protocol.Command, desc domain.Descriptor, exclude *socket.Connection) {
	for _, c := range r.core.reactor.Registry().All() {
		if c.IsListener() || c == exclude {
			continue
		}
		env := r.core.builder.Build(protocol.DirectionResponse, protocol.MessageTypeDirect,
			c.Metadata().UUID, r.core.id.UUID, cmd, desc, nil)
		if err := r.core.sendFramed(c, env); err != nil {
			r.logger.Debugw("broadcast not delivered", "command", cmd, "key", c.Key(), "error", err)
		}
	}
}

func (r *Router) gatewayUp() bool {
	return r.gateway != nil && r.gateway.Connected()
}

func (r *Router) sendGateway(env *protocol.Envelope) error {
	if !r.gatewayUp() {
		return nodeErrors.NewNotFoundError("gateway not connected")
	}
	return r.gateway.Send(env)
}

func (r *Router) notifyGateway(cmd protocol.Command, desc domain.Descriptor) {
	env := r.core.builder.BuildRequest(protocol.MessageTypeMaster, protocol.DestinationGateway,
		r.core.id.UUID, cmd, dto.NodeEvent{Node: desc}, nil)
	if err := r.sendGateway(env); err != nil {
		r.logger.Debugw("gateway notification skipped", "command", cmd, "uuid", desc.UUID, "error", err)
	}
}

func (r *Router) publish(typ pubsub.TopologyEventType, desc domain.Descriptor) {
	if r.topology == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	err := r.topology.PublishTopologyEvent(ctx, pubsub.TopologyEvent{
		Type:       typ,
		MasterUUID: r.core.id.UUID,
		Node:       desc,
		Timestamp:  biztime.NowUTC().Unix(),
	})
	if err != nil {
		r.logger.Warnw("failed to publish topology event", "type", typ, "uuid", desc.UUID, "error", err)
	}
}

func (r *Router) recordInstalled(desc domain.Descriptor, info any) {
	if r.installed == nil || desc.UUID == "" {
		return
	}
	infoMap, _ := info.(map[string]any)
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	err := r.installed.Upsert(ctx, &domain.InstalledNode{
		UUID:       desc.UUID,
		Name:       desc.Name,
		Type:       desc.Type,
		IP:         desc.IP,
		Port:       desc.Port,
		Online:     true,
		LastSeenAt: biztime.NowUTC(),
		Info:       infoMap,
	})
	if err != nil {
		r.logger.Warnw("failed to record installed node", "uuid", desc.UUID, "error", err)
	}
}

func (r *Router) markOffline(uuid string) {
	if r.installed == nil || uuid == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()
	if err := r.installed.MarkOffline(ctx, uuid); err != nil && !nodeErrors.IsNotFoundError(err) {
		r.logger.Warnw("failed to mark installed node offline", "uuid", uuid, "error", err)
	}
}
