package node

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/orris-inc/meshnode/internal/application/node/dto"
	domain "github.com/orris-inc/meshnode/internal/domain/node"
	"github.com/orris-inc/meshnode/internal/infrastructure/pubsub"
	"github.com/orris-inc/meshnode/internal/infrastructure/socket"
	"github.com/orris-inc/meshnode/internal/shared/config"
	nodeErrors "github.com/orris-inc/meshnode/internal/shared/errors"
	"github.com/orris-inc/meshnode/internal/shared/goroutine"
	"github.com/orris-inc/meshnode/internal/shared/logger"
	"github.com/orris-inc/meshnode/internal/shared/protocol"
)

const defaultListenHost = "0.0.0.0"

// MasterOptions configures a master node.
type MasterOptions struct {
	Identity
	ListenerHost     string
	ListenerPort     int
	PortBase         int
	PortPoolSize     int
	AccessWaitTicks  int
	HeartbeatEvery   int
	ServiceScanEvery int
	Services         []int
}

// MasterOptionsFromConfig maps the node and master config sections.
func MasterOptionsFromConfig(n config.NodeConfig, m config.MasterConfig) MasterOptions {
	return MasterOptions{
		Identity: Identity{
			UUID:    n.UUID,
			Name:    n.Name,
			Type:    n.Type,
			Key:     n.Key,
			LocalIP: n.LocalIP,
		},
		ListenerPort:     m.ListenerPort,
		PortBase:         m.PortBase,
		PortPoolSize:     m.PortPoolSize,
		AccessWaitTicks:  m.AccessWaitTicks,
		HeartbeatEvery:   m.HeartbeatEvery,
		ServiceScanEvery: m.ServiceScanEvery,
		Services:         n.Services,
	}
}

func (o MasterOptions) withDefaults() MasterOptions {
	if o.ListenerHost == "" {
		o.ListenerHost = defaultListenHost
	}
	if o.AccessWaitTicks <= 0 {
		o.AccessWaitTicks = 10
	}
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = 60
	}
	if o.ServiceScanEvery <= 0 {
		o.ServiceScanEvery = 30
	}
	return o
}

// MasterDeps are the optional collaborators of a master. Nil members
// disable the matching feature.
type MasterDeps struct {
	Gateway   GatewayTransport
	Bridge    BridgeTransport
	Topology  pubsub.TopologyPublisher
	Installed domain.InstalledNodeRepository
	Remote    *RemoteDirectory
}

// Master runs the local listener, grants ports to slaves and bridges them
// to the gateway.
type Master struct {
	*core
	opts    MasterOptions
	router  *Router
	gateway GatewayTransport

	mu         sync.Mutex
	accessTick int

	listenerStarting atomic.Bool
	ctx              context.Context
	cancel           context.CancelFunc
}

// NewMaster wires a master onto reactor. The gateway client, when present,
// must deliver its callbacks to the returned master.
func NewMaster(opts MasterOptions, reactor *socket.Reactor, deps MasterDeps, log logger.Interface) *Master {
	opts = opts.withDefaults()
	log = log.With("role", domain.RoleMaster.String(), "uuid", opts.UUID)

	c := newCore(opts.Identity, domain.RoleMaster, reactor, log)
	c.masterUUID = func() string { return opts.UUID }

	ctx, cancel := context.WithCancel(context.Background())
	m := &Master{
		core:    c,
		opts:    opts,
		gateway: deps.Gateway,
		ctx:     ctx,
		cancel:  cancel,
	}
	m.router = newRouter(c,
		domain.NewPortPool(opts.PortBase, opts.PortPoolSize),
		domain.NewServiceTable(opts.Services),
		deps,
	)

	m.machine.Handle(StateInit, m.stateInit)
	m.machine.Handle(StateInitLocalServer, m.stateInitLocalServer)
	m.machine.Handle(StateInitGateway, m.stateInitGateway)
	m.machine.Handle(StateAccessGateway, m.stateAccessGateway)
	m.machine.Handle(StateAccessWaitGateway, m.stateAccessWaitGateway)
	m.machine.Handle(StateWorking, m.stateWorking)
	m.machine.SetTerminal(StateExit)

	m.HandleRequest(protocol.CmdGetPort, m.handleGetPort)
	m.HandleRequest(protocol.CmdGetLocalNodes, m.handleGetLocalNodes)
	m.HandleRequest(protocol.CmdGetInstalledNodes, m.handleGetInstalledNodes)
	m.HandleRequest(protocol.CmdRegisterOnNodeChange, m.handleRegisterOnNodeChange)
	m.HandleRequest(protocol.CmdUnregisterOnNodeChange, m.handleUnregisterOnNodeChange)
	m.HandleResponse(protocol.CmdGetNodeInfo, m.handleNodeInfoResponse)
	m.HandleResponse(protocol.CmdRegisterOnNodeChange, m.handleRegistrationResponse(true))
	m.HandleResponse(protocol.CmdUnregisterOnNodeChange, m.handleRegistrationResponse(false))
	m.HandleResponse(protocol.CmdPing, func(*Request) {})

	events := reactor.Events()
	events.OnConnectionCreated(m.onConnectionCreated)
	events.OnConnectionRemoved(m.onConnectionRemoved)
	events.OnDataArrived(func(conn *socket.Connection, data []byte) {
		m.readFrames(conn, data, m.routeSocket)
	})
	events.OnServerStopped(func() {
		m.logger.Infow("local server terminated")
	})
	return m
}

// Router exposes the port allocator and router.
func (m *Master) Router() *Router { return m.router }

// Start leaves IDLE. The node advances on every Tick.
func (m *Master) Start() {
	m.machine.SetState(StateInit)
}

// Stop tears the node down. Wait on Done for completion.
func (m *Master) Stop() {
	m.cancel()
	m.reactor.Stop()
}

// Done is closed when the reactor finished its teardown.
func (m *Master) Done() <-chan struct{} {
	return m.reactor.Done()
}

// Status answers the local status surface.
func (m *Master) Status() dto.NodeStatusResponse {
	return dto.NodeStatusResponse{
		Status: dto.StatusOnline,
		State:  m.State().String(),
		Info:   m.NodeInfo(),
	}
}

func (m *Master) stateInit() {
	m.machine.SetState(StateInitLocalServer)
}

func (m *Master) stateInitLocalServer() {
	if m.reactor.ListenerRunning() {
		m.machine.SetState(StateInitGateway)
		return
	}
	if m.listenerStarting.Swap(true) {
		return
	}
	goroutine.SafeGo(m.logger, "master-listener", func() {
		err := m.reactor.StartListener(m.ctx, m.opts.ListenerHost, m.opts.ListenerPort)
		if err != nil {
			if !nodeErrors.IsStoppedError(err) && m.ctx.Err() == nil {
				m.logger.Errorw("failed to start local server", "port", m.opts.ListenerPort, "error", err)
			}
			m.listenerStarting.Store(false)
		}
	})
}

func (m *Master) stateInitGateway() {
	if m.gateway == nil {
		m.logger.Infow("gateway disabled, working locally")
		m.machine.SetState(StateWorking)
		return
	}
	m.resetAccessTick()
	m.machine.SetState(StateAccessGateway)
}

func (m *Master) stateAccessGateway() {
	m.logger.Infow("accessing gateway")
	m.gateway.AccessGateway(m.id.Key, dto.GatewayAccessPayload{
		NodeName: m.id.Name,
		NodeType: m.id.Type,
	})
	m.machine.SetState(StateAccessWaitGateway)
}

func (m *Master) stateAccessWaitGateway() {
	if m.gateway.Connected() {
		m.machine.SetState(StateWorking)
		return
	}
	m.mu.Lock()
	m.accessTick++
	exhausted := m.accessTick > m.opts.AccessWaitTicks
	if exhausted {
		m.accessTick = 0
	}
	m.mu.Unlock()

	if exhausted {
		m.logger.Warnw("gateway did not answer, retrying access")
		m.machine.SetState(StateAccessGateway)
	}
}

func (m *Master) stateWorking() {
	ticks := m.machine.Ticks()
	if ticks%uint64(m.opts.HeartbeatEvery) == 0 {
		m.ping()
	}
	if ticks%uint64(m.opts.ServiceScanEvery) == 0 {
		m.registerPendingServices()
	}
}

func (m *Master) resetAccessTick() {
	m.mu.Lock()
	m.accessTick = 0
	m.mu.Unlock()
}

func (m *Master) ping() {
	env := m.request(protocol.DestinationGateway, protocol.CmdPing, m.NodeInfo())
	if err := m.router.sendGateway(env); err != nil {
		m.logger.Debugw("ping skipped", "error", err)
	}
}

// registerPendingServices asks each bound but unregistered service to
// notify this master of node changes.
func (m *Master) registerPendingServices() {
	for _, slot := range m.router.services.Pending() {
		env := m.request(slot.UUID, protocol.CmdRegisterOnNodeChange, domain.Subscription{
			ItemType: domain.ItemNode,
			UUID:     m.id.UUID,
		})
		var err error
		if conn := m.router.findLocal(slot.UUID); conn != nil {
			err = m.sendFramed(conn, env)
		} else {
			err = m.router.sendGateway(env)
		}
		if err != nil {
			m.logger.Debugw("service registration not sent", "type", slot.Type, "uuid", slot.UUID, "error", err)
		}
	}
}

// OnOpen is called by the gateway client once connected.
func (m *Master) OnOpen() {
	m.logger.Infow("gateway connected")
	m.machine.SetState(StateWorking)
	m.router.Announce()
}

// OnClose is called when an established gateway session ends.
func (m *Master) OnClose() {
	m.logger.Warnw("gateway connection closed")
	m.resetAccessTick()
	m.machine.SetState(StateAccessGateway)
}

// OnError is called when the gateway could not be reached.
func (m *Master) OnError(err error) {
	m.logger.Warnw("gateway error", "error", err)
	m.resetAccessTick()
	m.machine.SetState(StateAccessWaitGateway)
}

// OnMessage handles an envelope from the gateway.
func (m *Master) OnMessage(env *protocol.Envelope) {
	env.SetAdditional(protocol.AdditionalClientType, protocol.ClientTypeGlobalWS)
	if isLoopback(env) {
		return
	}
	if !m.isSelf(env.Header.Destination) {
		m.router.RouteExternal(env)
		return
	}
	switch env.Header.MessageType {
	case protocol.MessageTypeCustom:
		m.logger.Debugw("ignoring custom gateway message", "command", env.Command())
	case protocol.MessageTypeDirect, protocol.MessageTypePrivate, protocol.MessageTypeWebface:
		m.dispatch(&Request{Env: env, Replier: gatewayReplier{gateway: m.gateway}})
	default:
		m.logger.Warnw("unsupported gateway message type",
			"message_type", env.Header.MessageType,
			"command", env.Command(),
		)
	}
}

// OnBridgeMessage handles an envelope from a local WebSocket client.
func (m *Master) OnBridgeMessage(clientID string, env *protocol.Envelope) {
	if isLoopback(env) {
		return
	}
	if !m.isSelf(env.Header.Destination) {
		m.router.RouteExternal(env)
		return
	}
	m.dispatch(&Request{Env: env, Replier: bridgeReplier{bridge: m.router.bridge, clientID: clientID}})
}

// OnBridgeDisconnect drops the subscriptions of a departed local client.
func (m *Master) OnBridgeDisconnect(clientID string) {
	if n := m.router.subscribers.DropLocalClient(clientID); n > 0 {
		m.logger.Debugw("dropped local client subscriptions", "ws_id", clientID, "count", n)
	}
}

func (m *Master) routeSocket(conn *socket.Connection, env *protocol.Envelope) {
	if isLoopback(env) {
		return
	}
	if m.isSelf(env.Header.Destination) {
		m.dispatch(&Request{Env: env, Conn: conn, Replier: socketReplier{core: m.core, conn: conn}})
		return
	}
	m.router.RelayUpstream(env)
}

func (m *Master) onConnectionCreated(conn *socket.Connection) {
	if conn.IsListener() {
		return
	}
	conn.SetRole(socket.RoleSlave)
	m.logger.Infow("node connected", "ip", conn.IP(), "port", conn.Port(), "key", conn.Key())
	if err := m.sendFramed(conn, m.request(conn.Key(), protocol.CmdGetNodeInfo, nil)); err != nil {
		m.logger.Warnw("failed to query node info", "key", conn.Key(), "error", err)
	}
}

func (m *Master) onConnectionRemoved(conn *socket.Connection) {
	if conn.IsListener() {
		return
	}
	m.logger.Infow("node disconnected", "ip", conn.IP(), "port", conn.Port(), "uuid", conn.Metadata().UUID)
	m.router.ReleasePort(conn)
}

// LocalNodes lists the peers connected to this master.
func (m *Master) LocalNodes() []domain.Descriptor {
	return m.router.LocalNodes()
}
