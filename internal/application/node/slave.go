package node

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/orris-inc/meshnode/internal/application/node/dto"
	domain "github.com/orris-inc/meshnode/internal/domain/node"
	"github.com/orris-inc/meshnode/internal/infrastructure/socket"
	"github.com/orris-inc/meshnode/internal/shared/config"
	nodeErrors "github.com/orris-inc/meshnode/internal/shared/errors"
	"github.com/orris-inc/meshnode/internal/shared/goroutine"
	"github.com/orris-inc/meshnode/internal/shared/logger"
	"github.com/orris-inc/meshnode/internal/shared/protocol"
)

// Dialer opens the connection to the master.
type Dialer func(ctx context.Context, ip string, port int) (*socket.Connection, error)

// SlaveOptions configures a slave node.
type SlaveOptions struct {
	Identity
	MasterHost        string
	MasterPort        int
	MaxConnectTries   int
	ConnectRetryEvery int
	PortPollEvery     int
	ListenerHost      string
	// Dial replaces the reactor dialer when set.
	Dial Dialer
}

// SlaveOptionsFromConfig maps the node and slave config sections.
func SlaveOptionsFromConfig(n config.NodeConfig, s config.SlaveConfig) SlaveOptions {
	return SlaveOptions{
		Identity: Identity{
			UUID:    n.UUID,
			Name:    n.Name,
			Type:    n.Type,
			Key:     n.Key,
			LocalIP: n.LocalIP,
		},
		MasterHost:        s.MasterHost,
		MasterPort:        s.MasterPort,
		MaxConnectTries:   s.MaxConnectTries,
		ConnectRetryEvery: s.ConnectRetryEvery,
		PortPollEvery:     s.PortPollEvery,
	}
}

func (o SlaveOptions) withDefaults() SlaveOptions {
	if o.MasterHost == "" {
		o.MasterHost = o.LocalIP
	}
	if o.MasterHost == "" {
		o.MasterHost = "127.0.0.1"
	}
	if o.ListenerHost == "" {
		o.ListenerHost = defaultListenHost
	}
	if o.ConnectRetryEvery <= 0 {
		o.ConnectRetryEvery = 20
	}
	if o.PortPollEvery <= 0 {
		o.PortPollEvery = 20
	}
	return o
}

// Slave connects to a master, obtains a listener port and serves it.
type Slave struct {
	*core
	opts SlaveOptions
	dial Dialer

	mu       sync.Mutex
	master   *socket.Connection
	masterID string
	tries    int
	port     int
	view     map[string]domain.Descriptor

	// bind is the listener start in flight, if any.
	bind     *listenAttempt
	exited   chan struct{}
	exitOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

type listenAttempt struct {
	port   int
	cancel context.CancelFunc
}

func NewSlave(opts SlaveOptions, reactor *socket.Reactor, log logger.Interface) *Slave {
	opts = opts.withDefaults()
	log = log.With("role", domain.RoleSlave.String(), "uuid", opts.UUID)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Slave{
		core:   newCore(opts.Identity, domain.RoleSlave, reactor, log),
		opts:   opts,
		dial:   opts.Dial,
		view:   make(map[string]domain.Descriptor),
		exited: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	if s.dial == nil {
		s.dial = reactor.Connect
	}
	s.core.masterUUID = s.MasterUUID

	s.machine.Handle(StateIdle, s.stateIdle)
	s.machine.Handle(StateConnectMaster, s.stateConnectMaster)
	s.machine.Handle(StateGetPort, s.stateGetPort)
	s.machine.Handle(StateWaitForPort, s.stateWaitForPort)
	s.machine.Handle(StateStartListener, s.stateStartListener)
	s.machine.SetTerminal(StateExit)
	s.machine.OnTransition(func(_, to State) {
		if to == StateExit {
			s.exitOnce.Do(func() {
				s.logger.Errorw("giving up on master",
					"error", nodeErrors.NewRetryExhaustedError("connect master", s.masterAddr()),
				)
				close(s.exited)
			})
		}
	})

	s.HandleResponse(protocol.CmdGetPort, s.handlePortResponse)
	s.HandleResponse(protocol.CmdGetNodeInfo, s.handleMasterInfo)
	s.HandleResponse(protocol.CmdGetLocalNodes, s.handleLocalNodes)
	s.HandleResponse(protocol.CmdMasterAppendNode, s.handleNodeAppended)
	s.HandleResponse(protocol.CmdMasterRemoveNode, s.handleNodeRemoved)

	events := reactor.Events()
	events.OnDataArrived(func(conn *socket.Connection, data []byte) {
		s.readFrames(conn, data, s.routeSocket)
	})
	events.OnConnectionRemoved(s.onConnectionRemoved)
	return s
}

// Stop tears the node down. Wait on Done for completion.
func (s *Slave) Stop() {
	s.cancel()
	s.reactor.Stop()
}

// Done is closed when the reactor finished its teardown.
func (s *Slave) Done() <-chan struct{} {
	return s.reactor.Done()
}

// Exited is closed when the slave gave up on its master.
func (s *Slave) Exited() <-chan struct{} {
	return s.exited
}

// Port is the listener port granted by the master, or 0.
func (s *Slave) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// MasterUUID is the uuid the master reported, once known.
func (s *Slave) MasterUUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masterID
}

// Peers returns the other nodes of the master, ordered by uuid.
func (s *Slave) Peers() []domain.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Descriptor, 0, len(s.view))
	for _, d := range s.view {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b domain.Descriptor) int { return strings.Compare(a.UUID, b.UUID) })
	return out
}

func (s *Slave) masterAddr() string {
	return fmt.Sprintf("%s:%d", s.opts.MasterHost, s.opts.MasterPort)
}

func (s *Slave) masterConn() *socket.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

func (s *Slave) stateIdle() {
	s.connectMaster()
}

func (s *Slave) stateConnectMaster() {
	if s.machine.Ticks()%uint64(s.opts.ConnectRetryEvery) != 0 {
		return
	}
	s.mu.Lock()
	if s.tries >= s.opts.MaxConnectTries {
		s.mu.Unlock()
		s.machine.SetState(StateExit)
		return
	}
	s.tries++
	s.mu.Unlock()
	s.connectMaster()
}

func (s *Slave) connectMaster() {
	conn, err := s.dial(s.ctx, s.opts.MasterHost, s.opts.MasterPort)
	if err != nil {
		s.logger.Warnw("master not reachable", "addr", s.masterAddr(), "error", err)
		s.machine.SetState(StateConnectMaster)
		return
	}
	conn.SetRole(socket.RoleMaster)

	s.mu.Lock()
	s.master = conn
	s.tries = 0
	s.mu.Unlock()

	s.logger.Infow("connected to master", "addr", s.masterAddr(), "key", conn.Key())
	s.machine.SetState(StateGetPort)

	for _, cmd := range []protocol.Command{protocol.CmdGetNodeInfo, protocol.CmdGetLocalNodes} {
		if err := s.sendFramed(conn, s.request(protocol.DestinationMaster, cmd, nil)); err != nil {
			s.logger.Warnw("failed to query master", "command", cmd, "error", err)
		}
	}
}

func (s *Slave) stateGetPort() {
	conn := s.masterConn()
	if conn == nil {
		s.machine.SetState(StateConnectMaster)
		return
	}
	env := s.request(protocol.DestinationMaster, protocol.CmdGetPort, dto.GetPortRequest{
		UUID: s.id.UUID,
		Type: s.id.Type,
		Name: s.id.Name,
	})
	if err := s.sendFramed(conn, env); err != nil {
		s.logger.Warnw("failed to request port", "error", err)
	}
	s.machine.SetState(StateWaitForPort)
}

func (s *Slave) stateWaitForPort() {
	if s.machine.Ticks()%uint64(s.opts.PortPollEvery) != 0 {
		return
	}
	if s.Port() == 0 {
		s.machine.SetState(StateGetPort)
		return
	}
	s.machine.SetState(StateStartListener)
}

// stateStartListener serves the granted port. A listener left on an earlier
// grant is closed and bound again.
func (s *Slave) stateStartListener() {
	port := s.Port()
	if port == 0 {
		s.machine.SetState(StateGetPort)
		return
	}
	if s.reactor.ListenerRunning() {
		current := s.ListenerPort()
		if current == port {
			s.machine.SetState(StateWorking)
			return
		}
		s.logger.Infow("rebinding listener to granted port", "listener_port", current, "granted_port", port)
		s.reactor.StopListener()
	}

	s.mu.Lock()
	if s.bind != nil {
		if s.bind.port == port {
			s.mu.Unlock()
			return
		}
		s.bind.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	attempt := &listenAttempt{port: port, cancel: cancel}
	s.bind = attempt
	s.mu.Unlock()

	goroutine.SafeGo(s.logger, "slave-listener", func() {
		defer cancel()
		err := s.reactor.StartListener(ctx, s.opts.ListenerHost, port)

		s.mu.Lock()
		if s.bind == attempt {
			s.bind = nil
		}
		s.mu.Unlock()

		if err != nil && !nodeErrors.IsStoppedError(err) && ctx.Err() == nil {
			s.logger.Errorw("failed to start listener", "port", port, "error", err)
		}
	})
}

func (s *Slave) routeSocket(conn *socket.Connection, env *protocol.Envelope) {
	if isLoopback(env) {
		return
	}
	s.dispatch(&Request{Env: env, Conn: conn, Replier: socketReplier{core: s.core, conn: conn}})
}

func (s *Slave) onConnectionRemoved(conn *socket.Connection) {
	s.mu.Lock()
	if s.master != conn {
		s.mu.Unlock()
		return
	}
	s.master = nil
	s.port = 0
	s.view = make(map[string]domain.Descriptor)
	s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	s.logger.Warnw("lost master connection", "addr", s.masterAddr())
	s.machine.SetState(StateConnectMaster)
}

func (s *Slave) handlePortResponse(req *Request) {
	var resp dto.PortResponse
	if err := protocol.DecodePayload(req.Env, &resp); err != nil {
		s.logger.Warnw("invalid get_port response", "error", err)
		return
	}
	if resp.Port == 0 {
		s.logger.Warnw("master has no free port")
		return
	}
	s.mu.Lock()
	s.port = resp.Port
	s.mu.Unlock()
	s.logger.Infow("port assigned", "port", resp.Port)
}

func (s *Slave) handleMasterInfo(req *Request) {
	var info domain.Info
	if err := protocol.DecodePayload(req.Env, &info); err != nil || !info.IsMaster {
		return
	}
	s.mu.Lock()
	s.masterID = info.UUID
	s.mu.Unlock()
}

func (s *Slave) handleLocalNodes(req *Request) {
	var resp dto.LocalNodesResponse
	if err := protocol.DecodePayload(req.Env, &resp); err != nil {
		s.logger.Warnw("invalid get_local_nodes response", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = make(map[string]domain.Descriptor, len(resp.Nodes))
	for _, d := range resp.Nodes {
		if d.UUID != "" && d.UUID != s.id.UUID {
			s.view[d.UUID] = d
		}
	}
}

func (s *Slave) handleNodeAppended(req *Request) {
	var d domain.Descriptor
	if err := protocol.DecodePayload(req.Env, &d); err != nil || d.UUID == "" || d.UUID == s.id.UUID {
		return
	}
	s.mu.Lock()
	s.view[d.UUID] = d
	s.mu.Unlock()
	s.logger.Debugw("peer appended", "peer", d.UUID, "port", d.Port)
}

func (s *Slave) handleNodeRemoved(req *Request) {
	var d domain.Descriptor
	if err := protocol.DecodePayload(req.Env, &d); err != nil || d.UUID == "" {
		return
	}
	s.mu.Lock()
	delete(s.view, d.UUID)
	s.mu.Unlock()
	s.logger.Debugw("peer removed", "peer", d.UUID)
}
