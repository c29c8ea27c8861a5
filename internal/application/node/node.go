package node

import (
	"os"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/orris-inc/meshnode/internal/application/node/dto"
	domain "github.com/orris-inc/meshnode/internal/domain/node"
	"github.com/orris-inc/meshnode/internal/infrastructure/socket"
	"github.com/orris-inc/meshnode/internal/shared/goroutine"
	"github.com/orris-inc/meshnode/internal/shared/logger"
	"github.com/orris-inc/meshnode/internal/shared/protocol"
	"github.com/orris-inc/meshnode/internal/shared/utils/logutil"
)

const maxLoggedFrame = 128

// Identity is who this node claims to be on the wire.
type Identity struct {
	UUID    string
	Name    string
	Type    int
	Key     string
	LocalIP string
}

// Request is an inbound request envelope together with its origin.
type Request struct {
	Env *protocol.Envelope
	// Conn is set when the envelope arrived on a raw socket.
	Conn    *socket.Connection
	Replier Replier
}

// RequestHandler answers a request. A nil envelope means no reply.
type RequestHandler func(req *Request) *protocol.Envelope

// ResponseHandler consumes a response.
type ResponseHandler func(req *Request)

// core holds what master and slave share: identity, reactor, machine and
// the command dispatch tables.
type core struct {
	id       Identity
	role     domain.Role
	pid      int
	reactor  *socket.Reactor
	builder  *protocol.Builder
	machine  *Machine
	validate *validator.Validate
	logger   logger.Interface

	// masterUUID reports the master this node belongs to.
	masterUUID func() string

	mu               sync.RWMutex
	requestHandlers  map[protocol.Command]RequestHandler
	responseHandlers map[protocol.Command]ResponseHandler
	customRequest    []RequestHandler
	customResponse   []ResponseHandler
}

func newCore(id Identity, role domain.Role, reactor *socket.Reactor, log logger.Interface) *core {
	c := &core{
		id:               id,
		role:             role,
		pid:              os.Getpid(),
		reactor:          reactor,
		builder:          protocol.NewBuilder(id.Key),
		machine:          NewMachine(StateIdle, log),
		validate:         validator.New(),
		logger:           log,
		requestHandlers:  make(map[protocol.Command]RequestHandler),
		responseHandlers: make(map[protocol.Command]ResponseHandler),
	}
	c.HandleRequest(protocol.CmdGetNodeInfo, c.handleGetNodeInfo)
	c.HandleRequest(protocol.CmdGetNodeStatus, c.handleGetNodeStatus)
	return c
}

// HandleRequest binds a request handler to cmd, replacing any previous one.
func (c *core) HandleRequest(cmd protocol.Command, h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandlers[cmd] = h
}

// HandleResponse binds a response handler to cmd.
func (c *core) HandleResponse(cmd protocol.Command, h ResponseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseHandlers[cmd] = h
}

// OnCustomRequest registers an observer for requests no handler claims. The
// first non-nil reply is sent back.
func (c *core) OnCustomRequest(h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.customRequest = append(c.customRequest, h)
}

// OnCustomResponse registers an observer for unclaimed responses.
func (c *core) OnCustomResponse(h ResponseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.customResponse = append(c.customResponse, h)
}

// Identity returns the node identity.
func (c *core) Identity() Identity { return c.id }

// State returns the current machine state.
func (c *core) State() State { return c.machine.State() }

// Machine exposes the state machine driver.
func (c *core) Machine() *Machine { return c.machine }

// Reactor exposes the socket reactor.
func (c *core) Reactor() *socket.Reactor { return c.reactor }

// Tick advances the state machine. It satisfies scheduler.Ticker.
func (c *core) Tick() { c.machine.Tick() }

// ListenerPort is the port of the running listener, or 0.
func (c *core) ListenerPort() int {
	if lc := c.reactor.ListenerConnection(); lc != nil {
		return lc.Port()
	}
	return 0
}

// NodeInfo describes this node as reported by get_node_info.
func (c *core) NodeInfo() domain.Info {
	return c.infoFor()
}

func (c *core) info(masterUUID string) domain.Info {
	return domain.Info{
		UUID:         c.id.UUID,
		Type:         c.id.Type,
		Name:         c.id.Name,
		IsMaster:     c.role == domain.RoleMaster,
		MasterUUID:   masterUUID,
		PID:          c.pid,
		ListenerPort: c.ListenerPort(),
		IP:           c.id.LocalIP,
	}
}

// isSelf reports whether dest addresses this node.
func (c *core) isSelf(dest string) bool {
	return dest == c.id.UUID || (c.role == domain.RoleMaster && dest == protocol.DestinationMaster)
}

// isLoopback drops envelopes whose destination is contained in their source.
func isLoopback(env *protocol.Envelope) bool {
	dest := env.Header.Destination
	return dest != "" && strings.Contains(env.Header.Source, dest)
}

// dispatch runs the handler bound to the envelope's command and sends any
// reply through the request's replier.
func (c *core) dispatch(req *Request) {
	env := req.Env
	cmd := env.Command()
	log := c.logger.With("command", cmd, "source", env.Header.Source)

	switch {
	case env.IsRequest():
		c.mu.RLock()
		h, ok := c.requestHandlers[cmd]
		custom := c.customRequest
		c.mu.RUnlock()

		var reply *protocol.Envelope
		if ok {
			goroutine.SafeCall(c.logger, "request-"+string(cmd), func() {
				reply = h(req)
			})
		} else {
			for _, fn := range custom {
				goroutine.SafeCall(c.logger, "custom-request", func() {
					reply = fn(req)
				})
				if reply != nil {
					break
				}
			}
			if len(custom) == 0 {
				log.Debugw("no handler for request")
			}
		}
		if reply != nil && req.Replier != nil {
			if err := req.Replier.Reply(reply); err != nil {
				log.Warnw("failed to send reply", "error", err)
			}
		}

	case env.IsResponse():
		c.mu.RLock()
		h, ok := c.responseHandlers[cmd]
		custom := c.customResponse
		c.mu.RUnlock()

		if ok {
			goroutine.SafeCall(c.logger, "response-"+string(cmd), func() {
				h(req)
			})
			return
		}
		for _, fn := range custom {
			goroutine.SafeCall(c.logger, "custom-response", func() {
				fn(req)
			})
		}

	default:
		log.Warnw("envelope has unknown direction", "direction", env.Header.Direction)
	}
}

// readFrames feeds data into the connection's frame buffer and hands every
// complete envelope to route.
func (c *core) readFrames(conn *socket.Connection, data []byte, route func(conn *socket.Connection, env *protocol.Envelope)) {
	for _, frame := range conn.Frames().Push(data) {
		env, err := protocol.Parse(frame)
		if err != nil {
			c.logger.Warnw("dropping malformed frame",
				"key", conn.Key(),
				"ip", conn.IP(),
				"port", conn.Port(),
				"frame", logutil.TruncateBytes(frame, maxLoggedFrame),
				"error", err,
			)
			continue
		}
		route(conn, env)
	}
}

// sendFramed serializes env and queues it on conn.
func (c *core) sendFramed(conn *socket.Connection, env *protocol.Envelope) error {
	data, err := protocol.Frame(env)
	if err != nil {
		return err
	}
	return c.reactor.Send(conn, data)
}

// request builds a DIRECT request from this node.
func (c *core) request(destination string, cmd protocol.Command, payload any) *protocol.Envelope {
	return c.builder.BuildRequest(protocol.MessageTypeDirect, destination, c.id.UUID, cmd, payload, nil)
}

func (c *core) handleGetNodeInfo(req *Request) *protocol.Envelope {
	return protocol.BuildResponse(req.Env, c.infoFor())
}

func (c *core) handleGetNodeStatus(req *Request) *protocol.Envelope {
	return protocol.BuildResponse(req.Env, dto.NodeStatusResponse{
		Status: dto.StatusOnline,
		State:  c.machine.State().String(),
		Info:   c.infoFor(),
	})
}

func (c *core) infoFor() domain.Info {
	master := ""
	if c.masterUUID != nil {
		master = c.masterUUID()
	}
	return c.info(master)
}
