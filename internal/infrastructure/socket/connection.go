package socket

import (
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orris-inc/meshnode/internal/shared/protocol"
)

// Role tags the peer on the other side of a connection.
type Role string

const (
	RoleUnset  Role = ""
	RoleMaster Role = "MASTER"
	RoleSlave  Role = "SLAVE"
)

// Metadata is the bag of facts learned about a peer during the handshake.
type Metadata struct {
	UUID         string
	NodeType     int
	PID          int
	Name         string
	ListenerPort int
	Status       uint32
	IsSlave      bool
	Info         any
}

// HasStatus reports whether every bit of mask is set.
func (m Metadata) HasStatus(mask uint32) bool {
	return m.Status&mask == mask
}

// Connection is one tracked socket. The registry owns the socket; callers
// must not close it directly.
type Connection struct {
	key      string
	ip       string
	port     int
	socket   io.Closer
	listener bool

	createdAt    time.Time
	lastActivity atomic.Int64
	removed      atomic.Bool

	mu   sync.RWMutex
	role Role
	meta Metadata

	// frames is touched only by the receive worker.
	frames protocol.FrameSplitter
}

func newConnection(key string, socket io.Closer, ip string, port int, listener bool) *Connection {
	c := &Connection{
		key:       key,
		ip:        ip,
		port:      port,
		socket:    socket,
		listener:  listener,
		createdAt: time.Now(),
	}
	c.Touch()
	return c
}

func (c *Connection) Key() string { return c.key }
func (c *Connection) IP() string  { return c.ip }
func (c *Connection) Port() int   { return c.port }

// Addr returns "ip:port".
func (c *Connection) Addr() string {
	return net.JoinHostPort(c.ip, strconv.Itoa(c.port))
}

// IsListener reports whether the connection wraps the local listening socket.
func (c *Connection) IsListener() bool { return c.listener }

// Conn returns the stream socket, or nil for the listener.
func (c *Connection) Conn() net.Conn {
	nc, _ := c.socket.(net.Conn)
	return nc
}

func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Removed reports whether the registry has started tearing the connection down.
func (c *Connection) Removed() bool {
	return c.removed.Load()
}

func (c *Connection) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) SetRole(role Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
}

// Metadata returns a copy of the metadata bag.
func (c *Connection) Metadata() Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// UpdateMetadata mutates the metadata bag under the connection lock and
// returns the result.
func (c *Connection) UpdateMetadata(fn func(m *Metadata)) Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.meta)
	return c.meta
}

// Frames returns the stream reassembly buffer of the connection.
func (c *Connection) Frames() *protocol.FrameSplitter {
	return &c.frames
}
