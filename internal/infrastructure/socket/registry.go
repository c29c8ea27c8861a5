package socket

import (
	"fmt"
	"io"
	"sync"

	"github.com/orris-inc/meshnode/internal/infrastructure/security"
	"github.com/orris-inc/meshnode/internal/shared/logger"
)

// Registry owns every live connection. The key and socket indexes are
// updated together under one lock.
type Registry struct {
	hasher security.Hasher
	events *Events
	logger logger.Interface

	mu       sync.RWMutex
	byKey    map[string]*Connection
	bySocket map[io.Closer]string
	open     int
}

func NewRegistry(hasher security.Hasher, events *Events, log logger.Interface) *Registry {
	return &Registry{
		hasher:   hasher,
		events:   events,
		logger:   log,
		byKey:    make(map[string]*Connection),
		bySocket: make(map[io.Closer]string),
	}
}

// KeyFor derives the connection key of an address pair.
func (r *Registry) KeyFor(ip string, port int) string {
	return r.hasher.Hash(fmt.Sprintf("%s_%d", ip, port))
}

// Add tracks a stream socket. If the address pair is already tracked the
// existing connection is returned and nothing is notified. An entry that is
// being removed does not count as tracked: the new socket replaces it.
func (r *Registry) Add(socket io.Closer, ip string, port int) *Connection {
	return r.add(socket, ip, port, false)
}

// AddListener tracks the local listening socket.
func (r *Registry) AddListener(socket io.Closer, ip string, port int) *Connection {
	return r.add(socket, ip, port, true)
}

func (r *Registry) add(socket io.Closer, ip string, port int, listener bool) *Connection {
	key := r.KeyFor(ip, port)

	r.mu.Lock()
	if existing, ok := r.byKey[key]; ok && !existing.removed.Load() {
		r.mu.Unlock()
		r.logger.Warnw("connection already registered", "key", key, "ip", ip, "port", port)
		return existing
	}
	conn := newConnection(key, socket, ip, port, listener)
	r.byKey[key] = conn
	r.bySocket[socket] = key
	r.open++
	r.mu.Unlock()

	r.logger.Debugw("connection registered", "key", key, "ip", ip, "port", port, "listener", listener)
	r.events.fireCreated(conn)
	return conn
}

// RemoveByKey notifies removal subscribers, closes the socket and evicts the
// connection. It returns false when the key is unknown or already being
// removed.
func (r *Registry) RemoveByKey(key string) bool {
	r.mu.RLock()
	conn, ok := r.byKey[key]
	r.mu.RUnlock()
	if !ok || !conn.removed.CompareAndSwap(false, true) {
		return false
	}

	r.events.fireRemoved(conn)

	if err := conn.socket.Close(); err != nil {
		r.logger.Debugw("close socket", "key", key, "error", err)
	}

	r.mu.Lock()
	if r.byKey[key] == conn {
		delete(r.byKey, key)
	}
	delete(r.bySocket, conn.socket)
	r.open--
	r.mu.Unlock()

	r.logger.Debugw("connection removed", "key", key, "ip", conn.ip, "port", conn.port)
	return true
}

// RemoveBySocket is RemoveByKey addressed by socket.
func (r *Registry) RemoveBySocket(socket io.Closer) bool {
	r.mu.RLock()
	key, ok := r.bySocket[socket]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.RemoveByKey(key)
}

// Lookup returns the live connection owning socket.
func (r *Registry) Lookup(socket io.Closer) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.bySocket[socket]
	if !ok {
		return nil
	}
	return r.live(key)
}

func (r *Registry) LookupByAddress(ip string, port int) *Connection {
	return r.LookupByKey(r.KeyFor(ip, port))
}

func (r *Registry) LookupByKey(key string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live(key)
}

// FindByUUID returns the first stream connection whose metadata carries uuid.
func (r *Registry) FindByUUID(uuid string) *Connection {
	if uuid == "" {
		return nil
	}
	for _, conn := range r.All() {
		if !conn.IsListener() && conn.Metadata().UUID == uuid {
			return conn
		}
	}
	return nil
}

// live must be called with r.mu held.
func (r *Registry) live(key string) *Connection {
	conn, ok := r.byKey[key]
	if !ok || conn.removed.Load() {
		return nil
	}
	return conn
}

// All returns a snapshot of the live connections.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.byKey))
	for _, conn := range r.byKey {
		if !conn.removed.Load() {
			conns = append(conns, conn)
		}
	}
	return conns
}

// Count returns the number of open sockets, listener included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.open
}

// CleanAll removes every tracked connection.
func (r *Registry) CleanAll() {
	for _, conn := range r.All() {
		r.RemoveByKey(conn.Key())
	}
}

// consistent reports whether both indexes describe the same set. It does not
// hold while a replaced entry is still being removed.
func (r *Registry) consistent() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.byKey) != len(r.bySocket) {
		return false
	}
	for socket, key := range r.bySocket {
		conn, ok := r.byKey[key]
		if !ok || conn.socket != socket {
			return false
		}
	}
	return true
}
