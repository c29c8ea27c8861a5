package socket

import (
	"sync"

	"github.com/orris-inc/meshnode/internal/shared/goroutine"
	"github.com/orris-inc/meshnode/internal/shared/logger"
)

// ConnectionHandler observes a connection lifecycle change.
type ConnectionHandler func(conn *Connection)

// DataHandler observes bytes read from a connection.
type DataHandler func(conn *Connection, data []byte)

// ServerHandler observes a listener lifecycle change.
type ServerHandler func()

// Events holds the optional subscribers of a reactor. Subscribers run in
// registration order on the goroutine that raised the event, and a panic in
// one subscriber does not prevent the next from running.
type Events struct {
	mu      sync.RWMutex
	created []ConnectionHandler
	removed []ConnectionHandler
	data    []DataHandler
	started []ServerHandler
	stopped []ServerHandler
	logger  logger.Interface
}

func NewEvents(log logger.Interface) *Events {
	return &Events{logger: log}
}

func (e *Events) OnConnectionCreated(fn ConnectionHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created = append(e.created, fn)
}

// OnConnectionRemoved subscribers run before the socket is closed.
func (e *Events) OnConnectionRemoved(fn ConnectionHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, fn)
}

func (e *Events) OnDataArrived(fn DataHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = append(e.data, fn)
}

func (e *Events) OnServerStarted(fn ServerHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, fn)
}

func (e *Events) OnServerStopped(fn ServerHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = append(e.stopped, fn)
}

func (e *Events) fireCreated(conn *Connection) {
	e.mu.RLock()
	subs := e.created
	e.mu.RUnlock()
	for _, fn := range subs {
		goroutine.SafeCall(e.logger, "connection created subscriber", func() { fn(conn) })
	}
}

func (e *Events) fireRemoved(conn *Connection) {
	e.mu.RLock()
	subs := e.removed
	e.mu.RUnlock()
	for _, fn := range subs {
		goroutine.SafeCall(e.logger, "connection removed subscriber", func() { fn(conn) })
	}
}

func (e *Events) fireData(conn *Connection, data []byte) {
	e.mu.RLock()
	subs := e.data
	e.mu.RUnlock()
	for _, fn := range subs {
		goroutine.SafeCall(e.logger, "data arrived subscriber", func() { fn(conn, data) })
	}
}

func (e *Events) fireServerStarted() {
	e.mu.RLock()
	subs := e.started
	e.mu.RUnlock()
	for _, fn := range subs {
		goroutine.SafeCall(e.logger, "server started subscriber", fn)
	}
}

func (e *Events) fireServerStopped() {
	e.mu.RLock()
	subs := e.stopped
	e.mu.RUnlock()
	for _, fn := range subs {
		goroutine.SafeCall(e.logger, "server stopped subscriber", fn)
	}
}
