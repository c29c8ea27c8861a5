// Package ws hosts the browser-facing WebSocket bridge that carries the
// envelope protocol for local web clients.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	nodeErrors "github.com/orris-inc/meshnode/internal/shared/errors"
	"github.com/orris-inc/meshnode/internal/shared/goroutine"
	"github.com/orris-inc/meshnode/internal/shared/id"
	"github.com/orris-inc/meshnode/internal/shared/logger"
	"github.com/orris-inc/meshnode/internal/shared/protocol"
	"github.com/orris-inc/meshnode/internal/shared/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local clients only
	},
}

// Handler receives what local clients send.
type Handler interface {
	OnBridgeMessage(clientID string, env *protocol.Envelope)
	OnBridgeDisconnect(clientID string)
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Bridge tracks connected local clients by their ws_ id.
type Bridge struct {
	mu      sync.RWMutex
	clients map[string]*client
	handler Handler
	logger  logger.Interface
}

func NewBridge(log logger.Interface) *Bridge {
	return &Bridge{
		clients: make(map[string]*client),
		logger:  log,
	}
}

// SetHandler installs the receiver of inbound envelopes.
func (b *Bridge) SetHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

func (b *Bridge) currentHandler() Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handler
}

// Count returns the number of connected clients.
func (b *Bridge) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Send queues env for clientID. Envelopes are sent unframed.
func (b *Bridge) Send(clientID string, env *protocol.Envelope) error {
	b.mu.RLock()
	c, ok := b.clients[clientID]
	b.mu.RUnlock()
	if !ok {
		return nodeErrors.NewNotFoundError("websocket client does not exist", clientID)
	}

	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, still := b.clients[clientID]; !still {
		return nodeErrors.NewNotFoundError("websocket client does not exist", clientID)
	}
	select {
	case c.send <- data:
		return nil
	default:
		b.logger.Warnw("websocket client send buffer full, dropping message", "ws_id", clientID)
		return nodeErrors.NewTransientIOError("send buffer full", nil)
	}
}

// Close disconnects every client.
func (b *Bridge) Close() {
	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[string]*client)
	b.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// ServeWS upgrades a local client.
// GET /ws
func (b *Bridge) ServeWS(c *gin.Context) {
	clientID, err := id.NewWSClientID()
	if err != nil {
		b.logger.Errorw("failed to generate websocket client id", "error", err)
		utils.ErrorResponseWithError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.logger.Errorw("failed to upgrade to websocket",
			"error", err,
			"ip", c.ClientIP(),
		)
		return
	}

	cl := &client{id: clientID, conn: conn, send: make(chan []byte, sendBufferSize)}
	b.mu.Lock()
	b.clients[clientID] = cl
	b.mu.Unlock()

	b.logger.Infow("local websocket client connected", "ws_id", clientID, "ip", c.ClientIP())

	goroutine.SafeGo(b.logger, "local-ws-write-pump", func() {
		b.writePump(cl)
	})
	b.readPump(cl)
}

func (b *Bridge) unregister(cl *client) {
	b.mu.Lock()
	current, ok := b.clients[cl.id]
	if ok && current == cl {
		delete(b.clients, cl.id)
	}
	b.mu.Unlock()
	cl.close()

	if !ok || current != cl {
		return
	}
	b.logger.Infow("local websocket client disconnected", "ws_id", cl.id)
	if h := b.currentHandler(); h != nil {
		goroutine.SafeCall(b.logger, "local-ws-disconnect", func() {
			h.OnBridgeDisconnect(cl.id)
		})
	}
}

func (b *Bridge) readPump(cl *client) {
	defer func() {
		b.unregister(cl)
		cl.conn.Close()
	}()

	cl.conn.SetReadLimit(maxMessageSize)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				b.logger.Warnw("local websocket read error",
					"error", err,
					"ws_id", cl.id,
				)
			}
			return
		}

		env, err := protocol.Parse(message)
		if err != nil {
			b.logger.Warnw("failed to parse local websocket message",
				"error", err,
				"ws_id", cl.id,
			)
			continue
		}
		if env.Header.MessageType == protocol.MessageTypeHandshake {
			continue
		}

		env.SetAdditional(protocol.AdditionalWSID, cl.id)
		env.SetAdditional(protocol.AdditionalPipe, protocol.PipeLocalWS)
		env.Stamping = []string{protocol.StampLocalWS}

		if h := b.currentHandler(); h != nil {
			goroutine.SafeCall(b.logger, "local-ws-message", func() {
				h.OnBridgeMessage(cl.id, env)
			})
		}
	}
}

func (b *Bridge) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				b.logger.Warnw("failed to write to local websocket",
					"error", err,
					"ws_id", cl.id,
				)
				return
			}

		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
