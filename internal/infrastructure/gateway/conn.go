package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orris-inc/meshnode/internal/shared/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
	sendBufferSize = 256
)

// gatewayConn is one live WebSocket session. All writes go through
// writePump.
type gatewayConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool

	onMessage func(env *protocol.Envelope)
	onInvalid func(data []byte, err error)
}

func newGatewayConn(conn *websocket.Conn) *gatewayConn {
	return &gatewayConn{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// run starts the read and write pumps and blocks until one of them exits.
func (gc *gatewayConn) run(ctx context.Context) error {
	errChan := make(chan error, 2)

	go func() {
		errChan <- gc.writePump(ctx)
	}()

	go func() {
		errChan <- gc.readPump(ctx)
	}()

	err := <-errChan
	gc.close()
	return err
}

func (gc *gatewayConn) readPump(ctx context.Context) error {
	gc.conn.SetReadLimit(maxMessageSize)
	_ = gc.conn.SetReadDeadline(time.Now().Add(pongWait))
	gc.conn.SetPongHandler(func(string) error {
		return gc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := gc.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		_ = gc.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := protocol.Parse(message)
		if err != nil {
			if gc.onInvalid != nil {
				gc.onInvalid(message, err)
			}
			continue
		}
		if gc.onMessage != nil {
			gc.onMessage(env)
		}
	}
}

func (gc *gatewayConn) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			gc.writeClose()
			return ctx.Err()

		case <-gc.done:
			gc.writeClose()
			return nil

		case msg := <-gc.send:
			_ = gc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := gc.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return fmt.Errorf("write message: %w", err)
			}

		case <-ticker.C:
			_ = gc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := gc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (gc *gatewayConn) writeClose() {
	_ = gc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = gc.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// enqueue queues a serialized envelope without blocking.
func (gc *gatewayConn) enqueue(data []byte) bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.closed {
		return false
	}
	select {
	case gc.send <- data:
		return true
	default:
		return false
	}
}

func (gc *gatewayConn) close() {
	gc.mu.Lock()
	if gc.closed {
		gc.mu.Unlock()
		return
	}
	gc.closed = true
	close(gc.done)
	gc.mu.Unlock()

	_ = gc.conn.Close()
}

func (gc *gatewayConn) isClosed() bool {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.closed
}
