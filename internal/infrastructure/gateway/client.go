// Package gateway connects a master node to the upstream gateway broker over
// a WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	nodeErrors "github.com/orris-inc/meshnode/internal/shared/errors"
	"github.com/orris-inc/meshnode/internal/shared/goroutine"
	"github.com/orris-inc/meshnode/internal/shared/logger"
	"github.com/orris-inc/meshnode/internal/shared/protocol"
)

// Handshake header names.
const (
	HeaderUUID     = "uuid"
	HeaderNodeType = "node_type"
	HeaderPayload  = "payload"
	HeaderKey      = "key"
)

// Handler observes the gateway session.
type Handler interface {
	OnOpen()
	OnMessage(env *protocol.Envelope)
	OnClose()
	OnError(err error)
}

// Options identifies the node to the gateway.
type Options struct {
	URL              string
	UUID             string
	NodeType         int
	HandshakeTimeout time.Duration
}

// Client keeps at most one gateway session. Each AccessGateway replaces the
// previous session; callbacks of a replaced session are not delivered.
type Client struct {
	opts    Options
	handler Handler
	logger  logger.Interface

	mu         sync.Mutex
	current    *gatewayConn
	cancel     context.CancelFunc
	generation uint64

	connected atomic.Bool
}

func NewClient(opts Options, handler Handler, log logger.Interface) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		opts:    opts,
		handler: handler,
		logger:  log,
	}
}

// SetHandler replaces the session observer. Must be called before
// AccessGateway.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connected reports whether a session is open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// AccessGateway dials the gateway in the background. The outcome is
// reported through the handler: OnOpen on success, OnError when the dial
// fails, OnClose when an open session ends.
func (c *Client) AccessGateway(key string, payload any) {
	c.mu.Lock()
	c.stopLocked()
	c.generation++
	gen := c.generation
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	goroutine.SafeGo(c.logger, "gateway-session", func() {
		c.session(ctx, gen, key, payload)
	})
}

func (c *Client) session(ctx context.Context, gen uint64, key string, payload any) {
	header, err := c.handshakeHeader(key, payload)
	if err != nil {
		c.fireError(gen, err)
		return
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket dial failed: status=%d, err=%w", resp.StatusCode, err)
		} else {
			err = fmt.Errorf("websocket dial: %w", err)
		}
		c.fireError(gen, nodeErrors.NewTransientIOError("gateway access", err))
		return
	}

	gc := newGatewayConn(ws)
	gc.onMessage = func(env *protocol.Envelope) {
		if h := c.activeHandler(gen); h != nil {
			goroutine.SafeCall(c.logger, "gateway OnMessage", func() { h.OnMessage(env) })
		}
	}
	gc.onInvalid = func(data []byte, err error) {
		c.logger.Warnw("dropping malformed gateway message", "size", len(data), "error", err)
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.current = gc
	c.mu.Unlock()

	c.connected.Store(true)
	c.logger.Infow("gateway connected", "url", c.opts.URL)
	if h := c.activeHandler(gen); h != nil {
		goroutine.SafeCall(c.logger, "gateway OnOpen", h.OnOpen)
	}

	err = gc.run(ctx)

	c.mu.Lock()
	active := gen == c.generation
	if active {
		c.current = nil
		c.connected.Store(false)
	}
	handler := c.handler
	c.mu.Unlock()

	if !active || ctx.Err() != nil {
		return
	}
	c.logger.Warnw("gateway connection closed", "error", err)
	if handler != nil {
		goroutine.SafeCall(c.logger, "gateway OnClose", handler.OnClose)
	}
}

func (c *Client) handshakeHeader(key string, payload any) (http.Header, error) {
	var encoded string
	switch p := payload.(type) {
	case nil:
	case string:
		encoded = p
	case []byte:
		encoded = string(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal handshake payload: %w", err)
		}
		encoded = string(data)
	}

	header := http.Header{}
	header.Set(HeaderUUID, c.opts.UUID)
	header.Set(HeaderNodeType, strconv.Itoa(c.opts.NodeType))
	header.Set(HeaderPayload, encoded)
	header.Set(HeaderKey, key)
	return header, nil
}

func (c *Client) activeHandler(gen uint64) Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return nil
	}
	return c.handler
}

func (c *Client) fireError(gen uint64, err error) {
	c.logger.Warnw("gateway access failed", "url", c.opts.URL, "error", err)
	if h := c.activeHandler(gen); h != nil {
		goroutine.SafeCall(c.logger, "gateway OnError", func() { h.OnError(err) })
	}
}

// Send queues env on the open session.
func (c *Client) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	gc := c.current
	c.mu.Unlock()
	if gc == nil || gc.isClosed() {
		return nodeErrors.NewNotFoundError("gateway not connected")
	}

	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	if !gc.enqueue(data) {
		return nodeErrors.NewTransientIOError("gateway send", fmt.Errorf("send buffer full or session closed"))
	}
	return nil
}

// Close ends the current session without notifying the handler.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.stopLocked()
}

func (c *Client) stopLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.current != nil {
		c.current.close()
		c.current = nil
	}
	c.connected.Store(false)
}
