package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nodeErrors "github.com/orris-inc/meshnode/internal/shared/errors"
	"github.com/orris-inc/meshnode/internal/shared/logger"
	"github.com/orris-inc/meshnode/internal/shared/protocol"
)

type recordingHandler struct {
	mu       sync.Mutex
	opened   int
	closed   int
	errs     []error
	messages []*protocol.Envelope
}

func (h *recordingHandler) OnOpen() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened++
}

func (h *recordingHandler) OnMessage(env *protocol.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, env)
}

func (h *recordingHandler) OnClose() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *recordingHandler) counts() (opened, closed, errs, messages int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opened, h.closed, len(h.errs), len(h.messages)
}

type fakeGateway struct {
	server   *httptest.Server
	headers  chan http.Header
	received chan []byte
	conns    chan *websocket.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		headers:  make(chan http.Header, 4),
		received: make(chan []byte, 16),
		conns:    make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.headers <- r.Header.Clone()
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.conns <- ws
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			g.received <- data
		}
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func TestClientAccessGatewayHandshakeAndTraffic(t *testing.T) {
	gw := newFakeGateway(t)
	h := &recordingHandler{}
	client := NewClient(Options{URL: gw.url(), UUID: "master-1", NodeType: 1}, h, logger.NewNop())
	defer client.Close()

	client.AccessGateway("secret", map[string]any{"node_name": "edge", "node_type": 1})

	var header http.Header
	select {
	case header = <-gw.headers:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never dialed")
	}
	assert.Equal(t, "master-1", header.Get(HeaderUUID))
	assert.Equal(t, "1", header.Get(HeaderNodeType))
	assert.Equal(t, "secret", header.Get(HeaderKey))
	assert.JSONEq(t, `{"node_name":"edge","node_type":1}`, header.Get(HeaderPayload))

	require.Eventually(t, client.Connected, 2*time.Second, 10*time.Millisecond)
	ws := <-gw.conns

	// outbound
	env := protocol.NewBuilder("secret").BuildRequest(protocol.MessageTypeDirect, protocol.DestinationGateway, "master-1", protocol.CmdPing, nil, nil)
	require.NoError(t, client.Send(env))
	select {
	case data := <-gw.received:
		parsed, err := protocol.Parse(data)
		require.NoError(t, err)
		assert.Equal(t, protocol.CmdPing, parsed.Command())
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not receive the envelope")
	}

	// inbound, with one malformed frame that is skipped
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	in := protocol.NewBuilder("").BuildRequest(protocol.MessageTypeDirect, "master-1", "WEBFACE", protocol.CmdGetNodeStatus, nil, nil)
	data, err := protocol.Marshal(in)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	require.Eventually(t, func() bool {
		_, _, _, n := h.counts()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	// server side close is reported once
	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		_, closed, _, _ := h.counts()
		return closed == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, client.Connected())

	opened, _, errs, _ := h.counts()
	assert.Equal(t, 1, opened)
	assert.Zero(t, errs)

	err = client.Send(env)
	assert.True(t, nodeErrors.IsNotFoundError(err))
}

func TestClientAccessGatewayDialFailure(t *testing.T) {
	h := &recordingHandler{}
	client := NewClient(Options{URL: "ws://127.0.0.1:1/ws", HandshakeTimeout: time.Second}, h, logger.NewNop())
	defer client.Close()

	client.AccessGateway("k", nil)

	require.Eventually(t, func() bool {
		_, _, errs, _ := h.counts()
		return errs == 1
	}, 3*time.Second, 10*time.Millisecond)
	opened, closed, _, _ := h.counts()
	assert.Zero(t, opened)
	assert.Zero(t, closed)
}

func TestClientCloseDoesNotNotify(t *testing.T) {
	gw := newFakeGateway(t)
	h := &recordingHandler{}
	client := NewClient(Options{URL: gw.url()}, h, logger.NewNop())

	client.AccessGateway("k", "raw-payload")
	require.Eventually(t, client.Connected, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "raw-payload", (<-gw.headers).Get(HeaderPayload))

	client.Close()
	assert.False(t, client.Connected())

	time.Sleep(100 * time.Millisecond)
	_, closed, errs, _ := h.counts()
	assert.Zero(t, closed)
	assert.Zero(t, errs)
}
