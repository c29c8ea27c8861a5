package node

import (
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orris-inc/meshnode/internal/application/node/dto"
	domain "github.com/orris-inc/meshnode/internal/domain/node"
	"github.com/orris-inc/meshnode/internal/infrastructure/security"
	"github.com/orris-inc/meshnode/internal/infrastructure/socket"
	"github.com/orris-inc/meshnode/internal/shared/logger"
	"github.com/orris-inc/meshnode/internal/shared/protocol"
)

const (
	testMasterUUID = "master-y"
	waitFor        = 3 * time.Second
	pollEvery      = 10 * time.Millisecond
)

func newTestReactor() *socket.Reactor {
	log := logger.NewNop()
	events := socket.NewEvents(log)
	reg := socket.NewRegistry(security.NewSHA3Hasher(), events, log)
	return socket.NewReactor(socket.Options{
		ChunkSize:   512,
		PollTimeout: 50 * time.Millisecond,
		QueueSize:   64,
		DialTimeout: time.Second,
		BindRetry:   20 * time.Millisecond,
	}, reg, events, log)
}

func testMasterOptions() MasterOptions {
	return MasterOptions{
		Identity: Identity{
			UUID:    testMasterUUID,
			Name:    "master",
			Type:    1,
			Key:     "k",
			LocalIP: "127.0.0.1",
		},
		ListenerHost:     "127.0.0.1",
		ListenerPort:     0,
		PortBase:         40000,
		PortPoolSize:     3,
		AccessWaitTicks:  10,
		HeartbeatEvery:   60,
		ServiceScanEvery: 30,
	}
}

// startMaster runs a master until it reaches want, ticking it by hand.
func startMaster(t *testing.T, opts MasterOptions, deps MasterDeps, want State) *Master {
	t.Helper()
	m := NewMaster(opts, newTestReactor(), deps, logger.NewNop())
	t.Cleanup(func() {
		m.Stop()
		<-m.Done()
	})
	m.Start()
	require.Eventually(t, func() bool {
		m.Tick()
		return m.State() == want
	}, waitFor, pollEvery)
	return m
}

// peer is a raw TCP client speaking the framed envelope protocol.
type peer struct {
	t       *testing.T
	uuid    string
	conn    net.Conn
	frames  protocol.FrameSplitter
	queue   []*protocol.Envelope
	builder *protocol.Builder
}

func dialPeer(t *testing.T, m *Master, uuid string) *peer {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(m.ListenerPort())))
	require.NoError(t, err)
	p := &peer{t: t, uuid: uuid, conn: conn, builder: protocol.NewBuilder("k")}
	t.Cleanup(func() { _ = conn.Close() })
	return p
}

func (p *peer) send(env *protocol.Envelope) []byte {
	p.t.Helper()
	data, err := protocol.Marshal(env)
	require.NoError(p.t, err)
	_, err = p.conn.Write(protocol.AppendFraming(data))
	require.NoError(p.t, err)
	return data
}

func (p *peer) request(dest string, cmd protocol.Command, payload any) *protocol.Envelope {
	return p.builder.BuildRequest(protocol.MessageTypeDirect, dest, p.uuid, cmd, payload, nil)
}

// next returns the next envelope or nil when nothing arrives in time.
// get_node_info requests are answered on the way.
func (p *peer) next(timeout time.Duration) *protocol.Envelope {
	p.t.Helper()
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 4096)
	for {
		if len(p.queue) > 0 {
			env := p.queue[0]
			p.queue = p.queue[1:]
			if env.IsRequest() && env.Command() == protocol.CmdGetNodeInfo {
				p.send(protocol.BuildResponse(env, domain.Info{UUID: p.uuid, Name: p.uuid, PID: os.Getpid()}))
				continue
			}
			return env
		}
		_ = p.conn.SetReadDeadline(deadline)
		n, err := p.conn.Read(buf)
		if n > 0 {
			for _, frame := range p.frames.Push(buf[:n]) {
				env, perr := protocol.Parse(frame)
				require.NoError(p.t, perr)
				p.queue = append(p.queue, env)
			}
		}
		if err != nil {
			// timeout or closed
			return nil
		}
	}
}

// await skips envelopes until one carries cmd in direction dir.
func (p *peer) await(cmd protocol.Command, dir protocol.Direction) *protocol.Envelope {
	p.t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		env := p.next(time.Until(deadline))
		if env == nil {
			break
		}
		if env.Command() == cmd && env.Header.Direction == dir {
			return env
		}
	}
	p.t.Fatalf("peer %s: no %s %s within %s", p.uuid, cmd, dir, waitFor)
	return nil
}

func (p *peer) requestPort(nodeType int) int {
	p.t.Helper()
	p.send(p.request(protocol.DestinationMaster, protocol.CmdGetPort, dto.GetPortRequest{
		UUID: p.uuid,
		Type: nodeType,
		Name: p.uuid,
	}))
	env := p.await(protocol.CmdGetPort, protocol.DirectionResponse)
	var resp dto.PortResponse
	require.NoError(p.t, protocol.DecodePayload(env, &resp))
	return resp.Port
}

type fakeGateway struct {
	mu        sync.Mutex
	connected bool
	accesses  int
	sent      []*protocol.Envelope
}

func (g *fakeGateway) AccessGateway(string, any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accesses++
}

func (g *fakeGateway) Send(env *protocol.Envelope) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return errors.New("not connected")
	}
	g.sent = append(g.sent, env)
	return nil
}

func (g *fakeGateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *fakeGateway) setConnected(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = v
}

func (g *fakeGateway) accessCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accesses
}

func (g *fakeGateway) find(cmd protocol.Command) []*protocol.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*protocol.Envelope
	for _, env := range g.sent {
		if env.Command() == cmd {
			out = append(out, env)
		}
	}
	return out
}

type bridgeMessage struct {
	clientID string
	env      *protocol.Envelope
}

type fakeBridge struct {
	mu   sync.Mutex
	sent []bridgeMessage
}

func (b *fakeBridge) Send(clientID string, env *protocol.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, bridgeMessage{clientID: clientID, env: env})
	return nil
}

func (b *fakeBridge) find(cmd protocol.Command) []bridgeMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bridgeMessage
	for _, m := range b.sent {
		if m.env.Command() == cmd {
			out = append(out, m)
		}
	}
	return out
}
