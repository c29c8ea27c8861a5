package node

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orris-inc/meshnode/internal/application/node/dto"
	domain "github.com/orris-inc/meshnode/internal/domain/node"
	"github.com/orris-inc/meshnode/internal/infrastructure/socket"
	"github.com/orris-inc/meshnode/internal/shared/protocol"
)

func TestMasterPortLifecycle(t *testing.T) {
	m := startMaster(t, testMasterOptions(), MasterDeps{}, StateWorking)
	pool := m.Router().Pool()

	a := dialPeer(t, m, "node-a")
	p1 := a.requestPort(5)
	require.NotZero(t, p1)

	b := dialPeer(t, m, "node-b")
	p2 := b.requestPort(5)
	require.NotZero(t, p2)
	assert.NotEqual(t, p1, p2)

	appended := a.await(protocol.CmdMasterAppendNode, protocol.DirectionResponse)
	var d domain.Descriptor
	require.NoError(t, protocol.DecodePayload(appended, &d))
	assert.Equal(t, "node-b", d.UUID)
	assert.Equal(t, p2, d.Port)

	assert.Equal(t, p1, a.requestPort(5), "a second request returns the same port")
	assert.Equal(t, 1, pool.Available())

	require.NoError(t, a.conn.Close())
	require.Eventually(t, func() bool { return pool.Available() == 2 }, waitFor, pollEvery)
	assert.False(t, pool.InUse(p1))

	removed := b.await(protocol.CmdMasterRemoveNode, protocol.DirectionResponse)
	require.NoError(t, protocol.DecodePayload(removed, &d))
	assert.Equal(t, "node-a", d.UUID)

	c := dialPeer(t, m, "node-c")
	assert.Equal(t, p1, c.requestPort(5), "released port is reused")
}

func TestMasterPortPoolExhaustion(t *testing.T) {
	opts := testMasterOptions()
	opts.PortPoolSize = 1
	m := startMaster(t, opts, MasterDeps{}, StateWorking)

	a := dialPeer(t, m, "node-a")
	require.NotZero(t, a.requestPort(5))

	b := dialPeer(t, m, "node-b")
	assert.Zero(t, b.requestPort(5))
}

type idleSocket struct{ id int }

func (*idleSocket) Close() error { return nil }

func TestRouterRequestPortConcurrently(t *testing.T) {
	const size = 8
	opts := testMasterOptions()
	opts.PortPoolSize = size
	m := startMaster(t, opts, MasterDeps{}, StateWorking)
	reg := m.Reactor().Registry()

	conns := make([]*socket.Connection, size+1)
	for i := range conns {
		conns[i] = reg.Add(&idleSocket{id: i}, "10.9.0.1", 50000+i)
	}

	ports := make([]int, size)
	var wg sync.WaitGroup
	for i := range size {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ports[i] = m.Router().RequestPort(conns[i], dto.GetPortRequest{UUID: "node-" + conns[i].Key()[:8], Type: 5})
		}()
	}
	wg.Wait()

	seen := make(map[int]bool, size)
	for _, p := range ports {
		require.NotZero(t, p)
		assert.Greater(t, p, opts.PortBase)
		assert.LessOrEqual(t, p, opts.PortBase+size)
		assert.False(t, seen[p], "port %d granted twice", p)
		seen[p] = true
	}
	assert.Zero(t, m.Router().Pool().Available())

	assert.Zero(t, m.Router().RequestPort(conns[size], dto.GetPortRequest{UUID: "late", Type: 5}))
	assert.Zero(t, conns[size].Metadata().ListenerPort)
}

func TestRouterRequestPortOversubscribed(t *testing.T) {
	const size, callers = 4, 12
	opts := testMasterOptions()
	opts.PortPoolSize = size
	m := startMaster(t, opts, MasterDeps{}, StateWorking)
	reg := m.Reactor().Registry()

	ports := make([]int, callers)
	var wg sync.WaitGroup
	for i := range callers {
		conn := reg.Add(&idleSocket{id: i}, "10.9.0.2", 51000+i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ports[i] = m.Router().RequestPort(conn, dto.GetPortRequest{UUID: conn.Key()[:12], Type: 5})
		}()
	}
	wg.Wait()

	granted := make(map[int]bool)
	for _, p := range ports {
		if p != 0 {
			assert.False(t, granted[p], "port %d granted twice", p)
			granted[p] = true
		}
	}
	assert.Len(t, granted, size)
}

func TestMasterRejectsInvalidPortRequest(t *testing.T) {
	m := startMaster(t, testMasterOptions(), MasterDeps{}, StateWorking)

	a := dialPeer(t, m, "node-a")
	a.send(a.request(protocol.DestinationMaster, protocol.CmdGetPort, map[string]any{"type": 5}))
	env := a.await(protocol.CmdGetPort, protocol.DirectionResponse)

	var resp dto.PortResponse
	require.NoError(t, protocol.DecodePayload(env, &resp))
	assert.Zero(t, resp.Port)
	assert.Equal(t, 3, m.Router().Pool().Available())
}

func TestMasterIdentifiesConnectedNodes(t *testing.T) {
	m := startMaster(t, testMasterOptions(), MasterDeps{}, StateWorking)

	a := dialPeer(t, m, "node-a")
	// answers the get_node_info probe
	assert.Nil(t, a.next(200*time.Millisecond))

	require.Eventually(t, func() bool {
		conn := m.Reactor().Registry().FindByUUID("node-a")
		return conn != nil && conn.Metadata().HasStatus(domain.StatusConnected)
	}, waitFor, pollEvery)

	p := a.requestPort(5)
	a.send(a.request(testMasterUUID, protocol.CmdGetLocalNodes, nil))
	env := a.await(protocol.CmdGetLocalNodes, protocol.DirectionResponse)

	var resp dto.LocalNodesResponse
	require.NoError(t, protocol.DecodePayload(env, &resp))
	require.Len(t, resp.Nodes, 1)
	assert.Equal(t, "node-a", resp.Nodes[0].UUID)
	assert.Equal(t, p, resp.Nodes[0].Port)
	assert.Equal(t, 5, resp.Nodes[0].Type)
	assert.Equal(t, "node-a", env.Header.Destination)
}

func TestMasterAnswersNodeStatus(t *testing.T) {
	m := startMaster(t, testMasterOptions(), MasterDeps{}, StateWorking)

	a := dialPeer(t, m, "node-a")
	a.send(a.request(protocol.DestinationMaster, protocol.CmdGetNodeStatus, nil))
	env := a.await(protocol.CmdGetNodeStatus, protocol.DirectionResponse)

	var resp dto.NodeStatusResponse
	require.NoError(t, protocol.DecodePayload(env, &resp))
	assert.Equal(t, dto.StatusOnline, resp.Status)
	assert.Equal(t, StateWorking.String(), resp.State)
	assert.Equal(t, testMasterUUID, resp.Info.UUID)
	assert.True(t, resp.Info.IsMaster)
	assert.Equal(t, m.ListenerPort(), resp.Info.ListenerPort)
	assert.Equal(t, protocol.DestinationMaster, env.Header.Source)
	assert.Equal(t, "node-a", env.Header.Destination)
}

func TestMasterDropsLoopbackEnvelopes(t *testing.T) {
	m := startMaster(t, testMasterOptions(), MasterDeps{}, StateWorking)

	a := dialPeer(t, m, "node-a")
	looped := a.builder.BuildRequest(protocol.MessageTypeDirect, testMasterUUID, testMasterUUID+"/relay",
		protocol.CmdGetNodeStatus, nil, nil)
	a.send(looped)
	assert.Nil(t, a.next(300*time.Millisecond))

	a.send(a.request(testMasterUUID, protocol.CmdGetNodeStatus, nil))
	assert.NotNil(t, a.await(protocol.CmdGetNodeStatus, protocol.DirectionResponse))
}

func TestMasterForwardsEnvelopeToLocalNode(t *testing.T) {
	m := startMaster(t, testMasterOptions(), MasterDeps{}, StateWorking)

	x := dialPeer(t, m, "node-x")
	require.NotZero(t, x.requestPort(5))
	z := dialPeer(t, m, "node-z")
	require.NotZero(t, z.requestPort(6))
	x.await(protocol.CmdMasterAppendNode, protocol.DirectionResponse)

	sent := z.send(z.builder.BuildRequest(protocol.MessageTypeDirect, "node-x", "node-z",
		"custom_command", map[string]any{"n": 1}, "pb"))

	got := x.await("custom_command", protocol.DirectionRequest)
	assert.Equal(t, sent, got.Raw, "forwarded bytes equal the bytes sent")
	assert.Equal(t, "pb", got.Piggybag)
}

func TestMasterGatewayLifecycle(t *testing.T) {
	gw := &fakeGateway{}
	opts := testMasterOptions()
	opts.AccessWaitTicks = 2
	m := startMaster(t, opts, MasterDeps{Gateway: gw}, StateAccessWaitGateway)
	assert.Equal(t, 1, gw.accessCount())

	// the wait is bounded and access is attempted again
	require.Eventually(t, func() bool {
		m.Tick()
		return gw.accessCount() >= 2
	}, waitFor, pollEvery)

	a := dialPeer(t, m, "node-a")
	p := a.requestPort(5)
	require.NotZero(t, p)
	assert.Empty(t, gw.find(protocol.CmdNodeConnected), "nothing is sent while the gateway is down")

	gw.setConnected(true)
	m.OnOpen()
	m.Tick()
	assert.Equal(t, StateWorking, m.State())

	announced := gw.find(protocol.CmdNodeConnected)
	require.Len(t, announced, 1)
	var ev dto.NodeEvent
	require.NoError(t, protocol.DecodePayload(announced[0], &ev))
	assert.Equal(t, "node-a", ev.Node.UUID)
	assert.Equal(t, p, ev.Node.Port)
	assert.Equal(t, protocol.MessageTypeMaster, announced[0].Header.MessageType)
	assert.Equal(t, protocol.DestinationGateway, announced[0].Header.Destination)

	require.NoError(t, a.conn.Close())
	require.Eventually(t, func() bool {
		return len(gw.find(protocol.CmdNodeDisconnected)) == 1
	}, waitFor, pollEvery)

	gw.setConnected(false)
	m.OnClose()
	m.Tick()
	assert.Equal(t, StateAccessGateway, m.State())

	m.OnError(assert.AnError)
	m.Tick()
	assert.Equal(t, StateAccessWaitGateway, m.State())
}

func TestMasterGatewayInboundDispatch(t *testing.T) {
	gw := &fakeGateway{}
	m := startMaster(t, testMasterOptions(), MasterDeps{Gateway: gw}, StateAccessWaitGateway)
	gw.setConnected(true)
	m.OnOpen()

	b := protocol.NewBuilder("k")

	m.OnMessage(b.BuildRequest(protocol.MessageTypeDirect, testMasterUUID, "webface-1", protocol.CmdGetNodeStatus, nil, nil))
	replies := gw.find(protocol.CmdGetNodeStatus)
	require.Len(t, replies, 1)
	assert.Equal(t, protocol.DirectionResponse, replies[0].Header.Direction)
	assert.Equal(t, "webface-1", replies[0].Header.Destination)
	assert.Equal(t, protocol.ClientTypeGlobalWS, replies[0].AdditionalString(protocol.AdditionalClientType))

	m.OnMessage(b.BuildRequest(protocol.MessageTypeCustom, testMasterUUID, "webface-1", protocol.CmdGetNodeStatus, nil, nil))
	m.OnMessage(b.BuildRequest(protocol.MessageTypeBroadcast, testMasterUUID, "webface-1", protocol.CmdGetNodeStatus, nil, nil))
	assert.Len(t, gw.find(protocol.CmdGetNodeStatus), 1, "custom and unsupported types get no reply")

	a := dialPeer(t, m, "node-a")
	require.NotZero(t, a.requestPort(5))
	m.OnMessage(b.BuildRequest(protocol.MessageTypeDirect, "node-a", "webface-1", "custom_command", nil, nil))
	got := a.await("custom_command", protocol.DirectionRequest)
	assert.Equal(t, protocol.ClientTypeGlobalWS, got.AdditionalString(protocol.AdditionalClientType))
}

func TestMasterRelaysUnknownLocalTrafficToGateway(t *testing.T) {
	gw := &fakeGateway{}
	m := startMaster(t, testMasterOptions(), MasterDeps{Gateway: gw}, StateAccessWaitGateway)
	gw.setConnected(true)
	m.OnOpen()

	a := dialPeer(t, m, "node-a")
	a.send(a.request("cloud-node", "custom_command", nil))
	require.Eventually(t, func() bool {
		return len(gw.find("custom_command")) == 1
	}, waitFor, pollEvery)
}

func TestMasterChangeSubscriptions(t *testing.T) {
	bridge := &fakeBridge{}
	m := startMaster(t, testMasterOptions(), MasterDeps{Bridge: bridge}, StateWorking)

	b := protocol.NewBuilder("k")
	reg := b.BuildRequest(protocol.MessageTypeDirect, testMasterUUID, "browser", protocol.CmdRegisterOnNodeChange,
		domain.Subscription{ItemType: domain.ItemWebfaceLocal}, nil)
	reg.SetAdditional(protocol.AdditionalWSID, "ws_abc")
	reg.SetAdditional(protocol.AdditionalPipe, protocol.PipeLocalWS)
	m.OnBridgeMessage("ws_abc", reg)

	acks := bridge.find(protocol.CmdRegisterOnNodeChange)
	require.Len(t, acks, 1)
	var ack dto.RegistrationResponse
	require.NoError(t, protocol.DecodePayload(acks[0].env, &ack))
	assert.Equal(t, dto.RegisteredOK, ack.Registered)
	assert.Equal(t, "ws_abc", acks[0].clientID)

	a := dialPeer(t, m, "node-a")
	require.NotZero(t, a.requestPort(5))

	changes := bridge.find(protocol.CmdOnNodeChange)
	require.Len(t, changes, 1)
	assert.Equal(t, "ws_abc", changes[0].clientID)
	assert.Equal(t, protocol.DestinationWebface, changes[0].env.Header.Destination)
	var change dto.NodeChange
	require.NoError(t, protocol.DecodePayload(changes[0].env, &change))
	assert.Equal(t, dto.NodeChangeAppended, change.Event)
	assert.Equal(t, "node-a", change.Node.UUID)

	m.OnBridgeDisconnect("ws_abc")
	assert.Empty(t, m.Router().Subscribers().All())

	bad := b.BuildRequest(protocol.MessageTypeDirect, testMasterUUID, "browser", protocol.CmdRegisterOnNodeChange,
		map[string]any{"item_type": 9}, nil)
	m.OnBridgeMessage("ws_abc", bad)
	acks = bridge.find(protocol.CmdRegisterOnNodeChange)
	require.Len(t, acks, 2)
	require.NoError(t, protocol.DecodePayload(acks[1].env, &ack))
	assert.Equal(t, dto.RegisteredFailed, ack.Registered)
}

func TestMasterRegistersPendingServices(t *testing.T) {
	opts := testMasterOptions()
	opts.Services = []int{7}
	opts.ServiceScanEvery = 1
	m := startMaster(t, opts, MasterDeps{}, StateWorking)

	svc := dialPeer(t, m, "service-7")
	require.NotZero(t, svc.requestPort(7))

	slot, ok := m.Router().Services().Get(7)
	require.True(t, ok)
	assert.Equal(t, "service-7", slot.UUID)
	assert.True(t, slot.Enabled)

	m.Tick()
	req := svc.await(protocol.CmdRegisterOnNodeChange, protocol.DirectionRequest)
	var sub domain.Subscription
	require.NoError(t, protocol.DecodePayload(req, &sub))
	assert.Equal(t, domain.ItemNode, sub.ItemType)
	assert.Equal(t, testMasterUUID, sub.UUID)

	svc.send(protocol.BuildResponse(req, dto.RegistrationResponse{Type: 7, Registered: dto.RegisteredOK}))
	require.Eventually(t, func() bool {
		slot, _ := m.Router().Services().Get(7)
		return slot.Registered
	}, waitFor, pollEvery)

	require.NoError(t, svc.conn.Close())
	require.Eventually(t, func() bool {
		slot, _ := m.Router().Services().Get(7)
		return !slot.Enabled
	}, waitFor, pollEvery)
}
