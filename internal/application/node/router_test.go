package node

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orris-inc/meshnode/internal/application/node/dto"
	domain "github.com/orris-inc/meshnode/internal/domain/node"
	"github.com/orris-inc/meshnode/internal/infrastructure/database"
	"github.com/orris-inc/meshnode/internal/infrastructure/pubsub"
	"github.com/orris-inc/meshnode/internal/infrastructure/repository"
	"github.com/orris-inc/meshnode/internal/shared/config"
	"github.com/orris-inc/meshnode/internal/shared/logger"
	"github.com/orris-inc/meshnode/internal/shared/protocol"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []pubsub.TopologyEvent
}

func (p *recordingPublisher) PublishTopologyEvent(_ context.Context, event pubsub.TopologyEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []pubsub.TopologyEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pubsub.TopologyEventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func newLedger(t *testing.T) domain.InstalledNodeRepository {
	t.Helper()
	db, err := database.Open(&config.DatabaseConfig{Driver: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return repository.NewInstalledNodeRepository(db, logger.NewNop())
}

func TestRouteExternalUnresolvedDestination(t *testing.T) {
	remote := NewRemoteDirectory()
	remote.Apply(pubsub.TopologyEvent{
		Type:       pubsub.TopologyNodeAppended,
		MasterUUID: "master-z",
		Node:       domain.Descriptor{UUID: "far-node", Port: 10001},
	})
	m := startMaster(t, testMasterOptions(), MasterDeps{Remote: remote}, StateWorking)

	b := protocol.NewBuilder("k")
	assert.False(t, m.Router().RouteExternal(b.BuildRequest(protocol.MessageTypeDirect, "ghost", "w", "x", nil, nil)))
	assert.False(t, m.Router().RouteExternal(b.BuildRequest(protocol.MessageTypeDirect, "far-node", "w", "x", nil, nil)))
}

func TestRouteExternalByConnectionKey(t *testing.T) {
	m := startMaster(t, testMasterOptions(), MasterDeps{}, StateWorking)

	a := dialPeer(t, m, "node-a")
	require.NotZero(t, a.requestPort(5))
	conn := m.Reactor().Registry().FindByUUID("node-a")
	require.NotNil(t, conn)

	data, err := protocol.Marshal(protocol.NewBuilder("k").BuildRequest(protocol.MessageTypeDirect, conn.Key(), "w",
		"custom_command", "hello", nil))
	require.NoError(t, err)
	env, err := protocol.Parse(data)
	require.NoError(t, err)

	assert.True(t, m.Router().RouteExternal(env))
	got := a.await("custom_command", protocol.DirectionRequest)
	assert.Equal(t, data, got.Raw)
}

func TestRouterPublishesAndRecordsTopology(t *testing.T) {
	pub := &recordingPublisher{}
	ledger := newLedger(t)
	m := startMaster(t, testMasterOptions(), MasterDeps{Topology: pub, Installed: ledger}, StateWorking)

	a := dialPeer(t, m, "node-a")
	port := a.requestPort(5)
	require.NotZero(t, port)

	stored, err := ledger.GetByUUID(context.Background(), "node-a")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Online)
	assert.Equal(t, port, stored.Port)

	a.send(a.request(testMasterUUID, protocol.CmdGetInstalledNodes, nil))
	env := a.await(protocol.CmdGetInstalledNodes, protocol.DirectionResponse)
	var resp dto.InstalledNodesResponse
	require.NoError(t, protocol.DecodePayload(env, &resp))
	require.Len(t, resp.Nodes, 1)
	assert.Equal(t, "node-a", resp.Nodes[0].UUID)

	require.NoError(t, a.conn.Close())
	require.Eventually(t, func() bool {
		n, err := ledger.GetByUUID(context.Background(), "node-a")
		return err == nil && n != nil && !n.Online
	}, waitFor, pollEvery)

	assert.Equal(t, []pubsub.TopologyEventType{pubsub.TopologyNodeAppended, pubsub.TopologyNodeRemoved}, pub.types())
}

func TestRemoteDirectoryApply(t *testing.T) {
	d := NewRemoteDirectory()
	node := domain.Descriptor{UUID: "n1", Port: 10001}

	d.Apply(pubsub.TopologyEvent{Type: pubsub.TopologyNodeAppended, MasterUUID: "m1", Node: node, Timestamp: 100})
	got, ok := d.Lookup("n1")
	require.True(t, ok)
	assert.Equal(t, "m1", got.MasterUUID)
	assert.Equal(t, int64(100), got.UpdatedAt.Unix())

	// another master's removal does not evict the entry
	d.Apply(pubsub.TopologyEvent{Type: pubsub.TopologyNodeRemoved, MasterUUID: "m2", Node: node})
	assert.Equal(t, 1, d.Len())

	d.Apply(pubsub.TopologyEvent{Type: pubsub.TopologyNodeRemoved, MasterUUID: "m1", Node: node})
	_, ok = d.Lookup("n1")
	assert.False(t, ok)

	d.Apply(pubsub.TopologyEvent{Type: pubsub.TopologyNodeAppended, MasterUUID: "m1"})
	assert.Zero(t, d.Len())
}
