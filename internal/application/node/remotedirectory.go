package node

import (
	"sync"
	"time"

	domain "github.com/orris-inc/meshnode/internal/domain/node"
	"github.com/orris-inc/meshnode/internal/infrastructure/pubsub"
	"github.com/orris-inc/meshnode/internal/shared/biztime"
)

// RemoteNode is a node announced by another master.
type RemoteNode struct {
	MasterUUID string
	Node       domain.Descriptor
	UpdatedAt  time.Time
}

// RemoteDirectory is the read-only view of nodes held by other masters,
// fed from the topology bus.
type RemoteDirectory struct {
	mu    sync.RWMutex
	nodes map[string]RemoteNode
}

func NewRemoteDirectory() *RemoteDirectory {
	return &RemoteDirectory{nodes: make(map[string]RemoteNode)}
}

// Apply folds a topology event into the directory.
func (d *RemoteDirectory) Apply(event pubsub.TopologyEvent) {
	if event.Node.UUID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch event.Type {
	case pubsub.TopologyNodeAppended:
		d.nodes[event.Node.UUID] = RemoteNode{
			MasterUUID: event.MasterUUID,
			Node:       event.Node,
			UpdatedAt:  biztime.FromUnix(event.Timestamp),
		}
	case pubsub.TopologyNodeRemoved:
		if cur, ok := d.nodes[event.Node.UUID]; ok && cur.MasterUUID == event.MasterUUID {
			delete(d.nodes, event.Node.UUID)
		}
	}
}

// Lookup finds the remote node with uuid.
func (d *RemoteDirectory) Lookup(uuid string) (RemoteNode, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[uuid]
	return n, ok
}

// Len returns the number of known remote nodes.
func (d *RemoteDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}
