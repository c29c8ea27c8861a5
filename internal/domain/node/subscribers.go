package node

import (
	"slices"
	"sync"
)

// ItemType says how a change subscriber is reached.
type ItemType int

const (
	// ItemNode is a mesh node addressed by uuid.
	ItemNode ItemType = 1
	// ItemWebfaceGateway is a browser reached through the gateway.
	ItemWebfaceGateway ItemType = 2
	// ItemWebfaceLocal is a browser on the local WebSocket bridge.
	ItemWebfaceLocal ItemType = 3
)

// Subscription is a register_on_node_change payload.
type Subscription struct {
	ItemType       ItemType `json:"item_type" validate:"oneof=1 2 3"`
	UUID           string   `json:"uuid,omitempty" validate:"required_if=ItemType 1"`
	Pipe           string   `json:"pipe,omitempty"`
	WSID           string   `json:"ws_id,omitempty" validate:"required_if=ItemType 3"`
	WebfaceIndexer any      `json:"webface_indexer,omitempty"`
}

func (s Subscription) same(o Subscription) bool {
	return s.ItemType == o.ItemType && s.UUID == o.UUID && s.WSID == o.WSID
}

// ChangeSubscribers is the ordered list of parties notified on topology
// changes.
type ChangeSubscribers struct {
	mu   sync.Mutex
	subs []Subscription
}

func NewChangeSubscribers() *ChangeSubscribers {
	return &ChangeSubscribers{}
}

// Register adds sub unless an equivalent subscription exists. It returns
// false for duplicates.
func (c *ChangeSubscribers) Register(sub Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slices.ContainsFunc(c.subs, sub.same) {
		return false
	}
	c.subs = append(c.subs, sub)
	return true
}

// Unregister removes every subscription equivalent to sub.
func (c *ChangeSubscribers) Unregister(sub Subscription) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := len(c.subs)
	c.subs = slices.DeleteFunc(c.subs, sub.same)
	return before - len(c.subs)
}

// DropNode removes the node subscription of uuid.
func (c *ChangeSubscribers) DropNode(uuid string) int {
	return c.Unregister(Subscription{ItemType: ItemNode, UUID: uuid})
}

// DropLocalClient removes the subscriptions of a local WebSocket client.
func (c *ChangeSubscribers) DropLocalClient(wsID string) int {
	return c.Unregister(Subscription{ItemType: ItemWebfaceLocal, WSID: wsID})
}

// All returns a snapshot in registration order.
func (c *ChangeSubscribers) All() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.subs)
}
