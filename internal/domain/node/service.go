package node

import (
	"slices"
	"sync"
)

// ServiceSlot tracks the single peer of a privileged node type.
type ServiceSlot struct {
	Type       int    `json:"type"`
	UUID       string `json:"uuid"`
	Enabled    bool   `json:"enabled"`
	Registered bool   `json:"registered"`
}

// ServiceTable holds one slot per configured service type.
type ServiceTable struct {
	mu    sync.Mutex
	slots map[int]*ServiceSlot
}

func NewServiceTable(types []int) *ServiceTable {
	slots := make(map[int]*ServiceSlot, len(types))
	for _, t := range types {
		slots[t] = &ServiceSlot{Type: t}
	}
	return &ServiceTable{slots: slots}
}

// Bind records uuid as the peer of nodeType. It returns false when the type
// is not a service.
func (t *ServiceTable) Bind(nodeType int, uuid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.slots[nodeType]
	if !ok {
		return false
	}
	slot.UUID = uuid
	slot.Enabled = true
	return true
}

// Unbind clears the slot of nodeType.
func (t *ServiceTable) Unbind(nodeType int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.slots[nodeType]
	if !ok {
		return false
	}
	*slot = ServiceSlot{Type: nodeType}
	return true
}

func (t *ServiceTable) SetRegistered(nodeType int, registered bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.slots[nodeType]
	if !ok {
		return false
	}
	slot.Registered = registered
	return true
}

// Pending returns the slots that are enabled but not registered yet,
// ordered by type.
func (t *ServiceTable) Pending() []ServiceSlot {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ServiceSlot
	for _, slot := range t.slots {
		if slot.Enabled && !slot.Registered {
			out = append(out, *slot)
		}
	}
	slices.SortFunc(out, func(a, b ServiceSlot) int { return a.Type - b.Type })
	return out
}

func (t *ServiceTable) Get(nodeType int) (ServiceSlot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.slots[nodeType]
	if !ok {
		return ServiceSlot{}, false
	}
	return *slot, true
}
