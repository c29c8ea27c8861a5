package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceTable(t *testing.T) {
	table := NewServiceTable([]int{5, 2})

	assert.False(t, table.Bind(9, "x"), "unknown type is not a service")
	assert.Empty(t, table.Pending())

	assert.True(t, table.Bind(5, "svc-5"))
	assert.True(t, table.Bind(2, "svc-2"))
	pending := table.Pending()
	assert.Equal(t, []int{2, 5}, []int{pending[0].Type, pending[1].Type})

	assert.True(t, table.SetRegistered(2, true))
	pending = table.Pending()
	assert.Len(t, pending, 1)
	assert.Equal(t, "svc-5", pending[0].UUID)

	assert.True(t, table.Unbind(5))
	slot, ok := table.Get(5)
	assert.True(t, ok)
	assert.Equal(t, ServiceSlot{Type: 5}, slot)
	assert.Empty(t, table.Pending())
}

func TestChangeSubscribers(t *testing.T) {
	subs := NewChangeSubscribers()

	assert.True(t, subs.Register(Subscription{ItemType: ItemNode, UUID: "a"}))
	assert.False(t, subs.Register(Subscription{ItemType: ItemNode, UUID: "a"}))
	assert.True(t, subs.Register(Subscription{ItemType: ItemWebfaceLocal, WSID: "ws_1", Pipe: "LOCAL_WS"}))
	assert.True(t, subs.Register(Subscription{ItemType: ItemNode, UUID: "b"}))

	all := subs.All()
	assert.Len(t, all, 3)
	assert.Equal(t, "a", all[0].UUID)
	assert.Equal(t, "b", all[2].UUID)

	assert.Equal(t, 1, subs.DropNode("a"))
	assert.Equal(t, 0, subs.DropNode("a"))
	assert.Equal(t, 1, subs.DropLocalClient("ws_1"))
	assert.Len(t, subs.All(), 1)
}

func TestNewRole(t *testing.T) {
	r, err := NewRole("master")
	assert.NoError(t, err)
	assert.Equal(t, RoleMaster, r)

	_, err = NewRole("MASTER")
	assert.Error(t, err)
}
