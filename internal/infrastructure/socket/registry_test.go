package socket

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orris-inc/meshnode/internal/infrastructure/security"
	"github.com/orris-inc/meshnode/internal/shared/logger"
)

type fakeSocket struct {
	closed atomic.Int32
}

func (s *fakeSocket) Close() error {
	s.closed.Add(1)
	return nil
}

func newTestRegistry() (*Registry, *Events) {
	log := logger.NewNop()
	events := NewEvents(log)
	return NewRegistry(security.NewSHA3Hasher(), events, log), events
}

func TestRegistryAddAndLookup(t *testing.T) {
	reg, _ := newTestRegistry()
	sock := &fakeSocket{}

	conn := reg.Add(sock, "10.0.0.1", 5000)
	require.NotNil(t, conn)

	assert.Equal(t, security.NewSHA3Hasher().Hash("10.0.0.1_5000"), conn.Key())
	assert.Same(t, conn, reg.LookupByAddress("10.0.0.1", 5000))
	assert.Same(t, conn, reg.Lookup(sock))
	assert.Same(t, conn, reg.LookupByKey(conn.Key()))
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.consistent())
}

func TestRegistryAddIsIdempotent(t *testing.T) {
	reg, events := newTestRegistry()
	var created atomic.Int32
	events.OnConnectionCreated(func(*Connection) { created.Add(1) })

	first := reg.Add(&fakeSocket{}, "10.0.0.1", 5000)
	second := reg.Add(&fakeSocket{}, "10.0.0.1", 5000)

	assert.Same(t, first, second)
	assert.Len(t, reg.All(), 1)
	assert.Equal(t, int32(1), created.Load())
	assert.True(t, reg.consistent())
}

func TestRegistryRemove(t *testing.T) {
	reg, events := newTestRegistry()
	sock := &fakeSocket{}

	var order []string
	events.OnConnectionRemoved(func(c *Connection) {
		// the socket must still be open while subscribers run
		order = append(order, "notified")
		assert.Equal(t, int32(0), sock.closed.Load())
		assert.Equal(t, "10.0.0.2", c.IP())
	})

	conn := reg.Add(sock, "10.0.0.2", 6000)

	assert.True(t, reg.RemoveByKey(conn.Key()))
	assert.Equal(t, []string{"notified"}, order)
	assert.Equal(t, int32(1), sock.closed.Load())
	assert.Nil(t, reg.LookupByKey(conn.Key()))
	assert.Nil(t, reg.Lookup(sock))
	assert.Zero(t, reg.Count())
	assert.True(t, reg.consistent())

	// second removal is a no-op and never closes twice
	assert.False(t, reg.RemoveByKey(conn.Key()))
	assert.False(t, reg.RemoveBySocket(sock))
	assert.Equal(t, int32(1), sock.closed.Load())
}

func TestRegistryAddReplacesEntryBeingRemoved(t *testing.T) {
	reg, events := newTestRegistry()
	var created atomic.Int32
	events.OnConnectionCreated(func(*Connection) { created.Add(1) })

	oldSock := &fakeSocket{}
	newSock := &fakeSocket{}
	conn := reg.Add(oldSock, "10.0.0.4", 6100)

	var replacement *Connection
	events.OnConnectionRemoved(func(c *Connection) {
		if c == conn {
			// the peer reconnects from the same address while teardown runs
			replacement = reg.Add(newSock, "10.0.0.4", 6100)
		}
	})

	require.True(t, reg.RemoveByKey(conn.Key()))
	require.NotNil(t, replacement)
	assert.NotSame(t, conn, replacement)
	assert.Equal(t, int32(2), created.Load())

	assert.Same(t, replacement, reg.LookupByAddress("10.0.0.4", 6100))
	assert.Same(t, replacement, reg.Lookup(newSock))
	assert.Nil(t, reg.Lookup(oldSock))
	assert.Equal(t, int32(1), oldSock.closed.Load())
	assert.Zero(t, newSock.closed.Load())
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.consistent())
}

func TestRegistryRemoveUnknownKey(t *testing.T) {
	reg, _ := newTestRegistry()
	assert.False(t, reg.RemoveByKey("missing"))
	assert.False(t, reg.RemoveBySocket(&fakeSocket{}))
}

func TestRegistryRemoveBySocket(t *testing.T) {
	reg, _ := newTestRegistry()
	sock := &fakeSocket{}
	reg.Add(sock, "10.0.0.3", 7000)

	assert.True(t, reg.RemoveBySocket(sock))
	assert.Empty(t, reg.All())
}

func TestRegistryCleanAllToleratesRemovalInCallbacks(t *testing.T) {
	reg, events := newTestRegistry()

	var sockets []*fakeSocket
	for i := 0; i < 5; i++ {
		s := &fakeSocket{}
		sockets = append(sockets, s)
		reg.Add(s, "10.0.1.1", 8000+i)
	}

	// every removal also removes another connection
	events.OnConnectionRemoved(func(*Connection) {
		for _, c := range reg.All() {
			if reg.RemoveByKey(c.Key()) {
				return
			}
		}
	})

	reg.CleanAll()

	assert.Empty(t, reg.All())
	assert.Zero(t, reg.Count())
	assert.True(t, reg.consistent())
	for _, s := range sockets {
		assert.Equal(t, int32(1), s.closed.Load())
	}
}

func TestRegistryConcurrentAddRemove(t *testing.T) {
	reg, _ := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := reg.Add(&fakeSocket{}, "10.0.2.1", 9000+i%10)
			reg.RemoveByKey(conn.Key())
		}(i)
	}
	wg.Wait()

	assert.True(t, reg.consistent())
	assert.Equal(t, len(reg.All()), reg.Count())
}

func TestRegistryFindByUUID(t *testing.T) {
	reg, _ := newTestRegistry()
	conn := reg.Add(&fakeSocket{}, "10.0.3.1", 1000)
	conn.UpdateMetadata(func(m *Metadata) { m.UUID = "node-a" })

	assert.Same(t, conn, reg.FindByUUID("node-a"))
	assert.Nil(t, reg.FindByUUID("node-b"))
	assert.Nil(t, reg.FindByUUID(""))
}

func TestConnectionMetadata(t *testing.T) {
	reg, _ := newTestRegistry()
	conn := reg.Add(&fakeSocket{}, "10.0.4.1", 1000)

	meta := conn.UpdateMetadata(func(m *Metadata) {
		m.Status |= 1
		m.Status |= 4
		m.ListenerPort = 10032
	})
	assert.True(t, meta.HasStatus(5))
	assert.True(t, conn.Metadata().HasStatus(4))
	assert.Equal(t, 10032, conn.Metadata().ListenerPort)

	conn.SetRole(RoleMaster)
	assert.Equal(t, RoleMaster, conn.Role())
	assert.Nil(t, conn.Conn())
	assert.Equal(t, "10.0.4.1:1000", conn.Addr())
}

func TestEventsIsolateSubscriberPanics(t *testing.T) {
	events := NewEvents(logger.NewNop())

	var calls []int
	events.OnServerStarted(func() { calls = append(calls, 1) })
	events.OnServerStarted(func() { panic("boom") })
	events.OnServerStarted(func() { calls = append(calls, 3) })

	assert.NotPanics(t, events.fireServerStarted)
	assert.Equal(t, []int{1, 3}, calls)
}
