package socket

import (
	"net"
	"sync"
	"time"

	nodeErrors "github.com/orris-inc/meshnode/internal/shared/errors"
	"github.com/orris-inc/meshnode/internal/shared/goroutine"
	"github.com/orris-inc/meshnode/internal/shared/logger"
)

const defaultWriteTimeout = 10 * time.Second

// InboundType tags an item handed from socket readers to handlers.
type InboundType int

const (
	InboundNewConnection InboundType = iota + 1
	InboundDataArrived
	InboundDisconnected
)

func (t InboundType) String() string {
	switch t {
	case InboundNewConnection:
		return "new_connection"
	case InboundDataArrived:
		return "data_arrived"
	case InboundDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// InboundItem is one event from the I/O side. Socket is set for
// new_connection, Conn for the others.
type InboundItem struct {
	Type   InboundType
	Socket net.Conn
	Conn   *Connection
	Data   []byte
}

// OutboundItem is one buffer to write to a connection.
type OutboundItem struct {
	Conn *Connection
	Data []byte
}

// InboundHandler processes inbound items of one type.
type InboundHandler func(item InboundItem)

// Transceiver decouples socket I/O from processing with two bounded queues,
// each drained by a single worker. Inbound items keep their arrival order.
type Transceiver struct {
	in           chan InboundItem
	out          chan OutboundItem
	handlers     map[InboundType]InboundHandler
	writeTimeout time.Duration
	logger       logger.Interface

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

func NewTransceiver(queueSize int, log logger.Interface) *Transceiver {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Transceiver{
		in:           make(chan InboundItem, queueSize),
		out:          make(chan OutboundItem, queueSize),
		handlers:     make(map[InboundType]InboundHandler),
		writeTimeout: defaultWriteTimeout,
		logger:       log,
		quit:         make(chan struct{}),
	}
}

// Handle binds the handler for an inbound type. Must be called before Start.
func (t *Transceiver) Handle(typ InboundType, h InboundHandler) {
	t.handlers[typ] = h
}

// Start launches the send and receive workers.
func (t *Transceiver) Start() {
	t.startOnce.Do(func() {
		t.wg.Add(2)
		goroutine.SafeGo(t.logger, "transceiver-send", func() {
			defer t.wg.Done()
			t.sendLoop()
		})
		goroutine.SafeGo(t.logger, "transceiver-receive", func() {
			defer t.wg.Done()
			t.receiveLoop()
		})
	})
}

// Stop signals both workers, lets them drain what is already queued, and
// waits for them to exit.
func (t *Transceiver) Stop() {
	t.stopOnce.Do(func() {
		close(t.quit)
	})
	t.wg.Wait()
}

// Send queues an outbound write. It blocks while the queue is full.
func (t *Transceiver) Send(item OutboundItem) error {
	select {
	case <-t.quit:
		return nodeErrors.NewStoppedError("transceiver stopped")
	default:
	}
	select {
	case t.out <- item:
		return nil
	case <-t.quit:
		return nodeErrors.NewStoppedError("transceiver stopped")
	}
}

// Receive queues an inbound item. It blocks while the queue is full.
func (t *Transceiver) Receive(item InboundItem) error {
	select {
	case <-t.quit:
		return nodeErrors.NewStoppedError("transceiver stopped")
	default:
	}
	select {
	case t.in <- item:
		return nil
	case <-t.quit:
		return nodeErrors.NewStoppedError("transceiver stopped")
	}
}

func (t *Transceiver) sendLoop() {
	for {
		select {
		case item := <-t.out:
			t.write(item)
		case <-t.quit:
			for {
				select {
				case item := <-t.out:
					t.write(item)
				default:
					return
				}
			}
		}
	}
}

func (t *Transceiver) receiveLoop() {
	for {
		select {
		case item := <-t.in:
			t.dispatch(item)
		case <-t.quit:
			for {
				select {
				case item := <-t.in:
					t.dispatch(item)
				default:
					return
				}
			}
		}
	}
}

func (t *Transceiver) write(item OutboundItem) {
	nc := item.Conn.Conn()
	if nc == nil || item.Conn.Removed() {
		t.logger.Debugw("dropping write to closed connection", "key", item.Conn.Key())
		return
	}
	if err := nc.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		t.logger.Debugw("set write deadline", "key", item.Conn.Key(), "error", err)
	}
	if _, err := nc.Write(item.Data); err != nil {
		t.logger.Warnw("write failed",
			"key", item.Conn.Key(),
			"addr", item.Conn.Addr(),
			"error", nodeErrors.NewTransientIOError("write", err),
		)
	}
}

func (t *Transceiver) dispatch(item InboundItem) {
	h, ok := t.handlers[item.Type]
	if !ok {
		t.logger.Warnw("no handler for inbound item", "type", item.Type.String())
		return
	}
	goroutine.SafeCall(t.logger, "inbound "+item.Type.String(), func() { h(item) })
}
