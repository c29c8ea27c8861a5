// Package socket implements the TCP side of a node: a registry of live
// connections, a queued transceiver and the reactor that accepts and reads
// sockets.
package socket

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/orris-inc/meshnode/internal/shared/config"
	nodeErrors "github.com/orris-inc/meshnode/internal/shared/errors"
	"github.com/orris-inc/meshnode/internal/shared/goroutine"
	"github.com/orris-inc/meshnode/internal/shared/logger"
)

// drainWindow is how long a reader waits for the next chunk of a burst.
const drainWindow = 5 * time.Millisecond

// Options tunes the reactor.
type Options struct {
	ChunkSize   int
	PollTimeout time.Duration
	QueueSize   int
	DialTimeout time.Duration
	BindRetry   time.Duration
}

// OptionsFromConfig converts the socket config section.
func OptionsFromConfig(cfg config.SocketConfig) Options {
	return Options{
		ChunkSize:   cfg.ChunkSize,
		PollTimeout: cfg.PollTimeout,
		QueueSize:   cfg.QueueSize,
		DialTimeout: cfg.DialTimeout,
		BindRetry:   cfg.BindRetry,
	}
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 2048
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 500 * time.Millisecond
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.BindRetry <= 0 {
		o.BindRetry = time.Second
	}
	return o
}

type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// Reactor accepts and reads sockets and hands everything it sees to the
// transceiver. Stop is cooperative: loops observe it within one poll
// timeout, and Done is closed once teardown has finished.
type Reactor struct {
	opts     Options
	registry *Registry
	events   *Events
	trx      *Transceiver
	logger   logger.Interface

	mu            sync.Mutex
	listener      deadlineListener
	listenerConn  *Connection
	acceptRunning bool
	acceptDone    chan struct{}

	stopping  atomic.Bool
	listening atomic.Bool

	readers      sync.WaitGroup
	shutdownOnce sync.Once
	done         chan struct{}
}

// NewReactor wires a reactor, its transceiver and its inbound handlers. The
// transceiver workers start immediately so the reactor can be used as a
// pure client.
func NewReactor(opts Options, registry *Registry, events *Events, log logger.Interface) *Reactor {
	opts = opts.withDefaults()
	r := &Reactor{
		opts:     opts,
		registry: registry,
		events:   events,
		trx:      NewTransceiver(opts.QueueSize, log.Named("transceiver")),
		logger:   log,
		done:     make(chan struct{}),
	}
	r.trx.Handle(InboundNewConnection, r.handleNewConnection)
	r.trx.Handle(InboundDataArrived, r.handleDataArrived)
	r.trx.Handle(InboundDisconnected, r.handleDisconnected)
	r.trx.Start()
	return r
}

func (r *Reactor) Registry() *Registry { return r.registry }
func (r *Reactor) Events() *Events     { return r.events }

// Done is closed when the reactor has fully stopped.
func (r *Reactor) Done() <-chan struct{} { return r.done }

// ListenerRunning reports whether the accept loop is serving.
func (r *Reactor) ListenerRunning() bool { return r.listening.Load() }

// ListenerAddr returns the bound address, or nil before StartListener
// succeeded.
func (r *Reactor) ListenerAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// ListenerConnection returns the registry entry of the listening socket.
func (r *Reactor) ListenerConnection() *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listenerConn
}

// StartListener binds ip:port and starts the accept loop. A failed bind is
// retried every BindRetry without limit until it succeeds, ctx is done or
// the reactor is stopped.
func (r *Reactor) StartListener(ctx context.Context, ip string, port int) error {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	retry := backoff.NewConstantBackOff(r.opts.BindRetry)

	var ln net.Listener
	for {
		if r.stopping.Load() {
			return nodeErrors.NewStoppedError("reactor stopped before listener was bound")
		}

		var err error
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}

		delay := retry.NextBackOff()
		r.logger.Warnw("bind failed, retrying",
			"addr", addr,
			"retry_in", delay,
			"error", nodeErrors.NewBindError(addr, err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	dl, ok := ln.(deadlineListener)
	if !ok {
		_ = ln.Close()
		return nodeErrors.NewBindError(addr, errors.New("listener does not support deadlines"))
	}

	r.mu.Lock()
	if r.stopping.Load() || r.acceptRunning {
		r.mu.Unlock()
		_ = ln.Close()
		if r.acceptRunning {
			return nodeErrors.NewBindError(addr, errors.New("listener already running"))
		}
		return nodeErrors.NewStoppedError("reactor stopped before listener was bound")
	}
	r.listener = dl
	r.acceptRunning = true
	acceptDone := make(chan struct{})
	r.acceptDone = acceptDone
	r.mu.Unlock()

	boundPort := port
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		boundPort = tcpAddr.Port
	}
	lc := r.registry.AddListener(ln, ip, boundPort)

	r.mu.Lock()
	r.listenerConn = lc
	r.mu.Unlock()

	r.listening.Store(true)
	r.logger.Infow("listener started", "addr", ln.Addr().String())

	goroutine.SafeGo(r.logger, "reactor-accept", func() {
		r.acceptLoop(dl, acceptDone)
	})
	r.events.fireServerStarted()
	return nil
}

// acceptLoop serves ln until it is closed or the reactor stops. The reactor
// is torn down only in the latter case.
func (r *Reactor) acceptLoop(ln deadlineListener, done chan struct{}) {
	defer func() {
		r.mu.Lock()
		r.acceptRunning = false
		stopping := r.stopping.Load()
		r.mu.Unlock()
		close(done)
		if stopping {
			r.shutdown()
		}
	}()

	for !r.stopping.Load() {
		if err := ln.SetDeadline(time.Now().Add(r.opts.PollTimeout)); err != nil {
			r.logger.Debugw("set accept deadline", "error", err)
		}

		nc, err := ln.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if r.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warnw("accept failed", "error", nodeErrors.NewTransientIOError("accept", err))
			time.Sleep(r.opts.PollTimeout / 10)
			continue
		}

		if err := r.trx.Receive(InboundItem{Type: InboundNewConnection, Socket: nc}); err != nil {
			_ = nc.Close()
		}
	}
}

// StopListener closes the listening socket and waits for the accept loop to
// exit. Stream connections stay up and StartListener may be called again.
// It returns false when no listener is running.
func (r *Reactor) StopListener() bool {
	r.mu.Lock()
	if r.stopping.Load() || !r.acceptRunning {
		r.mu.Unlock()
		return false
	}
	lc := r.listenerConn
	ln := r.listener
	done := r.acceptDone
	r.listenerConn = nil
	r.listener = nil
	r.mu.Unlock()

	r.listening.Store(false)
	if lc == nil || !r.registry.RemoveByKey(lc.Key()) {
		_ = ln.Close()
	}
	<-done
	r.logger.Infow("listener stopped", "addr", ln.Addr().String())
	return true
}

// Connect dials a peer and tracks the resulting connection.
func (r *Reactor) Connect(ctx context.Context, ip string, port int) (*Connection, error) {
	if r.stopping.Load() {
		return nil, nodeErrors.NewStoppedError("reactor stopped")
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: r.opts.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nodeErrors.NewTransientIOError("connect "+addr, err)
	}
	return r.track(nc), nil
}

// Disconnect removes the connection to ip:port.
func (r *Reactor) Disconnect(ip string, port int) bool {
	return r.registry.RemoveByKey(r.registry.KeyFor(ip, port))
}

// Send queues data for conn.
func (r *Reactor) Send(conn *Connection, data []byte) error {
	if conn == nil || conn.IsListener() {
		return nodeErrors.NewNotFoundError("no stream connection to send to")
	}
	return r.trx.Send(OutboundItem{Conn: conn, Data: data})
}

// SendData queues data for the connection to ip:port.
func (r *Reactor) SendData(ip string, port int, data []byte) error {
	conn := r.registry.LookupByAddress(ip, port)
	if conn == nil {
		return nodeErrors.NewNotFoundError("connection not found", net.JoinHostPort(ip, strconv.Itoa(port)))
	}
	return r.Send(conn, data)
}

// Stop requests shutdown and returns immediately. Wait on Done.
func (r *Reactor) Stop() {
	r.mu.Lock()
	r.stopping.Store(true)
	accepting := r.acceptRunning
	r.mu.Unlock()

	if !accepting {
		goroutine.SafeGo(r.logger, "reactor-shutdown", r.shutdown)
	}
}

func (r *Reactor) shutdown() {
	r.shutdownOnce.Do(func() {
		r.stopping.Store(true)
		r.listening.Store(false)
		r.logger.Infow("reactor stopping")

		r.trx.Stop()

		if lc := r.ListenerConnection(); lc != nil {
			r.registry.RemoveByKey(lc.Key())
		}
		r.registry.CleanAll()
		r.readers.Wait()

		r.events.fireServerStopped()
		r.logger.Infow("reactor stopped")
		close(r.done)
	})
}

func (r *Reactor) track(nc net.Conn) *Connection {
	ip, port := splitAddr(nc.RemoteAddr())
	conn := r.registry.Add(nc, ip, port)
	if conn.Conn() != nc {
		// address pair already tracked by another socket
		_ = nc.Close()
		return conn
	}

	r.readers.Add(1)
	goroutine.SafeGo(r.logger, "reactor-read", func() {
		defer r.readers.Done()
		r.readLoop(conn, nc)
	})
	return conn
}

// readLoop reads chunks while full chunks keep arriving and hands each burst
// to the transceiver. A closed or failed socket yields one disconnected item.
func (r *Reactor) readLoop(conn *Connection, nc net.Conn) {
	buf := make([]byte, r.opts.ChunkSize)
	for {
		if r.stopping.Load() || conn.Removed() {
			return
		}
		_ = nc.SetReadDeadline(time.Now().Add(r.opts.PollTimeout))

		n, err := nc.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			for n == len(buf) && err == nil {
				_ = nc.SetReadDeadline(time.Now().Add(drainWindow))
				n, err = nc.Read(buf)
				data = append(data, buf[:n]...)
			}
			conn.Touch()
			if rerr := r.trx.Receive(InboundItem{Type: InboundDataArrived, Conn: conn, Data: data}); rerr != nil {
				return
			}
		}

		if err == nil || isTimeout(err) {
			continue
		}
		if conn.Removed() || r.stopping.Load() {
			return
		}
		if !errors.Is(err, io.EOF) {
			r.logger.Debugw("read failed", "key", conn.Key(), "error", nodeErrors.NewTransientIOError("read", err))
		}
		_ = r.trx.Receive(InboundItem{Type: InboundDisconnected, Conn: conn})
		return
	}
}

func (r *Reactor) handleNewConnection(item InboundItem) {
	if r.stopping.Load() {
		_ = item.Socket.Close()
		return
	}
	conn := r.track(item.Socket)
	r.logger.Infow("connection accepted", "key", conn.Key(), "addr", conn.Addr())
}

func (r *Reactor) handleDataArrived(item InboundItem) {
	if item.Conn.Removed() {
		return
	}
	r.events.fireData(item.Conn, item.Data)
}

func (r *Reactor) handleDisconnected(item InboundItem) {
	if r.registry.RemoveByKey(item.Conn.Key()) {
		r.logger.Infow("connection closed by peer", "key", item.Conn.Key(), "addr", item.Conn.Addr())
	}
}

func splitAddr(addr net.Addr) (string, int) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
