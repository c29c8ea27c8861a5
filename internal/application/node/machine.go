// Package node drives the master and slave roles of a mesh node: the tick
// driven state machine, envelope dispatch, port negotiation and routing.
package node

import (
	"sync"

	"github.com/orris-inc/meshnode/internal/shared/goroutine"
	"github.com/orris-inc/meshnode/internal/shared/logger"
)

// State tags a step of a role's lifecycle.
type State string

const (
	StateIdle              State = "IDLE"
	StateInit              State = "INIT"
	StateInitLocalServer   State = "INIT_LOCAL_SERVER"
	StateInitGateway       State = "INIT_GATEWAY"
	StateAccessGateway     State = "ACCESS_GATEWAY"
	StateAccessWaitGateway State = "ACCESS_WAIT_GATEWAY"
	StateWorking           State = "WORKING"
	StateConnectMaster     State = "CONNECT_MASTER"
	StateGetPort           State = "GET_PORT"
	StateWaitForPort       State = "WAIT_FOR_PORT"
	StateStartListener     State = "START_LISTENER"
	StateExit              State = "EXIT"
)

func (s State) String() string {
	return string(s)
}

// StateHandler runs once per tick while its state is current.
type StateHandler func()

// TransitionObserver is told about every accepted SetState call.
type TransitionObserver func(from, to State)

// Machine is a tick driven finite state machine. A SetState issued during a
// tick takes effect on the next tick. Terminal states never transition out.
type Machine struct {
	mu        sync.Mutex
	tickMu    sync.Mutex
	current   State
	next      State
	pending   bool
	ticks     uint64
	handlers  map[State]StateHandler
	terminal  map[State]bool
	observers []TransitionObserver
	logger    logger.Interface
}

// NewMachine creates a machine parked in initial.
func NewMachine(initial State, log logger.Interface) *Machine {
	return &Machine{
		current:  initial,
		handlers: make(map[State]StateHandler),
		terminal: make(map[State]bool),
		logger:   log,
	}
}

// Handle binds the handler run while state is current.
func (m *Machine) Handle(state State, h StateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[state] = h
}

// SetTerminal marks states the machine never leaves.
func (m *Machine) SetTerminal(states ...State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range states {
		m.terminal[s] = true
	}
}

// OnTransition registers an observer. Observers run in registration order
// on the caller of SetState.
func (m *Machine) OnTransition(fn TransitionObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// SetState schedules next for the following tick. It returns false when the
// machine is already in, or heading to, a terminal state.
func (m *Machine) SetState(next State) bool {
	m.mu.Lock()
	from := m.current
	if m.pending {
		from = m.next
	}
	if m.terminal[from] {
		m.mu.Unlock()
		return false
	}
	m.next = next
	m.pending = true
	observers := append([]TransitionObserver(nil), m.observers...)
	m.mu.Unlock()

	for _, fn := range observers {
		goroutine.SafeCall(m.logger, "state-observer", func() {
			fn(from, next)
		})
	}
	return true
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Ticks returns how many ticks have run.
func (m *Machine) Ticks() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticks
}

// Tick applies a pending transition and runs the current state's handler.
// Concurrent calls are serialized.
func (m *Machine) Tick() {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	m.mu.Lock()
	if m.pending {
		if m.current != m.next {
			m.logger.Debugw("state changed", "from", m.current, "to", m.next)
		}
		m.current = m.next
		m.pending = false
	}
	m.ticks++
	state := m.current
	h := m.handlers[state]
	m.mu.Unlock()

	if h == nil {
		return
	}
	goroutine.SafeCall(m.logger, "state-"+string(state), h)
}
