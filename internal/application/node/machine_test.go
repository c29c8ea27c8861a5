package node

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/orris-inc/meshnode/internal/shared/logger"
)

func TestMachineTransitionTakesEffectNextTick(t *testing.T) {
	m := NewMachine(StateIdle, logger.NewNop())
	var ran []State
	m.Handle(StateIdle, func() {
		ran = append(ran, StateIdle)
		m.SetState(StateInit)
		assert.Equal(t, StateIdle, m.State())
	})
	m.Handle(StateInit, func() {
		ran = append(ran, StateInit)
	})

	m.Tick()
	assert.Equal(t, StateIdle, m.State())
	m.Tick()
	assert.Equal(t, StateInit, m.State())
	m.Tick()

	assert.Equal(t, []State{StateIdle, StateInit, StateInit}, ran)
	assert.Equal(t, uint64(3), m.Ticks())
}

func TestMachineLastSetStateWins(t *testing.T) {
	m := NewMachine(StateIdle, logger.NewNop())
	m.SetState(StateInit)
	m.SetState(StateWorking)
	m.Tick()
	assert.Equal(t, StateWorking, m.State())
}

func TestMachineTerminalState(t *testing.T) {
	m := NewMachine(StateIdle, logger.NewNop())
	m.SetTerminal(StateExit)

	assert.True(t, m.SetState(StateExit))
	assert.False(t, m.SetState(StateWorking), "a pending terminal state cannot be overridden")
	m.Tick()
	assert.Equal(t, StateExit, m.State())

	assert.False(t, m.SetState(StateInit))
	m.Tick()
	assert.Equal(t, StateExit, m.State())
}

func TestMachineObserversSeeEveryAcceptedTransition(t *testing.T) {
	m := NewMachine(StateIdle, logger.NewNop())
	m.SetTerminal(StateExit)

	type edge struct{ from, to State }
	var edges []edge
	m.OnTransition(func(State, State) { panic("observer failure") })
	m.OnTransition(func(from, to State) { edges = append(edges, edge{from, to}) })

	m.SetState(StateConnectMaster)
	m.Tick()
	m.SetState(StateConnectMaster)
	m.SetState(StateExit)
	m.SetState(StateIdle)

	assert.Equal(t, []edge{
		{StateIdle, StateConnectMaster},
		{StateConnectMaster, StateConnectMaster},
		{StateConnectMaster, StateExit},
	}, edges)
}

func TestMachineSurvivesPanickingHandler(t *testing.T) {
	m := NewMachine(StateIdle, logger.NewNop())
	calls := 0
	m.Handle(StateIdle, func() {
		calls++
		panic("boom")
	})

	assert.NotPanics(t, func() {
		m.Tick()
		m.Tick()
	})
	assert.Equal(t, 2, calls)
}
