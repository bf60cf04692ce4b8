package autodetect

import (
	"fmt"
	"sync"
)

// ProcessState tracks one worker process through its life. All transitions
// go through stateMachine so liveness is never scattered across booleans.
type ProcessState int

const (
	StateCreated ProcessState = iota
	StateReady
	StateAlive
	StateFlushPending
	StateClosing
	StateClosed
	StateKilling
	StateKilled
)

func (s ProcessState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateAlive:
		return "alive"
	case StateFlushPending:
		return "flush_pending"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateKilling:
		return "killing"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Writable reports whether the input stream accepts operations in s.
func (s ProcessState) Writable() bool {
	switch s {
	case StateReady, StateAlive, StateFlushPending:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is an end state.
func (s ProcessState) Terminal() bool {
	return s == StateClosed || s == StateKilled
}

var transitions = map[ProcessState][]ProcessState{
	StateCreated:      {StateReady, StateKilling},
	StateReady:        {StateAlive, StateFlushPending, StateClosing, StateKilling},
	StateAlive:        {StateFlushPending, StateClosing, StateKilling},
	StateFlushPending: {StateAlive, StateClosing, StateKilling},
	StateClosing:      {StateClosed, StateKilling},
	StateKilling:      {StateKilled},
}

type stateMachine struct {
	mx sync.Mutex
	s  ProcessState
}

func newStateMachine() *stateMachine {
	return &stateMachine{s: StateCreated}
}

func (m *stateMachine) current() ProcessState {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.s
}

// to performs the transition or reports why it is not allowed.
func (m *stateMachine) to(next ProcessState) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	for _, allowed := range transitions[m.s] {
		if allowed == next {
			m.s = next
			return nil
		}
	}
	return fmt.Errorf("invalid process state transition %s -> %s", m.s, next)
}

// tryTo performs the transition if allowed, otherwise leaves the state
// alone. Returns whether the transition happened.
func (m *stateMachine) tryTo(next ProcessState) bool {
	return m.to(next) == nil
}
