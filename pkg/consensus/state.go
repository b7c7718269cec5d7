package consensus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/quantaledger/pkg/util"
)

type Role int

const (
	RoleAuditor Role = iota
	RoleAlpha
)

func (r Role) String() string {
	if r == RoleAlpha {
		return "alpha"
	}
	return "auditor"
}

type NodeState int

const (
	StateUndefined NodeState = iota
	StateRising
	StateRunning
	StateReady
	StateFailed
)

func (s NodeState) String() string {
	switch s {
	case StateRising:
		return "rising"
	case StateRunning:
		return "running"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "undefined"
	}
}

var transitions = map[NodeState][]NodeState{
	StateUndefined: {StateRising},
	StateRising:    {StateRunning},
	StateRunning:   {StateReady, StateRising},
	StateReady:     {StateRunning},
}

// StateManager owns the node lifecycle. Failed is terminal and is entered
// only through Fail.
type StateManager struct {
	log *zap.SugaredLogger

	mu     sync.Mutex
	state  NodeState
	err    error
	failed chan struct{}
	subs   []chan NodeState
}

func NewStateManager(log *zap.SugaredLogger) *StateManager {
	return &StateManager{log: util.OrNop(log), failed: make(chan struct{})}
}

func (m *StateManager) State() NodeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOperational reports whether the node accepts new work.
func (m *StateManager) IsOperational() bool {
	s := m.State()
	return s == StateRunning || s == StateReady
}

func (m *StateManager) SetState(next NodeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == next {
		return nil
	}
	allowed := false
	for _, s := range transitions[m.state] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid state transition %s -> %s", m.state, next)
	}
	m.log.Infow("node_state", "from", m.state.String(), "to", next.String())
	m.state = next
	m.publishLocked(next)
	return nil
}

// Fail moves the node to Failed. Only the first error is kept.
func (m *StateManager) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateFailed {
		return
	}
	m.log.Errorw("node_failed", "from", m.state.String(), "err", err)
	m.state = StateFailed
	m.err = err
	close(m.failed)
	m.publishLocked(StateFailed)
}

// Failed is closed once the node has failed.
func (m *StateManager) Failed() <-chan struct{} { return m.failed }

func (m *StateManager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Subscribe returns a channel receiving every later state change. Slow
// subscribers miss updates rather than block transitions.
func (m *StateManager) Subscribe() <-chan NodeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan NodeState, 8)
	m.subs = append(m.subs, ch)
	return ch
}

func (m *StateManager) publishLocked(s NodeState) {
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
		}
	}
}
