package consensus

import (
	"sort"
	"sync"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

// Majority returns the number of votes needed out of n: n/2+1.
func Majority(n int) int {
	if n <= 0 {
		return 0
	}
	return n/2 + 1
}

// Quorum describes a constellation of N nodes.
type Quorum struct{ N int }

func (q Quorum) Need() int { return Majority(q.N) }

type Decision int

const (
	DecisionUnknown Decision = iota
	DecisionSuccess
	DecisionUnreachable
)

func (d Decision) String() string {
	switch d {
	case DecisionSuccess:
		return "success"
	case DecisionUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// MajorityCalculator collects one value per node and decides whether a
// quorum of nodes agrees on the same value. Values are grouped by key.
// A Success decision is final; later reports are still recorded and join
// the winning group when their key matches.
type MajorityCalculator[T any] struct {
	mu       sync.Mutex
	quorum   Quorum
	key      func(T) string
	votes    map[quantum.NodeID]T
	order    []quantum.NodeID
	decision Decision
	winner   string
}

func NewMajorityCalculator[T any](total int, key func(T) string) *MajorityCalculator[T] {
	return &MajorityCalculator[T]{
		quorum: Quorum{N: total},
		key:    key,
		votes:  make(map[quantum.NodeID]T),
	}
}

// Add records the value reported by node and returns the current decision.
// A second report from the same node is ignored.
func (m *MajorityCalculator[T]) Add(node quantum.NodeID, value T) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.votes[node]; dup {
		return m.decision
	}
	m.votes[node] = value
	m.order = append(m.order, node)
	if m.decision == DecisionUnknown {
		m.evaluateLocked()
	}
	return m.decision
}

func (m *MajorityCalculator[T]) evaluateLocked() {
	need := m.quorum.Need()
	if len(m.votes) < need {
		return
	}
	groups := make(map[string]int)
	for _, v := range m.votes {
		groups[m.key(v)]++
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best, size := "", 0
	for _, k := range keys {
		if groups[k] > size {
			best, size = k, groups[k]
		}
	}
	switch {
	case size >= need:
		m.decision = DecisionSuccess
		m.winner = best
	case size+m.quorum.N-len(m.votes) < need:
		m.decision = DecisionUnreachable
	}
}

func (m *MajorityCalculator[T]) Decision() Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decision
}

// Count returns how many nodes reported.
func (m *MajorityCalculator[T]) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.votes)
}

// Majority returns the values of the winning group in arrival order, or nil
// while no Success decision exists.
func (m *MajorityCalculator[T]) Majority() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decision != DecisionSuccess {
		return nil
	}
	var out []T
	for _, id := range m.order {
		if v := m.votes[id]; m.key(v) == m.winner {
			out = append(out, v)
		}
	}
	return out
}
