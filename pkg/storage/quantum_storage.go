package storage

import (
	"fmt"
	"sync"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

// QuantumStorage is the in-memory window of recent quanta that replication
// reads from. Once the window holds capacity+threshold quanta the oldest
// threshold of them are dropped in one step.
type QuantumStorage struct {
	mu               sync.RWMutex
	capacity         int
	threshold        int
	requirePersisted bool

	items     []*quantum.Quantum // contiguous apexes, ascending
	lastApex  quantum.Apex
	persisted quantum.Apex
	changed   chan struct{}
}

// NewQuantumStorage creates an empty window. With requirePersisted set,
// quanta are only evicted once MarkPersisted has covered them.
func NewQuantumStorage(capacity, threshold int, requirePersisted bool) *QuantumStorage {
	if capacity < 1 {
		capacity = 1
	}
	if threshold < 1 {
		threshold = 1
	}
	return &QuantumStorage{
		capacity:         capacity,
		threshold:        threshold,
		requirePersisted: requirePersisted,
		changed:          make(chan struct{}),
	}
}

// Init empties the window and positions it after lastApex, which is treated
// as already persisted.
func (s *QuantumStorage) Init(lastApex quantum.Apex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.lastApex = lastApex
	s.persisted = lastApex
	s.notifyLocked()
}

// Append adds the next quantum. Its apex must follow LastApex.
func (s *QuantumStorage) Append(q *quantum.Quantum) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.Apex != s.lastApex+1 {
		return fmt.Errorf("append apex %d: expected %d", q.Apex, s.lastApex+1)
	}
	s.items = append(s.items, q.Clone())
	s.lastApex = q.Apex
	s.evictLocked()
	s.notifyLocked()
	return nil
}

func (s *QuantumStorage) evictLocked() {
	if len(s.items) < s.capacity+s.threshold {
		return
	}
	drop := s.threshold
	if s.requirePersisted {
		n := 0
		for n < drop && s.items[n].Apex <= s.persisted {
			n++
		}
		drop = n
	}
	if drop == 0 {
		return
	}
	kept := make([]*quantum.Quantum, 0, max(len(s.items)-drop, s.capacity+s.threshold))
	kept = append(kept, s.items[drop:]...)
	s.items = kept
}

func (s *QuantumStorage) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Changed returns a channel that is closed on the next append or signature.
func (s *QuantumStorage) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

// MarkPersisted records that every quantum up to apex is durable.
func (s *QuantumStorage) MarkPersisted(apex quantum.Apex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if apex > s.persisted {
		s.persisted = apex
		s.evictLocked()
	}
}

func (s *QuantumStorage) PersistedApex() quantum.Apex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persisted
}

func (s *QuantumStorage) LastApex() quantum.Apex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApex
}

// FirstApex returns the oldest apex still in memory.
func (s *QuantumStorage) FirstApex() (quantum.Apex, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.items) == 0 {
		return 0, false
	}
	return s.items[0].Apex, true
}

// LastSignedBy returns the highest apex in the window signed by node. When
// the window holds no such signature it returns the apex just below the
// window.
func (s *QuantumStorage) LastSignedBy(node quantum.NodeID) quantum.Apex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].HasSignature(node) {
			return s.items[i].Apex
		}
	}
	if len(s.items) == 0 {
		return s.lastApex
	}
	return s.items[0].Apex - 1
}

func (s *QuantumStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *QuantumStorage) indexLocked(apex quantum.Apex) (int, bool) {
	if len(s.items) == 0 || apex < s.items[0].Apex || apex > s.lastApex {
		return 0, false
	}
	return int(apex - s.items[0].Apex), true
}

// Get returns a copy of the quantum at apex if it is still in memory.
func (s *QuantumStorage) Get(apex quantum.Apex) (*quantum.Quantum, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.indexLocked(apex)
	if !ok {
		return nil, false
	}
	return s.items[i].Clone(), true
}

// GetBatch returns up to max quanta with apex > from. found is false when
// the first requested quantum was already evicted and must be loaded from
// persistence; a caller that is up to date gets found=true and no items.
func (s *QuantumStorage) GetBatch(from quantum.Apex, max int) (found bool, items []*quantum.Quantum) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from >= s.lastApex {
		return true, nil
	}
	i, ok := s.indexLocked(from + 1)
	if !ok {
		return false, nil
	}
	end := len(s.items)
	if max > 0 && i+max < end {
		end = i + max
	}
	items = make([]*quantum.Quantum, 0, end-i)
	for _, q := range s.items[i:end] {
		items = append(items, q.Clone())
	}
	return true, items
}

// AddSignature attaches sig to the stored quantum. It returns false when the
// quantum is no longer in memory, and quantum.ErrDuplicateSignature when the
// signer already signed.
func (s *QuantumStorage) AddSignature(apex quantum.Apex, sig quantum.NodeSignature) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.indexLocked(apex)
	if !ok {
		return false, nil
	}
	if err := s.items[i].AddSignature(sig); err != nil {
		return true, err
	}
	s.notifyLocked()
	return true, nil
}
