package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

// MemoryStore implements Persistence and SnapshotStore without durability.
type MemoryStore struct {
	mu        sync.Mutex
	quanta    map[quantum.Apex]*quantum.Quantum
	effects   map[quantum.Apex][]quantum.Effect
	lastApex  quantum.Apex
	snapshots map[quantum.Apex][]byte
	lastSnap  quantum.Apex
	hasSnap   bool
	saves     int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quanta:    make(map[quantum.Apex]*quantum.Quantum),
		effects:   make(map[quantum.Apex][]quantum.Effect),
		snapshots: make(map[quantum.Apex][]byte),
	}
}

func (s *MemoryStore) LastApex(_ context.Context) (quantum.Apex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastApex, nil
}

func (s *MemoryStore) LoadQuantaAboveApex(_ context.Context, apex quantum.Apex, limit int) ([]*quantum.Quantum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*quantum.Quantum
	for a := apex + 1; a <= s.lastApex; a++ {
		if limit > 0 && len(out) == limit {
			break
		}
		q, ok := s.quanta[a]
		if !ok {
			continue
		}
		out = append(out, q.Clone())
	}
	return out, nil
}

func (s *MemoryStore) LoadQuanta(_ context.Context, apexes []quantum.Apex) ([]*quantum.Quantum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := append([]quantum.Apex(nil), apexes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var out []*quantum.Quantum
	for _, a := range sorted {
		if q, ok := s.quanta[a]; ok {
			out = append(out, q.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) LoadEffects(_ context.Context, apex quantum.Apex) ([]quantum.Effect, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]quantum.Effect(nil), s.effects[apex]...), nil
}

func (s *MemoryStore) SaveBatch(_ context.Context, diff *Diff) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := checkContiguous(s.lastApex, diff)
	if err != nil {
		return err
	}
	for _, sig := range diff.Signatures {
		_, stored := s.quanta[sig.Apex]
		if !stored && (sig.Apex <= s.lastApex || sig.Apex > next) {
			return fmt.Errorf("save batch: signature for unknown apex %d", sig.Apex)
		}
	}

	for _, e := range diff.Entries {
		s.quanta[e.Quantum.Apex] = e.Quantum.Clone()
		if len(e.Effects) > 0 {
			s.effects[e.Quantum.Apex] = append([]quantum.Effect(nil), e.Effects...)
		}
	}
	s.lastApex = next
	for _, sig := range diff.Signatures {
		mergeSignatures(s.quanta[sig.Apex], []quantum.NodeSignature{sig.Signature})
	}
	s.saves++
	return nil
}

// Saves reports how many batches were committed.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryStore) GetLastSnapshot(_ context.Context) (quantum.Apex, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSnap {
		return 0, nil, ErrNoSnapshot
	}
	return s.lastSnap, append([]byte(nil), s.snapshots[s.lastSnap]...), nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, id quantum.Apex, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[id] = append([]byte(nil), data...)
	if !s.hasSnap || id >= s.lastSnap {
		s.lastSnap = id
		s.hasSnap = true
	}
	return nil
}

var _ Persistence = (*MemoryStore)(nil)
var _ SnapshotStore = (*MemoryStore)(nil)
