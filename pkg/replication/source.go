package replication

import (
	"context"
	"fmt"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
	"github.com/uhyunpark/quantaledger/pkg/storage"
)

// Source serves quanta to workers: from the in-memory window while it still
// holds them, from persistence otherwise.
type Source struct {
	window      *storage.QuantumStorage
	persistence storage.Persistence
}

func NewSource(window *storage.QuantumStorage, p storage.Persistence) *Source {
	return &Source{window: window, persistence: p}
}

func (s *Source) Head() quantum.Apex { return s.window.LastApex() }

func (s *Source) Changed() <-chan struct{} { return s.window.Changed() }

// Batch returns up to max contiguous quanta above from.
func (s *Source) Batch(ctx context.Context, from quantum.Apex, max int) ([]*quantum.Quantum, error) {
	if found, items := s.window.GetBatch(from, max); found {
		return items, nil
	}
	if s.persistence == nil {
		return nil, fmt.Errorf("apex %d evicted and no persistence configured", from+1)
	}
	items, err := s.persistence.LoadQuantaAboveApex(ctx, from, max)
	if err != nil {
		return nil, fmt.Errorf("load quanta above %d: %w", from, err)
	}
	for i, q := range items {
		if q.Apex != from+quantum.Apex(i)+1 {
			return items[:i], nil
		}
	}
	return items, nil
}
