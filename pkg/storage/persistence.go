package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

var ErrNoSnapshot = errors.New("no snapshot")

// Entry is a processed quantum together with the effects it produced.
type Entry struct {
	Quantum *quantum.Quantum
	Effects []quantum.Effect
}

// Diff is one atomic persistence update. Entries must continue the stored
// log without gaps, unless Rebase is set: then the first entry may skip
// ahead, which happens once after a node restores a newer peer snapshot.
type Diff struct {
	Entries    []Entry
	Signatures []quantum.ApexSignature
	Rebase     bool
}

func (d *Diff) Empty() bool { return len(d.Entries) == 0 && len(d.Signatures) == 0 }

// LastApex returns the highest apex among the entries, or 0.
func (d *Diff) LastApex() quantum.Apex {
	if len(d.Entries) == 0 {
		return 0
	}
	return d.Entries[len(d.Entries)-1].Quantum.Apex
}

// Persistence is the durable quantum log.
type Persistence interface {
	LastApex(ctx context.Context) (quantum.Apex, error)
	// LoadQuantaAboveApex returns up to limit quanta with apex > apex, ascending.
	LoadQuantaAboveApex(ctx context.Context, apex quantum.Apex, limit int) ([]*quantum.Quantum, error)
	// LoadQuanta returns the requested quanta that exist, ascending.
	LoadQuanta(ctx context.Context, apexes []quantum.Apex) ([]*quantum.Quantum, error)
	LoadEffects(ctx context.Context, apex quantum.Apex) ([]quantum.Effect, error)
	// SaveBatch stores the whole diff or nothing.
	SaveBatch(ctx context.Context, diff *Diff) error
}

// SnapshotStore keeps encoded ledger snapshots keyed by apex.
type SnapshotStore interface {
	// GetLastSnapshot returns ErrNoSnapshot when nothing was saved yet.
	GetLastSnapshot(ctx context.Context) (quantum.Apex, []byte, error)
	SaveSnapshot(ctx context.Context, id quantum.Apex, data []byte) error
}

// checkContiguous returns the last apex after applying entries on top of last.
func checkContiguous(last quantum.Apex, d *Diff) (quantum.Apex, error) {
	next := last
	for i, e := range d.Entries {
		a := e.Quantum.Apex
		if i == 0 && d.Rebase && a > next {
			next = a
			continue
		}
		if a != next+1 {
			return 0, fmt.Errorf("save batch: apex %d does not follow %d", a, next)
		}
		next = a
	}
	return next, nil
}

// mergeSignatures adds detached signatures to q, skipping signers already present.
func mergeSignatures(q *quantum.Quantum, sigs []quantum.NodeSignature) {
	for _, s := range sigs {
		_ = q.AddSignature(s)
	}
}
