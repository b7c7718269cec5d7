package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

// PebbleStore persists the quantum log and snapshots in a Pebble database.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	cache := pebble.NewCache(128 << 20)
	defer cache.Unref()
	opts := &pebble.Options{
		Cache:                    cache,
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 3 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) getApex(key []byte) (quantum.Apex, bool, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer closer.Close()
	return apexFromKey(val), true, nil
}

func (s *PebbleStore) LastApex(ctx context.Context) (quantum.Apex, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a, _, err := s.getApex(keyLastApex)
	if err != nil {
		return 0, fmt.Errorf("load last apex: %w", err)
	}
	return a, nil
}

func (s *PebbleStore) loadQuantum(apex quantum.Apex) (*quantum.Quantum, bool, error) {
	val, closer, err := s.db.Get(quantumKey(apex))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()
	var q quantum.Quantum
	if err := decodeGob(val, &q); err != nil {
		return nil, false, fmt.Errorf("decode quantum %d: %w", apex, err)
	}
	if err := s.attachSignatures(&q); err != nil {
		return nil, false, err
	}
	return &q, true, nil
}

// attachSignatures merges signatures stored after the quantum itself.
func (s *PebbleStore) attachSignatures(q *quantum.Quantum) error {
	prefix := signaturePrefix(q.Apex)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("signature iterator: %w", err)
	}
	defer iter.Close()

	var sigs []quantum.NodeSignature
	for iter.First(); iter.Valid(); iter.Next() {
		signer := quantum.NodeID(iter.Key()[len(prefix):])
		sig := append([]byte(nil), iter.Value()...)
		sigs = append(sigs, quantum.NodeSignature{Signer: signer, Signature: sig})
	}
	mergeSignatures(q, sigs)
	return nil
}

func (s *PebbleStore) LoadQuantaAboveApex(ctx context.Context, apex quantum.Apex, limit int) ([]*quantum.Quantum, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: quantumKey(apex + 1),
		UpperBound: keyUpperBound([]byte(prefixQuantum)),
	})
	if err != nil {
		return nil, fmt.Errorf("quantum iterator: %w", err)
	}
	defer iter.Close()

	var out []*quantum.Quantum
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(out) == limit {
			break
		}
		var q quantum.Quantum
		if err := decodeGob(iter.Value(), &q); err != nil {
			return nil, fmt.Errorf("decode quantum: %w", err)
		}
		out = append(out, &q)
	}
	for _, q := range out {
		if err := s.attachSignatures(q); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PebbleStore) LoadQuanta(ctx context.Context, apexes []quantum.Apex) ([]*quantum.Quantum, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sorted := append([]quantum.Apex(nil), apexes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var out []*quantum.Quantum
	for _, a := range sorted {
		q, ok, err := s.loadQuantum(a)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *PebbleStore) LoadEffects(ctx context.Context, apex quantum.Apex) ([]quantum.Effect, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, closer, err := s.db.Get(effectsKey(apex))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load effects %d: %w", apex, err)
	}
	defer closer.Close()
	var out []quantum.Effect
	if err := decodeGob(val, &out); err != nil {
		return nil, fmt.Errorf("decode effects %d: %w", apex, err)
	}
	return out, nil
}

// SaveBatch writes the diff in a single synced Pebble batch.
func (s *PebbleStore) SaveBatch(ctx context.Context, diff *Diff) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	last, err := s.LastApex(ctx)
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()

	next, err := checkContiguous(last, diff)
	if err != nil {
		return err
	}
	for _, e := range diff.Entries {
		q := e.Quantum
		val, err := encodeGob(q)
		if err != nil {
			return fmt.Errorf("encode quantum %d: %w", q.Apex, err)
		}
		if err := b.Set(quantumKey(q.Apex), val, nil); err != nil {
			return err
		}
		if len(e.Effects) > 0 {
			ev, err := encodeGob(e.Effects)
			if err != nil {
				return fmt.Errorf("encode effects %d: %w", q.Apex, err)
			}
			if err := b.Set(effectsKey(q.Apex), ev, nil); err != nil {
				return err
			}
		}
	}
	for _, sig := range diff.Signatures {
		if sig.Apex == 0 || sig.Apex > next {
			return fmt.Errorf("save batch: signature for unknown apex %d", sig.Apex)
		}
		if err := b.Set(signatureKey(sig.Apex, sig.Signature.Signer), sig.Signature.Signature, nil); err != nil {
			return err
		}
	}
	if next != last {
		if err := b.Set(keyLastApex, apexKey(next), nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *PebbleStore) GetLastSnapshot(ctx context.Context) (quantum.Apex, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	id, ok, err := s.getApex(keyLastSnapshot)
	if err != nil {
		return 0, nil, fmt.Errorf("load snapshot pointer: %w", err)
	}
	if !ok {
		return 0, nil, ErrNoSnapshot
	}
	val, closer, err := s.db.Get(snapshotKey(id))
	if err != nil {
		return 0, nil, fmt.Errorf("load snapshot %d: %w", id, err)
	}
	defer closer.Close()
	return id, append([]byte(nil), val...), nil
}

func (s *PebbleStore) SaveSnapshot(ctx context.Context, id quantum.Apex, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(snapshotKey(id), data, nil); err != nil {
		return err
	}
	cur, ok, err := s.getApex(keyLastSnapshot)
	if err != nil {
		return err
	}
	if !ok || id >= cur {
		if err := b.Set(keyLastSnapshot, apexKey(id), nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit snapshot %d: %w", id, err)
	}
	return nil
}

var _ Persistence = (*PebbleStore)(nil)
var _ SnapshotStore = (*PebbleStore)(nil)
