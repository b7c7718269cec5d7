package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
	"github.com/uhyunpark/quantaledger/pkg/util"
)

// Saver batches processed quanta and late signatures and flushes them to
// persistence in the background. After a successful flush the window is told
// which apexes are durable so they become evictable.
type Saver struct {
	log         *zap.SugaredLogger
	persistence Persistence
	window      *QuantumStorage
	interval    time.Duration
	maxBatch    int

	pending chan struct{}
	flushMu sync.Mutex
	mu      sync.Mutex
	diff    Diff
}

func NewSaver(p Persistence, window *QuantumStorage, interval time.Duration, maxBatch int, log *zap.SugaredLogger) *Saver {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if maxBatch <= 0 {
		maxBatch = 500
	}
	s := &Saver{
		log:         util.OrNop(log),
		persistence: p,
		window:      window,
		interval:    interval,
		maxBatch:    maxBatch,
		pending:     make(chan struct{}, 1),
	}
	return s
}

func (s *Saver) lock()   { s.mu.Lock() }
func (s *Saver) unlock() { s.mu.Unlock() }

func (s *Saver) kick() {
	select {
	case s.pending <- struct{}{}:
	default:
	}
}

// AddQuantum queues a processed quantum and its effects.
func (s *Saver) AddQuantum(q *quantum.Quantum, effects []quantum.Effect) {
	s.lock()
	s.diff.Entries = append(s.diff.Entries, Entry{Quantum: q.Clone(), Effects: effects})
	n := len(s.diff.Entries)
	s.unlock()
	if n >= s.maxBatch {
		s.kick()
	}
}

// AddSignature queues a signature that arrived after its quantum.
func (s *Saver) AddSignature(apex quantum.Apex, sig quantum.NodeSignature) {
	s.lock()
	s.diff.Signatures = append(s.diff.Signatures, quantum.ApexSignature{Apex: apex, Signature: sig})
	s.unlock()
}

// Rebase lets the next flushed batch skip ahead of the stored log.
func (s *Saver) Rebase() {
	s.lock()
	s.diff.Rebase = true
	s.unlock()
}

// Pending returns the number of queued quanta.
func (s *Saver) Pending() int {
	s.lock()
	defer s.unlock()
	return len(s.diff.Entries)
}

// Flush writes everything queued so far. On failure the diff is put back in
// front of whatever was queued meanwhile.
func (s *Saver) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.lock()
	if s.diff.Empty() {
		s.unlock()
		return nil
	}
	diff := s.diff
	s.diff = Diff{}
	s.unlock()

	if err := s.persistence.SaveBatch(ctx, &diff); err != nil {
		s.lock()
		s.diff.Entries = append(diff.Entries, s.diff.Entries...)
		s.diff.Signatures = append(diff.Signatures, s.diff.Signatures...)
		s.diff.Rebase = s.diff.Rebase || diff.Rebase
		s.unlock()
		return err
	}
	if last := diff.LastApex(); last > 0 {
		s.window.MarkPersisted(last)
	}
	s.log.Debugw("batch_saved", "quanta", len(diff.Entries), "signatures", len(diff.Signatures), "last_apex", diff.LastApex())
	return nil
}

// Run flushes on every interval tick or when a full batch is queued, and
// once more on shutdown.
func (s *Saver) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(context.Background()); err != nil {
				s.log.Errorw("final_flush_failed", "err", err)
				return err
			}
			return nil
		case <-ticker.C:
		case <-s.pending:
		}
		if err := s.Flush(ctx); err != nil {
			s.log.Warnw("flush_failed", "err", err, "pending", s.Pending())
		}
	}
}
