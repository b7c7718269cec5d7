package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
	"github.com/uhyunpark/quantaledger/pkg/util"
)

// ErrCursorAhead means a peer claims to have quanta this node never produced.
var ErrCursorAhead = errors.New("peer cursor beyond log head")

// Mode selects what a worker streams.
type Mode int

const (
	// ModeQuanta streams quanta from the alpha to an auditor.
	ModeQuanta Mode = iota
	// ModeSignatures streams an auditor's own signatures to the alpha.
	ModeSignatures
)

func (m Mode) String() string {
	if m == ModeSignatures {
		return "signatures"
	}
	return "quanta"
}

type PeerStatus int

const (
	StatusConnected PeerStatus = iota
	StatusLagging
	StatusClosed
)

func (s PeerStatus) String() string {
	switch s {
	case StatusLagging:
		return "lagging"
	case StatusClosed:
		return "closed"
	default:
		return "connected"
	}
}

// Connection is the outbound half of a peer link. Sends on one connection
// are serialized by the implementation.
type Connection interface {
	Peer() quantum.NodeID
	SendQuanta(ctx context.Context, batch []*quantum.Quantum) error
	SendSignatures(ctx context.Context, batch []quantum.ApexSignature) error
	Close() error
}

type WorkerConfig struct {
	MinBatch     int
	MaxBatch     int
	IdleInterval time.Duration // upper bound on waiting for new quanta
	RetryDelay   time.Duration // pause after a failed send
	// A peer more than LagThreshold quanta behind is demoted to Lagging and
	// served one MaxBatch per LaggingInterval until it is back within
	// LagThreshold/2.
	LagThreshold    quantum.Apex
	LaggingInterval time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MinBatch:        16,
		MaxBatch:        1024,
		IdleInterval:    500 * time.Millisecond,
		RetryDelay:      time.Second,
		LagThreshold:    100_000,
		LaggingInterval: 50 * time.Millisecond,
	}
}

func (c *WorkerConfig) normalize() {
	def := DefaultWorkerConfig()
	if c.MinBatch <= 0 {
		c.MinBatch = def.MinBatch
	}
	if c.MaxBatch < c.MinBatch {
		c.MaxBatch = max(def.MaxBatch, c.MinBatch)
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = def.IdleInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.LagThreshold == 0 {
		c.LagThreshold = def.LagThreshold
	}
	if c.LaggingInterval <= 0 {
		c.LaggingInterval = def.LaggingInterval
	}
}

// Worker pushes data to one peer, starting after the peer's cursor.
type Worker struct {
	cfg     WorkerConfig
	mode    Mode
	self    quantum.NodeID
	conn    Connection
	cursor  *Cursor
	source  *Source
	failed  <-chan struct{}
	clock   util.Clock
	log     *zap.SugaredLogger
	metrics *Metrics

	mu     sync.Mutex
	status PeerStatus
	batch  int
}

func NewWorker(cfg WorkerConfig, mode Mode, self quantum.NodeID, conn Connection, cursor *Cursor,
	source *Source, failed <-chan struct{}, clock util.Clock, metrics *Metrics, log *zap.SugaredLogger) *Worker {
	cfg.normalize()
	if clock == nil {
		clock = util.RealClock{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil, mode)
	}
	return &Worker{
		cfg:     cfg,
		mode:    mode,
		self:    self,
		conn:    conn,
		cursor:  cursor,
		source:  source,
		failed:  failed,
		clock:   clock,
		log:     util.OrNop(log).With("peer", conn.Peer().Short(), "mode", mode.String()),
		metrics: metrics,
		batch:   cfg.MinBatch,
	}
}

func (w *Worker) Status() PeerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) BatchSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.batch
}

func (w *Worker) setStatus(s PeerStatus) {
	w.mu.Lock()
	prev := w.status
	w.status = s
	w.mu.Unlock()
	if prev == s {
		return
	}
	switch {
	case s == StatusLagging:
		w.metrics.Lagging.Inc()
		w.log.Warnw("peer_lagging")
	case prev == StatusLagging:
		w.metrics.Lagging.Dec()
		w.log.Infow("peer_caught_up")
	}
}

// sleep waits for d, or for wake when it is not nil. It returns false when
// the worker must stop.
func (w *Worker) sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-w.failed:
		return false
	case <-wake:
	case <-w.cursor.Resets():
	case <-w.clock.After(d):
	}
	return true
}

// Run streams until ctx is done, the node fails or the peer violates the
// protocol. The connection is closed on protocol errors.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		if w.Status() == StatusLagging {
			w.metrics.Lagging.Dec()
		}
		w.mu.Lock()
		w.status = StatusClosed
		w.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.failed:
			return nil
		default:
		}

		changed := w.source.Changed()
		apex, gen := w.cursor.Load()
		head := w.source.Head()
		if apex > head {
			w.log.Errorw("replication_cursor_ahead", "cursor", apex, "head", head)
			_ = w.conn.Close()
			return fmt.Errorf("%w: %d > %d", ErrCursorAhead, apex, head)
		}
		lag := head - apex
		switch st := w.Status(); {
		case lag > w.cfg.LagThreshold && st != StatusLagging:
			w.setStatus(StatusLagging)
		case lag <= w.cfg.LagThreshold/2 && st == StatusLagging:
			w.setStatus(StatusConnected)
		}
		if lag == 0 {
			if !w.sleep(ctx, w.cfg.IdleInterval, changed) {
				return ctx.Err()
			}
			continue
		}

		size := w.BatchSize()
		if w.Status() == StatusLagging {
			size = w.cfg.MaxBatch
		}
		batch, err := w.source.Batch(ctx, apex, size)
		if err != nil {
			w.log.Warnw("replication_load_failed", "from", apex, "err", err)
			if !w.sleep(ctx, w.cfg.RetryDelay, nil) {
				return ctx.Err()
			}
			continue
		}
		if len(batch) == 0 {
			if !w.sleep(ctx, w.cfg.IdleInterval, changed) {
				return ctx.Err()
			}
			continue
		}

		last := batch[len(batch)-1].Apex
		sent, err := w.send(ctx, batch)
		if err != nil {
			w.metrics.Errors.WithLabelValues(w.conn.Peer().Short()).Inc()
			w.log.Warnw("replication_send_failed", "from", apex, "count", len(batch), "err", err)
			if !w.sleep(ctx, w.cfg.RetryDelay, nil) {
				return ctx.Err()
			}
			continue
		}
		w.metrics.Sent.WithLabelValues(w.conn.Peer().Short()).Add(float64(sent))
		if !w.cursor.Advance(gen, last) {
			w.log.Infow("replication_cursor_reset", "sent_to", last)
		}
		w.adapt(len(batch), head-last)

		if w.Status() == StatusLagging {
			if !w.sleep(ctx, w.cfg.LaggingInterval, nil) {
				return ctx.Err()
			}
		}
	}
}

func (w *Worker) send(ctx context.Context, batch []*quantum.Quantum) (int, error) {
	if w.mode == ModeQuanta {
		return len(batch), w.conn.SendQuanta(ctx, batch)
	}
	sigs := make([]quantum.ApexSignature, 0, len(batch))
	for _, q := range batch {
		if sig, ok := q.Signature(w.self); ok {
			sigs = append(sigs, quantum.ApexSignature{Apex: q.Apex, Signature: quantum.NodeSignature{Signer: w.self, Signature: sig}})
		}
	}
	if len(sigs) == 0 {
		return 0, nil
	}
	return len(sigs), w.conn.SendSignatures(ctx, sigs)
}

// adapt grows the batch while full batches leave a backlog and shrinks it
// once the peer is close to the head.
func (w *Worker) adapt(sent int, remaining quantum.Apex) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case sent >= w.batch && remaining > quantum.Apex(w.batch):
		w.batch = min(w.batch*2, w.cfg.MaxBatch)
	case remaining == 0 && w.batch > w.cfg.MinBatch:
		w.batch = max(w.batch/2, w.cfg.MinBatch)
	}
}
