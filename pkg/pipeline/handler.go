// Package pipeline is the quantum handler: every state transition of the
// ledger passes through its single writer, in apex order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/uhyunpark/quantaledger/pkg/app/ledger"
	"github.com/uhyunpark/quantaledger/pkg/consensus"
	"github.com/uhyunpark/quantaledger/pkg/crypto"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
	"github.com/uhyunpark/quantaledger/pkg/storage"
	"github.com/uhyunpark/quantaledger/pkg/throttle"
	"github.com/uhyunpark/quantaledger/pkg/util"
)

// ErrProtocol marks input from a peer that breaks the replication protocol.
// The transport closes the connection it came from.
var ErrProtocol = errors.New("protocol violation")

// Sink receives processed quanta for persistence. storage.Saver implements it.
type Sink interface {
	AddQuantum(q *quantum.Quantum, effects []quantum.Effect)
	AddSignature(apex quantum.Apex, sig quantum.NodeSignature)
	Rebase()
}

// Listener is notified of every result. q is nil when the item was
// rejected before it got an apex.
type Listener interface {
	OnResult(q *quantum.Quantum, res *quantum.Result)
}

type ListenerFunc func(q *quantum.Quantum, res *quantum.Result)

func (f ListenerFunc) OnResult(q *quantum.Quantum, res *quantum.Result) { f(q, res) }

type Config struct {
	Role              consensus.Role
	Alpha             quantum.NodeID
	ValidationWorkers int64
	Clock             util.Clock
	Registerer        prometheus.Registerer
}

type Handler struct {
	cfg      Config
	log      *zap.SugaredLogger
	key      *crypto.NodeKey
	ledger   *ledger.Context
	registry *ledger.Registry
	storage  *storage.QuantumStorage
	state    *consensus.StateManager
	throttle *throttle.Controller
	metrics  *Metrics

	// Optional collaborators, set before Run.
	Sink    Sink
	Journal storage.Journal

	queue *queue
	sem   *semaphore.Weighted

	processMu   sync.Mutex
	lastApex    quantum.Apex
	lastHash    quantum.Hash
	durableApex quantum.Apex

	listenersMu sync.RWMutex
	listeners   []Listener
}

func New(cfg Config, key *crypto.NodeKey, lc *ledger.Context, registry *ledger.Registry,
	window *storage.QuantumStorage, state *consensus.StateManager, thr *throttle.Controller,
	log *zap.SugaredLogger) *Handler {
	if cfg.ValidationWorkers <= 0 {
		cfg.ValidationWorkers = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if registry == nil {
		registry = ledger.DefaultRegistry()
	}
	if thr == nil {
		thr = throttle.NewController(throttle.DefaultConfig())
	}
	return &Handler{
		cfg:      cfg,
		log:      util.OrNop(log),
		key:      key,
		ledger:   lc,
		registry: registry,
		storage:  window,
		state:    state,
		throttle: thr,
		metrics:  NewMetrics(cfg.Registerer),
		Journal:  storage.NewNopJournal(),
		queue:    newQueue(),
		sem:      semaphore.NewWeighted(cfg.ValidationWorkers),
	}
}

func (h *Handler) Role() consensus.Role { return h.cfg.Role }

func (h *Handler) Ledger() *ledger.Context { return h.ledger }

func (h *Handler) Storage() *storage.QuantumStorage { return h.storage }

func (h *Handler) AddListener(l Listener) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, l)
}

func (h *Handler) LastApex() quantum.Apex {
	h.processMu.Lock()
	defer h.processMu.Unlock()
	return h.lastApex
}

func (h *Handler) LastHash() quantum.Hash {
	h.processMu.Lock()
	defer h.processMu.Unlock()
	return h.lastHash
}

func (h *Handler) QueueLen() int { return h.queue.len() }

// SetDurableApex tells the handler which quanta persistence already holds.
// Replayed quanta at or below it are not handed to the sink again.
func (h *Handler) SetDurableApex(a quantum.Apex) {
	h.processMu.Lock()
	defer h.processMu.Unlock()
	h.durableApex = a
}

// Submit queues a payload on the alpha. Client requests must be signed.
func (h *Handler) Submit(p quantum.Payload) *Future {
	if h.cfg.Role != consensus.RoleAlpha {
		return h.reject(p.Type, quantum.Errorf(quantum.StatusInvalidState, "node is not the alpha"))
	}
	return h.enqueue(&quantum.Quantum{Payload: p}, false)
}

// SubmitQuantum queues a quantum produced by the alpha on an auditor.
func (h *Handler) SubmitQuantum(q *quantum.Quantum) *Future {
	if h.cfg.Role != consensus.RoleAuditor {
		return h.reject(q.Payload.Type, quantum.Errorf(quantum.StatusInvalidState, "alpha does not accept quanta"))
	}
	return h.enqueue(q.Clone(), true)
}

func (h *Handler) reject(t quantum.PayloadType, err error) *Future {
	res := quantum.ErrorResult(t, err)
	h.metrics.Rejected.WithLabelValues(res.Status.String()).Inc()
	h.notify(nil, res)
	return Resolved(res)
}

func (h *Handler) enqueue(q *quantum.Quantum, fromAlpha bool) *Future {
	t := q.Payload.Type
	if h.throttle.Saturated(h.queue.len()) {
		return h.reject(t, quantum.Errorf(quantum.StatusTooManyRequests, "queue is full"))
	}
	if !h.state.IsOperational() {
		return h.reject(t, quantum.Errorf(quantum.StatusInvalidState, "node is %s", h.state.State()))
	}
	if !h.registry.Has(t) {
		return h.reject(t, quantum.Errorf(quantum.StatusUnexpectedMessage, "unsupported payload %s", t))
	}

	it := &item{
		q:         q,
		fromAlpha: fromAlpha,
		future:    newFuture(),
		enqueued:  h.cfg.Clock.Now(),
		checked:   make(chan struct{}),
	}
	depth, ok := h.queue.push(it)
	if !ok {
		return h.reject(t, quantum.Errorf(quantum.StatusInvalidState, "pipeline stopped"))
	}
	go h.check(it)
	h.metrics.QueueDepth.Set(float64(depth))
	return it.future
}

// check runs the signature checks of an item on the bounded worker pool.
// They need no ledger state, so they overlap with the writer.
func (h *Handler) check(it *item) {
	defer close(it.checked)
	if err := h.sem.Acquire(context.Background(), 1); err != nil {
		it.checkErr = err
		return
	}
	defer h.sem.Release(1)

	q := it.q
	if it.fromAlpha {
		if !q.VerifyHash() {
			it.checkErr = quantum.Errorf(quantum.StatusBadRequest, "hash mismatch at apex %d", q.Apex)
			return
		}
		sig, ok := q.Signature(h.cfg.Alpha)
		if !ok || !crypto.VerifyQuantumSignature(q, quantum.NodeSignature{Signer: h.cfg.Alpha, Signature: sig}) {
			it.checkErr = quantum.Errorf(quantum.StatusUnauthorized, "missing or invalid alpha signature at apex %d", q.Apex)
			return
		}
	}
	if q.Payload.Type.IsClientRequest() {
		it.checkErr = crypto.VerifyRequest(&q.Payload)
	}
}

// Run is the single writer. It returns when ctx is done or the node failed;
// items still queued are resolved with an error.
func (h *Handler) Run(ctx context.Context) error {
	h.log.Infow("pipeline_start", "role", h.cfg.Role.String(), "last_apex", h.LastApex())
	for {
		select {
		case <-ctx.Done():
			h.drain(quantum.Errorf(quantum.StatusInvalidState, "pipeline stopped"))
			return ctx.Err()
		case <-h.state.Failed():
			h.drain(quantum.Errorf(quantum.StatusInternalError, "node failed"))
			return h.state.Err()
		default:
		}

		it, ok := h.queue.pop()
		if !ok {
			select {
			case <-ctx.Done():
			case <-h.state.Failed():
			case <-h.queue.wake:
			}
			continue
		}

		select {
		case <-it.checked:
		case <-ctx.Done():
			it.future.resolve(quantum.ErrorResult(it.q.Payload.Type, quantum.Errorf(quantum.StatusInvalidState, "pipeline stopped")))
			continue
		}
		h.handle(it)

		depth := h.queue.len()
		h.metrics.QueueDepth.Set(float64(depth))
		delay := h.throttle.Observe(depth)
		h.metrics.ThrottleRate.Set(float64(h.throttle.Rate()))
		if delay > 0 {
			select {
			case <-ctx.Done():
			case <-h.cfg.Clock.After(delay):
			}
		}
	}
}

func (h *Handler) drain(err error) {
	for _, it := range h.queue.drain() {
		it.future.resolve(quantum.ErrorResult(it.q.Payload.Type, err))
	}
	h.metrics.QueueDepth.Set(0)
}

// handle executes one item. A panic while executing is a consensus breaking
// bug and fails the node.
func (h *Handler) handle(it *item) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic while processing %s: %v", it.q.Payload.Type, r)
			h.state.Fail(err)
			it.future.resolve(quantum.ErrorResult(it.q.Payload.Type, quantum.Errorf(quantum.StatusInternalError, "%v", err)))
		}
	}()

	res := h.execute(it)
	if res.OK() {
		h.metrics.Processed.Inc()
	} else {
		h.metrics.Rejected.WithLabelValues(res.Status.String()).Inc()
	}
	h.metrics.ProcessSeconds.Observe(h.cfg.Clock.Now().Sub(it.enqueued).Seconds())
	it.future.resolve(res)
	if res.Apex > 0 {
		h.notify(it.q, res)
	} else {
		h.notify(nil, res)
	}
}

func (h *Handler) fatal(t quantum.PayloadType, err error) *quantum.Result {
	h.state.Fail(err)
	return quantum.ErrorResult(t, quantum.Errorf(quantum.StatusInternalError, "%v", err))
}

func (h *Handler) execute(it *item) *quantum.Result {
	h.processMu.Lock()
	defer h.processMu.Unlock()

	q := it.q
	t := q.Payload.Type
	if h.state.State() == consensus.StateFailed {
		return quantum.ErrorResult(t, quantum.Errorf(quantum.StatusInternalError, "node failed"))
	}
	if it.checkErr != nil {
		return quantum.ErrorResult(t, it.checkErr)
	}

	if it.fromAlpha {
		if q.Apex <= h.lastApex {
			return h.duplicateLocked(q)
		}
		if q.Apex != h.lastApex+1 {
			return h.fatal(t, fmt.Errorf("apex gap: got %d after %d", q.Apex, h.lastApex))
		}
		if q.PriorHash != h.lastHash {
			return h.fatal(t, fmt.Errorf("prior hash mismatch at apex %d", q.Apex))
		}
		if err := h.registry.Validate(h.ledger, q); err != nil {
			return h.fatal(t, fmt.Errorf("alpha quantum %d rejected locally: %w", q.Apex, err))
		}
	} else {
		if err := h.registry.Validate(h.ledger, q); err != nil {
			return quantum.ErrorResult(t, err)
		}
		q.Seal(h.lastApex+1, h.lastHash, h.cfg.Clock.Now().UnixMilli())
	}

	effects, err := h.registry.Process(h.ledger, q)
	if err != nil {
		return h.fatal(t, err)
	}
	if err := h.commitLocked(q, effects); err != nil {
		return h.fatal(t, err)
	}
	return &quantum.Result{
		Apex:        q.Apex,
		Type:        t,
		Status:      quantum.StatusSuccess,
		Hash:        q.Hash,
		Effects:     effects,
		EffectsHash: quantum.HashEffects(effects),
	}
}

// duplicateLocked handles a quantum the auditor already applied, which
// happens when the alpha resends after a reconnect.
func (h *Handler) duplicateLocked(q *quantum.Quantum) *quantum.Result {
	if stored, ok := h.storage.Get(q.Apex); ok && stored.Hash != q.Hash {
		return h.fatal(q.Payload.Type, fmt.Errorf("conflicting quantum at apex %d", q.Apex))
	}
	h.log.Debugw("quantum_duplicate", "apex", q.Apex)
	return &quantum.Result{Apex: q.Apex, Type: q.Payload.Type, Status: quantum.StatusSuccess, Hash: q.Hash}
}

// commitLocked signs q, appends it to the window and hands it to
// persistence. q is owned by the handler from here on.
func (h *Handler) commitLocked(q *quantum.Quantum, effects []quantum.Effect) error {
	if h.key != nil && !q.HasSignature(h.key.NodeID()) {
		if err := q.AddSignature(h.key.SignQuantum(q)); err != nil {
			return err
		}
	}
	if err := h.storage.Append(q); err != nil {
		return err
	}
	h.lastApex = q.Apex
	h.lastHash = q.Hash

	if q.Apex <= h.durableApex {
		h.storage.MarkPersisted(q.Apex)
	} else if h.Sink != nil {
		h.Sink.AddQuantum(q, effects)
	}
	h.Journal.Append(fmt.Sprintf("%s apex=%d type=%s hash=%s effects=%d",
		time.UnixMilli(q.Timestamp).UTC().Format(time.RFC3339Nano), q.Apex, q.Payload.Type, q.Hash, len(effects)))
	h.log.Debugw("quantum_processed", "apex", q.Apex, "type", q.Payload.Type.String(), "effects", len(effects))
	return nil
}

// Replay applies a quantum accepted earlier by the constellation. Business
// validation is skipped; chain continuity is not.
func (h *Handler) Replay(q *quantum.Quantum) error {
	h.processMu.Lock()
	defer h.processMu.Unlock()

	if h.state.State() == consensus.StateFailed {
		return errors.New("node failed")
	}
	if q.Apex != h.lastApex+1 {
		return fmt.Errorf("replay apex %d after %d", q.Apex, h.lastApex)
	}
	if q.PriorHash != h.lastHash || !q.VerifyHash() {
		return fmt.Errorf("replay apex %d breaks the hash chain", q.Apex)
	}
	q = q.Clone()
	effects, err := h.registry.Process(h.ledger, q)
	if err != nil {
		return err
	}
	return h.commitLocked(q, effects)
}

// RestoreSnapshot resets the ledger to a snapshot and returns the hash of
// the quantum at apex.
func (h *Handler) RestoreSnapshot(apex quantum.Apex, hash quantum.Hash, data []byte) (quantum.Hash, error) {
	h.processMu.Lock()
	defer h.processMu.Unlock()

	snap := &ledger.Snapshot{}
	if apex > 0 || len(data) > 0 {
		var err error
		if snap, err = ledger.DecodeSnapshot(data); err != nil {
			return quantum.Hash{}, err
		}
		if snap.Apex != apex || snap.Hash() != hash {
			return quantum.Hash{}, fmt.Errorf("snapshot does not match apex %d hash %s", apex, hash)
		}
	}
	if err := h.ledger.Restore(snap); err != nil {
		return quantum.Hash{}, err
	}
	h.lastApex = snap.Apex
	h.lastHash = snap.LastHash
	h.storage.Init(snap.Apex)
	if snap.Apex > h.durableApex {
		h.durableApex = snap.Apex
		if h.Sink != nil {
			h.Sink.Rebase()
		}
	}
	h.log.Infow("snapshot_restored", "apex", snap.Apex, "accounts", len(snap.Accounts), "orders", len(snap.Orders))
	return snap.LastHash, nil
}

// Snapshot captures the ledger at the current apex.
func (h *Handler) Snapshot() *ledger.Snapshot {
	h.processMu.Lock()
	defer h.processMu.Unlock()
	return h.ledger.Snapshot(h.lastApex, h.lastHash)
}

// AcceptSignatures records auditor signatures on the alpha. Any malformed
// entry aborts the batch with ErrProtocol.
func (h *Handler) AcceptSignatures(from quantum.NodeID, batch []quantum.ApexSignature) error {
	settings := h.ledger.Settings()
	if settings == nil || !settings.HasNode(from) {
		return fmt.Errorf("%w: signatures from unknown node %s", ErrProtocol, from.Short())
	}
	quorum := consensus.Majority(len(settings.Nodes))
	last := h.storage.LastApex()

	for _, s := range batch {
		if s.Signature.Signer != from {
			return fmt.Errorf("%w: %s relayed a signature of %s", ErrProtocol, from.Short(), s.Signature.Signer.Short())
		}
		if s.Apex > last {
			return fmt.Errorf("%w: signature for apex %d beyond head %d", ErrProtocol, s.Apex, last)
		}
		q, ok := h.storage.Get(s.Apex)
		if !ok {
			continue
		}
		if !crypto.VerifyQuantumSignature(q, s.Signature) {
			return fmt.Errorf("%w: bad signature from %s at apex %d", ErrProtocol, from.Short(), s.Apex)
		}
		stored, err := h.storage.AddSignature(s.Apex, s.Signature)
		if err != nil {
			return fmt.Errorf("%w: apex %d: %v", ErrProtocol, s.Apex, err)
		}
		if !stored {
			continue
		}
		if h.Sink != nil {
			h.Sink.AddSignature(s.Apex, s.Signature)
		}
		if q.SignerCount()+1 == quorum {
			h.metrics.Confirmed.Inc()
			h.log.Debugw("quantum_confirmed", "apex", s.Apex, "signers", quorum)
		}
	}
	return nil
}

func (h *Handler) notify(q *quantum.Quantum, res *quantum.Result) {
	h.listenersMu.RLock()
	defer h.listenersMu.RUnlock()
	for _, l := range h.listeners {
		l.OnResult(q, res)
	}
}
