package replication

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
	"github.com/uhyunpark/quantaledger/pkg/util"
)

type PeerInfo struct {
	Node      quantum.NodeID `json:"node"`
	Cursor    quantum.Apex   `json:"cursor"`
	Status    string         `json:"status"`
	BatchSize int            `json:"batchSize"`
}

type peer struct {
	conn   Connection
	cursor *Cursor
	worker *Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs one worker per connected peer for a single mode.
type Manager struct {
	cfg     WorkerConfig
	mode    Mode
	self    quantum.NodeID
	source  *Source
	failed  <-chan struct{}
	clock   util.Clock
	log     *zap.SugaredLogger
	metrics *Metrics

	mu    sync.Mutex
	peers map[quantum.NodeID]*peer
}

func NewManager(cfg WorkerConfig, mode Mode, self quantum.NodeID, source *Source, failed <-chan struct{},
	clock util.Clock, reg prometheus.Registerer, log *zap.SugaredLogger) *Manager {
	return &Manager{
		cfg:     cfg,
		mode:    mode,
		self:    self,
		source:  source,
		failed:  failed,
		clock:   clock,
		log:     util.OrNop(log),
		metrics: NewMetrics(reg, mode),
		peers:   make(map[quantum.NodeID]*peer),
	}
}

func (m *Manager) Mode() Mode { return m.mode }

// AddPeer starts streaming to conn after apex. An existing worker for the
// same peer is replaced.
func (m *Manager) AddPeer(ctx context.Context, conn Connection, apex quantum.Apex) {
	id := conn.Peer()
	m.RemovePeer(id)

	wctx, cancel := context.WithCancel(ctx)
	p := &peer{
		conn:   conn,
		cursor: NewCursor(apex),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.worker = NewWorker(m.cfg, m.mode, m.self, conn, p.cursor, m.source, m.failed, m.clock, m.metrics, m.log)

	m.mu.Lock()
	m.peers[id] = p
	m.metrics.Peers.Set(float64(len(m.peers)))
	m.mu.Unlock()

	m.log.Infow("replication_peer_added", "peer", id.Short(), "mode", m.mode.String(), "cursor", apex)
	go func() {
		defer close(p.done)
		err := p.worker.Run(wctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warnw("replication_worker_stopped", "peer", id.Short(), "mode", m.mode.String(), "err", err)
		}
		m.mu.Lock()
		if m.peers[id] == p {
			delete(m.peers, id)
			m.metrics.Peers.Set(float64(len(m.peers)))
		}
		m.mu.Unlock()
	}()
}

// RemovePeer stops the worker for id and waits for it to exit.
func (m *Manager) RemovePeer(id quantum.NodeID) {
	m.mu.Lock()
	p, ok := m.peers[id]
	if ok {
		delete(m.peers, id)
		m.metrics.Peers.Set(float64(len(m.peers)))
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	<-p.done
}

// ResetCursor repositions the peer's cursor, e.g. when the peer reports
// where it actually is after a reconnect.
func (m *Manager) ResetCursor(id quantum.NodeID, apex quantum.Apex) bool {
	m.mu.Lock()
	p, ok := m.peers[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	p.cursor.Reset(apex)
	m.log.Infow("replication_cursor_set", "peer", id.Short(), "mode", m.mode.String(), "apex", apex)
	return true
}

func (m *Manager) Has(id quantum.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.peers[id]
	return ok
}

func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	out := make([]PeerInfo, 0, len(m.peers))
	for id, p := range m.peers {
		apex, _ := p.cursor.Load()
		out = append(out, PeerInfo{Node: id, Cursor: apex, Status: p.worker.Status().String(), BatchSize: p.worker.BatchSize()})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// Close stops every worker.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]quantum.NodeID, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.RemovePeer(id)
	}
}
