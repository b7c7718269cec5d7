// Package node assembles one constellation member: the pipeline, its
// window and persistence, the Rising catchup and the replication links.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/quantaledger/params"
	"github.com/uhyunpark/quantaledger/pkg/api"
	"github.com/uhyunpark/quantaledger/pkg/app/ledger"
	"github.com/uhyunpark/quantaledger/pkg/consensus"
	"github.com/uhyunpark/quantaledger/pkg/crypto"
	"github.com/uhyunpark/quantaledger/pkg/p2p"
	"github.com/uhyunpark/quantaledger/pkg/pipeline"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
	"github.com/uhyunpark/quantaledger/pkg/replication"
	"github.com/uhyunpark/quantaledger/pkg/storage"
	"github.com/uhyunpark/quantaledger/pkg/throttle"
	"github.com/uhyunpark/quantaledger/pkg/util"
)

// reportBatch bounds a single persistence read while building a Rising report.
const reportBatch = 1024

// Store is the durable side of a node.
type Store interface {
	storage.Persistence
	storage.SnapshotStore
}

type Config struct {
	// Settings must name Alpha and Nodes. The remaining fields are only
	// read by the alpha when it initializes an empty ledger.
	Settings quantum.ConstellationSettings

	WindowCapacity  int
	WindowThreshold int
	SaveInterval    time.Duration
	SaveBatch       int
	// SnapshotInterval is the apex distance between snapshots; 0 disables them.
	SnapshotInterval quantum.Apex

	Replication   replication.WorkerConfig
	SettleDelay   time.Duration
	RisingTimeout time.Duration
	PeerInterval  time.Duration
	Throttle      throttle.Config

	Journal    storage.Journal
	Clock      util.Clock
	Registerer prometheus.Registerer
}

// ConfigFromParams maps the environment configuration onto a node config.
func ConfigFromParams(p params.Config) Config {
	c := p.Constellation
	s := quantum.ConstellationSettings{
		Alpha:          quantum.NodeID(c.Alpha),
		QuoteAsset:     c.QuoteAsset,
		Assets:         append([]string(nil), c.Assets...),
		MinOrderAmount: c.MinOrderAmount,
		Providers:      append([]string(nil), c.Providers...),
	}
	for _, id := range c.Nodes {
		s.Nodes = append(s.Nodes, quantum.NodeID(id))
	}

	wc := replication.DefaultWorkerConfig()
	wc.MinBatch = p.Replication.MinBatch
	wc.MaxBatch = p.Replication.MaxBatch
	wc.LagThreshold = quantum.Apex(p.Replication.LagThreshold)

	return Config{
		Settings:         s,
		WindowCapacity:   p.Storage.WindowCapacity,
		WindowThreshold:  p.Storage.WindowThreshold,
		SaveInterval:     p.Storage.SaveInterval,
		SaveBatch:        p.Storage.SaveBatch,
		SnapshotInterval: quantum.Apex(max(p.Storage.SnapshotInterval, 0)),
		Replication:      wc,
		SettleDelay:      p.Rising.SettleDelay,
		RisingTimeout:    p.Rising.Timeout,
		PeerInterval:     p.Node.PeerInterval,
		Throttle: throttle.Config{
			Window:    p.Throttle.Window,
			Threshold: p.Throttle.Threshold,
			MaxQueue:  p.Throttle.MaxQueue,
		},
	}
}

type snapshotRef struct {
	apex quantum.Apex
	hash quantum.Hash
	data []byte
}

// Node is a single alpha or auditor.
type Node struct {
	cfg   Config
	log   *zap.SugaredLogger
	key   *crypto.NodeKey
	self  quantum.NodeID
	role  consensus.Role
	clock util.Clock

	state    *consensus.StateManager
	handler  *pipeline.Handler
	window   *storage.QuantumStorage
	store    Store
	saver    *storage.Saver
	throttle *throttle.Controller
	net      p2p.Network
	// quanta links on the alpha, the signatures link on an auditor
	manager *replication.Manager
	catchup *consensus.Catchup

	snapshots chan *ledger.Snapshot
	runCtx    context.Context

	mu       sync.Mutex
	links    map[quantum.NodeID]*link
	snapshot snapshotRef
}

func New(cfg Config, key *crypto.NodeKey, store Store, net p2p.Network, log *zap.SugaredLogger) (*Node, error) {
	if key == nil {
		return nil, errors.New("node key required")
	}
	if cfg.Settings.Alpha == "" || len(cfg.Settings.Nodes) == 0 {
		return nil, errors.New("constellation alpha and nodes required")
	}
	self := key.NodeID()
	if !cfg.Settings.HasNode(self) {
		return nil, fmt.Errorf("node %s is not part of the constellation", self.Short())
	}
	if cfg.WindowCapacity <= 0 {
		cfg.WindowCapacity = 100_000
	}
	if cfg.WindowThreshold <= 0 || cfg.WindowThreshold > cfg.WindowCapacity {
		cfg.WindowThreshold = cfg.WindowCapacity / 10
	}
	if cfg.PeerInterval <= 0 {
		cfg.PeerInterval = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	log = util.OrNop(log).With("node", self.Short())

	role := consensus.RoleAuditor
	mode := replication.ModeSignatures
	if self == cfg.Settings.Alpha {
		role = consensus.RoleAlpha
		mode = replication.ModeQuanta
	}

	n := &Node{
		cfg:       cfg,
		log:       log,
		key:       key,
		self:      self,
		role:      role,
		clock:     cfg.Clock,
		state:     consensus.NewStateManager(log),
		window:    storage.NewQuantumStorage(cfg.WindowCapacity, cfg.WindowThreshold, true),
		store:     store,
		throttle:  throttle.NewController(cfg.Throttle),
		net:       net,
		snapshots: make(chan *ledger.Snapshot, 1),
		links:     make(map[quantum.NodeID]*link),
	}

	n.handler = pipeline.New(pipeline.Config{
		Role:       role,
		Alpha:      cfg.Settings.Alpha,
		Clock:      cfg.Clock,
		Registerer: cfg.Registerer,
	}, key, ledger.NewContext(log), nil, n.window, n.state, n.throttle, log)
	n.saver = storage.NewSaver(store, n.window, cfg.SaveInterval, cfg.SaveBatch, log)
	n.handler.Sink = n.saver
	if cfg.Journal != nil {
		n.handler.Journal = cfg.Journal
	}
	n.handler.AddListener(pipeline.ListenerFunc(n.onResult))

	source := replication.NewSource(n.window, store)
	n.manager = replication.NewManager(cfg.Replication, mode, self, source, n.state.Failed(), cfg.Clock, cfg.Registerer, log)

	n.catchup = consensus.NewCatchup(consensus.CatchupConfig{
		Total:           len(cfg.Settings.Nodes),
		Alpha:           cfg.Settings.Alpha,
		SettleDelay:     cfg.SettleDelay,
		Timeout:         cfg.RisingTimeout,
		VerifySignature: crypto.VerifyQuantumSignature,
		SnapshotHash:    snapshotHash,
	}, n.state, net, n.handler, cfg.Clock, log)

	return n, nil
}

func snapshotHash(data []byte) (quantum.Hash, error) {
	snap, err := ledger.DecodeSnapshot(data)
	if err != nil {
		return quantum.Hash{}, err
	}
	return snap.Hash(), nil
}

func (n *Node) ID() quantum.NodeID { return n.self }

func (n *Node) Role() consensus.Role { return n.role }

func (n *Node) State() consensus.NodeState { return n.state.State() }

func (n *Node) LastApex() quantum.Apex { return n.handler.LastApex() }

// AddListener registers l for every pipeline result.
func (n *Node) AddListener(l pipeline.Listener) { n.handler.AddListener(l) }

// Run rises the node and serves until ctx is cancelled or the node fails.
func (n *Node) Run(ctx context.Context) error {
	durable, err := n.store.LastApex(ctx)
	if err != nil {
		return fmt.Errorf("read persisted apex: %w", err)
	}
	n.handler.SetDurableApex(durable)
	if err := n.loadSnapshot(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	n.runCtx = gctx
	n.net.SetHandlers(p2p.Handlers{
		OnHello:        n.onHello,
		OnQuanta:       n.onQuanta,
		OnSignatures:   n.onSignatures,
		OnStateRequest: n.onStateRequest,
		OnStateReport:  n.onStateReport,
	})
	n.log.Infow("node_start", "role", n.role.String(), "persisted_apex", durable, "snapshot_apex", n.lastSnapshot().apex)

	g.Go(func() error { return n.handler.Run(gctx) })
	g.Go(func() error { return n.saver.Run(gctx) })
	g.Go(func() error { return n.snapshotLoop(gctx) })
	g.Go(func() error {
		if err := n.rise(gctx); err != nil {
			return err
		}
		n.monitor(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-n.state.Failed():
			return n.state.Err()
		}
	})

	err = g.Wait()
	n.manager.Close()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	n.log.Infow("node_stopped", "last_apex", n.handler.LastApex(), "err", err)
	return err
}

func (n *Node) loadSnapshot(ctx context.Context) error {
	apex, data, err := n.store.GetLastSnapshot(ctx)
	if errors.Is(err, storage.ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	snap, err := ledger.DecodeSnapshot(data)
	if err != nil {
		return fmt.Errorf("decode snapshot %d: %w", apex, err)
	}
	if snap.Apex != apex {
		return fmt.Errorf("snapshot stored as %d holds apex %d", apex, snap.Apex)
	}
	n.setLastSnapshot(snapshotRef{apex: apex, hash: snap.Hash(), data: data})
	return nil
}

func (n *Node) lastSnapshot() snapshotRef {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshot
}

func (n *Node) setLastSnapshot(s snapshotRef) {
	n.mu.Lock()
	n.snapshot = s
	n.mu.Unlock()
}

// rise runs the Rising phase. An empty ledger is initialized by the alpha
// right after it.
func (n *Node) rise(ctx context.Context) error {
	self, err := n.localState(ctx)
	if err != nil {
		return fmt.Errorf("build rising report: %w", err)
	}
	if _, err := n.catchup.Run(ctx, self); err != nil {
		return fmt.Errorf("rising: %w", err)
	}

	if n.role == consensus.RoleAlpha && !n.handler.Ledger().Initialized() {
		res, err := n.handler.Submit(quantum.NewConstellationInitPayload(n.cfg.Settings)).Wait(ctx)
		if err != nil {
			return err
		}
		if !res.OK() {
			return fmt.Errorf("constellation init: %s: %s", res.Status, res.Error)
		}
		n.log.Infow("constellation_initialized", "apex", res.Apex, "nodes", len(n.cfg.Settings.Nodes))
	}

	n.connectPeers(ctx)
	n.updateReadiness()
	return nil
}

// localState is this node's Rising report: its last snapshot and every
// quantum it holds above it.
func (n *Node) localState(ctx context.Context) (*consensus.PeerState, error) {
	snap := n.lastSnapshot()
	quanta, err := n.collectQuanta(ctx, snap.apex)
	if err != nil {
		return nil, err
	}
	last := snap.apex
	if len(quanta) > 0 {
		last = quanta[len(quanta)-1].Apex
	}
	return &consensus.PeerState{
		Node:         n.self,
		Apex:         last,
		SnapshotApex: snap.apex,
		SnapshotHash: snap.hash,
		Snapshot:     snap.data,
		Quanta:       quanta,
	}, nil
}

// collectQuanta reads the contiguous chain above from out of persistence,
// then continues with whatever only the window holds.
func (n *Node) collectQuanta(ctx context.Context, from quantum.Apex) ([]*quantum.Quantum, error) {
	var out []*quantum.Quantum
durable:
	for {
		items, err := n.store.LoadQuantaAboveApex(ctx, from, reportBatch)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			break
		}
		for _, q := range items {
			if q.Apex != from+1 {
				break durable
			}
			out = append(out, q)
			from = q.Apex
		}
	}
	for {
		found, items := n.window.GetBatch(from, reportBatch)
		if !found || len(items) == 0 {
			return out, nil
		}
		out = append(out, items...)
		from = items[len(items)-1].Apex
	}
}

// onResult captures a snapshot whenever the log reaches a multiple of the
// snapshot interval. It runs on the writer, so the state matches the apex.
func (n *Node) onResult(q *quantum.Quantum, res *quantum.Result) {
	iv := n.cfg.SnapshotInterval
	if q == nil || !res.OK() || iv == 0 || res.Apex%iv != 0 {
		return
	}
	snap := n.handler.Snapshot()
	if snap.Apex != res.Apex {
		return
	}
	select {
	case n.snapshots <- snap:
	default:
		n.log.Warnw("snapshot_skipped", "apex", snap.Apex, "reason", "previous snapshot still saving")
	}
}

func (n *Node) snapshotLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-n.snapshots:
			if err := n.saveSnapshot(ctx, snap); err != nil {
				n.log.Warnw("snapshot_save_failed", "apex", snap.Apex, "err", err)
			}
		}
	}
}

// saveSnapshot stores snap once every quantum up to its apex is durable.
func (n *Node) saveSnapshot(ctx context.Context, snap *ledger.Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return err
	}
	if err := n.saver.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if persisted := n.window.PersistedApex(); persisted < snap.Apex {
		return fmt.Errorf("quanta persisted up to %d only", persisted)
	}
	if err := n.store.SaveSnapshot(ctx, snap.Apex, data); err != nil {
		return err
	}
	n.setLastSnapshot(snapshotRef{apex: snap.Apex, hash: snap.Hash(), data: data})
	n.log.Infow("snapshot_saved", "apex", snap.Apex, "bytes", len(data))
	return nil
}

// ---- peers ----

func (n *Node) hello(to quantum.NodeID) p2p.Hello {
	return p2p.Hello{Apex: n.handler.LastApex(), Signed: n.window.LastSignedBy(to)}
}

func (n *Node) knows(id quantum.NodeID) bool {
	return id != n.self && n.cfg.Settings.HasNode(id)
}

func (n *Node) onHello(from quantum.NodeID, h p2p.Hello) p2p.Hello {
	reply := n.hello(from)
	if n.knows(from) && n.state.IsOperational() {
		n.onPeer(from, h)
	}
	return reply
}

// onPeer positions the outbound stream for a peer that just said hello.
// The alpha follows the auditor's apex; an auditor resumes its signatures
// where the alpha last saw them.
func (n *Node) onPeer(id quantum.NodeID, h p2p.Hello) {
	if n.role == consensus.RoleAlpha {
		if n.manager.ResetCursor(id, h.Apex) {
			return
		}
		n.addLink(id, h.Apex)
		return
	}
	if id != n.cfg.Settings.Alpha || n.manager.Has(id) {
		return
	}
	n.addLink(id, h.Signed)
}

func (n *Node) addLink(id quantum.NodeID, apex quantum.Apex) {
	if n.runCtx == nil {
		return
	}
	l := &link{PeerConn: p2p.NewPeerConn(n.net, id), node: n}
	l.healthy.Store(true)
	n.mu.Lock()
	n.links[id] = l
	n.mu.Unlock()
	n.manager.AddPeer(n.runCtx, l, apex)
}

// resync asks a peer where it is after it rejected a send and moves the
// cursor there.
func (n *Node) resync(ctx context.Context, id quantum.NodeID) {
	h, err := n.net.Hello(ctx, id, n.hello(id))
	if err != nil {
		n.log.Debugw("resync_failed", "peer", id.Short(), "err", err)
		return
	}
	apex := h.Apex
	if n.role == consensus.RoleAuditor {
		apex = h.Signed
	}
	n.manager.ResetCursor(id, apex)
}

// dial introduces this node to a peer it has no link with.
func (n *Node) dial(ctx context.Context, id quantum.NodeID) {
	h, err := n.net.Hello(ctx, id, n.hello(id))
	if err != nil {
		n.log.Debugw("peer_hello_failed", "peer", id.Short(), "err", err)
		return
	}
	n.onPeer(id, h)
}

func (n *Node) connectPeers(ctx context.Context) {
	if n.role == consensus.RoleAuditor {
		if alpha := n.cfg.Settings.Alpha; !n.manager.Has(alpha) {
			n.dial(ctx, alpha)
		}
		return
	}
	for _, id := range n.cfg.Settings.Nodes {
		if n.knows(id) && !n.manager.Has(id) {
			n.dial(ctx, id)
		}
	}
}

// liveLinks counts links with a worker whose last send went through.
func (n *Node) liveLinks() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	live := 0
	for id, l := range n.links {
		if l.healthy.Load() && n.manager.Has(id) {
			live++
		}
	}
	return live
}

// updateReadiness moves between Running and Ready. The alpha needs enough
// live auditors to reach a majority with itself, an auditor needs its
// link to the alpha.
func (n *Node) updateReadiness() {
	need := 1
	if n.role == consensus.RoleAlpha {
		need = consensus.Majority(len(n.cfg.Settings.Nodes)) - 1
	}
	ready := n.liveLinks() >= need

	switch st := n.state.State(); {
	case st == consensus.StateRunning && ready:
		_ = n.state.SetState(consensus.StateReady)
	case st == consensus.StateReady && !ready:
		_ = n.state.SetState(consensus.StateRunning)
	}
}

func (n *Node) monitor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.state.Failed():
			return
		case <-n.clock.After(n.cfg.PeerInterval):
		}
		if !n.state.IsOperational() {
			continue
		}
		n.connectPeers(ctx)
		n.updateReadiness()
	}
}

// ---- inbound ----

func (n *Node) onQuanta(ctx context.Context, from quantum.NodeID, batch []*quantum.Quantum) error {
	if n.role == consensus.RoleAlpha {
		return quantum.Errorf(quantum.StatusUnexpectedMessage, "alpha does not accept quanta")
	}
	if from != n.cfg.Settings.Alpha {
		return quantum.Errorf(quantum.StatusUnauthorized, "quanta from %s, not the alpha", from.Short())
	}
	if !n.state.IsOperational() {
		return quantum.Errorf(quantum.StatusInvalidState, "node is %s", n.state.State())
	}
	if len(batch) == 0 {
		return nil
	}
	if next := n.handler.LastApex() + 1; batch[0].Apex > next {
		return quantum.Errorf(quantum.StatusBadRequest, "expected apex %d, got %d", next, batch[0].Apex)
	}
	for i, q := range batch {
		if q == nil || q.Apex != batch[0].Apex+quantum.Apex(i) {
			return quantum.Errorf(quantum.StatusBadRequest, "batch is not contiguous at index %d", i)
		}
	}

	futures := make([]*pipeline.Future, len(batch))
	for i, q := range batch {
		futures[i] = n.handler.SubmitQuantum(q)
	}
	for i, f := range futures {
		res, err := f.Wait(ctx)
		if err != nil {
			return quantum.Errorf(quantum.StatusInternalError, "apex %d: %v", batch[i].Apex, err)
		}
		if !res.OK() {
			return quantum.Errorf(res.Status, "apex %d: %s", batch[i].Apex, res.Error)
		}
	}
	return nil
}

func (n *Node) onSignatures(_ context.Context, from quantum.NodeID, batch []quantum.ApexSignature) error {
	if n.role != consensus.RoleAlpha {
		return quantum.Errorf(quantum.StatusUnexpectedMessage, "only the alpha collects signatures")
	}
	if !n.state.IsOperational() {
		return quantum.Errorf(quantum.StatusInvalidState, "node is %s", n.state.State())
	}
	err := n.handler.AcceptSignatures(from, batch)
	if errors.Is(err, pipeline.ErrProtocol) {
		n.log.Warnw("peer_protocol_violation", "peer", from.Short(), "err", err)
		go func() { _ = n.net.Disconnect(from) }()
		return quantum.Errorf(quantum.StatusBadRequest, "%v", err)
	}
	return err
}

func (n *Node) onStateRequest(from quantum.NodeID) *consensus.PeerState {
	if !n.knows(from) || n.state.State() == consensus.StateFailed {
		return nil
	}
	ctx := n.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ps, err := n.localState(ctx)
	if err != nil {
		n.log.Warnw("rising_report_failed", "peer", from.Short(), "err", err)
		return nil
	}
	return ps
}

func (n *Node) onStateReport(from quantum.NodeID, ps *consensus.PeerState) {
	if !n.knows(from) || n.state.State() != consensus.StateRising {
		return
	}
	ps.Node = from
	n.catchup.AddReport(ps)
}

// ---- api.Backend ----

func (n *Node) Status() api.NodeStatus {
	st := api.NodeStatus{
		Node:          string(n.self),
		Role:          n.role.String(),
		State:         n.state.State().String(),
		Alpha:         string(n.cfg.Settings.Alpha),
		LastApex:      n.handler.LastApex(),
		LastHash:      n.handler.LastHash().String(),
		PersistedApex: n.window.PersistedApex(),
		SnapshotApex:  n.lastSnapshot().apex,
		QueueLength:   n.handler.QueueLen(),
		ThrottleRate:  n.throttle.Rate(),
		Peers:         n.manager.Peers(),
	}
	if err := n.state.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

func (n *Node) Submit(p quantum.Payload) *pipeline.Future { return n.handler.Submit(p) }

func (n *Node) Quantum(ctx context.Context, apex quantum.Apex) (*quantum.Quantum, error) {
	if q, ok := n.window.Get(apex); ok {
		return q, nil
	}
	if apex > n.handler.LastApex() {
		return nil, nil
	}
	qs, err := n.store.LoadQuanta(ctx, []quantum.Apex{apex})
	if err != nil {
		return nil, err
	}
	if len(qs) == 0 {
		return nil, nil
	}
	return qs[0], nil
}

func (n *Node) Ledger() *ledger.Context { return n.handler.Ledger() }

var _ api.Backend = (*Node)(nil)

// link is an outbound replication connection. A send the peer rejects
// triggers a resync so the cursor follows where the peer actually is.
type link struct {
	*p2p.PeerConn
	node    *Node
	healthy atomic.Bool
}

func (l *link) SendQuanta(ctx context.Context, batch []*quantum.Quantum) error {
	return l.track(ctx, l.PeerConn.SendQuanta(ctx, batch))
}

func (l *link) SendSignatures(ctx context.Context, batch []quantum.ApexSignature) error {
	return l.track(ctx, l.PeerConn.SendSignatures(ctx, batch))
}

func (l *link) track(ctx context.Context, err error) error {
	l.healthy.Store(err == nil)
	if errors.Is(err, p2p.ErrRejected) {
		l.node.resync(ctx, l.Peer())
	}
	return err
}

var _ replication.Connection = (*link)(nil)
