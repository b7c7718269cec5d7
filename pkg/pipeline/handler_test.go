package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/quantaledger/pkg/app/core/effects"
	"github.com/uhyunpark/quantaledger/pkg/app/ledger"
	"github.com/uhyunpark/quantaledger/pkg/consensus"
	"github.com/uhyunpark/quantaledger/pkg/crypto"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
	"github.com/uhyunpark/quantaledger/pkg/storage"
	"github.com/uhyunpark/quantaledger/pkg/throttle"
)

type cluster struct {
	alpha    *crypto.NodeKey
	auditors []*crypto.NodeKey
}

func newCluster(t *testing.T, auditors int) *cluster {
	t.Helper()
	c := &cluster{}
	var err error
	if c.alpha, err = crypto.GenerateNodeKey(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < auditors; i++ {
		k, err := crypto.GenerateNodeKey()
		if err != nil {
			t.Fatal(err)
		}
		c.auditors = append(c.auditors, k)
	}
	return c
}

func (c *cluster) settings() quantum.ConstellationSettings {
	nodes := []quantum.NodeID{c.alpha.NodeID()}
	for _, k := range c.auditors {
		nodes = append(nodes, k.NodeID())
	}
	return quantum.ConstellationSettings{
		Alpha:          c.alpha.NodeID(),
		Nodes:          nodes,
		QuoteAsset:     "USD",
		Assets:         []string{"BTC"},
		MinOrderAmount: 1,
		Providers:      []string{"bank"},
	}
}

func operational() *consensus.StateManager {
	sm := consensus.NewStateManager(nil)
	_ = sm.SetState(consensus.StateRising)
	_ = sm.SetState(consensus.StateRunning)
	return sm
}

func newHandler(role consensus.Role, alpha quantum.NodeID, key *crypto.NodeKey, sm *consensus.StateManager, thr *throttle.Controller, reg *ledger.Registry) *Handler {
	window := storage.NewQuantumStorage(100, 10, false)
	return New(Config{Role: role, Alpha: alpha}, key, ledger.NewContext(nil), reg, window, sm, thr, nil)
}

func start(t *testing.T, h *Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func wait(t *testing.T, f *Future) *quantum.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return res
}

func mustOK(t *testing.T, f *Future) *quantum.Result {
	t.Helper()
	res := wait(t, f)
	if !res.OK() {
		t.Fatalf("result %s: %s %s", res.Type, res.Status, res.Error)
	}
	return res
}

func signed(t *testing.T, key *crypto.AccountKey, p quantum.Payload) quantum.Payload {
	t.Helper()
	if err := key.SignRequest(&p); err != nil {
		t.Fatal(err)
	}
	return p
}

// seed runs a small session on the alpha: init, two funded accounts and
// a crossing pair of orders.
func seed(t *testing.T, c *cluster, h *Handler) {
	t.Helper()
	alice, _ := crypto.GenerateAccountKey()
	bob, _ := crypto.GenerateAccountKey()

	mustOK(t, h.Submit(quantum.NewConstellationInitPayload(c.settings())))
	mustOK(t, h.Submit(quantum.NewDepositPayload(quantum.Deposit{Provider: "bank", Account: alice.Address(), Asset: "USD", Amount: 1000})))
	mustOK(t, h.Submit(quantum.NewDepositPayload(quantum.Deposit{Provider: "bank", Account: bob.Address(), Asset: "BTC", Amount: 10})))
	mustOK(t, h.Submit(signed(t, alice, quantum.NewOrderPayload(alice.Address(), 1, quantum.OrderRequest{
		Market: "BTC", Side: quantum.Buy, Price: decimal.NewFromInt(10), Amount: 5,
	}))))
	res := mustOK(t, h.Submit(signed(t, bob, quantum.NewOrderPayload(bob.Address(), 1, quantum.OrderRequest{
		Market: "BTC", Side: quantum.Sell, Price: decimal.RequireFromString("9.5"), Amount: 7,
	}))))
	if res.Apex != 5 {
		t.Fatalf("last apex = %d, want 5", res.Apex)
	}
}

func TestAlpha_AssignsContiguousApexes(t *testing.T) {
	c := newCluster(t, 2)
	h := newHandler(consensus.RoleAlpha, c.alpha.NodeID(), c.alpha, operational(), nil, nil)
	start(t, h)
	seed(t, c, h)

	var prior quantum.Hash
	for a := quantum.Apex(1); a <= 5; a++ {
		q, ok := h.Storage().Get(a)
		if !ok {
			t.Fatalf("apex %d not stored", a)
		}
		if q.PriorHash != prior || !q.VerifyHash() {
			t.Fatalf("apex %d breaks the chain", a)
		}
		if !q.HasSignature(c.alpha.NodeID()) {
			t.Errorf("apex %d is not signed by the alpha", a)
		}
		prior = q.Hash
	}
	if h.LastHash() != prior {
		t.Errorf("handler hash does not match the stored chain")
	}
}

func TestAlpha_RejectionsDoNotConsumeApex(t *testing.T) {
	c := newCluster(t, 0)
	h := newHandler(consensus.RoleAlpha, c.alpha.NodeID(), c.alpha, operational(), nil, nil)
	start(t, h)
	mustOK(t, h.Submit(quantum.NewConstellationInitPayload(c.settings())))

	alice, _ := crypto.GenerateAccountKey()
	unsigned := quantum.NewAccountCreatePayload(alice.Address(), 1)
	if res := wait(t, h.Submit(unsigned)); res.Status != quantum.StatusUnauthorized {
		t.Errorf("unsigned request: status %s", res.Status)
	}

	unknown := signed(t, alice, quantum.NewOrderPayload(alice.Address(), 1, quantum.OrderRequest{
		Market: "BTC", Side: quantum.Buy, Price: decimal.NewFromInt(1), Amount: 1,
	}))
	if res := wait(t, h.Submit(unknown)); res.Status != quantum.StatusUnauthorized {
		t.Errorf("order from unknown account: status %s", res.Status)
	}

	res := mustOK(t, h.Submit(signed(t, alice, quantum.NewAccountCreatePayload(alice.Address(), 1))))
	if res.Apex != 2 {
		t.Errorf("apex = %d, want 2", res.Apex)
	}

	if res := wait(t, h.Submit(quantum.Payload{Type: quantum.PayloadUnknown})); res.Status != quantum.StatusUnexpectedMessage {
		t.Errorf("unknown payload: status %s", res.Status)
	}
}

func TestAlpha_OutOfRangeOrderIsRejected(t *testing.T) {
	c := newCluster(t, 0)
	sm := operational()
	h := newHandler(consensus.RoleAlpha, c.alpha.NodeID(), c.alpha, sm, nil, nil)
	start(t, h)
	mustOK(t, h.Submit(quantum.NewConstellationInitPayload(c.settings())))

	alice, _ := crypto.GenerateAccountKey()
	mustOK(t, h.Submit(quantum.NewDepositPayload(quantum.Deposit{Provider: "bank", Account: alice.Address(), Asset: "USD", Amount: 1000})))

	huge := signed(t, alice, quantum.NewOrderPayload(alice.Address(), 1, quantum.OrderRequest{
		Market: "BTC", Side: quantum.Buy, Price: decimal.RequireFromString("10000000000000000000"), Amount: 1,
	}))
	if res := wait(t, h.Submit(huge)); res.Status != quantum.StatusBadRequest {
		t.Fatalf("huge price: status %s %s", res.Status, res.Error)
	}
	if !sm.IsOperational() {
		t.Fatalf("node left operation: %v", sm.Err())
	}

	res := mustOK(t, h.Submit(signed(t, alice, quantum.NewOrderPayload(alice.Address(), 1, quantum.OrderRequest{
		Market: "BTC", Side: quantum.Buy, Price: decimal.NewFromInt(10), Amount: 1,
	}))))
	if res.Apex != 3 {
		t.Errorf("apex = %d, want 3", res.Apex)
	}
}

func TestSubmit_AfterStopIsRejected(t *testing.T) {
	c := newCluster(t, 0)
	h := newHandler(consensus.RoleAlpha, c.alpha.NodeID(), c.alpha, operational(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	mustOK(t, h.Submit(quantum.NewConstellationInitPayload(c.settings())))

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run = %v", err)
	}

	f := h.Submit(quantum.NewConstellationInitPayload(c.settings()))
	res, ok := f.Result()
	if !ok {
		t.Fatalf("submit after stop left an unresolved future")
	}
	if res.Status != quantum.StatusInvalidState {
		t.Errorf("status = %s, want InvalidState", res.Status)
	}
	if h.QueueLen() != 0 {
		t.Errorf("item queued after stop")
	}
}

func TestSubmit_RejectedWhenNotOperational(t *testing.T) {
	c := newCluster(t, 0)
	h := newHandler(consensus.RoleAlpha, c.alpha.NodeID(), c.alpha, consensus.NewStateManager(nil), nil, nil)
	res := wait(t, h.Submit(quantum.NewConstellationInitPayload(c.settings())))
	if res.Status != quantum.StatusInvalidState {
		t.Errorf("status = %s, want InvalidState", res.Status)
	}
}

func TestSubmit_RejectedWhenSaturated(t *testing.T) {
	c := newCluster(t, 0)
	thr := throttle.NewController(throttle.Config{MaxQueue: 1})
	h := newHandler(consensus.RoleAlpha, c.alpha.NodeID(), c.alpha, operational(), thr, nil)

	first := h.Submit(quantum.NewConstellationInitPayload(c.settings()))
	if _, done := first.Result(); done {
		t.Fatalf("first item must be queued")
	}
	res := wait(t, h.Submit(quantum.NewConstellationInitPayload(c.settings())))
	if res.Status != quantum.StatusTooManyRequests {
		t.Errorf("status = %s, want TooManyRequests", res.Status)
	}
	if h.QueueLen() != 1 {
		t.Errorf("rejected item entered the queue")
	}
}

func TestAuditor_FollowsAlpha(t *testing.T) {
	c := newCluster(t, 1)
	alpha := newHandler(consensus.RoleAlpha, c.alpha.NodeID(), c.alpha, operational(), nil, nil)
	start(t, alpha)
	seed(t, c, alpha)

	auditor := newHandler(consensus.RoleAuditor, c.alpha.NodeID(), c.auditors[0], operational(), nil, nil)
	start(t, auditor)
	_, batch := alpha.Storage().GetBatch(0, 10)
	var last *Future
	for _, q := range batch {
		last = auditor.SubmitQuantum(q)
	}
	mustOK(t, last)

	if auditor.LastHash() != alpha.LastHash() {
		t.Fatalf("auditor diverged from alpha")
	}
	if auditor.Snapshot().Hash() != alpha.Snapshot().Hash() {
		t.Fatalf("auditor ledger differs from alpha ledger")
	}
	q, _ := auditor.Storage().Get(3)
	if !q.HasSignature(c.auditors[0].NodeID()) || !q.HasSignature(c.alpha.NodeID()) {
		t.Errorf("auditor copy must carry both signatures")
	}

	// a resent quantum is ignored
	mustOK(t, auditor.SubmitQuantum(batch[2]))
	if auditor.LastApex() != 5 {
		t.Errorf("duplicate changed the head")
	}
}

func TestAuditor_ApexGapIsFatal(t *testing.T) {
	c := newCluster(t, 1)
	alpha := newHandler(consensus.RoleAlpha, c.alpha.NodeID(), c.alpha, operational(), nil, nil)
	start(t, alpha)
	seed(t, c, alpha)

	sm := operational()
	auditor := newHandler(consensus.RoleAuditor, c.alpha.NodeID(), c.auditors[0], sm, nil, nil)
	start(t, auditor)
	q, _ := alpha.Storage().Get(2)
	res := wait(t, auditor.SubmitQuantum(q))
	if res.Status != quantum.StatusInternalError {
		t.Errorf("status = %s, want InternalError", res.Status)
	}
	if sm.State() != consensus.StateFailed {
		t.Errorf("gap must fail the node")
	}
}

func TestAuditor_RejectsForgedQuantum(t *testing.T) {
	c := newCluster(t, 1)
	alpha := newHandler(consensus.RoleAlpha, c.alpha.NodeID(), c.alpha, operational(), nil, nil)
	start(t, alpha)
	mustOK(t, alpha.Submit(quantum.NewConstellationInitPayload(c.settings())))

	q, _ := alpha.Storage().Get(1)
	q.Signatures = []quantum.NodeSignature{c.auditors[0].SignQuantum(q)}

	auditor := newHandler(consensus.RoleAuditor, c.alpha.NodeID(), c.auditors[0], operational(), nil, nil)
	start(t, auditor)
	if res := wait(t, auditor.SubmitQuantum(q)); res.Status != quantum.StatusUnauthorized {
		t.Errorf("status = %s, want Unauthorized", res.Status)
	}
}

func TestReplay_ReproducesChain(t *testing.T) {
	c := newCluster(t, 0)
	alpha := newHandler(consensus.RoleAlpha, c.alpha.NodeID(), c.alpha, operational(), nil, nil)
	start(t, alpha)
	seed(t, c, alpha)

	key, _ := crypto.GenerateNodeKey()
	replica := newHandler(consensus.RoleAuditor, c.alpha.NodeID(), key, consensus.NewStateManager(nil), nil, nil)
	_, batch := alpha.Storage().GetBatch(0, 10)
	for _, q := range batch {
		if err := replica.Replay(q); err != nil {
			t.Fatalf("replay %d: %v", q.Apex, err)
		}
	}
	if replica.LastHash() != alpha.LastHash() {
		t.Fatalf("replayed chain differs")
	}
	if replica.Snapshot().Hash() != alpha.Snapshot().Hash() {
		t.Fatalf("replayed ledger differs")
	}
	if err := replica.Replay(batch[0]); err == nil {
		t.Errorf("replaying an old apex must fail")
	}
}

func TestRestoreSnapshot(t *testing.T) {
	c := newCluster(t, 0)
	alpha := newHandler(consensus.RoleAlpha, c.alpha.NodeID(), c.alpha, operational(), nil, nil)
	start(t, alpha)
	seed(t, c, alpha)

	snap := alpha.Snapshot()
	data, err := snap.Encode()
	if err != nil {
		t.Fatal(err)
	}

	key, _ := crypto.GenerateNodeKey()
	replica := newHandler(consensus.RoleAuditor, c.alpha.NodeID(), key, consensus.NewStateManager(nil), nil, nil)
	replica.Sink = storage.NewSaver(storage.NewMemoryStore(), replica.Storage(), time.Hour, 10, nil)
	if _, err := replica.RestoreSnapshot(snap.Apex, quantum.Hash{1}, data); err == nil {
		t.Fatalf("wrong snapshot hash accepted")
	}
	prior, err := replica.RestoreSnapshot(snap.Apex, snap.Hash(), data)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if prior != alpha.LastHash() || replica.LastApex() != 5 {
		t.Errorf("restore returned %s at apex %d", prior, replica.LastApex())
	}
	if replica.Storage().LastApex() != 5 {
		t.Errorf("window not positioned after the snapshot")
	}
}

func TestAcceptSignatures(t *testing.T) {
	c := newCluster(t, 2)
	h := newHandler(consensus.RoleAlpha, c.alpha.NodeID(), c.alpha, operational(), nil, nil)
	store := storage.NewMemoryStore()
	saver := storage.NewSaver(store, h.Storage(), time.Hour, 100, nil)
	h.Sink = saver
	start(t, h)
	seed(t, c, h)

	auditor := c.auditors[0]
	var batch []quantum.ApexSignature
	for a := quantum.Apex(1); a <= 5; a++ {
		q, _ := h.Storage().Get(a)
		batch = append(batch, quantum.ApexSignature{Apex: a, Signature: auditor.SignQuantum(q)})
	}
	if err := h.AcceptSignatures(auditor.NodeID(), batch); err != nil {
		t.Fatalf("accept: %v", err)
	}
	q, _ := h.Storage().Get(4)
	if !q.IsConfirmed(consensus.Majority(3)) {
		t.Errorf("quantum 4 should be confirmed with two of three signatures")
	}

	if err := h.AcceptSignatures(auditor.NodeID(), batch[:1]); !errors.Is(err, ErrProtocol) {
		t.Errorf("duplicate signature: err = %v", err)
	}
	stranger, _ := crypto.GenerateNodeKey()
	if err := h.AcceptSignatures(stranger.NodeID(), nil); !errors.Is(err, ErrProtocol) {
		t.Errorf("unknown node: err = %v", err)
	}
	relayed := []quantum.ApexSignature{{Apex: 1, Signature: c.auditors[1].SignQuantum(q)}}
	if err := h.AcceptSignatures(auditor.NodeID(), relayed); !errors.Is(err, ErrProtocol) {
		t.Errorf("relayed signature: err = %v", err)
	}
	ahead := []quantum.ApexSignature{{Apex: 9, Signature: quantum.NodeSignature{Signer: auditor.NodeID()}}}
	if err := h.AcceptSignatures(auditor.NodeID(), ahead); !errors.Is(err, ErrProtocol) {
		t.Errorf("signature beyond head: err = %v", err)
	}

	if err := saver.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	saved, err := store.LoadQuanta(context.Background(), []quantum.Apex{2})
	if err != nil || len(saved) != 1 || !saved[0].HasSignature(auditor.NodeID()) {
		t.Errorf("auditor signature not persisted")
	}
}

type panickingCleanup struct{}

func (panickingCleanup) Type() quantum.PayloadType { return quantum.PayloadCleanup }

func (panickingCleanup) Validate(*ledger.Context, *quantum.Quantum) error { return nil }

func (panickingCleanup) Process(*ledger.Context, *quantum.Quantum, *effects.Container) error {
	panic("boom")
}

func TestProcessPanicFailsNode(t *testing.T) {
	c := newCluster(t, 0)
	reg, err := ledger.NewRegistry(panickingCleanup{})
	if err != nil {
		t.Fatal(err)
	}
	sm := operational()
	h := newHandler(consensus.RoleAlpha, c.alpha.NodeID(), c.alpha, sm, nil, reg)
	start(t, h)

	res := wait(t, h.Submit(quantum.Payload{Type: quantum.PayloadCleanup, Cleanup: &quantum.Cleanup{Market: "BTC"}}))
	if res.Status != quantum.StatusInternalError {
		t.Errorf("status = %s, want InternalError", res.Status)
	}
	select {
	case <-sm.Failed():
	case <-time.After(time.Second):
		t.Fatalf("node did not fail")
	}
	if res := wait(t, h.Submit(quantum.Payload{Type: quantum.PayloadCleanup, Cleanup: &quantum.Cleanup{Market: "BTC"}})); res.Status != quantum.StatusInvalidState {
		t.Errorf("failed node accepted work: %s", res.Status)
	}
}

func TestListenersSeeEveryResult(t *testing.T) {
	c := newCluster(t, 0)
	h := newHandler(consensus.RoleAlpha, c.alpha.NodeID(), c.alpha, operational(), nil, nil)
	got := make(chan *quantum.Result, 8)
	h.AddListener(ListenerFunc(func(_ *quantum.Quantum, res *quantum.Result) { got <- res }))
	start(t, h)

	mustOK(t, h.Submit(quantum.NewConstellationInitPayload(c.settings())))
	wait(t, h.Submit(quantum.NewConstellationInitPayload(c.settings())))

	first, second := <-got, <-got
	if !first.OK() || first.Apex != 1 {
		t.Errorf("first = %+v", first)
	}
	if second.OK() || second.Apex != 0 {
		t.Errorf("second init must be rejected without apex: %+v", second)
	}
}
