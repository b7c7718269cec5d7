package ledger

import (
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/quantaledger/pkg/app/core/market"
	"github.com/uhyunpark/quantaledger/pkg/app/core/orderbook"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

var (
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
)

func testSettings() quantum.ConstellationSettings {
	return quantum.ConstellationSettings{
		Alpha:          "alpha",
		Nodes:          []quantum.NodeID{"alpha", "a1", "a2"},
		QuoteAsset:     "USD",
		Assets:         []string{"BTC", "ETH"},
		MinOrderAmount: 1,
		Providers:      []string{"bank"},
	}
}

type harness struct {
	t    *testing.T
	ctx  *Context
	reg  *Registry
	apex quantum.Apex
}

func newHarness(t *testing.T) *harness {
	h := &harness{t: t, ctx: NewContext(nil), reg: DefaultRegistry()}
	h.mustApply(quantum.NewConstellationInitPayload(testSettings()))
	return h
}

// apply validates and processes p as the next quantum.
func (h *harness) apply(p quantum.Payload) ([]quantum.Effect, error) {
	q := &quantum.Quantum{Payload: p}
	if err := h.reg.Validate(h.ctx, q); err != nil {
		return nil, err
	}
	h.apex++
	q.Seal(h.apex, quantum.Hash{}, int64(h.apex))
	return h.reg.Process(h.ctx, q)
}

func (h *harness) mustApply(p quantum.Payload) []quantum.Effect {
	h.t.Helper()
	effects, err := h.apply(p)
	if err != nil {
		h.t.Fatalf("apply %s: %v", p.Type, err)
	}
	return effects
}

func (h *harness) deposit(who common.Address, asset string, amount int64) {
	h.t.Helper()
	h.mustApply(quantum.NewDepositPayload(quantum.Deposit{Provider: "bank", Account: who, Asset: asset, Amount: amount}))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	if _, err := NewRegistry(orderProcessor{}, orderProcessor{}); err == nil {
		t.Fatalf("duplicate processor accepted")
	}
	r := DefaultRegistry()
	for _, pt := range []quantum.PayloadType{
		quantum.PayloadOrder, quantum.PayloadCancelOrder, quantum.PayloadWithdrawal,
		quantum.PayloadAccountCreate, quantum.PayloadDeposit, quantum.PayloadConstellationInit,
		quantum.PayloadConstellationUpdate, quantum.PayloadCursorReset, quantum.PayloadCleanup,
	} {
		if !r.Has(pt) {
			t.Errorf("no processor for %s", pt)
		}
	}
}

func TestRequestsBeforeInitAreInvalidState(t *testing.T) {
	ctx := NewContext(nil)
	r := DefaultRegistry()
	q := &quantum.Quantum{Payload: quantum.NewAccountCreatePayload(alice, 1)}
	if err := r.Validate(ctx, q); quantum.StatusOf(err) != quantum.StatusInvalidState {
		t.Fatalf("got %v, want invalid state", err)
	}
}

func TestInitRegistersMarkets(t *testing.T) {
	h := newHarness(t)
	markets := h.ctx.Markets.ListMarkets()
	if len(markets) != 2 || markets[0].Symbol != "BTC" || markets[1].ID != 1 {
		t.Fatalf("unexpected markets %+v", markets)
	}
	if _, err := h.apply(quantum.NewConstellationInitPayload(testSettings())); quantum.StatusOf(err) != quantum.StatusInvalidState {
		t.Fatalf("second init: got %v", err)
	}
}

func TestOrderFlow(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, "USD", 100)
	h.deposit(bob, "BTC", 10)

	buy := quantum.NewOrderPayload(alice, 1, quantum.OrderRequest{Market: "BTC", Side: quantum.Buy, Price: decimal.NewFromInt(10), Amount: 5})
	effects := h.mustApply(buy)
	if effects[0].Type != quantum.EffectNonceUpdate {
		t.Errorf("first effect = %s, want nonce update", effects[0].Type)
	}
	if got := h.ctx.Accounts.GetAccount(alice).Balance("USD").Liabilities; got != 50 {
		t.Fatalf("locked = %d, want 50", got)
	}

	// same nonce again
	if _, err := h.apply(buy); quantum.StatusOf(err) != quantum.StatusBadRequest {
		t.Fatalf("replayed nonce: got %v", err)
	}

	sell := quantum.NewOrderPayload(bob, 1, quantum.OrderRequest{Market: "BTC", Side: quantum.Sell, Price: decimal.NewFromInt(9), Amount: 2})
	h.mustApply(sell)
	if got := h.ctx.Accounts.GetAccount(bob).Balance("USD").Amount; got != 20 {
		t.Fatalf("bob USD = %d, want 20", got)
	}

	tooBig := quantum.NewOrderPayload(bob, 2, quantum.OrderRequest{Market: "BTC", Side: quantum.Sell, Price: decimal.NewFromInt(9), Amount: 9})
	if _, err := h.apply(tooBig); quantum.StatusOf(err) != quantum.StatusBadRequest {
		t.Fatalf("oversized sell: got %v", err)
	}
	unknown := quantum.NewOrderPayload(bob, 2, quantum.OrderRequest{Market: "DOGE", Side: quantum.Sell, Price: decimal.NewFromInt(1), Amount: 1})
	if _, err := h.apply(unknown); quantum.StatusOf(err) != quantum.StatusBadRequest {
		t.Fatalf("unknown market: got %v", err)
	}
	stranger := quantum.NewOrderPayload(common.HexToAddress("0x99"), 1, quantum.OrderRequest{Market: "BTC", Side: quantum.Sell, Price: decimal.NewFromInt(1), Amount: 1})
	if _, err := h.apply(stranger); quantum.StatusOf(err) != quantum.StatusUnauthorized {
		t.Fatalf("unknown account: got %v", err)
	}
}

func TestOrderValueOutOfRange(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, "USD", 1000)

	huge := quantum.NewOrderPayload(alice, 1, quantum.OrderRequest{
		Market: "BTC", Side: quantum.Buy, Price: decimal.RequireFromString("10000000000000000000"), Amount: 1,
	})
	if _, err := h.apply(huge); quantum.StatusOf(err) != quantum.StatusBadRequest {
		t.Fatalf("huge price: got %v", err)
	}
	if got := h.ctx.Accounts.GetAccount(alice).Balance("USD").Liabilities; got != 0 {
		t.Fatalf("rejected order locked %d", got)
	}
	// the nonce was not consumed
	h.mustApply(quantum.NewOrderPayload(alice, 1, quantum.OrderRequest{Market: "BTC", Side: quantum.Buy, Price: decimal.NewFromInt(10), Amount: 1}))
}

func TestCreditOverflowIsRejected(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, "USD", 100)
	h.deposit(bob, "BTC", 5)
	h.deposit(bob, "USD", math.MaxInt64-10)

	over := quantum.NewDepositPayload(quantum.Deposit{Provider: "bank", Account: bob, Asset: "USD", Amount: 11})
	if _, err := h.apply(over); quantum.StatusOf(err) != quantum.StatusBadRequest {
		t.Fatalf("overflowing deposit: got %v", err)
	}

	h.mustApply(quantum.NewOrderPayload(alice, 1, quantum.OrderRequest{Market: "BTC", Side: quantum.Buy, Price: decimal.NewFromInt(10), Amount: 5}))
	// bob would receive 20 USD on top of a balance 10 below the limit
	sell := quantum.NewOrderPayload(bob, 1, quantum.OrderRequest{Market: "BTC", Side: quantum.Sell, Price: decimal.NewFromInt(10), Amount: 2})
	if _, err := h.apply(sell); quantum.StatusOf(err) != quantum.StatusBadRequest {
		t.Fatalf("overflowing proceeds: got %v", err)
	}
	sell.Request.Order.Amount = 1
	h.mustApply(sell)
	if got := h.ctx.Accounts.Available(bob, "USD"); got != math.MaxInt64 {
		t.Fatalf("bob USD = %d", got)
	}
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, "USD", 100)
	h.deposit(bob, "USD", 100)
	h.mustApply(quantum.NewOrderPayload(alice, 1, quantum.OrderRequest{Market: "ETH", Side: quantum.Buy, Price: decimal.NewFromInt(3), Amount: 4}))
	id := orderbook.EncodeOrderID(h.apex, 1, quantum.Buy)

	if _, err := h.apply(quantum.NewCancelPayload(bob, 1, id)); quantum.StatusOf(err) != quantum.StatusUnauthorized {
		t.Fatalf("foreign cancel: got %v", err)
	}
	h.mustApply(quantum.NewCancelPayload(alice, 2, id))
	if got := h.ctx.Accounts.GetAccount(alice).Balance("USD").Liabilities; got != 0 {
		t.Fatalf("liabilities after cancel = %d", got)
	}
	if _, err := h.apply(quantum.NewCancelPayload(alice, 3, id)); quantum.StatusOf(err) != quantum.StatusBadRequest {
		t.Fatalf("cancel of missing order: got %v", err)
	}
}

func TestWithdrawal(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, "USD", 30)
	w := quantum.NewWithdrawalPayload(alice, 1, quantum.WithdrawalRequest{Asset: "USD", Amount: 40, Destination: "iban"})
	if _, err := h.apply(w); quantum.StatusOf(err) != quantum.StatusBadRequest {
		t.Fatalf("overdraw: got %v", err)
	}
	w.Request.Withdrawal.Amount = 30
	effects := h.mustApply(w)
	last := effects[len(effects)-1]
	if last.Type != quantum.EffectWithdrawal || last.Reference != "iban" {
		t.Fatalf("last effect = %+v", last)
	}
	if got := h.ctx.Accounts.Available(alice, "USD"); got != 0 {
		t.Fatalf("available = %d", got)
	}
}

func TestDepositRules(t *testing.T) {
	h := newHarness(t)
	bad := quantum.NewDepositPayload(quantum.Deposit{Provider: "mallory", Account: alice, Asset: "USD", Amount: 1})
	if _, err := h.apply(bad); quantum.StatusOf(err) != quantum.StatusUnauthorized {
		t.Fatalf("unknown provider: got %v", err)
	}
	h.mustApply(quantum.NewDepositPayload(quantum.Deposit{Provider: "bank", Account: alice, Asset: "USD", Amount: 5, Cursor: "tx-9"}))
	if !h.ctx.Accounts.Exists(alice) {
		t.Fatalf("deposit did not create the account")
	}
	if got := h.ctx.Cursor("bank"); got != "tx-9" {
		t.Fatalf("cursor = %q", got)
	}
	h.mustApply(quantum.Payload{Type: quantum.PayloadCursorReset, CursorReset: &quantum.CursorReset{Provider: "bank", Cursor: "tx-1"}})
	if got := h.ctx.Cursor("bank"); got != "tx-1" {
		t.Fatalf("cursor after reset = %q", got)
	}
}

func TestUpdatePausesDroppedMarketsAndCleanup(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, "BTC", 5)
	h.mustApply(quantum.NewOrderPayload(alice, 1, quantum.OrderRequest{Market: "BTC", Side: quantum.Sell, Price: decimal.NewFromInt(7), Amount: 5}))

	s := testSettings()
	s.Assets = []string{"ETH"}
	h.mustApply(quantum.NewConstellationUpdatePayload(s))
	m, _ := h.ctx.Markets.GetMarket("BTC")
	if m.Status != market.Paused {
		t.Fatalf("BTC status = %s, want Paused", m.Status)
	}

	h.mustApply(quantum.Payload{Type: quantum.PayloadCleanup, Cleanup: &quantum.Cleanup{Market: "BTC"}})
	if h.ctx.Exchange.OrderCount() != 0 {
		t.Fatalf("cleanup left orders behind")
	}
	if got := h.ctx.Accounts.GetAccount(alice).Balance("BTC").Liabilities; got != 0 {
		t.Fatalf("liabilities after cleanup = %d", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, "USD", 100)
	h.deposit(bob, "BTC", 10)
	h.mustApply(quantum.NewOrderPayload(alice, 1, quantum.OrderRequest{Market: "BTC", Side: quantum.Buy, Price: decimal.RequireFromString("9.5"), Amount: 3}))
	h.mustApply(quantum.NewOrderPayload(bob, 1, quantum.OrderRequest{Market: "BTC", Side: quantum.Sell, Price: decimal.NewFromInt(11), Amount: 4}))

	snap := h.ctx.Snapshot(h.apex, quantum.Hash{1})
	data, err := snap.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Hash() != snap.Hash() {
		t.Fatalf("hash changed across encode/decode")
	}

	restored := NewContext(nil)
	if err := restored.Restore(decoded); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Snapshot(h.apex, quantum.Hash{1}).Hash() != snap.Hash() {
		t.Fatalf("restored state hashes differently")
	}

	h.deposit(alice, "USD", 1)
	if h.ctx.Snapshot(h.apex, quantum.Hash{1}).Hash() == snap.Hash() {
		t.Fatalf("state change did not change the snapshot hash")
	}
}
