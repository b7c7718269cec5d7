package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/quantaledger/pkg/app/core/effects"
	"github.com/uhyunpark/quantaledger/pkg/app/core/orderbook"
	"github.com/uhyunpark/quantaledger/pkg/app/ledger"
	"github.com/uhyunpark/quantaledger/pkg/crypto"
	"github.com/uhyunpark/quantaledger/pkg/pipeline"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

var (
	seller = common.HexToAddress("0x1001")
	buyer  = common.HexToAddress("0x2001")
)

type fakeBackend struct {
	lc     *ledger.Context
	quanta map[quantum.Apex]*quantum.Quantum
	status NodeStatus

	mu        sync.Mutex
	submitted []quantum.Payload
	result    *quantum.Result
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	lc := ledger.NewContext(nil)
	if _, err := lc.Markets.RegisterMarket("BTC", "USD", 1); err != nil {
		t.Fatal(err)
	}
	for _, a := range []common.Address{seller, buyer} {
		_ = lc.Accounts.CreateAccount(a)
		_ = lc.Accounts.UpdateBalance(a, "USD", 1_000)
		_ = lc.Accounts.UpdateBalance(a, "BTC", 100)
	}
	for i, price := range []string{"10", "10", "11"} {
		apex := quantum.Apex(i + 1)
		_, err := lc.Exchange.Match(&orderbook.MatchRequest{
			OrderID: orderbook.EncodeOrderID(apex, 0, quantum.Sell),
			Account: seller,
			Market:  "BTC",
			Side:    quantum.Sell,
			Price:   decimal.RequireFromString(price),
			Amount:  5,
			Apex:    apex,
		}, effects.NewContainer(apex, lc.Accounts))
		if err != nil {
			t.Fatal(err)
		}
	}

	q := &quantum.Quantum{Payload: quantum.NewAccountCreatePayload(buyer, 1)}
	q.Seal(1, quantum.Hash{}, 1700000000000)
	q.Signatures = []quantum.NodeSignature{{Signer: "aa", Signature: []byte{1}}}

	return &fakeBackend{
		lc:     lc,
		quanta: map[quantum.Apex]*quantum.Quantum{1: q},
		status: NodeStatus{Node: "aa", Role: "alpha", State: "ready", LastApex: 3},
		result: &quantum.Result{Apex: 4, Type: quantum.PayloadOrder, Status: quantum.StatusSuccess},
	}
}

func (b *fakeBackend) Status() NodeStatus      { return b.status }
func (b *fakeBackend) Ledger() *ledger.Context { return b.lc }

func (b *fakeBackend) Submit(p quantum.Payload) *pipeline.Future {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append(b.submitted, p)
	return pipeline.Resolved(b.result)
}

func (b *fakeBackend) Quantum(_ context.Context, apex quantum.Apex) (*quantum.Quantum, error) {
	return b.quanta[apex], nil
}

func newTestServer(t *testing.T) (*Server, *fakeBackend) {
	t.Helper()
	b := newFakeBackend(t)
	cfg := DefaultConfig()
	cfg.Gatherer = prometheus.NewRegistry()
	return NewServer(cfg, b, nil), b
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func signedOrder(t *testing.T, key *crypto.AccountKey, side quantum.Side) *SignedRequest {
	t.Helper()
	p := quantum.NewOrderPayload(common.Address{}, 1, quantum.OrderRequest{
		Market: "BTC",
		Side:   side,
		Price:  decimal.RequireFromString("9.5"),
		Amount: 3,
	})
	if err := key.SignRequest(&p); err != nil {
		t.Fatal(err)
	}
	req, err := NewSignedRequest(&p)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestSignedRequest_JSONKeepsSignatureValid(t *testing.T) {
	key, err := crypto.GenerateAccountKey()
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(signedOrder(t, key, quantum.Buy))
	if err != nil {
		t.Fatal(err)
	}

	var back SignedRequest
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	p, err := back.Payload()
	if err != nil {
		t.Fatal(err)
	}
	if err := crypto.VerifyRequest(&p); err != nil {
		t.Fatalf("signature broke in JSON form: %v", err)
	}
	if p.Request.Account != key.Address() || p.Request.Order.Side != quantum.Buy {
		t.Errorf("payload = %+v", p.Request)
	}
}

func TestSignedRequest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		req  SignedRequest
	}{
		{"bad account", SignedRequest{Type: "account_create", Account: "nope"}},
		{"unknown type", SignedRequest{Type: "deposit", Account: buyer.Hex()}},
		{"order without body", SignedRequest{Type: "order", Account: buyer.Hex()}},
		{"bad side", SignedRequest{Type: "order", Account: buyer.Hex(), Order: &OrderBody{Market: "BTC", Side: "hold"}}},
		{"bad tif", SignedRequest{Type: "order", Account: buyer.Hex(), Order: &OrderBody{Market: "BTC", Side: "buy", TimeInForce: "fok"}}},
		{"cancel without body", SignedRequest{Type: "cancel_order", Account: buyer.Hex()}},
		{"bad signature hex", SignedRequest{Type: "account_create", Account: buyer.Hex(), Signature: "0xzz"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.req.Payload(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestServer_ReadRoutes(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		path string
		code int
	}{
		{"/health", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/v1/status", http.StatusOK},
		{"/api/v1/markets", http.StatusOK},
		{"/api/v1/markets/BTC/orderbook", http.StatusOK},
		{"/api/v1/markets/ETH/orderbook", http.StatusNotFound},
		{"/api/v1/markets/BTC/orderbook?depth=x", http.StatusBadRequest},
		{"/api/v1/accounts/" + seller.Hex(), http.StatusOK},
		{"/api/v1/accounts/" + common.HexToAddress("0x9999").Hex(), http.StatusNotFound},
		{"/api/v1/accounts/nope", http.StatusBadRequest},
		{"/api/v1/quanta/1", http.StatusOK},
		{"/api/v1/quanta/2", http.StatusNotFound},
		{"/api/v1/quanta/0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if rec := get(t, h, tt.path); rec.Code != tt.code {
				t.Errorf("GET %s = %d, want %d: %s", tt.path, rec.Code, tt.code, rec.Body)
			}
		})
	}
}

func TestServer_Orderbook(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/api/v1/markets/BTC/orderbook?depth=1")

	var ob OrderbookSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&ob); err != nil {
		t.Fatal(err)
	}
	if len(ob.Bids) != 0 {
		t.Errorf("bids = %+v", ob.Bids)
	}
	if len(ob.Asks) != 1 {
		t.Fatalf("asks = %+v, want one level", ob.Asks)
	}
	if ob.Asks[0].Price != "10" || ob.Asks[0].Amount != 10 || ob.Asks[0].Orders != 2 {
		t.Errorf("best ask = %+v", ob.Asks[0])
	}
	if ob.LastApex != 3 {
		t.Errorf("last apex = %d", ob.LastApex)
	}
}

func TestServer_Account(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/api/v1/accounts/"+seller.Hex())

	var acc AccountInfo
	if err := json.NewDecoder(rec.Body).Decode(&acc); err != nil {
		t.Fatal(err)
	}
	if len(acc.Balances) != 2 || acc.Balances[0].Asset != "BTC" {
		t.Fatalf("balances = %+v", acc.Balances)
	}
	btc := acc.Balances[0]
	if btc.Amount != 100 || btc.Liabilities != 15 || btc.Available != 85 {
		t.Errorf("BTC = %+v, want 15 locked by resting sells", btc)
	}
}

func TestServer_SubmitRequest(t *testing.T) {
	key, err := crypto.GenerateAccountKey()
	if err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(signedOrder(t, key, quantum.Sell))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		body   string
		status quantum.StatusCode
		code   int
	}{
		{"accepted", string(body), quantum.StatusSuccess, http.StatusOK},
		{"rejected by ledger", string(body), quantum.StatusUnauthorized, http.StatusUnauthorized},
		{"throttled", string(body), quantum.StatusTooManyRequests, http.StatusTooManyRequests},
		{"malformed", `{"type":`, quantum.StatusSuccess, http.StatusBadRequest},
		{"unsigned", `{"type":"account_create","account":"` + buyer.Hex() + `"}`, quantum.StatusSuccess, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, b := newTestServer(t)
			b.result = &quantum.Result{Apex: 9, Type: quantum.PayloadOrder, Status: tt.status}

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/requests", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			s.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d: %s", rec.Code, tt.code, rec.Body)
			}
			if tt.code == http.StatusBadRequest {
				if len(b.submitted) != 0 {
					t.Errorf("invalid body reached the pipeline")
				}
				return
			}
			var resp SubmitResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.RequestID == "" || resp.Result.Apex != 9 || resp.Result.Status != tt.status.String() {
				t.Errorf("response = %+v", resp)
			}
			if len(b.submitted) != 1 || b.submitted[0].Request.Account != key.Address() {
				t.Errorf("submitted = %+v", b.submitted)
			}
		})
	}
}

func tradeResult() (*quantum.Quantum, *quantum.Result) {
	q := &quantum.Quantum{Timestamp: 1700000000123}
	price := decimal.RequireFromString("10")
	res := &quantum.Result{
		Apex:   7,
		Type:   quantum.PayloadOrder,
		Status: quantum.StatusSuccess,
		Effects: []quantum.Effect{
			{Type: quantum.EffectNonceUpdate, Account: buyer, Nonce: 1},
			{Type: quantum.EffectTrade, Account: buyer, Asset: "BTC", Side: quantum.Buy, Price: price, Amount: 5, QuoteAmount: 50},
			{Type: quantum.EffectTrade, Account: seller, Asset: "BTC", Side: quantum.Sell, Price: price, Amount: 5, QuoteAmount: 50},
			{Type: quantum.EffectBalanceUpdate, Account: buyer, Asset: "USD", Amount: -50},
			{Type: quantum.EffectTrade, Account: buyer, Asset: "BTC", Side: quantum.Buy, Price: price, Amount: 2, QuoteAmount: 20},
			{Type: quantum.EffectTrade, Account: seller, Asset: "BTC", Side: quantum.Sell, Price: price, Amount: 2, QuoteAmount: 20},
		},
	}
	return q, res
}

func TestTradeUpdates_TakerSideOnly(t *testing.T) {
	q, res := tradeResult()
	trades := tradeUpdates(q, res)
	if len(trades) != 2 {
		t.Fatalf("trades = %+v, want one per fill", trades)
	}
	for i, want := range []int64{5, 2} {
		tr := trades[i]
		if tr.TakerSide != "buy" || tr.Amount != want || tr.Market != "BTC" || tr.Timestamp != q.Timestamp {
			t.Errorf("trade %d = %+v", i, tr)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func subscribed(h *Hub, channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.IsSubscribed(channel) {
			return true
		}
	}
	return false
}

func TestHub_WebSocketTrades(t *testing.T) {
	s, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{ChannelTrades}}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "subscription", func() bool { return subscribed(s.Hub(), ChannelTrades) })

	q, res := tradeResult()
	s.Hub().OnResult(q, res)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i, want := range []int64{5, 2} {
		var tr TradeUpdate
		if err := conn.ReadJSON(&tr); err != nil {
			t.Fatal(err)
		}
		if tr.Type != "trade" || tr.Amount != want || tr.Apex != 7 {
			t.Errorf("message %d = %+v", i, tr)
		}
	}

	// results channel is not subscribed; rejected results never produce trades
	s.Hub().OnResult(nil, &quantum.Result{Status: quantum.StatusBadRequest, Error: "x"})
	_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	var extra map[string]any
	if err := conn.ReadJSON(&extra); err == nil {
		t.Errorf("unexpected message %v", extra)
	}
}
