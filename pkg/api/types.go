package api

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/quantaledger/pkg/app/core/orderbook"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
	"github.com/uhyunpark/quantaledger/pkg/replication"
)

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Types
// ==============================

// NodeStatus is reported by GET /api/v1/status.
type NodeStatus struct {
	Node          string                 `json:"node"`
	Role          string                 `json:"role"`
	State         string                 `json:"state"`
	Alpha         string                 `json:"alpha"`
	LastApex      quantum.Apex           `json:"lastApex"`
	LastHash      string                 `json:"lastHash"`
	PersistedApex quantum.Apex           `json:"persistedApex"`
	SnapshotApex  quantum.Apex           `json:"snapshotApex"`
	QueueLength   int                    `json:"queueLength"`
	ThrottleRate  int                    `json:"throttleRate"` // items per second, 0 when not throttled
	Peers         []replication.PeerInfo `json:"peers"`
	Error         string                 `json:"error,omitempty"`
}

// SignedRequest is the JSON form of a client request.
type SignedRequest struct {
	Type       string          `json:"type"` // order, cancel_order, withdrawal, account_create
	Account    string          `json:"account"`
	Nonce      uint64          `json:"nonce"`
	Order      *OrderBody      `json:"order,omitempty"`
	Cancel     *CancelBody     `json:"cancel,omitempty"`
	Withdrawal *WithdrawalBody `json:"withdrawal,omitempty"`
	Signature  string          `json:"signature"`
}

type OrderBody struct {
	Market      string          `json:"market"`
	Side        string          `json:"side"` // buy or sell
	Price       decimal.Decimal `json:"price"`
	Amount      int64           `json:"amount"`
	TimeInForce string          `json:"timeInForce,omitempty"` // gte (default) or ioc
}

type CancelBody struct {
	OrderID uint64 `json:"orderId"`
}

type WithdrawalBody struct {
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	Destination string `json:"destination"`
}

// SubmitResponse is returned once the request left the pipeline.
type SubmitResponse struct {
	RequestID string      `json:"requestId"`
	Result    *ResultInfo `json:"result"`
}

type ResultInfo struct {
	Apex        quantum.Apex `json:"apex"`
	Type        string       `json:"type"`
	Status      string       `json:"status"`
	Error       string       `json:"error,omitempty"`
	Hash        string       `json:"hash,omitempty"`
	EffectsHash string       `json:"effectsHash,omitempty"`
	Effects     []EffectInfo `json:"effects,omitempty"`
}

type EffectInfo struct {
	Type           string `json:"type"`
	Account        string `json:"account,omitempty"`
	Asset          string `json:"asset,omitempty"`
	Amount         int64  `json:"amount,omitempty"`
	QuoteAmount    int64  `json:"quoteAmount,omitempty"`
	Price          string `json:"price,omitempty"`
	OrderID        uint64 `json:"orderId,omitempty"`
	CounterOrderID uint64 `json:"counterOrderId,omitempty"`
	Side           string `json:"side,omitempty"`
}

type QuantumInfo struct {
	Apex       quantum.Apex    `json:"apex"`
	Type       string          `json:"type"`
	Timestamp  int64           `json:"timestamp"`
	Hash       string          `json:"hash"`
	PriorHash  string          `json:"priorHash"`
	Signatures []SignatureInfo `json:"signatures"`
}

type SignatureInfo struct {
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

type BalanceInfo struct {
	Asset       string `json:"asset"`
	Amount      int64  `json:"amount"`
	Liabilities int64  `json:"liabilities"`
	Available   int64  `json:"available"`
}

// AccountInfo represents account balances
type AccountInfo struct {
	Address  string        `json:"address"`
	Nonce    uint64        `json:"nonce"`
	Balances []BalanceInfo `json:"balances"`
}

// MarketInfo represents market metadata
type MarketInfo struct {
	ID             uint16 `json:"id"`
	Symbol         string `json:"symbol"`
	BaseAsset      string `json:"baseAsset"`
	QuoteAsset     string `json:"quoteAsset"`
	Status         string `json:"status"`
	MinOrderAmount int64  `json:"minOrderAmount"`
	BidOrders      int    `json:"bidOrders"`
	AskOrders      int    `json:"askOrders"`
}

// OrderbookSnapshot represents current orderbook state
type OrderbookSnapshot struct {
	Symbol   string       `json:"symbol"`
	Bids     []PriceLevel `json:"bids"` // Sorted high to low
	Asks     []PriceLevel `json:"asks"` // Sorted low to high
	LastApex quantum.Apex `json:"lastApex"`
}

type PriceLevel struct {
	Price  string `json:"price"`
	Amount int64  `json:"amount"`
	Orders int    `json:"orders"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Types
// ==============================

// WSSubscribeRequest is sent by clients to manage subscriptions
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["results", "trades"]
}

// ResultUpdate is pushed on the results channel for every processed item.
type ResultUpdate struct {
	Type   string      `json:"type"` // "result"
	Result *ResultInfo `json:"result"`
}

// TradeUpdate is pushed on the trades channel.
type TradeUpdate struct {
	Type        string       `json:"type"` // "trade"
	Apex        quantum.Apex `json:"apex"`
	Market      string       `json:"market"`
	Price       string       `json:"price"`
	Amount      int64        `json:"amount"`
	QuoteAmount int64        `json:"quoteAmount"`
	TakerSide   string       `json:"takerSide"`
	Timestamp   int64        `json:"timestamp"` // Unix milliseconds
}

// ==============================
// Conversions
// ==============================

func parseSide(s string) (quantum.Side, error) {
	switch strings.ToLower(s) {
	case "buy":
		return quantum.Buy, nil
	case "sell":
		return quantum.Sell, nil
	default:
		return 0, fmt.Errorf("invalid side %q", s)
	}
}

func parseTimeInForce(s string) (quantum.TimeInForce, error) {
	switch strings.ToLower(s) {
	case "", "gte":
		return quantum.GoodTillExpire, nil
	case "ioc":
		return quantum.ImmediateOrCancel, nil
	default:
		return 0, fmt.Errorf("invalid time in force %q", s)
	}
}

// Payload converts the JSON request into a signed client payload.
func (r *SignedRequest) Payload() (quantum.Payload, error) {
	if !common.IsHexAddress(r.Account) {
		return quantum.Payload{}, fmt.Errorf("invalid account %q", r.Account)
	}
	account := common.HexToAddress(r.Account)

	var p quantum.Payload
	switch r.Type {
	case "order":
		if r.Order == nil {
			return p, fmt.Errorf("order body missing")
		}
		side, err := parseSide(r.Order.Side)
		if err != nil {
			return p, err
		}
		tif, err := parseTimeInForce(r.Order.TimeInForce)
		if err != nil {
			return p, err
		}
		p = quantum.NewOrderPayload(account, r.Nonce, quantum.OrderRequest{
			Market:      r.Order.Market,
			Side:        side,
			Price:       r.Order.Price,
			Amount:      r.Order.Amount,
			TimeInForce: tif,
		})
	case "cancel_order":
		if r.Cancel == nil {
			return p, fmt.Errorf("cancel body missing")
		}
		p = quantum.NewCancelPayload(account, r.Nonce, r.Cancel.OrderID)
	case "withdrawal":
		if r.Withdrawal == nil {
			return p, fmt.Errorf("withdrawal body missing")
		}
		p = quantum.NewWithdrawalPayload(account, r.Nonce, quantum.WithdrawalRequest{
			Asset:       r.Withdrawal.Asset,
			Amount:      r.Withdrawal.Amount,
			Destination: r.Withdrawal.Destination,
		})
	case "account_create":
		p = quantum.NewAccountCreatePayload(account, r.Nonce)
	default:
		return p, fmt.Errorf("unsupported request type %q", r.Type)
	}

	if r.Signature != "" {
		sig, err := hexutil.Decode(r.Signature)
		if err != nil {
			return p, fmt.Errorf("signature: %w", err)
		}
		p.Request.Signature = sig
	}
	return p, nil
}

// NewSignedRequest renders a client payload as JSON request.
func NewSignedRequest(p *quantum.Payload) (*SignedRequest, error) {
	if !p.Type.IsClientRequest() || p.Request == nil {
		return nil, fmt.Errorf("payload %s is not a client request", p.Type)
	}
	req := p.Request
	out := &SignedRequest{
		Type:    p.Type.String(),
		Account: req.Account.Hex(),
		Nonce:   req.Nonce,
	}
	if len(req.Signature) > 0 {
		out.Signature = hexutil.Encode(req.Signature)
	}
	switch {
	case req.Order != nil:
		out.Order = &OrderBody{
			Market:      req.Order.Market,
			Side:        req.Order.Side.String(),
			Price:       req.Order.Price,
			Amount:      req.Order.Amount,
			TimeInForce: req.Order.TimeInForce.String(),
		}
	case req.Cancel != nil:
		out.Cancel = &CancelBody{OrderID: req.Cancel.OrderID}
	case req.Withdrawal != nil:
		out.Withdrawal = &WithdrawalBody{
			Asset:       req.Withdrawal.Asset,
			Amount:      req.Withdrawal.Amount,
			Destination: req.Withdrawal.Destination,
		}
	}
	return out, nil
}

func hashString(h quantum.Hash) string {
	if h.IsZero() {
		return ""
	}
	return h.String()
}

func sideString(s quantum.Side) string {
	if !s.Valid() {
		return ""
	}
	return s.String()
}

func resultInfo(res *quantum.Result) *ResultInfo {
	info := &ResultInfo{
		Apex:        res.Apex,
		Type:        res.Type.String(),
		Status:      res.Status.String(),
		Error:       res.Error,
		Hash:        hashString(res.Hash),
		EffectsHash: hashString(res.EffectsHash),
	}
	for _, ef := range res.Effects {
		e := EffectInfo{
			Type:           ef.Type.String(),
			Asset:          ef.Asset,
			Amount:         ef.Amount,
			QuoteAmount:    ef.QuoteAmount,
			OrderID:        ef.OrderID,
			CounterOrderID: ef.CounterOrderID,
			Side:           sideString(ef.Side),
		}
		if ef.Account != (common.Address{}) {
			e.Account = ef.Account.Hex()
		}
		if !ef.Price.IsZero() {
			e.Price = ef.Price.String()
		}
		info.Effects = append(info.Effects, e)
	}
	return info
}

func quantumInfo(q *quantum.Quantum) QuantumInfo {
	info := QuantumInfo{
		Apex:       q.Apex,
		Type:       q.Payload.Type.String(),
		Timestamp:  q.Timestamp,
		Hash:       q.Hash.String(),
		PriorHash:  q.PriorHash.String(),
		Signatures: make([]SignatureInfo, 0, len(q.Signatures)),
	}
	for _, s := range q.Signatures {
		info.Signatures = append(info.Signatures, SignatureInfo{Signer: string(s.Signer), Signature: hexutil.Encode(s.Signature)})
	}
	return info
}

func priceLevels(levels []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price.String(), Amount: l.Amount, Orders: l.Count}
	}
	return out
}
