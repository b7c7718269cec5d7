package quantum

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// PayloadType tags the variant carried by a Payload.
type PayloadType uint8

const (
	PayloadUnknown PayloadType = iota
	PayloadOrder
	PayloadCancelOrder
	PayloadWithdrawal
	PayloadAccountCreate
	PayloadDeposit
	PayloadConstellationInit
	PayloadConstellationUpdate
	PayloadCursorReset
	PayloadCleanup
)

func (t PayloadType) String() string {
	switch t {
	case PayloadOrder:
		return "order"
	case PayloadCancelOrder:
		return "cancel_order"
	case PayloadWithdrawal:
		return "withdrawal"
	case PayloadAccountCreate:
		return "account_create"
	case PayloadDeposit:
		return "deposit"
	case PayloadConstellationInit:
		return "constellation_init"
	case PayloadConstellationUpdate:
		return "constellation_update"
	case PayloadCursorReset:
		return "cursor_reset"
	case PayloadCleanup:
		return "cleanup"
	default:
		return fmt.Sprintf("payload(%d)", uint8(t))
	}
}

// IsClientRequest reports whether the payload is signed by an account rather
// than originated by the constellation itself.
func (t PayloadType) IsClientRequest() bool {
	switch t {
	case PayloadOrder, PayloadCancelOrder, PayloadWithdrawal, PayloadAccountCreate:
		return true
	}
	return false
}

type OrderRequest struct {
	Market      string
	Side        Side
	Price       decimal.Decimal
	Amount      int64
	TimeInForce TimeInForce
}

type CancelOrderRequest struct {
	OrderID uint64
}

type WithdrawalRequest struct {
	Asset       string
	Amount      int64
	Destination string
}

// Request is a client request envelope signed by the account key.
type Request struct {
	Account    common.Address
	Nonce      uint64
	Order      *OrderRequest
	Cancel     *CancelOrderRequest
	Withdrawal *WithdrawalRequest
	Signature  []byte
}

type Deposit struct {
	Provider string
	Account  common.Address
	Asset    string
	Amount   int64
	Cursor   string
}

type CursorReset struct {
	Provider string
	Cursor   string
}

type Cleanup struct {
	Market string
}

// Payload is a tagged union; exactly the field matching Type is set.
type Payload struct {
	Type          PayloadType
	Request       *Request
	Deposit       *Deposit
	Constellation *ConstellationSettings
	CursorReset   *CursorReset
	Cleanup       *Cleanup
}

func NewOrderPayload(account common.Address, nonce uint64, order OrderRequest) Payload {
	return Payload{Type: PayloadOrder, Request: &Request{Account: account, Nonce: nonce, Order: &order}}
}

func NewCancelPayload(account common.Address, nonce uint64, orderID uint64) Payload {
	return Payload{Type: PayloadCancelOrder, Request: &Request{Account: account, Nonce: nonce, Cancel: &CancelOrderRequest{OrderID: orderID}}}
}

func NewWithdrawalPayload(account common.Address, nonce uint64, w WithdrawalRequest) Payload {
	return Payload{Type: PayloadWithdrawal, Request: &Request{Account: account, Nonce: nonce, Withdrawal: &w}}
}

func NewAccountCreatePayload(account common.Address, nonce uint64) Payload {
	return Payload{Type: PayloadAccountCreate, Request: &Request{Account: account, Nonce: nonce}}
}

func NewDepositPayload(d Deposit) Payload {
	return Payload{Type: PayloadDeposit, Deposit: &d}
}

func NewConstellationInitPayload(s ConstellationSettings) Payload {
	return Payload{Type: PayloadConstellationInit, Constellation: &s}
}

func NewConstellationUpdatePayload(s ConstellationSettings) Payload {
	return Payload{Type: PayloadConstellationUpdate, Constellation: &s}
}

// CheckShape verifies that the variant matching Type is present.
func (p *Payload) CheckShape() error {
	bad := func(what string) error {
		return Errorf(StatusBadRequest, "%s payload without %s", p.Type, what)
	}
	switch p.Type {
	case PayloadOrder:
		if p.Request == nil || p.Request.Order == nil {
			return bad("order")
		}
	case PayloadCancelOrder:
		if p.Request == nil || p.Request.Cancel == nil {
			return bad("cancel")
		}
	case PayloadWithdrawal:
		if p.Request == nil || p.Request.Withdrawal == nil {
			return bad("withdrawal")
		}
	case PayloadAccountCreate:
		if p.Request == nil {
			return bad("request")
		}
	case PayloadDeposit:
		if p.Deposit == nil {
			return bad("deposit")
		}
	case PayloadConstellationInit, PayloadConstellationUpdate:
		if p.Constellation == nil {
			return bad("settings")
		}
	case PayloadCursorReset:
		if p.CursorReset == nil {
			return bad("cursor")
		}
	case PayloadCleanup:
		if p.Cleanup == nil {
			return bad("market")
		}
	default:
		return Errorf(StatusUnexpectedMessage, "unknown payload type %d", p.Type)
	}
	return nil
}

// SigningHash is the Keccak-256 digest an account signs for a client request.
func (p *Payload) SigningHash() []byte {
	var e Encoder
	p.encodeRequest(&e)
	return crypto.Keccak256(e.Bytes())
}

// Encode writes the canonical form of the payload, signatures included.
func (p *Payload) Encode(e *Encoder) {
	e.PutUint8(uint8(p.Type))
	switch {
	case p.Type.IsClientRequest():
		p.encodeRequest(e)
		if p.Request != nil {
			e.PutBytes(p.Request.Signature)
		}
	case p.Type == PayloadDeposit && p.Deposit != nil:
		d := p.Deposit
		e.PutString(d.Provider)
		e.PutAddress(d.Account)
		e.PutString(d.Asset)
		e.PutInt64(d.Amount)
		e.PutString(d.Cursor)
	case (p.Type == PayloadConstellationInit || p.Type == PayloadConstellationUpdate) && p.Constellation != nil:
		p.Constellation.encode(e)
	case p.Type == PayloadCursorReset && p.CursorReset != nil:
		e.PutString(p.CursorReset.Provider)
		e.PutString(p.CursorReset.Cursor)
	case p.Type == PayloadCleanup && p.Cleanup != nil:
		e.PutString(p.Cleanup.Market)
	}
}

func (p *Payload) encodeRequest(e *Encoder) {
	e.PutUint8(uint8(p.Type))
	r := p.Request
	if r == nil {
		return
	}
	e.PutAddress(r.Account)
	e.PutUint64(r.Nonce)
	if o := r.Order; o != nil {
		e.PutString(o.Market)
		e.PutUint8(uint8(o.Side))
		e.PutDecimal(o.Price)
		e.PutInt64(o.Amount)
		e.PutUint8(uint8(o.TimeInForce))
	}
	if c := r.Cancel; c != nil {
		e.PutUint64(c.OrderID)
	}
	if w := r.Withdrawal; w != nil {
		e.PutString(w.Asset)
		e.PutInt64(w.Amount)
		e.PutString(w.Destination)
	}
}
