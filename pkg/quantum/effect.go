package quantum

import (
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type EffectType uint8

const (
	EffectAccountCreate EffectType = iota + 1
	EffectNonceUpdate
	EffectBalanceUpdate
	EffectLiabilitiesUpdate
	EffectOrderPlaced
	EffectOrderRemoved
	EffectTrade
	EffectWithdrawal
	EffectSettingsUpdate
	EffectCursorUpdate
)

func (t EffectType) String() string {
	switch t {
	case EffectAccountCreate:
		return "account_create"
	case EffectNonceUpdate:
		return "nonce_update"
	case EffectBalanceUpdate:
		return "balance_update"
	case EffectLiabilitiesUpdate:
		return "liabilities_update"
	case EffectOrderPlaced:
		return "order_placed"
	case EffectOrderRemoved:
		return "order_removed"
	case EffectTrade:
		return "trade"
	case EffectWithdrawal:
		return "withdrawal"
	case EffectSettingsUpdate:
		return "settings_update"
	case EffectCursorUpdate:
		return "cursor_update"
	default:
		return "unknown"
	}
}

// Effect records one state mutation caused by a quantum. Which fields are
// meaningful depends on Type; Amount is a signed delta for balance and
// liabilities updates.
type Effect struct {
	Type           EffectType
	Apex           Apex
	Account        common.Address
	Asset          string
	Amount         int64
	QuoteAmount    int64
	Price          decimal.Decimal
	OrderID        uint64
	CounterOrderID uint64
	Side           Side
	Nonce          uint64
	Reference      string
}

func (ef *Effect) encode(e *Encoder) {
	e.PutUint8(uint8(ef.Type))
	e.PutUint64(uint64(ef.Apex))
	e.PutAddress(ef.Account)
	e.PutString(ef.Asset)
	e.PutInt64(ef.Amount)
	e.PutInt64(ef.QuoteAmount)
	e.PutDecimal(ef.Price)
	e.PutUint64(ef.OrderID)
	e.PutUint64(ef.CounterOrderID)
	e.PutUint8(uint8(ef.Side))
	e.PutUint64(ef.Nonce)
	e.PutString(ef.Reference)
}

// HashEffects digests an ordered effect list. Equal lists on two nodes mean
// the quantum was executed identically.
func HashEffects(effects []Effect) Hash {
	var e Encoder
	e.PutUint64(uint64(len(effects)))
	for i := range effects {
		effects[i].encode(&e)
	}
	return sha256.Sum256(e.Bytes())
}
