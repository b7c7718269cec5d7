package market

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

// MarketStatus represents the trading state of a market
type MarketStatus int8

const (
	Active MarketStatus = iota
	Paused
)

func (s MarketStatus) String() string {
	switch s {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// Market trades one asset against the constellation quote asset. The symbol
// is the base asset code; ID is the registration index and is part of every
// order id, so it must be assigned in the same order on every node.
type Market struct {
	ID             uint16
	Symbol         string
	BaseAsset      string
	QuoteAsset     string
	Status         MarketStatus
	MinOrderAmount int64
}

// ValidateOrder checks the static constraints of an order for this market.
func (m *Market) ValidateOrder(price decimal.Decimal, amount int64) error {
	if m.Status != Active {
		return fmt.Errorf("market %s is %s", m.Symbol, m.Status)
	}
	if !price.IsPositive() {
		return fmt.Errorf("price must be positive, got %s", price)
	}
	if amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", amount)
	}
	if amount < m.MinOrderAmount {
		return fmt.Errorf("amount %d below market minimum %d", amount, m.MinOrderAmount)
	}
	// amount*ceil(price) bounds every quote value derived from the order
	if _, err := quantum.ToAmount(price.Ceil().Mul(decimal.NewFromInt(amount))); err != nil {
		return fmt.Errorf("order value %s x %d: %w", price, amount, err)
	}
	return nil
}
