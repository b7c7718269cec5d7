package orderbook

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

// Order is a resting limit order. Prev and Next link it into its book.
type Order struct {
	ID      uint64
	Account common.Address
	Market  string
	Side    quantum.Side
	Price   decimal.Decimal
	Amount  int64 // remaining base amount, always > 0 while resting
	// QuoteAmount is ceil(Price*Amount) for sells. For buys it is the quote
	// liability still locked, never less than Amount*ceil(Price).
	QuoteAmount int64
	Apex        quantum.Apex

	Prev *Order
	Next *Order
}

func (o *Order) String() string {
	return fmt.Sprintf("%d:%s %s %d@%s", o.ID, o.Market, o.Side, o.Amount, o.Price)
}

// Record returns a copy without the book links.
func (o *Order) Record() Order {
	c := *o
	c.Prev, c.Next = nil, nil
	return c
}

// EncodeOrderID derives the order id from the apex of the quantum that
// placed it, the market id and the side, so every node computes the same id.
func EncodeOrderID(apex quantum.Apex, marketID uint16, side quantum.Side) uint64 {
	var sideBit uint64
	if side == quantum.Sell {
		sideBit = 1
	}
	return uint64(apex)<<16 | uint64(marketID&0x7fff)<<1 | sideBit
}

func DecodeOrderID(id uint64) (quantum.Apex, uint16, quantum.Side) {
	side := quantum.Buy
	if id&1 == 1 {
		side = quantum.Sell
	}
	return quantum.Apex(id >> 16), uint16(id>>1) & 0x7fff, side
}

// QuoteAmount returns ceil(price * amount).
func QuoteAmount(price decimal.Decimal, amount int64) (int64, error) {
	return quantum.ToAmount(price.Mul(decimal.NewFromInt(amount)).Ceil())
}

// BuyLock returns the quote a resting buy of amount locks. Every fill is
// charged ceil(price*fill) and fills of one unit are the most expensive
// split, so amount*ceil(price) covers any sequence of fills.
func BuyLock(price decimal.Decimal, amount int64) (int64, error) {
	return quantum.ToAmount(price.Ceil().Mul(decimal.NewFromInt(amount)))
}
