package orderbook

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

type PriceLevel struct {
	Price  decimal.Decimal
	Amount int64 // total amount at this price level
	Count  int
}

// Orderbook is one side of one market: a doubly linked list of orders with
// the best price at Head and FIFO order among equal prices.
type Orderbook struct {
	Market string
	Side   quantum.Side

	Head *Order
	Tail *Order

	Count       int
	TotalAmount int64
	Volume      int64 // sum of QuoteAmount over resting orders
}

func NewOrderbook(market string, side quantum.Side) *Orderbook {
	return &Orderbook{Market: market, Side: side}
}

// better reports whether price a has strict priority over b on this side.
func (ob *Orderbook) better(a, b decimal.Decimal) bool {
	if ob.Side == quantum.Buy {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// InsertOrder scans from Head and links o before the first order with a
// worse price, so it queues behind every order at its own price.
func (ob *Orderbook) InsertOrder(o *Order) {
	o.Prev, o.Next = nil, nil

	cur := ob.Head
	for cur != nil && !ob.better(o.Price, cur.Price) {
		cur = cur.Next
	}

	if cur == nil {
		o.Prev = ob.Tail
		if ob.Tail != nil {
			ob.Tail.Next = o
		} else {
			ob.Head = o
		}
		ob.Tail = o
	} else {
		o.Next = cur
		o.Prev = cur.Prev
		if cur.Prev != nil {
			cur.Prev.Next = o
		} else {
			ob.Head = o
		}
		cur.Prev = o
	}

	ob.Count++
	ob.TotalAmount += o.Amount
	ob.Volume += o.QuoteAmount
}

// RemoveOrder unlinks o and updates the aggregates.
func (ob *Orderbook) RemoveOrder(o *Order) {
	if o.Prev != nil {
		o.Prev.Next = o.Next
	} else {
		ob.Head = o.Next
	}
	if o.Next != nil {
		o.Next.Prev = o.Prev
	} else {
		ob.Tail = o.Prev
	}
	o.Prev, o.Next = nil, nil

	ob.Count--
	ob.TotalAmount -= o.Amount
	ob.Volume -= o.QuoteAmount
}

// reduce shrinks a resting order in place after a partial fill.
func (ob *Orderbook) reduce(o *Order, amount, quoteAmount int64) {
	o.Amount -= amount
	o.QuoteAmount -= quoteAmount
	ob.TotalAmount -= amount
	ob.Volume -= quoteAmount
}

// Best returns the order at Head, or nil.
func (ob *Orderbook) Best() *Order { return ob.Head }

// Orders returns link-free copies from Head to Tail.
func (ob *Orderbook) Orders() []Order {
	out := make([]Order, 0, ob.Count)
	for o := ob.Head; o != nil; o = o.Next {
		out = append(out, o.Record())
	}
	return out
}

// Levels aggregates orders by price, best first. depth <= 0 returns all levels.
func (ob *Orderbook) Levels(depth int) []PriceLevel {
	var levels []PriceLevel
	for o := ob.Head; o != nil; o = o.Next {
		n := len(levels)
		if n > 0 && levels[n-1].Price.Equal(o.Price) {
			levels[n-1].Amount += o.Amount
			levels[n-1].Count++
			continue
		}
		if depth > 0 && n == depth {
			break
		}
		levels = append(levels, PriceLevel{Price: o.Price, Amount: o.Amount, Count: 1})
	}
	return levels
}

// crosses reports whether a taker on takerSide with limit price accepts a
// resting order at counterPrice.
func crosses(takerSide quantum.Side, limit, counterPrice decimal.Decimal) bool {
	if takerSide == quantum.Buy {
		return counterPrice.LessThanOrEqual(limit)
	}
	return counterPrice.GreaterThanOrEqual(limit)
}
