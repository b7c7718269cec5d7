package orderbook

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/quantaledger/pkg/app/core/effects"
	"github.com/uhyunpark/quantaledger/pkg/app/core/market"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

// MatchRequest is an incoming order after validation.
type MatchRequest struct {
	OrderID     uint64
	Account     common.Address
	Market      string
	Side        quantum.Side
	Price       decimal.Decimal
	Amount      int64
	TimeInForce quantum.TimeInForce
	Apex        quantum.Apex
}

// Trade is one fill between the incoming order and a resting order.
type Trade struct {
	Market       string
	TakerOrderID uint64
	MakerOrderID uint64
	Taker        common.Address
	Maker        common.Address
	TakerSide    quantum.Side
	Price        decimal.Decimal
	Amount       int64
	QuoteAmount  int64
}

type marketBooks struct {
	bids *Orderbook
	asks *Orderbook
}

func (mb *marketBooks) side(s quantum.Side) *Orderbook {
	if s == quantum.Buy {
		return mb.bids
	}
	return mb.asks
}

// Exchange owns every book and the order index. Matching runs on the single
// ledger writer; the lock only guards concurrent readers.
type Exchange struct {
	mu      sync.RWMutex
	markets *market.MarketRegistry
	books   map[string]*marketBooks
	orders  map[uint64]*Order
}

func NewExchange(markets *market.MarketRegistry) *Exchange {
	return &Exchange{
		markets: markets,
		books:   make(map[string]*marketBooks),
		orders:  make(map[uint64]*Order),
	}
}

func (e *Exchange) marketBooks(symbol string) *marketBooks {
	mb := e.books[symbol]
	if mb == nil {
		mb = &marketBooks{
			bids: NewOrderbook(symbol, quantum.Buy),
			asks: NewOrderbook(symbol, quantum.Sell),
		}
		e.books[symbol] = mb
	}
	return mb
}

// Book returns the book for (market, side). The returned value must only be
// read by the ledger writer; other goroutines use Levels or Orders.
func (e *Exchange) Book(symbol string, side quantum.Side) *Orderbook {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.marketBooks(symbol).side(side)
}

// GetOrder returns a copy of a resting order.
func (e *Exchange) GetOrder(id uint64) (Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[id]
	if !ok {
		return Order{}, false
	}
	return o.Record(), true
}

func (e *Exchange) OrderCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.orders)
}

// Levels returns aggregated price levels for one side of a market.
func (e *Exchange) Levels(symbol string, side quantum.Side, depth int) []PriceLevel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mb := e.books[symbol]
	if mb == nil {
		return nil
	}
	return mb.side(side).Levels(depth)
}

// Fill is one prospective match against a resting order.
type Fill struct {
	Maker       common.Address
	Amount      int64
	QuoteAmount int64
}

// Preview is what Match would do with an order, computed without touching
// the books.
type Preview struct {
	Fills       []Fill
	Filled      int64 // base amount traded
	QuoteAmount int64 // quote amount traded
	Rest        int64 // base amount left resting
	RestLock    int64 // liability of the resting remainder, in its locked asset
}

// Cost returns the quote a buy spends on fills plus what its remainder locks.
func (p *Preview) Cost() (int64, error) {
	return quantum.AddAmounts(p.QuoteAmount, p.RestLock)
}

// Preview walks the opposite book the way Match does. It fails when any
// total of the order, or of the book it would rest in, leaves the amount range.
func (e *Exchange) Preview(symbol string, side quantum.Side, price decimal.Decimal, amount int64, tif quantum.TimeInForce) (*Preview, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p := &Preview{}
	remaining := amount
	mb := e.books[symbol]
	if mb != nil {
		for o := mb.side(side.Opposite()).Head; o != nil && remaining > 0; o = o.Next {
			if !crosses(side, price, o.Price) {
				break
			}
			fill := min(remaining, o.Amount)
			quote, err := QuoteAmount(o.Price, fill)
			if err != nil {
				return nil, err
			}
			if p.QuoteAmount, err = quantum.AddAmounts(p.QuoteAmount, quote); err != nil {
				return nil, err
			}
			p.Fills = append(p.Fills, Fill{Maker: o.Account, Amount: fill, QuoteAmount: quote})
			p.Filled += fill
			remaining -= fill
		}
	}
	if remaining == 0 || tif != quantum.GoodTillExpire {
		return p, nil
	}

	p.Rest = remaining
	var volume int64
	var err error
	if side == quantum.Buy {
		if volume, err = BuyLock(price, remaining); err != nil {
			return nil, err
		}
		p.RestLock = volume
	} else {
		if volume, err = QuoteAmount(price, remaining); err != nil {
			return nil, err
		}
		p.RestLock = remaining
	}
	if mb != nil {
		book := mb.side(side)
		if _, err := quantum.AddAmounts(book.TotalAmount, remaining); err != nil {
			return nil, fmt.Errorf("%s book amount: %w", symbol, err)
		}
		if _, err := quantum.AddAmounts(book.Volume, volume); err != nil {
			return nil, fmt.Errorf("%s book volume: %w", symbol, err)
		}
	}
	return p, nil
}

// Match executes req against the opposite book. Every balance and liability
// change is recorded in c. An error here means state and books disagree.
func (e *Exchange) Match(req *MatchRequest, c *effects.Container) ([]Trade, error) {
	m, err := e.markets.GetMarket(req.Market)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, dup := e.orders[req.OrderID]; dup {
		return nil, fmt.Errorf("order %d already exists", req.OrderID)
	}

	mb := e.marketBooks(req.Market)
	counterBook := mb.side(req.Side.Opposite())

	var trades []Trade
	remaining := req.Amount
	for remaining > 0 {
		counter := counterBook.Head
		if counter == nil || !crosses(req.Side, req.Price, counter.Price) {
			break
		}

		fill := min(remaining, counter.Amount)
		quote, err := QuoteAmount(counter.Price, fill)
		if err != nil {
			return nil, err
		}

		if err := e.settle(m, req, counter, fill, quote, c); err != nil {
			return nil, err
		}

		trades = append(trades, Trade{
			Market:       req.Market,
			TakerOrderID: req.OrderID,
			MakerOrderID: counter.ID,
			Taker:        req.Account,
			Maker:        counter.Account,
			TakerSide:    req.Side,
			Price:        counter.Price,
			Amount:       fill,
			QuoteAmount:  quote,
		})
		c.AddTrade(req.Account, req.OrderID, counter.ID, req.Market, req.Side, counter.Price, fill, quote)
		c.AddTrade(counter.Account, counter.ID, req.OrderID, req.Market, counter.Side, counter.Price, fill, quote)

		remaining -= fill
		if fill == counter.Amount {
			if err := e.removeFilled(m, counterBook, counter, quote, c); err != nil {
				return nil, err
			}
		} else {
			quoteReduction := quote
			if counter.Side == quantum.Sell {
				left, err := QuoteAmount(counter.Price, counter.Amount-fill)
				if err != nil {
					return nil, err
				}
				quoteReduction = counter.QuoteAmount - left
			}
			counterBook.reduce(counter, fill, quoteReduction)
		}
	}

	if remaining > 0 && req.TimeInForce == quantum.GoodTillExpire {
		if err := e.rest(m, mb.side(req.Side), req, remaining, c); err != nil {
			return nil, err
		}
	}
	return trades, nil
}

// settle moves funds for one fill. Liabilities are released before the
// balance they cover is debited.
func (e *Exchange) settle(m *market.Market, req *MatchRequest, counter *Order, fill, quote int64, c *effects.Container) error {
	base, quoteAsset := m.BaseAsset, m.QuoteAsset
	if req.Side == quantum.Sell {
		// maker bought
		if err := c.AddLiabilitiesUpdate(counter.Account, quoteAsset, -quote); err != nil {
			return err
		}
		if err := c.AddBalanceUpdate(counter.Account, quoteAsset, -quote); err != nil {
			return err
		}
		if err := c.AddBalanceUpdate(counter.Account, base, fill); err != nil {
			return err
		}
		if err := c.AddBalanceUpdate(req.Account, base, -fill); err != nil {
			return err
		}
		return c.AddBalanceUpdate(req.Account, quoteAsset, quote)
	}

	// maker sold
	if err := c.AddLiabilitiesUpdate(counter.Account, base, -fill); err != nil {
		return err
	}
	if err := c.AddBalanceUpdate(counter.Account, base, -fill); err != nil {
		return err
	}
	if err := c.AddBalanceUpdate(counter.Account, quoteAsset, quote); err != nil {
		return err
	}
	if err := c.AddBalanceUpdate(req.Account, quoteAsset, -quote); err != nil {
		return err
	}
	return c.AddBalanceUpdate(req.Account, base, fill)
}

func (e *Exchange) removeFilled(m *market.Market, book *Orderbook, o *Order, paid int64, c *effects.Container) error {
	book.RemoveOrder(o)
	delete(e.orders, o.ID)
	if o.Side == quantum.Buy {
		// whatever the last fill did not consume stays locked otherwise
		if leftover := o.QuoteAmount - paid; leftover > 0 {
			if err := c.AddLiabilitiesUpdate(o.Account, m.QuoteAsset, -leftover); err != nil {
				return err
			}
		}
	}
	c.AddOrderRemoved(o.Account, o.ID, o.Market, o.Side, o.Price)
	return nil
}

func (e *Exchange) rest(m *market.Market, book *Orderbook, req *MatchRequest, remaining int64, c *effects.Container) error {
	o := &Order{
		ID:      req.OrderID,
		Account: req.Account,
		Market:  req.Market,
		Side:    req.Side,
		Price:   req.Price,
		Amount:  remaining,
		Apex:    req.Apex,
	}
	var err error
	if o.Side == quantum.Buy {
		o.QuoteAmount, err = BuyLock(o.Price, remaining)
	} else {
		o.QuoteAmount, err = QuoteAmount(o.Price, remaining)
	}
	if err != nil {
		return err
	}
	if o.Side == quantum.Buy {
		if err := c.AddLiabilitiesUpdate(o.Account, m.QuoteAsset, o.QuoteAmount); err != nil {
			return err
		}
	} else {
		if err := c.AddLiabilitiesUpdate(o.Account, m.BaseAsset, o.Amount); err != nil {
			return err
		}
	}
	book.InsertOrder(o)
	e.orders[o.ID] = o
	c.AddOrderPlaced(o.Account, o.ID, o.Market, o.Side, o.Price, o.Amount, o.QuoteAmount)
	return nil
}

// CancelOrder removes a resting order owned by account and releases its liabilities.
func (e *Exchange) CancelOrder(id uint64, owner common.Address, c *effects.Container) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("order %d not found", id)
	}
	if o.Account != owner {
		return fmt.Errorf("order %d is not owned by %s", id, owner.Hex())
	}
	return e.cancel(o, c)
}

func (e *Exchange) cancel(o *Order, c *effects.Container) error {
	m, err := e.markets.GetMarket(o.Market)
	if err != nil {
		return err
	}
	book := e.marketBooks(o.Market).side(o.Side)
	book.RemoveOrder(o)
	delete(e.orders, o.ID)

	if o.Side == quantum.Buy {
		err = c.AddLiabilitiesUpdate(o.Account, m.QuoteAsset, -o.QuoteAmount)
	} else {
		err = c.AddLiabilitiesUpdate(o.Account, m.BaseAsset, -o.Amount)
	}
	if err != nil {
		return err
	}
	c.AddOrderRemoved(o.Account, o.ID, o.Market, o.Side, o.Price)
	return nil
}

// RemoveMarketOrders cancels every resting order of a market and returns
// how many were removed.
func (e *Exchange) RemoveMarketOrders(symbol string, c *effects.Container) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	mb := e.books[symbol]
	if mb == nil {
		return 0, nil
	}
	removed := 0
	for _, book := range []*Orderbook{mb.bids, mb.asks} {
		for book.Head != nil {
			if err := e.cancel(book.Head, c); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// Orders returns every resting order, grouped by market symbol, bids before
// asks, each book from Head to Tail. Restore accepts the same layout.
func (e *Exchange) Orders() []Order {
	e.mu.RLock()
	defer e.mu.RUnlock()

	symbols := make([]string, 0, len(e.books))
	for s := range e.books {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	out := make([]Order, 0, len(e.orders))
	for _, s := range symbols {
		mb := e.books[s]
		out = append(out, mb.bids.Orders()...)
		out = append(out, mb.asks.Orders()...)
	}
	return out
}

// Restore replaces all books with the given orders, keeping their relative order.
func (e *Exchange) Restore(orders []Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.books = make(map[string]*marketBooks)
	e.orders = make(map[uint64]*Order, len(orders))
	for i := range orders {
		o := orders[i].Record()
		if o.Amount <= 0 {
			return fmt.Errorf("order %d has non-positive amount %d", o.ID, o.Amount)
		}
		if _, dup := e.orders[o.ID]; dup {
			return fmt.Errorf("duplicate order %d", o.ID)
		}
		e.marketBooks(o.Market).side(o.Side).InsertOrder(&o)
		e.orders[o.ID] = &o
	}
	return nil
}
