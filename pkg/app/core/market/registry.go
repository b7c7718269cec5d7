package market

import (
	"fmt"
	"sort"
	"sync"
)

// MaxMarkets bounds market ids so they fit the order id layout.
const MaxMarkets = 1 << 15

// MarketRegistry manages markets in a thread-safe manner.
// The ledger writer registers and updates markets; API readers look them up.
type MarketRegistry struct {
	mu      sync.RWMutex
	markets map[string]*Market // symbol -> market
	nextID  uint16
}

func NewMarketRegistry() *MarketRegistry {
	return &MarketRegistry{
		markets: make(map[string]*Market),
	}
}

// RegisterMarket adds a market for base traded against quote and assigns
// the next id. Returns error if the symbol is taken.
func (mr *MarketRegistry) RegisterMarket(base, quote string, minOrderAmount int64) (*Market, error) {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	if _, exists := mr.markets[base]; exists {
		return nil, fmt.Errorf("market %s already registered", base)
	}
	if int(mr.nextID) >= MaxMarkets {
		return nil, fmt.Errorf("market limit %d reached", MaxMarkets)
	}

	m := &Market{
		ID:             mr.nextID,
		Symbol:         base,
		BaseAsset:      base,
		QuoteAsset:     quote,
		Status:         Active,
		MinOrderAmount: minOrderAmount,
	}
	mr.nextID++
	mr.markets[base] = m
	return m, nil
}

// Restore re-inserts a market with its recorded id, used when loading snapshots.
func (mr *MarketRegistry) Restore(m Market) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	if _, exists := mr.markets[m.Symbol]; exists {
		return fmt.Errorf("market %s already registered", m.Symbol)
	}
	c := m
	mr.markets[m.Symbol] = &c
	if m.ID >= mr.nextID {
		mr.nextID = m.ID + 1
	}
	return nil
}

// GetMarket retrieves a market by symbol
func (mr *MarketRegistry) GetMarket(symbol string) (*Market, error) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	m, exists := mr.markets[symbol]
	if !exists {
		return nil, fmt.Errorf("market %s not found", symbol)
	}
	return m, nil
}

// ListMarkets returns copies of all markets ordered by id.
func (mr *MarketRegistry) ListMarkets() []Market {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	markets := make([]Market, 0, len(mr.markets))
	for _, m := range mr.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })
	return markets
}

// UpdateMarketStatus changes the trading status of a market
func (mr *MarketRegistry) UpdateMarketStatus(symbol string, status MarketStatus) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	m, exists := mr.markets[symbol]
	if !exists {
		return fmt.Errorf("market %s not found", symbol)
	}
	m.Status = status
	return nil
}

// SetMinOrderAmount updates the minimum order amount of every market.
func (mr *MarketRegistry) SetMinOrderAmount(amount int64) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	for _, m := range mr.markets {
		m.MinOrderAmount = amount
	}
}

func (mr *MarketRegistry) Count() int {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return len(mr.markets)
}

func (mr *MarketRegistry) Exists(symbol string) bool {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	_, exists := mr.markets[symbol]
	return exists
}

// Reset drops every market.
func (mr *MarketRegistry) Reset() {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.markets = make(map[string]*Market)
	mr.nextID = 0
}
