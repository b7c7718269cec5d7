// Package ledger holds the execution context shared by every processor and
// the processors themselves. One Context exists per node; nothing in the
// ledger is global.
package ledger

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/quantaledger/pkg/app/core/account"
	"github.com/uhyunpark/quantaledger/pkg/app/core/market"
	"github.com/uhyunpark/quantaledger/pkg/app/core/orderbook"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
	"github.com/uhyunpark/quantaledger/pkg/util"
)

type Context struct {
	log      *zap.SugaredLogger
	Accounts *account.AccountManager
	Markets  *market.MarketRegistry
	Exchange *orderbook.Exchange

	mu       sync.RWMutex
	settings *quantum.ConstellationSettings
	cursors  map[string]string
}

func NewContext(log *zap.SugaredLogger) *Context {
	markets := market.NewMarketRegistry()
	return &Context{
		log:      util.OrNop(log),
		Accounts: account.NewAccountManager(),
		Markets:  markets,
		Exchange: orderbook.NewExchange(markets),
		cursors:  make(map[string]string),
	}
}

// Settings returns a copy of the constellation settings, nil before init.
func (c *Context) Settings() *quantum.ConstellationSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings.Clone()
}

func (c *Context) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings != nil
}

// Cursor returns the last deposit cursor recorded for a payment provider.
func (c *Context) Cursor(provider string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cursors[provider]
}

func (c *Context) setCursor(provider, cursor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[provider] = cursor
}

// applySettings installs s and brings the market registry in line with it:
// new assets get markets in listing order, dropped assets are paused.
func (c *Context) applySettings(s *quantum.ConstellationSettings) error {
	listed := make(map[string]struct{}, len(s.Assets))
	for _, asset := range s.Assets {
		listed[asset] = struct{}{}
		if !c.Markets.Exists(asset) {
			if _, err := c.Markets.RegisterMarket(asset, s.QuoteAsset, s.MinOrderAmount); err != nil {
				return err
			}
			continue
		}
		if err := c.Markets.UpdateMarketStatus(asset, market.Active); err != nil {
			return err
		}
	}
	for _, m := range c.Markets.ListMarkets() {
		if _, ok := listed[m.Symbol]; !ok && m.Status == market.Active {
			if err := c.Markets.UpdateMarketStatus(m.Symbol, market.Paused); err != nil {
				return err
			}
			c.log.Infow("market_paused", "market", m.Symbol)
		}
	}
	c.Markets.SetMinOrderAmount(s.MinOrderAmount)

	c.mu.Lock()
	c.settings = s.Clone()
	c.mu.Unlock()
	return nil
}

func (c *Context) sortedCursors() []ProviderCursor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ProviderCursor, 0, len(c.cursors))
	for p, cur := range c.cursors {
		out = append(out, ProviderCursor{Provider: p, Cursor: cur})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
