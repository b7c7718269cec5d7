// Package effects records every state mutation a quantum causes. Balance,
// liability, nonce and account mutations are applied to the account manager
// at the moment they are recorded, so the effect list always matches state.
package effects

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/quantaledger/pkg/app/core/account"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

type Container struct {
	apex     quantum.Apex
	accounts *account.AccountManager
	effects  []quantum.Effect
}

func NewContainer(apex quantum.Apex, accounts *account.AccountManager) *Container {
	return &Container{apex: apex, accounts: accounts}
}

func (c *Container) Apex() quantum.Apex { return c.apex }

// Effects returns the recorded effects in order.
func (c *Container) Effects() []quantum.Effect { return c.effects }

func (c *Container) Len() int { return len(c.effects) }

func (c *Container) add(e quantum.Effect) {
	e.Apex = c.apex
	c.effects = append(c.effects, e)
}

func (c *Container) AddAccountCreate(addr common.Address) error {
	if err := c.accounts.CreateAccount(addr); err != nil {
		return fmt.Errorf("account create: %w", err)
	}
	c.add(quantum.Effect{Type: quantum.EffectAccountCreate, Account: addr})
	return nil
}

func (c *Container) AddNonceUpdate(addr common.Address, nonce uint64) error {
	if err := c.accounts.SetNonce(addr, nonce); err != nil {
		return fmt.Errorf("nonce update: %w", err)
	}
	c.add(quantum.Effect{Type: quantum.EffectNonceUpdate, Account: addr, Nonce: nonce})
	return nil
}

func (c *Container) AddBalanceUpdate(addr common.Address, asset string, delta int64) error {
	if delta == 0 {
		return nil
	}
	if err := c.accounts.UpdateBalance(addr, asset, delta); err != nil {
		return fmt.Errorf("balance update: %w", err)
	}
	c.add(quantum.Effect{Type: quantum.EffectBalanceUpdate, Account: addr, Asset: asset, Amount: delta})
	return nil
}

func (c *Container) AddLiabilitiesUpdate(addr common.Address, asset string, delta int64) error {
	if delta == 0 {
		return nil
	}
	if err := c.accounts.UpdateLiabilities(addr, asset, delta); err != nil {
		return fmt.Errorf("liabilities update: %w", err)
	}
	c.add(quantum.Effect{Type: quantum.EffectLiabilitiesUpdate, Account: addr, Asset: asset, Amount: delta})
	return nil
}

// AddOrderPlaced records an order that came to rest on the book.
func (c *Container) AddOrderPlaced(addr common.Address, orderID uint64, market string, side quantum.Side, price decimal.Decimal, amount, quoteAmount int64) {
	c.add(quantum.Effect{
		Type:        quantum.EffectOrderPlaced,
		Account:     addr,
		Asset:       market,
		OrderID:     orderID,
		Side:        side,
		Price:       price,
		Amount:      amount,
		QuoteAmount: quoteAmount,
	})
}

// AddOrderRemoved records an order leaving the book, filled or cancelled.
func (c *Container) AddOrderRemoved(addr common.Address, orderID uint64, market string, side quantum.Side, price decimal.Decimal) {
	c.add(quantum.Effect{
		Type:    quantum.EffectOrderRemoved,
		Account: addr,
		Asset:   market,
		OrderID: orderID,
		Side:    side,
		Price:   price,
	})
}

// AddTrade records one side of a fill.
func (c *Container) AddTrade(addr common.Address, orderID, counterOrderID uint64, market string, side quantum.Side, price decimal.Decimal, amount, quoteAmount int64) {
	c.add(quantum.Effect{
		Type:           quantum.EffectTrade,
		Account:        addr,
		Asset:          market,
		OrderID:        orderID,
		CounterOrderID: counterOrderID,
		Side:           side,
		Price:          price,
		Amount:         amount,
		QuoteAmount:    quoteAmount,
	})
}

func (c *Container) AddWithdrawal(addr common.Address, asset string, amount int64, destination string) {
	c.add(quantum.Effect{Type: quantum.EffectWithdrawal, Account: addr, Asset: asset, Amount: amount, Reference: destination})
}

func (c *Container) AddSettingsUpdate(summary string) {
	c.add(quantum.Effect{Type: quantum.EffectSettingsUpdate, Reference: summary})
}

func (c *Container) AddCursorUpdate(provider, cursor string) {
	c.add(quantum.Effect{Type: quantum.EffectCursorUpdate, Asset: provider, Reference: cursor})
}
