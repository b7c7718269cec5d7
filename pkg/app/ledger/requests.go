package ledger

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/quantaledger/pkg/app/core/effects"
	"github.com/uhyunpark/quantaledger/pkg/app/core/market"
	"github.com/uhyunpark/quantaledger/pkg/app/core/orderbook"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

// validateRequest covers what every client request needs: an initialized
// constellation, an existing account and a fresh nonce.
func validateRequest(ctx *Context, r *quantum.Request) error {
	if !ctx.Initialized() {
		return quantum.Errorf(quantum.StatusInvalidState, "constellation is not initialized")
	}
	nonce, ok := ctx.Accounts.Nonce(r.Account)
	if !ok {
		return quantum.Errorf(quantum.StatusUnauthorized, "account %s not found", r.Account.Hex())
	}
	if r.Nonce <= nonce {
		return quantum.Errorf(quantum.StatusBadRequest, "nonce %d is not above %d", r.Nonce, nonce)
	}
	return nil
}

type orderProcessor struct{}

func (orderProcessor) Type() quantum.PayloadType { return quantum.PayloadOrder }

func (orderProcessor) Validate(ctx *Context, q *quantum.Quantum) error {
	r := q.Payload.Request
	if err := validateRequest(ctx, r); err != nil {
		return err
	}
	o := r.Order
	if !o.Side.Valid() {
		return quantum.Errorf(quantum.StatusBadRequest, "invalid side %d", o.Side)
	}
	if o.TimeInForce != quantum.GoodTillExpire && o.TimeInForce != quantum.ImmediateOrCancel {
		return quantum.Errorf(quantum.StatusBadRequest, "invalid time in force %d", o.TimeInForce)
	}
	m, err := ctx.Markets.GetMarket(o.Market)
	if err != nil {
		return quantum.Errorf(quantum.StatusBadRequest, "%v", err)
	}
	if err := m.ValidateOrder(o.Price, o.Amount); err != nil {
		return quantum.Errorf(quantum.StatusBadRequest, "%v", err)
	}

	p, err := ctx.Exchange.Preview(o.Market, o.Side, o.Price, o.Amount, o.TimeInForce)
	if err != nil {
		return quantum.Errorf(quantum.StatusBadRequest, "%v", err)
	}
	if o.Side == quantum.Sell {
		if avail := ctx.Accounts.Available(r.Account, m.BaseAsset); avail < o.Amount {
			return quantum.Errorf(quantum.StatusBadRequest, "insufficient %s: available %d, need %d", m.BaseAsset, avail, o.Amount)
		}
	} else {
		need, err := p.Cost()
		if err != nil {
			return quantum.Errorf(quantum.StatusBadRequest, "%v", err)
		}
		if avail := ctx.Accounts.Available(r.Account, m.QuoteAsset); avail < need {
			return quantum.Errorf(quantum.StatusBadRequest, "insufficient %s: available %d, need %d", m.QuoteAsset, avail, need)
		}
	}
	return checkCredits(ctx, r.Account, o.Side, m, p)
}

type creditKey struct {
	account common.Address
	asset   string
}

// checkCredits rejects an order whose fills would push a balance of the
// taker or of any maker out of the amount range.
func checkCredits(ctx *Context, taker common.Address, side quantum.Side, m *market.Market, p *orderbook.Preview) error {
	totals := make(map[creditKey]int64)
	var keys []creditKey
	credit := func(account common.Address, asset string, amount int64) error {
		k := creditKey{account, asset}
		cur, seen := totals[k]
		if !seen {
			keys = append(keys, k)
		}
		sum, err := quantum.AddAmounts(cur, amount)
		if err != nil {
			return err
		}
		totals[k] = sum
		return nil
	}

	for _, f := range p.Fills {
		var err error
		if side == quantum.Buy {
			err = credit(f.Maker, m.QuoteAsset, f.QuoteAmount)
		} else {
			err = credit(f.Maker, m.BaseAsset, f.Amount)
		}
		if err != nil {
			return quantum.Errorf(quantum.StatusBadRequest, "%v", err)
		}
	}
	if p.Filled > 0 {
		var err error
		if side == quantum.Buy {
			err = credit(taker, m.BaseAsset, p.Filled)
		} else {
			err = credit(taker, m.QuoteAsset, p.QuoteAmount)
		}
		if err != nil {
			return quantum.Errorf(quantum.StatusBadRequest, "%v", err)
		}
	}

	for _, k := range keys {
		if !ctx.Accounts.CanCredit(k.account, k.asset, totals[k]) {
			return quantum.Errorf(quantum.StatusBadRequest, "%s balance of %s would overflow", k.asset, k.account.Hex())
		}
	}
	return nil
}

func (orderProcessor) Process(ctx *Context, q *quantum.Quantum, c *effects.Container) error {
	r := q.Payload.Request
	o := r.Order
	if err := c.AddNonceUpdate(r.Account, r.Nonce); err != nil {
		return err
	}
	m, err := ctx.Markets.GetMarket(o.Market)
	if err != nil {
		return err
	}
	_, err = ctx.Exchange.Match(&orderbook.MatchRequest{
		OrderID:     orderbook.EncodeOrderID(q.Apex, m.ID, o.Side),
		Account:     r.Account,
		Market:      o.Market,
		Side:        o.Side,
		Price:       o.Price,
		Amount:      o.Amount,
		TimeInForce: o.TimeInForce,
		Apex:        q.Apex,
	}, c)
	return err
}

type cancelOrderProcessor struct{}

func (cancelOrderProcessor) Type() quantum.PayloadType { return quantum.PayloadCancelOrder }

func (cancelOrderProcessor) Validate(ctx *Context, q *quantum.Quantum) error {
	r := q.Payload.Request
	if err := validateRequest(ctx, r); err != nil {
		return err
	}
	o, ok := ctx.Exchange.GetOrder(r.Cancel.OrderID)
	if !ok {
		return quantum.Errorf(quantum.StatusBadRequest, "order %d not found", r.Cancel.OrderID)
	}
	if o.Account != r.Account {
		return quantum.Errorf(quantum.StatusUnauthorized, "order %d belongs to another account", o.ID)
	}
	return nil
}

func (cancelOrderProcessor) Process(ctx *Context, q *quantum.Quantum, c *effects.Container) error {
	r := q.Payload.Request
	if err := c.AddNonceUpdate(r.Account, r.Nonce); err != nil {
		return err
	}
	return ctx.Exchange.CancelOrder(r.Cancel.OrderID, r.Account, c)
}

type withdrawalProcessor struct{}

func (withdrawalProcessor) Type() quantum.PayloadType { return quantum.PayloadWithdrawal }

func (withdrawalProcessor) Validate(ctx *Context, q *quantum.Quantum) error {
	r := q.Payload.Request
	if err := validateRequest(ctx, r); err != nil {
		return err
	}
	w := r.Withdrawal
	if !ctx.Settings().HasAsset(w.Asset) {
		return quantum.Errorf(quantum.StatusBadRequest, "unknown asset %s", w.Asset)
	}
	if w.Amount <= 0 {
		return quantum.Errorf(quantum.StatusBadRequest, "withdrawal amount must be positive")
	}
	if w.Destination == "" {
		return quantum.Errorf(quantum.StatusBadRequest, "withdrawal destination is empty")
	}
	if avail := ctx.Accounts.Available(r.Account, w.Asset); avail < w.Amount {
		return quantum.Errorf(quantum.StatusBadRequest, "insufficient %s: available %d, need %d", w.Asset, avail, w.Amount)
	}
	return nil
}

func (withdrawalProcessor) Process(ctx *Context, q *quantum.Quantum, c *effects.Container) error {
	r := q.Payload.Request
	w := r.Withdrawal
	if err := c.AddNonceUpdate(r.Account, r.Nonce); err != nil {
		return err
	}
	if err := c.AddBalanceUpdate(r.Account, w.Asset, -w.Amount); err != nil {
		return err
	}
	c.AddWithdrawal(r.Account, w.Asset, w.Amount, w.Destination)
	return nil
}

type accountCreateProcessor struct{}

func (accountCreateProcessor) Type() quantum.PayloadType { return quantum.PayloadAccountCreate }

func (accountCreateProcessor) Validate(ctx *Context, q *quantum.Quantum) error {
	r := q.Payload.Request
	if !ctx.Initialized() {
		return quantum.Errorf(quantum.StatusInvalidState, "constellation is not initialized")
	}
	if ctx.Accounts.Exists(r.Account) {
		return quantum.Errorf(quantum.StatusBadRequest, "account %s already exists", r.Account.Hex())
	}
	if r.Nonce == 0 {
		return quantum.Errorf(quantum.StatusBadRequest, "nonce must be positive")
	}
	return nil
}

func (accountCreateProcessor) Process(ctx *Context, q *quantum.Quantum, c *effects.Container) error {
	r := q.Payload.Request
	if err := c.AddAccountCreate(r.Account); err != nil {
		return err
	}
	return c.AddNonceUpdate(r.Account, r.Nonce)
}
