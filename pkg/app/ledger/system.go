package ledger

import (
	"github.com/uhyunpark/quantaledger/pkg/app/core/effects"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

type depositProcessor struct{}

func (depositProcessor) Type() quantum.PayloadType { return quantum.PayloadDeposit }

func (depositProcessor) Validate(ctx *Context, q *quantum.Quantum) error {
	d := q.Payload.Deposit
	s := ctx.Settings()
	if s == nil {
		return quantum.Errorf(quantum.StatusInvalidState, "constellation is not initialized")
	}
	if !s.HasProvider(d.Provider) {
		return quantum.Errorf(quantum.StatusUnauthorized, "unknown provider %q", d.Provider)
	}
	if !s.HasAsset(d.Asset) {
		return quantum.Errorf(quantum.StatusBadRequest, "unknown asset %s", d.Asset)
	}
	if d.Amount <= 0 {
		return quantum.Errorf(quantum.StatusBadRequest, "deposit amount must be positive")
	}
	if !ctx.Accounts.CanCredit(d.Account, d.Asset, d.Amount) {
		return quantum.Errorf(quantum.StatusBadRequest, "%s balance of %s would overflow", d.Asset, d.Account.Hex())
	}
	return nil
}

func (depositProcessor) Process(ctx *Context, q *quantum.Quantum, c *effects.Container) error {
	d := q.Payload.Deposit
	if !ctx.Accounts.Exists(d.Account) {
		if err := c.AddAccountCreate(d.Account); err != nil {
			return err
		}
	}
	if err := c.AddBalanceUpdate(d.Account, d.Asset, d.Amount); err != nil {
		return err
	}
	if d.Cursor != "" {
		ctx.setCursor(d.Provider, d.Cursor)
		c.AddCursorUpdate(d.Provider, d.Cursor)
	}
	return nil
}

type constellationInitProcessor struct{}

func (constellationInitProcessor) Type() quantum.PayloadType {
	return quantum.PayloadConstellationInit
}

func (constellationInitProcessor) Validate(ctx *Context, q *quantum.Quantum) error {
	if ctx.Initialized() {
		return quantum.Errorf(quantum.StatusInvalidState, "constellation already initialized")
	}
	if q.Apex != 0 && q.Apex != 1 {
		return quantum.Errorf(quantum.StatusInvalidState, "init must be the first quantum, got apex %d", q.Apex)
	}
	return q.Payload.Constellation.Validate()
}

func (constellationInitProcessor) Process(ctx *Context, q *quantum.Quantum, c *effects.Container) error {
	s := q.Payload.Constellation
	if err := ctx.applySettings(s); err != nil {
		return err
	}
	c.AddSettingsUpdate(s.String())
	return nil
}

type constellationUpdateProcessor struct{}

func (constellationUpdateProcessor) Type() quantum.PayloadType {
	return quantum.PayloadConstellationUpdate
}

func (constellationUpdateProcessor) Validate(ctx *Context, q *quantum.Quantum) error {
	cur := ctx.Settings()
	if cur == nil {
		return quantum.Errorf(quantum.StatusInvalidState, "constellation is not initialized")
	}
	next := q.Payload.Constellation
	if err := next.Validate(); err != nil {
		return err
	}
	if next.QuoteAsset != cur.QuoteAsset {
		return quantum.Errorf(quantum.StatusBadRequest, "quote asset cannot change from %s", cur.QuoteAsset)
	}
	return nil
}

func (constellationUpdateProcessor) Process(ctx *Context, q *quantum.Quantum, c *effects.Container) error {
	s := q.Payload.Constellation
	if err := ctx.applySettings(s); err != nil {
		return err
	}
	c.AddSettingsUpdate(s.String())
	return nil
}

type cursorResetProcessor struct{}

func (cursorResetProcessor) Type() quantum.PayloadType { return quantum.PayloadCursorReset }

func (cursorResetProcessor) Validate(ctx *Context, q *quantum.Quantum) error {
	s := ctx.Settings()
	if s == nil {
		return quantum.Errorf(quantum.StatusInvalidState, "constellation is not initialized")
	}
	if !s.HasProvider(q.Payload.CursorReset.Provider) {
		return quantum.Errorf(quantum.StatusBadRequest, "unknown provider %q", q.Payload.CursorReset.Provider)
	}
	return nil
}

func (cursorResetProcessor) Process(ctx *Context, q *quantum.Quantum, c *effects.Container) error {
	r := q.Payload.CursorReset
	ctx.setCursor(r.Provider, r.Cursor)
	c.AddCursorUpdate(r.Provider, r.Cursor)
	return nil
}

type cleanupProcessor struct{}

func (cleanupProcessor) Type() quantum.PayloadType { return quantum.PayloadCleanup }

func (cleanupProcessor) Validate(ctx *Context, q *quantum.Quantum) error {
	if !ctx.Initialized() {
		return quantum.Errorf(quantum.StatusInvalidState, "constellation is not initialized")
	}
	if !ctx.Markets.Exists(q.Payload.Cleanup.Market) {
		return quantum.Errorf(quantum.StatusBadRequest, "market %s not found", q.Payload.Cleanup.Market)
	}
	return nil
}

func (cleanupProcessor) Process(ctx *Context, q *quantum.Quantum, c *effects.Container) error {
	n, err := ctx.Exchange.RemoveMarketOrders(q.Payload.Cleanup.Market, c)
	if err != nil {
		return err
	}
	ctx.log.Infow("market_cleanup", "market", q.Payload.Cleanup.Market, "orders", n, "apex", q.Apex)
	return nil
}
