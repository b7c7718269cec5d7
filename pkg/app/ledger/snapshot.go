package ledger

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/quantaledger/pkg/app/core/account"
	"github.com/uhyunpark/quantaledger/pkg/app/core/market"
	"github.com/uhyunpark/quantaledger/pkg/app/core/orderbook"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

type ProviderCursor struct {
	Provider string
	Cursor   string
}

// Snapshot is the complete ledger state right after the quantum at Apex.
type Snapshot struct {
	Apex     quantum.Apex
	LastHash quantum.Hash
	Settings *quantum.ConstellationSettings
	Markets  []market.Market
	Accounts []*account.Account
	Orders   []orderbook.Order
	Cursors  []ProviderCursor
}

// Snapshot captures the current state. The caller must hold the ledger
// writer so the state matches apex.
func (c *Context) Snapshot(apex quantum.Apex, lastHash quantum.Hash) *Snapshot {
	return &Snapshot{
		Apex:     apex,
		LastHash: lastHash,
		Settings: c.Settings(),
		Markets:  c.Markets.ListMarkets(),
		Accounts: c.Accounts.Snapshot(),
		Orders:   c.Exchange.Orders(),
		Cursors:  c.sortedCursors(),
	}
}

// Restore replaces the whole state with s.
func (c *Context) Restore(s *Snapshot) error {
	c.Markets.Reset()
	for _, m := range s.Markets {
		if err := c.Markets.Restore(m); err != nil {
			return fmt.Errorf("restore markets: %w", err)
		}
	}
	c.Accounts.Restore(s.Accounts)
	if err := c.Exchange.Restore(s.Orders); err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s.Settings.Clone()
	c.cursors = make(map[string]string, len(s.Cursors))
	for _, pc := range s.Cursors {
		c.cursors[pc.Provider] = pc.Cursor
	}
	return nil
}

// Hash is the SHA3-256 digest of the canonical snapshot encoding. Nodes that
// executed the same log up to Apex produce the same hash.
func (s *Snapshot) Hash() quantum.Hash {
	var e quantum.Encoder
	e.PutUint64(uint64(s.Apex))
	e.PutHash(s.LastHash)
	e.PutBool(s.Settings != nil)
	if s.Settings != nil {
		s.Settings.Encode(&e)
	}
	e.PutUint64(uint64(len(s.Markets)))
	for _, m := range s.Markets {
		e.PutUint16(m.ID)
		e.PutString(m.Symbol)
		e.PutString(m.QuoteAsset)
		e.PutUint8(uint8(m.Status))
		e.PutInt64(m.MinOrderAmount)
	}
	e.PutUint64(uint64(len(s.Accounts)))
	for _, a := range s.Accounts {
		e.PutAddress(a.Address)
		e.PutUint64(a.Nonce)
		balances := a.SortedBalances()
		e.PutUint64(uint64(len(balances)))
		for _, b := range balances {
			e.PutString(b.Asset)
			e.PutInt64(b.Amount)
			e.PutInt64(b.Liabilities)
		}
	}
	e.PutUint64(uint64(len(s.Orders)))
	for _, o := range s.Orders {
		e.PutUint64(o.ID)
		e.PutAddress(o.Account)
		e.PutString(o.Market)
		e.PutUint8(uint8(o.Side))
		e.PutDecimal(o.Price)
		e.PutInt64(o.Amount)
		e.PutInt64(o.QuoteAmount)
		e.PutUint64(uint64(o.Apex))
	}
	e.PutUint64(uint64(len(s.Cursors)))
	for _, pc := range s.Cursors {
		e.PutString(pc.Provider)
		e.PutString(pc.Cursor)
	}
	return quantum.Hash(sha3.Sum256(e.Bytes()))
}

func (s *Snapshot) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}
