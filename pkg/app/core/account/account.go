package account

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Balance tracks one asset of an account. Liabilities are the part of Amount
// locked by resting orders.
type Balance struct {
	Asset       string
	Amount      int64
	Liabilities int64
}

// Available returns the amount not locked by open orders.
func (b *Balance) Available() int64 {
	return b.Amount - b.Liabilities
}

// Account represents a client account with an EVM-compatible address.
type Account struct {
	Address  common.Address // EVM 20-byte address (0x...)
	Nonce    uint64         // last accepted request nonce
	Balances map[string]*Balance
}

func NewAccount(addr common.Address) *Account {
	return &Account{
		Address:  addr,
		Balances: make(map[string]*Balance),
	}
}

// Balance returns the balance for asset, or nil if the account never held it.
func (a *Account) Balance(asset string) *Balance {
	return a.Balances[asset]
}

// Available returns the spendable amount of asset.
func (a *Account) Available(asset string) int64 {
	if b := a.Balances[asset]; b != nil {
		return b.Available()
	}
	return 0
}

func (a *Account) getOrCreateBalance(asset string) *Balance {
	b := a.Balances[asset]
	if b == nil {
		b = &Balance{Asset: asset}
		a.Balances[asset] = b
	}
	return b
}

// SortedBalances returns balance copies ordered by asset code.
func (a *Account) SortedBalances() []Balance {
	out := make([]Balance, 0, len(a.Balances))
	for _, b := range a.Balances {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	c := &Account{Address: a.Address, Nonce: a.Nonce, Balances: make(map[string]*Balance, len(a.Balances))}
	for k, b := range a.Balances {
		bc := *b
		c.Balances[k] = &bc
	}
	return c
}

// Validate checks account invariants
func (a *Account) Validate() error {
	for asset, b := range a.Balances {
		if b.Amount < 0 {
			return fmt.Errorf("negative %s balance: %d", asset, b.Amount)
		}
		if b.Liabilities < 0 {
			return fmt.Errorf("negative %s liabilities: %d", asset, b.Liabilities)
		}
		if b.Liabilities > b.Amount {
			return fmt.Errorf("%s liabilities (%d) exceed balance (%d)", asset, b.Liabilities, b.Amount)
		}
	}
	return nil
}
