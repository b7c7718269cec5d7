package account

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

// AccountManager holds all accounts. Mutations come from the single ledger
// writer; the lock exists for concurrent readers such as the API.
type AccountManager struct {
	mu       sync.RWMutex
	accounts map[common.Address]*Account
}

func NewAccountManager() *AccountManager {
	return &AccountManager{
		accounts: make(map[common.Address]*Account),
	}
}

// Exists reports whether addr has an account.
func (am *AccountManager) Exists(addr common.Address) bool {
	am.mu.RLock()
	defer am.mu.RUnlock()
	_, ok := am.accounts[addr]
	return ok
}

// GetAccount returns a copy of the account, or nil if it doesn't exist.
func (am *AccountManager) GetAccount(addr common.Address) *Account {
	am.mu.RLock()
	defer am.mu.RUnlock()
	acc := am.accounts[addr]
	if acc == nil {
		return nil
	}
	return acc.Clone()
}

// Nonce returns the last accepted nonce of addr.
func (am *AccountManager) Nonce(addr common.Address) (uint64, bool) {
	am.mu.RLock()
	defer am.mu.RUnlock()
	acc := am.accounts[addr]
	if acc == nil {
		return 0, false
	}
	return acc.Nonce, true
}

// Available returns the spendable amount of asset for addr.
func (am *AccountManager) Available(addr common.Address, asset string) int64 {
	am.mu.RLock()
	defer am.mu.RUnlock()
	acc := am.accounts[addr]
	if acc == nil {
		return 0
	}
	return acc.Available(asset)
}

// CanCredit reports whether amount can be added to the asset balance of addr
// without leaving the amount range.
func (am *AccountManager) CanCredit(addr common.Address, asset string, amount int64) bool {
	am.mu.RLock()
	defer am.mu.RUnlock()
	var cur int64
	if acc := am.accounts[addr]; acc != nil {
		if b := acc.Balances[asset]; b != nil {
			cur = b.Amount
		}
	}
	_, err := quantum.AddAmounts(cur, amount)
	return err == nil
}

// CreateAccount registers a new account with zero balances.
func (am *AccountManager) CreateAccount(addr common.Address) error {
	am.mu.Lock()
	defer am.mu.Unlock()
	if _, exists := am.accounts[addr]; exists {
		return fmt.Errorf("account %s already exists", addr.Hex())
	}
	am.accounts[addr] = NewAccount(addr)
	return nil
}

// SetNonce records the last accepted nonce.
func (am *AccountManager) SetNonce(addr common.Address, nonce uint64) error {
	am.mu.Lock()
	defer am.mu.Unlock()
	acc, err := am.get(addr)
	if err != nil {
		return err
	}
	if nonce <= acc.Nonce {
		return fmt.Errorf("nonce %d not above current %d for %s", nonce, acc.Nonce, addr.Hex())
	}
	acc.Nonce = nonce
	return nil
}

// UpdateBalance adds delta to the balance of asset. The balance may not drop
// below zero or below its liabilities.
func (am *AccountManager) UpdateBalance(addr common.Address, asset string, delta int64) error {
	am.mu.Lock()
	defer am.mu.Unlock()
	acc, err := am.get(addr)
	if err != nil {
		return err
	}
	b := acc.getOrCreateBalance(asset)
	next, err := quantum.AddAmounts(b.Amount, delta)
	if err != nil {
		return fmt.Errorf("%s balance of %s: %w", asset, addr.Hex(), err)
	}
	if next < 0 {
		return fmt.Errorf("%s balance of %s would become negative: %d%+d", asset, addr.Hex(), b.Amount, delta)
	}
	if next < b.Liabilities {
		return fmt.Errorf("%s balance of %s would drop below liabilities: %d < %d", asset, addr.Hex(), next, b.Liabilities)
	}
	b.Amount = next
	return nil
}

// UpdateLiabilities adds delta to the locked amount of asset.
func (am *AccountManager) UpdateLiabilities(addr common.Address, asset string, delta int64) error {
	am.mu.Lock()
	defer am.mu.Unlock()
	acc, err := am.get(addr)
	if err != nil {
		return err
	}
	b := acc.getOrCreateBalance(asset)
	next, err := quantum.AddAmounts(b.Liabilities, delta)
	if err != nil {
		return fmt.Errorf("%s liabilities of %s: %w", asset, addr.Hex(), err)
	}
	if next < 0 {
		return fmt.Errorf("%s liabilities of %s would become negative: %d%+d", asset, addr.Hex(), b.Liabilities, delta)
	}
	if next > b.Amount {
		return fmt.Errorf("%s liabilities of %s would exceed balance: %d > %d", asset, addr.Hex(), next, b.Amount)
	}
	b.Liabilities = next
	return nil
}

func (am *AccountManager) get(addr common.Address) (*Account, error) {
	acc := am.accounts[addr]
	if acc == nil {
		return nil, fmt.Errorf("account %s not found", addr.Hex())
	}
	return acc, nil
}

func (am *AccountManager) Count() int {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return len(am.accounts)
}

// Snapshot returns deep copies of every account ordered by address.
func (am *AccountManager) Snapshot() []*Account {
	am.mu.RLock()
	defer am.mu.RUnlock()
	out := make([]*Account, 0, len(am.accounts))
	for _, acc := range am.accounts {
		out = append(out, acc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}

// Restore replaces all accounts.
func (am *AccountManager) Restore(accounts []*Account) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.accounts = make(map[common.Address]*Account, len(accounts))
	for _, acc := range accounts {
		am.accounts[acc.Address] = acc.Clone()
	}
}
