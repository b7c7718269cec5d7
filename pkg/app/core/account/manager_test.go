package account

import (
	"errors"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

var alice = common.HexToAddress("0xa11ce")

func TestBalanceAndLiabilities(t *testing.T) {
	am := NewAccountManager()
	if err := am.CreateAccount(alice); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := am.CreateAccount(alice); err == nil {
		t.Fatalf("duplicate account accepted")
	}

	if err := am.UpdateBalance(alice, "USD", 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := am.UpdateLiabilities(alice, "USD", 60); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if got := am.Available(alice, "USD"); got != 40 {
		t.Errorf("available = %d, want 40", got)
	}

	// balance may not drop below liabilities
	if err := am.UpdateBalance(alice, "USD", -50); err == nil {
		t.Errorf("balance dropped below liabilities")
	}
	if err := am.UpdateLiabilities(alice, "USD", 50); err == nil {
		t.Errorf("liabilities exceeded balance")
	}
	if err := am.UpdateLiabilities(alice, "USD", -70); err == nil {
		t.Errorf("liabilities became negative")
	}

	acc := am.GetAccount(alice)
	if err := acc.Validate(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestNonceMustIncrease(t *testing.T) {
	am := NewAccountManager()
	_ = am.CreateAccount(alice)
	if err := am.SetNonce(alice, 1); err != nil {
		t.Fatalf("set nonce: %v", err)
	}
	if err := am.SetNonce(alice, 1); err == nil {
		t.Fatalf("repeated nonce accepted")
	}
	if n, _ := am.Nonce(alice); n != 1 {
		t.Fatalf("nonce = %d, want 1", n)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	am := NewAccountManager()
	_ = am.CreateAccount(alice)
	_ = am.UpdateBalance(alice, "BTC", 5)

	snap := am.Snapshot()
	snap[0].Balances["BTC"].Amount = 999

	if got := am.Available(alice, "BTC"); got != 5 {
		t.Fatalf("snapshot mutation leaked into manager: %d", got)
	}

	other := NewAccountManager()
	other.Restore(am.Snapshot())
	if got := other.Available(alice, "BTC"); got != 5 {
		t.Fatalf("restored available = %d, want 5", got)
	}
}

func TestUpdatesRejectOverflow(t *testing.T) {
	am := NewAccountManager()
	_ = am.CreateAccount(alice)
	if err := am.UpdateBalance(alice, "USD", math.MaxInt64-10); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !am.CanCredit(alice, "USD", 10) || am.CanCredit(alice, "USD", 11) {
		t.Errorf("CanCredit disagrees with the remaining headroom of 10")
	}
	if !am.CanCredit(common.HexToAddress("0xb0b"), "USD", math.MaxInt64) {
		t.Errorf("unknown account starts from a zero balance")
	}

	err := am.UpdateBalance(alice, "USD", 11)
	if !errors.Is(err, quantum.ErrAmountOverflow) {
		t.Fatalf("overflowing deposit: err = %v", err)
	}
	if got := am.Available(alice, "USD"); got != math.MaxInt64-10 {
		t.Fatalf("failed update changed the balance to %d", got)
	}
	if err := am.UpdateLiabilities(alice, "USD", 1); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := am.UpdateLiabilities(alice, "USD", math.MaxInt64); !errors.Is(err, quantum.ErrAmountOverflow) {
		t.Fatalf("liabilities overflow: err = %v", err)
	}
}
