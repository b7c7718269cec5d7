package effects

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/quantaledger/pkg/app/core/account"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
)

func TestContainerAppliesAndRecords(t *testing.T) {
	am := account.NewAccountManager()
	addr := common.HexToAddress("0xbeef")
	c := NewContainer(7, am)

	if err := c.AddAccountCreate(addr); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.AddBalanceUpdate(addr, "USD", 50); err != nil {
		t.Fatalf("balance: %v", err)
	}
	if err := c.AddLiabilitiesUpdate(addr, "USD", 20); err != nil {
		t.Fatalf("liabilities: %v", err)
	}
	if err := c.AddBalanceUpdate(addr, "USD", 0); err != nil {
		t.Fatalf("zero delta: %v", err)
	}

	if got := am.Available(addr, "USD"); got != 30 {
		t.Errorf("available = %d, want 30", got)
	}
	effects := c.Effects()
	if len(effects) != 3 {
		t.Fatalf("recorded %d effects, want 3 (zero deltas are skipped)", len(effects))
	}
	for _, e := range effects {
		if e.Apex != 7 {
			t.Errorf("effect %s has apex %d, want 7", e.Type, e.Apex)
		}
	}
	if effects[1].Type != quantum.EffectBalanceUpdate || effects[1].Amount != 50 {
		t.Errorf("unexpected effect %+v", effects[1])
	}
}

func TestContainerRejectsOverdraft(t *testing.T) {
	am := account.NewAccountManager()
	addr := common.HexToAddress("0xbeef")
	c := NewContainer(1, am)
	_ = c.AddAccountCreate(addr)

	if err := c.AddBalanceUpdate(addr, "USD", -1); err == nil {
		t.Fatalf("overdraft accepted")
	}
	if c.Len() != 1 {
		t.Fatalf("failed mutation was recorded")
	}
}
