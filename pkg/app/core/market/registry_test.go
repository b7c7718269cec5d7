package market

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRegisterAssignsSequentialIDs(t *testing.T) {
	mr := NewMarketRegistry()
	for i, sym := range []string{"BTC", "ETH", "SOL"} {
		m, err := mr.RegisterMarket(sym, "USD", 1)
		if err != nil {
			t.Fatalf("register %s: %v", sym, err)
		}
		if int(m.ID) != i {
			t.Errorf("%s id = %d, want %d", sym, m.ID, i)
		}
	}
	if _, err := mr.RegisterMarket("BTC", "USD", 1); err == nil {
		t.Fatalf("duplicate symbol accepted")
	}

	list := mr.ListMarkets()
	if len(list) != 3 || list[0].Symbol != "BTC" || list[2].Symbol != "SOL" {
		t.Fatalf("unexpected listing %+v", list)
	}
}

func TestRestoreKeepsIDs(t *testing.T) {
	mr := NewMarketRegistry()
	if err := mr.Restore(Market{ID: 4, Symbol: "ETH", BaseAsset: "ETH", QuoteAsset: "USD"}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	m, err := mr.RegisterMarket("BTC", "USD", 0)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if m.ID != 5 {
		t.Fatalf("next id = %d, want 5", m.ID)
	}
}

func TestValidateOrder(t *testing.T) {
	m := &Market{Symbol: "BTC", Status: Active, MinOrderAmount: 2}
	tests := []struct {
		name    string
		price   string
		amount  int64
		wantErr bool
	}{
		{"ok", "10.5", 2, false},
		{"zero price", "0", 2, true},
		{"negative amount", "1", -1, true},
		{"below minimum", "1", 1, true},
		{"value out of range", "10000000000000000000", 2, true},
		{"worst case fill out of range", "4611686018427387903.5", 2, true},
		{"largest value", "4611686018427387903", 2, false},
	}
	for _, tc := range tests {
		err := m.ValidateOrder(decimal.RequireFromString(tc.price), tc.amount)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}

	m.Status = Paused
	if err := m.ValidateOrder(decimal.NewFromInt(1), 5); err == nil {
		t.Errorf("paused market accepted order")
	}
}
