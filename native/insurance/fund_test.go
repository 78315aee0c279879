package insurance

import (
	"math/big"
	"testing"

	"synthmargin/core/state"
	"synthmargin/crypto"
	"synthmargin/native/bank"
	"synthmargin/storage"
)

func testAddress(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = b
	return crypto.MustNewAddress(crypto.AccountPrefix, raw)
}

func newTestFund(t *testing.T, seed int64) (*Fund, *bank.Ledger) {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	ledger := bank.NewLedger(manager)
	depositor := testAddress(9)
	if err := ledger.Credit(depositor, big.NewInt(seed)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	fund := NewFund(manager, ledger, crypto.ModuleAddress("insurance"))
	if seed > 0 {
		if err := fund.Deposit(depositor, big.NewInt(seed)); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	return fund, ledger
}

func TestCoverPaysFullDeficit(t *testing.T) {
	fund, ledger := newTestFund(t, 100)
	beneficiary := testAddress(1)
	covered, err := fund.Cover("btc", big.NewInt(30), beneficiary)
	if err != nil {
		t.Fatalf("cover: %v", err)
	}
	if covered.Int64() != 30 {
		t.Fatalf("unexpected coverage: %s", covered)
	}
	got, _ := ledger.Balance(beneficiary)
	remaining, _ := fund.Balance()
	if got.Int64() != 30 || remaining.Int64() != 70 {
		t.Fatalf("unexpected balances beneficiary=%s fund=%s", got, remaining)
	}
	total, _ := fund.Covered("BTC")
	if total.Int64() != 30 {
		t.Fatalf("unexpected cumulative coverage: %s", total)
	}
}

func TestCoverCapsAtBalance(t *testing.T) {
	fund, _ := newTestFund(t, 40)
	covered, err := fund.Cover("eth", big.NewInt(100), testAddress(2))
	if err != nil {
		t.Fatalf("cover: %v", err)
	}
	if covered.Int64() != 40 {
		t.Fatalf("expected coverage capped at 40, got %s", covered)
	}
	covered, err = fund.Cover("eth", big.NewInt(5), testAddress(2))
	if err != nil || covered.Sign() != 0 {
		t.Fatalf("empty fund must cover nothing: %v %v", covered, err)
	}
}

func TestUnconfiguredFund(t *testing.T) {
	var fund *Fund
	if _, err := fund.Cover("btc", big.NewInt(1), testAddress(1)); err == nil {
		t.Fatalf("expected error for nil fund")
	}
}
