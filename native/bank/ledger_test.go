package bank

import (
	"errors"
	"math/big"
	"testing"

	"synthmargin/core/state"
	"synthmargin/crypto"
	"synthmargin/storage"
)

func testAddress(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = b
	return crypto.MustNewAddress(crypto.AccountPrefix, raw)
}

func TestCreditDebitTransfer(t *testing.T) {
	manager := state.NewManager(storage.NewMemDB())
	ledger := NewLedger(manager)
	alice, bob := testAddress(1), testAddress(2)

	if err := ledger.Credit(alice, big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := ledger.Transfer(alice, bob, big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	a, _ := ledger.Balance(alice)
	b, _ := ledger.Balance(bob)
	if a.Int64() != 60 || b.Int64() != 40 {
		t.Fatalf("unexpected balances alice=%s bob=%s", a, b)
	}
	if err := ledger.Debit(bob, big.NewInt(41)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if err := ledger.Credit(bob, big.NewInt(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestCreditOverflow(t *testing.T) {
	ledger := NewLedger(state.NewManager(storage.NewMemDB()))
	addr := testAddress(3)
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if err := ledger.Credit(addr, max); err != nil {
		t.Fatalf("credit max: %v", err)
	}
	if err := ledger.Credit(addr, big.NewInt(1)); !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	tooLarge := new(big.Int).Lsh(big.NewInt(1), 256)
	if err := ledger.Credit(testAddress(4), tooLarge); !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("expected overflow for 2^256, got %v", err)
	}
}

func TestTransferRolledBackInsideAtomic(t *testing.T) {
	manager := state.NewManager(storage.NewMemDB())
	ledger := NewLedger(manager)
	alice, bob := testAddress(1), testAddress(2)
	if err := manager.Atomic(func() error { return ledger.Credit(alice, big.NewInt(10)) }); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := manager.Atomic(func() error {
		if err := ledger.Transfer(alice, bob, big.NewInt(10)); err != nil {
			return err
		}
		return ledger.Debit(bob, big.NewInt(11))
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	a, _ := ledger.Balance(alice)
	b, _ := ledger.Balance(bob)
	if a.Int64() != 10 || b.Sign() != 0 {
		t.Fatalf("transfer not rolled back: alice=%s bob=%s", a, b)
	}
}
