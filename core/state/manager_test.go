package state

import (
	"errors"
	"math/big"
	"testing"

	"synthmargin/crypto"
	"synthmargin/native/margin"
	"synthmargin/storage"
)

func TestKeyFormats(t *testing.T) {
	if got := string(paramKey("margin.interestRateBps")); got != "params/margin.interestRateBps" {
		t.Fatalf("unexpected param key: %s", got)
	}
	posKey := marginPositionKey(" btc ", []byte{0x01, 0x02})
	expected := append([]byte("margin/position/BTC/"), 0x01, 0x02)
	if string(posKey) != string(expected) {
		t.Fatalf("unexpected position key: %x", posKey)
	}
	if got := string(marginAccountsKey("eth")); got != "margin/accounts/ETH" {
		t.Fatalf("unexpected accounts key: %s", got)
	}
}

func TestRevertRestoresSnapshot(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	if err := manager.KVPut([]byte("a"), uint64(1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	snap := manager.Snapshot()
	if err := manager.KVPut([]byte("a"), uint64(2)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := manager.KVPut([]byte("b"), uint64(3)); err != nil {
		t.Fatalf("put: %v", err)
	}
	manager.Revert(snap)

	var value uint64
	ok, err := manager.KVGet([]byte("a"), &value)
	if err != nil || !ok || value != 1 {
		t.Fatalf("expected reverted value 1, got %d ok=%v err=%v", value, ok, err)
	}
	if ok, _ := manager.KVGet([]byte("b"), nil); ok {
		t.Fatalf("expected key b to be reverted")
	}
	if manager.Pending() != 1 {
		t.Fatalf("unexpected pending count: %d", manager.Pending())
	}
}

func TestAtomicCommitsOrRollsBack(t *testing.T) {
	db := storage.NewMemDB()
	manager := NewManager(db)
	boom := errors.New("boom")

	err := manager.Atomic(func() error {
		if err := manager.KVPut([]byte("kept"), "yes"); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}
	if manager.Pending() != 0 || db.Len() != 1 {
		t.Fatalf("expected committed write, pending=%d db=%d", manager.Pending(), db.Len())
	}

	err = manager.Atomic(func() error {
		if err := manager.KVPut([]byte("dropped"), "no"); err != nil {
			return err
		}
		if err := manager.KVDelete([]byte("kept")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if manager.Pending() != 0 || db.Len() != 1 {
		t.Fatalf("expected rollback, pending=%d db=%d", manager.Pending(), db.Len())
	}
	var value string
	if ok, err := manager.KVGet([]byte("kept"), &value); err != nil || !ok || value != "yes" {
		t.Fatalf("kept value lost: %q ok=%v err=%v", value, ok, err)
	}
	if ok, _ := manager.KVGet([]byte("dropped"), nil); ok {
		t.Fatalf("rolled back write visible")
	}
}

func TestCommitAppliesDeletes(t *testing.T) {
	db := storage.NewMemDB()
	manager := NewManager(db)
	if err := manager.KVPut([]byte("k"), uint64(7)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := manager.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := manager.KVDelete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := manager.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if db.Len() != 0 {
		t.Fatalf("expected delete to reach database, len=%d", db.Len())
	}
}

func TestKVAppendDeduplicates(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	key := []byte("list")
	for _, v := range [][]byte{{0x01}, {0x02}, {0x01}} {
		if err := manager.KVAppend(key, v); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	var list [][]byte
	if err := manager.KVGetList(key, &list); err != nil {
		t.Fatalf("get list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 unique entries, got %d", len(list))
	}
	var empty [][]byte
	if err := manager.KVGetList([]byte("missing"), &empty); err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty list, got %v err=%v", empty, err)
	}
}

func TestParamStoreRoundTrip(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	if err := manager.ParamStoreSet("margin.liquidationFeeBps", []byte("500")); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, ok, err := manager.ParamStoreGet("margin.liquidationFeeBps")
	if err != nil || !ok || string(value) != "500" {
		t.Fatalf("unexpected param: %q ok=%v err=%v", value, ok, err)
	}
	if _, ok, err := manager.ParamStoreGet("missing"); err != nil || ok {
		t.Fatalf("expected missing param, ok=%v err=%v", ok, err)
	}
	if err := manager.ParamStoreSet("", nil); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestPositionLedgerPersistsAndIndexes(t *testing.T) {
	db := storage.NewMemDB()
	manager := NewManager(db)
	ledger := NewPositionLedger(manager, "btc")
	raw := make([]byte, crypto.AddressLength)
	raw[0] = 0x07
	addr := crypto.MustNewAddress(crypto.AccountPrefix, raw)

	missing, err := ledger.Position(addr)
	if err != nil || missing != nil {
		t.Fatalf("expected nil position, got %+v err=%v", missing, err)
	}

	position := &margin.Position{
		Collateral:          big.NewInt(50),
		Loan:                big.NewInt(450),
		EntryPrice:          big.NewInt(2),
		EntryTimestamp:      100,
		ExpirationTimestamp: 100 + margin.FixedTerm,
	}
	if err := manager.Atomic(func() error { return ledger.SetPosition(addr, position) }); err != nil {
		t.Fatalf("set position: %v", err)
	}

	reopened := NewPositionLedger(NewManager(db), "BTC")
	loaded, err := reopened.Position(addr)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if loaded.Collateral.Cmp(position.Collateral) != 0 || loaded.Loan.Cmp(position.Loan) != 0 ||
		loaded.ExpirationTimestamp != position.ExpirationTimestamp {
		t.Fatalf("unexpected loaded position: %+v", loaded)
	}

	closed := margin.ZeroPosition()
	if err := manager.Atomic(func() error { return ledger.SetPosition(addr, closed) }); err != nil {
		t.Fatalf("close position: %v", err)
	}
	zeroed, err := ledger.Position(addr)
	if err != nil || zeroed == nil {
		t.Fatalf("closed position should stay as a zeroed entry, got %+v err=%v", zeroed, err)
	}
	if zeroed.IsOpen() || zeroed.Loan.Sign() != 0 || zeroed.EntryPrice.Sign() != 0 || zeroed.ExpirationTimestamp != 0 {
		t.Fatalf("closed position not zeroed: %+v", zeroed)
	}
	var stored storedPosition
	ok, err := NewManager(db).KVGet(marginPositionKey("BTC", addr.Bytes()), &stored)
	if err != nil || !ok {
		t.Fatalf("zeroed entry missing from committed state: ok=%v err=%v", ok, err)
	}
	accounts, err := ledger.Accounts()
	if err != nil {
		t.Fatalf("accounts: %v", err)
	}
	if len(accounts) != 1 || !accounts[0].Equal(addr) {
		t.Fatalf("unexpected account index: %v", accounts)
	}
}
