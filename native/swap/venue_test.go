package swap

import (
	"errors"
	"math/big"
	"testing"

	"synthmargin/core/state"
	"synthmargin/crypto"
	"synthmargin/native/bank"
	"synthmargin/native/margin"
	"synthmargin/native/params"
	"synthmargin/storage"
)

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), margin.PriceScale)
}

type venueFixture struct {
	manager *state.Manager
	bank    *bank.Ledger
	oracle  *StaticOracle
	venue   *Venue
	engine  *margin.Engine
	user    crypto.Address
}

func newVenueFixture(t *testing.T, poolSeed, userSeed int64) *venueFixture {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	ledger := bank.NewLedger(manager)
	oracle := NewStaticOracle(manager)
	store := params.NewStore(manager)
	pool := crypto.ModuleAddress("pool")
	raw := make([]byte, crypto.AddressLength)
	raw[0] = 0x11
	user := crypto.MustNewAddress(crypto.AccountPrefix, raw)

	err := manager.Atomic(func() error {
		if err := store.SetAssets([]string{"BTC"}); err != nil {
			return err
		}
		if err := store.SetValue(margin.ParamLiquidationFeeBps, big.NewInt(500)); err != nil {
			return err
		}
		if err := oracle.SetPrice("BTC", tokens(2)); err != nil {
			return err
		}
		if err := ledger.Credit(pool, tokens(poolSeed)); err != nil {
			return err
		}
		return ledger.Credit(user, tokens(userSeed))
	})
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	venue := NewVenue(manager, ledger, oracle, pool)
	engine := margin.NewEngine("BTC", state.NewPositionLedger(manager, "BTC"), store, oracle, venue)
	engine.SetTransactor(manager)
	return &venueFixture{manager: manager, bank: ledger, oracle: oracle, venue: venue, engine: engine, user: user}
}

func (f *venueFixture) balance(t *testing.T, addr crypto.Address) *big.Int {
	t.Helper()
	b, err := f.bank.Balance(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func TestVenueOpenAndCloseSettlesBalances(t *testing.T) {
	f := newVenueFixture(t, 10_000, 1_000)
	if _, err := f.engine.Open(f.user, tokens(100), tokens(900)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := f.balance(t, f.user); got.Cmp(tokens(900)) != 0 {
		t.Fatalf("collateral not debited: %s", got)
	}
	supply, _ := f.venue.Supply("BTC")
	borrow, _ := f.venue.OpenBorrow("BTC")
	if supply.Cmp(tokens(500)) != 0 || borrow.Cmp(tokens(900)) != 0 {
		t.Fatalf("unexpected venue accounting supply=%s borrow=%s", supply, borrow)
	}
	available, _ := f.venue.Available()
	if available.Cmp(tokens(10_100-900)) != 0 {
		t.Fatalf("unexpected available liquidity: %s", available)
	}

	received, err := f.engine.Close(f.user)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if received.Cmp(tokens(100)) != 0 {
		t.Fatalf("unexpected proceeds: %s", received)
	}
	if got := f.balance(t, f.user); got.Cmp(tokens(1_000)) != 0 {
		t.Fatalf("user balance not restored: %s", got)
	}
	supply, _ = f.venue.Supply("BTC")
	borrow, _ = f.venue.OpenBorrow("BTC")
	if supply.Sign() != 0 || borrow.Sign() != 0 {
		t.Fatalf("venue accounting not released supply=%s borrow=%s", supply, borrow)
	}
}

func TestVenueRejectsBorrowBeyondLiquidity(t *testing.T) {
	f := newVenueFixture(t, 500, 1_000)
	_, err := f.engine.Open(f.user, tokens(100), tokens(900))
	if !errors.Is(err, margin.ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
	if got := f.balance(t, f.user); got.Cmp(tokens(1_000)) != 0 {
		t.Fatalf("user debited on failed open: %s", got)
	}
	position, err := f.engine.PositionInfo(f.user)
	if err != nil || position.IsOpen() {
		t.Fatalf("expected closed position, got %+v err=%v", position, err)
	}
}

func TestVenueFailedPayoutRollsBackClose(t *testing.T) {
	f := newVenueFixture(t, 1_000, 1_000)
	if _, err := f.engine.Open(f.user, tokens(100), tokens(900)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.manager.Atomic(func() error { return f.oracle.SetPrice("BTC", tokens(2_000)) }); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if _, err := f.engine.Close(f.user); !errors.Is(err, margin.ErrInsufficientLiquidity) {
		t.Fatalf("expected pool payout failure, got %v", err)
	}
	position, err := f.engine.PositionInfo(f.user)
	if err != nil || !position.IsOpen() {
		t.Fatalf("position must survive failed close: %+v err=%v", position, err)
	}
	supply, _ := f.venue.Supply("BTC")
	if supply.Cmp(tokens(500)) != 0 {
		t.Fatalf("burn not rolled back: %s", supply)
	}
}

func TestVenueBurnBeyondSupplyFails(t *testing.T) {
	f := newVenueFixture(t, 1_000, 0)
	if err := f.venue.PayInterest("BTC", tokens(1)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
	if _, err := f.venue.SwapFromAsset("BTC", big.NewInt(0), big.NewInt(0), big.NewInt(0), f.user); err != nil {
		t.Fatalf("zero-weight swap must succeed: %v", err)
	}
}

func TestVenueLiquidatePaysLiquidator(t *testing.T) {
	f := newVenueFixture(t, 10_000, 1_000)
	if _, err := f.engine.Open(f.user, tokens(100), tokens(900)); err != nil {
		t.Fatalf("open: %v", err)
	}
	// 500 tokens at 1.8: gross 900, user 90, liquidator 4.5.
	price := new(big.Int).Mul(big.NewInt(18), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
	if err := f.manager.Atomic(func() error { return f.oracle.SetPrice("BTC", price) }); err != nil {
		t.Fatalf("set price: %v", err)
	}
	raw := make([]byte, crypto.AddressLength)
	raw[0] = 0x22
	liquidator := crypto.MustNewAddress(crypto.AccountPrefix, raw)
	result, err := f.engine.Liquidate(liquidator, f.user)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if got := f.balance(t, liquidator); got.Cmp(result.LiquidatorShare) != 0 {
		t.Fatalf("liquidator paid %s, expected %s", got, result.LiquidatorShare)
	}
	expectedUser := new(big.Int).Add(tokens(900), result.AmountReturned)
	if got := f.balance(t, f.user); got.Cmp(expectedUser) != 0 {
		t.Fatalf("user balance %s, expected %s", got, expectedUser)
	}
	if result.AmountReturned.Cmp(tokens(90)) != 0 {
		t.Fatalf("unexpected amount returned: %s", result.AmountReturned)
	}
}
