package swap

import (
	"errors"
	"fmt"
	"math/big"

	"synthmargin/crypto"
	"synthmargin/native/bank"
	"synthmargin/native/margin"
)

// ErrInsufficientLiquidity is returned when the pool cannot fund a borrow or
// pay out proceeds, or a burn exceeds the outstanding supply.
var ErrInsufficientLiquidity = fmt.Errorf("swap: %w", margin.ErrInsufficientLiquidity)

const (
	supplyPrefix   = "swap/supply/"
	borrowPrefix   = "swap/borrow/"
	interestPrefix = "swap/interest/"
	borrowTotalKey = "swap/borrow-total"
)

// Venue is a synthetic settlement venue. The liquidity pool account is the
// counterparty of every trade: collateral moves into the pool on entry, the
// pool notionally lends the borrowed amount, and proceeds are paid from the
// pool on exit. Target tokens are minted and burned against a per-asset supply.
type Venue struct {
	store  KVStore
	bank   *bank.Ledger
	oracle margin.PriceOracle
	pool   crypto.Address
}

// NewVenue constructs a venue settling through ledger with pool as counterparty.
func NewVenue(store KVStore, ledger *bank.Ledger, oracle margin.PriceOracle, pool crypto.Address) *Venue {
	return &Venue{store: store, bank: ledger, oracle: oracle, pool: pool}
}

// Pool returns the liquidity pool account.
func (v *Venue) Pool() crypto.Address { return v.pool }

func (v *Venue) ready() error {
	if v == nil || v.store == nil || v.bank == nil || v.oracle == nil {
		return fmt.Errorf("swap: venue not configured")
	}
	if v.pool.IsZero() {
		return fmt.Errorf("swap: pool account not configured")
	}
	return nil
}

func (v *Venue) getAmount(key string) (*big.Int, error) {
	var value big.Int
	ok, err := v.store.KVGet([]byte(key), &value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return &value, nil
}

func (v *Venue) putAmount(key string, value *big.Int) error {
	return v.store.KVPut([]byte(key), value)
}

func (v *Venue) addAmount(key string, delta *big.Int) error {
	current, err := v.getAmount(key)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(current, delta)
	if next.Sign() < 0 {
		next.SetInt64(0)
	}
	return v.putAmount(key, next)
}

// Supply returns the outstanding synthetic supply of asset.
func (v *Venue) Supply(asset string) (*big.Int, error) {
	return v.getAmount(supplyPrefix + normaliseSymbol(asset))
}

// OpenBorrow returns the settlement amount currently lent against asset.
func (v *Venue) OpenBorrow(asset string) (*big.Int, error) {
	return v.getAmount(borrowPrefix + normaliseSymbol(asset))
}

// InterestCollected returns the target tokens burned as interest for asset.
func (v *Venue) InterestCollected(asset string) (*big.Int, error) {
	return v.getAmount(interestPrefix + normaliseSymbol(asset))
}

// Available returns the pool balance not committed to open borrows.
func (v *Venue) Available() (*big.Int, error) {
	if err := v.ready(); err != nil {
		return nil, err
	}
	balance, err := v.bank.Balance(v.pool)
	if err != nil {
		return nil, err
	}
	lent, err := v.getAmount(borrowTotalKey)
	if err != nil {
		return nil, err
	}
	available := new(big.Int).Sub(balance, lent)
	if available.Sign() < 0 {
		available.SetInt64(0)
	}
	return available, nil
}

func (v *Venue) price(asset string) (*big.Int, error) {
	price, err := v.oracle.Price(asset)
	if err != nil {
		return nil, err
	}
	if price == nil || price.Sign() <= 0 {
		return nil, margin.ErrInvalidPrice
	}
	return price, nil
}

// SwapToAsset implements margin.SettlementVenue.
func (v *Venue) SwapToAsset(asset string, collateralAmt, borrowAmt *big.Int, account crypto.Address) (*big.Int, error) {
	if err := v.ready(); err != nil {
		return nil, err
	}
	if borrowAmt == nil {
		borrowAmt = big.NewInt(0)
	}
	price, err := v.price(asset)
	if err != nil {
		return nil, err
	}
	if borrowAmt.Sign() > 0 {
		available, err := v.Available()
		if err != nil {
			return nil, err
		}
		if available.Cmp(borrowAmt) < 0 {
			return nil, fmt.Errorf("%w: borrow %s exceeds available %s", ErrInsufficientLiquidity, borrowAmt, available)
		}
	}
	if err := v.bank.Transfer(account, v.pool, collateralAmt); err != nil {
		return nil, err
	}
	tokens := new(big.Int).Add(collateralAmt, borrowAmt)
	tokens.Mul(tokens, margin.PriceScale)
	tokens.Quo(tokens, price)
	if tokens.Sign() == 0 {
		return tokens, nil
	}
	symbol := normaliseSymbol(asset)
	if err := v.addAmount(supplyPrefix+symbol, tokens); err != nil {
		return nil, err
	}
	if borrowAmt.Sign() > 0 {
		if err := v.addAmount(borrowPrefix+symbol, borrowAmt); err != nil {
			return nil, err
		}
		if err := v.addAmount(borrowTotalKey, borrowAmt); err != nil {
			return nil, err
		}
	}
	return tokens, nil
}

// burn retires tokens from supply and releases the matching share of the open
// borrow back to the pool.
func (v *Venue) burn(asset string, tokens *big.Int) error {
	symbol := normaliseSymbol(asset)
	supply, err := v.getAmount(supplyPrefix + symbol)
	if err != nil {
		return err
	}
	if tokens.Cmp(supply) > 0 {
		return fmt.Errorf("%w: burn %s exceeds supply %s", ErrInsufficientLiquidity, tokens, supply)
	}
	borrow, err := v.getAmount(borrowPrefix + symbol)
	if err != nil {
		return err
	}
	released := new(big.Int)
	if supply.Sign() > 0 {
		released.Mul(borrow, tokens)
		released.Quo(released, supply)
	}
	if err := v.putAmount(supplyPrefix+symbol, new(big.Int).Sub(supply, tokens)); err != nil {
		return err
	}
	if released.Sign() > 0 {
		if err := v.putAmount(borrowPrefix+symbol, new(big.Int).Sub(borrow, released)); err != nil {
			return err
		}
		if err := v.addAmount(borrowTotalKey, new(big.Int).Neg(released)); err != nil {
			return err
		}
	}
	return nil
}

func share(amount, weight, total *big.Int) *big.Int {
	if total.Sign() <= 0 || weight == nil || weight.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, weight)
	return out.Quo(out, total)
}

func (v *Venue) payout(to crypto.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := v.bank.Transfer(v.pool, to, amount); err != nil {
		if errors.Is(err, bank.ErrInsufficientBalance) {
			return fmt.Errorf("%w: pool cannot pay %s", ErrInsufficientLiquidity, amount)
		}
		return err
	}
	return nil
}

func weightTotal(weights ...*big.Int) *big.Int {
	total := new(big.Int)
	for _, w := range weights {
		if w != nil && w.Sign() > 0 {
			total.Add(total, w)
		}
	}
	return total
}

// SwapFromAsset implements margin.SettlementVenue. With zero total weight the
// whole proceeds stay with the pool.
func (v *Venue) SwapFromAsset(asset string, userWeight, poolWeight, tokens *big.Int, account crypto.Address) (*big.Int, error) {
	if err := v.ready(); err != nil {
		return nil, err
	}
	price, err := v.price(asset)
	if err != nil {
		return nil, err
	}
	if err := v.burn(asset, tokens); err != nil {
		return nil, err
	}
	proceeds := new(big.Int).Mul(tokens, price)
	proceeds.Quo(proceeds, margin.PriceScale)
	toUser := share(proceeds, userWeight, weightTotal(userWeight, poolWeight))
	if err := v.payout(account, toUser); err != nil {
		return nil, err
	}
	return toUser, nil
}

// Liquidate implements margin.SettlementVenue.
func (v *Venue) Liquidate(asset string, userWeight, liquidatorWeight, poolWeight, tokens *big.Int, account, liquidator crypto.Address) (*big.Int, error) {
	if err := v.ready(); err != nil {
		return nil, err
	}
	price, err := v.price(asset)
	if err != nil {
		return nil, err
	}
	if err := v.burn(asset, tokens); err != nil {
		return nil, err
	}
	proceeds := new(big.Int).Mul(tokens, price)
	proceeds.Quo(proceeds, margin.PriceScale)
	total := weightTotal(userWeight, liquidatorWeight, poolWeight)
	toUser := share(proceeds, userWeight, total)
	toLiquidator := share(proceeds, liquidatorWeight, total)
	if err := v.payout(account, toUser); err != nil {
		return nil, err
	}
	if err := v.payout(liquidator, toLiquidator); err != nil {
		return nil, err
	}
	return toUser, nil
}

// PayInterest implements margin.SettlementVenue. The tokens are burned and
// their value stays with the pool.
func (v *Venue) PayInterest(asset string, tokens *big.Int) error {
	if err := v.ready(); err != nil {
		return err
	}
	if tokens == nil || tokens.Sign() <= 0 {
		return nil
	}
	if err := v.burn(asset, tokens); err != nil {
		return err
	}
	return v.addAmount(interestPrefix+normaliseSymbol(asset), tokens)
}
