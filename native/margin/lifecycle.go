package margin

import (
	"fmt"
	"math/big"

	"synthmargin/core/events"
	"synthmargin/crypto"
	nativecommon "synthmargin/native/common"
)

// Open converts collateralAmt + borrowAmt settlement units into target tokens
// and records a fresh position for caller.
func (e *Engine) Open(caller crypto.Address, collateralAmt, borrowAmt *big.Int) (*Position, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := validAccount(caller); err != nil {
		return nil, err
	}
	if !positive(collateralAmt) || !positive(borrowAmt) {
		return nil, ErrInvalidAmount
	}
	if borrowAmt.Cmp(new(big.Int).Mul(collateralAmt, maxBorrowRatio)) > 0 {
		return nil, ErrLeverageExceeded
	}

	var opened *Position
	err := e.execute("open", caller, func(ctx *opContext) error {
		if err := e.ensureSupported(); err != nil {
			return err
		}
		position, err := e.loadPosition(caller)
		if err != nil {
			return err
		}
		if position.IsOpen() {
			return ErrPositionOpen
		}
		total := new(big.Int).Add(collateralAmt, borrowAmt)
		tokens, err := e.venue.SwapToAsset(e.asset, collateralAmt, borrowAmt, caller)
		if err != nil {
			return err
		}
		if !positive(tokens) {
			return fmt.Errorf("%w: venue returned no tokens", ErrInsufficientLiquidity)
		}
		// Split by the requested settlement ratio so slippage cannot skew
		// leverage. The loan share rounds down.
		loan := new(big.Int).Mul(tokens, borrowAmt)
		loan.Quo(loan, total)
		collateral := new(big.Int).Sub(tokens, loan)
		if collateral.Sign() <= 0 {
			return ErrPositionTooSmall
		}
		if !withinLeverage(collateral, loan, nil) {
			return ErrLeverageExceeded
		}
		entryPrice := new(big.Int).Mul(total, PriceScale)
		entryPrice.Quo(entryPrice, tokens)

		now := e.timestamp()
		position = &Position{
			Collateral:          collateral,
			Loan:                loan,
			EntryPrice:          entryPrice,
			EntryTimestamp:      now,
			ExpirationTimestamp: now + FixedTerm,
		}
		if err := e.storePosition(caller, position); err != nil {
			return err
		}
		opened = position.Clone()
		ctx.emit(events.MarginPositionOpened{
			Account:    caller,
			Asset:      e.asset,
			Collateral: new(big.Int).Set(collateral),
			Loan:       new(big.Int).Set(loan),
			EntryPrice: new(big.Int).Set(entryPrice),
			Timestamp:  now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return opened, nil
}

// Reduce sells tokens out of the caller's position while keeping the
// collateral to loan ratio. Full exits must use Close. It returns the
// settlement amount paid to the caller.
func (e *Engine) Reduce(caller crypto.Address, tokens *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := validAccount(caller); err != nil {
		return nil, err
	}
	if !positive(tokens) {
		return nil, ErrInvalidAmount
	}

	var received *big.Int
	err := e.execute("reduce", caller, func(ctx *opContext) error {
		position, err := e.loadPosition(caller)
		if err != nil {
			return err
		}
		if tokens.Cmp(position.Size()) >= 0 {
			return ErrPositionTooSmall
		}
		now := e.timestamp()
		interestPaid, err := e.settleInterest(ctx, caller, position, now)
		if err != nil {
			return err
		}
		size := position.Size()
		if !position.IsOpen() || tokens.Cmp(size) >= 0 {
			return ErrPositionTooSmall
		}
		removedCollateral := new(big.Int).Mul(tokens, position.Collateral)
		removedCollateral.Quo(removedCollateral, size)
		removedLoan := new(big.Int).Sub(tokens, removedCollateral)

		position.Collateral = new(big.Int).Sub(position.Collateral, removedCollateral)
		position.Loan = new(big.Int).Sub(position.Loan, removedLoan)

		received, err = e.venue.SwapFromAsset(e.asset, position.Collateral, position.Loan, tokens, caller)
		if err != nil {
			return err
		}
		if err := e.storePosition(caller, position); err != nil {
			return err
		}
		ctx.emit(events.MarginPositionReduced{
			Account:            caller,
			Asset:              e.asset,
			TokensRemoved:      new(big.Int).Set(tokens),
			SettlementReceived: new(big.Int).Set(received),
			InterestPaid:       interestPaid,
			Timestamp:          now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return received, nil
}

// Close settles interest, sells the full position and zeroes the ledger
// entry. It returns the settlement amount paid to the caller.
func (e *Engine) Close(caller crypto.Address) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := validAccount(caller); err != nil {
		return nil, err
	}

	received := big.NewInt(0)
	err := e.execute("close", caller, func(ctx *opContext) error {
		position, err := e.loadPosition(caller)
		if err != nil {
			return err
		}
		if !position.IsOpen() {
			return fmt.Errorf("%w: position is closed", ErrInvalidAmount)
		}
		now := e.timestamp()
		interestPaid, err := e.settleInterest(ctx, caller, position, now)
		if err != nil {
			return err
		}
		size := position.Size()
		if size.Sign() > 0 {
			received, err = e.venue.SwapFromAsset(e.asset, position.Collateral, position.Loan, size, caller)
			if err != nil {
				return err
			}
		}
		position.Reset()
		if err := e.storePosition(caller, position); err != nil {
			return err
		}
		ctx.emit(events.MarginPositionClosed{
			Account:            caller,
			Asset:              e.asset,
			TokensSold:         size,
			SettlementReceived: new(big.Int).Set(received),
			InterestPaid:       interestPaid,
			Timestamp:          now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return received, nil
}

// AddCollateral converts settlementAmt into tokens credited to collateral and
// re-averages the entry price. It returns the tokens added.
func (e *Engine) AddCollateral(caller crypto.Address, settlementAmt *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := validAccount(caller); err != nil {
		return nil, err
	}
	if !positive(settlementAmt) {
		return nil, ErrInvalidAmount
	}

	var added *big.Int
	err := e.execute("add_collateral", caller, func(ctx *opContext) error {
		if err := e.ensureSupported(); err != nil {
			return err
		}
		position, err := e.loadPosition(caller)
		if err != nil {
			return err
		}
		if !position.IsOpen() {
			return ErrNoPosition
		}
		price, err := e.price()
		if err != nil {
			return err
		}
		tokens, err := e.venue.SwapToAsset(e.asset, settlementAmt, big.NewInt(0), caller)
		if err != nil {
			return err
		}
		if !positive(tokens) {
			return ErrPositionTooSmall
		}
		oldTotal := position.Size()
		weighted := new(big.Int).Mul(position.EntryPrice, oldTotal)
		weighted.Add(weighted, new(big.Int).Mul(price, tokens))
		newTotal := new(big.Int).Add(oldTotal, tokens)
		position.EntryPrice = weighted.Quo(weighted, newTotal)
		position.Collateral = new(big.Int).Add(position.Collateral, tokens)

		if err := e.storePosition(caller, position); err != nil {
			return err
		}
		added = new(big.Int).Set(tokens)
		ctx.emit(events.MarginCollateralAdded{
			Account:          caller,
			Asset:            e.asset,
			SettlementAmount: new(big.Int).Set(settlementAmt),
			TokensAdded:      new(big.Int).Set(tokens),
			EntryPrice:       new(big.Int).Set(position.EntryPrice),
			Timestamp:        e.timestamp(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// RemoveCollateral sells tokens out of collateral and pays the caller. The
// resulting leverage must stay within the ceiling.
func (e *Engine) RemoveCollateral(caller crypto.Address, tokens *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := validAccount(caller); err != nil {
		return nil, err
	}
	if !positive(tokens) {
		return nil, ErrInvalidAmount
	}

	var received *big.Int
	err := e.execute("remove_collateral", caller, func(ctx *opContext) error {
		position, err := e.loadPosition(caller)
		if err != nil {
			return err
		}
		if tokens.Cmp(position.Collateral) >= 0 {
			return ErrPositionTooSmall
		}
		now := e.timestamp()
		accrued, err := e.interestAt(position, now)
		if err != nil {
			return err
		}
		remaining := new(big.Int).Sub(position.Collateral, tokens)
		if !withinLeverage(remaining, position.Loan, accrued) {
			return ErrLeverageExceeded
		}
		received, err = e.venue.SwapFromAsset(e.asset, tokens, big.NewInt(0), tokens, caller)
		if err != nil {
			return err
		}
		position.Collateral = remaining
		if err := e.storePosition(caller, position); err != nil {
			return err
		}
		ctx.emit(events.MarginCollateralRemoved{
			Account:            caller,
			Asset:              e.asset,
			TokensRemoved:      new(big.Int).Set(tokens),
			SettlementReceived: new(big.Int).Set(received),
			Timestamp:          now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return received, nil
}

// LiquidationResult summarises a completed liquidation in settlement units.
// UserShare, LiquidatorShare and PoolShare split the position value at the
// liquidation price.
type LiquidationResult struct {
	AmountReturned   *big.Int
	UserShare        *big.Int
	LiquidatorShare  *big.Int
	PoolShare        *big.Int
	InsuranceCovered *big.Int
	InterestPaid     *big.Int
}

// Liquidate force-closes account's position on behalf of liquidator when the
// price has fallen below the liquidation price or the position has expired.
func (e *Engine) Liquidate(liquidator, account crypto.Address) (*LiquidationResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := validAccount(liquidator); err != nil {
		return nil, err
	}
	if err := validAccount(account); err != nil {
		return nil, err
	}

	var result *LiquidationResult
	err := e.execute("liquidate", account, func(ctx *opContext) error {
		position, err := e.loadPosition(account)
		if err != nil {
			return err
		}
		if !position.IsOpen() {
			return ErrNotLiquidatable
		}
		now := e.timestamp()
		price, err := e.price()
		if err != nil {
			return err
		}
		eligible, err := e.liquidatableWith(position, now, price)
		if err != nil {
			return err
		}
		if !eligible {
			return ErrNotLiquidatable
		}
		interestPaid, err := e.settleInterest(ctx, account, position, now)
		if err != nil {
			return err
		}
		fee, err := e.param(ParamLiquidationFeeBps)
		if err != nil {
			return err
		}

		size := position.Size()
		res := &LiquidationResult{
			AmountReturned:   big.NewInt(0),
			UserShare:        big.NewInt(0),
			LiquidatorShare:  big.NewInt(0),
			PoolShare:        big.NewInt(0),
			InsuranceCovered: big.NewInt(0),
			InterestPaid:     interestPaid,
		}
		userWeight := big.NewInt(0)
		poolWeight := big.NewInt(0)
		if size.Sign() > 0 {
			value := positionValue(position, price, big.NewInt(0))
			if value.Sign() > 0 {
				// The account's pro-rata claim follows its collateral share.
				res.UserShare.Mul(value, position.Collateral)
				res.UserShare.Quo(res.UserShare, size)
				res.LiquidatorShare = bpsShare(res.UserShare, fee)
				if res.LiquidatorShare.Cmp(value) > 0 {
					res.LiquidatorShare.Set(value)
				}
				res.PoolShare.Sub(value, res.UserShare)
				res.PoolShare.Sub(res.PoolShare, res.LiquidatorShare)
				userWeight.Set(res.UserShare)
				if res.PoolShare.Sign() < 0 {
					deficit := new(big.Int).Neg(res.PoolShare)
					res.PoolShare.SetInt64(0)
					userWeight.Sub(userWeight, deficit)
					covered, err := e.coverDeficit(ctx, account, deficit)
					if err != nil {
						return err
					}
					res.InsuranceCovered = covered
				}
				poolWeight.Set(res.PoolShare)
			} else {
				// No equity is left to share; the proceeds stay with the pool.
				e.anomaly(ctx, "negative_equity", account, "value", value.String())
				poolWeight.Set(valueOf(size, price))
			}
		}

		position.Reset()
		if err := e.storePosition(account, position); err != nil {
			return err
		}
		if size.Sign() > 0 {
			toUser, err := e.venue.Liquidate(e.asset, userWeight, res.LiquidatorShare, poolWeight, size, account, liquidator)
			if err != nil {
				return err
			}
			res.AmountReturned.Add(toUser, res.InsuranceCovered)
		}
		result = res
		ctx.emit(events.MarginPositionLiquidated{
			Account:          account,
			Liquidator:       liquidator,
			Asset:            e.asset,
			AmountReturned:   new(big.Int).Set(res.AmountReturned),
			LiquidatorShare:  new(big.Int).Set(res.LiquidatorShare),
			PoolShare:        new(big.Int).Set(res.PoolShare),
			InsuranceCovered: new(big.Int).Set(res.InsuranceCovered),
			Timestamp:        now,
		})
		if e.observer != nil {
			covered := new(big.Int).Set(res.InsuranceCovered)
			ctx.onCommit(func() { e.observer.RecordLiquidation(e.asset, covered) })
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) coverDeficit(ctx *opContext, account crypto.Address, deficit *big.Int) (*big.Int, error) {
	if e.insurance == nil {
		e.anomaly(ctx, "deficit_uncovered", account, "deficit", deficit.String())
		return big.NewInt(0), nil
	}
	covered, err := e.insurance.Cover(e.asset, deficit, account)
	if err != nil {
		return nil, err
	}
	if covered == nil {
		covered = big.NewInt(0)
	}
	if covered.Cmp(deficit) < 0 {
		shortfall := new(big.Int).Sub(deficit, covered)
		e.anomaly(ctx, "deficit_partially_covered", account, "shortfall", shortfall.String())
	}
	return covered, nil
}
