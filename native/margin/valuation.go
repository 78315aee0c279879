package margin

import (
	"math/big"

	"synthmargin/crypto"
)

// PositionInfo returns a copy of the account's ledger entry.
func (e *Engine) PositionInfo(account crypto.Address) (*Position, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := validAccount(account); err != nil {
		return nil, err
	}
	var out *Position
	err := e.view(func() error {
		var err error
		out, err = e.loadPosition(account)
		return err
	})
	return out, err
}

// PositionValue returns the signed settlement-asset value of the account's
// net equity at the current oracle price.
func (e *Engine) PositionValue(account crypto.Address) (*big.Int, error) {
	var out *big.Int
	err := e.read(account, func(position *Position, now uint64) error {
		if !position.IsOpen() {
			out = big.NewInt(0)
			return nil
		}
		value, err := e.valueAt(position, now)
		out = value
		return err
	})
	return out, err
}

// LeverageFactor returns (loan + collateral + accrued) / collateral scaled by
// PriceScale. Closed positions yield ErrNoPosition.
func (e *Engine) LeverageFactor(account crypto.Address) (*big.Int, error) {
	var out *big.Int
	err := e.read(account, func(position *Position, now uint64) error {
		accrued, err := e.interestAt(position, now)
		if err != nil {
			return err
		}
		out, err = leverageFactor(position, accrued)
		return err
	})
	return out, err
}

// InterestAccrued returns the unpaid interest in target-asset tokens using the
// rate in force now.
func (e *Engine) InterestAccrued(account crypto.Address) (*big.Int, error) {
	var out *big.Int
	err := e.read(account, func(position *Position, now uint64) error {
		var err error
		out, err = e.interestAt(position, now)
		return err
	})
	return out, err
}

// LiquidationPrice returns the price below which the position may be
// liquidated.
func (e *Engine) LiquidationPrice(account crypto.Address) (*big.Int, error) {
	var out *big.Int
	err := e.read(account, func(position *Position, now uint64) error {
		var err error
		out, err = e.liquidationPriceAt(position, now)
		return err
	})
	return out, err
}

// CanBeLiquidated reports whether the price is below the liquidation price or
// the position has expired. Closed positions are never liquidatable.
func (e *Engine) CanBeLiquidated(account crypto.Address) (bool, error) {
	var out bool
	err := e.read(account, func(position *Position, now uint64) error {
		var err error
		out, err = e.liquidatableAt(position, now)
		return err
	})
	return out, err
}

func (e *Engine) read(account crypto.Address, fn func(position *Position, now uint64) error) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := validAccount(account); err != nil {
		return err
	}
	return e.view(func() error {
		position, err := e.loadPosition(account)
		if err != nil {
			return err
		}
		return fn(position, e.timestamp())
	})
}

func (e *Engine) valueAt(position *Position, now uint64) (*big.Int, error) {
	price, err := e.price()
	if err != nil {
		return nil, err
	}
	accrued, err := e.interestAt(position, now)
	if err != nil {
		return nil, err
	}
	return positionValue(position, price, accrued), nil
}

func (e *Engine) liquidationPriceAt(position *Position, now uint64) (*big.Int, error) {
	accrued, err := e.interestAt(position, now)
	if err != nil {
		return nil, err
	}
	leverage, err := leverageFactor(position, accrued)
	if err != nil {
		return nil, err
	}
	return liquidationPrice(position.EntryPrice, leverage), nil
}

func (e *Engine) liquidatableAt(position *Position, now uint64) (bool, error) {
	if !position.IsOpen() {
		return false, nil
	}
	if now > position.ExpirationTimestamp {
		return true, nil
	}
	price, err := e.price()
	if err != nil {
		return false, err
	}
	return e.liquidatableWith(position, now, price)
}

// liquidatableWith evaluates eligibility against a quote the caller already
// holds.
func (e *Engine) liquidatableWith(position *Position, now uint64, price *big.Int) (bool, error) {
	if !position.IsOpen() {
		return false, nil
	}
	if now > position.ExpirationTimestamp {
		return true, nil
	}
	threshold, err := e.liquidationPriceAt(position, now)
	if err != nil {
		return false, err
	}
	return price.Cmp(threshold) < 0, nil
}
