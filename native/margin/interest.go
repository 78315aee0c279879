package margin

import (
	"math/big"

	"synthmargin/crypto"
)

// settleInterest removes accrued interest from the position before any
// leverage or value dependent computation. Collateral shrinks by the accrued
// amount and the loan by accrued * leverage, both clamped at zero. The removed
// tokens are paid to the venue and the accrual baseline moves to now. The
// position is mutated in place; the returned amount is the number of tokens
// paid.
func (e *Engine) settleInterest(ctx *opContext, account crypto.Address, position *Position, now uint64) (*big.Int, error) {
	paid := big.NewInt(0)
	if !position.IsOpen() {
		return paid, nil
	}
	accrued, err := e.interestAt(position, now)
	if err != nil {
		return nil, err
	}
	position.EntryTimestamp = now
	if accrued.Sign() == 0 {
		return paid, nil
	}
	leverage, err := leverageFactor(position, accrued)
	if err != nil {
		return nil, err
	}
	loanCut := new(big.Int).Mul(accrued, leverage)
	loanCut.Quo(loanCut, PriceScale)

	collateral := new(big.Int).Sub(position.Collateral, accrued)
	if collateral.Sign() < 0 {
		e.anomaly(ctx, "collateral_clamped", account, "collateral", position.Collateral.String(), "accrued", accrued.String())
		collateral.SetInt64(0)
	}
	loan := new(big.Int).Sub(position.Loan, loanCut)
	if loan.Sign() < 0 {
		e.anomaly(ctx, "loan_clamped", account, "loan", position.Loan.String(), "loanCut", loanCut.String())
		loan.SetInt64(0)
	}
	if collateral.Sign() == 0 && loan.Sign() > 0 {
		// A position without collateral is closed; the residual loan tokens are
		// retired with the interest.
		loan.SetInt64(0)
	}

	paid.Sub(position.Size(), new(big.Int).Add(collateral, loan))
	position.Collateral = collateral
	position.Loan = loan
	if paid.Sign() == 0 {
		return paid, nil
	}
	if err := e.venue.PayInterest(e.asset, paid); err != nil {
		return nil, err
	}
	if e.observer != nil {
		recorded := new(big.Int).Set(paid)
		ctx.onCommit(func() { e.observer.RecordInterest(e.asset, recorded) })
	}
	return paid, nil
}
