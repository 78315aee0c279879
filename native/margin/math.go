package margin

import "math/big"

const (
	secondsPerYear = 31_536_000
	// FixedTerm is the lifetime of a position before it becomes liquidatable.
	FixedTerm = 30 * 24 * 60 * 60
	// MaxLeverage is the leverage ceiling enforced after open and collateral removal.
	MaxLeverage = 10
)

var (
	basisPoints = big.NewInt(10_000)
	// PriceScale is the fixed-point scale of prices and the leverage factor.
	PriceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	maxLeverageInt = big.NewInt(MaxLeverage)
	maxBorrowRatio = big.NewInt(MaxLeverage - 1)
	yearBps        = new(big.Int).Mul(basisPoints, big.NewInt(secondsPerYear))
)

func valueOf(tokens, price *big.Int) *big.Int {
	out := new(big.Int).Mul(tokens, price)
	return out.Quo(out, PriceScale)
}

// accruedInterest is loan * elapsed * rateBps / (10000 * secondsPerYear).
func accruedInterest(p *Position, now uint64, rateBps *big.Int) *big.Int {
	if p == nil || p.Loan == nil || p.Loan.Sign() <= 0 || rateBps == nil || rateBps.Sign() <= 0 {
		return big.NewInt(0)
	}
	if now <= p.EntryTimestamp {
		return big.NewInt(0)
	}
	elapsed := new(big.Int).SetUint64(now - p.EntryTimestamp)
	out := new(big.Int).Mul(p.Loan, elapsed)
	out.Mul(out, rateBps)
	return out.Quo(out, yearBps)
}

// leverageFactor is (loan + collateral + accrued) / collateral scaled by PriceScale.
func leverageFactor(p *Position, accrued *big.Int) (*big.Int, error) {
	if !p.IsOpen() {
		return nil, ErrNoPosition
	}
	num := exposure(p.Collateral, p.Loan, accrued)
	num.Mul(num, PriceScale)
	return num.Quo(num, p.Collateral), nil
}

func exposure(collateral, loan, accrued *big.Int) *big.Int {
	out := new(big.Int).Add(collateral, loan)
	if accrued != nil {
		out.Add(out, accrued)
	}
	return out
}

// withinLeverage reports exposure <= MaxLeverage * collateral without rounding.
func withinLeverage(collateral, loan, accrued *big.Int) bool {
	if collateral.Sign() <= 0 {
		return false
	}
	limit := new(big.Int).Mul(collateral, maxLeverageInt)
	return exposure(collateral, loan, accrued).Cmp(limit) <= 0
}

// liquidationPrice is entry − entry*8/(leverage*10).
func liquidationPrice(entry, leverage *big.Int) *big.Int {
	if entry == nil || entry.Sign() == 0 || leverage == nil || leverage.Sign() == 0 {
		return big.NewInt(0)
	}
	cushion := new(big.Int).Mul(entry, big.NewInt(8))
	cushion.Mul(cushion, PriceScale)
	cushion.Quo(cushion, new(big.Int).Mul(leverage, big.NewInt(10)))
	out := new(big.Int).Sub(entry, cushion)
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}

// positionValue is (collateral + loan − accrued) * price plus the signed loan
// delta loan * (price − entry), in settlement base units.
func positionValue(p *Position, price, accrued *big.Int) *big.Int {
	if !p.IsOpen() {
		return big.NewInt(0)
	}
	tokens := p.Size()
	tokens.Sub(tokens, accrued)
	num := new(big.Int).Mul(tokens, price)
	delta := new(big.Int).Sub(price, p.EntryPrice)
	delta.Mul(delta, p.Loan)
	num.Add(num, delta)
	return num.Quo(num, PriceScale)
}

func bpsShare(amount *big.Int, bps *big.Int) *big.Int {
	if amount.Sign() <= 0 || bps == nil || bps.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, bps)
	return out.Quo(out, basisPoints)
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
