package margin

import "math/big"

// Position is the ledger record for one account within one asset instance.
// Quantities are target-asset base units; EntryPrice is settlement base units
// per whole token scaled by PriceScale.
type Position struct {
	Collateral          *big.Int
	Loan                *big.Int
	EntryPrice          *big.Int
	EntryTimestamp      uint64
	ExpirationTimestamp uint64
}

// ZeroPosition returns the closed position used for unknown accounts.
func ZeroPosition() *Position {
	return &Position{
		Collateral: big.NewInt(0),
		Loan:       big.NewInt(0),
		EntryPrice: big.NewInt(0),
	}
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return ZeroPosition()
	}
	return &Position{
		Collateral:          copyOrZero(p.Collateral),
		Loan:                copyOrZero(p.Loan),
		EntryPrice:          copyOrZero(p.EntryPrice),
		EntryTimestamp:      p.EntryTimestamp,
		ExpirationTimestamp: p.ExpirationTimestamp,
	}
}

// IsOpen reports whether the position holds collateral.
func (p *Position) IsOpen() bool {
	return p != nil && p.Collateral != nil && p.Collateral.Sign() > 0
}

// Size returns collateral plus loan.
func (p *Position) Size() *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Add(copyOrZero(p.Collateral), copyOrZero(p.Loan))
}

// Reset zeroes every field.
func (p *Position) Reset() {
	p.Collateral = big.NewInt(0)
	p.Loan = big.NewInt(0)
	p.EntryPrice = big.NewInt(0)
	p.EntryTimestamp = 0
	p.ExpirationTimestamp = 0
}

func copyOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
