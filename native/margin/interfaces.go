package margin

import (
	"math/big"
	"time"

	"synthmargin/crypto"
)

// Parameter names the engine reads from the ParameterProvider on every call.
const (
	ParamInterestRateBps   = "margin.interestRateBps"
	ParamLiquidationFeeBps = "margin.liquidationFeeBps"
)

// Ledger stores positions for a single asset instance. Unknown accounts read
// as the zero position. Entries are zeroed, never deleted.
type Ledger interface {
	Position(account crypto.Address) (*Position, error)
	SetPosition(account crypto.Address, position *Position) error
}

// ParameterProvider exposes named numeric parameters and asset availability.
type ParameterProvider interface {
	Value(name string) (*big.Int, error)
	IsAssetSupported(asset string) (bool, error)
	SettlementAssetID() (string, error)
}

// PriceOracle returns settlement base units per whole target token, scaled by
// PriceScale.
type PriceOracle interface {
	Price(asset string) (*big.Int, error)
}

// QuotePinner is implemented by oracles that can hold one quote per asset for
// the length of an operation. Pin fetches the quote before the state lock is
// taken; if the fetch fails nothing is pinned.
type QuotePinner interface {
	Pin(asset string) (release func())
}

// SettlementVenue executes conversions between the settlement asset and target
// tokens. Calls either fully succeed or return an error.
type SettlementVenue interface {
	SwapToAsset(asset string, collateralAmt, borrowAmt *big.Int, account crypto.Address) (*big.Int, error)
	SwapFromAsset(asset string, userWeight, poolWeight, tokens *big.Int, account crypto.Address) (*big.Int, error)
	Liquidate(asset string, userWeight, liquidatorWeight, poolWeight, tokens *big.Int, account, liquidator crypto.Address) (*big.Int, error)
	PayInterest(asset string, tokens *big.Int) error
}

// InsuranceFund covers liquidation deficits up to its balance and returns the
// amount actually paid to the beneficiary.
type InsuranceFund interface {
	Cover(asset string, deficit *big.Int, beneficiary crypto.Address) (*big.Int, error)
}

// Transactor runs closures against shared state. Atomic must discard every
// write made by fn when it returns an error.
type Transactor interface {
	Atomic(fn func() error) error
	View(fn func() error) error
}

// Observer receives operational signals from the engine.
type Observer interface {
	ObserveOperation(asset, operation, outcome string, elapsed time.Duration)
	RecordInterest(asset string, tokens *big.Int)
	RecordLiquidation(asset string, covered *big.Int)
	RecordAnomaly(asset, kind string)
}
