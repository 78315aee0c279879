package events

import (
	"math/big"

	"synthmargin/core/types"
	"synthmargin/crypto"
)

const (
	// TypeMarginPositionOpened is emitted when a closed position is opened.
	TypeMarginPositionOpened = "margin.position.opened"
	// TypeMarginPositionReduced is emitted after a partial exit.
	TypeMarginPositionReduced = "margin.position.reduced"
	// TypeMarginPositionClosed is emitted when the owner fully exits.
	TypeMarginPositionClosed = "margin.position.closed"
	// TypeMarginCollateralAdded is emitted when collateral is topped up.
	TypeMarginCollateralAdded = "margin.collateral.added"
	// TypeMarginCollateralRemoved is emitted when collateral is withdrawn.
	TypeMarginCollateralRemoved = "margin.collateral.removed"
	// TypeMarginPositionLiquidated is emitted when a third party liquidates a position.
	TypeMarginPositionLiquidated = "margin.position.liquidated"
)

// MarginPositionOpened captures the ledger state recorded at open.
type MarginPositionOpened struct {
	Account    crypto.Address
	Asset      string
	Collateral *big.Int
	Loan       *big.Int
	EntryPrice *big.Int
	Timestamp  uint64
}

// EventType satisfies the Event interface.
func (MarginPositionOpened) EventType() string { return TypeMarginPositionOpened }

// Event converts the structured payload into a broadcastable event.
func (e MarginPositionOpened) Event() *types.Event {
	return &types.Event{
		Type: TypeMarginPositionOpened,
		Attributes: map[string]string{
			"account":    formatAddress(e.Account),
			"asset":      normalizeAsset(e.Asset),
			"collateral": formatAmount(e.Collateral),
			"loan":       formatAmount(e.Loan),
			"entryPrice": formatAmount(e.EntryPrice),
			"time":       formatTime(e.Timestamp),
		},
	}
}

// MarginPositionReduced captures a partial exit.
type MarginPositionReduced struct {
	Account            crypto.Address
	Asset              string
	TokensRemoved      *big.Int
	SettlementReceived *big.Int
	InterestPaid       *big.Int
	Timestamp          uint64
}

// EventType satisfies the Event interface.
func (MarginPositionReduced) EventType() string { return TypeMarginPositionReduced }

// Event converts the structured payload into a broadcastable event.
func (e MarginPositionReduced) Event() *types.Event {
	return &types.Event{
		Type: TypeMarginPositionReduced,
		Attributes: map[string]string{
			"account":            formatAddress(e.Account),
			"asset":              normalizeAsset(e.Asset),
			"tokensRemoved":      formatAmount(e.TokensRemoved),
			"settlementReceived": formatAmount(e.SettlementReceived),
			"interestPaid":       formatAmount(e.InterestPaid),
			"time":               formatTime(e.Timestamp),
		},
	}
}

// MarginPositionClosed captures a voluntary full exit.
type MarginPositionClosed struct {
	Account            crypto.Address
	Asset              string
	TokensSold         *big.Int
	SettlementReceived *big.Int
	InterestPaid       *big.Int
	Timestamp          uint64
}

// EventType satisfies the Event interface.
func (MarginPositionClosed) EventType() string { return TypeMarginPositionClosed }

// Event converts the structured payload into a broadcastable event.
func (e MarginPositionClosed) Event() *types.Event {
	return &types.Event{
		Type: TypeMarginPositionClosed,
		Attributes: map[string]string{
			"account":            formatAddress(e.Account),
			"asset":              normalizeAsset(e.Asset),
			"tokensSold":         formatAmount(e.TokensSold),
			"settlementReceived": formatAmount(e.SettlementReceived),
			"interestPaid":       formatAmount(e.InterestPaid),
			"time":               formatTime(e.Timestamp),
		},
	}
}

// MarginCollateralAdded captures a collateral top-up.
type MarginCollateralAdded struct {
	Account          crypto.Address
	Asset            string
	SettlementAmount *big.Int
	TokensAdded      *big.Int
	EntryPrice       *big.Int
	Timestamp        uint64
}

// EventType satisfies the Event interface.
func (MarginCollateralAdded) EventType() string { return TypeMarginCollateralAdded }

// Event converts the structured payload into a broadcastable event.
func (e MarginCollateralAdded) Event() *types.Event {
	return &types.Event{
		Type: TypeMarginCollateralAdded,
		Attributes: map[string]string{
			"account":          formatAddress(e.Account),
			"asset":            normalizeAsset(e.Asset),
			"settlementAmount": formatAmount(e.SettlementAmount),
			"tokensAdded":      formatAmount(e.TokensAdded),
			"entryPrice":       formatAmount(e.EntryPrice),
			"time":             formatTime(e.Timestamp),
		},
	}
}

// MarginCollateralRemoved captures a collateral withdrawal.
type MarginCollateralRemoved struct {
	Account            crypto.Address
	Asset              string
	TokensRemoved      *big.Int
	SettlementReceived *big.Int
	Timestamp          uint64
}

// EventType satisfies the Event interface.
func (MarginCollateralRemoved) EventType() string { return TypeMarginCollateralRemoved }

// Event converts the structured payload into a broadcastable event.
func (e MarginCollateralRemoved) Event() *types.Event {
	return &types.Event{
		Type: TypeMarginCollateralRemoved,
		Attributes: map[string]string{
			"account":            formatAddress(e.Account),
			"asset":              normalizeAsset(e.Asset),
			"tokensRemoved":      formatAmount(e.TokensRemoved),
			"settlementReceived": formatAmount(e.SettlementReceived),
			"time":               formatTime(e.Timestamp),
		},
	}
}

// MarginPositionLiquidated captures an involuntary closure. AmountReturned
// includes any insurance coverage paid to the account.
type MarginPositionLiquidated struct {
	Account          crypto.Address
	Liquidator       crypto.Address
	Asset            string
	AmountReturned   *big.Int
	LiquidatorShare  *big.Int
	PoolShare        *big.Int
	InsuranceCovered *big.Int
	Timestamp        uint64
}

// EventType satisfies the Event interface.
func (MarginPositionLiquidated) EventType() string { return TypeMarginPositionLiquidated }

// Event converts the structured payload into a broadcastable event.
func (e MarginPositionLiquidated) Event() *types.Event {
	attrs := map[string]string{
		"account":         formatAddress(e.Account),
		"liquidator":      formatAddress(e.Liquidator),
		"asset":           normalizeAsset(e.Asset),
		"amountReturned":  formatAmount(e.AmountReturned),
		"liquidatorShare": formatAmount(e.LiquidatorShare),
		"poolShare":       formatAmount(e.PoolShare),
		"time":            formatTime(e.Timestamp),
	}
	if e.InsuranceCovered != nil && e.InsuranceCovered.Sign() > 0 {
		attrs["insuranceCovered"] = e.InsuranceCovered.String()
	}
	return &types.Event{Type: TypeMarginPositionLiquidated, Attributes: attrs}
}
