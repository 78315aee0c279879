package state

import (
	"errors"
	"math/big"

	"synthmargin/crypto"
	"synthmargin/native/margin"
)

var errNilLedgerState = errors.New("state: position ledger requires a manager")

type storedPosition struct {
	Collateral          *big.Int
	Loan                *big.Int
	EntryPrice          *big.Int
	EntryTimestamp      uint64
	ExpirationTimestamp uint64
}

func newStoredPosition(p *margin.Position) storedPosition {
	clone := p.Clone()
	return storedPosition{
		Collateral:          clone.Collateral,
		Loan:                clone.Loan,
		EntryPrice:          clone.EntryPrice,
		EntryTimestamp:      clone.EntryTimestamp,
		ExpirationTimestamp: clone.ExpirationTimestamp,
	}
}

func (s storedPosition) position() *margin.Position {
	return (&margin.Position{
		Collateral:          s.Collateral,
		Loan:                s.Loan,
		EntryPrice:          s.EntryPrice,
		EntryTimestamp:      s.EntryTimestamp,
		ExpirationTimestamp: s.ExpirationTimestamp,
	}).Clone()
}

// PositionLedger persists the margin positions of one asset through the
// journaled manager. Every account that ever opened a position is indexed so
// the ledger can be enumerated for audits.
type PositionLedger struct {
	manager *Manager
	asset   string
}

// NewPositionLedger binds a ledger for asset to the manager.
func NewPositionLedger(manager *Manager, asset string) *PositionLedger {
	return &PositionLedger{manager: manager, asset: normalizeAssetKey(asset)}
}

// Asset returns the asset the ledger is bound to.
func (l *PositionLedger) Asset() string { return l.asset }

// Position implements margin.Ledger. Unknown accounts return nil.
func (l *PositionLedger) Position(addr crypto.Address) (*margin.Position, error) {
	if l == nil || l.manager == nil {
		return nil, errNilLedgerState
	}
	var stored storedPosition
	ok, err := l.manager.KVGet(marginPositionKey(l.asset, addr.Bytes()), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return stored.position(), nil
}

// SetPosition implements margin.Ledger. A closed position is written back as
// a zeroed entry and the account stays indexed.
func (l *PositionLedger) SetPosition(addr crypto.Address, p *margin.Position) error {
	if l == nil || l.manager == nil {
		return errNilLedgerState
	}
	if p == nil || !p.IsOpen() {
		p = margin.ZeroPosition()
	}
	if err := l.manager.KVPut(marginPositionKey(l.asset, addr.Bytes()), newStoredPosition(p)); err != nil {
		return err
	}
	return l.manager.KVAppend(marginAccountsKey(l.asset), addr.Bytes())
}

// Accounts lists every account that has held a position in the asset, in
// first-open order.
func (l *PositionLedger) Accounts() ([]crypto.Address, error) {
	if l == nil || l.manager == nil {
		return nil, errNilLedgerState
	}
	var raw [][]byte
	if err := l.manager.KVGetList(marginAccountsKey(l.asset), &raw); err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(raw))
	for _, b := range raw {
		addr, err := crypto.NewAddress(crypto.AccountPrefix, b)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}
