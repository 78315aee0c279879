package bank

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"synthmargin/crypto"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	// ErrBalanceOverflow is returned when a credit would exceed 256 bits.
	ErrBalanceOverflow = errors.New("bank: balance overflow")
	// ErrInvalidAmount is returned for nil or negative amounts.
	ErrInvalidAmount = errors.New("bank: invalid amount")

	errNilState = errors.New("bank: state not configured")
)

var balancePrefix = []byte("bank/balance/")

// KVStore captures the subset of the state manager used by the ledger.
type KVStore interface {
	KVPut(key []byte, value interface{}) error
	KVGet(key []byte, out interface{}) (bool, error)
}

// Ledger tracks settlement-asset balances keyed by address.
type Ledger struct {
	store KVStore
}

// NewLedger binds a ledger to the supplied state.
func NewLedger(store KVStore) *Ledger {
	return &Ledger{store: store}
}

func balanceKey(addr crypto.Address) []byte {
	return append(append([]byte(nil), balancePrefix...), addr.Bytes()...)
}

func toUint(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	out, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return out, nil
}

func (l *Ledger) load(addr crypto.Address) (*uint256.Int, error) {
	if l == nil || l.store == nil {
		return nil, errNilState
	}
	var stored big.Int
	ok, err := l.store.KVGet(balanceKey(addr), &stored)
	if err != nil {
		return nil, fmt.Errorf("bank: load balance: %w", err)
	}
	if !ok {
		return new(uint256.Int), nil
	}
	return toUint(&stored)
}

func (l *Ledger) save(addr crypto.Address, balance *uint256.Int) error {
	return l.store.KVPut(balanceKey(addr), balance.ToBig())
}

// Balance returns the balance of addr.
func (l *Ledger) Balance(addr crypto.Address) (*big.Int, error) {
	balance, err := l.load(addr)
	if err != nil {
		return nil, err
	}
	return balance.ToBig(), nil
}

// Credit adds amount to addr.
func (l *Ledger) Credit(addr crypto.Address, amount *big.Int) error {
	delta, err := toUint(amount)
	if err != nil {
		return err
	}
	balance, err := l.load(addr)
	if err != nil {
		return err
	}
	if delta.IsZero() {
		return nil
	}
	next, overflow := new(uint256.Int).AddOverflow(balance, delta)
	if overflow {
		return ErrBalanceOverflow
	}
	return l.save(addr, next)
}

// Debit removes amount from addr.
func (l *Ledger) Debit(addr crypto.Address, amount *big.Int) error {
	delta, err := toUint(amount)
	if err != nil {
		return err
	}
	balance, err := l.load(addr)
	if err != nil {
		return err
	}
	if delta.IsZero() {
		return nil
	}
	if balance.Lt(delta) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance.Dec(), delta.Dec())
	}
	return l.save(addr, new(uint256.Int).Sub(balance, delta))
}

// Transfer moves amount from one account to another. Callers run it inside a
// state transaction so a failed credit leaves no partial debit behind.
func (l *Ledger) Transfer(from, to crypto.Address, amount *big.Int) error {
	if err := l.Debit(from, amount); err != nil {
		return err
	}
	return l.Credit(to, amount)
}
