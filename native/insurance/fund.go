package insurance

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"synthmargin/crypto"
	"synthmargin/native/bank"
)

var errNotConfigured = errors.New("insurance: fund not configured")

// KVStore captures the subset of the state manager used by the fund.
type KVStore interface {
	KVPut(key []byte, value interface{}) error
	KVGet(key []byte, out interface{}) (bool, error)
}

// Fund backstops liquidation deficits from a dedicated bank account.
type Fund struct {
	store   KVStore
	bank    *bank.Ledger
	account crypto.Address
}

// NewFund binds the fund to its bank account.
func NewFund(store KVStore, ledger *bank.Ledger, account crypto.Address) *Fund {
	return &Fund{store: store, bank: ledger, account: account}
}

// Account returns the fund's bank account.
func (f *Fund) Account() crypto.Address { return f.account }

func (f *Fund) ready() error {
	if f == nil || f.store == nil || f.bank == nil || f.account.IsZero() {
		return errNotConfigured
	}
	return nil
}

func coveredKey(asset string) []byte {
	return []byte("insurance/covered/" + strings.ToUpper(strings.TrimSpace(asset)))
}

// Balance returns the funds available for coverage.
func (f *Fund) Balance() (*big.Int, error) {
	if err := f.ready(); err != nil {
		return nil, err
	}
	return f.bank.Balance(f.account)
}

// Deposit moves amount from an account into the fund.
func (f *Fund) Deposit(from crypto.Address, amount *big.Int) error {
	if err := f.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("insurance: deposit must be positive")
	}
	return f.bank.Transfer(from, f.account, amount)
}

// Cover pays min(deficit, balance) to beneficiary and returns the amount paid.
// An empty fund covers nothing without failing.
func (f *Fund) Cover(asset string, deficit *big.Int, beneficiary crypto.Address) (*big.Int, error) {
	if err := f.ready(); err != nil {
		return nil, err
	}
	if deficit == nil || deficit.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	balance, err := f.bank.Balance(f.account)
	if err != nil {
		return nil, err
	}
	covered := new(big.Int).Set(deficit)
	if covered.Cmp(balance) > 0 {
		covered.Set(balance)
	}
	if covered.Sign() == 0 {
		return covered, nil
	}
	if err := f.bank.Transfer(f.account, beneficiary, covered); err != nil {
		return nil, err
	}
	total, err := f.Covered(asset)
	if err != nil {
		return nil, err
	}
	if err := f.store.KVPut(coveredKey(asset), total.Add(total, covered)); err != nil {
		return nil, err
	}
	return covered, nil
}

// Covered returns the cumulative coverage paid for asset.
func (f *Fund) Covered(asset string) (*big.Int, error) {
	if err := f.ready(); err != nil {
		return nil, err
	}
	var total big.Int
	ok, err := f.store.KVGet(coveredKey(asset), &total)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return &total, nil
}
