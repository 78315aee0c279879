package swap

import (
	"fmt"
	"math/big"
	"time"

	"synthmargin/native/margin"
)

// KVStore captures the subset of the state manager used by swap components.
type KVStore interface {
	KVPut(key []byte, value interface{}) error
	KVGet(key []byte, out interface{}) (bool, error)
}

type storedPrice struct {
	Price   *big.Int
	Updated uint64
}

func priceKey(asset string) []byte {
	return []byte("swap/price/" + normaliseSymbol(asset))
}

// StaticOracle serves operator-set prices persisted in state. It satisfies
// both margin.PriceOracle and PriceFeed.
type StaticOracle struct {
	store KVStore
	now   func() time.Time
}

// NewStaticOracle binds the oracle to state.
func NewStaticOracle(store KVStore) *StaticOracle {
	return &StaticOracle{store: store, now: time.Now}
}

// SetClock overrides the timestamp recorded with new prices.
func (o *StaticOracle) SetClock(now func() time.Time) {
	if o != nil && now != nil {
		o.now = now
	}
}

// SetPrice records the scaled price for asset.
func (o *StaticOracle) SetPrice(asset string, price *big.Int) error {
	if o == nil || o.store == nil {
		return fmt.Errorf("swap: static oracle not configured")
	}
	if price == nil || price.Sign() <= 0 {
		return margin.ErrInvalidPrice
	}
	ts := o.now().Unix()
	if ts < 0 {
		ts = 0
	}
	return o.store.KVPut(priceKey(asset), storedPrice{Price: new(big.Int).Set(price), Updated: uint64(ts)})
}

func (o *StaticOracle) load(asset string) (storedPrice, error) {
	if o == nil || o.store == nil {
		return storedPrice{}, fmt.Errorf("swap: static oracle not configured")
	}
	var stored storedPrice
	ok, err := o.store.KVGet(priceKey(asset), &stored)
	if err != nil {
		return storedPrice{}, err
	}
	if !ok || stored.Price == nil || stored.Price.Sign() <= 0 {
		return storedPrice{}, fmt.Errorf("%w: no price for %s", margin.ErrInvalidPrice, normaliseSymbol(asset))
	}
	return stored, nil
}

// Price implements margin.PriceOracle.
func (o *StaticOracle) Price(asset string) (*big.Int, error) {
	stored, err := o.load(asset)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(stored.Price), nil
}

// Quote implements PriceFeed so admin prices can back a FeedAggregator.
func (o *StaticOracle) Quote(asset string) (PriceQuote, error) {
	stored, err := o.load(asset)
	if err != nil {
		return PriceQuote{}, err
	}
	rate := new(big.Rat).SetFrac(stored.Price, margin.PriceScale)
	return PriceQuote{Rate: rate, Timestamp: time.Unix(int64(stored.Updated), 0), Source: "static"}, nil
}
