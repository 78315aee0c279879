package swap

import (
	"math/big"
	"sync"

	"synthmargin/native/margin"
)

type pinnedQuote struct {
	refs  int
	price *big.Int
}

// PinnedOracle wraps a price oracle so every reader of an asset sees the same
// price while at least one pin on that asset is held. Unpinned reads go
// straight to the wrapped oracle.
type PinnedOracle struct {
	inner margin.PriceOracle

	mu   sync.Mutex
	pins map[string]*pinnedQuote
}

// NewPinnedOracle wraps inner.
func NewPinnedOracle(inner margin.PriceOracle) *PinnedOracle {
	return &PinnedOracle{inner: inner, pins: make(map[string]*pinnedQuote)}
}

// Pin implements margin.QuotePinner. Pins on the same asset share the first
// fetched price until the last one is released.
func (o *PinnedOracle) Pin(asset string) func() {
	symbol := normaliseSymbol(asset)
	if o.acquire(symbol, nil) {
		return o.releaser(symbol)
	}
	price, err := o.inner.Price(symbol)
	if err != nil || price == nil || price.Sign() <= 0 {
		return func() {}
	}
	o.acquire(symbol, price)
	return o.releaser(symbol)
}

// acquire bumps an existing pin, or installs price when one is supplied.
func (o *PinnedOracle) acquire(symbol string, price *big.Int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if pin, ok := o.pins[symbol]; ok {
		pin.refs++
		return true
	}
	if price == nil {
		return false
	}
	o.pins[symbol] = &pinnedQuote{refs: 1, price: new(big.Int).Set(price)}
	return true
}

func (o *PinnedOracle) releaser(symbol string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			pin, ok := o.pins[symbol]
			if !ok {
				return
			}
			if pin.refs--; pin.refs <= 0 {
				delete(o.pins, symbol)
			}
		})
	}
}

// Price implements margin.PriceOracle.
func (o *PinnedOracle) Price(asset string) (*big.Int, error) {
	symbol := normaliseSymbol(asset)
	o.mu.Lock()
	pin, ok := o.pins[symbol]
	o.mu.Unlock()
	if ok {
		return new(big.Int).Set(pin.price), nil
	}
	return o.inner.Price(symbol)
}
