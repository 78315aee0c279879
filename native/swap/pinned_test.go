package swap

import (
	"errors"
	"math/big"
	"testing"
)

type countingOracle struct {
	price *big.Int
	calls int
	err   error
}

func (c *countingOracle) Price(string) (*big.Int, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return new(big.Int).Set(c.price), nil
}

func TestPinnedOracleHoldsQuoteUntilReleased(t *testing.T) {
	inner := &countingOracle{price: big.NewInt(100)}
	oracle := NewPinnedOracle(inner)

	release := oracle.Pin("btc")
	inner.price = big.NewInt(200)
	for i := 0; i < 3; i++ {
		price, err := oracle.Price("BTC")
		if err != nil {
			t.Fatalf("price: %v", err)
		}
		if price.Cmp(big.NewInt(100)) != 0 {
			t.Fatalf("expected pinned price, got %s", price)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected a single upstream read, got %d", inner.calls)
	}

	nested := oracle.Pin("BTC")
	release()
	if price, _ := oracle.Price("BTC"); price.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("nested pin must keep the quote, got %s", price)
	}
	nested()
	nested()
	if price, _ := oracle.Price("BTC"); price.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("released oracle must read through, got %s", price)
	}
}

func TestPinnedOracleSkipsFailedFetch(t *testing.T) {
	inner := &countingOracle{err: errors.New("feed down")}
	oracle := NewPinnedOracle(inner)
	release := oracle.Pin("ETH")
	defer release()
	if _, err := oracle.Price("ETH"); err == nil {
		t.Fatalf("expected upstream error to surface")
	}
	if inner.calls != 2 {
		t.Fatalf("expected read-through after failed pin, got %d calls", inner.calls)
	}
}
