package swap

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"synthmargin/core/state"
	"synthmargin/native/margin"
	"synthmargin/storage"
)

type feedFunc func(asset string) (PriceQuote, error)

func (f feedFunc) Quote(asset string) (PriceQuote, error) {
	return f(asset)
}

func TestManualFeedProvidesQuotes(t *testing.T) {
	manual := NewManualFeed()
	now := time.Now().UTC()
	if err := manual.SetDecimal("btc", "0.75", now); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	quote, err := manual.Quote("BTC")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Rate == nil || quote.Rate.FloatString(2) != "0.75" {
		t.Fatalf("unexpected rate: %v", quote.Rate)
	}
	if !quote.Timestamp.Equal(now) {
		t.Fatalf("unexpected timestamp: %v", quote.Timestamp)
	}
	if err := manual.SetDecimal("btc", "-1", now); err == nil {
		t.Fatalf("expected error for negative rate")
	}
}

func TestFeedAggregatorStaleQuote(t *testing.T) {
	manual := NewManualFeed()
	agg := NewFeedAggregator([]string{"manual"}, time.Second)
	agg.Register("manual", manual)
	if err := manual.SetDecimal("ETH", "0.50", time.Now().Add(-2*time.Second)); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if _, err := agg.Price("ETH"); !errors.Is(err, ErrNoFreshQuote) {
		t.Fatalf("expected stale quote error, got %v", err)
	}
}

func TestFeedAggregatorPriorityFallback(t *testing.T) {
	manual := NewManualFeed()
	agg := NewFeedAggregator([]string{"primary", "manual"}, 5*time.Minute)
	agg.Register("primary", feedFunc(func(string) (PriceQuote, error) {
		return PriceQuote{}, fmt.Errorf("primary down")
	}))
	agg.Register("manual", manual)
	if err := manual.SetDecimal("ETH", "1.25", time.Now()); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	quote, err := agg.Quote("eth")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Source != "manual" {
		t.Fatalf("expected manual source, got %s", quote.Source)
	}
	price, err := agg.Price("ETH")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	expected := new(big.Int).Mul(big.NewInt(125), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))
	if price.Cmp(expected) != 0 {
		t.Fatalf("expected %s, got %s", expected, price)
	}
	if last, ok := agg.LastQuote("ETH"); !ok || last.Source != "manual" {
		t.Fatalf("expected last quote to be cached")
	}
}

func TestHTTPFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("asset"); got != "BTC" {
			http.Error(w, "unexpected asset "+got, http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"price": "64000.5", "timestamp": time.Now().Unix()})
	}))
	defer server.Close()
	feed := NewHTTPFeed("Primary", server.Client(), server.URL, "")
	quote, err := feed.Quote("btc")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Rate == nil || quote.Rate.FloatString(1) != "64000.5" {
		t.Fatalf("unexpected rate: %v", quote.Rate)
	}
	if quote.Source != "primary" {
		t.Fatalf("unexpected source: %s", quote.Source)
	}
	if _, err := feed.Quote("eth"); err == nil {
		t.Fatalf("expected error on non-200 response")
	}
}

func TestParsePrice(t *testing.T) {
	price, err := ParsePrice("2.5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	expected := new(big.Int).Mul(big.NewInt(25), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
	if price.Cmp(expected) != 0 {
		t.Fatalf("expected %s, got %s", expected, price)
	}
	for _, bad := range []string{"", "abc", "0", "-4"} {
		if _, err := ParsePrice(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestStaticOracleRoundTrip(t *testing.T) {
	oracle := NewStaticOracle(state.NewManager(storage.NewMemDB()))
	if _, err := oracle.Price("BTC"); !errors.Is(err, margin.ErrInvalidPrice) {
		t.Fatalf("expected missing price error, got %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	oracle.SetClock(func() time.Time { return now })
	if err := oracle.SetPrice("btc", margin.PriceScale); err != nil {
		t.Fatalf("set price: %v", err)
	}
	price, err := oracle.Price("BTC")
	if err != nil || price.Cmp(margin.PriceScale) != 0 {
		t.Fatalf("unexpected price %v err=%v", price, err)
	}
	quote, err := oracle.Quote("BTC")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Rate.Cmp(big.NewRat(1, 1)) != 0 || !quote.Timestamp.Equal(now) {
		t.Fatalf("unexpected quote: %+v", quote)
	}
	if err := oracle.SetPrice("btc", big.NewInt(0)); !errors.Is(err, margin.ErrInvalidPrice) {
		t.Fatalf("expected invalid price, got %v", err)
	}
}
