package swap

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"synthmargin/native/margin"
)

// PriceQuote captures the settlement-asset price of one whole target token
// along with the timestamp reported by the upstream feed and its identifier.
type PriceQuote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q PriceQuote) Clone() PriceQuote {
	clone := PriceQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// Scaled converts the quote into the fixed-point price used by the margin
// engine. Fractions below 1e-18 are truncated.
func (q PriceQuote) Scaled() *big.Int {
	return ScaleRate(q.Rate)
}

// ScaleRate multiplies rate by margin.PriceScale and truncates.
func ScaleRate(rate *big.Rat) *big.Int {
	if rate == nil {
		return big.NewInt(0)
	}
	scaled := new(big.Rat).Mul(rate, new(big.Rat).SetInt(margin.PriceScale))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom())
}

// ParsePrice parses a decimal price such as "1843.25" into its scaled form.
func ParsePrice(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("swap: price required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("swap: invalid price %q", value)
	}
	scaled := ScaleRate(rat)
	if scaled.Sign() <= 0 {
		return nil, fmt.Errorf("swap: price must be positive")
	}
	return scaled, nil
}

// PriceFeed resolves the latest quote for a target asset.
type PriceFeed interface {
	Quote(asset string) (PriceQuote, error)
}

// ErrNoFreshQuote indicates that the aggregator could not retrieve a quote within
// the configured freshness window.
var ErrNoFreshQuote = errors.New("swap: no fresh oracle quote available")

// FeedAggregator consults a list of registered feeds in priority order until a
// fresh quote is obtained. It satisfies margin.PriceOracle.
type FeedAggregator struct {
	mu       sync.RWMutex
	priority []string
	feeds    map[string]PriceFeed
	maxAge   time.Duration
	now      func() time.Time
	last     map[string]PriceQuote
}

// NewFeedAggregator constructs a new aggregator with the provided priority and
// freshness window.
func NewFeedAggregator(priority []string, maxAge time.Duration) *FeedAggregator {
	prio := make([]string, 0, len(priority))
	for _, name := range priority {
		if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
			prio = append(prio, trimmed)
		}
	}
	return &FeedAggregator{
		priority: prio,
		feeds:    make(map[string]PriceFeed),
		maxAge:   maxAge,
		now:      time.Now,
		last:     make(map[string]PriceQuote),
	}
}

// SetClock overrides the time source used for freshness checks.
func (a *FeedAggregator) SetClock(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

// Register adds or replaces a feed under the supplied identifier. Identifiers
// are stored in lowercase; unknown identifiers are appended to the priority.
func (a *FeedAggregator) Register(name string, feed PriceFeed) {
	if a == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.feeds[trimmed] = feed
	for _, entry := range a.priority {
		if entry == trimmed {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// Quote returns the first fresh, positive quote in priority order.
func (a *FeedAggregator) Quote(asset string) (PriceQuote, error) {
	if a == nil {
		return PriceQuote{}, fmt.Errorf("oracle aggregator not configured")
	}
	symbol := normaliseSymbol(asset)
	if symbol == "" {
		return PriceQuote{}, fmt.Errorf("oracle: asset required")
	}
	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	maxAge := a.maxAge
	now := a.now()
	a.mu.RUnlock()

	var lastErr error
	for _, name := range priority {
		a.mu.RLock()
		feed := a.feeds[name]
		a.mu.RUnlock()
		if feed == nil {
			continue
		}
		quote, err := feed.Quote(symbol)
		if err != nil {
			lastErr = err
			continue
		}
		if quote.Rate == nil || quote.Rate.Sign() <= 0 {
			lastErr = fmt.Errorf("oracle %s returned invalid rate", name)
			continue
		}
		if maxAge > 0 && quote.Timestamp.Before(now.Add(-maxAge)) {
			lastErr = ErrNoFreshQuote
			continue
		}
		result := quote.Clone()
		if strings.TrimSpace(result.Source) == "" {
			result.Source = name
		}
		a.mu.Lock()
		a.last[symbol] = result.Clone()
		a.mu.Unlock()
		return result, nil
	}
	if lastErr == nil {
		lastErr = ErrNoFreshQuote
	}
	return PriceQuote{}, lastErr
}

// Price implements margin.PriceOracle.
func (a *FeedAggregator) Price(asset string) (*big.Int, error) {
	quote, err := a.Quote(asset)
	if err != nil {
		return nil, err
	}
	price := quote.Scaled()
	if price.Sign() <= 0 {
		return nil, margin.ErrInvalidPrice
	}
	return price, nil
}

// LastQuote returns the most recent quote served for asset.
func (a *FeedAggregator) LastQuote(asset string) (PriceQuote, bool) {
	if a == nil {
		return PriceQuote{}, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	quote, ok := a.last[normaliseSymbol(asset)]
	if !ok {
		return PriceQuote{}, false
	}
	return quote.Clone(), true
}

// ManualFeed provides an in-memory feed used for tests and manual overrides
// during incident response.
type ManualFeed struct {
	mu     sync.RWMutex
	quotes map[string]PriceQuote
}

// NewManualFeed constructs an empty manual feed.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{quotes: make(map[string]PriceQuote)}
}

// SetDecimal records the supplied decimal rate for the asset.
func (m *ManualFeed) SetDecimal(asset, rate string, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("manual feed not configured")
	}
	rat, ok := new(big.Rat).SetString(strings.TrimSpace(rate))
	if !ok {
		return fmt.Errorf("manual feed: invalid rate %q", rate)
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("manual feed: rate must be positive")
	}
	m.mu.Lock()
	m.quotes[normaliseSymbol(asset)] = PriceQuote{Rate: rat, Timestamp: ts, Source: "manual"}
	m.mu.Unlock()
	return nil
}

// Quote implements PriceFeed.
func (m *ManualFeed) Quote(asset string) (PriceQuote, error) {
	if m == nil {
		return PriceQuote{}, fmt.Errorf("manual feed not configured")
	}
	m.mu.RLock()
	stored, ok := m.quotes[normaliseSymbol(asset)]
	m.mu.RUnlock()
	if !ok {
		return PriceQuote{}, fmt.Errorf("manual feed: quote for %s not found", asset)
	}
	return stored.Clone(), nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFeed fetches quotes from a JSON endpoint answering
// GET <endpoint>?asset=<SYMBOL> with {"price": "...", "timestamp": <unix>}.
type HTTPFeed struct {
	name     string
	client   HTTPDoer
	endpoint string
	apiKey   string
}

// NewHTTPFeed constructs an HTTP feed adapter. When the client is nil
// http.DefaultClient is used. The API key is optional.
func NewHTTPFeed(name string, client HTTPDoer, endpoint, apiKey string) *HTTPFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFeed{
		name:     strings.ToLower(strings.TrimSpace(name)),
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
	}
}

// Quote implements PriceFeed.
func (o *HTTPFeed) Quote(asset string) (PriceQuote, error) {
	if o == nil || o.endpoint == "" {
		return PriceQuote{}, fmt.Errorf("http feed not configured")
	}
	req, err := http.NewRequest(http.MethodGet, o.endpoint, nil)
	if err != nil {
		return PriceQuote{}, err
	}
	values := url.Values{}
	values.Set("asset", normaliseSymbol(asset))
	req.URL.RawQuery = values.Encode()
	if o.apiKey != "" {
		req.Header.Set("x-api-key", o.apiKey)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return PriceQuote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return PriceQuote{}, fmt.Errorf("%s feed: status %d: %s", o.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Price     string `json:"price"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return PriceQuote{}, fmt.Errorf("%s feed: decode: %w", o.name, err)
	}
	rat, ok := new(big.Rat).SetString(strings.TrimSpace(payload.Price))
	if !ok || rat.Sign() <= 0 {
		return PriceQuote{}, fmt.Errorf("%s feed: invalid price %q", o.name, payload.Price)
	}
	ts := time.Unix(payload.Timestamp, 0)
	if payload.Timestamp <= 0 {
		ts = time.Now().UTC()
	}
	return PriceQuote{Rate: rat, Timestamp: ts, Source: o.name}, nil
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
