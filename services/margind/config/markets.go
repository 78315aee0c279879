package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/BurntSushi/toml"

	"synthmargin/crypto"
)

// Markets is the genesis description of the margin venue, read from TOML.
// Amounts and prices are decimal strings in whole units.
type Markets struct {
	SettlementAsset   string          `toml:"settlement_asset"`
	InterestRateBps   int64           `toml:"interest_rate_bps"`
	LiquidationFeeBps int64           `toml:"liquidation_fee_bps"`
	PoolLiquidity     string          `toml:"pool_liquidity"`
	InsuranceBalance  string          `toml:"insurance_balance"`
	Paused            bool            `toml:"paused"`
	Assets            []MarketAsset   `toml:"assets"`
	Balances          []AccountCredit `toml:"balances"`
}

type MarketAsset struct {
	Symbol string `toml:"symbol"`
	Price  string `toml:"price"`
}

type AccountCredit struct {
	Account string `toml:"account"`
	Amount  string `toml:"amount"`
}

var baseUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// LoadMarkets decodes and validates the markets file.
func LoadMarkets(path string) (Markets, error) {
	var markets Markets
	if strings.TrimSpace(path) == "" {
		return markets, fmt.Errorf("markets path required")
	}
	meta, err := toml.DecodeFile(path, &markets)
	if err != nil {
		return Markets{}, fmt.Errorf("decode markets: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Markets{}, fmt.Errorf("markets: unknown key %s", undecoded[0].String())
	}
	markets.normalize()
	if err := markets.validate(); err != nil {
		return Markets{}, err
	}
	return markets, nil
}

func (m *Markets) normalize() {
	m.SettlementAsset = strings.ToUpper(strings.TrimSpace(m.SettlementAsset))
	for i := range m.Assets {
		m.Assets[i].Symbol = strings.ToUpper(strings.TrimSpace(m.Assets[i].Symbol))
		m.Assets[i].Price = strings.TrimSpace(m.Assets[i].Price)
	}
	for i := range m.Balances {
		m.Balances[i].Account = strings.TrimSpace(m.Balances[i].Account)
		m.Balances[i].Amount = strings.TrimSpace(m.Balances[i].Amount)
	}
}

func (m Markets) validate() error {
	if m.SettlementAsset == "" {
		return fmt.Errorf("markets: settlement_asset is required")
	}
	if m.InterestRateBps < 0 {
		return fmt.Errorf("markets: interest_rate_bps must not be negative")
	}
	if m.LiquidationFeeBps < 0 || m.LiquidationFeeBps > 10_000 {
		return fmt.Errorf("markets: liquidation_fee_bps must be within [0,10000]")
	}
	if len(m.Assets) == 0 {
		return fmt.Errorf("markets: at least one asset is required")
	}
	seen := make(map[string]struct{}, len(m.Assets))
	for i, asset := range m.Assets {
		if asset.Symbol == "" {
			return fmt.Errorf("markets: assets[%d] symbol is required", i)
		}
		if asset.Symbol == m.SettlementAsset {
			return fmt.Errorf("markets: asset %s is the settlement asset", asset.Symbol)
		}
		if _, dup := seen[asset.Symbol]; dup {
			return fmt.Errorf("markets: duplicate asset %s", asset.Symbol)
		}
		seen[asset.Symbol] = struct{}{}
		if asset.Price != "" {
			price, err := ParseUnits(asset.Price)
			if err != nil {
				return fmt.Errorf("markets: %s price: %w", asset.Symbol, err)
			}
			if price.Sign() <= 0 {
				return fmt.Errorf("markets: %s price must be positive", asset.Symbol)
			}
		}
	}
	if _, err := ParseUnits(m.PoolLiquidity); err != nil {
		return fmt.Errorf("markets: pool_liquidity: %w", err)
	}
	if _, err := ParseUnits(m.InsuranceBalance); err != nil {
		return fmt.Errorf("markets: insurance_balance: %w", err)
	}
	for i, credit := range m.Balances {
		if _, err := crypto.DecodeAddress(credit.Account); err != nil {
			return fmt.Errorf("markets: balances[%d] account: %w", i, err)
		}
		if _, err := ParseUnits(credit.Amount); err != nil {
			return fmt.Errorf("markets: balances[%d] amount: %w", i, err)
		}
	}
	return nil
}

// Symbols lists the configured assets in file order.
func (m Markets) Symbols() []string {
	out := make([]string, 0, len(m.Assets))
	for _, asset := range m.Assets {
		out = append(out, asset.Symbol)
	}
	return out
}

// ParseUnits converts a decimal string of whole units into 18-decimal base
// units. Empty input is zero. Sub-base-unit precision is rejected.
func ParseUnits(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return big.NewInt(0), nil
	}
	rat, ok := new(big.Rat).SetString(value)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", value)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", value)
	}
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(baseUnit))
	if !scaled.IsInt() {
		return nil, fmt.Errorf("amount %q exceeds 18 decimals", value)
	}
	return new(big.Int).Set(scaled.Num()), nil
}
