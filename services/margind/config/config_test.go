package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"synthmargin/crypto"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeFile(t, "margind.yaml", `
listen: " :7000 "
environment: DEV
data_dir: /var/lib/margind
auth:
  hmac_secret: " dev-secret "
rate_limits:
  " Margin ":
    rate_per_second: 5
    burst: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":7000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.GRPCListenAddress != defaultGRPCListen {
		t.Fatalf("expected default grpc listener, got %q", cfg.GRPCListenAddress)
	}
	if !cfg.DevMode() {
		t.Fatalf("expected dev environment")
	}
	if cfg.Storage.Backend != "leveldb" || cfg.Storage.Path != filepath.Join("/var/lib/margind", "state") {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Idempotency.TTL != 24*time.Hour {
		t.Fatalf("unexpected idempotency ttl: %s", cfg.Idempotency.TTL)
	}
	if cfg.Auth.HMACSecret != "dev-secret" {
		t.Fatalf("expected trimmed secret, got %q", cfg.Auth.HMACSecret)
	}
	if _, ok := cfg.RateLimits["margin"]; !ok {
		t.Fatalf("expected normalised rate limit key, got %v", cfg.RateLimits)
	}
}

func TestLoadConfigRequiresSecret(t *testing.T) {
	path := writeFile(t, "margind.yaml", `
listen: ":8080"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when no auth secret is configured")
	}
}

func TestLoadConfigRejectsShortSecretOutsideDev(t *testing.T) {
	path := writeFile(t, "margind.yaml", `
environment: prod
auth:
  hmac_secret: short
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected short secret to be rejected in prod")
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "margind.yaml", `
auth:
  hmac_secret: a-long-enough-secret
listn: ":8080"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown field to fail decoding")
	}
}

func TestLoadConfigValidatesFeeds(t *testing.T) {
	path := writeFile(t, "margind.yaml", `
auth:
  hmac_secret: a-long-enough-secret
oracle:
  feeds:
    - name: static
      endpoint: https://prices.example/v1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected reserved feed name to be rejected")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvAuthSecret:   "from-env-secret-value",
		EnvOTelEndpoint: "http://collector:4318",
		EnvOTelHeaders:  "x-token=abc, bad, k = v",
	}
	cfg := Config{}
	cfg.applyEnv(func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	})
	if cfg.Auth.HMACSecret != "from-env-secret-value" {
		t.Fatalf("secret override not applied: %q", cfg.Auth.HMACSecret)
	}
	if cfg.Telemetry.Endpoint != "http://collector:4318" {
		t.Fatalf("endpoint override not applied: %q", cfg.Telemetry.Endpoint)
	}
	if len(cfg.Telemetry.Headers) != 2 || cfg.Telemetry.Headers["k"] != "v" {
		t.Fatalf("unexpected headers: %v", cfg.Telemetry.Headers)
	}
}

func TestLoadMarkets(t *testing.T) {
	trader := crypto.MustNewAddress(crypto.AccountPrefix, append([]byte{1}, make([]byte, crypto.AddressLength-1)...))
	path := writeFile(t, "markets.toml", `
settlement_asset = "usd"
interest_rate_bps = 1000
liquidation_fee_bps = 500
pool_liquidity = "1000000"
insurance_balance = "2500.5"

[[assets]]
symbol = " btc "
price = "2.3"

[[assets]]
symbol = "eth"

[[balances]]
account = "`+trader.String()+`"
amount = "1000"
`)
	markets, err := LoadMarkets(path)
	if err != nil {
		t.Fatalf("load markets: %v", err)
	}
	if markets.SettlementAsset != "USD" {
		t.Fatalf("unexpected settlement asset %q", markets.SettlementAsset)
	}
	symbols := markets.Symbols()
	if len(symbols) != 2 || symbols[0] != "BTC" || symbols[1] != "ETH" {
		t.Fatalf("unexpected symbols %v", symbols)
	}
	insurance, err := ParseUnits(markets.InsuranceBalance)
	if err != nil {
		t.Fatalf("parse insurance: %v", err)
	}
	if insurance.String() != "2500500000000000000000" {
		t.Fatalf("unexpected insurance base units %s", insurance)
	}
}

func TestLoadMarketsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"settlement as asset": `
settlement_asset = "USD"
[[assets]]
symbol = "usd"
`,
		"negative price": `
settlement_asset = "USD"
[[assets]]
symbol = "BTC"
price = "-1"
`,
		"unknown key": `
settlement_asset = "USD"
leverage = 20
[[assets]]
symbol = "BTC"
`,
		"bad account": `
settlement_asset = "USD"
[[assets]]
symbol = "BTC"
[[balances]]
account = "nope"
amount = "1"
`,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, "markets.toml", contents)
			if _, err := LoadMarkets(path); err == nil {
				t.Fatalf("expected %s to fail validation", name)
			}
		})
	}
}

func TestParseUnits(t *testing.T) {
	value, err := ParseUnits("0.000000000000000001")
	if err != nil || value.String() != "1" {
		t.Fatalf("expected one base unit, got %v (%v)", value, err)
	}
	if _, err := ParseUnits("0.0000000000000000001"); err == nil {
		t.Fatal("expected sub base unit precision to fail")
	}
	zero, err := ParseUnits(" ")
	if err != nil || zero.Sign() != 0 {
		t.Fatalf("expected empty to parse as zero, got %v (%v)", zero, err)
	}
}

func TestShippedSamplesLoad(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "config.yaml"))
	if err != nil {
		t.Fatalf("load sample config: %v", err)
	}
	if !cfg.DevMode() {
		t.Fatalf("sample config should run in dev mode")
	}
	markets, err := LoadMarkets(filepath.Join("..", "markets.toml"))
	if err != nil {
		t.Fatalf("load sample markets: %v", err)
	}
	if got := markets.Symbols(); len(got) != 2 || got[0] != "BTC" {
		t.Fatalf("unexpected sample markets %v", got)
	}
}
