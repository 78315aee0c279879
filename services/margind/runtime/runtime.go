package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"synthmargin/core/events"
	"synthmargin/core/state"
	"synthmargin/crypto"
	"synthmargin/native/bank"
	"synthmargin/native/insurance"
	"synthmargin/native/margin"
	"synthmargin/native/params"
	"synthmargin/native/swap"
	"synthmargin/observability"
	"synthmargin/services/margind/audit"
	"synthmargin/services/margind/config"
	"synthmargin/storage"
)

const (
	// PoolModule names the liquidity pool account.
	PoolModule = "pool"
	// InsuranceModule names the insurance fund account.
	InsuranceModule = "insurance"
	// MarginModule is the pause key checked by every engine.
	MarginModule = "margin"

	staticFeed = "static"
)

// ErrUnknownMarket is returned when no engine serves the requested asset.
var ErrUnknownMarket = errors.New("margind: unknown market")

// Feed is a named remote price source consulted before operator prices.
type Feed struct {
	Name string
	Feed swap.PriceFeed
}

// Options configures a Runtime.
type Options struct {
	Database     storage.Database
	Markets      config.Markets
	Feeds        []Feed
	OracleMaxAge time.Duration
	Emitter      events.Emitter
	Logger       *slog.Logger
	Clock        func() time.Time
}

// Runtime owns the shared state and the per-asset engines.
type Runtime struct {
	State     *state.Manager
	Bank      *bank.Ledger
	Params    *params.Store
	Prices    *swap.StaticOracle
	Oracle    *swap.FeedAggregator
	Venue     *swap.Venue
	Insurance *insurance.Fund

	engines map[string]*margin.Engine
	ledgers map[string]*state.PositionLedger
	assets  []string
	logger  *slog.Logger
}

// New wires the collaborators, applies genesis on first start and builds an
// engine for every supported asset.
func New(opts Options) (*Runtime, error) {
	if opts.Database == nil {
		return nil, errors.New("margind: database is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	manager := state.NewManager(opts.Database)
	ledger := bank.NewLedger(manager)
	store := params.NewStore(manager)

	prices := swap.NewStaticOracle(manager)
	prices.SetClock(now)
	priority := make([]string, 0, len(opts.Feeds)+1)
	for _, feed := range opts.Feeds {
		priority = append(priority, feed.Name)
	}
	priority = append(priority, staticFeed)
	oracle := swap.NewFeedAggregator(priority, opts.OracleMaxAge)
	oracle.SetClock(now)
	for _, feed := range opts.Feeds {
		oracle.Register(feed.Name, feed.Feed)
	}
	oracle.Register(staticFeed, prices)
	quotes := swap.NewPinnedOracle(oracle)

	rt := &Runtime{
		State:     manager,
		Bank:      ledger,
		Params:    store,
		Prices:    prices,
		Oracle:    oracle,
		Venue:     swap.NewVenue(manager, ledger, quotes, crypto.ModuleAddress(PoolModule)),
		Insurance: insurance.NewFund(manager, ledger, crypto.ModuleAddress(InsuranceModule)),
		engines:   make(map[string]*margin.Engine),
		ledgers:   make(map[string]*state.PositionLedger),
		logger:    logger,
	}
	applied, err := rt.applyGenesis(opts.Markets)
	if err != nil {
		return nil, err
	}
	if applied {
		logger.Info("genesis applied", slog.String("settlement", opts.Markets.SettlementAsset), slog.Any("assets", opts.Markets.Symbols()))
	}

	var assets []string
	if err := manager.View(func() error {
		var err error
		assets, err = store.Assets()
		return err
	}); err != nil {
		return nil, fmt.Errorf("margind: load assets: %w", err)
	}
	if !applied {
		for _, symbol := range opts.Markets.Symbols() {
			if !contains(assets, params.NormalizeAsset(symbol)) {
				logger.Warn("markets file lists an asset missing from state; genesis is only applied once", slog.String("asset", symbol))
			}
		}
	}

	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	for _, asset := range assets {
		positions := state.NewPositionLedger(manager, asset)
		engine := margin.NewEngine(asset, positions, store, quotes, rt.Venue)
		engine.SetTransactor(manager)
		engine.SetInsuranceFund(rt.Insurance)
		engine.SetEmitter(emitter)
		engine.SetPauses(store)
		engine.SetObserver(observability.Margin())
		engine.SetLogger(logger.With(slog.String("asset", asset)))
		engine.SetClock(now)
		rt.engines[asset] = engine
		rt.ledgers[asset] = positions
	}
	rt.assets = assets
	return rt, nil
}

// applyGenesis seeds params, prices and balances when state has no settlement
// asset yet. It reports whether genesis ran.
func (r *Runtime) applyGenesis(markets config.Markets) (bool, error) {
	var initialised bool
	if err := r.State.View(func() error {
		_, err := r.Params.SettlementAssetID()
		switch {
		case err == nil:
			initialised = true
			return nil
		case errors.Is(err, params.ErrSettlementAssetUnset):
			return nil
		default:
			return err
		}
	}); err != nil {
		return false, fmt.Errorf("margind: inspect state: %w", err)
	}
	if initialised {
		return false, nil
	}
	if markets.SettlementAsset == "" {
		return false, errors.New("margind: state is empty and no markets genesis was supplied")
	}
	err := r.State.Atomic(func() error {
		if err := r.Params.SetSettlementAsset(markets.SettlementAsset); err != nil {
			return err
		}
		if err := r.Params.SetAssets(markets.Symbols()); err != nil {
			return err
		}
		if err := r.Params.SetValue(margin.ParamInterestRateBps, big.NewInt(markets.InterestRateBps)); err != nil {
			return err
		}
		if err := r.Params.SetValue(margin.ParamLiquidationFeeBps, big.NewInt(markets.LiquidationFeeBps)); err != nil {
			return err
		}
		if err := r.Params.SetPaused(MarginModule, markets.Paused); err != nil {
			return err
		}
		for _, asset := range markets.Assets {
			if asset.Price == "" {
				continue
			}
			price, err := config.ParseUnits(asset.Price)
			if err != nil {
				return err
			}
			if err := r.Prices.SetPrice(asset.Symbol, price); err != nil {
				return err
			}
		}
		if err := r.credit(r.Venue.Pool(), markets.PoolLiquidity); err != nil {
			return fmt.Errorf("pool: %w", err)
		}
		if err := r.credit(r.Insurance.Account(), markets.InsuranceBalance); err != nil {
			return fmt.Errorf("insurance: %w", err)
		}
		for _, entry := range markets.Balances {
			addr, err := crypto.DecodeAddress(entry.Account)
			if err != nil {
				return err
			}
			if err := r.credit(addr, entry.Amount); err != nil {
				return fmt.Errorf("balance %s: %w", entry.Account, err)
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("margind: genesis: %w", err)
	}
	return true, nil
}

func (r *Runtime) credit(addr crypto.Address, amount string) error {
	value, err := config.ParseUnits(amount)
	if err != nil {
		return err
	}
	if value.Sign() == 0 {
		return nil
	}
	return r.Bank.Credit(addr, value)
}

// Assets lists the markets served, sorted.
func (r *Runtime) Assets() []string {
	return append([]string(nil), r.assets...)
}

// Engine returns the engine serving asset.
func (r *Runtime) Engine(asset string) (*margin.Engine, error) {
	engine, ok := r.engines[params.NormalizeAsset(asset)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, asset)
	}
	return engine, nil
}

// Balance reads the settlement balance of addr from committed state.
func (r *Runtime) Balance(addr crypto.Address) (*big.Int, error) {
	var balance *big.Int
	err := r.State.View(func() error {
		var err error
		balance, err = r.Bank.Balance(addr)
		return err
	})
	return balance, err
}

// SetPrice records an operator price for asset.
func (r *Runtime) SetPrice(asset string, price *big.Int) error {
	if _, err := r.Engine(asset); err != nil {
		return err
	}
	return r.State.Atomic(func() error {
		return r.Prices.SetPrice(asset, price)
	})
}

// SetPaused toggles the margin pause switch.
func (r *Runtime) SetPaused(paused bool) error {
	return r.State.Atomic(func() error {
		return r.Params.SetPaused(MarginModule, paused)
	})
}

// Paused reports the margin pause switch.
func (r *Runtime) Paused() bool {
	var paused bool
	_ = r.State.View(func() error {
		paused = r.Params.IsPaused(MarginModule)
		return nil
	})
	return paused
}

// MarketInfo summarises one market.
type MarketInfo struct {
	Asset             string
	Price             *big.Int
	PriceSource       string
	Supply            *big.Int
	OpenBorrow        *big.Int
	InterestCollected *big.Int
}

// Markets summarises every served market. A market whose price cannot be
// resolved is reported with a nil price.
func (r *Runtime) Markets() ([]MarketInfo, *big.Int, error) {
	out := make([]MarketInfo, 0, len(r.assets))
	var available *big.Int
	err := r.State.View(func() error {
		for _, asset := range r.assets {
			info := MarketInfo{Asset: asset}
			if quote, err := r.Oracle.Quote(asset); err == nil {
				info.Price = quote.Scaled()
				info.PriceSource = quote.Source
			}
			var err error
			if info.Supply, err = r.Venue.Supply(asset); err != nil {
				return err
			}
			if info.OpenBorrow, err = r.Venue.OpenBorrow(asset); err != nil {
				return err
			}
			if info.InterestCollected, err = r.Venue.InterestCollected(asset); err != nil {
				return err
			}
			out = append(out, info)
		}
		var err error
		available, err = r.Venue.Available()
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return out, available, nil
}

// AuditSnapshots implements audit.Source. Each position is read in its own
// consistent view.
func (r *Runtime) AuditSnapshots(ctx context.Context) ([]audit.Snapshot, error) {
	var out []audit.Snapshot
	for _, asset := range r.assets {
		var accounts []crypto.Address
		if err := r.State.View(func() error {
			var err error
			accounts, err = r.ledgers[asset].Accounts()
			return err
		}); err != nil {
			return nil, err
		}
		engine := r.engines[asset]
		for _, account := range accounts {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			snap, open, err := snapshotOf(engine, account)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", asset, account, err)
			}
			if open {
				out = append(out, snap)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Asset != out[j].Asset {
			return out[i].Asset < out[j].Asset
		}
		return out[i].Account < out[j].Account
	})
	return out, nil
}

func snapshotOf(engine *margin.Engine, account crypto.Address) (audit.Snapshot, bool, error) {
	position, err := engine.PositionInfo(account)
	if err != nil || !position.IsOpen() {
		return audit.Snapshot{}, false, err
	}
	snap := audit.Snapshot{
		Asset:               engine.Asset(),
		Account:             account.String(),
		Collateral:          position.Collateral,
		Loan:                position.Loan,
		EntryPrice:          position.EntryPrice,
		EntryTimestamp:      position.EntryTimestamp,
		ExpirationTimestamp: position.ExpirationTimestamp,
	}
	if snap.InterestAccrued, err = engine.InterestAccrued(account); err != nil {
		return audit.Snapshot{}, false, err
	}
	if snap.Leverage, err = engine.LeverageFactor(account); err != nil {
		return audit.Snapshot{}, false, err
	}
	if snap.LiquidationPrice, err = engine.LiquidationPrice(account); err != nil {
		return audit.Snapshot{}, false, err
	}
	// Value and liquidatability need a live price; a missing quote leaves
	// them unset rather than failing the whole export.
	if value, err := engine.PositionValue(account); err == nil {
		snap.Value = value
	}
	if ok, err := engine.CanBeLiquidated(account); err == nil {
		snap.Liquidatable = ok
	}
	return snap, true, nil
}

func contains(list []string, value string) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}
