package margin

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"synthmargin/core/events"
	"synthmargin/crypto"
	nativecommon "synthmargin/native/common"
)

const moduleName = "margin"

// Engine owns the position ledger of one target asset and applies the
// lifecycle transitions against it.
type Engine struct {
	asset     string
	ledger    Ledger
	params    ParameterProvider
	oracle    PriceOracle
	venue     SettlementVenue
	insurance InsuranceFund
	tx        Transactor
	emitter   events.Emitter
	pauses    nativecommon.PauseView
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
	locks     *accountLocks
}

// NewEngine constructs an engine for the supplied asset. Collaborators are
// injected explicitly; nothing is resolved by name at call time.
func NewEngine(asset string, ledger Ledger, params ParameterProvider, oracle PriceOracle, venue SettlementVenue) *Engine {
	return &Engine{
		asset:   strings.ToUpper(strings.TrimSpace(asset)),
		ledger:  ledger,
		params:  params,
		oracle:  oracle,
		venue:   venue,
		emitter: events.NoopEmitter{},
		now:     time.Now,
		locks:   newAccountLocks(),
	}
}

// Asset returns the target asset managed by the engine.
func (e *Engine) Asset() string {
	if e == nil {
		return ""
	}
	return e.asset
}

// SetTransactor wires the transactional state wrapper. Without one, writes
// from a failed operation are not rolled back.
func (e *Engine) SetTransactor(tx Transactor) {
	if e == nil {
		return
	}
	e.tx = tx
}

// SetInsuranceFund configures the backstop used for liquidation deficits.
func (e *Engine) SetInsuranceFund(fund InsuranceFund) {
	if e == nil {
		return
	}
	e.insurance = fund
}

// SetEmitter configures the notification sink. Events are emitted only after
// the owning transaction commits.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetObserver wires metrics collection.
func (e *Engine) SetObserver(o Observer) {
	if e == nil {
		return
	}
	e.observer = o
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil {
		return
	}
	e.logger = logger
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

func (e *Engine) ready() error {
	if e == nil || e.ledger == nil || e.params == nil || e.oracle == nil || e.venue == nil {
		return ErrNilState
	}
	return nil
}

func (e *Engine) timestamp() uint64 {
	ts := e.now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func validAccount(addr crypto.Address) error {
	if len(addr.Bytes()) != crypto.AddressLength || addr.IsZero() {
		return ErrInvalidAccount
	}
	return nil
}

// opContext buffers side effects that must only happen once the owning
// transaction has committed.
type opContext struct {
	events []events.Event
	after  []func()
}

func (c *opContext) emit(evt events.Event) { c.events = append(c.events, evt) }

func (c *opContext) onCommit(fn func()) { c.after = append(c.after, fn) }

// execute runs a mutating operation for account under its lock and inside one
// transaction.
func (e *Engine) execute(op string, account crypto.Address, fn func(ctx *opContext) error) error {
	started := e.now()
	unlock := e.locks.lock(string(account.Bytes()))
	defer unlock()
	if pinner, ok := e.oracle.(QuotePinner); ok {
		defer pinner.Pin(e.asset)()
	}

	ctx := &opContext{}
	run := func() error {
		ctx.events = ctx.events[:0]
		ctx.after = ctx.after[:0]
		return fn(ctx)
	}

	var err error
	if e.tx != nil {
		err = e.tx.Atomic(run)
	} else {
		err = run()
	}
	e.observe(op, err, e.now().Sub(started))
	if err != nil {
		return err
	}
	for _, evt := range ctx.events {
		e.emitter.Emit(evt)
	}
	for _, fn := range ctx.after {
		fn()
	}
	return nil
}

func (e *Engine) view(fn func() error) error {
	if e.tx != nil {
		return e.tx.View(fn)
	}
	return fn()
}

func (e *Engine) observe(op string, err error, elapsed time.Duration) {
	if e.observer == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	e.observer.ObserveOperation(e.asset, op, outcome, elapsed)
}

func (e *Engine) anomaly(ctx *opContext, kind string, account crypto.Address, attrs ...any) {
	if e.observer != nil {
		ctx.onCommit(func() { e.observer.RecordAnomaly(e.asset, kind) })
	}
	if e.logger != nil {
		args := append([]any{"asset", e.asset, "account", account.String(), "kind", kind}, attrs...)
		e.logger.Warn("margin anomaly", args...)
	}
}

func (e *Engine) ensureSupported() error {
	ok, err := e.params.IsAssetSupported(e.asset)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedAsset, e.asset)
	}
	return nil
}

func (e *Engine) price() (*big.Int, error) {
	price, err := e.oracle.Price(e.asset)
	if err != nil {
		return nil, err
	}
	if !positive(price) {
		return nil, ErrInvalidPrice
	}
	return price, nil
}

func (e *Engine) param(name string) (*big.Int, error) {
	value, err := e.params.Value(name)
	if err != nil {
		return nil, fmt.Errorf("margin engine: param %s: %w", name, err)
	}
	if value == nil {
		return big.NewInt(0), nil
	}
	return value, nil
}

func (e *Engine) loadPosition(account crypto.Address) (*Position, error) {
	position, err := e.ledger.Position(account)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return ZeroPosition(), nil
	}
	return position.Clone(), nil
}

func (e *Engine) storePosition(account crypto.Address, position *Position) error {
	if !position.IsOpen() {
		position.Reset()
	}
	return e.ledger.SetPosition(account, position)
}

func (e *Engine) interestAt(position *Position, now uint64) (*big.Int, error) {
	rate, err := e.param(ParamInterestRateBps)
	if err != nil {
		return nil, err
	}
	return accruedInterest(position, now, rate), nil
}
