package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	pstate "synthmargin/native/params/state"
)

var (
	// ErrSettlementAssetUnset is returned when no settlement asset has been
	// configured.
	ErrSettlementAssetUnset = errors.New("params: settlement asset not configured")
	// ErrInvalidValue is returned when a numeric parameter cannot be parsed.
	ErrInvalidValue = errors.New("params: invalid value")
)

// StoreState captures the subset of state manager capabilities required by the
// parameter helpers.
type StoreState interface {
	ParamStoreSet(name string, value []byte) error
	ParamStoreGet(name string) ([]byte, bool, error)
}

// Store provides typed accessors for operator-controlled parameters. It
// satisfies margin.ParameterProvider and common.PauseView.
type Store struct {
	state StoreState
}

// NewStore constructs a parameter store wrapper using the supplied state
// backend.
func NewStore(state StoreState) *Store {
	return &Store{state: state}
}

func (s *Store) withState() (StoreState, error) {
	if s == nil || s.state == nil {
		return nil, fmt.Errorf("params: state not configured")
	}
	return s.state, nil
}

// NormalizeAsset folds an asset symbol to its canonical NFKC upper-case form.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(norm.NFKC.String(strings.TrimSpace(asset)))
}

func (s *Store) load(name string, out interface{}) (bool, error) {
	state, err := s.withState()
	if err != nil {
		return false, err
	}
	raw, ok, err := state.ParamStoreGet(name)
	if err != nil {
		return false, err
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("params: decode %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) store(name string, value interface{}) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("params: encode %s: %w", name, err)
	}
	return state.ParamStoreSet(name, encoded)
}

// SetValue persists an integer parameter. Values are encoded as decimal JSON
// strings so they survive without float rounding.
func (s *Store) SetValue(name string, value *big.Int) error {
	if value == nil || value.Sign() < 0 {
		return fmt.Errorf("%w: %s must be non-negative", ErrInvalidValue, name)
	}
	return s.store(name, value.String())
}

// Value returns the integer parameter stored under name. Unset parameters
// read as zero.
func (s *Store) Value(name string) (*big.Int, error) {
	var raw json.RawMessage
	ok, err := s.load(name, &raw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, `"`) {
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidValue, name)
		}
		text = unquoted
	}
	value, ok := new(big.Int).SetString(text, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s=%q", ErrInvalidValue, name, text)
	}
	return value, nil
}

// SetAssets replaces the supported asset list.
func (s *Store) SetAssets(assets []string) error {
	seen := make(map[string]struct{}, len(assets))
	normalized := make([]string, 0, len(assets))
	for _, asset := range assets {
		symbol := NormalizeAsset(asset)
		if symbol == "" {
			continue
		}
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		normalized = append(normalized, symbol)
	}
	sort.Strings(normalized)
	return s.store(ParamsKeyAssets, normalized)
}

// Assets returns the supported asset list in sorted order.
func (s *Store) Assets() ([]string, error) {
	var assets []string
	if _, err := s.load(ParamsKeyAssets, &assets); err != nil {
		return nil, err
	}
	return assets, nil
}

// IsAssetSupported reports whether asset is in the supported list.
func (s *Store) IsAssetSupported(asset string) (bool, error) {
	assets, err := s.Assets()
	if err != nil {
		return false, err
	}
	symbol := NormalizeAsset(asset)
	for _, candidate := range assets {
		if candidate == symbol {
			return true, nil
		}
	}
	return false, nil
}

// SetSettlementAsset records the settlement asset symbol.
func (s *Store) SetSettlementAsset(asset string) error {
	symbol := NormalizeAsset(asset)
	if symbol == "" {
		return ErrSettlementAssetUnset
	}
	return s.store(ParamsKeySettlementAsset, symbol)
}

// SettlementAssetID returns the configured settlement asset.
func (s *Store) SettlementAssetID() (string, error) {
	var asset string
	ok, err := s.load(ParamsKeySettlementAsset, &asset)
	if err != nil {
		return "", err
	}
	if !ok || asset == "" {
		return "", ErrSettlementAssetUnset
	}
	return asset, nil
}

// SetPaused toggles the pause flag of a module. The configuration is stored as
// a JSON object keyed by module name.
func (s *Store) SetPaused(module string, paused bool) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	pauses, err := pstate.Load(state)
	if err != nil {
		return err
	}
	key := strings.ToLower(strings.TrimSpace(module))
	if key == "" {
		return fmt.Errorf("params: module must not be empty")
	}
	if paused {
		pauses[key] = true
	} else {
		delete(pauses, key)
	}
	return s.store(ParamsKeyPauses, pauses)
}

// IsPaused implements common.PauseView. Read failures are treated as paused so
// a corrupt configuration fails closed.
func (s *Store) IsPaused(module string) bool {
	state, err := s.withState()
	if err != nil {
		return false
	}
	paused, err := pstate.Paused(state, module)
	if err != nil {
		return true
	}
	return paused
}
