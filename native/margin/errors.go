package margin

import "errors"

var (
	ErrNilState              = errors.New("margin engine: state not configured")
	ErrInvalidAccount        = errors.New("margin engine: invalid account")
	ErrInvalidAmount         = errors.New("margin engine: amount must be positive")
	ErrLeverageExceeded      = errors.New("margin engine: leverage exceeds ceiling")
	ErrPositionTooSmall      = errors.New("margin engine: amount not below position size")
	ErrNotLiquidatable       = errors.New("margin engine: position not eligible for liquidation")
	ErrUnsupportedAsset      = errors.New("margin engine: asset not supported")
	ErrInsufficientLiquidity = errors.New("margin engine: insufficient liquidity")
	ErrNoPosition            = errors.New("margin engine: no open position")
	ErrPositionOpen          = errors.New("margin engine: position already open")
	ErrInvalidPrice          = errors.New("margin engine: oracle price must be positive")
)
