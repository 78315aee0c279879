package server

import (
	"errors"
	"log/slog"
	"net/http"

	"synthmargin/native/bank"
	nativecommon "synthmargin/native/common"
	"synthmargin/native/margin"
	"synthmargin/native/swap"
	"synthmargin/services/margind/runtime"
)

var errorStatuses = []struct {
	err    error
	status int
}{
	{runtime.ErrUnknownMarket, http.StatusNotFound},
	{margin.ErrUnsupportedAsset, http.StatusNotFound},
	{margin.ErrNoPosition, http.StatusNotFound},
	{margin.ErrInvalidAccount, http.StatusBadRequest},
	{margin.ErrInvalidAmount, http.StatusBadRequest},
	{bank.ErrInvalidAmount, http.StatusBadRequest},
	{bank.ErrInsufficientBalance, http.StatusBadRequest},
	{margin.ErrLeverageExceeded, http.StatusConflict},
	{margin.ErrNotLiquidatable, http.StatusConflict},
	{margin.ErrPositionOpen, http.StatusConflict},
	{margin.ErrPositionTooSmall, http.StatusUnprocessableEntity},
	{nativecommon.ErrModulePaused, http.StatusServiceUnavailable},
	{margin.ErrInsufficientLiquidity, http.StatusServiceUnavailable},
	{margin.ErrInvalidPrice, http.StatusServiceUnavailable},
	{swap.ErrNoFreshQuote, http.StatusServiceUnavailable},
}

// statusFor maps engine and collaborator errors to an HTTP status.
func statusFor(err error) int {
	for _, entry := range errorStatuses {
		if errors.Is(err, entry.err) {
			return entry.status
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeError(w, status, http.StatusText(status))
		return
	}
	writeError(w, status, err.Error())
}
