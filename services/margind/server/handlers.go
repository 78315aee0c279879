package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"synthmargin/crypto"
	"synthmargin/gateway/middleware"
	"synthmargin/native/margin"
)

// positionView is the JSON shape of a position. Amounts are base-unit decimal
// strings.
type positionView struct {
	Asset               string `json:"asset"`
	Account             string `json:"account"`
	Open                bool   `json:"open"`
	Collateral          string `json:"collateral"`
	Loan                string `json:"loan"`
	EntryPrice          string `json:"entryPrice"`
	EntryTimestamp      uint64 `json:"entryTimestamp"`
	ExpirationTimestamp uint64 `json:"expirationTimestamp"`
}

func viewOf(asset string, account crypto.Address, p *margin.Position) positionView {
	return positionView{
		Asset:               asset,
		Account:             account.String(),
		Open:                p.IsOpen(),
		Collateral:          amountString(p.Collateral),
		Loan:                amountString(p.Loan),
		EntryPrice:          amountString(p.EntryPrice),
		EntryTimestamp:      p.EntryTimestamp,
		ExpirationTimestamp: p.ExpirationTimestamp,
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%s must be an integer amount in base units", field)
	}
	return v, nil
}

func decode(r *http.Request, out any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return errors.New("request body required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (*margin.Engine, bool) {
	engine, err := s.rt.Engine(chi.URLParam(r, "asset"))
	if err != nil {
		s.writeFailure(w, r, err)
		return nil, false
	}
	return engine, true
}

func accountParam(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account")
		return crypto.Address{}, false
	}
	return addr, true
}

func callerOf(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "caller unknown")
		return crypto.Address{}, false
	}
	return caller, true
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	markets, available, err := s.rt.Markets()
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(markets))
	for _, m := range markets {
		entry := map[string]any{
			"asset":             m.Asset,
			"supply":            amountString(m.Supply),
			"openBorrow":        amountString(m.OpenBorrow),
			"interestCollected": amountString(m.InterestCollected),
		}
		if m.Price != nil {
			entry["price"] = m.Price.String()
			entry["priceSource"] = m.PriceSource
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"markets":   out,
		"available": amountString(available),
		"paused":    s.rt.Paused(),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	balance, err := s.rt.Balance(account)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": account.String(), "balance": balance.String()})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	position, err := engine.PositionInfo(account)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(engine.Asset(), account, position))
}

// amountRead serves reads that return one amount for an account.
func (s *Server) amountRead(field string, read func(*margin.Engine, crypto.Address) (*big.Int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engine, ok := s.engineFor(w, r)
		if !ok {
			return
		}
		account, ok := accountParam(w, r)
		if !ok {
			return
		}
		value, err := read(engine, account)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"asset":   engine.Asset(),
			"account": account.String(),
			field:     amountString(value),
		})
	}
}

func (s *Server) handlePositionValue(w http.ResponseWriter, r *http.Request) {
	s.amountRead("value", (*margin.Engine).PositionValue)(w, r)
}

func (s *Server) handleLeverage(w http.ResponseWriter, r *http.Request) {
	s.amountRead("leverage", (*margin.Engine).LeverageFactor)(w, r)
}

func (s *Server) handleInterest(w http.ResponseWriter, r *http.Request) {
	s.amountRead("interest", (*margin.Engine).InterestAccrued)(w, r)
}

func (s *Server) handleLiquidationPrice(w http.ResponseWriter, r *http.Request) {
	s.amountRead("liquidationPrice", (*margin.Engine).LiquidationPrice)(w, r)
}

func (s *Server) handleLiquidatable(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	account, ok := accountParam(w, r)
	if !ok {
		return
	}
	liquidatable, err := engine.CanBeLiquidated(account)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":        engine.Asset(),
		"account":      account.String(),
		"liquidatable": liquidatable,
	})
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req struct {
		Collateral string `json:"collateral"`
		Borrow     string `json:"borrow"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	collateral, err := parseAmount("collateral", req.Collateral)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	borrow, err := parseAmount("borrow", req.Borrow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	position, err := engine.Open(caller, collateral, borrow)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(engine.Asset(), caller, position))
}

type tokensRequest struct {
	Tokens string `json:"tokens"`
}

type collateralRequest struct {
	Amount string `json:"amount"`
}

func readTokens(r *http.Request) (string, error) {
	var req tokensRequest
	err := decode(r, &req)
	return req.Tokens, err
}

func readCollateral(r *http.Request) (string, error) {
	var req collateralRequest
	err := decode(r, &req)
	return req.Amount, err
}

// tokensMutation serves mutations that take a single amount and return a
// settlement payout.
func (s *Server) tokensMutation(field string, read func(*http.Request) (string, error), apply func(*margin.Engine, crypto.Address, *big.Int) (*big.Int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engine, ok := s.engineFor(w, r)
		if !ok {
			return
		}
		caller, ok := callerOf(w, r)
		if !ok {
			return
		}
		raw, err := read(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		amount, err := parseAmount(field, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		out, err := apply(engine, caller, amount)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"asset":   engine.Asset(),
			"account": caller.String(),
			"amount":  amountString(out),
		})
	}
}

func (s *Server) handleReduce(w http.ResponseWriter, r *http.Request) {
	s.tokensMutation("tokens", readTokens, (*margin.Engine).Reduce)(w, r)
}

func (s *Server) handleAddCollateral(w http.ResponseWriter, r *http.Request) {
	s.tokensMutation("amount", readCollateral, (*margin.Engine).AddCollateral)(w, r)
}

func (s *Server) handleRemoveCollateral(w http.ResponseWriter, r *http.Request) {
	s.tokensMutation("tokens", readTokens, (*margin.Engine).RemoveCollateral)(w, r)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	returned, err := engine.Close(caller)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":   engine.Asset(),
		"account": caller.String(),
		"amount":  amountString(returned),
	})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	liquidator, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req struct {
		Account string `json:"account"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	account, err := crypto.DecodeAddress(strings.TrimSpace(req.Account))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account")
		return
	}
	result, err := engine.Liquidate(liquidator, account)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":            engine.Asset(),
		"account":          account.String(),
		"liquidator":       liquidator.String(),
		"amountReturned":   amountString(result.AmountReturned),
		"userShare":        amountString(result.UserShare),
		"liquidatorShare":  amountString(result.LiquidatorShare),
		"poolShare":        amountString(result.PoolShare),
		"insuranceCovered": amountString(result.InsuranceCovered),
		"interestPaid":     amountString(result.InterestPaid),
	})
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	var req struct {
		Price string `json:"price"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := parseAmount("price", req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if price.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, margin.ErrInvalidPrice.Error())
		return
	}
	if err := s.rt.SetPrice(asset, price); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": strings.ToUpper(strings.TrimSpace(asset)), "price": price.String()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused *bool `json:"paused"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Paused == nil {
		writeError(w, http.StatusBadRequest, "paused required")
		return
	}
	if err := s.rt.SetPaused(*req.Paused); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.logger.Warn("margin pause toggled", "paused", *req.Paused)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": *req.Paused})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		writeError(w, http.StatusServiceUnavailable, "audit export not configured")
		return
	}
	result, err := s.exporter.Export(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
