package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"synthmargin/gateway/middleware"
	"synthmargin/services/margind/audit"
	"synthmargin/services/margind/runtime"
)

const (
	// RateLimitMargin is the limiter family for market reads and mutations.
	RateLimitMargin = "margin"
	// RateLimitAdmin is the limiter family for operator endpoints.
	RateLimitAdmin = "admin"
)

// Idempotency replays responses for retried mutations.
type Idempotency interface {
	Middleware(next http.Handler) http.Handler
}

// Config wires the HTTP API. Runtime and Authenticator are required.
type Config struct {
	Runtime       *runtime.Runtime
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Idempotency   Idempotency
	Stream        http.Handler
	Exporter      *audit.Exporter
	Logger        *slog.Logger
}

// Server hosts the margin HTTP API.
type Server struct {
	rt       *runtime.Runtime
	exporter *audit.Exporter
	logger   *slog.Logger
}

// New builds the routed handler.
func New(cfg Config) (http.Handler, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("server: runtime required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("server: authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{rt: cfg.Runtime, exporter: cfg.Exporter, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	if cfg.Stream != nil {
		r.Handle("/v1/stream", cfg.Stream)
	}

	instrument := func(route string) func(http.Handler) http.Handler {
		if cfg.Observability == nil {
			return passthrough
		}
		return cfg.Observability.Middleware(RateLimitMargin, route)
	}
	limit := func(key string) func(http.Handler) http.Handler {
		if cfg.RateLimiter == nil {
			return passthrough
		}
		return cfg.RateLimiter.Middleware(key)
	}
	idempotent := passthrough
	if cfg.Idempotency != nil {
		idempotent = cfg.Idempotency.Middleware
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(reads chi.Router) {
			reads.Use(limit(RateLimitMargin))
			reads.With(instrument("markets")).Get("/markets", s.handleMarkets)
			reads.With(instrument("balance")).Get("/balances/{account}", s.handleBalance)
			const position = "/markets/{asset}/positions/{account}"
			reads.With(instrument("position")).Get(position, s.handlePosition)
			reads.With(instrument("position_value")).Get(position+"/value", s.handlePositionValue)
			reads.With(instrument("leverage")).Get(position+"/leverage", s.handleLeverage)
			reads.With(instrument("interest")).Get(position+"/interest", s.handleInterest)
			reads.With(instrument("liquidation_price")).Get(position+"/liquidation-price", s.handleLiquidationPrice)
			reads.With(instrument("liquidatable")).Get(position+"/liquidatable", s.handleLiquidatable)
		})

		v1.Group(func(trade chi.Router) {
			trade.Use(cfg.Authenticator.Middleware(middleware.ScopeTrade))
			trade.Use(limit(RateLimitMargin))
			trade.Use(idempotent)
			const market = "/markets/{asset}"
			trade.With(instrument("open")).Post(market+"/open", s.handleOpen)
			trade.With(instrument("reduce")).Post(market+"/reduce", s.handleReduce)
			trade.With(instrument("close")).Post(market+"/close", s.handleClose)
			trade.With(instrument("add_collateral")).Post(market+"/collateral/add", s.handleAddCollateral)
			trade.With(instrument("remove_collateral")).Post(market+"/collateral/remove", s.handleRemoveCollateral)
			trade.With(instrument("liquidate")).Post(market+"/liquidate", s.handleLiquidate)
		})

		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(cfg.Authenticator.Middleware(middleware.ScopeAdmin))
			admin.Use(limit(RateLimitAdmin))
			admin.With(instrument("admin_price")).Post("/prices/{asset}", s.handleSetPrice)
			admin.With(instrument("admin_pause")).Post("/pause", s.handlePause)
			admin.With(instrument("admin_audit")).Post("/audit", s.handleAudit)
		})
	})

	return otelhttp.NewHandler(r, "margind"), nil
}

func passthrough(next http.Handler) http.Handler { return next }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"markets": s.rt.Assets(),
		"paused":  s.rt.Paused(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
