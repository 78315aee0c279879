package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "synthmargin"

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	marginMetricsOnce sync.Once
	marginRegistry    *MarginMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP API
// activity per route.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module, route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the HTTP
// status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// MarginMetrics wraps collectors tracking the position engines. It satisfies
// margin.Observer.
type MarginMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	interest     *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	covered      *prometheus.CounterVec
	anomalies    *prometheus.CounterVec
}

// Margin returns the lazily registered margin engine metrics.
func Margin() *MarginMetrics {
	marginMetricsOnce.Do(func() {
		marginRegistry = newMarginMetrics()
		prometheus.MustRegister(marginRegistry.collectors()...)
	})
	return marginRegistry
}

func newMarginMetrics() *MarginMetrics {
	return &MarginMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "margin",
			Name:      "operations_total",
			Help:      "Position engine operations segmented by asset, operation and outcome.",
		}, []string{"asset", "operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "margin",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for position engine operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"asset", "operation"}),
		interest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "margin",
			Name:      "interest_paid_tokens_total",
			Help:      "Whole target tokens paid as interest.",
		}, []string{"asset"}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "margin",
			Name:      "liquidations_total",
			Help:      "Completed liquidations segmented by asset.",
		}, []string{"asset"}),
		covered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "margin",
			Name:      "insurance_covered_total",
			Help:      "Whole settlement units paid by the insurance fund.",
		}, []string{"asset"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "margin",
			Name:      "anomalies_total",
			Help:      "Accounting anomalies such as clamped balances or uncovered deficits.",
		}, []string{"asset", "kind"}),
	}
}

func (m *MarginMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.operations, m.latency, m.interest, m.liquidations, m.covered, m.anomalies}
}

// ObserveOperation records the outcome and latency of an engine operation.
func (m *MarginMetrics) ObserveOperation(asset, op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	asset = labelAsset(asset)
	m.operations.WithLabelValues(asset, op, outcome).Inc()
	m.latency.WithLabelValues(asset, op).Observe(elapsed.Seconds())
}

// RecordInterest adds settled interest, in base units, to the counter.
func (m *MarginMetrics) RecordInterest(asset string, tokens *big.Int) {
	if m == nil {
		return
	}
	m.interest.WithLabelValues(labelAsset(asset)).Add(wholeUnits(tokens))
}

// RecordLiquidation counts a liquidation and its insurance coverage.
func (m *MarginMetrics) RecordLiquidation(asset string, covered *big.Int) {
	if m == nil {
		return
	}
	asset = labelAsset(asset)
	m.liquidations.WithLabelValues(asset).Inc()
	if covered != nil && covered.Sign() > 0 {
		m.covered.WithLabelValues(asset).Add(wholeUnits(covered))
	}
}

// RecordAnomaly counts an accounting anomaly.
func (m *MarginMetrics) RecordAnomaly(asset, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unspecified"
	}
	m.anomalies.WithLabelValues(labelAsset(asset), kind).Inc()
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

var decimals = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// wholeUnits converts an 18-decimal base unit amount into a float of whole units.
func wholeUnits(value *big.Int) float64 {
	if value == nil || value.Sign() <= 0 {
		return 0
	}
	scaled := new(big.Float).Quo(new(big.Float).SetInt(value), decimals)
	floatVal, acc := scaled.Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
