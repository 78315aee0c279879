package observability

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"synthmargin/core/events"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	var metric dto.Metric
	require.NoError(t, counter.Write(&metric))
	return metric.GetCounter().GetValue()
}

func TestMarginMetricsRecordObservations(t *testing.T) {
	m := newMarginMetrics()
	m.ObserveOperation("btc", "open", "ok", 15*time.Millisecond)
	m.ObserveOperation("BTC", "open", "ok", 5*time.Millisecond)
	m.ObserveOperation("BTC", "close", "error", time.Millisecond)

	require.Equal(t, 2.0, counterValue(t, m.operations, "BTC", "open", "ok"))
	require.Equal(t, 1.0, counterValue(t, m.operations, "BTC", "close", "error"))

	half := new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)
	half.Mul(half, big.NewInt(5))
	m.RecordInterest("eth", half)
	require.InDelta(t, 0.5, counterValue(t, m.interest, "ETH"), 1e-9)

	m.RecordLiquidation("eth", nil)
	m.RecordLiquidation("eth", new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	require.Equal(t, 2.0, counterValue(t, m.liquidations, "ETH"))
	require.Equal(t, 1.0, counterValue(t, m.covered, "ETH"))

	m.RecordAnomaly("", "")
	require.Equal(t, 1.0, counterValue(t, m.anomalies, "UNKNOWN", "unspecified"))
}

func TestMarginMetricsRegistersOnce(t *testing.T) {
	first := Margin()
	second := Margin()
	require.Same(t, first, second)

	var nilMetrics *MarginMetrics
	require.NotPanics(t, func() {
		nilMetrics.ObserveOperation("BTC", "open", "ok", time.Second)
		nilMetrics.RecordAnomaly("BTC", "loan_clamped")
	})
}

func TestEventMetricsCountsTypes(t *testing.T) {
	registry := Events()
	before := counterValue(t, registry.emitted, events.TypeMarginPositionOpened)
	registry.Emit(events.MarginPositionOpened{Asset: "BTC"})
	require.Equal(t, before+1, counterValue(t, registry.emitted, events.TypeMarginPositionOpened))
}

func TestWholeUnits(t *testing.T) {
	require.Zero(t, wholeUnits(nil))
	require.Zero(t, wholeUnits(big.NewInt(-5)))
	require.InDelta(t, 3.0, wholeUnits(new(big.Int).Mul(big.NewInt(3), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))), 1e-12)
}
