package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"fiatoracle/internal/metrics"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *metrics.Metrics
	require.NotPanics(t, func() {
		m.CacheHit("price", "memory")
		m.CacheMiss("price")
		m.CacheEvicted("price")
		m.OracleCall("mainnet", "CEX_DEX")
		m.OracleFailure("mainnet", "CEX_DEX", "transient")
		m.LimiterWaited("mainnet", time.Second)
		m.RequestShared("mainnet")
		m.Backfill("mainnet", "ok")
	})
}

func TestMetrics_CountersRegistered(t *testing.T) {
	t.Parallel()

	// Arrange: a private registry
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// Act
	m.CacheHit("price", "memory")
	m.CacheHit("price", "memory")
	m.CacheMiss("price")
	m.OracleCall("testnet", "FOREX")

	// Assert
	require.InDelta(t, 2, testutil.ToFloat64(m.CacheHits.WithLabelValues("price", "memory")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.CacheMisses.WithLabelValues("price")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.OracleCalls.WithLabelValues("testnet", "FOREX")), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
