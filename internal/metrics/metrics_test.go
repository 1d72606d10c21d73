package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSetResourceCountsUpdatesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetResourceCounts(map[string]int{"available": 3}, map[string]int{"executor": 2})
	require.Equal(t, float64(3), testutil.ToFloat64(m.resourcesByStatus.WithLabelValues("available")))
	require.Equal(t, float64(2), testutil.ToFloat64(m.resourcesByType.WithLabelValues("executor")))
}

func TestIncKernelTurnRetryIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.IncKernelTurnRetry()
	m.IncKernelTurnRetry()
	require.Equal(t, float64(2), testutil.ToFloat64(m.kernelTurnRetries))
}

func TestLoopsActiveGaugeReturnsToZero(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SetLoopsActive(4)
	require.Equal(t, float64(4), testutil.ToFloat64(m.loopsActive))
	m.SetLoopsActive(0)
	require.Equal(t, float64(0), testutil.ToFloat64(m.loopsActive))
}
