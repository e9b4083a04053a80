package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("stock:repair_mismatched").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("stock:repair_mismatched").End(boom), boom)

	require.InDelta(t, 1, testutil.ToFloat64(m.runs.WithLabelValues("stock:repair_mismatched", "success")), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(m.runs.WithLabelValues("stock:repair_mismatched", "failure")), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(m.failures.WithLabelValues("stock:repair_mismatched")), 0.001)
	require.Positive(t, testutil.ToFloat64(m.success.WithLabelValues("stock:repair_mismatched")))
}

func TestAddRepairedProducts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.AddRepairedProducts("repaired", 3)
	m.AddRepairedProducts("failed", 0)
	require.InDelta(t, 3, testutil.ToFloat64(m.products.WithLabelValues("repaired")), 0.001)

	var nilMetrics *Metrics
	nilMetrics.AddRepairedProducts("repaired", 1)
	require.NoError(t, nilMetrics.Track("noop").End(nil))
}
