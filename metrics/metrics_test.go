package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Deltas.WithLabelValues("BTC", "CONFIRMED").Inc()
	m.DeadLetters.Add(2)

	require.Equal(t, float64(1), testutil.ToFloat64(m.Deltas.WithLabelValues("BTC", "CONFIRMED")))
	require.Equal(t, float64(2), testutil.ToFloat64(m.DeadLetters))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
	require.Panics(t, func() { New(reg) })
}
