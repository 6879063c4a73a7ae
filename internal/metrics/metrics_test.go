package metrics

import (
	"context"
	"path/filepath"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/jaakkos/ccsched/internal/domain"
	"github.com/jaakkos/ccsched/internal/store/sqlite"
)

func TestNew_RegistersCollectors(t *testing.T) {
	m := New()
	families, err := m.Registry.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	require.Contains(t, names, "ccsched_tasks")
	require.Contains(t, names, "ccsched_claims_total")
	require.Contains(t, names, "ccsched_rate_limit_waits_total")
	require.Contains(t, names, "ccsched_verification_rounds")
}

func TestRefreshTaskGauges(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "metrics.sqlite"))
	require.NoError(t, err)
	defer st.Close()

	_, err = st.CreateTask(ctx, "a", "a", "/work", nil)
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, "b", "b", "/work", nil)
	require.NoError(t, err)

	m := New()
	m.RefreshTaskGauges(ctx, st)

	metric := &dto.Metric{}
	require.NoError(t, m.TasksByStatus.WithLabelValues(string(domain.StatusPending)).Write(metric))
	require.Equal(t, float64(2), metric.GetGauge().GetValue())
}
