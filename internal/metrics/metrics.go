// Package metrics exposes prometheus collectors for the scheduler's
// queue depth, claim throughput and rate-limit pauses. There is no
// teacher analogue for this package — the retrieved corpus's other
// services (88lin-divinesense, cuemby-warren) register
// prometheus/client_golang collectors the same way.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jaakkos/ccsched/internal/domain"
	"github.com/jaakkos/ccsched/internal/store"
)

// Metrics bundles every collector registered by this process.
type Metrics struct {
	Registry *prometheus.Registry

	TasksByStatus  *prometheus.GaugeVec
	ClaimsTotal    prometheus.Counter
	RateLimitWaits prometheus.Counter
	VerificationRounds prometheus.Histogram
}

// New builds and registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		TasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ccsched",
			Name:      "tasks",
			Help:      "Number of tasks currently in each status.",
		}, []string{"status"}),
		ClaimsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ccsched",
			Name:      "claims_total",
			Help:      "Total number of tasks successfully claimed for execution.",
		}),
		RateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ccsched",
			Name:      "rate_limit_waits_total",
			Help:      "Total number of upstream rate-limit pauses observed.",
		}),
		VerificationRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ccsched",
			Name:      "verification_rounds",
			Help:      "Number of verification rounds consumed per completed task.",
			Buckets:   []float64{1, 2, 3},
		}),
	}

	reg.MustRegister(m.TasksByStatus, m.ClaimsTotal, m.RateLimitWaits, m.VerificationRounds)
	return m
}

// RefreshTaskGauges polls the store once and sets the TasksByStatus
// gauge for every known status, including zero counts.
func (m *Metrics) RefreshTaskGauges(ctx context.Context, st store.Store) {
	statuses := []domain.TaskStatus{domain.StatusPending, domain.StatusRunning, domain.StatusDone, domain.StatusFailed, domain.StatusWaiting}
	for _, status := range statuses {
		tasks, err := st.TasksByStatus(ctx, status)
		if err != nil {
			continue
		}
		m.TasksByStatus.WithLabelValues(string(status)).Set(float64(len(tasks)))
	}
}

// StartGaugeRefresher polls RefreshTaskGauges on interval until ctx is
// cancelled.
func (m *Metrics) StartGaugeRefresher(ctx context.Context, st store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RefreshTaskGauges(ctx, st)
		}
	}
}
