package observability_test

import (
	"testing"

	"github.com/windsim/simrunner/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)

	m.JobsStarted.Inc()
	m.JobsFinished.WithLabelValues("completed").Inc()
	m.EventsPublished.WithLabelValues("progress").Add(3)

	require.InDelta(t, 1, testutil.ToFloat64(m.JobsStarted), 0)
	require.InDelta(t, 3, testutil.ToFloat64(m.EventsPublished.WithLabelValues("progress")), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	require.Contains(t, names, "simrunner_jobs_started_total")
	require.Contains(t, names, "simrunner_events_published_total")

	// registering twice on the same registry panics
	require.Panics(t, func() { observability.NewMetrics(reg) })
}

func TestNewMetricsForTesting(t *testing.T) {
	t.Parallel()
	a := observability.NewMetricsForTesting()
	b := observability.NewMetricsForTesting()
	a.SubscriberDrops.Inc()
	require.InDelta(t, 1, testutil.ToFloat64(a.SubscriberDrops), 0)
	require.InDelta(t, 0, testutil.ToFloat64(b.SubscriberDrops), 0)
}
