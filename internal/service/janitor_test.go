package service_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/windsim/simrunner/internal/joblog"
	"github.com/windsim/simrunner/internal/model"
	"github.com/windsim/simrunner/internal/observability"
	"github.com/windsim/simrunner/internal/service"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestJanitorSweep(t *testing.T) {
	t.Parallel()
	cases := t.TempDir()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b"} {
		for i := range 4 {
			l, err := joblog.Create(filepath.Join(cases, id), start.Add(time.Duration(i)*time.Minute), 10)
			require.NoError(t, err)
			require.NoError(t, l.Close())
		}
	}
	// stray files are left alone
	require.NoError(t, os.WriteFile(filepath.Join(cases, "README"), nil, 0o644))

	metrics := observability.NewMetricsForTesting()
	j, err := service.NewJanitor(t.Context(), cases, model.Janitor{
		Schedule: model.Schedule{Every: "PT6H"},
		Keep:     1,
	}, metrics, clockwork.NewFakeClockAt(start))
	require.NoError(t, err)
	t.Cleanup(func() { j.Shutdown(context.Background()) })

	n, err := j.Sweep(t.Context())
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.InDelta(t, 4, testutil.ToFloat64(metrics.LogsPruned), 0)

	entries, err := os.ReadDir(filepath.Join(cases, "a", joblog.RunDir))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	latest, err := joblog.Latest(filepath.Join(cases, "a"))
	require.NoError(t, err)
	require.Equal(t, joblog.FileName(start.Add(3*time.Minute)), filepath.Base(latest))

	n, err = j.Sweep(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestJanitorSchedule(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    model.Schedule
		wantErr  bool
	}{
		{"cron", model.Schedule{Cron: "0 3 * * *"}, false},
		{"macro", model.Schedule{Cron: "@daily"}, false},
		{"every", model.Schedule{Every: "PT30M"}, false},
		{"empty", model.Schedule{}, true},
		{"both", model.Schedule{Cron: "0 3 * * *", Every: "PT1H"}, true},
		{"six fields", model.Schedule{Cron: "0 0 3 * * *"}, true},
		{"not iso", model.Schedule{Every: "30m"}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			j, err := service.NewJanitor(t.Context(), t.TempDir(), model.Janitor{Schedule: tc.given}, nil, nil)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			j.Start()
			j.Shutdown(t.Context())
		})
	}
}
