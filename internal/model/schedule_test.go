package model_test

import (
	"testing"
	"time"

	"github.com/windsim/simrunner/internal/model"

	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	type then struct {
		interval time.Duration
		err      bool
	}
	var testCases = []struct {
		scenario string
		given    string
		then     then
	}{
		{"every_15_minutes", "*/15 * * * *", then{15 * time.Minute, false}},
		{"macro_hourly", "@hourly", then{time.Hour, false}},
		{"macro_every", "@every 5m", then{5 * time.Minute, false}},
		{"six_fields", "0 */2 * * * *", then{0, true}},
		{"out_of_range", "* * 32 * *", then{0, true}},
		{"empty", "  ", then{0, true}},
	}
	start := time.Date(2025, 3, 1, 12, 7, 0, 0, time.UTC)
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			sched, err := model.ParseCron(tc.given)
			if tc.then.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			next := sched.Next(start)
			require.Equal(t, tc.then.interval, sched.Next(next).Sub(next))
		})
	}
}

func TestScheduleNext(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 7, 0, 0, time.UTC)

	next, err := model.Schedule{Cron: "0 3 * * *"}.Next(start)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 2, 3, 0, 0, 0, time.UTC), next)

	next, err = model.Schedule{Every: "PT6H"}.Next(start)
	require.NoError(t, err)
	require.Equal(t, start.Add(6*time.Hour), next)

	_, err = model.Schedule{}.Next(start)
	require.Error(t, err)
}

func TestParseISODuration(t *testing.T) {
	type then struct {
		d   time.Duration
		err error
	}
	var testCases = []struct {
		scenario string
		given    string
		then     then
	}{
		{"hours", "PT6H", then{6 * time.Hour, nil}},
		{"day_and_time", "P1DT2H30M", then{26*time.Hour + 30*time.Minute, nil}},
		{"fraction", "PT1.5S", then{1500 * time.Millisecond, nil}},
		{"comma_fraction", "PT0,25S", then{250 * time.Millisecond, nil}},
		{"days", "P2D", then{48 * time.Hour, nil}},
		{"minutes_without_t", "P30M", then{0, model.ErrISOFormat}},
		{"dangling_t", "P2DT", then{0, model.ErrISOFormat}},
		{"bare_p", "P", then{0, model.ErrISOFormat}},
		{"go_duration", "30m", then{0, model.ErrISOFormat}},
		{"years", "P1Y", then{0, model.ErrISOFormat}},
		{"wrong_order", "PT5M1H", then{0, model.ErrISOFormat}},
		{"fraction_not_last", "PT1.5H", then{0, model.ErrISOFormat}},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := model.ParseISODuration(tc.given)
			if tc.then.err != nil {
				require.ErrorIs(t, err, tc.then.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then.d, d)
		})
	}
}

func TestScheduleValidate(t *testing.T) {
	require.NoError(t, model.Schedule{Cron: "0 3 * * *"}.Validate())
	require.NoError(t, model.Schedule{Every: "PT6H"}.Validate())
	require.Error(t, model.Schedule{}.Validate())
	require.Error(t, model.Schedule{Every: "PT0S"}.Validate())
	require.Error(t, model.Schedule{Cron: "0 3 * * *", Every: "PT6H"}.Validate())
}
