package tasks_test

import (
	"testing"

	"github.com/windsim/simrunner/internal/model"
	"github.com/windsim/simrunner/internal/tasks"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Parallel()
	reg := tasks.Default()
	require.Equal(t, 15, reg.Len())

	list := reg.List()
	require.Equal(t, "computation_start", list[0].ID)
	require.Equal(t, "computation_end", list[len(list)-1].ID)
	for i, task := range list {
		require.Equal(t, i, task.Ordinal)
	}

	require.True(t, reg.IsKnown("build_terrain"))
	require.False(t, reg.IsKnown("bogus"))
	require.False(t, reg.IsKnown(""))

	task, ok := reg.Lookup("run_admfoam")
	require.True(t, ok)
	require.Equal(t, "Run solver", task.DisplayName)
	require.Equal(t, 11, task.Ordinal)

	// List returns a copy
	list[0].ID = "mutated"
	require.Equal(t, "computation_start", reg.List()[0].ID)
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    []model.Task
		then     []string
		err      string
	}{
		{
			scenario: "empty",
			then:     []string{},
		},
		{
			scenario: "ordered",
			given:    []model.Task{{ID: "b"}, {ID: "a", DisplayName: "A"}},
			then:     []string{"b", "a"},
		},
		{
			scenario: "duplicate",
			given:    []model.Task{{ID: "a"}, {ID: "a"}},
			err:      `task "a": duplicate id`,
		},
		{
			scenario: "empty id",
			given:    []model.Task{{ID: ""}},
			err:      "task #0: empty id",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			reg, err := tasks.NewRegistry(tc.given...)
			if tc.err != "" {
				require.EqualError(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, reg.IDs())
		})
	}
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	reg, err := tasks.FromConfig(nil)
	require.NoError(t, err)
	require.Equal(t, tasks.Default().IDs(), reg.IDs())

	reg, err = tasks.FromConfig([]model.TaskConfig{{ID: "mesh", Name: "Mesh"}, {ID: "solve", Name: "Solve"}})
	require.NoError(t, err)
	require.Equal(t, []string{"mesh", "solve"}, reg.IDs())
	task, ok := reg.Lookup("solve")
	require.True(t, ok)
	require.Equal(t, "Solve", task.DisplayName)

	_, err = tasks.FromConfig([]model.TaskConfig{{ID: "x"}, {ID: "x"}})
	require.Error(t, err)
}

func TestZeroRegistry(t *testing.T) {
	t.Parallel()
	var reg tasks.Registry
	require.False(t, reg.IsKnown("computation_start"))
	require.Empty(t, reg.List())
}
