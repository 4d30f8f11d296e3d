// Package tasks holds the catalogue of pipeline stages a calculation
// script reports progress for.
package tasks

import (
	"errors"
	"fmt"
	"slices"

	"github.com/windsim/simrunner/internal/model"
)

// Registry is an immutable ordered set of known tasks. The zero value
// is an empty registry.
type Registry struct {
	list  []model.Task
	index map[string]int
}

// NewRegistry builds a registry from entries. Ordinals are assigned by
// position, so the Ordinal field of the input is ignored.
func NewRegistry(entries ...model.Task) (Registry, error) {
	reg := Registry{
		list:  make([]model.Task, 0, len(entries)),
		index: make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		if e.ID == "" {
			return Registry{}, fmt.Errorf("task #%d: empty id", i)
		}
		if _, dup := reg.index[e.ID]; dup {
			return Registry{}, fmt.Errorf("task %q: duplicate id", e.ID)
		}
		if e.DisplayName == "" {
			e.DisplayName = e.ID
		}
		e.Ordinal = i
		reg.index[e.ID] = i
		reg.list = append(reg.list, e)
	}
	return reg, nil
}

// FromConfig builds a registry from the tasks section of the config
// file. An empty section selects Default.
func FromConfig(cfg []model.TaskConfig) (Registry, error) {
	if len(cfg) == 0 {
		return Default(), nil
	}
	entries := make([]model.Task, len(cfg))
	for i, c := range cfg {
		entries[i] = model.Task{ID: c.ID, DisplayName: c.Name}
	}
	reg, err := NewRegistry(entries...)
	if err != nil {
		return Registry{}, errors.Join(errors.New("tasks"), err)
	}
	return reg, nil
}

var defaultTasks = []model.Task{
	{ID: "computation_start", DisplayName: "Computation start"},
	{ID: "clean_files", DisplayName: "Clean files"},
	{ID: "rebuild_directories", DisplayName: "Rebuild directories"},
	{ID: "copy_files", DisplayName: "Copy files"},
	{ID: "change_directory", DisplayName: "Enter run directory"},
	{ID: "modeling", DisplayName: "Modeling"},
	{ID: "build_terrain", DisplayName: "Build terrain"},
	{ID: "make_input", DisplayName: "Generate input files"},
	{ID: "gambit_to_foam", DisplayName: "Gambit to Foam conversion"},
	{ID: "modify_boundaries", DisplayName: "Modify boundaries"},
	{ID: "decompose_parallel", DisplayName: "Parallel decomposition"},
	{ID: "run_admfoam", DisplayName: "Run solver"},
	{ID: "post_process", DisplayName: "Post processing"},
	{ID: "execute_post_script", DisplayName: "Execute post script"},
	{ID: "computation_end", DisplayName: "Computation finished"},
}

// Default returns the terrain pipeline catalogue.
func Default() Registry {
	reg, err := NewRegistry(defaultTasks...)
	if err != nil {
		panic(err)
	}
	return reg
}

// List returns the tasks in order. The caller owns the returned slice.
func (r Registry) List() []model.Task {
	return slices.Clone(r.list)
}

// IDs returns the task ids in order.
func (r Registry) IDs() []string {
	ids := make([]string, len(r.list))
	for i, t := range r.list {
		ids[i] = t.ID
	}
	return ids
}

func (r Registry) IsKnown(id string) bool {
	_, ok := r.index[id]
	return ok
}

func (r Registry) Lookup(id string) (model.Task, bool) {
	i, ok := r.index[id]
	if !ok {
		return model.Task{}, false
	}
	return r.list[i], true
}

func (r Registry) Len() int {
	return len(r.list)
}
