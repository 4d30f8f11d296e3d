// Package classify maps raw lines of calculation output to structured
// job events.
//
// Rules are tried in a fixed order and the first rule whose pattern
// matches owns the line. When the owning rule rejects the line (unknown
// task, percent out of range) the line is dropped and no later rule is
// consulted. The order is
//
//	task_start  TaskStart: <task>
//	progress    Progress: <n>% Task: <task>
//	json        {"action":"taskStart"|"progress", ...}
//	error       any line containing ERROR
//
// so a progress line which also contains ERROR is never an error.
package classify

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/windsim/simrunner/internal/model"
	"github.com/windsim/simrunner/internal/observability"
	"github.com/windsim/simrunner/internal/tasks"
)

const (
	RuleTaskStart = "task_start"
	RuleProgress  = "progress"
	RuleJSON      = "json"
	RuleError     = "error"
)

var (
	taskStartRx = regexp.MustCompile(`^TaskStart:\s*(\S+)\s*$`)
	progressRx  = regexp.MustCompile(`^Progress:\s*(-?\d+)\s*%\s*Task:\s*(\S+)\s*$`)
	errorTaskRx = regexp.MustCompile(`ERROR Task:\s*(\S+)`)
)

// outcome of a single rule
type outcome int

const (
	noMatch outcome = iota
	matched
	dropped
)

type rule struct {
	name  string
	apply func(c *Classifier, line string) ([]model.Event, outcome)
}

var rules = []rule{
	{name: RuleTaskStart, apply: (*Classifier).taskStart},
	{name: RuleProgress, apply: (*Classifier).progress},
	{name: RuleJSON, apply: (*Classifier).jsonLine},
	{name: RuleError, apply: (*Classifier).errorLine},
}

// Rules returns the rule names in priority order.
func Rules() []string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.name
	}
	return names
}

type Classifier struct {
	reg     tasks.Registry
	metrics *observability.Metrics
}

func New(reg tasks.Registry, metrics *observability.Metrics) *Classifier {
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	return &Classifier{reg: reg, metrics: metrics}
}

// Classify returns zero, one or two events for line. Two events are
// returned only for a progress of 100, which also completes the task.
// Returned events carry neither JobID nor Seq.
func (c *Classifier) Classify(ctx context.Context, line string) []model.Event {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	for _, r := range rules {
		events, res := r.apply(c, line)
		switch res {
		case noMatch:
			continue
		case dropped:
			slog.DebugContext(ctx, "output line dropped", "rule", r.name, "line", line)
			c.metrics.ClassificationDrops.WithLabelValues(r.name).Inc()
			return nil
		default:
			return events
		}
	}
	return nil
}

func (c *Classifier) taskStart(line string) ([]model.Event, outcome) {
	m := taskStartRx.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return nil, noMatch
	}
	if !c.reg.IsKnown(m[1]) {
		return nil, dropped
	}
	return []model.Event{model.TaskStarted(m[1])}, matched
}

func (c *Classifier) progress(line string) ([]model.Event, outcome) {
	m := progressRx.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return nil, noMatch
	}
	percent, err := strconv.Atoi(m[1])
	if err != nil {
		// out of int range
		return nil, dropped
	}
	return c.progressEvents(m[2], percent)
}

func (c *Classifier) progressEvents(taskID string, percent int) ([]model.Event, outcome) {
	if !c.reg.IsKnown(taskID) || percent < 0 || percent > 100 {
		return nil, dropped
	}
	events := []model.Event{model.TaskProgress(taskID, percent)}
	if percent == 100 {
		events = append(events, model.TaskCompleted(taskID))
	}
	return events, matched
}

type jsonMessage struct {
	Action   string          `json:"action"`
	TaskID   string          `json:"taskId"`
	Progress json.RawMessage `json:"progress"`
}

const (
	actionTaskStart = "taskStart"
	actionProgress  = "progress"
)

// jsonLine handles the structured protocol used by older run scripts.
// A line only belongs to this rule if it is a JSON object with an action.
func (c *Classifier) jsonLine(line string) ([]model.Event, outcome) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, noMatch
	}
	var msg jsonMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil || msg.Action == "" {
		return nil, noMatch
	}

	switch msg.Action {
	case actionTaskStart:
		if !c.reg.IsKnown(msg.TaskID) {
			return nil, dropped
		}
		return []model.Event{model.TaskStarted(msg.TaskID)}, matched
	case actionProgress:
		if !c.reg.IsKnown(msg.TaskID) {
			return nil, dropped
		}
		var word string
		if err := json.Unmarshal(msg.Progress, &word); err == nil {
			switch word {
			case "ERROR":
				return []model.Event{model.Error(msg.TaskID, line)}, matched
			case "COMPLETE":
				return c.progressEvents(msg.TaskID, 100)
			}
			n, err := strconv.Atoi(word)
			if err != nil {
				return nil, dropped
			}
			return c.progressEvents(msg.TaskID, n)
		}
		var n int
		if err := json.Unmarshal(msg.Progress, &n); err != nil {
			return nil, dropped
		}
		return c.progressEvents(msg.TaskID, n)
	default:
		return nil, dropped
	}
}

func (c *Classifier) errorLine(line string) ([]model.Event, outcome) {
	if !strings.Contains(line, "ERROR") {
		return nil, noMatch
	}
	var taskID string
	if m := errorTaskRx.FindStringSubmatch(line); m != nil && c.reg.IsKnown(m[1]) {
		taskID = m[1]
	}
	return []model.Event{model.Error(taskID, line)}, matched
}
