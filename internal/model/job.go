package model

import (
	"time"
)

// Phase is the externally visible state of a case calculation.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseRunning    Phase = "running"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseUnknown    Phase = "unknown"
)

func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

func (p Phase) Valid() bool {
	switch p {
	case PhaseNotStarted, PhaseRunning, PhaseCompleted, PhaseFailed, PhaseUnknown:
		return true
	}
	return false
}

// Job is the durable record of the last calculation of one case.
// The job id is the case id.
type Job struct {
	ID          string     `json:"id"`
	Phase       Phase      `json:"phase"`
	Run         int        `json:"run"`
	CurrentTask *string    `json:"currentTask,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	Error       *string    `json:"error,omitempty"`
	PostStatus  *string    `json:"postStatus,omitempty"`
}

// Task is an entry of the pipeline catalogue.
type Task struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Ordinal     int    `json:"ordinal"`
}

// TaskState tracks one task within the current run.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateError     TaskState = "error"
)

// Progress is a snapshot of every task of the current run.
type Progress struct {
	JobID       string               `json:"jobId"`
	Calculating bool                 `json:"isCalculating"`
	Completed   bool                 `json:"completed"`
	Percent     int                  `json:"progress"` // completed tasks / all tasks
	Tasks       map[string]TaskState `json:"tasks"`
	TaskPercent map[string]int       `json:"taskProgress,omitempty"`
	ExitCode    *int                 `json:"exitCode,omitempty"`
	UpdatedAt   *time.Time           `json:"timestamp,omitempty"`
}

// Post process statuses stored in Job.PostStatus.
const (
	PostStarting  = "starting"
	PostCompleted = "completed"
	PostFailed    = "failed"
)
