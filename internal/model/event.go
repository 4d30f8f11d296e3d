package model

import (
	"fmt"
	"time"
)

// EventKind discriminates the Event union.
type EventKind string

const (
	EventTaskStarted   EventKind = "task_started"
	EventProgress      EventKind = "progress"
	EventTaskCompleted EventKind = "task_completed"
	EventError         EventKind = "error"
	EventJobCompleted  EventKind = "job_completed"
	EventJobFailed     EventKind = "job_failed"
	EventPostProcess   EventKind = "post_process"
)

// Event is one structured unit of a job's progress stream. Which fields
// are meaningful depends on Kind:
//
//	task_started    TaskID
//	progress        TaskID, Percent
//	task_completed  TaskID
//	error           TaskID (may be empty), Message
//	job_completed   -
//	job_failed      ExitCode, Message (may be empty)
//	post_process    Status, ExitCode
type Event struct {
	JobID    string    `json:"jobId"`
	Run      int       `json:"run"`
	Seq      int64     `json:"seq"` // starts at 1 in every run
	Kind     EventKind `json:"kind"`
	TaskID   string    `json:"taskId,omitempty"`
	Percent  int       `json:"percent"`
	Message  string    `json:"message,omitempty"`
	ExitCode *int      `json:"exitCode,omitempty"`
	Status   string    `json:"status,omitempty"`
	Time     time.Time `json:"time"`
}

func TaskStarted(taskID string) Event {
	return Event{Kind: EventTaskStarted, TaskID: taskID}
}

func TaskProgress(taskID string, percent int) Event {
	return Event{Kind: EventProgress, TaskID: taskID, Percent: percent}
}

func TaskCompleted(taskID string) Event {
	return Event{Kind: EventTaskCompleted, TaskID: taskID}
}

func Error(taskID, raw string) Event {
	return Event{Kind: EventError, TaskID: taskID, Message: raw}
}

func JobCompleted() Event {
	return Event{Kind: EventJobCompleted}
}

func JobFailed(exitCode int) Event {
	return Event{Kind: EventJobFailed, ExitCode: &exitCode}
}

func PostProcess(status string, exitCode *int) Event {
	return Event{Kind: EventPostProcess, Status: status, ExitCode: exitCode}
}

// Terminal reports whether the event closes a job run.
func (e Event) Terminal() bool {
	return e.Kind == EventJobCompleted || e.Kind == EventJobFailed
}

func (e Event) String() string {
	switch e.Kind {
	case EventTaskStarted, EventTaskCompleted:
		return fmt.Sprintf("%s{%s}", e.Kind, e.TaskID)
	case EventProgress:
		return fmt.Sprintf("%s{%s,%d}", e.Kind, e.TaskID, e.Percent)
	case EventError:
		return fmt.Sprintf("%s{%s,%q}", e.Kind, e.TaskID, e.Message)
	case EventJobFailed:
		if e.ExitCode != nil {
			return fmt.Sprintf("%s{%d}", e.Kind, *e.ExitCode)
		}
	case EventPostProcess:
		return fmt.Sprintf("%s{%s}", e.Kind, e.Status)
	}
	return string(e.Kind)
}
