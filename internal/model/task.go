package model

import (
	"encoding/json"
	"time"
)

// TaskType identifies the kind of background work a task carries.
// The set is closed: workers resolve handlers through a dispatch table
// built at startup, so an unknown type is rejected at submission.
type TaskType string

const (
	TaskTypeMediaGeneration  TaskType = "media_generation"
	TaskTypeVideoComposition TaskType = "video_composition"
	TaskTypeScriptGeneration TaskType = "script_generation"
	TaskTypeTrendingAnalysis TaskType = "trending_analysis"
)

var ValidTaskTypes = []TaskType{
	TaskTypeMediaGeneration,
	TaskTypeVideoComposition,
	TaskTypeScriptGeneration,
	TaskTypeTrendingAnalysis,
}

func (t TaskType) Valid() bool {
	for _, v := range ValidTaskTypes {
		if t == v {
			return true
		}
	}
	return false
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusRetrying  TaskStatus = "retrying"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
// (FAILED can still be reset to PENDING via an explicit retry).
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskPriority selects the queue lane a task is served from.
type TaskPriority string

const (
	PriorityUrgent TaskPriority = "urgent"
	PriorityHigh   TaskPriority = "high"
	PriorityNormal TaskPriority = "normal"
	PriorityLow    TaskPriority = "low"
)

// PriorityLanes is the claim scan order: urgent always preempts lower lanes.
var PriorityLanes = []TaskPriority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

func (p TaskPriority) Valid() bool {
	for _, lane := range PriorityLanes {
		if p == lane {
			return true
		}
	}
	return false
}

// Task is one unit of background work.
//
// Result and ErrorMessage are mutually exclusive and both empty until a
// terminal status is reached.
type Task struct {
	ID           string            `json:"id"`
	Type         TaskType          `json:"type"`
	Status       TaskStatus        `json:"status"`
	Priority     TaskPriority      `json:"priority"`
	SessionID    string            `json:"session_id"`
	Input        json.RawMessage   `json:"input,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	Progress     int               `json:"progress"`
	WorkerID     string            `json:"worker_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// taskTransitions lists the legal task status edges. FAILED→PENDING is
// handled separately by Retry since it is guarded by the retry budget.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:  {TaskStatusRunning, TaskStatusCancelled},
	TaskStatusRunning:  {TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusRetrying},
	TaskStatusRetrying: {TaskStatusPending, TaskStatusFailed},
}

// CanTransition reports whether moving from the task's current status to
// next is a legal edge.
func (t *Task) CanTransition(next TaskStatus) bool {
	for _, s := range taskTransitions[t.Status] {
		if s == next {
			return true
		}
	}
	return false
}

// CanRetry reports whether an explicit FAILED→PENDING retry is still
// within the task's retry budget.
func (t *Task) CanRetry() bool {
	return t.Status == TaskStatusFailed && t.RetryCount < t.MaxRetries
}
