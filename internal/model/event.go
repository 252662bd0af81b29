package model

import "time"

// EventType classifies a progress event.
type EventType string

const (
	EventTaskStarted   EventType = "task_started"
	EventTaskProgress  EventType = "task_progress"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventWorkflowStep  EventType = "workflow_step"
	EventErrorOccurred EventType = "error_occurred"
	EventInfoMessage   EventType = "info_message"
)

// ProgressEvent is an immutable notification about a task's or session's
// state. Only the Read flag ever changes after creation.
type ProgressEvent struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	TaskID     string            `json:"task_id,omitempty"`
	EventType  EventType         `json:"event_type"`
	Message    string            `json:"message"`
	Percentage *int              `json:"percentage,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Read       bool              `json:"read"`
}

// WireMessage is the shape pushed to WebSocket clients. Progress aliases
// Percentage and is present only for progress-bearing events; Data aliases
// Metadata and is omitted when empty.
type WireMessage struct {
	EventType EventType         `json:"event_type"`
	TaskID    string            `json:"task_id,omitempty"`
	Message   string            `json:"message"`
	Progress  *int              `json:"progress,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Wire converts the stored event into its client-facing shape.
func (e *ProgressEvent) Wire() WireMessage {
	return WireMessage{
		EventType: e.EventType,
		TaskID:    e.TaskID,
		Message:   e.Message,
		Progress:  e.Percentage,
		Data:      e.Metadata,
		Timestamp: e.Timestamp,
	}
}

// Session is the per-client context progress events are grouped under.
// Fan-out connections are validated against it before registration.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}
