package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the coarse-grained state of an end-to-end video generation
// request.
type JobStatus string

const (
	JobStatusPending          JobStatus = "pending"
	JobStatusMediaGeneration  JobStatus = "media_generation"
	JobStatusVideoComposition JobStatus = "video_composition"
	JobStatusCompleted        JobStatus = "completed"
	JobStatusFailed           JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// jobTransitions lists the legal job status edges. Terminal states have no
// outgoing edges.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:          {JobStatusMediaGeneration, JobStatusFailed},
	JobStatusMediaGeneration:  {JobStatusVideoComposition, JobStatusFailed},
	JobStatusVideoComposition: {JobStatusCompleted, JobStatusFailed},
}

// ResourceUsage records what a completed pipeline consumed. Populated only
// on COMPLETED jobs.
type ResourceUsage struct {
	MediaTaskSeconds   float64 `json:"media_task_seconds"`
	ComposeTaskSeconds float64 `json:"compose_task_seconds"`
	AssetCount         int     `json:"asset_count"`
	OutputBytes        int64   `json:"output_bytes,omitempty"`
}

// Job is the end-to-end video generation unit, advanced only by the
// workflow driver that owns it.
type Job struct {
	ID                  string          `json:"id"`
	SessionID           string          `json:"session_id"`
	ScriptID            string          `json:"script_id"`
	Status              JobStatus       `json:"status"`
	ProgressPercentage  int             `json:"progress_percentage"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	CompositionSettings json.RawMessage `json:"composition_settings,omitempty"`
	CurrentTaskID       string          `json:"current_task_id,omitempty"`
	ResourceUsage       *ResourceUsage  `json:"resource_usage,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// Transition moves the job to next, enforcing edge legality and the
// completion invariants. An illegal transition returns an error and leaves
// the job unchanged.
func (j *Job) Transition(next JobStatus) error {
	legal := false
	for _, s := range jobTransitions[j.Status] {
		if s == next {
			legal = true
			break
		}
	}
	if !legal {
		return NewValidationError(fmt.Sprintf("illegal job transition %s -> %s", j.Status, next))
	}

	now := time.Now().UTC()
	switch next {
	case JobStatusMediaGeneration:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case JobStatusCompleted:
		if j.ProgressPercentage != 100 {
			return NewValidationError("job cannot complete with progress below 100")
		}
		if j.ResourceUsage == nil {
			return NewValidationError("job cannot complete without resource usage")
		}
		j.CompletedAt = &now
	case JobStatusFailed:
		if j.ErrorMessage == "" {
			return NewValidationError("failed job requires an error message")
		}
		j.CompletedAt = &now
	}

	j.Status = next
	return nil
}

// Validate checks the completion invariants on a stored job record.
func (j *Job) Validate() error {
	switch {
	case j.Status == JobStatusCompleted && j.ProgressPercentage != 100:
		return NewValidationError("completed job must have progress 100")
	case j.Status == JobStatusCompleted && j.ResourceUsage == nil:
		return NewValidationError("completed job must have resource usage")
	case j.Status == JobStatusFailed && j.ErrorMessage == "":
		return NewValidationError("failed job must have an error message")
	case j.Status.Terminal() && j.CompletedAt == nil:
		return NewValidationError("terminal job must have completed_at")
	case !j.Status.Terminal() && j.CompletedAt != nil:
		return NewValidationError("non-terminal job must not have completed_at")
	}
	if j.CompletedAt != nil && j.StartedAt != nil && j.CompletedAt.Before(*j.StartedAt) {
		return NewValidationError("completed_at precedes started_at")
	}
	return nil
}

// EstimatedCompletion derives a finish estimate from elapsed time and
// current progress. Returns nil until the job has measurable progress.
func (j *Job) EstimatedCompletion(now time.Time) *time.Time {
	if j.StartedAt == nil || j.ProgressPercentage <= 0 || j.Status.Terminal() {
		return nil
	}
	elapsed := now.Sub(*j.StartedAt)
	total := time.Duration(float64(elapsed) / (float64(j.ProgressPercentage) / 100.0))
	est := j.StartedAt.Add(total)
	return &est
}
