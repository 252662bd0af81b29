// Package queue implements the priority task queue on top of the shared
// Event Store. Task records live under task:{id}; four FIFO lanes
// (queue:urgent, queue:high, queue:normal, queue:low) hold pending task ids.
// Claiming is a list pop plus a compare-and-swap on the task record, so two
// workers can never both win the same task even when a lane carries stale
// duplicate entries.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Asdafers/contenitzer-sub000/internal/model"
	"github.com/Asdafers/contenitzer-sub000/internal/store"
	"github.com/Asdafers/contenitzer-sub000/pkg/logger"
)

const taskKeyPrefix = "task:"

func taskKey(id string) string {
	return taskKeyPrefix + id
}

func laneKey(p model.TaskPriority) string {
	return "queue:" + string(p)
}

// Queue manages task records and the priority lanes.
type Queue struct {
	store      *store.RedisStore
	taskTTL    time.Duration
	maxRetries int
	log        zerolog.Logger
}

func New(st *store.RedisStore, taskTTL time.Duration, maxRetries int) *Queue {
	return &Queue{
		store:      st,
		taskTTL:    taskTTL,
		maxRetries: maxRetries,
		log:        logger.Component("queue"),
	}
}

// SubmitParams carries everything needed to create a pending task.
type SubmitParams struct {
	Type      model.TaskType
	Input     json.RawMessage
	SessionID string
	Priority  model.TaskPriority
	Metadata  map[string]string
}

// Submit creates a PENDING task and appends it to the tail of its priority
// lane. Never blocks. A flood of urgent submissions can starve lower lanes;
// that precedence is deliberate (see GetNextTask).
func (q *Queue) Submit(ctx context.Context, p SubmitParams) (string, error) {
	if !p.Type.Valid() {
		return "", model.NewValidationError(fmt.Sprintf("unknown task type %q", p.Type))
	}
	if p.Priority == "" {
		p.Priority = model.PriorityNormal
	}
	if !p.Priority.Valid() {
		return "", model.NewValidationError(fmt.Sprintf("unknown priority %q", p.Priority))
	}
	if p.SessionID == "" {
		return "", model.NewValidationError("session_id is required")
	}

	now := time.Now().UTC()
	task := &model.Task{
		ID:         uuid.New().String(),
		Type:       p.Type,
		Status:     model.TaskStatusPending,
		Priority:   p.Priority,
		SessionID:  p.SessionID,
		Input:      p.Input,
		Metadata:   p.Metadata,
		MaxRetries: q.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := q.saveTask(ctx, task); err != nil {
		return "", fmt.Errorf("failed to save task: %w", err)
	}
	if err := q.store.Client().RPush(ctx, laneKey(task.Priority), task.ID).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	q.log.Debug().Str("task_id", task.ID).Str("type", string(task.Type)).
		Str("priority", string(task.Priority)).Msg("task submitted")
	return task.ID, nil
}

// GetNextTask pops the head of the first non-empty lane, scanning urgent,
// high, normal, low in that order. The popped entry is re-verified against
// the stored record: entries pointing at absent or non-pending tasks are
// dropped as already consumed. The PENDING→RUNNING flip is a compare-and-swap
// so exactly one of any number of racing workers wins. Returns (nil, nil)
// when all lanes are empty; callers back off rather than spin.
func (q *Queue) GetNextTask(ctx context.Context, workerID string) (*model.Task, error) {
	for _, lane := range model.PriorityLanes {
		for {
			id, err := q.store.Client().LPop(ctx, laneKey(lane)).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					break // lane empty, try next
				}
				return nil, fmt.Errorf("lane pop failed: %w", err)
			}

			task, claimed, err := q.tryClaim(ctx, id, workerID)
			if err != nil {
				return nil, err
			}
			if claimed {
				return task, nil
			}
			// Dangling or already-claimed entry; keep draining this lane.
		}
	}
	return nil, nil
}

// tryClaim flips a popped task PENDING→RUNNING via CAS.
func (q *Queue) tryClaim(ctx context.Context, id, workerID string) (*model.Task, bool, error) {
	raw, err := q.store.Get(ctx, taskKey(id))
	if err != nil {
		if err == model.ErrNotFound {
			q.log.Debug().Str("task_id", id).Msg("dropping dangling lane entry")
			return nil, false, nil
		}
		return nil, false, err
	}

	var task model.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		q.log.Warn().Str("task_id", id).Err(err).Msg("dropping corrupt task record")
		return nil, false, nil
	}
	if task.Status != model.TaskStatusPending {
		return nil, false, nil
	}

	now := time.Now().UTC()
	task.Status = model.TaskStatusRunning
	task.WorkerID = workerID
	task.StartedAt = &now
	task.UpdatedAt = now

	updated, err := json.Marshal(&task)
	if err != nil {
		return nil, false, err
	}
	won, err := q.store.CompareAndSwap(ctx, taskKey(id), raw, updated)
	if err != nil {
		return nil, false, fmt.Errorf("claim failed: %w", err)
	}
	if !won {
		return nil, false, nil
	}
	return &task, true, nil
}

// Update carries the optional fields of an UpdateStatus call.
type Update struct {
	Progress     *int
	Result       json.RawMessage
	ErrorMessage string
	WorkerID     string
}

// UpdateStatus transitions a task and applies the update fields. It sets
// started_at on the first transition into RUNNING, sets completed_at and
// enforces the result/error mutual exclusion on terminal transitions,
// increments retry_count on RETRYING, re-enqueues on RETRYING→PENDING, and
// defensively removes the task from all lanes once it is terminal.
func (q *Queue) UpdateStatus(ctx context.Context, taskID string, status model.TaskStatus, upd Update) error {
	for attempt := 0; attempt < 3; attempt++ {
		raw, err := q.store.Get(ctx, taskKey(taskID))
		if err != nil {
			return err
		}
		var task model.Task
		if err := json.Unmarshal(raw, &task); err != nil {
			return fmt.Errorf("corrupt task record: %w", err)
		}

		if task.Status != status && !task.CanTransition(status) {
			return model.NewValidationError(
				fmt.Sprintf("illegal task transition %s -> %s", task.Status, status))
		}

		now := time.Now().UTC()
		switch status {
		case model.TaskStatusRunning:
			if task.StartedAt == nil {
				task.StartedAt = &now
			}
		case model.TaskStatusRetrying:
			if task.RetryCount >= task.MaxRetries {
				return model.NewValidationError("retry budget exhausted")
			}
			task.RetryCount++
		case model.TaskStatusCompleted:
			if upd.ErrorMessage != "" {
				return model.NewValidationError("completed task cannot carry an error message")
			}
			task.Result = upd.Result
			task.ErrorMessage = ""
			task.CompletedAt = &now
		case model.TaskStatusFailed:
			if len(upd.Result) > 0 {
				return model.NewValidationError("failed task cannot carry a result")
			}
			task.ErrorMessage = upd.ErrorMessage
			task.Result = nil
			task.CompletedAt = &now
		case model.TaskStatusCancelled:
			task.CompletedAt = &now
		}

		if upd.Progress != nil {
			task.Progress = *upd.Progress
		}
		if upd.WorkerID != "" {
			task.WorkerID = upd.WorkerID
		}
		prev := task.Status
		task.Status = status
		task.UpdatedAt = now

		updated, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		won, err := q.store.CompareAndSwap(ctx, taskKey(taskID), raw, updated)
		if err != nil {
			return err
		}
		if !won {
			continue // record moved underneath us, re-fetch and retry
		}

		if status.Terminal() {
			q.removeFromLanes(ctx, taskID)
		}
		if status == model.TaskStatusPending && prev == model.TaskStatusRetrying {
			if err := q.store.Client().RPush(ctx, laneKey(task.Priority), task.ID).Err(); err != nil {
				return fmt.Errorf("failed to re-enqueue task: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("task %s: update contention not resolved", taskID)
}

// Cancel transitions a PENDING or RUNNING task to CANCELLED. Returns false
// without error when the task is in a state that cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, taskID string) (bool, error) {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != model.TaskStatusPending && task.Status != model.TaskStatusRunning {
		return false, nil
	}
	if err := q.UpdateStatus(ctx, taskID, model.TaskStatusCancelled, Update{}); err != nil {
		return false, err
	}
	return true, nil
}

// Retry resets a FAILED task to PENDING and re-enqueues it at the tail of
// its original priority lane. Only legal while retry_count < max_retries.
func (q *Queue) Retry(ctx context.Context, taskID string) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		raw, err := q.store.Get(ctx, taskKey(taskID))
		if err != nil {
			return false, err
		}
		var task model.Task
		if err := json.Unmarshal(raw, &task); err != nil {
			return false, fmt.Errorf("corrupt task record: %w", err)
		}
		if !task.CanRetry() {
			return false, nil
		}

		now := time.Now().UTC()
		task.Status = model.TaskStatusPending
		task.RetryCount++
		task.ErrorMessage = ""
		task.WorkerID = ""
		task.Progress = 0
		task.CompletedAt = nil
		task.UpdatedAt = now

		updated, err := json.Marshal(&task)
		if err != nil {
			return false, err
		}
		won, err := q.store.CompareAndSwap(ctx, taskKey(taskID), raw, updated)
		if err != nil {
			return false, err
		}
		if !won {
			continue
		}
		if err := q.store.Client().RPush(ctx, laneKey(task.Priority), task.ID).Err(); err != nil {
			return false, fmt.Errorf("failed to re-enqueue task: %w", err)
		}
		q.log.Info().Str("task_id", taskID).Int("retry", task.RetryCount).Msg("task retried")
		return true, nil
	}
	return false, fmt.Errorf("task %s: retry contention not resolved", taskID)
}

// Get fetches a task record.
func (q *Queue) Get(ctx context.Context, taskID string) (*model.Task, error) {
	raw, err := q.store.Get(ctx, taskKey(taskID))
	if err != nil {
		return nil, err
	}
	var task model.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("corrupt task record: %w", err)
	}
	return &task, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status    model.TaskStatus
	Type      model.TaskType
	SessionID string
}

// List scans task records, newest first. Records that expire mid-scan are
// treated as absent.
func (q *Queue) List(ctx context.Context, f Filter, limit int) ([]*model.Task, error) {
	keys, err := q.store.Keys(ctx, taskKeyPrefix)
	if err != nil {
		return nil, err
	}

	tasks := make([]*model.Task, 0, len(keys))
	for _, key := range keys {
		raw, err := q.store.Get(ctx, key)
		if err != nil {
			if err == model.ErrNotFound {
				continue
			}
			return nil, err
		}
		var task model.Task
		if err := json.Unmarshal(raw, &task); err != nil {
			continue
		}
		if f.Status != "" && task.Status != f.Status {
			continue
		}
		if f.Type != "" && task.Type != f.Type {
			continue
		}
		if f.SessionID != "" && task.SessionID != f.SessionID {
			continue
		}
		tasks = append(tasks, &task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// SweepStale recovers tasks abandoned by a dead worker: RUNNING tasks whose
// record has not been touched within the threshold are requeued while retries
// remain and failed otherwise, and RETRYING tasks equally stale (the worker
// died during its backoff sleep, so the requeue never happened) go straight
// back to their lane.
func (q *Queue) SweepStale(ctx context.Context, threshold time.Duration) (int, error) {
	stale, err := q.List(ctx, Filter{Status: model.TaskStatusRunning}, 0)
	if err != nil {
		return 0, err
	}
	retrying, err := q.List(ctx, Filter{Status: model.TaskStatusRetrying}, 0)
	if err != nil {
		return 0, err
	}
	stale = append(stale, retrying...)

	cutoff := time.Now().UTC().Add(-threshold)
	swept := 0
	for _, task := range stale {
		if task.UpdatedAt.After(cutoff) {
			continue
		}
		if task.Status == model.TaskStatusRetrying {
			if err := q.UpdateStatus(ctx, task.ID, model.TaskStatusPending, Update{WorkerID: ""}); err != nil {
				q.log.Error().Err(err).Str("task_id", task.ID).Msg("sweep: requeue of retrying task failed")
				continue
			}
		} else if task.RetryCount < task.MaxRetries {
			if err := q.UpdateStatus(ctx, task.ID, model.TaskStatusRetrying, Update{}); err != nil {
				q.log.Error().Err(err).Str("task_id", task.ID).Msg("sweep: mark retrying failed")
				continue
			}
			if err := q.UpdateStatus(ctx, task.ID, model.TaskStatusPending, Update{WorkerID: ""}); err != nil {
				q.log.Error().Err(err).Str("task_id", task.ID).Msg("sweep: requeue failed")
				continue
			}
		} else {
			upd := Update{ErrorMessage: "worker lost: task exceeded staleness threshold"}
			if err := q.UpdateStatus(ctx, task.ID, model.TaskStatusFailed, upd); err != nil {
				q.log.Error().Err(err).Str("task_id", task.ID).Msg("sweep: fail failed")
				continue
			}
		}
		swept++
	}
	return swept, nil
}

func (q *Queue) saveTask(ctx context.Context, task *model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.store.Set(ctx, taskKey(task.ID), data, q.taskTTL)
}

func (q *Queue) removeFromLanes(ctx context.Context, taskID string) {
	for _, lane := range model.PriorityLanes {
		if err := q.store.Client().LRem(ctx, laneKey(lane), 0, taskID).Err(); err != nil {
			q.log.Warn().Err(err).Str("task_id", taskID).Msg("lane cleanup failed")
		}
	}
}
