package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Asdafers/contenitzer-sub000/internal/model"
	"github.com/Asdafers/contenitzer-sub000/internal/progress"
	"github.com/Asdafers/contenitzer-sub000/internal/queue"
	"github.com/Asdafers/contenitzer-sub000/internal/store"
)

type poolFixture struct {
	queue *queue.Queue
	bus   *progress.Bus
}

func setupPool(t *testing.T, handlers map[model.TaskType]Handler) (*poolFixture, *Pool, context.CancelFunc) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := store.NewRedisStore(client)
	q := queue.New(st, 24*time.Hour, 3)
	bus := progress.NewBus(st, time.Hour, 50)

	pool := NewPool(q, bus, handlers, 2, 10*time.Millisecond, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)
	t.Cleanup(cancel)

	return &poolFixture{queue: q, bus: bus}, pool, cancel
}

func submitTask(t *testing.T, q *queue.Queue, taskType model.TaskType, input string) string {
	t.Helper()
	id, err := q.Submit(context.Background(), queue.SubmitParams{
		Type:      taskType,
		Input:     json.RawMessage(input),
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

func waitForStatus(t *testing.T, q *queue.Queue, taskID string, want model.TaskStatus) *model.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := q.Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := q.Get(context.Background(), taskID)
	t.Fatalf("task %s never reached %s, last status %s", taskID, want, task.Status)
	return nil
}

func TestPoolCompletesMockTask(t *testing.T) {
	handlers := (&Handlers{MockStepDelay: time.Millisecond}).Table()
	fx, _, _ := setupPool(t, handlers)

	id := submitTask(t, fx.queue, model.TaskTypeMediaGeneration, `{"script_id":"s-1"}`)
	task := waitForStatus(t, fx.queue, id, model.TaskStatusCompleted)

	if task.Progress != 100 {
		t.Errorf("progress = %d, want 100", task.Progress)
	}
	if task.ErrorMessage != "" {
		t.Errorf("completed task carries error %q", task.ErrorMessage)
	}
	var result MediaGenerationResult
	if err := json.Unmarshal(task.Result, &result); err != nil {
		t.Fatalf("result undecodable: %v", err)
	}
	if len(result.Assets) == 0 {
		t.Error("expected mock assets in result")
	}

	events, err := fx.bus.GetTaskEvents(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("get task events: %v", err)
	}
	seen := map[model.EventType]bool{}
	for _, event := range events {
		seen[event.EventType] = true
	}
	for _, want := range []model.EventType{model.EventTaskStarted, model.EventTaskProgress, model.EventTaskCompleted} {
		if !seen[want] {
			t.Errorf("missing %s event", want)
		}
	}
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	attempts := make(chan struct{}, 10)
	handlers := map[model.TaskType]Handler{
		model.TaskTypeMediaGeneration: func(ctx context.Context, task *model.Task, report ReportFunc) (json.RawMessage, error) {
			attempts <- struct{}{}
			if task.RetryCount == 0 {
				return nil, model.NewTransientError(errors.New("upstream hiccup"))
			}
			return json.RawMessage(`{"ok":true}`), nil
		},
	}
	fx, _, _ := setupPool(t, handlers)

	id := submitTask(t, fx.queue, model.TaskTypeMediaGeneration, `{"script_id":"s-1"}`)
	task := waitForStatus(t, fx.queue, id, model.TaskStatusCompleted)

	if task.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", task.RetryCount)
	}
	if len(attempts) < 2 {
		t.Errorf("handler ran %d times, want at least 2", len(attempts))
	}
}

func TestPoolFailsPermanentErrorImmediately(t *testing.T) {
	runs := 0
	handlers := map[model.TaskType]Handler{
		model.TaskTypeMediaGeneration: func(ctx context.Context, task *model.Task, report ReportFunc) (json.RawMessage, error) {
			runs++
			return nil, model.NewPermanentError(errors.New("bad payload"))
		},
	}
	fx, _, _ := setupPool(t, handlers)

	id := submitTask(t, fx.queue, model.TaskTypeMediaGeneration, `{"script_id":"s-1"}`)
	task := waitForStatus(t, fx.queue, id, model.TaskStatusFailed)

	if task.RetryCount != 0 {
		t.Errorf("permanent failure retried %d times", task.RetryCount)
	}
	if task.ErrorMessage == "" {
		t.Error("failed task missing error message")
	}
	if len(task.Result) != 0 {
		t.Error("failed task carries a result")
	}
	if runs != 1 {
		t.Errorf("handler ran %d times, want 1", runs)
	}

	events, err := fx.bus.GetTaskEvents(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("get task events: %v", err)
	}
	found := false
	for _, event := range events {
		if event.EventType == model.EventTaskFailed {
			found = true
		}
	}
	if !found {
		t.Error("missing task_failed event")
	}
}

func TestPoolExhaustsRetryBudget(t *testing.T) {
	handlers := map[model.TaskType]Handler{
		model.TaskTypeMediaGeneration: func(ctx context.Context, task *model.Task, report ReportFunc) (json.RawMessage, error) {
			return nil, model.NewTransientError(errors.New("still down"))
		},
	}
	fx, _, _ := setupPool(t, handlers)

	id := submitTask(t, fx.queue, model.TaskTypeMediaGeneration, `{"script_id":"s-1"}`)
	task := waitForStatus(t, fx.queue, id, model.TaskStatusFailed)

	if task.RetryCount != task.MaxRetries {
		t.Errorf("retry_count = %d, want %d", task.RetryCount, task.MaxRetries)
	}
}

func TestPoolCancelInFlightTask(t *testing.T) {
	started := make(chan struct{})
	handlers := map[model.TaskType]Handler{
		model.TaskTypeMediaGeneration: func(ctx context.Context, task *model.Task, report ReportFunc) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	fx, pool, _ := setupPool(t, handlers)

	id := submitTask(t, fx.queue, model.TaskTypeMediaGeneration, `{"script_id":"s-1"}`)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	// External cancellation marks the record first, then aborts execution.
	if ok, err := fx.queue.Cancel(context.Background(), id); err != nil || !ok {
		t.Fatalf("cancel record: ok=%v err=%v", ok, err)
	}
	if !pool.Cancel(id) {
		t.Fatal("pool had no in-flight execution to cancel")
	}

	task := waitForStatus(t, fx.queue, id, model.TaskStatusCancelled)
	if task.ErrorMessage != "" {
		t.Errorf("cancelled task carries error %q", task.ErrorMessage)
	}

	// The worker must not overwrite the terminal state afterwards.
	time.Sleep(50 * time.Millisecond)
	task, err := fx.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != model.TaskStatusCancelled {
		t.Errorf("status = %s after cancel, want cancelled", task.Status)
	}
}

func TestHandlersRejectMalformedInput(t *testing.T) {
	h := &Handlers{MockStepDelay: time.Millisecond}
	task := &model.Task{
		ID:        "t-1",
		Type:      model.TaskTypeMediaGeneration,
		SessionID: "sess-1",
		Input:     json.RawMessage(`{"script_id":""}`),
	}
	_, err := h.MediaGeneration(context.Background(), task, func(int, string) {})
	if err == nil {
		t.Fatal("expected error for missing script_id")
	}
	if model.IsTransient(err) {
		t.Error("payload error classified transient, retrying cannot help")
	}
}
