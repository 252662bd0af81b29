package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Asdafers/contenitzer-sub000/internal/model"
	"github.com/Asdafers/contenitzer-sub000/internal/store"
)

func setupQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(store.NewRedisStore(client), 24*time.Hour, 3)
}

func submit(t *testing.T, q *Queue, p model.TaskPriority) string {
	t.Helper()
	id, err := q.Submit(context.Background(), SubmitParams{
		Type:      model.TaskTypeMediaGeneration,
		Input:     json.RawMessage(`{"script_id":"s-1"}`),
		SessionID: "sess-1",
		Priority:  p,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return id
}

func TestSubmitValidation(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	var verr *model.ValidationError
	_, err := q.Submit(ctx, SubmitParams{Type: "mystery", SessionID: "s"})
	if !errors.As(err, &verr) {
		t.Errorf("bad type: expected validation error, got %v", err)
	}
	_, err = q.Submit(ctx, SubmitParams{Type: model.TaskTypeMediaGeneration, SessionID: "s", Priority: "asap"})
	if !errors.As(err, &verr) {
		t.Errorf("bad priority: expected validation error, got %v", err)
	}
	_, err = q.Submit(ctx, SubmitParams{Type: model.TaskTypeMediaGeneration})
	if !errors.As(err, &verr) {
		t.Errorf("missing session: expected validation error, got %v", err)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	a := submit(t, q, model.PriorityNormal)
	b := submit(t, q, model.PriorityUrgent)
	c := submit(t, q, model.PriorityNormal)

	want := []string{b, a, c}
	for i, expected := range want {
		task, err := q.GetNextTask(ctx, "w1")
		if err != nil {
			t.Fatalf("GetNextTask %d failed: %v", i, err)
		}
		if task == nil || task.ID != expected {
			t.Fatalf("claim %d: got %v, want %s", i, task, expected)
		}
		if task.Status != model.TaskStatusRunning || task.WorkerID != "w1" {
			t.Errorf("claimed task not running for w1: %+v", task)
		}
		if task.StartedAt == nil {
			t.Error("claimed task missing started_at")
		}
	}

	task, err := q.GetNextTask(ctx, "w1")
	if err != nil || task != nil {
		t.Errorf("empty lanes: got %v, %v; want nil, nil", task, err)
	}
}

func TestAtomicClaim(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	id := submit(t, q, model.PriorityNormal)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			task, err := q.GetNextTask(ctx, "w")
			if err != nil {
				t.Errorf("GetNextTask failed: %v", err)
				return
			}
			if task != nil {
				mu.Lock()
				winners = append(winners, task.ID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 || winners[0] != id {
		t.Errorf("expected exactly one winner for %s, got %v", id, winners)
	}
}

func TestStaleDuplicateLaneEntry(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	first := submit(t, q, model.PriorityNormal)
	second := submit(t, q, model.PriorityNormal)

	// Inject a duplicate entry for the first task, as a crashed worker's
	// requeue might leave behind.
	q.store.Client().LPush(ctx, laneKey(model.PriorityNormal), first)

	got1, _ := q.GetNextTask(ctx, "w1")
	got2, _ := q.GetNextTask(ctx, "w1")
	if got1 == nil || got2 == nil {
		t.Fatal("expected two claims")
	}
	if got1.ID != first || got2.ID != second {
		t.Errorf("claims = %s, %s; want %s, %s", got1.ID, got2.ID, first, second)
	}
}

func TestDanglingEntryTolerated(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	// Lane entry pointing at a record that expired.
	q.store.Client().RPush(ctx, laneKey(model.PriorityNormal), "ghost")
	id := submit(t, q, model.PriorityLow)

	task, err := q.GetNextTask(ctx, "w1")
	if err != nil {
		t.Fatalf("GetNextTask failed: %v", err)
	}
	if task == nil || task.ID != id {
		t.Errorf("expected %s past the dangling entry, got %v", id, task)
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	id := submit(t, q, model.PriorityNormal)
	if _, err := q.GetNextTask(ctx, "w1"); err != nil {
		t.Fatal(err)
	}

	pct := 50
	if err := q.UpdateStatus(ctx, id, model.TaskStatusRunning, Update{Progress: &pct}); err != nil {
		t.Fatalf("progress update failed: %v", err)
	}

	result := json.RawMessage(`{"assets":["a.png"]}`)
	if err := q.UpdateStatus(ctx, id, model.TaskStatusCompleted, Update{Result: result}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	task, _ := q.Get(ctx, id)
	if task.Status != model.TaskStatusCompleted {
		t.Errorf("status = %s", task.Status)
	}
	if task.CompletedAt == nil {
		t.Error("missing completed_at")
	}
	if task.ErrorMessage != "" {
		t.Error("completed task carries error message")
	}

	// Terminal states are final.
	err := q.UpdateStatus(ctx, id, model.TaskStatusRunning, Update{})
	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("completed -> running should be rejected, got %v", err)
	}
}

func TestResultErrorMutualExclusion(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	id := submit(t, q, model.PriorityNormal)
	q.GetNextTask(ctx, "w1")

	var verr *model.ValidationError
	err := q.UpdateStatus(ctx, id, model.TaskStatusCompleted, Update{ErrorMessage: "boom"})
	if !errors.As(err, &verr) {
		t.Errorf("completed with error message should be rejected, got %v", err)
	}
	err = q.UpdateStatus(ctx, id, model.TaskStatusFailed, Update{Result: json.RawMessage(`{}`), ErrorMessage: "boom"})
	if !errors.As(err, &verr) {
		t.Errorf("failed with result should be rejected, got %v", err)
	}
}

func TestRetryBound(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	id := submit(t, q, model.PriorityHigh)

	// Fail and retry until the budget runs out.
	for i := 0; i < 3; i++ {
		if _, err := q.GetNextTask(ctx, "w1"); err != nil {
			t.Fatal(err)
		}
		if err := q.UpdateStatus(ctx, id, model.TaskStatusFailed, Update{ErrorMessage: "boom"}); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
		ok, err := q.Retry(ctx, id)
		if err != nil || !ok {
			t.Fatalf("retry %d = %v, %v; want true, nil", i, ok, err)
		}
	}

	// Fourth failure exhausts the budget.
	if _, err := q.GetNextTask(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := q.UpdateStatus(ctx, id, model.TaskStatusFailed, Update{ErrorMessage: "boom"}); err != nil {
		t.Fatal(err)
	}
	ok, err := q.Retry(ctx, id)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if ok {
		t.Error("retry beyond max_retries must be refused")
	}

	task, _ := q.Get(ctx, id)
	if task.Status != model.TaskStatusFailed {
		t.Errorf("exhausted task status = %s, want failed", task.Status)
	}
	if task.RetryCount != task.MaxRetries {
		t.Errorf("retry_count = %d, want %d", task.RetryCount, task.MaxRetries)
	}
}

func TestRetryReenqueuesSameLane(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	id := submit(t, q, model.PriorityUrgent)
	q.GetNextTask(ctx, "w1")
	q.UpdateStatus(ctx, id, model.TaskStatusFailed, Update{ErrorMessage: "boom"})

	ok, err := q.Retry(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Retry = %v, %v", ok, err)
	}

	task, err := q.GetNextTask(ctx, "w2")
	if err != nil || task == nil || task.ID != id {
		t.Fatalf("retried task not claimable from its lane: %v, %v", task, err)
	}
	if task.Priority != model.PriorityUrgent {
		t.Errorf("priority = %s, want urgent", task.Priority)
	}
}

func TestCancel(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	// Pending task can be cancelled.
	id := submit(t, q, model.PriorityNormal)
	ok, err := q.Cancel(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Cancel pending = %v, %v", ok, err)
	}

	// Cancelled entries are gone from the lanes.
	task, _ := q.GetNextTask(ctx, "w1")
	if task != nil {
		t.Errorf("cancelled task claimed: %+v", task)
	}

	// Cancelling again returns false.
	ok, err = q.Cancel(ctx, id)
	if err != nil || ok {
		t.Errorf("second Cancel = %v, %v; want false, nil", ok, err)
	}

	// Missing task surfaces not-found.
	_, err = q.Cancel(ctx, "missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Cancel missing = %v, want ErrNotFound", err)
	}
}

func TestListFilters(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	a := submit(t, q, model.PriorityNormal)
	q.Submit(ctx, SubmitParams{
		Type:      model.TaskTypeScriptGeneration,
		SessionID: "sess-2",
		Priority:  model.PriorityLow,
	})

	tasks, err := q.List(ctx, Filter{SessionID: "sess-1"}, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != a {
		t.Errorf("session filter returned %d tasks", len(tasks))
	}

	tasks, _ = q.List(ctx, Filter{Status: model.TaskStatusPending}, 10)
	if len(tasks) != 2 {
		t.Errorf("status filter returned %d tasks, want 2", len(tasks))
	}
}

func TestSweepStale(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	id := submit(t, q, model.PriorityNormal)
	q.GetNextTask(ctx, "w1")

	// Not stale yet.
	n, err := q.SweepStale(ctx, time.Minute)
	if err != nil || n != 0 {
		t.Fatalf("fresh sweep = %d, %v; want 0, nil", n, err)
	}

	// Everything older than 0s is stale.
	n, err = q.SweepStale(ctx, 0)
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1, nil", n, err)
	}

	task, _ := q.Get(ctx, id)
	if task.Status != model.TaskStatusPending {
		t.Errorf("swept task status = %s, want pending", task.Status)
	}
	if task.RetryCount != 1 {
		t.Errorf("swept task retry_count = %d, want 1", task.RetryCount)
	}

	// And it is claimable again.
	got, _ := q.GetNextTask(ctx, "w2")
	if got == nil || got.ID != id {
		t.Errorf("swept task not claimable: %v", got)
	}
}

func TestSweepRequeuesStalledRetry(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	id := submit(t, q, model.PriorityHigh)
	q.GetNextTask(ctx, "w1")
	if err := q.UpdateStatus(ctx, id, model.TaskStatusRetrying, Update{}); err != nil {
		t.Fatal(err)
	}

	// The worker that owned the backoff sleep is gone; the sweep finishes
	// the requeue it never got to.
	n, err := q.SweepStale(ctx, 0)
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1, nil", n, err)
	}

	task, _ := q.Get(ctx, id)
	if task.Status != model.TaskStatusPending {
		t.Errorf("task status = %s, want pending", task.Status)
	}
	if task.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", task.RetryCount)
	}

	got, _ := q.GetNextTask(ctx, "w2")
	if got == nil || got.ID != id {
		t.Errorf("requeued task not claimable: %v", got)
	}
}
