package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Asdafers/contenitzer-sub000/internal/model"
	"github.com/Asdafers/contenitzer-sub000/internal/store"
)

func setupBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewBus(store.NewRedisStore(client), time.Hour, 5), mr
}

func TestPublishAndGetSessionEvents(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	pct := 30
	bus.Publish(ctx, "sess-1", model.EventTaskStarted, "started", PublishParams{TaskID: "t1"})
	bus.Publish(ctx, "sess-1", model.EventTaskProgress, "working", PublishParams{TaskID: "t1", Percentage: &pct})
	bus.Publish(ctx, "sess-2", model.EventInfoMessage, "other session", PublishParams{})

	events, err := bus.GetSessionEvents(ctx, "sess-1", 10, EventFilter{})
	if err != nil {
		t.Fatalf("GetSessionEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	// Newest first.
	if events[0].EventType != model.EventTaskProgress || events[1].EventType != model.EventTaskStarted {
		t.Errorf("events not newest-first: %s, %s", events[0].EventType, events[1].EventType)
	}
	if events[0].Percentage == nil || *events[0].Percentage != 30 {
		t.Error("percentage not preserved")
	}
}

func TestGetTaskEvents(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	bus.Publish(ctx, "sess-1", model.EventTaskStarted, "a", PublishParams{TaskID: "t1"})
	bus.Publish(ctx, "sess-1", model.EventTaskCompleted, "b", PublishParams{TaskID: "t1"})
	bus.Publish(ctx, "sess-1", model.EventInfoMessage, "no task", PublishParams{})

	events, err := bus.GetTaskEvents(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("GetTaskEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("got %d task events, want 2", len(events))
	}
}

func TestBacklogCap(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		bus.Publish(ctx, "sess-1", model.EventInfoMessage, "m", PublishParams{})
	}

	events, _ := bus.GetSessionEvents(ctx, "sess-1", 0, EventFilter{})
	if len(events) != 5 {
		t.Errorf("backlog holds %d events, want cap of 5", len(events))
	}
}

func TestTypeAndUnreadFilters(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	id := bus.Publish(ctx, "sess-1", model.EventTaskFailed, "boom", PublishParams{})
	bus.Publish(ctx, "sess-1", model.EventInfoMessage, "hi", PublishParams{})

	events, _ := bus.GetSessionEvents(ctx, "sess-1", 0, EventFilter{Type: model.EventTaskFailed})
	if len(events) != 1 || events[0].ID != id {
		t.Errorf("type filter returned %d events", len(events))
	}

	bus.MarkRead(ctx, id)
	events, _ = bus.GetSessionEvents(ctx, "sess-1", 0, EventFilter{UnreadOnly: true})
	if len(events) != 1 || events[0].EventType != model.EventInfoMessage {
		t.Errorf("unread filter returned %d events", len(events))
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	id := bus.Publish(ctx, "sess-1", model.EventInfoMessage, "m", PublishParams{})

	ok, err := bus.MarkRead(ctx, id)
	if err != nil || !ok {
		t.Fatalf("first MarkRead = %v, %v", ok, err)
	}
	ok, err = bus.MarkRead(ctx, id)
	if err != nil || !ok {
		t.Fatalf("second MarkRead = %v, %v; must succeed with no error", ok, err)
	}

	events, _ := bus.GetSessionEvents(ctx, "sess-1", 0, EventFilter{})
	if len(events) != 1 || !events[0].Read {
		t.Error("event should be read exactly once")
	}

	ok, err = bus.MarkRead(ctx, "missing")
	if err != nil || ok {
		t.Errorf("MarkRead on missing = %v, %v; want false, nil", ok, err)
	}
}

func TestMarkSessionRead(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	bus.Publish(ctx, "sess-1", model.EventInfoMessage, "a", PublishParams{})
	id := bus.Publish(ctx, "sess-1", model.EventInfoMessage, "b", PublishParams{})
	bus.MarkRead(ctx, id)

	n, err := bus.MarkSessionRead(ctx, "sess-1")
	if err != nil {
		t.Fatalf("MarkSessionRead failed: %v", err)
	}
	if n != 1 {
		t.Errorf("newly read = %d, want 1", n)
	}
}

func TestClearSession(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	bus.Publish(ctx, "sess-1", model.EventInfoMessage, "a", PublishParams{})

	ok, err := bus.ClearSession(ctx, "sess-1")
	if err != nil || !ok {
		t.Fatalf("ClearSession = %v, %v", ok, err)
	}
	events, _ := bus.GetSessionEvents(ctx, "sess-1", 0, EventFilter{})
	if len(events) != 0 {
		t.Errorf("%d events survived clear", len(events))
	}
}

func TestExpiredEventSkipped(t *testing.T) {
	bus, mr := setupBus(t)
	ctx := context.Background()

	id := bus.Publish(ctx, "sess-1", model.EventInfoMessage, "a", PublishParams{})
	mr.Del(eventKey(id))
	bus.Publish(ctx, "sess-1", model.EventInfoMessage, "b", PublishParams{})

	events, err := bus.GetSessionEvents(ctx, "sess-1", 0, EventFilter{})
	if err != nil {
		t.Fatalf("expired index entry errored: %v", err)
	}
	if len(events) != 1 || events[0].Message != "b" {
		t.Errorf("got %d events, want just the live one", len(events))
	}
}

func TestSubscribeDeliversInPublishOrder(t *testing.T) {
	bus, _ := setupBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	messages := []string{"one", "two", "three"}
	for _, m := range messages {
		bus.Publish(ctx, "sess-1", model.EventWorkflowStep, m, PublishParams{})
	}

	for i, want := range messages {
		select {
		case event := <-ch:
			if event.Message != want {
				t.Errorf("event %d = %q, want %q", i, event.Message, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}
