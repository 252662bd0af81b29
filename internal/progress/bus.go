// Package progress implements the progress-event bus. Events are stored
// under event:{id} with a bounded TTL, indexed most-recent-first in capped
// per-session and per-task lists, and broadcast live over the
// progress:{session_id} pub/sub channel. Delivery is best-effort: publishing
// never fails the caller's workflow.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Asdafers/contenitzer-sub000/internal/model"
	"github.com/Asdafers/contenitzer-sub000/internal/store"
	"github.com/Asdafers/contenitzer-sub000/pkg/logger"
)

const (
	eventKeyPrefix    = "event:"
	sessionListPrefix = "events:session:"
	taskListPrefix    = "events:task:"
	channelPrefix     = "progress:"
)

func eventKey(id string) string {
	return eventKeyPrefix + id
}

// Channel returns the pub/sub channel name for a session.
func Channel(sessionID string) string {
	return channelPrefix + sessionID
}

// ChannelPattern matches every session's progress channel.
const ChannelPattern = channelPrefix + "*"

// Bus publishes and serves progress events.
type Bus struct {
	store    *store.RedisStore
	eventTTL time.Duration
	backlog  int
	log      zerolog.Logger
}

func NewBus(st *store.RedisStore, eventTTL time.Duration, backlog int) *Bus {
	return &Bus{
		store:    st,
		eventTTL: eventTTL,
		backlog:  backlog,
		log:      logger.Component("progress"),
	}
}

// PublishParams carries the optional fields of a Publish call.
type PublishParams struct {
	TaskID     string
	Percentage *int
	Metadata   map[string]string
}

// Publish creates and stores a ProgressEvent, indexes it for the session and
// (if set) the task, and pushes it to live subscribers. Storage or broadcast
// failures are logged and swallowed; progress is reported, not awaited, so a
// worker generating many events per second never blocks on consumer
// liveness. The event id is returned even when persistence failed.
func (b *Bus) Publish(ctx context.Context, sessionID string, eventType model.EventType, message string, p PublishParams) string {
	event := &model.ProgressEvent{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		TaskID:     p.TaskID,
		EventType:  eventType,
		Message:    message,
		Percentage: p.Percentage,
		Metadata:   p.Metadata,
		Timestamp:  time.Now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		b.log.Error().Err(err).Msg("event marshal failed")
		return event.ID
	}

	if err := b.store.Set(ctx, eventKey(event.ID), data, b.eventTTL); err != nil {
		b.log.Error().Err(err).Str("event_id", event.ID).Msg("event store failed")
		return event.ID
	}
	b.index(ctx, sessionListPrefix+sessionID, event.ID)
	if p.TaskID != "" {
		b.index(ctx, taskListPrefix+p.TaskID, event.ID)
	}

	if err := b.store.Client().Publish(ctx, Channel(sessionID), data).Err(); err != nil {
		b.log.Warn().Err(err).Str("session_id", sessionID).Msg("live broadcast failed")
	}
	return event.ID
}

// index prepends the event id to a capped recent-event list sharing the
// event's TTL-bounded lifetime.
func (b *Bus) index(ctx context.Context, listKey, eventID string) {
	pipe := b.store.Client().TxPipeline()
	pipe.LPush(ctx, listKey, eventID)
	pipe.LTrim(ctx, listKey, 0, int64(b.backlog-1))
	pipe.Expire(ctx, listKey, b.eventTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		b.log.Warn().Err(err).Str("list", listKey).Msg("event index failed")
	}
}

// EventFilter narrows GetSessionEvents results.
type EventFilter struct {
	Type       model.EventType
	UnreadOnly bool
}

// GetSessionEvents returns the session's recent events, newest first.
// Expired events still listed in the index are skipped.
func (b *Bus) GetSessionEvents(ctx context.Context, sessionID string, limit int, f EventFilter) ([]*model.ProgressEvent, error) {
	return b.collect(ctx, sessionListPrefix+sessionID, limit, f)
}

// GetTaskEvents returns the task's recent events, newest first.
func (b *Bus) GetTaskEvents(ctx context.Context, taskID string, limit int) ([]*model.ProgressEvent, error) {
	return b.collect(ctx, taskListPrefix+taskID, limit, EventFilter{})
}

func (b *Bus) collect(ctx context.Context, listKey string, limit int, f EventFilter) ([]*model.ProgressEvent, error) {
	ids, err := b.store.Client().LRange(ctx, listKey, 0, int64(b.backlog-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("event list read failed: %w", err)
	}

	events := make([]*model.ProgressEvent, 0, len(ids))
	for _, id := range ids {
		event, err := b.getEvent(ctx, id)
		if err != nil {
			if err == model.ErrNotFound {
				continue // expired but still listed
			}
			return nil, err
		}
		if f.Type != "" && event.EventType != f.Type {
			continue
		}
		if f.UnreadOnly && event.Read {
			continue
		}
		events = append(events, event)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (b *Bus) getEvent(ctx context.Context, id string) (*model.ProgressEvent, error) {
	raw, err := b.store.Get(ctx, eventKey(id))
	if err != nil {
		return nil, err
	}
	var event model.ProgressEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("corrupt event record: %w", err)
	}
	return &event, nil
}

// MarkRead flips an event's read flag. Idempotent: marking an already-read
// event succeeds with no further effect.
func (b *Bus) MarkRead(ctx context.Context, eventID string) (bool, error) {
	raw, err := b.store.Get(ctx, eventKey(eventID))
	if err != nil {
		if err == model.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	var event model.ProgressEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return false, fmt.Errorf("corrupt event record: %w", err)
	}
	if event.Read {
		return true, nil
	}
	event.Read = true

	updated, err := json.Marshal(&event)
	if err != nil {
		return false, err
	}
	if _, err := b.store.CompareAndSwap(ctx, eventKey(eventID), raw, updated); err != nil {
		return false, err
	}
	// A lost swap means a concurrent MarkRead already won; same outcome.
	return true, nil
}

// MarkSessionRead marks every listed event for the session as read and
// returns how many were newly flipped.
func (b *Bus) MarkSessionRead(ctx context.Context, sessionID string) (int, error) {
	events, err := b.GetSessionEvents(ctx, sessionID, 0, EventFilter{UnreadOnly: true})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, event := range events {
		ok, err := b.MarkRead(ctx, event.ID)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// ClearSession drops the session's event index and its stored events.
func (b *Bus) ClearSession(ctx context.Context, sessionID string) (bool, error) {
	listKey := sessionListPrefix + sessionID
	ids, err := b.store.Client().LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if _, err := b.store.Delete(ctx, eventKey(id)); err != nil {
			return false, err
		}
	}
	deleted, err := b.store.Delete(ctx, listKey)
	if err != nil {
		return false, err
	}
	return deleted || len(ids) > 0, nil
}

// Subscribe opens a live event stream for every session. Events arrive in
// publish order per session; cross-session ordering carries no guarantee.
// The returned channel closes when ctx is done.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *model.ProgressEvent, error) {
	sub := b.store.Client().PSubscribe(ctx, ChannelPattern)
	// Force the subscription onto the wire before returning.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}

	out := make(chan *model.ProgressEvent, 256)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event := decodeMessage(msg, b.log)
				if event == nil {
					continue
				}
				select {
				case out <- event:
				default:
					b.log.Warn().Str("session_id", event.SessionID).Msg("subscriber lagging, event dropped")
				}
			}
		}
	}()
	return out, nil
}

func decodeMessage(msg *redis.Message, log zerolog.Logger) *model.ProgressEvent {
	var event model.ProgressEvent
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		log.Warn().Err(err).Str("channel", msg.Channel).Msg("undecodable progress message")
		return nil
	}
	return &event
}
