// Package ws implements the per-session connection fan-out. Live handles are
// grouped by session id; every published progress event is delivered to all
// of a session's viewers, and a newly attached client is replayed the recent
// backlog (oldest-first) before it sees live traffic.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"

	"github.com/Asdafers/contenitzer-sub000/internal/model"
	"github.com/Asdafers/contenitzer-sub000/internal/progress"
	"github.com/Asdafers/contenitzer-sub000/internal/session"
	"github.com/Asdafers/contenitzer-sub000/pkg/logger"
)

// DeliveryMode selects how the hub observes new events.
type DeliveryMode string

const (
	// ModePubSub subscribes to the bus's live channel. Primary path.
	ModePubSub DeliveryMode = "pubsub"
	// ModePolling periodically re-reads recent events, forwarding only
	// those the clients have not seen yet. Degraded fallback for when the
	// pub/sub primitive is unavailable; the interval must stay well under
	// a second so staleness is not human-noticeable.
	ModePolling DeliveryMode = "polling"
)

// ErrHubClosed is returned by Register once the hub loop has exited.
var ErrHubClosed = errors.New("fan-out stopped")

// Conn is the transport side of one live handle. *websocket.Conn satisfies
// it; tests substitute an in-memory fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Client is one registered viewer of a session.
type Client struct {
	SessionID string
	Conn      Conn
	Send      chan []byte

	// lastDelivered and seenAtLast suppress duplicates across the
	// replay/live seam: seenAtLast holds the ids of events delivered at
	// exactly lastDelivered, so distinct events sharing a timestamp still
	// get through. Touched only from the hub loop.
	lastDelivered time.Time
	seenAtLast    map[string]struct{}
}

// Hub maintains active connections and fans progress events out to them.
type Hub struct {
	sessions *session.Service
	bus      *progress.Bus
	mode     DeliveryMode
	pollTick time.Duration
	backlog  int

	clients    map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	log zerolog.Logger
}

func NewHub(sessions *session.Service, bus *progress.Bus, mode DeliveryMode, pollTick time.Duration, backlog int) *Hub {
	if mode != ModePolling {
		mode = ModePubSub
	}
	return &Hub{
		sessions:   sessions,
		bus:        bus,
		mode:       mode,
		pollTick:   pollTick,
		backlog:    backlog,
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        logger.Component("ws"),
	}
}

// Run drives the hub until ctx is done. Registration, unregistration and
// delivery are serialized here, so the handle sets need no locking and
// within one session events reach each client in publish order.
func (h *Hub) Run(ctx context.Context) {
	var live <-chan *model.ProgressEvent
	if h.mode == ModePubSub {
		ch, err := h.bus.Subscribe(ctx)
		if err != nil {
			h.log.Error().Err(err).Msg("subscribe failed, falling back to polling")
			h.mode = ModePolling
		} else {
			live = ch
		}
	}

	var tick <-chan time.Time
	if h.mode == ModePolling {
		ticker := time.NewTicker(h.pollTick)
		defer ticker.Stop()
		tick = ticker.C
	}
	lastPolled := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			close(h.done)
			return

		case client := <-h.register:
			if h.clients[client.SessionID] == nil {
				h.clients[client.SessionID] = make(map[*Client]bool)
			}
			h.clients[client.SessionID][client] = true
			h.replay(ctx, client)
			h.log.Debug().Str("session_id", client.SessionID).Msg("client registered")

		case client := <-h.unregister:
			h.drop(client)
			h.log.Debug().Str("session_id", client.SessionID).Msg("client unregistered")

		case event, ok := <-live:
			if !ok {
				live = nil
				continue
			}
			h.deliver(event)

		case <-tick:
			h.pollOnce(ctx, lastPolled)
		}
	}
}

// replay pushes the most recent buffered events to a freshly attached
// client, oldest-first, so it sees recent history before live traffic.
func (h *Hub) replay(ctx context.Context, client *Client) {
	events, err := h.bus.GetSessionEvents(ctx, client.SessionID, h.backlog, progress.EventFilter{})
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", client.SessionID).Msg("backlog replay failed")
		return
	}
	// GetSessionEvents returns newest-first.
	for i := len(events) - 1; i >= 0; i-- {
		h.send(client, events[i])
	}
}

// deliver fans one event out to every handle of its session. A failed
// handle is removed on its own; siblings keep receiving.
func (h *Hub) deliver(event *model.ProgressEvent) {
	for client := range h.clients[event.SessionID] {
		h.send(client, event)
	}
}

// send enqueues the event on one client, skipping anything the client
// already got across the replay/live seam. Events older than the last
// delivery are stale; at the same instant the event id decides, so two
// distinct events sharing a timestamp both go out while a true duplicate
// does not.
func (h *Hub) send(client *Client, event *model.ProgressEvent) {
	if event.Timestamp.Before(client.lastDelivered) {
		return
	}
	if event.Timestamp.Equal(client.lastDelivered) {
		if _, dup := client.seenAtLast[event.ID]; dup {
			return
		}
	}
	data, err := json.Marshal(event.Wire())
	if err != nil {
		h.log.Error().Err(err).Msg("wire marshal failed")
		return
	}
	select {
	case client.Send <- data:
		if event.Timestamp.After(client.lastDelivered) {
			client.lastDelivered = event.Timestamp
			client.seenAtLast = map[string]struct{}{event.ID: {}}
		} else {
			if client.seenAtLast == nil {
				client.seenAtLast = make(map[string]struct{})
			}
			client.seenAtLast[event.ID] = struct{}{}
		}
	default:
		// Slow or dead consumer; drop only this handle.
		h.log.Warn().Str("session_id", client.SessionID).Msg("send buffer full, dropping handle")
		h.drop(client)
	}
}

// pollOnce is the degraded delivery path: re-read each connected session's
// recent events and forward the ones newer than the last poll mark.
func (h *Hub) pollOnce(ctx context.Context, lastPolled map[string]time.Time) {
	for sessionID, handles := range h.clients {
		if len(handles) == 0 {
			continue
		}
		events, err := h.bus.GetSessionEvents(ctx, sessionID, h.backlog, progress.EventFilter{})
		if err != nil {
			h.log.Warn().Err(err).Str("session_id", sessionID).Msg("poll failed")
			continue
		}
		sort.Slice(events, func(i, j int) bool {
			return events[i].Timestamp.Before(events[j].Timestamp)
		})
		// Events at exactly the mark are re-offered; send's per-client
		// id check weeds out the ones already delivered.
		mark := lastPolled[sessionID]
		for _, event := range events {
			if event.Timestamp.Before(mark) {
				continue
			}
			h.deliver(event)
			if event.Timestamp.After(mark) {
				mark = event.Timestamp
			}
		}
		lastPolled[sessionID] = mark
	}
	// Sessions with no remaining viewers keep no poll mark.
	for sessionID := range lastPolled {
		if len(h.clients[sessionID]) == 0 {
			delete(lastPolled, sessionID)
		}
	}
}

func (h *Hub) drop(client *Client) {
	handles, ok := h.clients[client.SessionID]
	if !ok {
		return
	}
	if _, ok := handles[client]; !ok {
		return
	}
	delete(handles, client)
	close(client.Send)
	if len(handles) == 0 {
		delete(h.clients, client.SessionID)
	}
}

func (h *Hub) closeAll() {
	for _, handles := range h.clients {
		for client := range handles {
			close(client.Send)
		}
	}
	h.clients = make(map[string]map[*Client]bool)
}

// Register validates the session and attaches a handle. Rejected before
// registration when the session does not exist.
func (h *Hub) Register(ctx context.Context, sessionID string, conn Conn) (*Client, error) {
	if _, err := h.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	if err := h.sessions.Touch(ctx, sessionID); err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID).Msg("session touch failed")
	}
	client := &Client{
		SessionID:  sessionID,
		Conn:       conn,
		Send:       make(chan []byte, 256),
		seenAtLast: make(map[string]struct{}),
	}
	select {
	case h.register <- client:
		return client, nil
	case <-h.done:
		close(client.Send)
		return nil, ErrHubClosed
	}
}

// Unregister detaches a handle. A dropped connection never corrupts the
// handle set for the session's other viewers. Returns immediately once the
// hub loop has exited, since closeAll already released every handle.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// HandleConnection services one WebSocket connection until it closes.
func (h *Hub) HandleConnection(ctx context.Context, c Conn, sessionID string) {
	client, err := h.Register(ctx, sessionID, c)
	if err != nil {
		h.log.Info().Err(err).Str("session_id", sessionID).Msg("connection rejected")
		c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown session"))
		c.Close()
		return
	}
	defer h.Unregister(client)

	// Writer
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}
			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader: only ping frames are expected from clients.
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Str("session_id", sessionID).Msg("websocket closed")
			}
			break
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			data, _ := json.Marshal(map[string]string{"type": "pong"})
			select {
			case client.Send <- data:
			default:
			}
		}
	}
}
