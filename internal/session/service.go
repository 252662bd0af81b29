// Package session manages the session records progress events are grouped
// under. The fan-out layer validates connections against these before
// registering a handle.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Asdafers/contenitzer-sub000/internal/model"
	"github.com/Asdafers/contenitzer-sub000/internal/store"
)

const keyPrefix = "session:"

func key(id string) string {
	return keyPrefix + id
}

// Service creates and resolves TTL-bounded session records.
type Service struct {
	store store.Store
	ttl   time.Duration
}

func NewService(st store.Store, ttl time.Duration) *Service {
	return &Service{store: st, ttl: ttl}
}

// Create registers a new session and returns it.
func (s *Service) Create(ctx context.Context, userID string) (*model.Session, error) {
	now := time.Now().UTC()
	sess := &model.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return sess, nil
}

// Get resolves a session id. Expired sessions are absent.
func (s *Service) Get(ctx context.Context, id string) (*model.Session, error) {
	raw, err := s.store.Get(ctx, key(id))
	if err != nil {
		return nil, err
	}
	var sess model.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}
	return &sess, nil
}

// Touch refreshes last_seen and the record's TTL. Used on every live
// connection attach so active sessions outlive idle ones.
func (s *Service) Touch(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.LastSeen = time.Now().UTC()
	return s.save(ctx, sess)
}

func (s *Service) save(ctx context.Context, sess *model.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, key(sess.ID), data, s.ttl)
}
