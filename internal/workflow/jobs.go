package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Asdafers/contenitzer-sub000/internal/model"
	"github.com/Asdafers/contenitzer-sub000/internal/store"
	"github.com/Asdafers/contenitzer-sub000/pkg/logger"
)

const (
	jobKeyPrefix   = "job:"
	claimKeyPrefix = "job:claim:"
)

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func claimKey(id string) string {
	return claimKeyPrefix + id
}

// JobStore persists job records under job:{id}. All mutations go through a
// compare-and-swap loop so a racing cancel and driver update cannot clobber
// each other.
type JobStore struct {
	store *store.RedisStore
	ttl   time.Duration
	log   zerolog.Logger
}

func NewJobStore(st *store.RedisStore, ttl time.Duration) *JobStore {
	return &JobStore{
		store: st,
		ttl:   ttl,
		log:   logger.Component("jobs"),
	}
}

// CreateParams carries everything needed to open a new job.
type CreateParams struct {
	SessionID           string
	ScriptID            string
	CompositionSettings json.RawMessage
}

func (s *JobStore) Create(ctx context.Context, p CreateParams) (*model.Job, error) {
	if p.SessionID == "" {
		return nil, model.NewValidationError("session_id is required")
	}
	if p.ScriptID == "" {
		return nil, model.NewValidationError("script_id is required")
	}

	job := &model.Job{
		ID:                  uuid.New().String(),
		SessionID:           p.SessionID,
		ScriptID:            p.ScriptID,
		Status:              model.JobStatusPending,
		CompositionSettings: p.CompositionSettings,
		CreatedAt:           time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, jobKey(job.ID), data, s.ttl); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	return job, nil
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	raw, err := s.store.Get(ctx, jobKey(jobID))
	if err != nil {
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("corrupt job record: %w", err)
	}
	return &job, nil
}

// Mutate applies fn to the current record and swaps it back in, retrying on
// contention. fn returning an error aborts without writing.
func (s *JobStore) Mutate(ctx context.Context, jobID string, fn func(*model.Job) error) (*model.Job, error) {
	for attempt := 0; attempt < 3; attempt++ {
		raw, err := s.store.Get(ctx, jobKey(jobID))
		if err != nil {
			return nil, err
		}
		var job model.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return nil, fmt.Errorf("corrupt job record: %w", err)
		}
		if err := fn(&job); err != nil {
			return nil, err
		}

		updated, err := json.Marshal(&job)
		if err != nil {
			return nil, err
		}
		won, err := s.store.CompareAndSwap(ctx, jobKey(jobID), raw, updated)
		if err != nil {
			return nil, err
		}
		if won {
			return &job, nil
		}
	}
	return nil, fmt.Errorf("job %s: update contention not resolved", jobID)
}

// List returns job records, newest first, optionally filtered by session.
func (s *JobStore) List(ctx context.Context, sessionID string, limit int) ([]*model.Job, error) {
	keys, err := s.store.Keys(ctx, jobKeyPrefix)
	if err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, claimKeyPrefix) {
			continue // claim locks share the job: prefix
		}
		raw, err := s.store.Get(ctx, key)
		if err != nil {
			if err == model.ErrNotFound {
				continue
			}
			return nil, err
		}
		var job model.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			continue
		}
		if sessionID != "" && job.SessionID != sessionID {
			continue
		}
		jobs = append(jobs, &job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Claim takes the single-driver lock for a job. The claim expires on its own
// so a crashed driver never wedges the job forever.
func (s *JobStore) Claim(ctx context.Context, jobID, ownerID string, ttl time.Duration) (bool, error) {
	return s.store.Client().SetNX(ctx, claimKey(jobID), ownerID, ttl).Result()
}

func (s *JobStore) ReleaseClaim(ctx context.Context, jobID string) {
	if _, err := s.store.Delete(ctx, claimKey(jobID)); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("claim release failed")
	}
}

// Claimed reports whether a live driver currently owns the job.
func (s *JobStore) Claimed(ctx context.Context, jobID string) (bool, error) {
	_, err := s.store.Get(ctx, claimKey(jobID))
	if err == model.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
