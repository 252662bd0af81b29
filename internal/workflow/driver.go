// Package workflow drives the end-to-end video generation pipeline: it owns
// the job state machine, submits the per-stage tasks, mirrors their progress
// onto the job, and applies the recovery sweep for work orphaned by dead
// workers or drivers.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Asdafers/contenitzer-sub000/internal/client"
	"github.com/Asdafers/contenitzer-sub000/internal/model"
	"github.com/Asdafers/contenitzer-sub000/internal/progress"
	"github.com/Asdafers/contenitzer-sub000/internal/queue"
	"github.com/Asdafers/contenitzer-sub000/internal/worker"
	"github.com/Asdafers/contenitzer-sub000/pkg/logger"
)

// Job progress bands per stage. Media generation fills 5..60, composition
// 60..95; the final transition snaps to 100.
const (
	mediaBandStart   = 5
	mediaBandEnd     = 60
	composeBandStart = 60
	composeBandEnd   = 95
)

// TaskCanceller aborts an in-flight task execution. Satisfied by the worker
// pool.
type TaskCanceller interface {
	Cancel(taskID string) bool
}

// Driver orchestrates jobs through media generation and video composition.
type Driver struct {
	jobs    *JobStore
	queue   *queue.Queue
	bus     *progress.Bus
	pool    TaskCanceller
	ownerID string

	pollInterval   time.Duration
	stageMaxWait   time.Duration
	staleThreshold time.Duration
	log            zerolog.Logger
}

type DriverOptions struct {
	PollInterval   time.Duration
	StageMaxWait   time.Duration
	StaleThreshold time.Duration
}

func NewDriver(jobs *JobStore, q *queue.Queue, bus *progress.Bus, pool TaskCanceller, opts DriverOptions) *Driver {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.StageMaxWait <= 0 {
		opts.StageMaxWait = 30 * time.Minute
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = 10 * time.Minute
	}
	return &Driver{
		jobs:           jobs,
		queue:          q,
		bus:            bus,
		pool:           pool,
		ownerID:        fmt.Sprintf("driver-%s", uuid.New().String()[:8]),
		pollInterval:   opts.PollInterval,
		stageMaxWait:   opts.StageMaxWait,
		staleThreshold: opts.StaleThreshold,
		log:            logger.Component("workflow"),
	}
}

// StartJob creates a job and launches its pipeline in the background. The
// caller gets the PENDING record back immediately and follows progress over
// the session's event stream.
func (d *Driver) StartJob(ctx context.Context, p CreateParams) (*model.Job, error) {
	job, err := d.jobs.Create(ctx, p)
	if err != nil {
		return nil, err
	}
	d.log.Info().Str("job_id", job.ID).Str("session_id", job.SessionID).Msg("job created")

	go d.run(context.Background(), job.ID)
	return job, nil
}

// run executes the pipeline for one job. It holds the job claim for the
// duration; a second driver picking up the same id backs off.
func (d *Driver) run(ctx context.Context, jobID string) {
	log := d.log.With().Str("job_id", jobID).Logger()

	claimed, err := d.jobs.Claim(ctx, jobID, d.ownerID, 2*d.stageMaxWait+time.Minute)
	if err != nil {
		log.Error().Err(err).Msg("claim failed")
		return
	}
	if !claimed {
		log.Debug().Msg("job already claimed")
		return
	}
	defer d.jobs.ReleaseClaim(ctx, jobID)

	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Msg("job vanished before start")
		return
	}

	assets, mediaSeconds, ok := d.runMediaStage(ctx, log, job)
	if !ok {
		return
	}

	d.runCompositionStage(ctx, log, job, assets, mediaSeconds)
}

func (d *Driver) runMediaStage(ctx context.Context, log zerolog.Logger, job *model.Job) ([]client.MediaAsset, float64, bool) {
	input, err := json.Marshal(worker.MediaGenerationInput{
		ScriptID: job.ScriptID,
		Options:  job.CompositionSettings,
	})
	if err != nil {
		d.failJob(ctx, job.ID, fmt.Sprintf("media input encode failed: %v", err))
		return nil, 0, false
	}

	taskID, err := d.queue.Submit(ctx, queue.SubmitParams{
		Type:      model.TaskTypeMediaGeneration,
		Input:     input,
		SessionID: job.SessionID,
		Priority:  model.PriorityHigh,
		Metadata:  map[string]string{"job_id": job.ID},
	})
	if err != nil {
		d.failJob(ctx, job.ID, fmt.Sprintf("media task submit failed: %v", err))
		return nil, 0, false
	}

	if !d.advance(ctx, log, job.ID, model.JobStatusMediaGeneration, taskID, mediaBandStart,
		"Generating media assets") {
		return nil, 0, false
	}

	task, ok := d.awaitTask(ctx, log, job.ID, taskID, mediaBandStart, mediaBandEnd)
	if !ok {
		return nil, 0, false
	}

	var result worker.MediaGenerationResult
	if err := json.Unmarshal(task.Result, &result); err != nil {
		d.failJob(ctx, job.ID, fmt.Sprintf("media result undecodable: %v", err))
		return nil, 0, false
	}
	return result.Assets, taskSeconds(task), true
}

func (d *Driver) runCompositionStage(ctx context.Context, log zerolog.Logger, job *model.Job, assets []client.MediaAsset, mediaSeconds float64) {
	input, err := json.Marshal(worker.VideoCompositionInput{
		JobID:   job.ID,
		Assets:  assets,
		Options: job.CompositionSettings,
	})
	if err != nil {
		d.failJob(ctx, job.ID, fmt.Sprintf("composition input encode failed: %v", err))
		return
	}

	taskID, err := d.queue.Submit(ctx, queue.SubmitParams{
		Type:      model.TaskTypeVideoComposition,
		Input:     input,
		SessionID: job.SessionID,
		Priority:  model.PriorityHigh,
		Metadata:  map[string]string{"job_id": job.ID},
	})
	if err != nil {
		d.failJob(ctx, job.ID, fmt.Sprintf("composition task submit failed: %v", err))
		return
	}

	if !d.advance(ctx, log, job.ID, model.JobStatusVideoComposition, taskID, composeBandStart,
		"Composing video") {
		return
	}

	task, ok := d.awaitTask(ctx, log, job.ID, taskID, composeBandStart, composeBandEnd)
	if !ok {
		return
	}

	var result worker.VideoCompositionResult
	if err := json.Unmarshal(task.Result, &result); err != nil {
		d.failJob(ctx, job.ID, fmt.Sprintf("composition result undecodable: %v", err))
		return
	}

	usage := &model.ResourceUsage{
		MediaTaskSeconds:   mediaSeconds,
		ComposeTaskSeconds: taskSeconds(task),
		AssetCount:         len(assets),
		OutputBytes:        result.Video.Bytes,
	}

	final, err := d.jobs.Mutate(ctx, job.ID, func(j *model.Job) error {
		j.ProgressPercentage = 100
		j.ResourceUsage = usage
		j.CurrentTaskID = ""
		return j.Transition(model.JobStatusCompleted)
	})
	if err != nil {
		log.Error().Err(err).Msg("job completion failed")
		return
	}

	d.publishStep(ctx, final, "Video ready")
	log.Info().Float64("media_s", usage.MediaTaskSeconds).
		Float64("compose_s", usage.ComposeTaskSeconds).Msg("job completed")
}

// advance transitions the job into a stage, records the stage task, and
// announces the step. Returns false when the job meanwhile went terminal.
func (d *Driver) advance(ctx context.Context, log zerolog.Logger, jobID string, next model.JobStatus, taskID string, pct int, message string) bool {
	job, err := d.jobs.Mutate(ctx, jobID, func(j *model.Job) error {
		if j.Status.Terminal() {
			return model.NewValidationError("job already terminal")
		}
		j.CurrentTaskID = taskID
		j.ProgressPercentage = pct
		return j.Transition(next)
	})
	if err != nil {
		log.Warn().Err(err).Str("next", string(next)).Msg("stage transition refused")
		return false
	}
	d.publishStep(ctx, job, message)
	return true
}

// awaitTask polls the stage task until it is terminal, mirroring its
// progress into the job's stage band. A terminal job (external cancel), a
// non-completed task, or the stage deadline all abort the pipeline.
func (d *Driver) awaitTask(ctx context.Context, log zerolog.Logger, jobID, taskID string, bandStart, bandEnd int) (*model.Task, bool) {
	deadline := time.Now().Add(d.stageMaxWait)
	lastPct := -1

	for {
		if time.Now().After(deadline) {
			d.cancelStageTask(ctx, taskID)
			d.failJob(ctx, jobID, fmt.Sprintf("stage timed out after %s", d.stageMaxWait))
			return nil, false
		}

		job, err := d.jobs.Get(ctx, jobID)
		if err != nil {
			log.Error().Err(err).Msg("job record lost mid-stage")
			d.cancelStageTask(ctx, taskID)
			return nil, false
		}
		if job.Status.Terminal() {
			// Cancelled or failed externally while we waited.
			d.cancelStageTask(ctx, taskID)
			return nil, false
		}

		task, err := d.queue.Get(ctx, taskID)
		if err != nil {
			d.failJob(ctx, jobID, fmt.Sprintf("stage task lost: %v", err))
			return nil, false
		}

		switch task.Status {
		case model.TaskStatusCompleted:
			return task, true
		case model.TaskStatusFailed:
			d.failJob(ctx, jobID, fmt.Sprintf("stage task failed: %s", task.ErrorMessage))
			return nil, false
		case model.TaskStatusCancelled:
			d.failJob(ctx, jobID, "stage task was cancelled")
			return nil, false
		}

		if pct := bandStart + (bandEnd-bandStart)*task.Progress/100; pct != lastPct {
			lastPct = pct
			if _, err := d.jobs.Mutate(ctx, jobID, func(j *model.Job) error {
				if j.Status.Terminal() {
					return model.NewValidationError("job already terminal")
				}
				if pct > j.ProgressPercentage {
					j.ProgressPercentage = pct
				}
				return nil
			}); err != nil {
				log.Warn().Err(err).Msg("job progress mirror failed")
			}
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(d.pollInterval):
		}
	}
}

// CancelJob aborts a running job: the record is forced FAILED first so the
// driver loop stops at its next check, then the in-flight stage task is
// cancelled. Terminal jobs cannot be cancelled again.
func (d *Driver) CancelJob(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := d.jobs.Mutate(ctx, jobID, func(j *model.Job) error {
		if j.Status.Terminal() {
			return model.NewValidationError(
				fmt.Sprintf("job is already %s and cannot be cancelled", j.Status))
		}
		j.ErrorMessage = "cancelled by user"
		return j.Transition(model.JobStatusFailed)
	})
	if err != nil {
		return nil, err
	}

	if job.CurrentTaskID != "" {
		d.cancelStageTask(ctx, job.CurrentTaskID)
	}
	d.publishStep(ctx, job, "Job cancelled")
	d.log.Info().Str("job_id", jobID).Msg("job cancelled")
	return job, nil
}

func (d *Driver) cancelStageTask(ctx context.Context, taskID string) {
	if _, err := d.queue.Cancel(ctx, taskID); err != nil && err != model.ErrNotFound {
		d.log.Warn().Err(err).Str("task_id", taskID).Msg("stage task cancel failed")
	}
	if d.pool != nil {
		d.pool.Cancel(taskID)
	}
}

func (d *Driver) failJob(ctx context.Context, jobID, message string) {
	job, err := d.jobs.Mutate(ctx, jobID, func(j *model.Job) error {
		if j.Status.Terminal() {
			return model.NewValidationError("job already terminal")
		}
		j.ErrorMessage = message
		return j.Transition(model.JobStatusFailed)
	})
	if err != nil {
		d.log.Warn().Err(err).Str("job_id", jobID).Msg("job fail refused")
		return
	}
	d.publishStep(ctx, job, message)
	d.log.Error().Str("job_id", jobID).Str("error", message).Msg("job failed")
}

// publishStep announces a job status change on the session's event stream.
func (d *Driver) publishStep(ctx context.Context, job *model.Job, message string) {
	eventType := model.EventWorkflowStep
	if job.Status == model.JobStatusFailed {
		eventType = model.EventErrorOccurred
	}
	pct := job.ProgressPercentage
	d.bus.Publish(ctx, job.SessionID, eventType, message, progress.PublishParams{
		TaskID:     job.CurrentTaskID,
		Percentage: &pct,
		Metadata:   map[string]string{"job_id": job.ID, "job_status": string(job.Status)},
	})
}

// Sweep recovers orphaned work: stale RUNNING tasks go back through the
// queue's retry path, and unclaimed non-terminal jobs older than the
// staleness threshold are failed so their sessions stop waiting.
func (d *Driver) Sweep(ctx context.Context) {
	swept, err := d.queue.SweepStale(ctx, d.staleThreshold)
	if err != nil {
		d.log.Error().Err(err).Msg("task sweep failed")
	} else if swept > 0 {
		d.log.Info().Int("tasks", swept).Msg("stale tasks swept")
	}

	jobs, err := d.jobs.List(ctx, "", 0)
	if err != nil {
		d.log.Error().Err(err).Msg("job sweep failed")
		return
	}
	cutoff := time.Now().UTC().Add(-d.staleThreshold)
	for _, job := range jobs {
		if job.Status.Terminal() || job.CreatedAt.After(cutoff) {
			continue
		}
		claimed, err := d.jobs.Claimed(ctx, job.ID)
		if err != nil {
			d.log.Error().Err(err).Str("job_id", job.ID).Msg("claim check failed")
			continue
		}
		if claimed {
			continue
		}
		d.failJob(ctx, job.ID, "workflow driver lost: job exceeded staleness threshold")
	}
}

func taskSeconds(task *model.Task) float64 {
	if task.StartedAt == nil || task.CompletedAt == nil {
		return 0
	}
	return task.CompletedAt.Sub(*task.StartedAt).Seconds()
}
