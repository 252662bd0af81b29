// Package worker runs the pull-based worker pool. Workers claim tasks from
// the queue by priority, dispatch them through a table resolved at startup,
// report progress through the bus, and apply the retry policy: transient
// failures back off exponentially until the retry budget runs out, permanent
// failures fail immediately.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Asdafers/contenitzer-sub000/internal/model"
	"github.com/Asdafers/contenitzer-sub000/internal/progress"
	"github.com/Asdafers/contenitzer-sub000/internal/queue"
	"github.com/Asdafers/contenitzer-sub000/pkg/logger"
)

// ReportFunc lets a handler publish task progress without knowing about the
// queue or the bus.
type ReportFunc func(pct int, message string)

// Handler executes one task type. The returned payload becomes the task's
// result. Handlers must honor ctx cancellation on long calls.
type Handler func(ctx context.Context, task *model.Task, report ReportFunc) (json.RawMessage, error)

// Pool is a fixed-size set of workers sharing one dispatch table.
type Pool struct {
	queue       *queue.Queue
	bus         *progress.Bus
	handlers    map[model.TaskType]Handler
	size        int
	idleBackoff time.Duration
	backoffBase time.Duration
	log         zerolog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc // task id -> in-flight cancel
}

func NewPool(q *queue.Queue, bus *progress.Bus, handlers map[model.TaskType]Handler, size int, idleBackoff, backoffBase time.Duration) *Pool {
	return &Pool{
		queue:       q,
		bus:         bus,
		handlers:    handlers,
		size:        size,
		idleBackoff: idleBackoff,
		backoffBase: backoffBase,
		log:         logger.Component("worker"),
		running:     make(map[string]context.CancelFunc),
	}
}

// Run blocks until ctx is done, serving tasks with the configured number of
// workers.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%s", uuid.New().String()[:8])
		go func() {
			defer wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	log := p.log.With().Str("worker_id", workerID).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.queue.GetNextTask(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("claim failed")
			p.sleep(ctx, p.idleBackoff)
			continue
		}
		if task == nil {
			// No work available; back off rather than spin.
			p.sleep(ctx, p.idleBackoff)
			continue
		}
		p.process(ctx, log, task)
	}
}

// Cancel aborts the in-flight execution of a task, if this pool is running
// it. The external call is abandoned, not interrupted mid-syscall.
func (p *Pool) Cancel(taskID string) bool {
	p.mu.Lock()
	cancel, ok := p.running[taskID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (p *Pool) process(ctx context.Context, log zerolog.Logger, task *model.Task) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.running[task.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, task.ID)
		p.mu.Unlock()
	}()

	log = log.With().Str("task_id", task.ID).Str("type", string(task.Type)).Logger()
	log.Info().Msg("task started")

	p.bus.Publish(ctx, task.SessionID, model.EventTaskStarted,
		fmt.Sprintf("%s started", task.Type), progress.PublishParams{TaskID: task.ID})

	handler, ok := p.handlers[task.Type]
	if !ok {
		// Submission validates the type, so this means a deployment skew.
		p.fail(ctx, log, task, fmt.Sprintf("no handler for task type %s", task.Type))
		return
	}

	report := func(pct int, message string) {
		if err := p.queue.UpdateStatus(ctx, task.ID, model.TaskStatusRunning, queue.Update{Progress: &pct}); err != nil {
			log.Warn().Err(err).Msg("progress update failed")
		}
		p.bus.Publish(ctx, task.SessionID, model.EventTaskProgress, message,
			progress.PublishParams{TaskID: task.ID, Percentage: &pct})
	}

	result, err := handler(taskCtx, task, report)
	if err != nil {
		p.handleFailure(ctx, log, task, err)
		return
	}

	pct := 100
	upd := queue.Update{Result: result, Progress: &pct}
	if err := p.queue.UpdateStatus(ctx, task.ID, model.TaskStatusCompleted, upd); err != nil {
		if p.wasCancelled(ctx, task.ID) {
			log.Info().Msg("task cancelled while completing")
			return
		}
		log.Error().Err(err).Msg("completion update failed")
		return
	}
	p.bus.Publish(ctx, task.SessionID, model.EventTaskCompleted,
		fmt.Sprintf("%s completed", task.Type),
		progress.PublishParams{TaskID: task.ID, Percentage: &pct})
	log.Info().Msg("task completed")
}

// handleFailure applies the retry policy to a handler error.
func (p *Pool) handleFailure(ctx context.Context, log zerolog.Logger, task *model.Task, err error) {
	if p.wasCancelled(ctx, task.ID) {
		log.Info().Msg("task cancelled")
		return
	}
	if errors.Is(err, context.Canceled) {
		// Pool shutdown mid-task; the recovery sweep requeues it.
		log.Info().Msg("task abandoned on shutdown")
		return
	}

	if model.IsTransient(err) && task.RetryCount < task.MaxRetries {
		if uerr := p.queue.UpdateStatus(ctx, task.ID, model.TaskStatusRetrying, queue.Update{}); uerr != nil {
			log.Error().Err(uerr).Msg("mark retrying failed")
			return
		}
		backoff := time.Duration(1<<uint(task.RetryCount)) * p.backoffBase
		log.Warn().Err(err).Dur("backoff", backoff).Int("retry", task.RetryCount+1).Msg("task will retry")
		p.bus.Publish(ctx, task.SessionID, model.EventInfoMessage,
			fmt.Sprintf("%s failed, retrying: %v", task.Type, err),
			progress.PublishParams{TaskID: task.ID})

		p.sleep(ctx, backoff)
		if uerr := p.queue.UpdateStatus(ctx, task.ID, model.TaskStatusPending, queue.Update{}); uerr != nil {
			log.Error().Err(uerr).Msg("requeue failed")
		}
		return
	}

	p.fail(ctx, log, task, err.Error())
}

func (p *Pool) fail(ctx context.Context, log zerolog.Logger, task *model.Task, msg string) {
	if err := p.queue.UpdateStatus(ctx, task.ID, model.TaskStatusFailed, queue.Update{ErrorMessage: msg}); err != nil {
		log.Error().Err(err).Msg("failure update failed")
		return
	}
	p.bus.Publish(ctx, task.SessionID, model.EventTaskFailed, msg,
		progress.PublishParams{TaskID: task.ID})
	log.Error().Str("error", msg).Msg("task failed")
}

// wasCancelled re-fetches the record to see whether an external cancel beat
// the worker to a terminal state.
func (p *Pool) wasCancelled(ctx context.Context, taskID string) bool {
	task, err := p.queue.Get(ctx, taskID)
	if err != nil {
		return false
	}
	return task.Status == model.TaskStatusCancelled
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
