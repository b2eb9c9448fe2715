package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/repository"
)

// Named queues. Each queue gets its own worker pool so slow network work
// never starves short store transactions.
const (
	QueueDB    = "db"
	QueueFS    = "fs"
	QueueNet   = "net"
	QueueLimit = "limit" // rate-limit-sensitive extractor calls
)

// Retry backoff: min(maxBackoff, backoffBase * attempts^2).
const (
	backoffBase = 30 * time.Second
	maxBackoff  = 30 * time.Minute
)

// Queue wraps one asynq client plus one server per named queue, so worker
// counts are configured independently.
type Queue struct {
	client    *asynq.Client
	servers   map[string]*asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector
	tasks     *repository.TaskRepository

	rate429 atomic.Int64
	done    chan struct{}
	once    sync.Once
}

func NewQueue(redisAddr string, workers map[string]int, tasks *repository.TaskRepository) *Queue {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}

	servers := make(map[string]*asynq.Server, len(workers))
	for name, count := range workers {
		if count < 1 {
			count = 1
		}
		servers[name] = asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: count,
			Queues:      map[string]int{name: 1},
			RetryDelayFunc: func(n int, err error, t *asynq.Task) time.Duration {
				d := time.Duration(float64(backoffBase) * math.Pow(float64(n), 2))
				if d > maxBackoff {
					d = maxBackoff
				}
				return d
			},
		})
	}

	q := &Queue{
		client:    asynq.NewClient(redisOpt),
		servers:   servers,
		mux:       asynq.NewServeMux(),
		inspector: asynq.NewInspector(redisOpt),
		tasks:     tasks,
		done:      make(chan struct{}),
	}
	q.mux.Use(q.historyMiddleware)
	return q
}

func (q *Queue) RegisterHandler(taskType string, handler asynq.Handler) {
	q.mux.Handle(taskType, handler)
}

func (q *Queue) Enqueue(taskType string, payload interface{}, opts ...asynq.Option) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(taskType, data, opts...)
	info, err := q.client.Enqueue(task)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return info.ID, nil
}

// isTaskConflict checks whether the error indicates a task ID conflict,
// using errors.Is for unwrapped sentinel values and a string fallback.
func isTaskConflict(err error) bool {
	if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "task ID conflicts") || strings.Contains(msg, "duplicate task")
}

// EnqueueUnique enqueues a task with a deterministic TaskID so identical
// work is never queued twice. A pending or active task with the same ID
// silently wins; a lingering completed task is cleared first.
func (q *Queue) EnqueueUnique(taskType string, payload interface{}, uniqueID string, opts ...asynq.Option) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	opts = append(opts, asynq.TaskID(uniqueID))
	task := asynq.NewTask(taskType, data, opts...)
	info, err := q.client.Enqueue(task)
	if err == nil {
		return info.ID, nil
	}

	if !isTaskConflict(err) {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	cleared := false
	for _, queueName := range []string{QueueDB, QueueFS, QueueNet, QueueLimit} {
		if delErr := q.inspector.DeleteTask(queueName, uniqueID); delErr == nil {
			log.Printf("Queue: cleared finished task %s from queue %s", uniqueID, queueName)
			cleared = true
			break
		}
	}
	if cleared {
		if info, err = q.client.Enqueue(task); err == nil {
			return info.ID, nil
		}
	}

	if isTaskConflict(err) {
		log.Printf("Queue: task %s (%s) is already queued, skipping", taskType, uniqueID)
		return uniqueID, nil
	}
	return "", fmt.Errorf("enqueue: %w", err)
}

// Revoke cancels a task by id: running bodies get their context cancelled,
// queued copies are removed so they are dropped at pickup.
func (q *Queue) Revoke(id string) {
	if err := q.inspector.CancelProcessing(id); err == nil {
		log.Printf("Queue: revoked running task %s", id)
	}
	for _, queueName := range []string{QueueDB, QueueFS, QueueNet, QueueLimit} {
		if err := q.inspector.DeleteTask(queueName, id); err == nil {
			log.Printf("Queue: dropped queued task %s from %s", id, queueName)
			return
		}
	}
}

// ──────────────────── Rate-limit pause ────────────────────

// NoteRateLimited records one upstream 429. Limit-queue workers observe the
// counter before their next task and back off together.
func (q *Queue) NoteRateLimited() {
	n := q.rate429.Add(1)
	log.Printf("Queue: upstream rate limit hit (%d queued)", n)
}

// WaitRateLimit sleeps ten seconds per recorded 429 before letting a
// limit-queue task proceed. Shutdown or context cancellation interrupts the
// wait; the counter is consumed once the full pause elapses.
func (q *Queue) WaitRateLimit(ctx context.Context) error {
	hits := q.rate429.Load()
	if hits == 0 {
		return nil
	}
	pause := time.Duration(hits) * 10 * time.Second
	log.Printf("Queue: pausing %s queue for %s after %d rate-limit hits", QueueLimit, pause, hits)

	timer := time.NewTimer(pause)
	defer timer.Stop()
	select {
	case <-timer.C:
		q.rate429.Store(0)
		return nil
	case <-q.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ──────────────────── Task history ────────────────────

type taskRecordKey struct{}

// TaskRecordFrom returns the history row for the running task, nil when
// history is disabled.
func TaskRecordFrom(ctx context.Context) *models.TaskRecord {
	rec, _ := ctx.Value(taskRecordKey{}).(*models.TaskRecord)
	return rec
}

// SetVerbose updates the running task's verbose label, the UI's progress
// line.
func (q *Queue) SetVerbose(ctx context.Context, verbose string) {
	rec := TaskRecordFrom(ctx)
	if rec == nil || q.tasks == nil {
		return
	}
	if err := q.tasks.SetVerbose(rec.ID, verbose); err != nil {
		log.Printf("Queue: update task verbose: %v", err)
	}
}

// historyMiddleware records every task run in the history table.
func (q *Queue) historyMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		if q.tasks == nil {
			return next.ProcessTask(ctx, t)
		}

		queueName, _ := asynq.GetQueueName(ctx)
		attempts, _ := asynq.GetRetryCount(ctx)
		rec := &models.TaskRecord{
			TaskType:  t.Type(),
			Queue:     queueName,
			Status:    models.TaskRunning,
			Attempts:  attempts + 1,
			StartedAt: time.Now(),
		}
		if err := q.tasks.Create(rec); err != nil {
			log.Printf("Queue: create task history: %v", err)
			return next.ProcessTask(ctx, t)
		}

		err := next.ProcessTask(context.WithValue(ctx, taskRecordKey{}, rec), t)
		switch {
		case err == nil:
			q.tasks.UpdateStatus(rec.ID, models.TaskSucceeded, "", nil)
		case errors.Is(err, context.Canceled):
			msg := err.Error()
			q.tasks.UpdateStatus(rec.ID, models.TaskRevoked, "", &msg)
		default:
			msg := err.Error()
			q.tasks.UpdateStatus(rec.ID, models.TaskFailed, "", &msg)
		}
		return err
	})
}

// ──────────────────── Lifecycle ────────────────────

func (q *Queue) Start() error {
	for name, srv := range q.servers {
		log.Printf("Queue: starting %s workers", name)
		if err := srv.Start(q.mux); err != nil {
			return fmt.Errorf("start %s queue: %w", name, err)
		}
	}
	return nil
}

func (q *Queue) Stop() {
	q.once.Do(func() { close(q.done) })
	for _, srv := range q.servers {
		srv.Shutdown()
	}
	q.client.Close()
	q.inspector.Close()
}

func (q *Queue) Client() *asynq.Client {
	return q.client
}

func (q *Queue) Inspector() *asynq.Inspector {
	return q.inspector
}
