// Package queue implements optimistic-ownership task semantics over the
// persistent store: claim by compare-and-swap, retry with backoff, and
// dead-lettering after exhausted attempts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/bingoto-dev/AI-Equity-Research/internal/domain"
)

var (
	ErrInvalidPayload         = errors.New("invalid task payload")
	ErrConcurrentModification = errors.New("task modified concurrently")
	ErrNotClaimed             = errors.New("task not claimed by caller")
	ErrTaskTerminal           = errors.New("task in terminal status")
	ErrTaskNotFound           = errors.New("task not found")
)

// Store is the persistence surface the queue needs.
type Store interface {
	CreateTask(ctx context.Context, task domain.Task) error
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	ClaimTask(ctx context.Context, taskID, owner string, version int64, now time.Time) (bool, error)
	CompleteTask(ctx context.Context, taskID, owner string, version int64, result json.RawMessage, now time.Time) (bool, error)
	FailTask(ctx context.Context, taskID, owner string, version int64, reason string, retryAt time.Time, maxAttempts int, now time.Time) (domain.TaskStatus, bool, error)
}

// Publisher receives queue lifecycle events.
type Publisher interface {
	Publish(event domain.Event) error
}

// Backoff maps a completed attempt count to the delay before the next claim
// becomes possible.
type Backoff func(attempt int) time.Duration

// ExponentialBackoff doubles base per attempt, capped at max.
func ExponentialBackoff(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		if attempt > 16 {
			attempt = 16
		}
		d := base << uint(attempt)
		if d > max || d <= 0 {
			return max
		}
		return d
	}
}

type Queue struct {
	store      Store
	bus        Publisher
	backoff    Backoff
	maxRetries int
	logger     *log.Logger
	now        func() time.Time
}

type Options struct {
	MaxRetries int
	Backoff    Backoff
	Bus        Publisher
	Logger     *log.Logger
	Now        func() time.Time
}

func New(store Store, opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff == nil {
		opts.Backoff = ExponentialBackoff(500*time.Millisecond, 30*time.Second)
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Queue{
		store:      store,
		bus:        opts.Bus,
		backoff:    opts.Backoff,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// Enqueue validates the payload against the task kind's schema and persists a
// pending task. Schema violations surface here, not at execution time.
func (q *Queue) Enqueue(ctx context.Context, kind domain.TaskKind, payload json.RawMessage) (domain.Task, error) {
	if err := domain.ValidatePayload(kind, payload); err != nil {
		return domain.Task{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	now := q.now()
	task := domain.Task{
		ID:            uuid.NewString(),
		Kind:          kind,
		Payload:       payload,
		Status:        domain.TaskStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.store.CreateTask(ctx, task); err != nil {
		return domain.Task{}, fmt.Errorf("enqueue task: %w", err)
	}
	return task, nil
}

// Claim transfers ownership of the task to owner via compare-and-swap on the
// caller's last-seen version. A lost race returns ErrConcurrentModification;
// a task that can never be claimed again returns ErrTaskTerminal.
func (q *Queue) Claim(ctx context.Context, task domain.Task, owner string) (domain.Task, error) {
	ok, err := q.store.ClaimTask(ctx, task.ID, owner, task.Version, q.now())
	if err != nil {
		return domain.Task{}, fmt.Errorf("claim task %s: %w", task.ID, err)
	}
	if !ok {
		current, err := q.store.GetTask(ctx, task.ID)
		if err != nil {
			return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, task.ID)
		}
		switch current.Status {
		case domain.TaskStatusCompleted, domain.TaskStatusDeadLettered:
			return domain.Task{}, fmt.Errorf("%w: task %s is %s", ErrTaskTerminal, task.ID, current.Status)
		default:
			return domain.Task{}, fmt.Errorf("%w: task %s at version %d, saw %d",
				ErrConcurrentModification, task.ID, current.Version, task.Version)
		}
	}
	claimed, err := q.store.GetTask(ctx, task.ID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("reload claimed task %s: %w", task.ID, err)
	}
	return claimed, nil
}

// Complete records the result and releases the claim. Only the current owner
// at the claimed version may complete.
func (q *Queue) Complete(ctx context.Context, task domain.Task, owner string, result json.RawMessage) (domain.Task, error) {
	ok, err := q.store.CompleteTask(ctx, task.ID, owner, task.Version, result, q.now())
	if err != nil {
		return domain.Task{}, fmt.Errorf("complete task %s: %w", task.ID, err)
	}
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: task %s version %d owner %s", ErrNotClaimed, task.ID, task.Version, owner)
	}
	done, err := q.store.GetTask(ctx, task.ID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("reload completed task %s: %w", task.ID, err)
	}
	return done, nil
}

// Fail records a failed attempt. Below the retry budget the task returns to
// pending with the next attempt delayed by backoff; at the budget it is
// dead-lettered and a task.dead_lettered event is published.
func (q *Queue) Fail(ctx context.Context, task domain.Task, owner, reason string) (domain.Task, error) {
	return q.fail(ctx, task, owner, reason, q.maxRetries)
}

// DeadLetter terminally fails the task regardless of its remaining retry
// budget, for failures no retry can repair. The task is never reclaimed and
// a task.dead_lettered event is published.
func (q *Queue) DeadLetter(ctx context.Context, task domain.Task, owner, reason string) (domain.Task, error) {
	return q.fail(ctx, task, owner, reason, 0)
}

func (q *Queue) fail(ctx context.Context, task domain.Task, owner, reason string, maxAttempts int) (domain.Task, error) {
	now := q.now()
	retryAt := now.Add(q.backoff(task.Attempts))
	status, ok, err := q.store.FailTask(ctx, task.ID, owner, task.Version, reason, retryAt, maxAttempts, now)
	if err != nil {
		return domain.Task{}, fmt.Errorf("fail task %s: %w", task.ID, err)
	}
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: task %s version %d owner %s", ErrNotClaimed, task.ID, task.Version, owner)
	}
	if status == domain.TaskStatusDeadLettered {
		q.logger.Printf("queue: task dead-lettered id=%s kind=%s reason=%s", task.ID, task.Kind, reason)
		if q.bus != nil {
			if err := q.bus.Publish(domain.Event{
				Topic:  domain.TopicTaskDeadLettered,
				TaskID: task.ID,
				Reason: reason,
			}); err != nil {
				q.logger.Printf("queue: publish dead-letter event id=%s err=%v", task.ID, err)
			}
		}
	}
	failed, err := q.store.GetTask(ctx, task.ID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("reload failed task %s: %w", task.ID, err)
	}
	return failed, nil
}
