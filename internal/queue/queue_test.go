package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bingoto-dev/AI-Equity-Research/internal/domain"
	"github.com/bingoto-dev/AI-Equity-Research/internal/messaging/inproc"
	"github.com/bingoto-dev/AI-Equity-Research/internal/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "queue_test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	return store
}

func researchPayload(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(domain.ResearchRequest{RunID: "run-1", Loop: 1, AgentID: "value_hunter"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	q := New(newTestStore(t), Options{})
	_, err := q.Enqueue(context.Background(), domain.TaskKindLayer1Research, json.RawMessage(`{"loop":0}`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestClaimCompleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := New(newTestStore(t), Options{})

	task, err := q.Enqueue(ctx, domain.TaskKindLayer1Research, researchPayload(t))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, task, "runner-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != domain.TaskStatusClaimed || claimed.Owner != "runner-a" {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}
	if claimed.Version != task.Version+1 {
		t.Fatalf("expected version bump to %d, got %d", task.Version+1, claimed.Version)
	}

	done, err := q.Complete(ctx, claimed, "runner-a", json.RawMessage(`{"ok":true}`))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
}

func TestClaimLosesRaceOnStaleVersion(t *testing.T) {
	ctx := context.Background()
	q := New(newTestStore(t), Options{})

	task, err := q.Enqueue(ctx, domain.TaskKindLayer1Research, researchPayload(t))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim(ctx, task, "runner-a"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err = q.Claim(ctx, task, "runner-b")
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestConcurrentClaimsExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	q := New(newTestStore(t), Options{})

	task, err := q.Enqueue(ctx, domain.TaskKindLayer1Research, researchPayload(t))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const claimants = 8
	errs := make(chan error, claimants)
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Claim(ctx, task, fmt.Sprintf("runner-%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	wins, losses := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConcurrentModification):
			losses++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 || losses != claimants-1 {
		t.Fatalf("expected exactly one winner, got %d wins and %d losses", wins, losses)
	}
}

func TestCompleteByNonOwnerFails(t *testing.T) {
	ctx := context.Background()
	q := New(newTestStore(t), Options{})

	task, err := q.Enqueue(ctx, domain.TaskKindLayer1Research, researchPayload(t))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, task, "runner-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := q.Complete(ctx, claimed, "runner-b", nil); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed, got %v", err)
	}
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	bus := inproc.NewBus(4)
	defer bus.Close()
	deadCh, cancel, err := bus.Subscribe(domain.TopicTaskDeadLettered)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := base
	q := New(store, Options{
		MaxRetries: 2,
		Backoff:    func(attempt int) time.Duration { return time.Minute },
		Bus:        bus,
		Now:        func() time.Time { return clock },
	})

	task, err := q.Enqueue(ctx, domain.TaskKindLayer1Research, researchPayload(t))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, task, "runner-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	failed, err := q.Fail(ctx, claimed, "runner-a", "rate limited")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != domain.TaskStatusPending {
		t.Fatalf("expected pending after first failure, got %s", failed.Status)
	}
	if failed.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", failed.Attempts)
	}
	if !failed.NextAttemptAt.After(base) {
		t.Fatalf("expected delayed next attempt, got %v", failed.NextAttemptAt)
	}

	// Not yet claimable: next_attempt_at is in the future.
	if _, err := q.Claim(ctx, failed, "runner-a"); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected claim to lose before backoff elapses, got %v", err)
	}

	clock = base.Add(2 * time.Minute)
	claimed, err = q.Claim(ctx, failed, "runner-a")
	if err != nil {
		t.Fatalf("claim after backoff: %v", err)
	}

	dead, err := q.Fail(ctx, claimed, "runner-a", "rate limited again")
	if err != nil {
		t.Fatalf("second fail: %v", err)
	}
	if dead.Status != domain.TaskStatusDeadLettered {
		t.Fatalf("expected dead_lettered, got %s", dead.Status)
	}

	if _, err := q.Claim(ctx, dead, "runner-a"); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("expected ErrTaskTerminal for dead-lettered task, got %v", err)
	}

	select {
	case ev := <-deadCh:
		if ev.TaskID != task.ID {
			t.Fatalf("unexpected dead-letter event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected task.dead_lettered event")
	}
}

func TestBackoffPreservesSubSecondDelay(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := base
	q := New(newTestStore(t), Options{
		MaxRetries: 3,
		Backoff:    func(int) time.Duration { return 500 * time.Millisecond },
		Now:        func() time.Time { return clock },
	})

	task, err := q.Enqueue(ctx, domain.TaskKindLayer1Research, researchPayload(t))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, task, "runner-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	failed, err := q.Fail(ctx, claimed, "runner-a", "rate limited")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !failed.NextAttemptAt.Equal(base.Add(500 * time.Millisecond)) {
		t.Fatalf("expected next attempt at +500ms, got %v", failed.NextAttemptAt)
	}

	// The delay must hold even though it is shorter than a second.
	if _, err := q.Claim(ctx, failed, "runner-a"); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected claim to lose before backoff elapses, got %v", err)
	}
	clock = base.Add(600 * time.Millisecond)
	if _, err := q.Claim(ctx, failed, "runner-a"); err != nil {
		t.Fatalf("claim after backoff: %v", err)
	}
}

func TestDeadLetterBypassesRetryBudget(t *testing.T) {
	ctx := context.Background()
	q := New(newTestStore(t), Options{MaxRetries: 5})

	task, err := q.Enqueue(ctx, domain.TaskKindLayer1Research, researchPayload(t))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, task, "runner-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	dead, err := q.DeadLetter(ctx, claimed, "runner-a", "invalid response")
	if err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if dead.Status != domain.TaskStatusDeadLettered {
		t.Fatalf("expected dead_lettered with budget remaining, got %s", dead.Status)
	}
	if _, err := q.Claim(ctx, dead, "runner-a"); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("expected ErrTaskTerminal, got %v", err)
	}
}

func TestTaskEventsRecordTransitions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	q := New(store, Options{})

	task, err := q.Enqueue(ctx, domain.TaskKindLayer1Research, researchPayload(t))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, task, "runner-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := q.Complete(ctx, claimed, "runner-a", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	events, err := store.ListTaskEvents(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].ToStatus != domain.TaskStatusPending ||
		events[1].ToStatus != domain.TaskStatusClaimed ||
		events[2].ToStatus != domain.TaskStatusCompleted {
		t.Fatalf("unexpected event sequence: %+v", events)
	}
}
