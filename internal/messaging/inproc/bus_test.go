package inproc

import (
	"testing"
	"time"

	"github.com/bingoto-dev/AI-Equity-Research/internal/domain"
)

func TestPublishReachesTopicSubscribersOnly(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	loopCh, cancelLoop, err := bus.Subscribe(domain.TopicLoopCompleted)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelLoop()
	deadCh, cancelDead, err := bus.Subscribe(domain.TopicTaskDeadLettered)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelDead()

	if err := bus.Publish(domain.Event{Topic: domain.TopicLoopCompleted, RunID: "r1", Loop: 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-loopCh:
		if ev.RunID != "r1" || ev.Loop != 2 {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.CreatedAt.IsZero() {
			t.Fatal("expected created_at to be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-deadCh:
		t.Fatalf("dead-letter subscriber received foreign event: %+v", ev)
	default:
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	ch, cancel, err := bus.Subscribe(domain.TopicRunTerminated)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := bus.Publish(domain.Event{Topic: domain.TopicRunTerminated}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if got := bus.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped events, got %d", got)
	}
	if len(ch) != 1 {
		t.Fatalf("expected 1 buffered event, got %d", len(ch))
	}
}

func TestClosedBusRejectsPublishAndSubscribe(t *testing.T) {
	bus := NewBus(1)
	ch, cancel, err := bus.Subscribe(domain.TopicLoopCompleted)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	bus.Close()

	if _, ok := <-ch; ok {
		t.Fatal("expected subscriber channel to be closed")
	}
	if err := bus.Publish(domain.Event{Topic: domain.TopicLoopCompleted}); err != ErrBusClosed {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	if _, _, err := bus.Subscribe(domain.TopicLoopCompleted); err != ErrBusClosed {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}
