// Package inproc provides a topic-keyed in-process event bus with bounded
// per-subscriber buffers.
package inproc

import (
	"errors"
	"sync"
	"time"

	"github.com/bingoto-dev/AI-Equity-Research/internal/domain"
)

var ErrBusClosed = errors.New("bus closed")

type subscriber struct {
	topic string
	ch    chan domain.Event
}

// Bus fan-outs events to topic subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	buffer  int
	closed  bool
	dropped int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[*subscriber]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers interest in one topic. The returned cancel func must be
// called to release the subscription.
func (b *Bus) Subscribe(topic string) (<-chan domain.Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrBusClosed
	}
	sub := &subscriber{topic: topic, ch: make(chan domain.Event, b.buffer)}
	b.subs[sub] = struct{}{}
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
	return sub.ch, cancel, nil
}

// Publish delivers the event to every subscriber of its topic.
func (b *Bus) Publish(event domain.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	for sub := range b.subs {
		if sub.topic != event.Topic {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped++
		}
	}
	return nil
}

// Dropped reports how many events were discarded due to full buffers.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
