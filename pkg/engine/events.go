package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryEventPublisher is a channel-based EventPublisher that fans events
// out to per-run subscribers. Slow subscribers drop events rather than
// blocking the scheduler.
type InMemoryEventPublisher struct {
	mu   sync.RWMutex
	subs map[string][]chan Event

	// history keeps every published event per run for status queries.
	history map[string][]Event
}

// NewInMemoryEventPublisher creates an in-memory event publisher.
func NewInMemoryEventPublisher() *InMemoryEventPublisher {
	return &InMemoryEventPublisher{
		subs:    make(map[string][]chan Event),
		history: make(map[string][]Event),
	}
}

// Publish records the event and delivers it to subscribers of its run.
func (p *InMemoryEventPublisher) Publish(_ context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	p.mu.Lock()
	p.history[event.RunID] = append(p.history[event.RunID], *event)
	subs := append([]chan Event(nil), p.subs[event.RunID]...)
	p.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- *event:
		default:
			// Subscriber not keeping up; drop rather than block.
		}
	}

	return nil
}

// Subscribe returns a channel receiving events for the given run. The
// subscription is removed and the channel closed when ctx is done.
func (p *InMemoryEventPublisher) Subscribe(ctx context.Context, runID string) (<-chan Event, error) {
	ch := make(chan Event, 64)

	p.mu.Lock()
	p.subs[runID] = append(p.subs[runID], ch)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		subs := p.subs[runID]
		for i, sub := range subs {
			if sub == ch {
				p.subs[runID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// Events returns the recorded events for a run, oldest first.
func (p *InMemoryEventPublisher) Events(runID string) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Event(nil), p.history[runID]...)
}
