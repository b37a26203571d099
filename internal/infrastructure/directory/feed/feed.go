// Package feed queues directory change events for subscribers.
package feed

import (
	"context"
	"sync"

	"stagewire/internal/core/domain"
)

// Queue is an unbounded, ordered queue of directory events drained into a
// channel. Publishers never block on a slow subscriber.
type Queue struct {
	mu    sync.Mutex
	queue []domain.DirectoryEvent
	wake  chan struct{}
	out   chan domain.DirectoryEvent
	done  chan struct{}
	once  sync.Once
}

func New() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
		out:  make(chan domain.DirectoryEvent),
		done: make(chan struct{}),
	}
}

// C is closed once the feed stops.
func (f *Queue) C() <-chan domain.DirectoryEvent {
	return f.out
}

// Done is closed by Close.
func (f *Queue) Done() <-chan struct{} {
	return f.done
}

func (f *Queue) Push(events ...domain.DirectoryEvent) {
	if len(events) == 0 {
		return
	}
	f.mu.Lock()
	f.queue = append(f.queue, events...)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Close stops the pump; queued events are dropped.
func (f *Queue) Close() {
	f.once.Do(func() { close(f.done) })
}

func (f *Queue) pop() (domain.DirectoryEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return domain.DirectoryEvent{}, false
	}
	ev := f.queue[0]
	f.queue[0] = domain.DirectoryEvent{}
	f.queue = f.queue[1:]
	return ev, true
}

// Run delivers queued events until ctx ends or the feed is closed, then
// closes C.
func (f *Queue) Run(ctx context.Context) {
	defer close(f.out)
	for {
		ev, ok := f.pop()
		if !ok {
			select {
			case <-f.wake:
				continue
			case <-ctx.Done():
				return
			case <-f.done:
				return
			}
		}
		select {
		case f.out <- ev:
		case <-ctx.Done():
			return
		case <-f.done:
			return
		}
	}
}
