package dispatch

import (
	"context"
	"errors"

	"github.com/driftlab/replygate/internal/domain"
)

// ErrQueueFull is returned when the bounded wait for queue space expires.
var ErrQueueFull = errors.New("work queue full")

// WorkItem is one unit of work: a notification plus how many processing
// attempts it has consumed. The queue owns the item until a worker claims it.
type WorkItem struct {
	Notification domain.Notification
	Attempts     int
}

// Queue is a bounded in-process work queue. Producers block (up to their
// context deadline) when it is full; it never grows past its capacity.
type Queue struct {
	ch chan WorkItem
}

// NewQueue creates a bounded queue.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan WorkItem, capacity)}
}

// Enqueue adds an item, blocking while the queue is full. Returns
// ErrQueueFull when ctx expires first.
func (q *Queue) Enqueue(ctx context.Context, item WorkItem) error {
	select {
	case q.ch <- item:
		recordQueueDepth(len(q.ch))
		return nil
	case <-ctx.Done():
		return ErrQueueFull
	}
}

// Items exposes the consuming side for worker select loops.
func (q *Queue) Items() <-chan WorkItem {
	return q.ch
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	return len(q.ch)
}
