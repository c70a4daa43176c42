package messaging

import (
	"context"
	"sync"

	"github.com/boristopalov/huddle/pkg/core"
)

// Queue is a FIFO of delivered batches backed by a buffered channel
type Queue struct {
	ch        chan []core.Message
	done      chan struct{}
	closeOnce sync.Once
}

func NewQueue(size int) *Queue {
	return &Queue{
		ch:   make(chan []core.Message, size),
		done: make(chan struct{}),
	}
}

// Put blocks until the batch is queued, ctx ends or the queue is closed
func (q *Queue) Put(ctx context.Context, batch []core.Message) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.ch <- batch:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the oldest queued batch. Batches queued before Close are still
// returned; after that Get fails with ErrQueueClosed.
func (q *Queue) Get(ctx context.Context) ([]core.Message, error) {
	select {
	case batch := <-q.ch:
		return batch, nil
	default:
	}

	select {
	case batch := <-q.ch:
		return batch, nil
	case <-q.done:
		select {
		case batch := <-q.ch:
			return batch, nil
		default:
			return nil, ErrQueueClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
