package queue

import (
	"context"
	"sync"
)

type MemoryQueue struct {
	items    chan item
	capacity int

	closeOnce sync.Once
	closed    chan struct{}
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	capacity = normalizeCapacity(capacity)
	return &MemoryQueue{
		items:    make(chan item, capacity),
		capacity: capacity,
		closed:   make(chan struct{}),
	}
}

func (q *MemoryQueue) TryEnqueue(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	return q.push(newItem(payload))
}

func (q *MemoryQueue) push(it item) bool {
	select {
	case <-q.closed:
		return false
	default:
	}
	select {
	case q.items <- it:
		return true
	default:
		return false
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	it := newItem(payload)
	select {
	case q.items <- it:
		return true
	case <-q.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Message, bool) {
	select {
	case it := <-q.items:
		return Message{
			ID:      it.ID,
			Payload: it.Payload,
			nack: func(requeue bool) error {
				if requeue {
					q.push(it)
				}
				return nil
			},
		}, true
	case <-q.closed:
		return Message{}, false
	case <-ctx.Done():
		return Message{}, false
	}
}

func (q *MemoryQueue) Depth() int {
	return len(q.items)
}

func (q *MemoryQueue) Capacity() int {
	return q.capacity
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
