// Package queue carries raw sync event envelopes from producers to the worker.
package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const defaultCapacity = 1024

type Queue interface {
	TryEnqueue(payload []byte) bool
	Enqueue(ctx context.Context, payload []byte) bool
	Dequeue(ctx context.Context) (Message, bool)
	Depth() int
	Capacity() int
	Close() error
}

// Message is one dequeued event. Exactly one of Ack or Nack should be called.
type Message struct {
	ID      string
	Payload []byte

	ack  func() error
	nack func(requeue bool) error
}

func (m Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// Nack gives the message up; with requeue it is delivered again later.
func (m Message) Nack(requeue bool) error {
	if m.nack == nil {
		return nil
	}
	return m.nack(requeue)
}

type item struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

func newItem(payload []byte) item {
	return item{ID: uuid.NewString(), Payload: append([]byte(nil), payload...)}
}

func normalizeCapacity(capacity int) int {
	if capacity <= 0 {
		return defaultCapacity
	}
	return capacity
}
