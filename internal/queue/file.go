package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileQueue keeps events in a JSON snapshot so they survive restarts. A dequeued event
// stays in the snapshot until it is acked or nacked, so events in flight during a crash
// are delivered again on the next open.
type FileQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []item
	inflight     []item
}

type fileQueueState struct {
	Items []item `json:"items"`
}

func NewFileQueue(path string, capacity int) (*FileQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	q := &FileQueue{
		path:         path,
		capacity:     normalizeCapacity(capacity),
		pollInterval: 10 * time.Millisecond,
		items:        []item{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *FileQueue) TryEnqueue(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items)+len(q.inflight) >= q.capacity {
		return false
	}
	q.items = append(q.items, newItem(payload))
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *FileQueue) Enqueue(ctx context.Context, payload []byte) bool {
	for {
		if q.TryEnqueue(payload) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *FileQueue) Dequeue(ctx context.Context) (Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			// The snapshot lists in-flight items first, so moving the head keeps it unchanged.
			it := q.items[0]
			q.items = q.items[1:]
			q.inflight = append(q.inflight, it)
			q.mu.Unlock()
			return Message{
				ID:      it.ID,
				Payload: it.Payload,
				ack: func() error {
					return q.settle(it.ID, false)
				},
				nack: func(requeue bool) error {
					return q.settle(it.ID, requeue)
				},
			}, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

// settle takes the in-flight item id out of the snapshot, back at the head of the
// pending items when requeue is set.
func (q *FileQueue) settle(id string, requeue bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	index := -1
	for i, it := range q.inflight {
		if it.ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		return nil
	}
	prevInflight := append([]item(nil), q.inflight...)
	prevItems := q.items
	it := q.inflight[index]
	q.inflight = append(q.inflight[:index:index], q.inflight[index+1:]...)
	if requeue {
		q.items = append([]item{it}, q.items...)
	}
	if err := q.saveLocked(); err != nil {
		q.inflight = prevInflight
		q.items = prevItems
		return err
	}
	return nil
}

// Depth counts events waiting for delivery; in-flight ones are not included.
func (q *FileQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *FileQueue) Capacity() int {
	return q.capacity
}

func (q *FileQueue) Close() error {
	return nil
}

func (q *FileQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]item(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]item(nil), snapshot.Items...)
	return nil
}

func (q *FileQueue) saveLocked() error {
	snapshot := make([]item, 0, len(q.inflight)+len(q.items))
	snapshot = append(snapshot, q.inflight...)
	snapshot = append(snapshot, q.items...)
	data, err := json.Marshal(fileQueueState{Items: snapshot})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
