// Package queue provides the execution queues that carry task IDs from the
// launcher to agents: an interface, a Redis backend and an in-memory backend.
package queue

import (
	"context"
	"sync"
)

// Queue is a set of named FIFO queues of task IDs. *tracking.Store satisfies
// it as well.
type Queue interface {
	// Push appends taskID to the named queue.
	Push(ctx context.Context, queue, taskID string) error

	// TryPop removes and returns the oldest task ID of the named queue
	// without blocking. ok is false when the queue is empty.
	TryPop(ctx context.Context, queue string) (taskID string, ok bool, err error)

	// Remove drops taskID from the named queue if present.
	Remove(ctx context.Context, queue, taskID string) error
}

// Memory is an in-process Queue.
type Memory struct {
	mu     sync.Mutex
	queues map[string][]string
}

// NewMemory returns an empty in-memory queue set.
func NewMemory() *Memory {
	return &Memory{queues: make(map[string][]string)}
}

func (m *Memory) Push(_ context.Context, queue, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues[queue] = append(m.queues[queue], taskID)
	return nil
}

func (m *Memory) TryPop(_ context.Context, queue string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[queue]
	if len(q) == 0 {
		return "", false, nil
	}
	id := q[0]
	m.queues[queue] = q[1:]
	return id, true, nil
}

func (m *Memory) Remove(_ context.Context, queue, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[queue]
	kept := q[:0]
	for _, id := range q {
		if id != taskID {
			kept = append(kept, id)
		}
	}
	m.queues[queue] = kept
	return nil
}

// Len returns the number of entries waiting in the named queue.
func (m *Memory) Len(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queues[queue])
}
