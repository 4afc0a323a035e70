package queue

import (
	"sync"
	"time"
)

// Compile-time interface satisfaction check.
var _ Fabric = (*MemoryFabric)(nil)

// MemoryFabric is an in-process fabric backed by mutex-guarded FIFO slices.
// Opening the same (queue ID, work name, role) identity twice returns
// handles sharing one channel, so a pusher and a popper in the same process
// are wired point-to-point.
type MemoryFabric struct {
	mu     sync.Mutex
	queues map[memoryKey]*memoryQueue
	closed bool
}

type memoryKey struct {
	queueID  string
	workName string
	role     Role
}

// NewMemoryFabric creates an empty in-process fabric.
func NewMemoryFabric() *MemoryFabric {
	return &MemoryFabric{
		queues: make(map[memoryKey]*memoryQueue),
	}
}

// Open returns the queue for the given identity, creating it on first use.
func (f *MemoryFabric) Open(queueID, workName string, role Role) (Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	key := memoryKey{queueID: queueID, workName: workName, role: role}
	q, ok := f.queues[key]
	if !ok {
		q = newMemoryQueue()
		f.queues[key] = q
	}
	return q, nil
}

// Close closes every queue in the fabric.
func (f *MemoryFabric) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, q := range f.queues {
		q.Close()
	}
	return nil
}

type memoryQueue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool

	// notify carries at most one wake-up token per push and is never
	// closed, so Push may send on it without holding mu. done is closed
	// exactly once by Close and wakes every blocked popper.
	notify chan struct{}
	done   chan struct{}
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *memoryQueue) Push(msg []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *memoryQueue) Pop(timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}
		if timeout == 0 {
			return nil, ErrEmpty
		}

		if timeout < 0 {
			select {
			case <-q.notify:
			case <-q.done:
			}
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrEmpty
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.notify:
			timer.Stop()
		case <-q.done:
			timer.Stop()
		case <-timer.C:
			return nil, ErrEmpty
		}
	}
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	// Wake every blocked popper; each re-checks the closed flag.
	close(q.done)
	return nil
}
