// Package queue provides an unbounded FIFO that hands values to a channel in
// push order. Producers never block, so a value can be pushed while holding a
// lock that the consumer may also need.
package queue

import "sync"

type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	out    chan T
	done   chan struct{}
	once   sync.Once
}

// New starts the queue's delivery goroutine. Close stops it.
func New[T any]() *Queue[T] {
	q := &Queue[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push appends v. Pushing after Close is a no-op.
func (q *Queue[T]) Push(v T) {
	select {
	case <-q.done:
		return
	default:
	}

	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// C returns the delivery channel. It is closed after Close once every value
// pushed before Close has been delivered.
func (q *Queue[T]) C() <-chan T {
	return q.out
}

// Close delivers what is pending, then closes C. It is idempotent.
func (q *Queue[T]) Close() {
	q.once.Do(func() {
		close(q.done)
		select {
		case q.signal <- struct{}{}:
		default:
		}
	})
}

func (q *Queue[T]) pump() {
	defer close(q.out)

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-q.done:
				if q.drained() {
					return
				}
				continue
			}
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		q.out <- v
	}
}

func (q *Queue[T]) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}
