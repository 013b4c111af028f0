package upstream

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Priority orders upstream work. 1 is most urgent.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityMedium   Priority = 3
	PriorityLow      Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ErrQueueSaturated is returned to producers whose item was refused
// under backpressure.
var ErrQueueSaturated = errors.New("upstream queue saturated")

type queued[T any] struct {
	item T
	// holdUntil is set on MEDIUM items accepted while the queue is over
	// its bound; they are dropped on pop once this passes.
	holdUntil time.Time
}

// PriorityQueue is a strict-priority queue: Pop always returns the head
// of the lowest non-empty priority class, FIFO within a class.
// Backpressure beyond bound: LOW is refused outright, MEDIUM is
// accepted but only held mediumHold, HIGH and CRITICAL are never
// refused (producers absorb the latency instead).
type PriorityQueue[T any] struct {
	mu         sync.Mutex
	classes    map[Priority][]queued[T]
	size       int
	bound      int
	mediumHold time.Duration
	signal     chan struct{}
	onDrop     func(item T, p Priority)
}

// NewPriorityQueue with bound <= 0 meaning unbounded. onDrop (may be
// nil) observes every item discarded under backpressure so its waiter
// can be failed rather than leaked.
func NewPriorityQueue[T any](bound int, mediumHold time.Duration, onDrop func(item T, p Priority)) *PriorityQueue[T] {
	return &PriorityQueue[T]{
		classes:    make(map[Priority][]queued[T]),
		bound:      bound,
		mediumHold: mediumHold,
		signal:     make(chan struct{}, 1),
		onDrop:     onDrop,
	}
}

// Push appends item to its priority class.
func (q *PriorityQueue[T]) Push(item T, p Priority) error {
	q.mu.Lock()
	entry := queued[T]{item: item}
	if q.bound > 0 && q.size >= q.bound {
		switch p {
		case PriorityLow:
			q.mu.Unlock()
			if q.onDrop != nil {
				q.onDrop(item, p)
			}
			return ErrQueueSaturated
		case PriorityMedium:
			entry.holdUntil = time.Now().Add(q.mediumHold)
		}
	}
	q.classes[p] = append(q.classes[p], entry)
	q.size++
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// pop removes the head of the lowest non-empty class, discarding
// expired MEDIUM holds along the way.
func (q *PriorityQueue[T]) pop() (T, Priority, bool) {
	q.mu.Lock()

	var expired []T
	now := time.Now()
	for _, p := range []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow} {
		for len(q.classes[p]) > 0 {
			head := q.classes[p][0]
			q.classes[p] = q.classes[p][1:]
			q.size--
			if !head.holdUntil.IsZero() && now.After(head.holdUntil) {
				expired = append(expired, head.item)
				continue
			}
			q.mu.Unlock()
			q.notifyDrops(expired, PriorityMedium)
			return head.item, p, true
		}
	}
	q.mu.Unlock()
	q.notifyDrops(expired, PriorityMedium)
	var zero T
	return zero, 0, false
}

func (q *PriorityQueue[T]) notifyDrops(items []T, p Priority) {
	if q.onDrop == nil {
		return
	}
	for _, it := range items {
		q.onDrop(it, p)
	}
}

// Pop blocks until an item is available or ctx is done.
func (q *PriorityQueue[T]) Pop(ctx context.Context) (T, Priority, error) {
	for {
		if item, p, ok := q.pop(); ok {
			return item, p, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, 0, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len reports the number of pending items.
func (q *PriorityQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// LenByPriority reports pending items per class, for gauge export.
func (q *PriorityQueue[T]) LenByPriority() map[Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[Priority]int, len(q.classes))
	for p, items := range q.classes {
		out[p] = len(items)
	}
	return out
}
