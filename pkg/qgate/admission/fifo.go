package admission

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// fifo is a bounded FIFO of handles with remove-by-identity. A single mutex
// guards both length checks and mutations; waiters block on changed, which is
// closed and replaced after every mutation.
type fifo struct {
	name     string
	tier     Location
	capacity int

	mu      sync.Mutex
	items   *list.List
	index   map[string]*list.Element
	changed chan struct{}
	closed  bool

	// onVacancy runs (outside the lock) when the fifo goes from full to not full.
	onVacancy func()
	// onDepth observes the length after each mutation.
	onDepth func(n int)
}

func newFIFO(name string, tier Location, capacity int) *fifo {
	return &fifo{
		name:     name,
		tier:     tier,
		capacity: capacity,
		items:    list.New(),
		index:    make(map[string]*list.Element),
		changed:  make(chan struct{}),
	}
}

// broadcastLocked wakes every waiter. Caller must hold q.mu.
func (q *fifo) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
	if q.onDepth != nil {
		q.onDepth(q.items.Len())
	}
}

// checkLocked verifies the capacity invariant. Caller must hold q.mu.
func (q *fifo) checkLocked() error {
	if n := q.items.Len(); n > q.capacity {
		return fmt.Errorf("%w: %s holds %d entries, capacity %d", ErrInvariantViolated, q.name, n, q.capacity)
	}
	if len(q.index) != q.items.Len() {
		return fmt.Errorf("%w: %s index has %d entries, list has %d", ErrInvariantViolated, q.name, len(q.index), q.items.Len())
	}
	return nil
}

func (q *fifo) pushBackLocked(h *Handle) {
	q.index[h.id] = q.items.PushBack(h)
	h.setLocation(q.tier)
}

func (q *fifo) pushFrontLocked(h *Handle) {
	q.index[h.id] = q.items.PushFront(h)
	h.setLocation(q.tier)
}

func (q *fifo) popFrontLocked() *Handle {
	e := q.items.Front()
	if e == nil {
		return nil
	}
	h := q.items.Remove(e).(*Handle)
	delete(q.index, h.id)
	return h
}

// tryPush appends h if there is space. It never blocks.
func (q *fifo) tryPush(h *Handle) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}
	if q.items.Len() >= q.capacity {
		return false, nil
	}
	q.pushBackLocked(h)
	if err := q.checkLocked(); err != nil {
		return true, err
	}
	q.broadcastLocked()
	return true, nil
}

// push appends h, waiting up to wait for space. A non-positive wait makes a
// single attempt. It reports false if no space became available in time.
func (q *fifo) push(ctx context.Context, h *Handle, wait time.Duration) (bool, error) {
	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return false, ErrClosed
		}
		if q.items.Len() < q.capacity {
			q.pushBackLocked(h)
			err := q.checkLocked()
			q.broadcastLocked()
			q.mu.Unlock()
			return true, err
		}
		changed := q.changed
		q.mu.Unlock()

		if deadline == nil || q.capacity == 0 {
			return false, nil
		}

		select {
		case <-changed:
		case <-deadline:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// take blocks until the head is available, removes it and moves it to next.
// It returns ErrClosed once the fifo is closed, even if entries remain.
func (q *fifo) take(ctx context.Context, next Location) (*Handle, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if q.items.Len() > 0 {
			wasFull := q.items.Len() >= q.capacity
			h := q.popFrontLocked()
			h.setLocation(next)
			err := q.checkLocked()
			q.broadcastLocked()
			q.mu.Unlock()
			if wasFull && q.onVacancy != nil {
				q.onVacancy()
			}
			return h, err
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// remove deletes h by identity. It reports whether h was present.
func (q *fifo) remove(h *Handle) bool {
	q.mu.Lock()
	e, ok := q.index[h.id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	wasFull := q.items.Len() >= q.capacity
	q.items.Remove(e)
	delete(q.index, h.id)
	h.setLocation(Unqueued)
	q.broadcastLocked()
	q.mu.Unlock()

	if wasFull && q.onVacancy != nil {
		q.onVacancy()
	}
	return true
}

// promoteInto moves entries oldest-first from q to the back of dst while dst
// has space. An entry dst refuses goes back to the front of q. The lock of q
// is held for the whole activation; lock order is always q then dst.
func (q *fifo) promoteInto(dst *fifo, onPromote func(*Handle)) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	moved := 0
	defer func() {
		if moved > 0 {
			q.broadcastLocked()
		}
	}()

	for q.items.Len() > 0 {
		h := q.popFrontLocked()
		ok, err := dst.tryPush(h)
		if !ok {
			q.pushFrontLocked(h)
			if errors.Is(err, ErrClosed) {
				err = nil
			}
			if err != nil {
				return moved, err
			}
			break
		}
		moved++
		if onPromote != nil {
			onPromote(h)
		}
		if err != nil {
			return moved, err
		}
	}

	return moved, q.checkLocked()
}

// close rejects further pushes and wakes every waiter.
func (q *fifo) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// drainAll removes and returns every entry in FIFO order.
func (q *fifo) drainAll() []*Handle {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Handle, 0, q.items.Len())
	for q.items.Len() > 0 {
		h := q.popFrontLocked()
		h.setLocation(Unqueued)
		out = append(out, h)
	}
	q.broadcastLocked()
	return out
}

// Len returns the current number of entries.
func (q *fifo) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// snapshot returns the ids in FIFO order.
func (q *fifo) snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(*Handle).id)
	}
	return ids
}
