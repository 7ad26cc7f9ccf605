package client

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/globalgrayhat/carcast/pkg/errors"
)

// DefaultRequestTimeout bounds every wait for a server acknowledgement.
const DefaultRequestTimeout = 5 * time.Second

// waiterSet is the request/response adapter over the event stream: callers
// register a predicate and block until a matching event arrives or the
// deadline passes. Timed-out waiters are always removed, so an acknowledgement
// that never comes cannot leak a pending entry.
type waiterSet struct {
	mu     sync.Mutex
	nextID int
	active map[int]*waiter
}

type waiter struct {
	pred func(Event) bool
	ch   chan Event
}

func newWaiterSet() *waiterSet {
	return &waiterSet{active: make(map[int]*waiter)}
}

func (w *waiterSet) add(pred func(Event) bool) (int, <-chan Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	entry := &waiter{pred: pred, ch: make(chan Event, 1)}
	w.active[id] = entry
	return id, entry.ch
}

func (w *waiterSet) remove(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, id)
}

// dispatch offers the event to the oldest matching waiter. It reports whether
// a waiter consumed the event.
func (w *waiterSet) dispatch(ev Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id := 1; id <= w.nextID; id++ {
		entry, ok := w.active[id]
		if !ok || !entry.pred(ev) {
			continue
		}
		delete(w.active, id)
		entry.ch <- ev
		return true
	}
	return false
}

// failAll releases every pending waiter, used on disconnect.
func (w *waiterSet) failAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, entry := range w.active {
		close(entry.ch)
		delete(w.active, id)
	}
}

// await blocks until an event matching pred arrives. A nil event with no
// error never happens; timeout yields a TimeoutError the caller treats as a
// soft failure.
func (w *waiterSet) await(ctx context.Context, pred func(Event) bool, timeout time.Duration) (Event, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	id, ch := w.add(pred)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-ch:
		if !ok {
			return Event{}, apperrors.NewTimeoutError("connection closed while waiting")
		}
		return ev, nil
	case <-timer.C:
		w.remove(id)
		return Event{}, apperrors.NewTimeoutError("no matching event before deadline")
	case <-ctx.Done():
		w.remove(id)
		return Event{}, ctx.Err()
	}
}
