package pool

import (
	"container/list"
	"sync/atomic"
	"time"

	"github.com/pgtether/pgtether/pkg/backend"
)

// waiter fulfillment states. A waiter moves from pending exactly once:
// to fulfilled by whoever hands it a connection, or to abandoned by the
// waiter itself on timeout, cancellation, or pool shutdown. The CAS
// decides races; the loser of a fulfill/abandon race still receives the
// connection and must put it back.
const (
	waiterPending int32 = iota
	waiterFulfilled
	waiterAbandoned
)

// waiter is one Acquire call suspended at the admission queue.
type waiter struct {
	key        backend.Key
	enqueuedAt time.Time

	// ready is buffered so a fulfiller never blocks on delivery.
	ready chan *backend.Conn
	state atomic.Int32
	elem  *list.Element
}

func newWaiter(key backend.Key) *waiter {
	return &waiter{
		key:        key,
		enqueuedAt: time.Now(),
		ready:      make(chan *backend.Conn, 1),
	}
}

// fulfill attempts to hand conn to this waiter. False means the waiter
// already gave up and the caller keeps the connection.
func (w *waiter) fulfill(conn *backend.Conn) bool {
	if !w.state.CompareAndSwap(waiterPending, waiterFulfilled) {
		return false
	}
	w.ready <- conn
	return true
}

// abandon attempts to withdraw. False means a connection is already in
// flight on ready and the caller must receive it.
func (w *waiter) abandon() bool {
	return w.state.CompareAndSwap(waiterPending, waiterAbandoned)
}

// keyPool is the per-key shard: an idle stack and a waiter queue. All
// access happens under the Manager mutex.
type keyPool struct {
	// idle holds *backend.Conn with the most recently returned at the
	// front, so reuse prefers warm connections and the back goes stale
	// for the reaper.
	idle *list.List

	// waiters holds *waiter in arrival order; the front is served first.
	waiters *list.List
}

func newKeyPool() *keyPool {
	return &keyPool{
		idle:    list.New(),
		waiters: list.New(),
	}
}

func (kp *keyPool) empty() bool {
	return kp.idle.Len() == 0 && kp.waiters.Len() == 0
}

// popIdle returns the most recently returned idle connection, or nil.
func (kp *keyPool) popIdle() *backend.Conn {
	e := kp.idle.Front()
	if e == nil {
		return nil
	}
	return kp.idle.Remove(e).(*backend.Conn)
}

// popWaiterCandidate removes and returns the oldest waiter that still
// looked pending, discarding abandoned entries along the way. The caller
// must immediately try fulfill and, on losing that race, pop again.
func (kp *keyPool) popWaiterCandidate() *waiter {
	for {
		e := kp.waiters.Front()
		if e == nil {
			return nil
		}
		kp.waiters.Remove(e)
		w := e.Value.(*waiter)
		if w.state.Load() == waiterPending {
			return w
		}
	}
}

// peekPending returns the oldest pending waiter without removing it.
func (kp *keyPool) peekPending() *waiter {
	for e := kp.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		if w.state.Load() == waiterPending {
			return w
		}
	}
	return nil
}
