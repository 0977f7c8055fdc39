package backend

import (
	"context"
	"sync"
	"sync/atomic"
)

// Result carries one read outcome across a channel.
type Result[T any] struct {
	Value T
	Err   error
}

// ChanReader states, observable via State. They exist for logging and
// tests; owners track their own stream position.
const (
	ChanReaderNotStarted uint32 = iota
	ChanReaderReading
	ChanReaderDelivering
	ChanReaderParked
	ChanReaderStopped
)

// ChanReader pumps a blocking read function into a channel so a session
// can select across a client stream, a backend stream, and shutdown at
// once.
//
// The pump delivers one result, then parks until Continue. The owner
// therefore always knows whether a read is in flight: after receiving a
// result and before calling Continue, none is. Stop never blocks; a pump
// goroutine stuck inside read is freed by closing the underlying
// connection, which fails the read.
type ChanReader[T any] struct {
	read     func() (T, error)
	out      chan Result[T]
	resume   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	state    atomic.Uint32
}

func NewChanReader[T any](read func() (T, error)) *ChanReader[T] {
	return &ChanReader[T]{
		read:   read,
		out:    make(chan Result[T]),
		resume: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// Results returns the delivery channel, starting the pump on first call.
// The channel never closes; after an error result or Stop the pump goes
// quiet instead.
func (r *ChanReader[T]) Results() <-chan Result[T] {
	if r.state.CompareAndSwap(ChanReaderNotStarted, ChanReaderReading) {
		go r.loop()
	}
	return r.out
}

// State reports the pump's position.
func (r *ChanReader[T]) State() uint32 {
	return r.state.Load()
}

// Continue releases a parked pump for the next read. At most one resume
// is buffered; calling Continue twice without receiving a result in
// between is a bug in the owner.
func (r *ChanReader[T]) Continue() {
	select {
	case r.resume <- struct{}{}:
	case <-r.stop:
	}
}

// Stop shuts the pump down at its next decision point. Safe to call any
// number of times, from any goroutine, whether or not a read is in
// flight.
func (r *ChanReader[T]) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Read performs one pump cycle synchronously: wait for a result, then
// immediately resume. Tests and single-message exchanges use it; the
// relay consumes Results directly.
func (r *ChanReader[T]) Read(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-r.Results():
		if res.Err == nil {
			r.Continue()
		}
		return res.Value, res.Err
	}
}

func (r *ChanReader[T]) loop() {
	for {
		r.state.Store(ChanReaderReading)
		value, err := r.read()

		r.state.Store(ChanReaderDelivering)
		select {
		case r.out <- Result[T]{Value: value, Err: err}:
		case <-r.stop:
			r.state.Store(ChanReaderStopped)
			return
		}
		if err != nil {
			r.state.Store(ChanReaderStopped)
			return
		}

		r.state.Store(ChanReaderParked)
		select {
		case <-r.resume:
		case <-r.stop:
			r.state.Store(ChanReaderStopped)
			return
		}
	}
}
