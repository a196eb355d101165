// Package signal implements Signal[T]: an async fan-out primitive combining
// a callback set (sync and async) with a set of bounded streaming receivers.
//
// Grounded on the pack's event-bus patterns (gasoline-mcp's notifier
// broadcast channels) generalized to a typed, generic callback+stream
// primitive; emit's "snapshot then fan out concurrently" shape runs async
// callbacks and sink deliveries through structured.Scope. Sync callbacks run
// inline, so one that blocks holds up Emit, and a panic in any callback is
// not recovered.
package signal

import (
	"sync"

	"github.com/modrun/modrun/internal/structured"
)

// Callback is a synchronous Signal subscriber.
type Callback[T any] func(value T)

// AsyncCallback is an asynchronous Signal subscriber: Emit schedules it
// concurrently with every other scheduled task and waits for it to return
// before completing.
type AsyncCallback[T any] func(value T)

type subscription[T any] struct {
	sync  Callback[T]
	async AsyncCallback[T]
}

// Receiver is a bounded streaming sink obtained from Iterate. Values arrive
// over C; once the sink is judged broken (the consumer stopped receiving
// and the buffer filled) it is pruned from future emits. Pruning does not
// close C; only Close does.
type Receiver[T any] struct {
	C <-chan T

	c      chan T
	mu     sync.Mutex
	broken bool
	closed bool
}

// broke reports (and latches) whether this receiver should be pruned: a
// send that did not fit in the buffer marks it, and it will never again be
// offered a value.
func (r *Receiver[T]) broke() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broken
}

// send attempts a non-blocking delivery. A full buffer marks the receiver
// broken rather than blocking emit on a slow or abandoned consumer.
func (r *Receiver[T]) send(value T) {
	r.mu.Lock()
	if r.closed || r.broken {
		r.mu.Unlock()
		return
	}
	select {
	case r.c <- value:
		r.mu.Unlock()
	default:
		r.broken = true
		r.mu.Unlock()
	}
}

// Close releases the receiver. Idempotent.
func (r *Receiver[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.c)
}

const defaultBuffer = 16

// Signal holds a callback set and a receiver set, fanning emitted values out
// to a snapshot of both.
type Signal[T any] struct {
	mu        sync.Mutex
	subs      map[*subscription[T]]struct{}
	receivers map[*Receiver[T]]struct{}
}

// New constructs an empty Signal.
func New[T any]() *Signal[T] {
	return &Signal[T]{
		subs:      make(map[*subscription[T]]struct{}),
		receivers: make(map[*Receiver[T]]struct{}),
	}
}

// handle identifies a registered callback so Disconnect can find it again.
type handle[T any] struct {
	sub *subscription[T]
}

// Connect registers a synchronous callback, invoked inline during Emit.
func Connect[T any](s *Signal[T], cb Callback[T]) *handle[T] {
	sub := &subscription[T]{sync: cb}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return &handle[T]{sub: sub}
}

// ConnectAsync registers an asynchronous callback, scheduled concurrently
// during Emit; Emit waits for it alongside every other scheduled task.
func ConnectAsync[T any](s *Signal[T], cb AsyncCallback[T]) *handle[T] {
	sub := &subscription[T]{async: cb}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return &handle[T]{sub: sub}
}

// Disconnect unregisters a callback previously returned by Connect or
// ConnectAsync.
func Disconnect[T any](s *Signal[T], h *handle[T]) {
	s.mu.Lock()
	delete(s.subs, h.sub)
	s.mu.Unlock()
}

// Iterate obtains a new bounded streaming Receiver. The caller consumes
// values from Receiver.C until it closes or the sink is pruned as broken.
func Iterate[T any](s *Signal[T]) *Receiver[T] {
	ch := make(chan T, defaultBuffer)
	r := &Receiver[T]{C: ch, c: ch}
	s.mu.Lock()
	s.receivers[r] = struct{}{}
	s.mu.Unlock()
	return r
}

// Emit snapshots the current callback and receiver sets, invokes every sync
// callback directly, schedules every async callback and sink delivery
// concurrently, and returns once all of them complete. Sinks found broken
// during this emit are pruned afterward.
//
// Within one Emit, callback and sink order is unspecified; across distinct
// Emit calls from the same goroutine, a single receiver sees its values in
// FIFO order because each Emit fully delivers before returning.
func Emit[T any](s *Signal[T], value T) {
	s.mu.Lock()
	subs := make([]*subscription[T], 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	receivers := make([]*Receiver[T], 0, len(s.receivers))
	for r := range s.receivers {
		receivers = append(receivers, r)
	}
	s.mu.Unlock()

	scope := structured.NewScope()
	for _, sub := range subs {
		switch {
		case sub.sync != nil:
			sub.sync(value)
		case sub.async != nil:
			cb := sub.async
			scope.Go(func() error {
				cb(value)
				return nil
			})
		}
	}
	for _, r := range receivers {
		r := r
		scope.Go(func() error {
			r.send(value)
			return nil
		})
	}
	scope.Wait()

	var broken []*Receiver[T]
	for _, r := range receivers {
		if r.broke() {
			broken = append(broken, r)
		}
	}
	if len(broken) == 0 {
		return
	}
	s.mu.Lock()
	for _, r := range broken {
		delete(s.receivers, r)
	}
	s.mu.Unlock()
}
