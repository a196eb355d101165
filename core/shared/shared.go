// Package shared implements SharedValue, the borrow-counted wrapper around
// a user value, and Token, the handle returned by a successful borrow.
//
// Admission, drop notification, and the freed-wait are all built on a
// replace-on-broadcast channel rather than sync.Cond: sync.Cond has no
// context/timeout-aware Wait, and every borrow/freed/close call in the
// specification is timeout-bound, so the channel idiom (seen throughout the
// retrieval pack wherever a ctx-cancellable wait is needed) is the better
// fit than the stdlib's own condition variable.
package shared

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modrun/modrun/core/modrunerr"
)

// State is a SharedValue's lifecycle state.
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Resource is the scoped-resource protocol a managed SharedValue's inner
// value may implement. Setup is invoked once, on Open; its return value
// replaces the SharedValue's inner value. Teardown is invoked once, on
// Close, and receives the proximate close cause (nil if none).
//
// The source specification distinguishes an async and a sync flavor of this
// protocol, trying async first. Go has a single concurrency model, so both
// flavors collapse into this one ctx-taking interface — there is nothing
// left to fall back from.
type Resource[T any] interface {
	Setup(ctx context.Context) (T, error)
	Teardown(ctx context.Context, cause error) error
}

// TeardownFunc is invoked once when a SharedValue finishes closing. The
// specification describes a callback invoked with 0 or 1 arguments
// depending on its declared arity, inspected once and cached; Go has no
// such ambiguity; TeardownFunc's single signature is that cached decision,
// made at compile time.
type TeardownFunc func(cause error) error

type options[T any] struct {
	maxBorrowers int
	resource     Resource[T]
	teardown     TeardownFunc
	closeTimeout time.Duration
}

// Option configures a SharedValue at construction.
type Option[T any] func(*options[T])

// WithMaxBorrowers bounds concurrent borrowers. n <= 0 means unbounded
// (the default). n == 1 degenerates to exclusive access.
func WithMaxBorrowers[T any](n int) Option[T] {
	return func(o *options[T]) { o.maxBorrowers = n }
}

// WithManage enables the scoped-resource protocol: Setup is called once on
// Open, Teardown once on Close.
func WithManage[T any](resource Resource[T]) Option[T] {
	return func(o *options[T]) { o.resource = resource }
}

// WithTeardownCallback registers a callback fired exactly once when Close
// completes, after any scoped-resource Teardown.
func WithTeardownCallback[T any](cb TeardownFunc) Option[T] {
	return func(o *options[T]) { o.teardown = cb }
}

// WithCloseTimeout sets the deadline Close clamps to when the caller's own
// context carries no deadline.
func WithCloseTimeout[T any](d time.Duration) Option[T] {
	return func(o *options[T]) { o.closeTimeout = d }
}

// SharedValue wraps a value with a borrower set, an optional capacity, and
// optional scoped-resource teardown.
type SharedValue[T any] struct {
	mu           sync.Mutex
	value        T
	maxBorrowers int
	resource     Resource[T]
	teardown     TeardownFunc
	closeTimeout time.Duration

	borrowers map[*Token[T]]struct{}
	notify    chan struct{}

	state  State
	opened bool
}

// New constructs an open SharedValue wrapping value.
func New[T any](value T, opts ...Option[T]) *SharedValue[T] {
	var o options[T]
	for _, opt := range opts {
		opt(&o)
	}
	return &SharedValue[T]{
		value:        value,
		maxBorrowers: o.maxBorrowers,
		resource:     o.resource,
		teardown:     o.teardown,
		closeTimeout: o.closeTimeout,
		borrowers:    make(map[*Token[T]]struct{}),
		notify:       make(chan struct{}),
	}
}

func (s *SharedValue[T]) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// Borrow admits a new borrower as soon as capacity allows, or fails with
// ErrTimeout when ctx is done first. Admission is exactly one borrower per
// wake; FIFO order among waiters is not promised.
func (s *SharedValue[T]) Borrow(ctx context.Context) (*Token[T], error) {
	for {
		s.mu.Lock()
		if s.state != StateOpen {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: borrow", modrunerr.ErrClosed)
		}
		if s.maxBorrowers <= 0 || len(s.borrowers) < s.maxBorrowers {
			tok := &Token[T]{owner: s}
			s.borrowers[tok] = struct{}{}
			s.mu.Unlock()
			return tok, nil
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: borrow", modrunerr.ErrTimeout)
		}
	}
}

// drop removes tok from the borrower set and wakes every waiter.
func (s *SharedValue[T]) drop(tok *Token[T]) {
	s.mu.Lock()
	delete(s.borrowers, tok)
	s.broadcastLocked()
	s.mu.Unlock()
}

// Freed completes as soon as the borrower set is empty, returning
// immediately if it already is.
func (s *SharedValue[T]) Freed(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.borrowers) == 0 {
			s.mu.Unlock()
			return nil
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return fmt.Errorf("%w: freed", modrunerr.ErrTimeout)
		}
	}
}

// BorrowerCount reports the current number of live borrowers.
func (s *SharedValue[T]) BorrowerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.borrowers)
}

// currentValue returns the current inner value, reflecting any replacement
// made by Open's scoped-resource Setup.
func (s *SharedValue[T]) currentValue() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Open idempotently runs the scoped-resource Setup, if configured,
// replacing the inner value with whatever it returns.
func (s *SharedValue[T]) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	s.opened = true
	if s.resource == nil {
		return nil
	}
	v, err := s.resource.Setup(ctx)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	s.value = v
	return nil
}

// Close idempotently waits for Freed (bounded by ctx, clamped to
// closeTimeout when ctx carries no deadline of its own), then runs the
// scoped-resource Teardown followed by the registered TeardownFunc, passing
// cause to both. Errors from either are joined, not swallowed.
//
// If the Freed wait itself times out, Close still proceeds to Teardown and
// marks the value closed with borrowers still outstanding — the alternative
// of leaving it stuck in StateClosing forever is worse, but it does mean
// invariant 1 ("closed implies borrowers == ∅") only holds on the
// happy path; the returned error always surfaces the Freed timeout so a
// caller can tell the two cases apart.
func (s *SharedValue[T]) Close(ctx context.Context, cause error) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	s.mu.Unlock()

	closeCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.closeTimeout > 0 {
		var cancel context.CancelFunc
		closeCtx, cancel = context.WithTimeout(ctx, s.closeTimeout)
		defer cancel()
	}

	freedErr := s.Freed(closeCtx)

	var teardownErr, cbErr error
	if s.resource != nil {
		teardownErr = s.resource.Teardown(closeCtx, cause)
	}
	if s.teardown != nil {
		cbErr = s.teardown(cause)
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	return errors.Join(freedErr, teardownErr, cbErr)
}

// Token is the handle returned by a successful Borrow. Tokens are
// non-copyable references: duplicate one by taking its address, never by
// value, which the embedded noCopy marker flags to `go vet`.
type Token[T any] struct {
	_       noCopy
	mu      sync.Mutex
	owner   *SharedValue[T]
	dropped bool
}

// Unwrap returns the current inner value while the token is live, and fails
// with ErrAlreadyDropped once Drop has been called.
func (t *Token[T]) Unwrap() (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dropped {
		var zero T
		return zero, modrunerr.ErrAlreadyDropped
	}
	return t.owner.currentValue(), nil
}

// Drop removes this token from its SharedValue's borrower set. Idempotent.
func (t *Token[T]) Drop() {
	t.mu.Lock()
	if t.dropped {
		t.mu.Unlock()
		return
	}
	t.dropped = true
	t.mu.Unlock()
	t.owner.drop(t)
}

// noCopy causes `go vet -copylocks` to flag accidental copies of a Token.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
