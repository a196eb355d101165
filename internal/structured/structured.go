// Package structured provides the structured-concurrency primitives the
// module lifecycle engine is built on: a task scope that fans work out
// concurrently and collects every task's error (rather than the first, as
// golang.org/x/sync/errgroup does when abandoning siblings on the first
// failure), and a "move-on-after" timeout whose expiry is observed rather
// than raised.
//
// Grounded on bindings/go/dag/sync/process.go's errgroup.WithContext-based
// batch processor: that code accepts errgroup's fail-fast cancellation
// because a DAG stage is abandoned on error. A module tree phase is not —
// every sibling keeps running so every leaf exception surfaces — so Scope
// deliberately keeps siblings going instead of calling errgroup.WithContext.
package structured

import (
	"context"
	"sync"
	"time"
)

// Scope is a task group: Go spawns work, Wait blocks until everything
// spawned has returned and reports every non-nil error, not just the first.
type Scope struct {
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// NewScope creates an empty task scope.
func NewScope() *Scope {
	return &Scope{}
}

// Go runs fn concurrently. Its error, if any, is recorded and later
// returned from Wait.
func (s *Scope) Go(fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil {
			s.mu.Lock()
			s.errs = append(s.errs, err)
			s.mu.Unlock()
		}
	}()
}

// Wait blocks until every spawned task has returned and reports all errors
// in the order their tasks completed. Sibling order is otherwise
// unspecified, matching the no-fairness guarantee of the lifecycle engine.
func (s *Scope) Wait() []error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs
}

// MoveOnAfter derives a context that is cancelled after d elapses, plus a
// predicate telling whether it was this deadline (rather than the parent)
// that fired. Unlike a plain context.WithTimeout caller, code using this
// scope should never treat ctx.Err() itself as an error to propagate — the
// expiry is converted into a domain TimedOut exception by the caller
// (module.runPhase) rather than raised here.
func MoveOnAfter(parent context.Context, d time.Duration) (ctx context.Context, cancel context.CancelFunc, expired func() bool) {
	if d <= 0 {
		ctx, cancel = context.WithCancel(parent)
		return ctx, cancel, func() bool { return false }
	}
	ctx, cancel = context.WithTimeout(parent, d)
	deadline, _ := ctx.Deadline()
	return ctx, cancel, func() bool {
		return ctx.Err() != nil && !deadline.After(time.Now())
	}
}

// WithExtraDone derives a context cancelled when parent is done OR when the
// extra channel closes, whichever comes first. This is how the module
// teardown's internal waits (freed, aclose) race the global exit event
// against their own stop_timeout, per the specification's "whichever of
// (local teardown completion) or (exit) happens first".
func WithExtraDone(parent context.Context, extra <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-extra:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// FlattenErrors unwraps any error produced by errors.Join (or anything else
// implementing Unwrap() []error) down to its leaves, discarding the
// intermediate group wrappers. This is the aggregation step the
// specification calls "flattening nested exception groups into leaves".
func FlattenErrors(errs ...error) []error {
	var leaves []error
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if group, ok := err.(interface{ Unwrap() []error }); ok {
			for _, child := range group.Unwrap() {
				walk(child)
			}
			return
		}
		leaves = append(leaves, err)
	}
	for _, err := range errs {
		walk(err)
	}
	return leaves
}
