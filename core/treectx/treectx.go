// Package treectx implements Context: a type-indexed registry of
// SharedValues with parent linkage and teardown sequencing.
//
// The type-identity key is reflect.Type itself rather than a hand-rolled
// fingerprint or string: reflect.Type values for the same type are a
// single, comparable, already-unique token — exactly what design note 9
// ("dynamic type keys -> stable fingerprints") asks for, with nothing left
// to invent. Two structurally-identical-but-distinct types (e.g. two
// separately declared `type ID string`) still yield distinct reflect.Type
// values, matching "do not use structural equality".
package treectx

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/modrun/modrun/core/modrunerr"
	"github.com/modrun/modrun/core/shared"
	"github.com/modrun/modrun/internal/structured"
)

// closable is the non-generic facet of a SharedValue[T] that a Context
// needs in order to tear it down without knowing T.
type closable interface {
	Close(ctx context.Context, cause error) error
}

type valueEntry struct {
	sv     closable
	borrow func(ctx context.Context) (any, error)
}

// Context is a type-indexed registry of shared values.
type Context struct {
	mu       sync.RWMutex
	parent   *Context
	children map[*Context]struct{}

	values   map[reflect.Type]*valueEntry
	teardown []func(cause error) error

	added  chan struct{}
	closed bool
}

// New creates an empty, unparented Context.
func New() *Context {
	return &Context{
		children: make(map[*Context]struct{}),
		values:   make(map[reflect.Type]*valueEntry),
		added:    make(chan struct{}),
	}
}

// NewChild creates a Context parented to c; c records it in its child set.
func (c *Context) NewChild() *Context {
	child := New()
	child.parent = c
	c.mu.Lock()
	c.children[child] = struct{}{}
	c.mu.Unlock()
	return child
}

func (c *Context) detachFromParent() {
	c.mu.RLock()
	parent := c.parent
	c.mu.RUnlock()
	if parent == nil {
		return
	}
	parent.mu.Lock()
	delete(parent.children, c)
	parent.mu.Unlock()
}

func (c *Context) broadcastAddedLocked() {
	close(c.added)
	c.added = make(chan struct{})
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

type putConfig[T any] struct {
	types        []reflect.Type
	maxBorrowers int
	resource     shared.Resource[T]
	teardown     shared.TeardownFunc
	existing     *shared.SharedValue[T]
}

// PutOption configures a Put call.
type PutOption[T any] func(*putConfig[T])

// WithTypes registers the value under an explicit set of type identities
// instead of the default singleton of T's own type.
func WithTypes[T any](types ...reflect.Type) PutOption[T] {
	return func(c *putConfig[T]) { c.types = types }
}

// WithMaxBorrowers bounds concurrent borrowers of the published value.
func WithMaxBorrowers[T any](n int) PutOption[T] {
	return func(c *putConfig[T]) { c.maxBorrowers = n }
}

// WithManage enables the scoped-resource protocol on the published value.
func WithManage[T any](resource shared.Resource[T]) PutOption[T] {
	return func(c *putConfig[T]) { c.resource = resource }
}

// WithTeardownCallback registers a callback fired once the published
// value's SharedValue finishes closing.
func WithTeardownCallback[T any](cb shared.TeardownFunc) PutOption[T] {
	return func(c *putConfig[T]) { c.teardown = cb }
}

// WithExisting adopts an already-constructed SharedValue instead of
// wrapping value in a new one — how the module layer mirrors one published
// SharedValue into both its own and its parent's Context.
func WithExisting[T any](sv *shared.SharedValue[T]) PutOption[T] {
	return func(c *putConfig[T]) { c.existing = sv }
}

// Put registers value (or an adopted SharedValue, see WithExisting) under
// one or more type identities. It fails with ErrDuplicate if any of those
// identities is already occupied, and with ErrClosed if c is closed.
func Put[T any](c *Context, value T, opts ...PutOption[T]) (*shared.SharedValue[T], error) {
	var cfg putConfig[T]
	for _, opt := range opts {
		opt(&cfg)
	}

	sv := cfg.existing
	if sv == nil {
		sv = shared.New(value,
			shared.WithMaxBorrowers[T](cfg.maxBorrowers),
			shared.WithManage[T](cfg.resource),
			shared.WithTeardownCallback[T](cfg.teardown),
		)
	}

	types := cfg.types
	if len(types) == 0 {
		types = []reflect.Type{typeOf[T]()}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("%w: put", modrunerr.ErrClosed)
	}
	for _, t := range types {
		if _, exists := c.values[t]; exists {
			return nil, fmt.Errorf("%w: %s", modrunerr.ErrDuplicate, t)
		}
	}

	entry := &valueEntry{
		sv: sv,
		borrow: func(ctx context.Context) (any, error) {
			return sv.Borrow(ctx)
		},
	}
	for _, t := range types {
		c.values[t] = entry
	}
	c.broadcastAddedLocked()

	return sv, nil
}

// Chain returns c and every ancestor, self first.
func Chain(c *Context) []*Context {
	var chain []*Context
	for n := c; n != nil; n = n.parentSnapshot() {
		chain = append(chain, n)
	}
	return chain
}

func (c *Context) parentSnapshot() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.parent
}

func searchOne[T any](ctx context.Context, c *Context, t reflect.Type) (*shared.Token[T], error) {
	for {
		c.mu.RLock()
		entry, ok := c.values[t]
		closed := c.closed
		wait := c.added
		c.mu.RUnlock()

		if closed {
			return nil, fmt.Errorf("%w: get %s", modrunerr.ErrClosed, t)
		}
		if ok {
			res, err := entry.borrow(ctx)
			if err != nil {
				return nil, err
			}
			tok, _ := res.(*shared.Token[T])
			return tok, nil
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: get %s", modrunerr.ErrTimeout, t)
		}
	}
}

// SearchAmong races a borrow of type T across every Context in nodes,
// returning the first successful token and cancelling the rest. It is the
// primitive both Get (which races the full ancestor chain) and the module
// package's narrower self+immediate-parent search are built on.
func SearchAmong[T any](ctx context.Context, nodes []*Context) (*shared.Token[T], error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: get %s", modrunerr.ErrTimeout, typeOf[T]())
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		tok *shared.Token[T]
		err error
	}
	results := make(chan result, len(nodes))

	var wg sync.WaitGroup
	for _, n := range nodes {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := searchOne[T](raceCtx, n, typeOf[T]())
			results <- result{tok, err}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var winner *shared.Token[T]
	var firstErr error
	for r := range results {
		switch {
		case r.err == nil && winner == nil:
			winner = r.tok
			cancel()
		case r.err == nil:
			// a second winner raced in after we already chose one; release it.
			r.tok.Drop()
		case firstErr == nil:
			firstErr = r.err
		}
	}

	if winner != nil {
		return winner, nil
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, fmt.Errorf("%w: get %s", modrunerr.ErrTimeout, typeOf[T]())
}

// Get races a borrow of type T across c and every ancestor of c, returning
// as soon as any of them succeeds.
func Get[T any](ctx context.Context, c *Context) (*shared.Token[T], error) {
	return SearchAmong[T](ctx, Chain(c))
}

// AddTeardownCallback appends cb to the ordered teardown list. Callbacks
// run in reverse registration order during AClose.
func (c *Context) AddTeardownCallback(cb func(cause error) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardown = append(c.teardown, cb)
}

func dedupedEntries(values map[reflect.Type]*valueEntry) []*valueEntry {
	seen := make(map[*valueEntry]struct{}, len(values))
	entries := make([]*valueEntry, 0, len(values))
	for _, e := range values {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		entries = append(entries, e)
	}
	return entries
}

// AClose marks c closed up front, so Put and Get are rejected from the
// moment it is called, then concurrently closes every contained
// SharedValue, runs registered teardown callbacks in reverse order, and
// detaches c from its parent. c stays closed whether or not teardown
// succeeds. Idempotent: a second call on an already-closed Context is a
// no-op.
func (c *Context) AClose(ctx context.Context, cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	entries := dedupedEntries(c.values)
	callbacks := append([]func(cause error) error{}, c.teardown...)
	c.closed = true
	c.mu.Unlock()

	scope := structured.NewScope()
	for _, e := range entries {
		e := e
		scope.Go(func() error { return e.sv.Close(ctx, cause) })
	}
	closeErrs := scope.Wait()

	var cbErrs []error
	for i := len(callbacks) - 1; i >= 0; i-- {
		if err := callbacks[i](cause); err != nil {
			cbErrs = append(cbErrs, err)
		}
	}

	c.detachFromParent()

	return errors.Join(append(closeErrs, cbErrs...)...)
}

// Closed reports whether AClose has been called; it is true while AClose
// is still tearing values down.
func (c *Context) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
