// Package module implements Module, the lifecycle-bearing tree node that
// owns a Context, a set of children, and a structured concurrency scope for
// the prepare/start/stop phases.
//
// Grounded on the teacher's Scheme (bindings/go/runtime/registry.go) for the
// registry/resolution half, and on bindings/go/dag/sync's batch processor
// for the phase fan-out shape — adapted here to the tree-wide, all-siblings-
// always-run semantics described by the lifecycle rather than a DAG's
// stage-abandon-on-error semantics.
package module

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modrun/modrun/core/config"
	"github.com/modrun/modrun/core/modrunerr"
	"github.com/modrun/modrun/core/shared"
	"github.com/modrun/modrun/core/treectx"
	"github.com/modrun/modrun/internal/structured"
)

// Phase identifies one of the three lifecycle phases.
type Phase int

const (
	PhasePrepare Phase = iota
	PhaseStart
	PhaseStop
)

func (p Phase) String() string {
	switch p {
	case PhasePrepare:
		return "preparing"
	case PhaseStart:
		return "starting"
	case PhaseStop:
		return "stopping"
	default:
		return "unknown"
	}
}

// lifecycleState is the module's own state-machine position, mirroring the
// specification's state table.
type lifecycleState int

const (
	stateUninitialized lifecycleState = iota
	stateInitialized
	statePreparing
	stateStarted
	stateStopping
	stateStopped
)

func (s lifecycleState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitialized:
		return "initialized"
	case statePreparing:
		return "preparing"
	case stateStarted:
		return "started"
	case stateStopping:
		return "stopping"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// event is an idempotent, once-settable completion signal: either the
// phase method returns (implicit set) or the user calls PhaseContext.Done
// explicitly (for phases that spawn background work and return early).
type event struct {
	mu   sync.Mutex
	ch   chan struct{}
	done bool
}

func newEvent() *event {
	return &event{ch: make(chan struct{})}
}

func (e *event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	close(e.ch)
}

func (e *event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func (e *event) Wait() <-chan struct{} {
	return e.ch
}

// Preparer, Starter, and Stopper are the optional phase bodies a module's
// delegate may implement. Any phase a delegate does not implement completes
// immediately once its children's phases complete.
type Preparer interface {
	Prepare(ctx *PhaseContext) error
}

type Starter interface {
	Start(ctx *PhaseContext) error
}

type Stopper interface {
	Stop(ctx *PhaseContext) error
}

// PhaseContext is passed to a phase body. Done lets the body signal early
// phase completion while background work it spawned keeps running; calling
// it a second time, or letting the body return normally afterward, is a
// no-op.
type PhaseContext struct {
	context.Context
	module *Module
	ev     *event
}

// Done signals that this module's contribution to the current phase is
// complete, even though the phase body has not yet returned.
func (pc *PhaseContext) Done() {
	pc.ev.Set()
}

// Module returns the module this phase body is running for.
func (pc *PhaseContext) Module() *Module { return pc.module }

// Base is the lifecycle state every Module carries. Module methods that
// check it panic with ErrNotInitialized if the module was not built by New;
// the initialized field, set only by New, is the sentinel.
type Base struct {
	initialized bool

	stateMu sync.Mutex
	state   lifecycleState

	name     string
	path     string
	parent   *Module
	delegate any

	prepareTimeout time.Duration
	startTimeout   time.Duration
	stopTimeout    time.Duration

	ctx *treectx.Context

	mu        sync.Mutex
	children  []*Module
	childByID map[string]*Module
	pending   []pendingChild

	published []publishedEntry
	acquired  []acquiredEntry

	prepared *event
	started  *event
	stopped  *event

	// root-only fields; nil on non-root modules.
	exit       chan struct{}
	exitOnce   sync.Once
	exceptions *exceptionSink
}

type pendingChild struct {
	ref    any
	name   string
	config map[string]any

	// descriptor is the originating Descriptor node, carried along so
	// Initialize can apply its own nested "modules" mapping to the child
	// once it exists — nil for children added directly via AddModule with
	// no descriptor behind them.
	descriptor *config.Descriptor
}

type publishedEntry struct {
	sv interface {
		Close(ctx context.Context, cause error) error
	}
}

type acquiredEntry struct {
	// tok is the *shared.Token[T] this entry tracks, held as any so Drop can
	// find and remove it by pointer identity without the module package
	// needing to be generic over T itself.
	tok  any
	drop func()
}

// exceptionSink is the root's append-only captured-exception list plus the
// exit signal its first append triggers.
type exceptionSink struct {
	mu   sync.Mutex
	errs []*CapturedError
}

func (s *exceptionSink) append(err *CapturedError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *exceptionSink) snapshot() []*CapturedError {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*CapturedError, len(s.errs))
	copy(out, s.errs)
	return out
}

// CapturedError is one leaf exception captured into a tree's exceptions
// list, labeled with the path of the module phase it occurred in.
type CapturedError struct {
	Path string
	Err  error
}

func (c *CapturedError) Error() string {
	return c.Err.Error()
}

func (c *CapturedError) Unwrap() error { return c.Err }

// Module is a named tree node. Construct one with New; a module's own
// phase bodies are supplied through WithDelegate.
type Module struct {
	Base
}

// Option configures a Module at construction.
type Option func(*Base)

// WithDelegate attaches an object whose Prepare/Start/Stop methods (see
// Preparer, Starter, Stopper) back this module's phase bodies. A module
// with no delegate, or whose delegate implements none of the three,
// completes every phase as soon as its children do.
func WithDelegate(delegate any) Option {
	return func(b *Base) { b.delegate = delegate }
}

// New constructs a module named name with the given per-phase timeouts. A
// timeout of 0 means "no deadline" for that phase.
func New(name string, prepareTimeout, startTimeout, stopTimeout time.Duration, opts ...Option) *Module {
	m := &Module{}
	m.Base = Base{
		initialized:    true,
		state:          stateInitialized,
		name:           name,
		path:           name,
		prepareTimeout: prepareTimeout,
		startTimeout:   startTimeout,
		stopTimeout:    stopTimeout,
		ctx:            treectx.New(),
		childByID:      make(map[string]*Module),
		prepared:       newEvent(),
		started:        newEvent(),
		stopped:        newEvent(),
	}
	for _, opt := range opts {
		opt(&m.Base)
	}
	if m.delegate == nil {
		m.delegate = m
	}
	return m
}

func (m *Module) checkInitialized() {
	if !m.initialized {
		panic(modrunerr.ErrNotInitialized)
	}
}

// Name returns the module's own (unqualified) name.
func (m *Module) Name() string {
	m.checkInitialized()
	return m.name
}

// Path returns the period-joined path from the tree root to this module.
func (m *Module) Path() string {
	m.checkInitialized()
	return m.path
}

// Parent returns the module's parent, or nil at the root.
func (m *Module) Parent() *Module {
	m.checkInitialized()
	return m.parent
}

// Context returns the module's own Context.
func (m *Module) Context() *treectx.Context {
	m.checkInitialized()
	return m.ctx
}

// Children returns the module's realized children, in add order.
func (m *Module) Children() []*Module {
	m.checkInitialized()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Module, len(m.children))
	copy(out, m.children)
	return out
}

// AddModule records a pending child to be realized by Initialize. ref is
// either a Factory, a plain func with Factory's signature, or a string
// resolved through the process-wide registry (see Register/Resolve). Adding two
// children of the same name fails with ErrDuplicateName.
func (m *Module) AddModule(ref any, name string, cfg map[string]any) error {
	return m.addPendingChild(ref, name, cfg, nil)
}

// addPendingChild is AddModule plus an optional originating descriptor node,
// so FromDescriptor can carry a child's own nested "modules" mapping through
// to Initialize without exposing descriptor plumbing on the public API.
func (m *Module) addPendingChild(ref any, name string, cfg map[string]any, descriptor *config.Descriptor) error {
	m.checkInitialized()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.childByID[name]; exists {
		return fmt.Errorf("%w: %s", modrunerr.ErrDuplicateName, name)
	}
	m.childByID[name] = nil // reserve the name until Initialize realizes it
	m.pending = append(m.pending, pendingChild{ref: ref, name: name, config: cfg, descriptor: descriptor})
	return nil
}

func (m *Module) rootModule() *Module {
	n := m
	for n.parent != nil {
		n = n.parent
	}
	return n
}

func (m *Module) exitEvent() chan struct{} {
	return m.rootModule().exit
}

func (m *Module) captureException(path string, err error) {
	root := m.rootModule()
	root.exceptions.append(&CapturedError{Path: path, Err: err})
	root.exitOnce.Do(func() { close(root.exit) })
}

// Exceptions returns the root's accumulated captured exceptions. Valid on
// any node in the tree; always reads through to the root's shared sink.
func (m *Module) Exceptions() []*CapturedError {
	m.checkInitialized()
	return m.rootModule().exceptions.snapshot()
}

// Prepared, Started, and Stopped report whether this module's own phase
// event has been set (not necessarily its descendants').
func (m *Module) Prepared() bool { return m.prepared.IsSet() }
func (m *Module) Started() bool  { return m.started.IsSet() }
func (m *Module) Stopped() bool  { return m.stopped.IsSet() }

// State reports this module's current position in the uninitialized ->
// initialized -> preparing -> started -> stopping -> stopped state machine.
func (m *Module) State() string {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state.String()
}

func (m *Module) setState(s lifecycleState) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

func newRoot(m *Module) {
	m.exit = make(chan struct{})
	m.exceptions = &exceptionSink{}
}

// Put publishes value into the module's own Context and mirrors the same
// SharedValue into the parent's Context (a no-op mirror at the root, which
// has no parent) so sibling modules can find it. Recorded in the module's
// published set; teardown happens during stop.
func Put[T any](m *Module, value T, opts ...treectx.PutOption[T]) (*shared.SharedValue[T], error) {
	m.checkInitialized()

	sv, err := treectx.Put(m.ctx, value, opts...)
	if err != nil {
		return nil, err
	}

	if m.parent != nil {
		if _, err := treectx.Put(m.parent.ctx, value, append(opts, treectx.WithExisting[T](sv))...); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.published = append(m.published, publishedEntry{sv: sv})
	m.mu.Unlock()

	return sv, nil
}

// Get concurrently searches the module's own Context and its parent's
// Context (only those two, not the full ancestor chain — Context.Get, by
// contrast, races the full chain; see treectx.SearchAmong), returning the
// first successful borrow. The token is recorded in the module's acquired
// set for drop-on-stop bookkeeping.
func Get[T any](ctx context.Context, m *Module) (*shared.Token[T], error) {
	m.checkInitialized()

	nodes := []*treectx.Context{m.ctx}
	if m.parent != nil {
		nodes = append(nodes, m.parent.ctx)
	}
	tok, err := treectx.SearchAmong[T](ctx, nodes)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.acquired = append(m.acquired, acquiredEntry{tok: tok, drop: tok.Drop})
	m.mu.Unlock()

	return tok, nil
}

// Drop releases one acquired token early, removing it from the module's
// acquired set so DropAll/stop teardown does not touch it again.
func Drop[T any](m *Module, tok *shared.Token[T]) {
	m.mu.Lock()
	for i, a := range m.acquired {
		if a.tok == any(tok) {
			m.acquired = append(m.acquired[:i], m.acquired[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	tok.Drop()
}

// DropAll releases every token still in the module's acquired set.
func DropAll(m *Module) {
	m.mu.Lock()
	acquired := m.acquired
	m.acquired = nil
	m.mu.Unlock()
	for _, a := range acquired {
		a.drop()
	}
}

// Freed waits for a single published SharedValue to have no borrowers.
func Freed[T any](ctx context.Context, sv *shared.SharedValue[T]) error {
	return sv.Freed(ctx)
}

// AllFreed waits for every SharedValue the module has published to have no
// borrowers.
func (m *Module) AllFreed(ctx context.Context) error {
	m.mu.Lock()
	published := m.published
	m.mu.Unlock()

	scope := structured.NewScope()
	for _, p := range published {
		p := p
		scope.Go(func() error {
			type freer interface {
				Freed(ctx context.Context) error
			}
			if f, ok := p.sv.(freer); ok {
				return f.Freed(ctx)
			}
			return nil
		})
	}
	errs := scope.Wait()
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// AddTeardownCallback delegates to the module's own Context.
func (m *Module) AddTeardownCallback(cb func(cause error) error) {
	m.checkInitialized()
	m.ctx.AddTeardownCallback(cb)
}
