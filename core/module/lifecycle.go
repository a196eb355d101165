package module

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modrun/modrun/core/modrunerr"
	"github.com/modrun/modrun/internal/structured"
)

// Run executes the full prepare -> start -> stop lifecycle for the tree
// rooted at m, which must be the true root (Parent() == nil). It blocks
// until stop completes tree-wide, then returns the accumulated captured
// exceptions.
//
// If prepare fails (any captured exception or timeout), start is skipped
// and the tree proceeds directly to stop; if start fails, stop still runs.
// stop always runs.
func (m *Module) Run(ctx context.Context) []*CapturedError {
	m.checkInitialized()
	if m.parent != nil {
		panic("modrun: Run must be called on the tree root")
	}

	m.setState(statePreparing)
	prepareOK := m.runPhase(ctx, PhasePrepare, m.prepareTimeout)
	if prepareOK {
		m.setState(stateStarted)
		m.runPhase(ctx, PhaseStart, m.startTimeout)
	}
	m.setState(stateStopping)
	m.runPhase(ctx, PhaseStop, m.stopTimeout)
	m.setState(stateStopped)

	return m.Exceptions()
}

// runPhase fans the phase out top-down across the subtree rooted at m,
// waits for every node's own phase event to be set (per §4.4, "a module's
// phase is complete only when its own phase event is set AND every
// descendant's phase event is set" — not for every phase-body goroutine to
// have actually returned, so a body that calls PhaseContext.Done and then
// keeps running background work does not stall the phase), and walks the
// tree on timeout to capture a TimedOut exception for every node whose event
// never got set. Returns whether the phase completed with no captured
// exception anywhere in the subtree during this call.
func (m *Module) runPhase(ctx context.Context, phase Phase, timeout time.Duration) bool {
	phaseCtx, cancel, expired := structured.MoveOnAfter(ctx, timeout)
	defer cancel()

	before := len(m.Exceptions())

	m.dispatchPhase(phaseCtx, phase)

	// Go has no forcible goroutine preemption, so a phase body that ignores
	// its context keeps running past the deadline rather than being torn
	// down — the same caveat every cooperative-cancellation runtime has.
	// What this wait can still do faithfully is stop *waiting* on it:
	// whichever of (every node's phase event settled) or (the deadline)
	// comes first ends this phase, exactly like move-on-after's "observed,
	// not raised" expiry.
	settled := make(chan struct{})
	go func() {
		m.waitPhaseTree(phaseCtx, phase)
		close(settled)
	}()

	select {
	case <-settled:
	case <-phaseCtx.Done():
	}

	if expired() {
		m.captureTimedOutLeaves(phase)
	}

	return len(m.Exceptions()) == before
}

// dispatchPhase fires off m's own phase body and every child's phase
// fan-out concurrently, top-down, without waiting for any of them to
// return — completion is judged separately, by waitPhaseTree watching the
// phase events those bodies set (or Done() early).
func (m *Module) dispatchPhase(ctx context.Context, phase Phase) {
	for _, child := range m.Children() {
		child := child
		go child.dispatchPhase(ctx, phase)
	}
	go m.runOwnPhase(ctx, phase)
}

// waitPhaseTree blocks until every node in the subtree rooted at m has its
// own phase event set, or ctx is done, whichever comes first. This is the
// subtree-wide AND §4.4 describes, evaluated independently of whether the
// goroutine running the phase body has itself returned.
func (m *Module) waitPhaseTree(ctx context.Context, phase Phase) {
	select {
	case <-m.eventFor(phase).Wait():
	case <-ctx.Done():
		return
	}
	for _, child := range m.Children() {
		child.waitPhaseTree(ctx, phase)
	}
}

// runOwnPhase runs this module's own phase body (if its delegate
// implements one) and sets the phase event once the body returns, unless
// PhaseContext.Done was already called explicitly. Any error or panic is
// flattened to its leaf errors (§7: "nested exception groups are flattened
// to leaves") and each leaf captured separately into the root's exceptions
// list, labeled with this module's path — a stop body whose teardown fails
// two ways (e.g. runStopBody's errors.Join of a Stop error and an AClose
// error) surfaces as two captured exceptions, not one grouped one.
func (m *Module) runOwnPhase(ctx context.Context, phase Phase) {
	ev := m.eventFor(phase)
	pc := &PhaseContext{Context: ctx, module: m, ev: ev}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		switch phase {
		case PhasePrepare:
			if p, ok := m.delegate.(Preparer); ok {
				err = p.Prepare(pc)
			}
		case PhaseStart:
			if s, ok := m.delegate.(Starter); ok {
				err = s.Start(pc)
			}
		case PhaseStop:
			err = m.runStopBody(pc)
		}
	}()

	for _, leaf := range structured.FlattenErrors(err) {
		m.captureException(m.path, fmt.Errorf("%s: %s: %w", phase.String(), m.path, leaf))
	}
	ev.Set()
}

// runStopBody runs the delegate's Stop body (if any) racing the root's
// exit event against this module's own stop_timeout — whichever releases
// first wins — then drops every acquired token, then tears down this
// module's own Context, waiting for every published value to be freed
// first.
func (m *Module) runStopBody(pc *PhaseContext) error {
	raceCtx, cancel := structured.WithExtraDone(pc.Context, m.exitEvent())
	defer cancel()

	var stopErr error
	if s, ok := m.delegate.(Stopper); ok {
		racedPC := &PhaseContext{Context: raceCtx, module: m, ev: pc.ev}
		stopErr = s.Stop(racedPC)
	}

	DropAll(m)

	closeErr := m.ctx.AClose(raceCtx, stopErr)

	return errors.Join(stopErr, closeErr)
}

func (m *Module) eventFor(phase Phase) *event {
	switch phase {
	case PhasePrepare:
		return m.prepared
	case PhaseStart:
		return m.started
	default:
		return m.stopped
	}
}

// captureTimedOutLeaves walks the subtree and captures a TimedOut
// exception for every node whose phase event is not yet set.
func (m *Module) captureTimedOutLeaves(phase Phase) {
	ev := m.eventFor(phase)
	if !ev.IsSet() {
		m.captureException(m.path, fmt.Errorf("%w: %s: %s", modrunerr.ErrTimeout, phase.String(), m.path))
	}
	for _, child := range m.Children() {
		child.captureTimedOutLeaves(phase)
	}
}
