package module

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modrun/modrun/core/modrunerr"
	"github.com/modrun/modrun/core/treectx"
)

// fnDelegate lets tests wire up arbitrary phase bodies without declaring a
// new named type per scenario.
type fnDelegate struct {
	prepare func(*PhaseContext) error
	start   func(*PhaseContext) error
	stop    func(*PhaseContext) error
}

func (d *fnDelegate) Prepare(ctx *PhaseContext) error {
	if d.prepare == nil {
		return nil
	}
	return d.prepare(ctx)
}

func (d *fnDelegate) Start(ctx *PhaseContext) error {
	if d.start == nil {
		return nil
	}
	return d.start(ctx)
}

func (d *fnDelegate) Stop(ctx *PhaseContext) error {
	if d.stop == nil {
		return nil
	}
	return d.stop(ctx)
}

// attachChild realizes child as a direct child of parent, the way
// Initialize would, without requiring a registry round-trip.
func attachChild(parent, child *Module, name string) {
	child.name = name
	child.path = parent.path + "." + name
	child.parent = parent
	parent.mu.Lock()
	parent.children = append(parent.children, child)
	if parent.childByID == nil {
		parent.childByID = make(map[string]*Module)
	}
	parent.childByID[name] = child
	parent.mu.Unlock()
}

func newTestRoot(name string) *Module {
	m := New(name, time.Second, time.Second, time.Second)
	newRoot(m)
	return m
}

func TestTwoSiblingsExchangeValues(t *testing.T) {
	r := require.New(t)

	root := newTestRoot("root")

	var aGot, bGot int
	a := New("a", time.Second, time.Second, time.Second)
	a.delegate = &fnDelegate{
		start: func(pc *PhaseContext) error {
			if _, err := Put(pc.Module(), 111); err != nil {
				return err
			}
			tok, err := Get[string](pc.Context, pc.Module())
			if err != nil {
				return err
			}
			v, err := tok.Unwrap()
			if err != nil {
				return err
			}
			aGot = len(v)
			return nil
		},
	}
	b := New("b", time.Second, time.Second, time.Second)
	b.delegate = &fnDelegate{
		start: func(pc *PhaseContext) error {
			if _, err := Put(pc.Module(), "hello"); err != nil {
				return err
			}
			tok, err := Get[int](pc.Context, pc.Module())
			if err != nil {
				return err
			}
			v, err := tok.Unwrap()
			if err != nil {
				return err
			}
			bGot = v
			return nil
		},
	}

	attachChild(root, a, "a")
	attachChild(root, b, "b")

	exceptions := root.Run(context.Background())

	r.Empty(exceptions)
	r.True(root.Stopped())
	r.True(a.Stopped())
	r.True(b.Stopped())
	r.Equal(111, bGot)
	r.Equal(len("hello"), aGot)
}

func TestPrepareTimeoutCapturesLabeledException(t *testing.T) {
	r := require.New(t)

	root := New("root", 30*time.Millisecond, time.Second, time.Second)
	newRoot(root)

	startCalled := false
	stopCalled := false
	root.delegate = &fnDelegate{
		prepare: func(pc *PhaseContext) error {
			// Deliberately ignores pc.Context: Go cannot preempt a
			// goroutine that doesn't check its own context, so this
			// models a prepare body that overruns its deadline instead
			// of cooperatively yielding to it.
			time.Sleep(150 * time.Millisecond)
			return nil
		},
		start: func(pc *PhaseContext) error {
			startCalled = true
			return nil
		},
		stop: func(pc *PhaseContext) error {
			stopCalled = true
			return nil
		},
	}

	exceptions := root.Run(context.Background())

	r.Len(exceptions, 1)
	r.Contains(exceptions[0].Error(), "preparing: root")
	r.False(startCalled)
	r.True(stopCalled)
}

func TestDuplicateTypeRegistrationCapturesExactlyOneException(t *testing.T) {
	r := require.New(t)

	root := newTestRoot("root")
	root.delegate = &fnDelegate{
		start: func(pc *PhaseContext) error {
			if _, err := Put(pc.Module(), 0); err != nil {
				return err
			}
			_, err := Put(pc.Module(), 0)
			return err
		},
	}

	exceptions := root.Run(context.Background())

	r.Len(exceptions, 1)
	r.Contains(exceptions[0].Error(), "already registered")
	r.True(root.Stopped())
}

func TestInitializeIsIdempotent(t *testing.T) {
	r := require.New(t)

	Register("test:idempotent-child", func(cfg map[string]any) (*Module, error) {
		return New("", time.Second, time.Second, time.Second), nil
	})

	root := New("root", time.Second, time.Second, time.Second)
	newRoot(root)
	r.NoError(root.AddModule("test:idempotent-child", "child", nil))

	_, err := root.Initialize(root)
	r.NoError(err)
	r.Len(root.Children(), 1)

	_, err = root.Initialize(root)
	r.NoError(err)
	r.Len(root.Children(), 1)
}

func TestDropRemovesTokenFromAcquiredSet(t *testing.T) {
	r := require.New(t)

	root := newTestRoot("root")
	_, err := Put(root, 7)
	r.NoError(err)

	tok, err := Get[int](context.Background(), root)
	r.NoError(err)

	root.mu.Lock()
	r.Len(root.acquired, 1)
	root.mu.Unlock()

	Drop(root, tok)

	root.mu.Lock()
	r.Empty(root.acquired)
	root.mu.Unlock()

	_, err = tok.Unwrap()
	r.ErrorIs(err, modrunerr.ErrAlreadyDropped)
}

func TestStartFailureStillRunsStop(t *testing.T) {
	r := require.New(t)

	root := newTestRoot("root")
	stopCalled := false
	root.delegate = &fnDelegate{
		start: func(pc *PhaseContext) error {
			return context.DeadlineExceeded
		},
		stop: func(pc *PhaseContext) error {
			stopCalled = true
			return nil
		},
	}

	exceptions := root.Run(context.Background())
	r.Len(exceptions, 1)
	r.True(stopCalled)
	r.True(root.Stopped())
}

func TestTeardownFailuresAreCapturedAsSeparateLeaves(t *testing.T) {
	r := require.New(t)

	root := newTestRoot("root")
	_, err := Put(root, 1, treectx.WithTeardownCallback[int](func(cause error) error {
		return errors.New("teardown-a failed")
	}))
	r.NoError(err)
	_, err = Put(root, "x", treectx.WithTeardownCallback[string](func(cause error) error {
		return errors.New("teardown-b failed")
	}))
	r.NoError(err)

	exceptions := root.Run(context.Background())

	r.Len(exceptions, 2)
	var messages []string
	for _, e := range exceptions {
		messages = append(messages, e.Error())
	}
	r.Contains(messages, "stopping: root: teardown-a failed")
	r.Contains(messages, "stopping: root: teardown-b failed")
}
