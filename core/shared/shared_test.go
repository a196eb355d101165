package shared

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBorrowAndDrop(t *testing.T) {
	r := require.New(t)

	sv := New(42)
	tok, err := sv.Borrow(context.Background())
	r.NoError(err)

	v, err := tok.Unwrap()
	r.NoError(err)
	r.Equal(42, v)

	r.Equal(1, sv.BorrowerCount())
	tok.Drop()
	r.Equal(0, sv.BorrowerCount())

	_, err = tok.Unwrap()
	r.ErrorContains(err, "already dropped")
}

func TestBorrowTimeoutOnFullCapacity(t *testing.T) {
	r := require.New(t)

	sv := New(0, WithMaxBorrowers[int](1))
	_, err := sv.Borrow(context.Background())
	r.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_, err = sv.Borrow(ctx)
	r.ErrorContains(err, "deadline exceeded")
}

func TestExclusiveBorrowOrdering(t *testing.T) {
	r := require.New(t)

	sv := New(0, WithMaxBorrowers[int](1))
	first, err := sv.Borrow(context.Background())
	r.NoError(err)

	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		_, err := sv.Borrow(context.Background())
		r.NoError(err)
	}()

	select {
	case <-secondDone:
		t.Fatal("second borrow completed before first dropped")
	case <-time.After(30 * time.Millisecond):
	}

	first.Drop()

	select {
	case <-secondDone:
	case <-time.After(time.Second):
		t.Fatal("second borrow never completed after drop")
	}
}

func TestFreedCompletesImmediatelyWhenEmpty(t *testing.T) {
	r := require.New(t)
	sv := New(0)
	r.NoError(sv.Freed(context.Background()))
}

type recordingResource struct {
	setupCalls    int
	teardownCalls int
	teardownCause error
}

func (r *recordingResource) Setup(ctx context.Context) (int, error) {
	r.setupCalls++
	return 99, nil
}

func (r *recordingResource) Teardown(ctx context.Context, cause error) error {
	r.teardownCalls++
	r.teardownCause = cause
	return nil
}

func TestOpenAndCloseRunScopedResourceOnce(t *testing.T) {
	r := require.New(t)

	res := &recordingResource{}
	var tornDownWith error
	sv := New(0,
		WithManage[int](res),
		WithTeardownCallback[int](func(cause error) error {
			tornDownWith = cause
			return nil
		}),
	)

	r.NoError(sv.Open(context.Background()))
	r.NoError(sv.Open(context.Background())) // idempotent
	r.Equal(1, res.setupCalls)

	tok, err := sv.Borrow(context.Background())
	r.NoError(err)
	v, err := tok.Unwrap()
	r.NoError(err)
	r.Equal(99, v)
	tok.Drop()

	cause := context.DeadlineExceeded
	r.NoError(sv.Close(context.Background(), cause))
	r.NoError(sv.Close(context.Background(), cause)) // idempotent

	r.Equal(1, res.teardownCalls)
	r.Equal(cause, res.teardownCause)
	r.Equal(cause, tornDownWith)
	r.Equal(0, sv.BorrowerCount())
}

func TestCloseWaitsForFreed(t *testing.T) {
	r := require.New(t)

	sv := New(0)
	tok, err := sv.Borrow(context.Background())
	r.NoError(err)

	closeDone := make(chan struct{})
	go func() {
		defer close(closeDone)
		r.NoError(sv.Close(context.Background(), nil))
	}()

	select {
	case <-closeDone:
		t.Fatal("close completed while a borrower was still live")
	case <-time.After(30 * time.Millisecond):
	}

	tok.Drop()

	select {
	case <-closeDone:
	case <-time.After(time.Second):
		t.Fatal("close never completed after drop")
	}
}
