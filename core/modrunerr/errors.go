// Package modrunerr defines the error kinds the runtime raises or reports,
// mirroring the kind table of the specification this core implements.
//
// Programming-error kinds (DuplicateName, NotInitialized, UnknownType,
// Resolve, Duplicate, Closed, AlreadyDropped) are raised directly at the
// call site. Timeout is raised directly on user-invoked blocking calls
// (Borrow, Freed, AClose) but captured into a module tree's exceptions list
// when it occurs inside a phase body — see the module package.
package modrunerr

import "errors"

var (
	// ErrNotInitialized is returned by any operation on a Module whose base
	// constructor was never invoked.
	ErrNotInitialized = errors.New("modrun: module base not initialized")

	// ErrDuplicateName is returned by AddModule when a child of that name
	// already exists.
	ErrDuplicateName = errors.New("modrun: duplicate child module name")

	// ErrUnknownType is returned when a descriptor node has no type and is
	// not otherwise declared in code.
	ErrUnknownType = errors.New("modrun: descriptor node has no type")

	// ErrResolve is returned when a string module reference cannot be
	// resolved to a factory.
	ErrResolve = errors.New("modrun: could not resolve module reference")

	// ErrInstantiationFailed wraps an error returned by a module factory,
	// labeled with the module's path. A factory that panics is not
	// recovered; the panic propagates to the caller.
	ErrInstantiationFailed = errors.New("modrun: module instantiation failed")

	// ErrDuplicate is returned when a SharedValue is registered under a
	// type identity already occupied in a Context.
	ErrDuplicate = errors.New("modrun: type already registered in context")

	// ErrClosed is returned by Put/Get against a closed Context, and by
	// Borrow against a closing/closed SharedValue.
	ErrClosed = errors.New("modrun: context or value is closed")

	// ErrAlreadyDropped is returned by Unwrap on a dropped BorrowToken.
	ErrAlreadyDropped = errors.New("modrun: borrow token already dropped")

	// ErrTimeout is returned when a borrow, freed, close, or phase deadline
	// elapses before completion.
	ErrTimeout = errors.New("modrun: deadline exceeded")
)
