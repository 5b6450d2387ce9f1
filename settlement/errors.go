package settlement

import "errors"

var (
	// ErrNotFound is returned when no row exists for the requested identifier.
	ErrNotFound = errors.New("settlement: not found")
	// ErrInvalidState signals the operation is not permitted from the current status.
	ErrInvalidState = errors.New("settlement: invalid state for operation")
	// ErrUnauthorized signals the actor is not the required party.
	ErrUnauthorized = errors.New("settlement: actor not authorized")
	// ErrSelfBid signals a client attempted to bid on its own job.
	ErrSelfBid = errors.New("settlement: client cannot bid on own job")
	// ErrMilestoneSplitInvalid signals the proposed split violates the sum invariants.
	ErrMilestoneSplitInvalid = errors.New("settlement: milestone split invalid")
	// ErrAlreadyFinalized signals the milestone already reached a terminal status;
	// the losing side of a finalization race observes this instead of double-paying.
	ErrAlreadyFinalized = errors.New("settlement: milestone already finalized")
)
