package verification

import "errors"

var (
	// ErrDuplicateRequest signals a request already exists for the milestone pair.
	ErrDuplicateRequest = errors.New("verification: request already exists for milestone")
	// ErrConsensusFailed signals no panel member responded before the deadline.
	ErrConsensusFailed = errors.New("verification: no agent responses before deadline")
	// ErrRequestNotFound is returned when no request row matches the identifier.
	ErrRequestNotFound = errors.New("verification: request not found")
	// ErrAgentNotFound is returned when no agent row matches the address.
	ErrAgentNotFound = errors.New("verification: agent not found")
	// ErrUnauthorized signals the actor may not perform the registry or dispute operation.
	ErrUnauthorized = errors.New("verification: actor not authorized")
	// ErrNotCompleted signals a dispute was raised before the request completed.
	ErrNotCompleted = errors.New("verification: request not completed")
)
