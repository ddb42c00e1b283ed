package realtime

import "errors"

// Engine error taxonomy. Authorization and validation failures are reported
// synchronously to the originating connection; persistence failures abort the
// single operation but never the connection.
var (
	// ErrBlocked: the recipient has blocked the sender. Nothing is persisted.
	ErrBlocked = errors.New("realtime: blocked by recipient")
	// ErrNotAuthorized: the sender is not a member of the target group.
	ErrNotAuthorized = errors.New("realtime: not authorized")
	// ErrNotFound: the target user, group, or message does not exist.
	ErrNotFound = errors.New("realtime: not found")
	// ErrInvalidInput: the event payload fails validation.
	ErrInvalidInput = errors.New("realtime: invalid input")
	// ErrPersistence: the store rejected a write; the operation was aborted
	// with no partial fanout.
	ErrPersistence = errors.New("realtime: persistence failure")
)
