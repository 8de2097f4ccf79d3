package history

import "errors"

var (
	// ErrNotFound is returned by a Backend when an event is not stored.
	ErrNotFound = errors.New("event not found")

	// ErrUnknownBackend is returned by NewBackend for an unsupported backend type.
	ErrUnknownBackend = errors.New("unknown history backend")

	// ErrInvalidName is returned for channel names or event ids that cannot be stored.
	ErrInvalidName = errors.New("invalid channel or event name")
)
