package sse

import "errors"

var (
	// ErrSinkClosed is returned when writing to a sink that has been closed.
	ErrSinkClosed = errors.New("sink closed")

	// ErrDispatcherNotFound is returned when an operation names an unknown dispatcher.
	ErrDispatcherNotFound = errors.New("dispatcher not found")

	// ErrSessionNotFound is returned when a request carries no known session token.
	ErrSessionNotFound = errors.New("session not found")

	// ErrQueueFull is returned when the configuration queue cannot accept more work.
	ErrQueueFull = errors.New("configuration queue full or stopped")
)

// Reasons returned to clients for rejected configuration requests.
const (
	ReasonMissingDispatcherID = "'dispatcherId' not specified."
	ReasonNoConfigurations    = "No 'subscribe' or 'unsubscribe' configurations provided in configuration request."
	ReasonQueueRejected       = "Unable to process channel subscription request at this time."
)
