package publish

import "errors"

// Publisher lifecycle errors.
var (
	// ErrNoBroker indicates the publisher was constructed without a broker.
	ErrNoBroker = errors.New("publish: broker is required")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("publish: already started")

	// ErrClosed indicates the publisher has been closed.
	ErrClosed = errors.New("publish: closed")
)
