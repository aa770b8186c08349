package stream

import "errors"

// Sentinel errors returned by the engine.
//
// Use errors.Is() to check for specific conditions:
//
//	value, err := engine.Next(ctx, "wavelength_vac_nm")
//	if errors.Is(err, stream.ErrUnknownChannel) {
//	    // channel name not configured
//	}
var (
	// ErrUnknownChannel indicates a read for a channel name that is not
	// configured on the engine.
	ErrUnknownChannel = errors.New("stream: unknown channel")

	// ErrNotStarted indicates a read before Start.
	ErrNotStarted = errors.New("stream: engine not started")

	// ErrAlreadyStarted indicates a second Start on the same engine.
	ErrAlreadyStarted = errors.New("stream: engine already started")

	// ErrStopped indicates the engine shut down while the caller was
	// waiting, or a read after Stop.
	ErrStopped = errors.New("stream: engine stopped")
)
