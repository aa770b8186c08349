package export

import "errors"

// Sentinel errors for the export pipeline.
var (
	// ErrEmptyBin indicates a summary was requested for a bin with no points.
	// The engine never flushes empty bins, so hitting this means a caller
	// constructed the bin by hand.
	ErrEmptyBin = errors.New("export: cannot summarise an empty bin")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("export: exporter already started")

	// ErrClosed indicates an operation on a closed exporter.
	ErrClosed = errors.New("export: exporter is closed")
)
