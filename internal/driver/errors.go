package driver

import "errors"

// Domain errors for the driver package.
var (
	// ErrNotStarted is returned when an operation requires a running
	// driver.
	ErrNotStarted = errors.New("driver: not started")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("driver: already started")

	// ErrClosed is returned for operations on a closed driver.
	ErrClosed = errors.New("driver: closed")

	// ErrCalibrating is returned when a calibration cycle is requested
	// while one is already running.
	ErrCalibrating = errors.New("driver: calibration already in progress")

	// ErrMultiChannel is returned when the connected instrument exposes
	// more than one measurement input. Only single-input deployments are
	// supported.
	ErrMultiChannel = errors.New("driver: multi-channel instruments are not supported")
)
