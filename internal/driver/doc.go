// Package driver abstracts the wavemeter hardware behind a measurement
// callback interface.
//
// A driver owns the goroutine that talks to the instrument and pushes every
// readout to the registered callbacks. Callbacks run on the driver's
// goroutine: they must hand the value off quickly (the stream engine's
// Submit is the intended consumer) and never block.
//
// # Measurement Kinds
//
// Each readout carries a Kind identifying what was measured (wavelength,
// linewidth, temperature, pressure, exposure times). Exposure kinds report
// whole milliseconds; their values are integral even though every value
// crosses the boundary as a float64.
//
// # Calibration
//
// While a calibration cycle runs the instrument measures its reference
// source, so readouts taken mid-cycle are meaningless. Drivers suppress
// emission for the duration and count the suppressed readouts.
//
// # Implementations
//
// Sim is a self-contained simulator that random-walks a plausible value per
// kind on a fixed interval. A vendor binding for real hardware slots behind
// the same Driver interface.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use from multiple goroutines.
package driver
