package driver

import (
	"context"
	"fmt"
	"sync"
)

// Kind identifies what a readout measured.
type Kind string

// Measurement kinds emitted by a wavemeter.
const (
	KindTemperature Kind = "temperature"
	KindPressure    Kind = "pressure"
	KindWavelength  Kind = "wavelength"
	KindLinewidth   Kind = "linewidth"
	KindExposure1   Kind = "exposure_1"
	KindExposure2   Kind = "exposure_2"
)

// Kinds returns every measurement kind in emission order.
func Kinds() []Kind {
	return []Kind{
		KindTemperature,
		KindPressure,
		KindWavelength,
		KindLinewidth,
		KindExposure1,
		KindExposure2,
	}
}

// Valid reports whether k is a known measurement kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTemperature, KindPressure, KindWavelength, KindLinewidth,
		KindExposure1, KindExposure2:
		return true
	}
	return false
}

// Integer reports whether the hardware readout for k is integral. Exposure
// times are whole milliseconds; the value still crosses the driver boundary
// as a float64.
func (k Kind) Integer() bool {
	return k == KindExposure1 || k == KindExposure2
}

// Measurement is one instrument readout.
type Measurement struct {
	Kind  Kind
	Value float64
}

// Callback receives measurements on the driver's goroutine. It must not
// block.
type Callback func(Measurement)

// CallbackID identifies a registered callback for later removal.
type CallbackID uint64

// DeviceInfo describes the connected instrument.
type DeviceInfo struct {
	Model        string `json:"model"`
	Version      string `json:"version"`
	ChannelCount int    `json:"channel_count"`
}

// Trace is one analysis trace from the instrument's interferometer:
// amplitude over wavelength, equal-length slices.
type Trace struct {
	WavelengthsNm []float64 `json:"wavelengths_nm"`
	Amplitudes    []float64 `json:"amplitudes"`
}

// Stats holds driver counters.
type Stats struct {
	Emitted      uint64 // readouts delivered to callbacks
	Suppressed   uint64 // readouts discarded during calibration
	Calibrations uint64 // completed calibration cycles
	Running      bool
	Calibrating  bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Driver is the instrument abstraction the rest of the system consumes.
type Driver interface {
	// Start begins measurement emission.
	Start() error

	// Info describes the connected instrument.
	Info(ctx context.Context) (DeviceInfo, error)

	// Spectrum returns the instrument's latest analysis trace.
	Spectrum(ctx context.Context) (Trace, error)

	// Calibrate runs one calibration cycle, suppressing measurement
	// emission until it completes.
	Calibrate(ctx context.Context) error

	// AddCallback registers a measurement callback.
	AddCallback(cb Callback) CallbackID

	// RemoveCallback removes a previously registered callback.
	RemoveCallback(id CallbackID)

	// Stats returns current driver counters.
	Stats() Stats

	// Close stops emission and releases the instrument. Safe to call
	// multiple times.
	Close() error
}

// callbacks dispatches measurements to registered callbacks in registration
// order. Safe for concurrent use; implementations embed it.
type callbacks struct {
	mu     sync.RWMutex
	nextID CallbackID
	order  []CallbackID
	byID   map[CallbackID]Callback
}

func (c *callbacks) add(cb Callback) CallbackID {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.byID == nil {
		c.byID = make(map[CallbackID]Callback)
	}
	c.nextID++
	id := c.nextID
	c.byID[id] = cb
	c.order = append(c.order, id)
	return id
}

func (c *callbacks) remove(id CallbackID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byID[id]; !ok {
		return
	}
	delete(c.byID, id)
	for i, other := range c.order {
		if other == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// snapshot returns the registered callbacks in registration order.
func (c *callbacks) snapshot() []Callback {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Callback, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// dispatch invokes every registered callback with m. Panics in a callback
// are recovered and logged so one misbehaving consumer cannot kill the
// emission loop.
func (c *callbacks) dispatch(m Measurement, logger Logger) {
	for _, cb := range c.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("measurement callback panic", "error", fmt.Errorf("%v", r))
				}
			}()
			cb(m)
		}()
	}
}
