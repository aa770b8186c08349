package driver

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Simulator defaults and model constants.
const (
	// defaultSimInterval is the period between readout batches.
	defaultSimInterval = 100 * time.Millisecond

	// defaultCalibrationDuration is how long one calibration cycle takes.
	defaultCalibrationDuration = 2 * time.Second

	// exposureRetuneChance is the per-batch probability that auto-exposure
	// steps to a new integration time.
	exposureRetuneChance = 0.2

	// spectrumPoints is the number of samples in a synthesised trace.
	spectrumPoints = 512

	// spectrumSpanNm is the wavelength window of a synthesised trace.
	spectrumSpanNm = 0.02
)

// walk bounds the random walk for one measurement kind.
type walk struct {
	start float64
	step  float64
	min   float64
	max   float64
}

// walks models ambient lab conditions around a 780 nm line: temperature in
// celsius, pressure in mbar, wavelength and linewidth in nm, exposures in
// whole milliseconds.
var walks = map[Kind]walk{
	KindTemperature: {start: 23.5, step: 0.02, min: 15, max: 35},
	KindPressure:    {start: 1013.25, step: 0.05, min: 950, max: 1080},
	KindWavelength:  {start: 780.2412, step: 2e-5, min: 780.23, max: 780.25},
	KindLinewidth:   {start: 3.5e-4, step: 2e-5, min: 1e-4, max: 1e-3},
	KindExposure1:   {start: 120, step: 10, min: 1, max: 500},
	KindExposure2:   {start: 240, step: 10, min: 1, max: 500},
}

// SimOptions configures the simulated wavemeter.
type SimOptions struct {
	// Interval between readout batches. Zero selects the default (100ms).
	Interval time.Duration

	// Seed for the random source. Zero seeds from the current time.
	Seed int64

	// CalibrationDuration is how long one calibration cycle takes.
	// Zero selects the default (2s).
	CalibrationDuration time.Duration

	// Clock drives the emission ticker and calibration timer. Nil selects
	// the real clock; tests inject clock.NewMock().
	Clock clock.Clock

	// Logger is optional.
	Logger Logger
}

// Sim is a simulated wavemeter: it random-walks a plausible value per
// measurement kind and emits one readout batch per interval from its own
// goroutine.
//
// Thread Safety: all methods are safe for concurrent use.
type Sim struct {
	interval time.Duration
	calDur   time.Duration
	clk      clock.Clock
	logger   Logger

	cbs callbacks

	// rng and values are shared by the emission loop and Spectrum.
	mu     sync.Mutex
	rng    *rand.Rand
	values map[Kind]float64

	// lastWavelength mirrors values[KindWavelength] for lock-free reads.
	lastWavelength atomic.Uint64 // math.Float64bits

	started     atomic.Bool
	calibrating atomic.Bool
	done        *closeOnce
	wg          sync.WaitGroup

	// Statistics (atomic for lock-free reads)
	emitted      atomic.Uint64
	suppressed   atomic.Uint64
	calibrations atomic.Uint64
}

// Ensure Sim implements Driver.
var _ Driver = (*Sim)(nil)

// NewSim creates a simulated wavemeter. Call Start to begin emission.
func NewSim(opts SimOptions) *Sim {
	interval := opts.Interval
	if interval == 0 {
		interval = defaultSimInterval
	}
	calDur := opts.CalibrationDuration
	if calDur == 0 {
		calDur = defaultCalibrationDuration
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	values := make(map[Kind]float64, len(walks))
	for k, w := range walks {
		values[k] = w.start
	}

	s := &Sim{
		interval: interval,
		calDur:   calDur,
		clk:      clk,
		logger:   logger,
		rng:      rand.New(rand.NewSource(seed)),
		values:   values,
		done:     newCloseOnce(),
	}
	s.lastWavelength.Store(math.Float64bits(walks[KindWavelength].start))
	return s
}

// Start begins measurement emission.
//
// Returns:
//   - error: ErrAlreadyStarted on a second call, ErrClosed after Close
func (s *Sim) Start() error {
	if s.isClosed() {
		return ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	// The ticker is armed here, not in the goroutine, so that emission
	// timing is fixed once Start returns.
	ticker := s.clk.Ticker(s.interval)

	s.wg.Add(1)
	go s.emitLoop(ticker)

	s.logger.Info("simulated wavemeter started", "interval", s.interval.String())
	return nil
}

// emitLoop produces one readout batch per tick until Close.
func (s *Sim) emitLoop(ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-s.done.Done():
			return
		case <-ticker.C:
			s.emitBatch()
		}
	}
}

// emitBatch advances every walk and dispatches the readouts. During a
// calibration cycle the instrument is measuring its reference source, so
// the values keep walking but nothing is emitted.
func (s *Sim) emitBatch() {
	for _, k := range Kinds() {
		v := s.nextValue(k)
		if s.calibrating.Load() {
			s.suppressed.Add(1)
			continue
		}
		s.cbs.dispatch(Measurement{Kind: k, Value: v}, s.logger)
		s.emitted.Add(1)
	}
}

// nextValue advances the random walk for one kind.
func (s *Sim) nextValue(k Kind) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := walks[k]
	v := s.values[k]

	if k.Integer() {
		// Auto-exposure holds steady most batches and retunes in whole
		// steps when it moves.
		if s.rng.Float64() < exposureRetuneChance {
			if s.rng.Float64() < 0.5 {
				v -= w.step
			} else {
				v += w.step
			}
		}
		v = math.Round(v)
	} else {
		v += (s.rng.Float64()*2 - 1) * w.step
	}

	v = math.Max(w.min, math.Min(w.max, v))
	s.values[k] = v

	if k == KindWavelength {
		s.lastWavelength.Store(math.Float64bits(v))
	}
	return v
}

// Info describes the simulated instrument.
func (s *Sim) Info(_ context.Context) (DeviceInfo, error) {
	if s.isClosed() {
		return DeviceInfo{}, ErrClosed
	}
	return DeviceInfo{
		Model:        "wavemeter-sim",
		Version:      "1.0.0",
		ChannelCount: 1,
	}, nil
}

// Spectrum synthesises an analysis trace: a Gaussian line at the current
// wavelength with the current linewidth, plus a small noise floor.
func (s *Sim) Spectrum(_ context.Context) (Trace, error) {
	if s.isClosed() {
		return Trace{}, ErrClosed
	}

	center := math.Float64frombits(s.lastWavelength.Load())

	s.mu.Lock()
	defer s.mu.Unlock()

	sigma := s.values[KindLinewidth]
	wavelengths := make([]float64, spectrumPoints)
	amplitudes := make([]float64, spectrumPoints)

	start := center - spectrumSpanNm/2
	stepNm := spectrumSpanNm / float64(spectrumPoints-1)

	for i := 0; i < spectrumPoints; i++ {
		x := start + float64(i)*stepNm
		d := (x - center) / sigma
		a := math.Exp(-0.5*d*d) + s.rng.Float64()*0.01

		wavelengths[i] = x
		amplitudes[i] = a
	}

	return Trace{WavelengthsNm: wavelengths, Amplitudes: amplitudes}, nil
}

// Calibrate runs one calibration cycle. Measurement emission is suppressed
// until the cycle completes; readouts taken mid-cycle are discarded and
// counted.
//
// Parameters:
//   - ctx: Context bounding the cycle; cancellation aborts it
//
// Returns:
//   - error: ErrNotStarted, ErrClosed, ErrCalibrating, or a wrapped
//     ctx.Err() when aborted
func (s *Sim) Calibrate(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if !s.started.Load() {
		return ErrNotStarted
	}
	if !s.calibrating.CompareAndSwap(false, true) {
		return ErrCalibrating
	}
	defer s.calibrating.Store(false)

	s.logger.Info("calibration started", "duration", s.calDur.String())

	t := s.clk.Timer(s.calDur)
	defer t.Stop()

	select {
	case <-t.C:
		s.calibrations.Add(1)
		s.logger.Info("calibration complete",
			"suppressed_readouts", s.suppressed.Load(),
		)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("driver: calibration aborted: %w", ctx.Err())
	case <-s.done.Done():
		return ErrClosed
	}
}

// AddCallback registers a measurement callback. Callbacks run on the
// emission goroutine in registration order and must not block.
func (s *Sim) AddCallback(cb Callback) CallbackID {
	return s.cbs.add(cb)
}

// RemoveCallback removes a previously registered callback.
func (s *Sim) RemoveCallback(id CallbackID) {
	s.cbs.remove(id)
}

// Stats returns current driver counters.
func (s *Sim) Stats() Stats {
	return Stats{
		Emitted:      s.emitted.Load(),
		Suppressed:   s.suppressed.Load(),
		Calibrations: s.calibrations.Load(),
		Running:      s.started.Load() && !s.isClosed(),
		Calibrating:  s.calibrating.Load(),
	}
}

// isClosed returns true if the driver has been closed.
func (s *Sim) isClosed() bool {
	select {
	case <-s.done.Done():
		return true
	default:
		return false
	}
}

// Close stops emission and waits for the emission goroutine to exit. Safe
// to call multiple times.
func (s *Sim) Close() error {
	s.done.Close()
	s.wg.Wait()
	s.logger.Info("simulated wavemeter closed",
		"emitted", s.emitted.Load(),
		"suppressed", s.suppressed.Load(),
	)
	return nil
}
