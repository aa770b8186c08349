package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Engine defaults, applied where Options or ChannelConfig leave a field
// zero.
const (
	// DefaultQueueSize is the capacity of the driver hand-off queue.
	DefaultQueueSize = 1024

	// DefaultTargetBinSize is the sample count that finishes a bin.
	DefaultTargetBinSize = 256

	// DefaultMaxBinDuration is the wall-clock bound on a bin.
	DefaultMaxBinDuration = 30 * time.Second
)

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

// ChannelConfig describes one measurement channel of the engine.
type ChannelConfig struct {
	// Name identifies the channel to readers and consumers
	// (e.g. "wavelength_vac_nm"). Must be unique.
	Name string

	// Kind is the measurement kind routed to this channel
	// (e.g. "wavelength"). Must be unique.
	Kind string

	// TargetBinSize is the sample count that finishes a bin.
	// Zero selects the default (256).
	TargetBinSize int

	// MaxBinDuration bounds how long a non-empty bin may wait before it is
	// finished anyway. Zero selects the default (30s).
	MaxBinDuration time.Duration
}

// Options configures a new Engine.
type Options struct {
	// Channels lists the measurement channels. At least one is required.
	Channels []ChannelConfig

	// OnBinFinished receives every finished bin. Required. Runs on the
	// owning goroutine and must not block; consumers that do I/O need
	// their own queue.
	OnBinFinished func(Bin)

	// OnSample, when set, observes every routed sample after the channel
	// state has settled. Same constraints as OnBinFinished.
	OnSample func(Point)

	// QueueSize is the capacity of the driver hand-off queue.
	// Zero selects the default (1024).
	QueueSize int

	// Clock drives the bin timers. Nil selects the real clock; tests
	// inject clock.NewMock().
	Clock clock.Clock

	// Logger is optional.
	Logger Logger
}

// Stats holds engine counters. All values are cumulative since New.
type Stats struct {
	Submitted       uint64 // samples handed to Submit
	Dropped         uint64 // samples dropped because the queue was full
	Routed          uint64 // samples delivered to a channel
	Unroutable      uint64 // samples for an unconfigured measurement kind
	BinsFlushed     uint64 // finished bins, any reason
	TimeoutFlushes  uint64 // finished bins whose reason was the timer
	EmptyTimeouts   uint64 // timer expiries on an empty bin
	WaitersResolved uint64 // blocked readers woken by a push
	PendingWaiters  int64  // readers currently blocked
	Running         bool
}

// readMode selects what a read request does once it reaches the run loop.
type readMode int

const (
	readLatest readMode = iota
	readNext
	readPeek
)

// request is a read operation travelling into the run loop.
type request struct {
	ch    *chunker
	mode  readMode
	reply chan readReply
}

// expiry is a bin timer notification travelling into the run loop.
type expiry struct {
	ch  *chunker
	gen uint64
}

// Engine owns every measurement channel and runs the chunking loop.
//
// Thread Safety:
//   - Submit, Latest, Next, Peek, Channels, Stats and Stop are safe from
//     any goroutine.
//   - All channel state is confined to the run goroutine; see the package
//     documentation.
type Engine struct {
	byKind   map[string]*chunker
	byName   map[string]*chunker
	order    []*chunker
	channels []ChannelConfig

	clk           clock.Clock
	onBinFinished func(Bin)
	onSample      func(Point)
	logger        Logger

	events   chan Sample
	requests chan request
	expiries chan expiry

	started atomic.Bool
	done    *closeOnce
	wg      sync.WaitGroup

	// Statistics (atomic for lock-free reads)
	submitted       atomic.Uint64
	dropped         atomic.Uint64
	routed          atomic.Uint64
	unroutable      atomic.Uint64
	binsFlushed     atomic.Uint64
	timeoutFlushes  atomic.Uint64
	emptyTimeouts   atomic.Uint64
	waitersResolved atomic.Uint64
	pendingWaiters  atomic.Int64
}

// Sample is one measurement on its way into the engine.
type Sample struct {
	Kind  string
	Value float64
}

// New creates an Engine from the given options.
//
// Parameters:
//   - opts: Engine options; Channels and OnBinFinished are required
//
// Returns:
//   - *Engine: Engine ready to Start
//   - error: If the options are invalid
func New(opts Options) (*Engine, error) {
	if len(opts.Channels) == 0 {
		return nil, fmt.Errorf("stream: at least one channel is required")
	}
	if opts.OnBinFinished == nil {
		return nil, fmt.Errorf("stream: OnBinFinished is required")
	}

	queueSize := opts.QueueSize
	if queueSize == 0 {
		queueSize = DefaultQueueSize
	}
	if queueSize < 1 {
		return nil, fmt.Errorf("stream: queue size must be positive, got %d", queueSize)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	e := &Engine{
		byKind:        make(map[string]*chunker, len(opts.Channels)),
		byName:        make(map[string]*chunker, len(opts.Channels)),
		order:         make([]*chunker, 0, len(opts.Channels)),
		channels:      make([]ChannelConfig, 0, len(opts.Channels)),
		clk:           clk,
		onBinFinished: opts.OnBinFinished,
		onSample:      opts.OnSample,
		logger:        logger,
		events:        make(chan Sample, queueSize),
		requests:      make(chan request),
		expiries:      make(chan expiry, 2*len(opts.Channels)),
		done:          newCloseOnce(),
	}

	for i, cc := range opts.Channels {
		if cc.Name == "" {
			return nil, fmt.Errorf("stream: channel %d: name is required", i)
		}
		if cc.Kind == "" {
			return nil, fmt.Errorf("stream: channel %q: kind is required", cc.Name)
		}
		if _, dup := e.byName[cc.Name]; dup {
			return nil, fmt.Errorf("stream: channel name %q is duplicated", cc.Name)
		}
		if _, dup := e.byKind[cc.Kind]; dup {
			return nil, fmt.Errorf("stream: measurement kind %q is duplicated", cc.Kind)
		}
		if cc.TargetBinSize == 0 {
			cc.TargetBinSize = DefaultTargetBinSize
		}
		if cc.TargetBinSize < 1 {
			return nil, fmt.Errorf("stream: channel %q: target bin size must be positive", cc.Name)
		}
		if cc.MaxBinDuration == 0 {
			cc.MaxBinDuration = DefaultMaxBinDuration
		}
		if cc.MaxBinDuration < 0 {
			return nil, fmt.Errorf("stream: channel %q: max bin duration must be positive", cc.Name)
		}

		c := &chunker{
			eng:            e,
			name:           cc.Name,
			kind:           cc.Kind,
			targetBinSize:  cc.TargetBinSize,
			maxBinDuration: cc.MaxBinDuration,
			points:         make([]float64, 0, cc.TargetBinSize),
		}
		e.byName[cc.Name] = c
		e.byKind[cc.Kind] = c
		e.order = append(e.order, c)
		e.channels = append(e.channels, cc)
	}

	return e, nil
}

// Start launches the owning goroutine and arms the initial bin timers.
//
// Returns:
//   - error: ErrAlreadyStarted on a second call
func (e *Engine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	// Block until the run goroutine has armed the timers, so that once
	// Start returns every channel's bin clock is live.
	ready := make(chan struct{})
	e.wg.Add(1)
	go e.run(ready)
	<-ready

	e.logger.Info("engine started",
		"channels", len(e.channels),
		"queue_size", cap(e.events),
	)
	return nil
}

// Stop shuts the engine down and waits for the owning goroutine to exit.
// Blocked readers fail with ErrStopped. Safe to call multiple times.
func (e *Engine) Stop() {
	e.done.Close()
	e.wg.Wait()
	e.logger.Info("engine stopped",
		"routed", e.routed.Load(),
		"bins_flushed", e.binsFlushed.Load(),
		"dropped", e.dropped.Load(),
	)
}

// Submit hands one measurement to the engine.
//
// Safe to call from any goroutine; this is the boundary the driver's
// callback goroutine crosses. Submit never blocks: when the hand-off queue
// is full the sample is dropped and counted.
//
// Parameters:
//   - kind: Measurement kind (routing key)
//   - value: Measured value
func (e *Engine) Submit(kind string, value float64) {
	select {
	case <-e.done.Done():
		return
	default:
	}

	e.submitted.Add(1)

	select {
	case e.events <- Sample{Kind: kind, Value: value}:
	default:
		e.dropped.Add(1)
		e.logger.Warn("event queue full, dropping sample", "kind", kind)
	}
}

// Latest returns the channel's most recent value.
//
// Before the first sample arrives the call blocks until a value is pushed,
// the context is cancelled, or the engine stops.
//
// Parameters:
//   - ctx: Context bounding the wait
//   - channel: Channel name
//
// Returns:
//   - float64: The most recent value
//   - error: ErrUnknownChannel, ErrNotStarted, ErrStopped, or ctx.Err()
func (e *Engine) Latest(ctx context.Context, channel string) (float64, error) {
	reply, err := e.read(ctx, channel, readLatest)
	if err != nil {
		return 0, err
	}
	return reply.value, nil
}

// Next blocks until the channel's next value is pushed.
//
// Every concurrent caller is woken by the same push and receives the same
// value, in registration order.
//
// Parameters:
//   - ctx: Context bounding the wait
//   - channel: Channel name
//
// Returns:
//   - float64: The next pushed value
//   - error: ErrUnknownChannel, ErrNotStarted, ErrStopped, or ctx.Err()
func (e *Engine) Next(ctx context.Context, channel string) (float64, error) {
	reply, err := e.read(ctx, channel, readNext)
	if err != nil {
		return 0, err
	}
	return reply.value, nil
}

// Peek reports the channel's most recent value without waiting.
//
// Returns:
//   - float64: The most recent value, zero when none arrived yet
//   - bool: Whether a value has arrived
//   - error: ErrUnknownChannel, ErrNotStarted, ErrStopped, or ctx.Err()
func (e *Engine) Peek(ctx context.Context, channel string) (float64, bool, error) {
	reply, err := e.read(ctx, channel, readPeek)
	if err != nil {
		return 0, false, err
	}
	return reply.value, reply.ok, nil
}

// read ships a read request into the run loop and waits for the reply.
func (e *Engine) read(ctx context.Context, channel string, mode readMode) (readReply, error) {
	c, ok := e.byName[channel]
	if !ok {
		return readReply{}, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	if !e.started.Load() {
		return readReply{}, ErrNotStarted
	}

	req := request{ch: c, mode: mode, reply: make(chan readReply, 1)}

	select {
	case e.requests <- req:
	case <-ctx.Done():
		return readReply{}, ctx.Err()
	case <-e.done.Done():
		return readReply{}, ErrStopped
	}

	select {
	case r := <-req.reply:
		return r, nil
	case <-ctx.Done():
		// The waiter slot, if one was registered, is reclaimed by the
		// next push; the buffered reply never blocks the run loop.
		return readReply{}, ctx.Err()
	case <-e.done.Done():
		return readReply{}, ErrStopped
	}
}

// Channels returns the configured channels with defaults applied, in
// configuration order.
func (e *Engine) Channels() []ChannelConfig {
	out := make([]ChannelConfig, len(e.channels))
	copy(out, e.channels)
	return out
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Submitted:       e.submitted.Load(),
		Dropped:         e.dropped.Load(),
		Routed:          e.routed.Load(),
		Unroutable:      e.unroutable.Load(),
		BinsFlushed:     e.binsFlushed.Load(),
		TimeoutFlushes:  e.timeoutFlushes.Load(),
		EmptyTimeouts:   e.emptyTimeouts.Load(),
		WaitersResolved: e.waitersResolved.Load(),
		PendingWaiters:  e.pendingWaiters.Load(),
		Running:         e.started.Load() && !e.isClosed(),
	}
}

// isClosed returns true if the engine has been stopped.
func (e *Engine) isClosed() bool {
	select {
	case <-e.done.Done():
		return true
	default:
		return false
	}
}

// run is the owning goroutine: all channel state is mutated here and only
// here.
func (e *Engine) run(ready chan<- struct{}) {
	defer e.wg.Done()
	defer e.stopTimers()

	// Arm the initial bin timers on the owning goroutine.
	for _, c := range e.order {
		c.scheduleTimeout()
	}
	close(ready)

	for {
		select {
		case <-e.done.Done():
			return
		case s := <-e.events:
			e.route(s)
		case r := <-e.requests:
			e.serve(r)
		case x := <-e.expiries:
			x.ch.timerElapsed(x.gen)
		}
	}
}

// route delivers a sample to its channel. Samples for kinds no channel is
// configured for are dropped silently: the driver reports every readout
// the hardware offers, not just the ones this deployment collects.
func (e *Engine) route(s Sample) {
	c, ok := e.byKind[s.Kind]
	if !ok {
		e.unroutable.Add(1)
		return
	}
	e.routed.Add(1)
	c.push(s.Value)
}

// serve executes a read request against its chunker.
func (e *Engine) serve(r request) {
	switch r.mode {
	case readLatest:
		r.ch.latest(r.reply)
	case readNext:
		r.ch.next(r.reply)
	case readPeek:
		r.ch.peek(r.reply)
	}
}

// stopTimers cancels every pending bin timer. Runs on the owning goroutine
// after the loop exits.
func (e *Engine) stopTimers() {
	for _, c := range e.order {
		c.cancelTimer()
	}
}
