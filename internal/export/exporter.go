package export

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/qoptics/wavemeterd/internal/stream"
)

// Exporter queue and sink constants.
const (
	// DefaultQueueSize bounds the pending summary queue.
	DefaultQueueSize = 100

	// recordTimeout bounds a single history insert.
	recordTimeout = 5 * time.Second
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

// MetricWriter is the slice of the InfluxDB client the exporter needs.
// Writes are asynchronous and must not block.
type MetricWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time)
}

// Options configures an Exporter.
type Options struct {
	// QueueSize bounds the pending summary queue. Zero or below selects
	// DefaultQueueSize.
	QueueSize int

	// Metrics receives one point per summary. Nil disables metric export.
	Metrics MetricWriter

	// History records summaries for the history endpoint. Nil disables
	// persistence.
	History HistoryRepository

	// Tags are attached unchanged to every metric point.
	Tags map[string]string

	// OnSummary, when set, observes every computed summary after the
	// sinks have been given it. Runs on the worker goroutine and must
	// not block; the MQTT publisher's PushSummary qualifies.
	OnSummary func(Summary)

	// Clock stamps summaries. Nil selects the wall clock.
	Clock clock.Clock

	// Logger receives pipeline diagnostics. Nil discards them.
	Logger Logger
}

// Exporter drains finished bins from a bounded queue onto the sinks.
// A single worker goroutine keeps sink writes in bin order.
type Exporter struct {
	metrics   MetricWriter
	history   HistoryRepository
	tags      map[string]string
	onSummary func(Summary)
	clk       clock.Clock
	logger    Logger

	queue chan stream.Bin

	started atomic.Bool
	done    *closeOnce
	wg      sync.WaitGroup

	exported    atomic.Uint64
	dropped     atomic.Uint64
	recorded    atomic.Uint64
	writeErrors atomic.Uint64
}

// Stats is a point-in-time snapshot of the exporter counters.
type Stats struct {
	// Exported counts bins summarised and handed to the sinks.
	Exported uint64

	// Dropped counts bins discarded because the queue was full.
	Dropped uint64

	// Recorded counts summaries persisted to the history store.
	Recorded uint64

	// WriteErrors counts failed history writes.
	WriteErrors uint64

	// Pending is the current queue depth.
	Pending int

	// Running reports whether the worker is active.
	Running bool
}

// New creates an Exporter. Both sinks are optional; a nil sink is
// skipped at export time.
func New(opts Options) *Exporter {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Exporter{
		metrics:   opts.Metrics,
		history:   opts.History,
		tags:      opts.Tags,
		onSummary: opts.OnSummary,
		clk:       clk,
		logger:    logger,
		queue:     make(chan stream.Bin, queueSize),
		done:      newCloseOnce(),
	}
}

// Start launches the worker goroutine.
//
// Returns:
//   - error: ErrAlreadyStarted on a second call, ErrClosed after Close
func (e *Exporter) Start() error {
	if e.isClosed() {
		return ErrClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	e.wg.Add(1)
	go e.run()

	e.logger.Info("bin exporter started",
		"queue_size", cap(e.queue),
		"metrics", e.metrics != nil,
		"history", e.history != nil,
	)
	return nil
}

// Push queues a finished bin for export without blocking. On a full
// queue the bin is dropped and counted; the measurement path never
// waits on a sink.
func (e *Exporter) Push(bin stream.Bin) {
	if e.isClosed() {
		return
	}

	select {
	case e.queue <- bin:
	default:
		e.dropped.Add(1)
		e.logger.Warn("too many pending bin summaries",
			"channel", bin.Channel,
			"dropped_total", e.dropped.Load(),
		)
	}
}

// Stats returns a snapshot of the exporter counters.
func (e *Exporter) Stats() Stats {
	return Stats{
		Exported:    e.exported.Load(),
		Dropped:     e.dropped.Load(),
		Recorded:    e.recorded.Load(),
		WriteErrors: e.writeErrors.Load(),
		Pending:     len(e.queue),
		Running:     e.started.Load() && !e.isClosed(),
	}
}

// Close stops the worker and waits for the bin in hand to finish.
// Bins still queued are discarded.
func (e *Exporter) Close() error {
	e.done.Close()
	e.wg.Wait()

	e.logger.Info("bin exporter stopped",
		"exported", e.exported.Load(),
		"dropped", e.dropped.Load(),
	)
	return nil
}

// isClosed returns true if the exporter has been closed.
func (e *Exporter) isClosed() bool {
	select {
	case <-e.done.Done():
		return true
	default:
		return false
	}
}

// run is the worker loop.
func (e *Exporter) run() {
	defer e.wg.Done()

	for {
		select {
		case bin := <-e.queue:
			e.export(bin)
		case <-e.done.Done():
			return
		}
	}
}

// export summarises one bin and fans it out to the sinks. The exported
// counter is bumped last so tests can use it as a completion signal.
func (e *Exporter) export(bin stream.Bin) {
	s, err := Summarize(bin.Channel, bin.Points, e.clk.Now().UTC())
	if err != nil {
		// Only an empty bin fails to summarise, and the engine never
		// flushes one.
		e.logger.Error("summarising bin", "channel", bin.Channel, "error", err)
		return
	}

	if e.metrics != nil {
		e.metrics.WritePointWithTime(s.Channel, e.tags, map[string]interface{}{
			"min":   s.Min,
			"p20":   s.P20,
			"mean":  s.Mean,
			"p80":   s.P80,
			"max":   s.Max,
			"count": s.Count,
		}, s.Time)
	}

	if e.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := e.history.Record(ctx, s); err != nil {
			e.writeErrors.Add(1)
			e.logger.Error("recording bin summary", "channel", s.Channel, "error", err)
		} else {
			e.recorded.Add(1)
		}
		cancel()
	}

	if e.onSummary != nil {
		e.onSummary(s)
	}

	e.exported.Add(1)

	e.logger.Debug("bin exported",
		"channel", s.Channel,
		"count", s.Count,
		"reason", string(bin.Reason),
	)
}
