package publish

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/qoptics/wavemeterd/internal/export"
	"github.com/qoptics/wavemeterd/internal/infrastructure/mqtt"
	"github.com/qoptics/wavemeterd/internal/stream"
)

// Publisher queue and throttle constants.
const (
	// DefaultQueueSize bounds the pending publish queue.
	DefaultQueueSize = 100

	// DefaultStateInterval is the minimum spacing between state publishes
	// on one channel.
	DefaultStateInterval = time.Second
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

// Broker is the slice of the MQTT client the publisher needs.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
}

var _ Broker = (*mqtt.Client)(nil)

// statePayload is the JSON shape published to state topics.
type statePayload struct {
	Channel   string  `json:"channel"`
	Value     float64 `json:"value"`
	Timestamp string  `json:"timestamp"`
}

// item is one queued publication. Exactly one field is set.
type item struct {
	point   *stream.Point
	summary *export.Summary
}

// Options configures a Publisher.
type Options struct {
	// Broker receives the publishes. Required.
	Broker Broker

	// Topics builds the topic strings. The zero value uses the default
	// topic root.
	Topics mqtt.Topics

	// StateInterval is the minimum spacing between state publishes on one
	// channel. Zero or below selects DefaultStateInterval.
	StateInterval time.Duration

	// QueueSize bounds the pending publish queue. Zero or below selects
	// DefaultQueueSize.
	QueueSize int

	// QoS applies to bin summary publishes. State publishes go through
	// PublishRetained, which uses the broker's configured QoS.
	QoS byte

	// Clock drives the state throttle. Nil selects the wall clock.
	Clock clock.Clock

	// Logger receives pipeline diagnostics. Nil discards them.
	Logger Logger
}

// Publisher drains samples and summaries from a bounded queue onto the
// MQTT broker. A single worker goroutine keeps publishes in arrival order.
type Publisher struct {
	broker   Broker
	topics   mqtt.Topics
	interval time.Duration
	qos      byte
	clk      clock.Clock
	logger   Logger

	queue chan item

	started atomic.Bool
	done    *closeOnce
	wg      sync.WaitGroup

	// lastState tracks the most recent accepted state publish per channel.
	mu        sync.Mutex
	lastState map[string]time.Time

	published     atomic.Uint64
	throttled     atomic.Uint64
	dropped       atomic.Uint64
	publishErrors atomic.Uint64
}

// Stats is a point-in-time snapshot of the publisher counters.
type Stats struct {
	// Published counts messages handed to the broker.
	Published uint64

	// Throttled counts state samples suppressed by the interval.
	Throttled uint64

	// Dropped counts messages discarded because the queue was full.
	Dropped uint64

	// PublishErrors counts failed broker publishes.
	PublishErrors uint64

	// Pending is the current queue depth.
	Pending int

	// Running reports whether the worker is active.
	Running bool
}

// New creates a Publisher.
//
// Parameters:
//   - opts: Publisher options; Broker is required
//
// Returns:
//   - *Publisher: Publisher ready to Start
//   - error: ErrNoBroker if no broker was given
func New(opts Options) (*Publisher, error) {
	if opts.Broker == nil {
		return nil, ErrNoBroker
	}

	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	interval := opts.StateInterval
	if interval <= 0 {
		interval = DefaultStateInterval
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Publisher{
		broker:    opts.Broker,
		topics:    opts.Topics,
		interval:  interval,
		qos:       opts.QoS,
		clk:       clk,
		logger:    logger,
		queue:     make(chan item, queueSize),
		done:      newCloseOnce(),
		lastState: make(map[string]time.Time),
	}, nil
}

// Start launches the worker goroutine.
//
// Returns:
//   - error: ErrAlreadyStarted on a second call, ErrClosed after Close
func (p *Publisher) Start() error {
	if p.isClosed() {
		return ErrClosed
	}
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	p.wg.Add(1)
	go p.run()

	p.logger.Info("mqtt publisher started",
		"queue_size", cap(p.queue),
		"state_interval", p.interval.String(),
	)
	return nil
}

// PushSample queues a live value for the channel's state topic without
// blocking. Samples arriving within the throttle interval of the last
// accepted one are suppressed and counted.
func (p *Publisher) PushSample(pt stream.Point) {
	if p.isClosed() {
		return
	}

	p.mu.Lock()
	now := p.clk.Now()
	if last, ok := p.lastState[pt.Channel]; ok && now.Sub(last) < p.interval {
		p.mu.Unlock()
		p.throttled.Add(1)
		return
	}
	p.lastState[pt.Channel] = now
	p.mu.Unlock()

	p.enqueue(pt.Channel, item{point: &pt})
}

// PushSummary queues a bin summary for the channel's bins topic without
// blocking. Summaries are never throttled.
func (p *Publisher) PushSummary(s export.Summary) {
	if p.isClosed() {
		return
	}
	p.enqueue(s.Channel, item{summary: &s})
}

// Stats returns a snapshot of the publisher counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published:     p.published.Load(),
		Throttled:     p.throttled.Load(),
		Dropped:       p.dropped.Load(),
		PublishErrors: p.publishErrors.Load(),
		Pending:       len(p.queue),
		Running:       p.started.Load() && !p.isClosed(),
	}
}

// Close stops the worker and waits for the publish in hand to finish.
// Messages still queued are discarded.
func (p *Publisher) Close() error {
	p.done.Close()
	p.wg.Wait()

	p.logger.Info("mqtt publisher stopped",
		"published", p.published.Load(),
		"dropped", p.dropped.Load(),
	)
	return nil
}

// isClosed returns true if the publisher has been closed.
func (p *Publisher) isClosed() bool {
	select {
	case <-p.done.Done():
		return true
	default:
		return false
	}
}

// enqueue hands one item to the worker, dropping on a full queue.
func (p *Publisher) enqueue(channel string, it item) {
	select {
	case p.queue <- it:
	default:
		p.dropped.Add(1)
		p.logger.Warn("too many pending MQTT publishes",
			"channel", channel,
			"dropped_total", p.dropped.Load(),
		)
	}
}

// run is the worker loop.
func (p *Publisher) run() {
	defer p.wg.Done()

	for {
		select {
		case it := <-p.queue:
			p.publish(it)
		case <-p.done.Done():
			return
		}
	}
}

// publish sends one item to the broker. The published counter is bumped
// last so tests can use it as a completion signal.
func (p *Publisher) publish(it item) {
	switch {
	case it.point != nil:
		p.publishState(*it.point)
	case it.summary != nil:
		p.publishSummary(*it.summary)
	}
}

// publishState sends a live value to the channel's state topic, retained
// so late subscribers see the last value immediately.
func (p *Publisher) publishState(pt stream.Point) {
	payload, err := json.Marshal(statePayload{
		Channel:   pt.Channel,
		Value:     pt.Value,
		Timestamp: pt.Time.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		// Non-finite values have no JSON encoding.
		p.publishErrors.Add(1)
		p.logger.Error("encoding state payload", "channel", pt.Channel, "error", err)
		return
	}

	if err := p.broker.PublishRetained(p.topics.State(pt.Channel), payload); err != nil {
		p.publishErrors.Add(1)
		p.logger.Warn("state publish failed", "channel", pt.Channel, "error", err)
		return
	}

	p.published.Add(1)
}

// publishSummary sends a bin summary to the channel's bins topic.
func (p *Publisher) publishSummary(s export.Summary) {
	payload, err := json.Marshal(s)
	if err != nil {
		p.publishErrors.Add(1)
		p.logger.Error("encoding bin summary", "channel", s.Channel, "error", err)
		return
	}

	if err := p.broker.Publish(p.topics.Bins(s.Channel), payload, p.qos, false); err != nil {
		p.publishErrors.Add(1)
		p.logger.Warn("bin summary publish failed", "channel", s.Channel, "error", err)
		return
	}

	p.published.Add(1)

	p.logger.Debug("bin summary published",
		"channel", s.Channel,
		"count", s.Count,
	)
}
