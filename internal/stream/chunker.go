package stream

import (
	"time"

	"github.com/benbjohnson/clock"
)

// FlushReason records why a bin was finished.
type FlushReason string

// Flush reasons.
const (
	// FlushCount means the bin reached its target size.
	FlushCount FlushReason = "count"

	// FlushTimeout means the bin's wall-clock bound elapsed with samples
	// present.
	FlushTimeout FlushReason = "timeout"
)

// Bin is a finished bin of samples, handed to the bin-finished consumer.
// The Points slice is a snapshot owned by the receiver; the engine never
// touches it again.
type Bin struct {
	Channel string
	Points  []float64
	Reason  FlushReason
}

// Point is a single routed sample as seen by the optional sample observer.
type Point struct {
	Channel string
	Value   float64
	Time    time.Time
}

// readReply carries a read result back to the requesting goroutine. The ok
// flag only matters for peeks, where no value may exist yet.
type readReply struct {
	value float64
	ok    bool
}

// chunker holds the accumulation state of one measurement channel.
//
// Every field is owned by the engine's run goroutine: only code reached
// from the run loop may read or write them. The outside world talks to a
// chunker exclusively through the engine's queues.
type chunker struct {
	eng *Engine

	name           string
	kind           string
	targetBinSize  int
	maxBinDuration time.Duration

	points    []float64
	lastValue float64
	hasValue  bool

	// waiters are blocked Latest/Next readers in registration order. Each
	// entry has capacity 1, so resolving never blocks the run loop even
	// when a reader has already given up.
	waiters []chan readReply

	// timer is the pending bin timer, if any. timerGen fences expiry
	// messages: a fired timer that lost a cancel race carries a stale
	// generation and is discarded.
	timer    *clock.Timer
	timerGen uint64
}

// push accumulates one sample.
//
// Order matters: the value joins the bin and becomes the latest value, a
// full bin is finished, and only then are pending readers resolved. Every
// reader gets this value, never bin contents.
func (c *chunker) push(v float64) {
	c.points = append(c.points, v)
	c.lastValue = v
	c.hasValue = true

	if len(c.points) >= c.targetBinSize {
		c.finishBin(FlushCount)
	}

	c.resolveWaiters(v)

	if c.eng.onSample != nil {
		c.eng.onSample(Point{Channel: c.name, Value: v, Time: c.eng.clk.Now()})
	}
}

// latest resolves immediately with the most recent value, or registers the
// reader when no sample has arrived yet.
func (c *chunker) latest(reply chan readReply) {
	if c.hasValue {
		reply <- readReply{value: c.lastValue, ok: true}
		return
	}
	c.register(reply)
}

// next registers the reader for the following pushed value.
func (c *chunker) next(reply chan readReply) {
	c.register(reply)
}

func (c *chunker) register(reply chan readReply) {
	c.waiters = append(c.waiters, reply)
	c.eng.pendingWaiters.Add(1)
}

// peek reports the most recent value without ever blocking the reader.
func (c *chunker) peek(reply chan readReply) {
	reply <- readReply{value: c.lastValue, ok: c.hasValue}
}

// resolveWaiters wakes every pending reader with the pushed value and
// clears the registry.
func (c *chunker) resolveWaiters(v float64) {
	if len(c.waiters) == 0 {
		return
	}
	for _, w := range c.waiters {
		w <- readReply{value: v, ok: true}
	}
	c.eng.waitersResolved.Add(uint64(len(c.waiters)))
	c.eng.pendingWaiters.Add(-int64(len(c.waiters)))
	c.waiters = nil
}

// finishBin hands the accumulated samples to the consumer and starts a new
// bin. Calling it with an empty bin is a bug in this package, not a runtime
// condition, so it panics rather than returning an error.
func (c *chunker) finishBin(reason FlushReason) {
	if len(c.points) == 0 {
		panic("stream: finishing an empty bin")
	}

	c.cancelTimer()

	points := c.points
	c.points = make([]float64, 0, c.targetBinSize)

	c.eng.binsFlushed.Add(1)
	if reason == FlushTimeout {
		c.eng.timeoutFlushes.Add(1)
	}

	c.eng.logger.Debug("bin finished",
		"channel", c.name,
		"points", len(points),
		"reason", string(reason),
	)

	// The next bin's clock starts at the flush, not after the consumer
	// returns, so arm the replacement timer first.
	c.scheduleTimeout()

	c.eng.onBinFinished(Bin{Channel: c.name, Points: points, Reason: reason})
}

// scheduleTimeout arms the bin timer, replacing any previous one. At most
// one timer is outstanding per channel.
func (c *chunker) scheduleTimeout() {
	c.cancelTimer()

	c.timerGen++
	gen := c.timerGen
	eng := c.eng

	c.timer = eng.clk.AfterFunc(c.maxBinDuration, func() {
		// Runs on the clock's goroutine: hand the expiry to the owning
		// goroutine instead of touching chunker state here.
		select {
		case eng.expiries <- expiry{ch: c, gen: gen}:
		case <-eng.done.Done():
		}
	})
}

// cancelTimer stops the pending timer, if any. A timer that already fired
// is fenced out by its stale generation.
func (c *chunker) cancelTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// timerElapsed handles a bin timer expiry on the owning goroutine.
//
// A non-empty bin is flushed; an empty one only gets a debug notice, since
// a quiet channel is normal on instruments that skip readouts. The timer
// is re-armed either way.
func (c *chunker) timerElapsed(gen uint64) {
	if gen != c.timerGen {
		return // superseded by a newer schedule
	}
	c.timer = nil

	if len(c.points) > 0 {
		c.finishBin(FlushTimeout)
		return
	}

	c.eng.logger.Debug("bin duration elapsed with no samples",
		"channel", c.name,
		"max_bin_duration", c.maxBinDuration.String(),
	)
	c.scheduleTimeout()
	c.eng.emptyTimeouts.Add(1)
}
